// Package media knows the closed set of media containers the store accepts,
// how to carry binary payloads inline as data URIs, and how to read a file's
// on-disk creation time.
package media

import (
	"path/filepath"
	"strings"
)

// Kind is the media category of a stored result
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// OctetStream is the MIME type of anything outside the known extension table
const OctetStream = "application/octet-stream"

var extToMIME = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"mp4":  "video/mp4",
	"webm": "video/webm",
}

// preferred extension for each MIME type when naming new files
var mimeToExt = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
	"video/mp4":  "mp4",
	"video/webm": "webm",
}

// Ext returns the lower-cased extension of name without the dot
func Ext(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// MIMEFromExt maps an extension (with or without dot) to its MIME type.
// Unknown extensions map to OctetStream.
func MIMEFromExt(ext string) string {
	if mime, ok := extToMIME[strings.ToLower(strings.TrimPrefix(ext, "."))]; ok {
		return mime
	}
	return OctetStream
}

// MIMEFromName maps a file name or URL path to its MIME type
func MIMEFromName(name string) string {
	// strip query and fragment so signed URLs still resolve
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	return MIMEFromExt(Ext(name))
}

// ExtFromMIME returns the preferred extension for a MIME type, "bin" when unknown
func ExtFromMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if ext, ok := mimeToExt[mime]; ok {
		return ext
	}
	return "bin"
}

// KindFromMIME derives the media kind; ok is false for anything that is neither
// image nor video in the known table.
func KindFromMIME(mime string) (Kind, bool) {
	switch {
	case strings.HasPrefix(mime, "image/") && mime != OctetStream:
		if _, known := mimeToExt[mime]; known {
			return KindImage, true
		}
	case strings.HasPrefix(mime, "video/"):
		if _, known := mimeToExt[mime]; known {
			return KindVideo, true
		}
	}
	return "", false
}

// KindFromName derives the media kind from a file name's extension
func KindFromName(name string) (Kind, bool) {
	return KindFromMIME(MIMEFromName(name))
}

// IsMediaFile reports whether name has one of the known media extensions
func IsMediaFile(name string) bool {
	_, ok := KindFromName(name)
	return ok
}

// ParseKind validates a kind string; empty input yields empty kind and ok=true
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(s)) {
	case KindImage:
		return KindImage, true
	case KindVideo:
		return KindVideo, true
	case "":
		return "", true
	}
	return "", false
}
