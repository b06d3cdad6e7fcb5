package sidecar

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/muaviaUsmani/genvault/internal/media"
)

// PNG text keywords and the JPEG comment marker the native codec uses
const (
	pngKeyDescription = "Description"
	pngKeyAuthor      = "Author"
	pngKeyComment     = "Comment"
	jpegMarkerCOM     = 0xFE
	jpegMarkerSOS     = 0xDA
	maxJPEGSegment    = 65533
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// NativeCodec reads and writes tags in PNG (tEXt/iTXt/zTXt chunks) and JPEG
// (COM segments) without external tools. Other containers read as untagged
// and refuse writes with ErrUnsupportedContainer.
type NativeCodec struct{}

// NewNativeCodec creates the pure-Go codec
func NewNativeCodec() *NativeCodec {
	return &NativeCodec{}
}

// Name implements TagCodec
func (c *NativeCodec) Name() string { return "native" }

// Close implements TagCodec
func (c *NativeCodec) Close() error { return nil }

// Read implements TagCodec
func (c *NativeCodec) Read(ctx context.Context, paths []string) (map[string]ReadResult, error) {
	out := make(map[string]ReadResult, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tags, err := c.readOne(path)
		out[path] = ReadResult{Tags: tags, Err: err}
	}
	return out, nil
}

func (c *NativeCodec) readOne(path string) (Tags, error) {
	switch media.Ext(path) {
	case "png":
		data, err := os.ReadFile(path)
		if err != nil {
			return Tags{}, err
		}
		return readPNGTags(data)
	case "jpg", "jpeg":
		f, err := os.Open(path)
		if err != nil {
			return Tags{}, err
		}
		defer f.Close()
		return readJPEGTags(f)
	default:
		if _, err := os.Stat(path); err != nil {
			return Tags{}, err
		}
		return Tags{}, nil
	}
}

// Write implements TagCodec
func (c *NativeCodec) Write(ctx context.Context, path string, tags Tags) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var rewrite func([]byte, Tags) ([]byte, error)
	switch media.Ext(path) {
	case "png":
		rewrite = writePNGTags
	case "jpg", "jpeg":
		rewrite = writeJPEGTags
	default:
		return ErrUnsupportedContainer
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	updated, err := rewrite(data, tags)
	if err != nil {
		return err
	}
	return replaceFile(path, updated)
}

// replaceFile writes data next to path and renames it over the original
func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tags-*"+filepath.Ext(path)+".tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

type pngChunk struct {
	typ  string
	data []byte
}

func splitPNG(data []byte) ([]pngChunk, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, errors.New("not a PNG file")
	}
	var chunks []pngChunk
	pos := len(pngSignature)
	for pos < len(data) {
		if pos+8 > len(data) {
			return nil, errors.New("truncated PNG chunk header")
		}
		length := int(binary.BigEndian.Uint32(data[pos:]))
		typ := string(data[pos+4 : pos+8])
		end := pos + 8 + length + 4
		if length < 0 || end > len(data) {
			return nil, fmt.Errorf("truncated PNG chunk %q", typ)
		}
		chunks = append(chunks, pngChunk{typ: typ, data: data[pos+8 : pos+8+length]})
		pos = end
		if typ == "IEND" {
			break
		}
	}
	return chunks, nil
}

func readPNGTags(data []byte) (Tags, error) {
	chunks, err := splitPNG(data)
	if err != nil {
		return Tags{}, err
	}

	var tags Tags
	var comment string
	for _, ch := range chunks {
		var key, text string
		var ok bool
		switch ch.typ {
		case "tEXt":
			key, text, ok = parseTEXt(ch.data)
		case "iTXt":
			key, text, ok = parseITXt(ch.data)
		case "zTXt":
			key, text, ok = parseZTXt(ch.data)
		}
		if !ok {
			continue
		}
		switch key {
		case pngKeyDescription:
			tags.Description = text
		case pngKeyAuthor:
			tags.Artist = text
		case pngKeyComment:
			comment = text
		}
	}
	if tags.Description == "" {
		tags.Description = comment
	}
	return tags, nil
}

func parseTEXt(b []byte) (string, string, bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", "", false
	}
	return string(b[:i]), latin1ToUTF8(b[i+1:]), true
}

func parseZTXt(b []byte) (string, string, bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 || i+2 > len(b) {
		return "", "", false
	}
	r, err := zlib.NewReader(bytes.NewReader(b[i+2:]))
	if err != nil {
		return "", "", false
	}
	defer r.Close()
	text, err := io.ReadAll(r)
	if err != nil {
		return "", "", false
	}
	return string(b[:i]), latin1ToUTF8(text), true
}

func parseITXt(b []byte) (string, string, bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 || i+3 > len(b) {
		return "", "", false
	}
	key := string(b[:i])
	compressed := b[i+1] == 1
	rest := b[i+3:]
	// language tag
	j := bytes.IndexByte(rest, 0)
	if j < 0 {
		return "", "", false
	}
	rest = rest[j+1:]
	// translated keyword
	j = bytes.IndexByte(rest, 0)
	if j < 0 {
		return "", "", false
	}
	text := rest[j+1:]
	if compressed {
		r, err := zlib.NewReader(bytes.NewReader(text))
		if err != nil {
			return "", "", false
		}
		defer r.Close()
		text, err = io.ReadAll(r)
		if err != nil {
			return "", "", false
		}
	}
	return key, string(text), true
}

func latin1ToUTF8(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// iTXt keeps the JSON blob UTF-8 clean
func iTXtChunk(key, text string) pngChunk {
	var b bytes.Buffer
	b.WriteString(key)
	b.WriteByte(0)
	b.WriteByte(0) // not compressed
	b.WriteByte(0) // compression method
	b.WriteByte(0) // empty language tag
	b.WriteByte(0) // empty translated keyword
	b.WriteString(text)
	return pngChunk{typ: "iTXt", data: b.Bytes()}
}

func writePNGTags(data []byte, tags Tags) ([]byte, error) {
	chunks, err := splitPNG(data)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Write(pngSignature)
	wrote := false
	for _, ch := range chunks {
		if isProvenanceChunk(ch) {
			continue
		}
		// text chunks go right after IHDR
		writePNGChunk(&out, ch)
		if ch.typ == "IHDR" && !wrote {
			if tags.Description != "" {
				writePNGChunk(&out, iTXtChunk(pngKeyDescription, tags.Description))
			}
			if tags.Artist != "" {
				writePNGChunk(&out, iTXtChunk(pngKeyAuthor, tags.Artist))
			}
			wrote = true
		}
	}
	if !wrote {
		return nil, errors.New("PNG has no IHDR chunk")
	}
	return out.Bytes(), nil
}

func isProvenanceChunk(ch pngChunk) bool {
	if ch.typ != "tEXt" && ch.typ != "iTXt" && ch.typ != "zTXt" {
		return false
	}
	i := bytes.IndexByte(ch.data, 0)
	if i < 0 {
		return false
	}
	key := string(ch.data[:i])
	return key == pngKeyDescription || key == pngKeyAuthor
}

func writePNGChunk(w *bytes.Buffer, ch pngChunk) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(ch.data)))
	copy(hdr[4:], ch.typ)
	w.Write(hdr[:])
	w.Write(ch.data)
	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(ch.data)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	w.Write(sum[:])
}

type jpegSegment struct {
	marker byte
	data   []byte // payload without the length field
}

// splitJPEG returns the header segments up to (not including) SOS and the
// remainder of the file starting at the SOS marker
func splitJPEG(data []byte) ([]jpegSegment, []byte, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, nil, errors.New("not a JPEG file")
	}
	var segs []jpegSegment
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return nil, nil, fmt.Errorf("invalid JPEG marker at offset %d", pos)
		}
		marker := data[pos+1]
		if marker == 0xFF {
			pos++ // fill byte
			continue
		}
		if marker == jpegMarkerSOS || marker == 0xD9 {
			return segs, data[pos:], nil
		}
		length := int(binary.BigEndian.Uint16(data[pos+2:]))
		if length < 2 || pos+2+length > len(data) {
			return nil, nil, errors.New("truncated JPEG segment")
		}
		segs = append(segs, jpegSegment{marker: marker, data: data[pos+4 : pos+2+length]})
		pos += 2 + length
	}
	return nil, nil, errors.New("JPEG has no scan data")
}

func readJPEGTags(r io.Reader) (Tags, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Tags{}, err
	}
	segs, _, err := splitJPEG(data)
	if err != nil {
		return Tags{}, err
	}
	var tags Tags
	for _, s := range segs {
		if s.marker == jpegMarkerCOM && tags.Description == "" {
			tags.Description = string(s.data)
		}
	}
	return tags, nil
}

// JPEG keeps only the description blob; the model is inside it
func writeJPEGTags(data []byte, tags Tags) ([]byte, error) {
	segs, rest, err := splitJPEG(data)
	if err != nil {
		return nil, err
	}
	if len(tags.Description) > maxJPEGSegment {
		return nil, fmt.Errorf("provenance blob too large for a JPEG comment: %d bytes", len(tags.Description))
	}

	var out bytes.Buffer
	out.Write([]byte{0xFF, 0xD8})
	inserted := false
	for _, s := range segs {
		if s.marker == jpegMarkerCOM {
			continue
		}
		// APPn segments (JFIF, Exif) must stay first
		if !inserted && (s.marker < 0xE0 || s.marker > 0xEF) {
			writeJPEGComment(&out, tags.Description)
			inserted = true
		}
		writeJPEGSegment(&out, s.marker, s.data)
	}
	if !inserted {
		writeJPEGComment(&out, tags.Description)
	}
	out.Write(rest)
	return out.Bytes(), nil
}

func writeJPEGComment(w *bytes.Buffer, text string) {
	if text == "" {
		return
	}
	writeJPEGSegment(w, jpegMarkerCOM, []byte(text))
}

func writeJPEGSegment(w *bytes.Buffer, marker byte, payload []byte) {
	var hdr [4]byte
	hdr[0] = 0xFF
	hdr[1] = marker
	binary.BigEndian.PutUint16(hdr[2:], uint16(len(payload)+2))
	w.Write(hdr[:])
	w.Write(payload)
}
