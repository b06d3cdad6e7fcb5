package media

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// Payload is a binary media blob together with its MIME type
type Payload struct {
	MIME string
	Data []byte
}

// Kind derives the media kind of the payload
func (p *Payload) Kind() (Kind, bool) {
	return KindFromMIME(p.MIME)
}

// DataURI encodes the payload as a base64 data URI
func (p *Payload) DataURI() string {
	mime := p.MIME
	if mime == "" {
		mime = OctetStream
	}
	var b strings.Builder
	b.Grow(len("data:;base64,") + len(mime) + base64.StdEncoding.EncodedLen(len(p.Data)))
	b.WriteString("data:")
	b.WriteString(mime)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(p.Data))
	return b.String()
}

// IsDataURI reports whether ref is an inline data URI
func IsDataURI(ref string) bool {
	return len(ref) >= 5 && strings.EqualFold(ref[:5], "data:")
}

// IsRemote reports whether ref is an http(s) URL
func IsRemote(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// DataURIMIME returns the MIME type declared by a data URI without decoding it
func DataURIMIME(ref string) string {
	if !IsDataURI(ref) {
		return ""
	}
	header := ref[5:]
	if i := strings.IndexByte(header, ','); i >= 0 {
		header = header[:i]
	}
	if i := strings.IndexByte(header, ';'); i >= 0 {
		header = header[:i]
	}
	if header == "" {
		return "text/plain"
	}
	return strings.ToLower(header)
}

// DecodeDataURI parses a data URI of the form data:[<mime>][;base64],<data>
func DecodeDataURI(ref string) (*Payload, error) {
	if !IsDataURI(ref) {
		return nil, fmt.Errorf("not a data URI")
	}
	comma := strings.IndexByte(ref, ',')
	if comma < 0 {
		return nil, fmt.Errorf("malformed data URI: missing comma")
	}
	header := ref[5:comma]
	body := ref[comma+1:]

	isBase64 := false
	mime := ""
	for i, part := range strings.Split(header, ";") {
		switch {
		case i == 0:
			mime = strings.ToLower(part)
		case strings.EqualFold(part, "base64"):
			isBase64 = true
		}
	}
	if mime == "" {
		mime = "text/plain"
	}

	var data []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			// some producers omit padding
			decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(body, "="))
			if err != nil {
				return nil, fmt.Errorf("malformed data URI: %w", err)
			}
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(body)
		if err != nil {
			return nil, fmt.Errorf("malformed data URI: %w", err)
		}
		data = []byte(unescaped)
	}

	return &Payload{MIME: mime, Data: data}, nil
}
