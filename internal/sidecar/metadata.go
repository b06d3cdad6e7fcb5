// Package sidecar encodes result provenance into a media file's own tag fields
// and reads it back. The provenance travels as a JSON blob in a
// description/comment-like field; the model name is repeated in an
// author/artist-like field so a reader that cannot parse the blob still
// recovers it.
package sidecar

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"

	apperrors "github.com/muaviaUsmani/genvault/internal/errors"
	"github.com/muaviaUsmani/genvault/internal/media"
)

const (
	// MaxTextLen caps free-text input values
	MaxTextLen = 400
	// MaxModelLen caps the model name in the artist field
	MaxModelLen = 80
	// BinaryPlaceholder replaces binary input values such as images and masks
	BinaryPlaceholder = "[binary data omitted]"
	// UnknownModel is reported when provenance cannot be recovered
	UnknownModel = "Unknown"
)

// Metadata is the provenance stored with each result
type Metadata struct {
	Model        string                 `json:"model"`
	Input        map[string]interface{} `json:"input,omitempty"`
	PredictionID string                 `json:"predictionId"`
	CreatedAt    int64                  `json:"createdAt"`
	Type         media.Kind             `json:"type,omitempty"`
}

// Tags are the container fields the codecs read and write
type Tags struct {
	// Description carries the JSON blob
	Description string
	// Artist carries the (truncated) model name
	Artist string
}

// Empty reports whether no provenance field is present
func (t Tags) Empty() bool {
	return strings.TrimSpace(t.Description) == "" && strings.TrimSpace(t.Artist) == ""
}

// Encode renders metadata into tag fields. Input is sanitized first.
func Encode(m Metadata) (Tags, error) {
	m.Input = SanitizeInput(m.Input)
	blob, err := json.Marshal(m)
	if err != nil {
		return Tags{}, fmt.Errorf("failed to encode provenance: %w", err)
	}
	return Tags{
		Description: string(blob),
		Artist:      Truncate(m.Model, MaxModelLen),
	}, nil
}

// Decode recovers metadata from tag fields.
//
//   - JSON blob parses: full metadata.
//   - Blob absent: a partial record from the individual fields (model from Artist).
//   - Blob present but unparsable: the partial record plus a *MetadataCorruptError.
//
// A nil result means no provenance at all.
func Decode(source string, t Tags) (*Metadata, error) {
	desc := strings.TrimSpace(t.Description)
	if desc != "" {
		var m Metadata
		err := json.Unmarshal([]byte(desc), &m)
		if err == nil && m.Model != "" {
			return &m, nil
		}
		if err == nil {
			err = fmt.Errorf("blob has no model")
		}
		return partial(t), &apperrors.MetadataCorruptError{Source: source, Err: err}
	}
	return partial(t), nil
}

func partial(t Tags) *Metadata {
	artist := strings.TrimSpace(t.Artist)
	if artist == "" {
		return nil
	}
	return &Metadata{Model: artist}
}

// SanitizeInput returns a copy of input that is safe to persist as metadata:
// binary values become BinaryPlaceholder and long text is truncated.
func SanitizeInput(input map[string]interface{}) map[string]interface{} {
	if input == nil {
		return nil
	}
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return BinaryPlaceholder
	case string:
		if media.IsDataURI(val) {
			return BinaryPlaceholder
		}
		return Truncate(val, MaxTextLen)
	case map[string]interface{}:
		return SanitizeInput(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

// Truncate cuts s to at most n runes
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
