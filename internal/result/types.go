// Package result persists generated media together with its provenance and
// serves a unified, filterable view over it. Two strategies implement the
// Store interface: an embedded document store and a plain directory with
// provenance tagged into each file.
package result

import (
	"bytes"
	"context"
	"io"

	"github.com/goccy/go-json"

	"github.com/muaviaUsmani/genvault/internal/media"
)

// Output is one or more media payloads. It marshals as a single value when it
// holds exactly one element and as an array otherwise, and accepts either
// form when decoding.
type Output []string

// MarshalJSON implements json.Marshaler
func (o Output) MarshalJSON() ([]byte, error) {
	if len(o) == 1 {
		return json.Marshal(o[0])
	}
	if o == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(o))
}

// UnmarshalJSON implements json.Unmarshaler
func (o *Output) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*o = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*o = Output{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*o = list
	return nil
}

// First returns the first payload or ""
func (o Output) First() string {
	if len(o) == 0 {
		return ""
	}
	return o[0]
}

// SavedResult is one persisted output and its provenance
type SavedResult struct {
	// ID is unique per store. In file-system mode it is the file name.
	ID           string                 `json:"id"`
	PredictionID string                 `json:"predictionId"`
	Model        string                 `json:"model"`
	Input        map[string]interface{} `json:"input,omitempty"`
	Output       Output                 `json:"output"`
	// CreatedAt is epoch milliseconds
	CreatedAt int64      `json:"createdAt"`
	Type      media.Kind `json:"type"`
}

// SavedResultInput is what a completed prediction hands to Service.Create
type SavedResultInput struct {
	PredictionID string
	Model        string
	Input        map[string]interface{}
	// Outputs are remote URLs or data URIs, one SavedResult each
	Outputs []string
	// CreatedAt is epoch milliseconds; zero means now
	CreatedAt int64
	// Type is a hint used when the payload itself does not reveal its kind
	Type media.Kind
}

// Item is a single output ready to be persisted by a Store
type Item struct {
	PredictionID string
	Model        string
	Input        map[string]interface{}
	Output       string
	CreatedAt    int64
	Type         media.Kind
}

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	Type  media.Kind
	Model string
}

// Matches reports whether r passes the filter
func (f Filter) Matches(r *SavedResult) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Model != "" && r.Model != f.Model {
		return false
	}
	return true
}

// Empty reports whether the filter matches everything
func (f Filter) Empty() bool {
	return f.Type == "" && f.Model == ""
}

// Page is one window of a listing
type Page struct {
	Items []*SavedResult `json:"items"`
	Total int            `json:"total"`
}

// Media is a readable stored payload
type Media struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
	// RemoteURL is set instead of Body when only an unfetched reference was stored
	RemoteURL string
}

// Store is one persistence strategy. Get returns nil, nil when the id is
// unknown. Delete of an unknown id is not an error.
type Store interface {
	// Save persists one output and returns the stored record
	Save(ctx context.Context, item Item) (*SavedResult, error)

	// List returns every resolvable result newest first
	List(ctx context.Context, filter Filter) ([]*SavedResult, error)

	// Get fetches one result without scanning the whole store
	Get(ctx context.Context, id string) (*SavedResult, error)

	// Delete removes the result's metadata and payload
	Delete(ctx context.Context, id string) error

	// Open returns the stored payload, or nil, nil when the id is unknown
	Open(ctx context.Context, id string) (*Media, error)

	// Close releases the store
	Close() error
}

// Pager is implemented by stores that can page without resolving every entry
type Pager interface {
	ListPage(ctx context.Context, filter Filter, offset, limit int) (*Page, error)
}

// Reconciler is implemented by stores that can repair drift between
// metadata and payloads. It returns the number of entries repaired.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}
