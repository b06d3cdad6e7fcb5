package result

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/muaviaUsmani/genvault/internal/fetch"
	"github.com/muaviaUsmani/genvault/internal/logger"
	"github.com/muaviaUsmani/genvault/internal/media"
	"github.com/muaviaUsmani/genvault/internal/settings"
)

var testDate = time.Date(2024, 10, 17, 9, 30, 0, 0, time.Local)

type fixedRetention int

func (f fixedRetention) MaxResults() int { return int(f) }

type staticSettings struct {
	s settings.Settings
}

func (st staticSettings) Get() (settings.Settings, error) { return st.s, nil }

func testSettings(dir string, scheme settings.MetadataScheme) staticSettings {
	s := settings.Defaults()
	s.StoragePath = dir
	s.FilenamePrefix = "test"
	s.MetadataScheme = scheme
	return staticSettings{s: s}
}

func pngDataURI(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	p := &media.Payload{MIME: "image/png", Data: buf.Bytes()}
	return p.DataURI()
}

func mp4DataURI() string {
	p := &media.Payload{MIME: "video/mp4", Data: []byte("\x00\x00\x00\x18ftypmp42")}
	return p.DataURI()
}

func newTestFetcher() *fetch.HTTPFetcher {
	return fetch.NewHTTPFetcher(fetch.Options{Timeout: 5 * time.Second})
}

func newTestDocumentStore(t *testing.T, opts DocumentOptions) *DocumentStore {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("badger.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewDocumentStore(db, opts)
}

func newTestFileSystemStore(t *testing.T, scheme settings.MetadataScheme) *FileSystemStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFileSystemStore(FileSystemOptions{
		Dir:      dir,
		Fetcher:  newTestFetcher(),
		Settings: testSettings(dir, scheme),
	})
	if err != nil {
		t.Fatalf("NewFileSystemStore() error = %v", err)
	}
	s.Allocator().SetClock(func() time.Time { return testDate })
	return s
}

// bothStores runs fn once per strategy
func bothStores(t *testing.T, fn func(t *testing.T, svc *Service)) {
	t.Run("document", func(t *testing.T) {
		store := newTestDocumentStore(t, DocumentOptions{Fetcher: newTestFetcher()})
		fn(t, NewService(store, fixedRetention(0), WithBatchYield(0)))
	})
	t.Run("filesystem", func(t *testing.T) {
		store := newTestFileSystemStore(t, settings.SchemeSidecar)
		fn(t, NewService(store, fixedRetention(0), WithBatchYield(0)))
	})
}

func ids(results []*SavedResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

// recordingLogger keeps the error values passed to warnings
type recordingLogger struct {
	logger.NoOpLogger
	mu   sync.Mutex
	errs []error
}

func (r *recordingLogger) WarnContext(ctx context.Context, msg string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i+1 < len(args); i += 2 {
		if err, ok := args[i+1].(error); ok && args[i] == "error" {
			r.errs = append(r.errs, err)
		}
	}
}

func (r *recordingLogger) WithFields(map[string]interface{}) logger.Logger { return r }
func (r *recordingLogger) WithComponent(logger.Component) logger.Logger    { return r }
func (r *recordingLogger) WithSource(logger.LogSource) logger.Logger       { return r }

// captureLogs installs rec as the default logger for stores created during the test
func captureLogs(t *testing.T) *recordingLogger {
	t.Helper()
	rec := &recordingLogger{}
	prev := logger.Default()
	logger.SetDefault(rec)
	t.Cleanup(func() { logger.SetDefault(prev) })
	return rec
}
