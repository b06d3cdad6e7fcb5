package result

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/muaviaUsmani/genvault/internal/errors"
	"github.com/muaviaUsmani/genvault/internal/fetch"
	"github.com/muaviaUsmani/genvault/internal/lock"
	"github.com/muaviaUsmani/genvault/internal/logger"
	"github.com/muaviaUsmani/genvault/internal/media"
	"github.com/muaviaUsmani/genvault/internal/metrics"
	"github.com/muaviaUsmani/genvault/internal/naming"
	"github.com/muaviaUsmani/genvault/internal/settings"
	"github.com/muaviaUsmani/genvault/internal/sidecar"
)

// maxAllocAttempts bounds retries when another writer takes the allocated name first
const maxAllocAttempts = 16

// SettingsSource supplies the naming and metadata settings read on each save
type SettingsSource interface {
	Get() (settings.Settings, error)
}

// FileSystemOptions configures a FileSystemStore
type FileSystemOptions struct {
	// Dir is the storage directory; created if missing
	Dir string
	// Codec reads and writes provenance tags; defaults to the native codec
	Codec sidecar.TagCodec
	// Fetcher resolves output references; required
	Fetcher fetch.Fetcher
	// Locker guards metadata.json; defaults to a lock file next to it
	Locker lock.Locker
	// Settings supplies the filename prefix and metadata scheme
	Settings SettingsSource
	// Metrics defaults to the global collector
	Metrics *metrics.Collector
}

// FileSystemStore keeps each result as one media file in a flat directory.
// The file name is the result id. Provenance lives in the file's own tags
// (or, for the legacy scheme, in metadata.json) and is re-derived on read
// through a chain of detectors: tag JSON blob, legacy index entry, individual
// tag fields, then a minimal record from the file itself.
type FileSystemStore struct {
	dir       string
	codec     sidecar.TagCodec
	fetcher   fetch.Fetcher
	index     *legacyIndex
	allocator *naming.Allocator
	settings  SettingsSource
	metrics   *metrics.Collector
	log       logger.Logger

	scans singleflight.Group

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry
}

// cacheEntry is valid while the file keeps the same size and mtime
type cacheEntry struct {
	size    int64
	modTime time.Time
	result  SavedResult
}

// fileInfo is one media file found in the directory
type fileInfo struct {
	name      string
	size      int64
	modTime   time.Time
	createdAt int64
}

// NewFileSystemStore creates the storage directory if needed and returns the store
func NewFileSystemStore(opts FileSystemOptions) (*FileSystemStore, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("storage directory cannot be empty")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if opts.Codec == nil {
		opts.Codec = sidecar.NewNativeCodec()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}

	return &FileSystemStore{
		dir:       opts.Dir,
		codec:     opts.Codec,
		fetcher:   opts.Fetcher,
		index:     newLegacyIndex(opts.Dir, opts.Locker),
		allocator: naming.NewAllocator(opts.Dir),
		settings:  opts.Settings,
		metrics:   opts.Metrics,
		log:       logger.Default().WithComponent(logger.ComponentStore).WithFields(map[string]interface{}{"dir": opts.Dir}),
		cache:     make(map[string]cacheEntry),
	}, nil
}

// Dir returns the storage directory
func (s *FileSystemStore) Dir() string {
	return s.dir
}

// Allocator exposes the filename allocator (tests pin its clock)
func (s *FileSystemStore) Allocator() *naming.Allocator {
	return s.allocator
}

func (s *FileSystemStore) currentSettings() settings.Settings {
	if s.settings == nil {
		return settings.Defaults()
	}
	cur, err := s.settings.Get()
	if err != nil {
		s.log.Warn("Using default settings", "error", err)
		return settings.Defaults()
	}
	return cur
}

// Save implements Store. The payload is fetched (remote) or decoded
// (inline), written under a freshly allocated name, then tagged. A failed
// tag write falls back to the legacy index; if that fails too the file stays
// and will list with Unknown provenance.
func (s *FileSystemStore) Save(ctx context.Context, item Item) (*SavedResult, error) {
	payload, err := s.fetcher.Fetch(ctx, item.Output)
	if err != nil {
		return nil, err
	}

	kind, ok := payload.Kind()
	if !ok {
		kind = item.Type
	}
	ext := media.ExtFromMIME(payload.MIME)
	if ext == "bin" && media.IsRemote(item.Output) {
		if e := media.Ext(strings.SplitN(item.Output, "?", 2)[0]); e != "" {
			ext = e
		}
	}

	if !media.IsMediaFile("x." + ext) {
		return nil, fmt.Errorf("%w: %s from %s", apperrors.ErrUnsupportedMedia, payload.MIME, outputRef(item.Output))
	}

	cfg := s.currentSettings()
	name, err := s.writeNew(cfg.FilenamePrefix, ext, payload.Data)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, name)

	res := &SavedResult{
		ID:           name,
		PredictionID: item.PredictionID,
		Model:        item.Model,
		Input:        sidecar.SanitizeInput(item.Input),
		Output:       Output{name},
		CreatedAt:    item.CreatedAt,
		Type:         kind,
	}

	s.writeMetadata(ctx, cfg.MetadataScheme, path, res)
	s.Invalidate(name)
	return res, nil
}

// outputRef shortens inline payloads for messages
func outputRef(ref string) string {
	if media.IsDataURI(ref) {
		return "data:" + media.DataURIMIME(ref)
	}
	return ref
}

// writeNew creates the file with O_EXCL so a concurrent writer can never be
// overwritten; a lost race allocates again
func (s *FileSystemStore) writeNew(prefix, ext string, data []byte) (string, error) {
	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		name, err := s.allocator.Next(prefix, ext)
		if err != nil {
			return "", err
		}
		path := filepath.Join(s.dir, name)

		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", name, err)
		}

		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(path)
			return "", fmt.Errorf("failed to write %s: %w", name, errors.Join(werr, cerr))
		}
		return name, nil
	}
	return "", fmt.Errorf("failed to allocate a free file name after %d attempts", maxAllocAttempts)
}

func (s *FileSystemStore) writeMetadata(ctx context.Context, scheme settings.MetadataScheme, path string, res *SavedResult) {
	if scheme != settings.SchemeIndex {
		err := s.writeSidecar(ctx, path, res)
		if err == nil {
			return
		}
		if !errors.Is(err, sidecar.ErrUnsupportedContainer) {
			s.log.WarnContext(ctx, "Tag write failed, recording provenance in index",
				"file", res.ID, "error", &apperrors.WriteFailureError{Path: path, Stage: "sidecar", Err: err})
		}
	}

	if err := s.index.prepend(ctx, res); err != nil {
		s.log.ErrorContext(ctx, "Provenance not recorded, result will list as Unknown",
			"file", res.ID, "error", &apperrors.WriteFailureError{Path: s.index.path, Stage: "index", Err: err})
	}
}

func (s *FileSystemStore) writeSidecar(ctx context.Context, path string, res *SavedResult) error {
	tags, err := sidecar.Encode(sidecar.Metadata{
		Model:        res.Model,
		Input:        res.Input,
		PredictionID: res.PredictionID,
		CreatedAt:    res.CreatedAt,
		Type:         res.Type,
	})
	if err != nil {
		return err
	}
	return s.codec.Write(ctx, path, tags)
}

// scanDir lists the media files of the directory
func (s *FileSystemStore) scanDir() ([]fileInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.dir, err)
	}

	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !media.IsMediaFile(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed between listing and stat
		}
		fi, ok := s.statInfo(name, info)
		if ok {
			files = append(files, fi)
		}
	}
	return files, nil
}

func (s *FileSystemStore) statInfo(name string, info fs.FileInfo) (fileInfo, bool) {
	created, err := media.CreatedAt(filepath.Join(s.dir, name))
	if err != nil {
		return fileInfo{}, false
	}
	return fileInfo{
		name:      name,
		size:      info.Size(),
		modTime:   info.ModTime(),
		createdAt: created.UnixMilli(),
	}, true
}

// resolve derives a SavedResult for every file, serving unchanged files from
// the cache and extracting tags for the rest in one batched codec call
func (s *FileSystemStore) resolve(ctx context.Context, files []fileInfo) ([]*SavedResult, error) {
	out := make([]*SavedResult, len(files))
	var pending []int

	s.cacheMu.RLock()
	for i, f := range files {
		if c, ok := s.cache[f.name]; ok && c.size == f.size && c.modTime.Equal(f.modTime) {
			r := c.result
			out[i] = &r
			continue
		}
		pending = append(pending, i)
	}
	s.cacheMu.RUnlock()

	if len(pending) == 0 {
		return out, nil
	}

	paths := make([]string, len(pending))
	for j, i := range pending {
		paths[j] = filepath.Join(s.dir, files[i].name)
	}
	reads, err := s.codec.Read(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("failed to read tags: %w", err)
	}

	entries, err := s.index.load()
	if err != nil {
		s.log.WarnContext(ctx, "Ignoring unreadable legacy index", "error", err)
		s.metrics.RecordCorrupt(1)
	}
	legacy := byFile(entries)

	corrupt := 0
	s.cacheMu.Lock()
	for j, i := range pending {
		f := files[i]
		r, wasCorrupt := s.derive(ctx, f, reads[paths[j]], legacy[f.name])
		if wasCorrupt {
			corrupt++
		}
		s.cache[f.name] = cacheEntry{size: f.size, modTime: f.modTime, result: *r}
		out[i] = r
	}
	s.cacheMu.Unlock()

	if corrupt > 0 {
		s.metrics.RecordCorrupt(corrupt)
	}
	return out, nil
}

// derive runs the detector chain for one file
func (s *FileSystemStore) derive(ctx context.Context, f fileInfo, rr sidecar.ReadResult, entry *SavedResult) (*SavedResult, bool) {
	r := &SavedResult{ID: f.name, Output: Output{f.name}}
	corrupt := false

	var partial *sidecar.Metadata
	if rr.Err != nil {
		s.log.DebugContext(ctx, "Tag read failed", "file", f.name, "error", rr.Err)
	} else {
		meta, err := sidecar.Decode(f.name, rr.Tags)
		if err == nil && meta != nil && strings.TrimSpace(rr.Tags.Description) != "" {
			r.Model = meta.Model
			r.Input = meta.Input
			r.PredictionID = meta.PredictionID
			r.CreatedAt = meta.CreatedAt
			r.Type = meta.Type
			return finish(r, f), false
		}
		if err != nil {
			corrupt = true
			s.log.WarnContext(ctx, "Unparsable provenance tags", "file", f.name, "error", err)
		}
		partial = meta
	}

	switch {
	case entry != nil:
		r.Model = entry.Model
		r.Input = entry.Input
		r.PredictionID = entry.PredictionID
		r.CreatedAt = entry.CreatedAt
		r.Type = entry.Type
	case partial != nil:
		r.Model = partial.Model
	}
	return finish(r, f), corrupt
}

// finish fills what provenance could not supply from the file itself
func finish(r *SavedResult, f fileInfo) *SavedResult {
	if strings.TrimSpace(r.Model) == "" {
		r.Model = sidecar.UnknownModel
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = f.createdAt
	}
	if kind, ok := media.KindFromName(f.name); ok {
		r.Type = kind
	}
	return r
}

// all resolves and orders every media file. Concurrent callers share one scan.
func (s *FileSystemStore) all(ctx context.Context) ([]*SavedResult, error) {
	v, err, _ := s.scans.Do("all", func() (interface{}, error) {
		files, err := s.scanDir()
		if err != nil {
			return nil, err
		}
		results, err := s.resolve(ctx, files)
		if err != nil {
			return nil, err
		}
		sortNewestFirst(results)
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*SavedResult), nil
}

// sortNewestFirst orders by createdAt descending; equal timestamps fall back
// to the name, which carries the allocation sequence
func sortNewestFirst(results []*SavedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].CreatedAt != results[j].CreatedAt {
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].ID > results[j].ID
	})
}

// List implements Store
func (s *FileSystemStore) List(ctx context.Context, filter Filter) ([]*SavedResult, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*SavedResult, 0, len(all))
	for _, r := range all {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListPage implements Pager. Without a model filter the page is cut from the
// directory listing ordered by file creation time, and only the page's files
// (plus one neighbour on each side) have their tags extracted. If provenance
// createdAt disagrees with that order anywhere in the window, birth time is
// not a usable proxy and the page is cut from the fully resolved listing, the
// same order List and retention use. A model filter always needs every file.
func (s *FileSystemStore) ListPage(ctx context.Context, filter Filter, offset, limit int) (*Page, error) {
	if filter.Model != "" {
		return s.fullPage(ctx, filter, offset, limit)
	}

	files, err := s.scanDir()
	if err != nil {
		return nil, err
	}
	matched := files[:0]
	for _, f := range files {
		if kind, _ := media.KindFromName(f.name); filter.Type == "" || kind == filter.Type {
			matched = append(matched, f)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].createdAt != matched[j].createdAt {
			return matched[i].createdAt > matched[j].createdAt
		}
		return matched[i].name > matched[j].name
	})

	total := len(matched)
	if offset >= total {
		return &Page{Items: []*SavedResult{}, Total: total}, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	lo, hi := offset, end
	if lo > 0 {
		lo--
	}
	if hi < total {
		hi++
	}
	window, err := s.resolve(ctx, matched[lo:hi])
	if err != nil {
		return nil, err
	}
	if !newestFirst(window) {
		return s.fullPage(ctx, filter, offset, limit)
	}
	return &Page{Items: window[offset-lo : offset-lo+(end-offset)], Total: total}, nil
}

func (s *FileSystemStore) fullPage(ctx context.Context, filter Filter, offset, limit int) (*Page, error) {
	all, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &Page{Items: window(all, offset, limit), Total: len(all)}, nil
}

// newestFirst reports whether results already follow sortNewestFirst order
func newestFirst(results []*SavedResult) bool {
	return sort.SliceIsSorted(results, func(i, j int) bool {
		if results[i].CreatedAt != results[j].CreatedAt {
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].ID > results[j].ID
	})
}

// validName rejects ids that could escape the directory
func validName(id string) bool {
	return id != "" && id != "." && id != ".." &&
		filepath.Base(id) == id && !strings.ContainsAny(id, `/\`)
}

// Get implements Store; only the named file is read
func (s *FileSystemStore) Get(ctx context.Context, id string) (*SavedResult, error) {
	if !validName(id) {
		return nil, apperrors.ErrInvalidID
	}
	info, err := os.Stat(filepath.Join(s.dir, id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", id, err)
	}
	if info.IsDir() || !media.IsMediaFile(id) {
		return nil, nil
	}

	fi, ok := s.statInfo(id, info)
	if !ok {
		return nil, nil
	}
	results, err := s.resolve(ctx, []fileInfo{fi})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// Delete implements Store: the file goes first, then any index reference
func (s *FileSystemStore) Delete(ctx context.Context, id string) error {
	if !validName(id) {
		return apperrors.ErrInvalidID
	}
	if id == IndexFileName {
		return nil
	}

	err := os.Remove(filepath.Join(s.dir, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	s.Invalidate(id)

	if err := s.index.removeFile(ctx, id); err != nil {
		s.log.WarnContext(ctx, "Failed to drop index entry", "file", id, "error", err)
	}
	return nil
}

// Open implements Store
func (s *FileSystemStore) Open(ctx context.Context, id string) (*Media, error) {
	if !validName(id) {
		return nil, apperrors.ErrInvalidID
	}
	f, err := os.Open(filepath.Join(s.dir, id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", id, err)
	}
	return &Media{
		Body:        f,
		ContentType: media.MIMEFromName(id),
		Size:        info.Size(),
	}, nil
}

// Reconcile implements Reconciler: legacy index references to files that
// no longer exist are dropped and cache entries of vanished files evicted.
// Each dropped reference is reported as a *FileMissingError.
func (s *FileSystemStore) Reconcile(ctx context.Context) (int, error) {
	dropped, err := s.index.prune(ctx, func(name string) bool {
		_, err := os.Stat(filepath.Join(s.dir, name))
		return errors.Is(err, fs.ErrNotExist)
	})
	if err != nil {
		return 0, err
	}

	s.cacheMu.Lock()
	for name := range s.cache {
		if _, err := os.Stat(filepath.Join(s.dir, name)); errors.Is(err, fs.ErrNotExist) {
			delete(s.cache, name)
		}
	}
	s.cacheMu.Unlock()

	if len(dropped) > 0 {
		missing := make([]error, len(dropped))
		for i, name := range dropped {
			missing[i] = &apperrors.FileMissingError{Path: filepath.Join(s.dir, name)}
		}
		s.log.WarnContext(ctx, "Dropped index entries for missing files",
			"count", len(dropped), "error", errors.Join(missing...))
	}
	return len(dropped), nil
}

// Invalidate drops cached provenance for the named files, or for every file
// when called without names. A change to metadata.json can touch the
// provenance of any file, so naming it drops everything.
func (s *FileSystemStore) Invalidate(names ...string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for _, n := range names {
		if n == IndexFileName {
			names = nil
			break
		}
	}
	if len(names) == 0 {
		s.cache = make(map[string]cacheEntry)
		return
	}
	for _, n := range names {
		delete(s.cache, n)
	}
}

// Close implements Store
func (s *FileSystemStore) Close() error {
	return s.codec.Close()
}
