package result

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/muaviaUsmani/genvault/internal/errors"
	"github.com/muaviaUsmani/genvault/internal/lock"
)

// IndexFileName is the consolidated metadata index of the legacy scheme
const IndexFileName = "metadata.json"

// legacyIndex is metadata.json: one ordered list of results, newest first,
// whose Output holds file names relative to the directory. Every
// read-modify-write runs under the in-process mutex and the cross-process
// locker.
type legacyIndex struct {
	path   string
	mu     sync.Mutex
	locker lock.Locker
}

func newLegacyIndex(dir string, locker lock.Locker) *legacyIndex {
	path := filepath.Join(dir, IndexFileName)
	if locker == nil {
		locker = lock.NewFileLocker(path+".lock", 30*time.Second)
	}
	return &legacyIndex{path: path, locker: locker}
}

// load reads the index. A missing file is an empty index; an unparsable one
// is reported as *MetadataCorruptError with an empty index.
func (x *legacyIndex) load() ([]*SavedResult, error) {
	data, err := os.ReadFile(x.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var entries []*SavedResult
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &apperrors.MetadataCorruptError{Source: x.path, Err: err}
	}
	kept := entries[:0]
	for _, e := range entries {
		if e != nil {
			kept = append(kept, e)
		}
	}
	return kept, nil
}

// byFile maps each referenced file name to the entry that produced it
func byFile(entries []*SavedResult) map[string]*SavedResult {
	m := make(map[string]*SavedResult, len(entries))
	for _, e := range entries {
		for _, out := range e.Output {
			name := filepath.Base(out)
			if _, seen := m[name]; !seen {
				m[name] = e
			}
		}
	}
	return m
}

// update runs fn on the current entries and writes back the returned list
// when changed is true
func (x *legacyIndex) update(ctx context.Context, fn func([]*SavedResult) ([]*SavedResult, bool)) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	lease, err := x.locker.Lock(ctx)
	if err != nil {
		return fmt.Errorf("lock index: %w", err)
	}
	defer lease.Release(context.WithoutCancel(ctx))

	entries, err := x.load()
	var corrupt *apperrors.MetadataCorruptError
	if errors.As(err, &corrupt) {
		// keep the unreadable file around instead of overwriting it
		backup := fmt.Sprintf("%s.corrupt-%d", x.path, time.Now().UnixMilli())
		if rerr := os.Rename(x.path, backup); rerr != nil {
			return fmt.Errorf("set aside corrupt index: %w", rerr)
		}
		entries = nil
	} else if err != nil {
		return err
	}

	updated, changed := fn(entries)
	if !changed {
		return nil
	}
	return x.write(updated)
}

// write replaces the index atomically
func (x *legacyIndex) write(entries []*SavedResult) error {
	if entries == nil {
		entries = []*SavedResult{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(x.path), ".metadata-*.json.tmp")
	if err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmpName, x.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

// prepend records r at the front of the index
func (x *legacyIndex) prepend(ctx context.Context, r *SavedResult) error {
	return x.update(ctx, func(entries []*SavedResult) ([]*SavedResult, bool) {
		return append([]*SavedResult{r}, entries...), true
	})
}

// removeFile drops name from every entry's output and drops entries left
// with no output
func (x *legacyIndex) removeFile(ctx context.Context, name string) error {
	if _, err := os.Stat(x.path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return x.update(ctx, func(entries []*SavedResult) ([]*SavedResult, bool) {
		return dropFiles(entries, func(file string) bool { return file == name })
	})
}

// prune drops every file reference for which missing returns true and
// returns the dropped file names
func (x *legacyIndex) prune(ctx context.Context, missing func(string) bool) ([]string, error) {
	if _, err := os.Stat(x.path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	var dropped []string
	err := x.update(ctx, func(entries []*SavedResult) ([]*SavedResult, bool) {
		dropped = dropped[:0]
		return dropFiles(entries, func(file string) bool {
			if missing(file) {
				dropped = append(dropped, file)
				return true
			}
			return false
		})
	})
	return dropped, err
}

func dropFiles(entries []*SavedResult, drop func(string) bool) ([]*SavedResult, bool) {
	changed := false
	kept := make([]*SavedResult, 0, len(entries))
	for _, e := range entries {
		outs := make(Output, 0, len(e.Output))
		for _, out := range e.Output {
			if drop(filepath.Base(out)) {
				changed = true
				continue
			}
			outs = append(outs, out)
		}
		if len(outs) == 0 {
			changed = true
			continue
		}
		e.Output = outs
		kept = append(kept, e)
	}
	return kept, changed
}
