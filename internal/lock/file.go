package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
)

// FileLocker is a cross-process lock backed by an exclusively created file.
// A lock file older than StaleAfter is assumed to belong to a crashed
// process and is broken.
type FileLocker struct {
	path          string
	staleAfter    time.Duration
	retryInterval time.Duration
}

// NewFileLocker creates a locker on path
func NewFileLocker(path string, staleAfter time.Duration) *FileLocker {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	return &FileLocker{
		path:          path,
		staleAfter:    staleAfter,
		retryInterval: defaultRetryInterval,
	}
}

// Path returns the lock file path
func (l *FileLocker) Path() string {
	return l.path
}

// Lock implements Locker
func (l *FileLocker) Lock(ctx context.Context) (Lease, error) {
	token := uuid.New().String()
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(token)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(l.path)
				return nil, fmt.Errorf("failed to write lock file: %w", errors.Join(werr, cerr))
			}
			return &fileLease{path: l.path, token: token}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}

		if info, statErr := os.Stat(l.path); statErr == nil && time.Since(info.ModTime()) > l.staleAfter {
			os.Remove(l.path)
			continue
		}

		if err := wait(ctx, l.retryInterval); err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
	}
}

type fileLease struct {
	path  string
	token string
}

// Release removes the lock file if it still carries our token
func (l *fileLease) Release(ctx context.Context) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotHeld
		}
		return err
	}
	if string(data) != l.token {
		return ErrNotHeld
	}
	return os.Remove(l.path)
}
