package sidecar

import (
	"context"
	"errors"
	"os/exec"

	"github.com/muaviaUsmani/genvault/internal/logger"
)

// ErrUnsupportedContainer is returned when a codec cannot write tags into a container
var ErrUnsupportedContainer = errors.New("container does not support embedded tags")

// ReadResult is the outcome of reading one file's tags
type ReadResult struct {
	Tags Tags
	Err  error
}

// TagCodec reads and writes provenance tags inside media files
type TagCodec interface {
	// Read extracts tags for all paths in one batched call. Every requested
	// path has an entry; per-file failures are reported in ReadResult.Err.
	Read(ctx context.Context, paths []string) (map[string]ReadResult, error)

	// Write replaces the provenance tags of one file
	Write(ctx context.Context, path string, tags Tags) error

	// Name identifies the codec in logs
	Name() string

	// Close releases any helper process
	Close() error
}

// NewDefaultCodec returns an exiftool-backed codec when the exiftool binary is
// on PATH, otherwise the pure-Go codec
func NewDefaultCodec() TagCodec {
	log := logger.Default().WithComponent(logger.ComponentCodec)
	if _, err := exec.LookPath("exiftool"); err == nil {
		codec, err := NewExifToolCodec()
		if err == nil {
			log.Info("Using exiftool tag codec")
			return codec
		}
		log.Warn("exiftool found but failed to start, using native codec", "error", err)
	}
	return NewNativeCodec()
}
