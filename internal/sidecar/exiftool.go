package sidecar

import (
	"context"
	"fmt"
	"sync"

	"github.com/barasher/go-exiftool"
)

var (
	descriptionFields = []string{"Description", "ImageDescription", "Comment", "UserComment"}
	artistFields      = []string{"Artist", "Author", "Creator"}
)

// ExifToolCodec delegates tag IO to a long-running exiftool process, which
// covers containers the native codec cannot write (webp, mp4, webm, gif)
type ExifToolCodec struct {
	mu sync.Mutex
	et *exiftool.Exiftool
}

// NewExifToolCodec starts the exiftool helper process
func NewExifToolCodec() (*ExifToolCodec, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("failed to start exiftool: %w", err)
	}
	return &ExifToolCodec{et: et}, nil
}

// Name implements TagCodec
func (c *ExifToolCodec) Name() string { return "exiftool" }

// Read implements TagCodec
func (c *ExifToolCodec) Read(ctx context.Context, paths []string) (map[string]ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]ReadResult, len(paths))
	if len(paths) == 0 {
		return out, nil
	}

	c.mu.Lock()
	fms := c.et.ExtractMetadata(paths...)
	c.mu.Unlock()

	for _, fm := range fms {
		if fm.Err != nil {
			out[fm.File] = ReadResult{Err: fm.Err}
			continue
		}
		out[fm.File] = ReadResult{Tags: Tags{
			Description: firstField(fm, descriptionFields),
			Artist:      firstField(fm, artistFields),
		}}
	}
	// exiftool reports every requested file, but keep the contract explicit
	for _, p := range paths {
		if _, ok := out[p]; !ok {
			out[p] = ReadResult{Err: fmt.Errorf("exiftool returned no result for %s", p)}
		}
	}
	return out, nil
}

func firstField(fm exiftool.FileMetadata, keys []string) string {
	for _, k := range keys {
		if v, err := fm.GetString(k); err == nil && v != "" {
			return v
		}
	}
	return ""
}

// Write implements TagCodec
func (c *ExifToolCodec) Write(ctx context.Context, path string, tags Tags) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fm := exiftool.FileMetadata{File: path, Fields: map[string]interface{}{}}
	fm.SetString("Description", tags.Description)
	fm.SetString("Comment", tags.Description)
	fm.SetString("Artist", tags.Artist)

	batch := []exiftool.FileMetadata{fm}
	c.mu.Lock()
	c.et.WriteMetadata(batch)
	c.mu.Unlock()

	if batch[0].Err != nil {
		return fmt.Errorf("exiftool write failed: %w", batch[0].Err)
	}
	return nil
}

// Close implements TagCodec
func (c *ExifToolCodec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.et.Close()
}
