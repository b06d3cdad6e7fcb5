package media

import (
	"os"
	"time"
)

// CreatedAt returns the on-disk creation time of path. Platforms or file
// systems that do not record a birth time fall back to the modification time.
func CreatedAt(path string) (time.Time, error) {
	if t, ok := birthTime(path); ok {
		return t, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
