// Package settings holds the user-editable settings the result store reads:
// where files go, how many results to keep, and how new files are named.
//
// Settings are loaded in layers (defaults, settings file, GENVAULT_SETTING_*
// environment overrides), cached in process, and only re-read on explicit
// Invalidate or Reload.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MetadataScheme selects how the file-system store records provenance for new files
type MetadataScheme string

const (
	// SchemeSidecar embeds provenance in each media file's own tags
	SchemeSidecar MetadataScheme = "sidecar"
	// SchemeIndex records provenance in one metadata.json next to the media
	SchemeIndex MetadataScheme = "index"
)

// DefaultMaxResults is the retention cap applied when none is configured
const DefaultMaxResults = 200

// Settings is a snapshot of the user settings
type Settings struct {
	// StoragePath is the file-system mode root directory
	StoragePath string `koanf:"storage_path" json:"storagePath"`
	// MaxResults is the retention cap; 0 means unlimited
	MaxResults int `koanf:"max_results" json:"maxResults"`
	// FilenamePrefix is the user part of {YYMMDD}_{prefix}_{NNN}
	FilenamePrefix string `koanf:"filename_prefix" json:"filenamePrefix"`
	// MetadataScheme is used for new files in file-system mode
	MetadataScheme MetadataScheme `koanf:"metadata_scheme" json:"metadataScheme"`
}

// Defaults returns the settings used before the user changes anything
func Defaults() Settings {
	return Settings{
		StoragePath:    defaultStoragePath(),
		MaxResults:     DefaultMaxResults,
		FilenamePrefix: "output",
		MetadataScheme: SchemeSidecar,
	}
}

// Validate checks a settings snapshot
func (s Settings) Validate() error {
	if strings.TrimSpace(s.StoragePath) == "" {
		return fmt.Errorf("storage_path cannot be empty")
	}
	if s.MaxResults < 0 {
		return fmt.Errorf("max_results cannot be negative")
	}
	if strings.TrimSpace(s.FilenamePrefix) == "" {
		return fmt.Errorf("filename_prefix cannot be empty")
	}
	if strings.ContainsAny(s.FilenamePrefix, `/\`) {
		return fmt.Errorf("filename_prefix cannot contain path separators")
	}
	switch s.MetadataScheme {
	case SchemeSidecar, SchemeIndex:
	default:
		return fmt.Errorf("invalid metadata_scheme: %s (must be sidecar or index)", s.MetadataScheme)
	}
	return nil
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "genvault"
	}
	return filepath.Join(home, "Downloads", "genvault")
}
