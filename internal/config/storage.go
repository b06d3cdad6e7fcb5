package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// StorageMode selects the result store back-end. A process uses exactly one
// mode for its whole lifetime.
type StorageMode string

const (
	// StorageModeAuto picks filesystem when a desktop session is present, document otherwise
	StorageModeAuto StorageMode = "auto"

	// StorageModeDocument keeps results, payload included, in the embedded document store
	StorageModeDocument StorageMode = "document"

	// StorageModeFilesystem writes media files to the user's storage directory
	// with provenance embedded in each file
	StorageModeFilesystem StorageMode = "filesystem"
)

// StorageConfig holds the back-end selection and document-store location
type StorageConfig struct {
	// Mode as requested; use Resolve for the effective mode
	Mode StorageMode

	// DataDir is the badger directory for document mode
	DataDir string

	// DocumentQuotaBytes caps the document store size; 0 disables the check
	DocumentQuotaBytes int64
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Mode:               StorageMode(getEnv("GENVAULT_MODE", string(StorageModeAuto))),
		DataDir:            getEnv("GENVAULT_DATA_DIR", filepath.Join(defaultStateDir(), "results")),
		DocumentQuotaBytes: int64(getEnvAsInt("GENVAULT_DOCUMENT_QUOTA_MB", 512)) << 20,
	}
}

// Validate checks the storage configuration
func (c StorageConfig) Validate() error {
	switch c.Mode {
	case StorageModeAuto, StorageModeDocument, StorageModeFilesystem:
	default:
		return fmt.Errorf("invalid mode: %s (must be auto, document or filesystem)", c.Mode)
	}
	if c.DataDir == "" {
		return fmt.Errorf("GENVAULT_DATA_DIR cannot be empty")
	}
	if c.DocumentQuotaBytes < 0 {
		return fmt.Errorf("GENVAULT_DOCUMENT_QUOTA_MB cannot be negative")
	}
	return nil
}

// Resolve returns the effective mode. Auto is decided once from the hosting
// environment: a desktop session gets direct file-system storage.
func (c StorageConfig) Resolve() StorageMode {
	if c.Mode != StorageModeAuto {
		return c.Mode
	}
	if hasDesktopSession() {
		return StorageModeFilesystem
	}
	return StorageModeDocument
}

func hasDesktopSession() bool {
	switch runtime.GOOS {
	case "windows", "darwin":
		return true
	}
	return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "genvault")
	}
	return ".genvault"
}

func defaultSettingsPath() string {
	return filepath.Join(defaultStateDir(), "settings.yaml")
}

func defaultLogPath() string {
	return filepath.Join(defaultStateDir(), "genvault.log")
}
