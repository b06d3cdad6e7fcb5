package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/muaviaUsmani/genvault/internal/logger"
)

// EnvPrefix is the prefix of environment overrides, e.g. GENVAULT_SETTING_MAX_RESULTS
const EnvPrefix = "GENVAULT_SETTING_"

// ChangeFunc is called after settings are saved
type ChangeFunc func(old, updated Settings)

// Manager loads, caches and saves settings
type Manager struct {
	path  string
	log   logger.Logger
	mu    sync.RWMutex
	cache *Settings
	hooks []ChangeFunc
}

// NewManager creates a manager for the settings file at path. Nothing is
// read until the first Get.
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
		log:  logger.Default().WithComponent(logger.ComponentSettings),
	}
}

// Path returns the settings file location
func (m *Manager) Path() string {
	return m.path
}

// Get returns the cached settings, loading them on first use
func (m *Manager) Get() (Settings, error) {
	m.mu.RLock()
	if m.cache != nil {
		s := *m.cache
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	return m.Reload()
}

// MaxResults returns the retention cap, falling back to the default when the
// settings cannot be loaded
func (m *Manager) MaxResults() int {
	s, err := m.Get()
	if err != nil {
		m.log.Warn("Using default retention cap", "error", err)
		return DefaultMaxResults
	}
	return s.MaxResults
}

// Invalidate drops the cached snapshot; the next Get reloads
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cache = nil
	m.mu.Unlock()
}

// Reload re-reads the settings from defaults, file and environment
func (m *Manager) Reload() (Settings, error) {
	s, err := m.load()
	if err != nil {
		return Settings{}, err
	}

	m.mu.Lock()
	m.cache = &s
	m.mu.Unlock()

	return s, nil
}

// OnChange registers a hook fired after every successful Update
func (m *Manager) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Update applies fn to the current settings, validates the result, creates
// the storage directory if missing, persists the file and fires hooks.
func (m *Manager) Update(fn func(*Settings)) (Settings, error) {
	old, err := m.Get()
	if err != nil {
		return Settings{}, err
	}

	updated := old
	fn(&updated)
	updated.StoragePath = filepath.Clean(updated.StoragePath)

	if err := updated.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	if err := os.MkdirAll(updated.StoragePath, 0o755); err != nil {
		return Settings{}, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if err := m.save(updated); err != nil {
		return Settings{}, err
	}

	m.mu.Lock()
	m.cache = &updated
	hooks := append([]ChangeFunc(nil), m.hooks...)
	m.mu.Unlock()

	m.log.Info("Settings updated",
		"storage_path", updated.StoragePath,
		"max_results", updated.MaxResults,
		"filename_prefix", updated.FilenamePrefix,
		"metadata_scheme", updated.MetadataScheme)

	for _, hook := range hooks {
		hook(old, updated)
	}

	return updated, nil
}

func (m *Manager) load() (Settings, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Settings{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	if _, err := os.Stat(m.path); err == nil {
		if err := k.Load(file.Provider(m.path), yaml.Parser()); err != nil {
			return Settings{}, fmt.Errorf("failed to load settings file %s: %w", m.path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Settings{}, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return Settings{}, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("settings validation failed: %w", err)
	}

	return s, nil
}

// save writes s atomically: temp file in the same directory, then rename
func (m *Manager) save(s Settings) error {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(s, "koanf"), nil); err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	data, err := k.Marshal(yaml.Parser())
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

// envKey maps GENVAULT_SETTING_MAX_RESULTS to max_results
func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}
