package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	return NewManager(filepath.Join(dir, "settings.yaml")), dir
}

func TestManager_GetDefaults(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if s.MaxResults != DefaultMaxResults {
		t.Errorf("MaxResults = %d, want %d", s.MaxResults, DefaultMaxResults)
	}
	if s.FilenamePrefix != "output" {
		t.Errorf("FilenamePrefix = %q, want output", s.FilenamePrefix)
	}
	if s.MetadataScheme != SchemeSidecar {
		t.Errorf("MetadataScheme = %q, want sidecar", s.MetadataScheme)
	}
	if s.StoragePath == "" {
		t.Error("StoragePath is empty")
	}
}

func TestManager_LoadsFile(t *testing.T) {
	m, dir := newTestManager(t)

	content := "storage_path: " + filepath.Join(dir, "media") + "\nmax_results: 12\nfilename_prefix: flux\n"
	if err := os.WriteFile(m.Path(), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	s, err := m.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if s.MaxResults != 12 {
		t.Errorf("MaxResults = %d, want 12", s.MaxResults)
	}
	if s.FilenamePrefix != "flux" {
		t.Errorf("FilenamePrefix = %q, want flux", s.FilenamePrefix)
	}
	// unset keys keep their defaults
	if s.MetadataScheme != SchemeSidecar {
		t.Errorf("MetadataScheme = %q, want sidecar", s.MetadataScheme)
	}
}

func TestManager_EnvOverride(t *testing.T) {
	m, _ := newTestManager(t)
	t.Setenv("GENVAULT_SETTING_MAX_RESULTS", "0")

	if got := m.MaxResults(); got != 0 {
		t.Errorf("MaxResults() = %d, want 0 (unlimited)", got)
	}
}

func TestManager_CacheAndInvalidate(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if err := os.WriteFile(m.Path(), []byte("max_results: 7\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	// cached value survives the file change
	if got := m.MaxResults(); got != DefaultMaxResults {
		t.Errorf("MaxResults() before Invalidate = %d, want %d", got, DefaultMaxResults)
	}

	m.Invalidate()
	if got := m.MaxResults(); got != 7 {
		t.Errorf("MaxResults() after Invalidate = %d, want 7", got)
	}
}

func TestManager_Update(t *testing.T) {
	m, dir := newTestManager(t)
	storage := filepath.Join(dir, "nested", "media")

	var hookOld, hookNew Settings
	calls := 0
	m.OnChange(func(old, updated Settings) {
		calls++
		hookOld, hookNew = old, updated
	})

	s, err := m.Update(func(s *Settings) {
		s.StoragePath = storage
		s.MaxResults = 50
		s.MetadataScheme = SchemeIndex
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if s.MaxResults != 50 {
		t.Errorf("MaxResults = %d, want 50", s.MaxResults)
	}

	if info, err := os.Stat(storage); err != nil || !info.IsDir() {
		t.Errorf("storage directory not created: %v", err)
	}

	if calls != 1 {
		t.Fatalf("hook called %d times, want 1", calls)
	}
	if hookOld.MaxResults != DefaultMaxResults || hookNew.MaxResults != 50 {
		t.Errorf("hook got old=%d new=%d", hookOld.MaxResults, hookNew.MaxResults)
	}

	data, err := os.ReadFile(m.Path())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "max_results: 50") {
		t.Errorf("settings file missing max_results: %s", data)
	}

	// a fresh manager sees the persisted values
	fresh := NewManager(m.Path())
	got, err := fresh.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.MaxResults != 50 || got.MetadataScheme != SchemeIndex || got.StoragePath != storage {
		t.Errorf("reloaded settings = %+v", got)
	}
}

func TestManager_UpdateRejectsInvalid(t *testing.T) {
	m, _ := newTestManager(t)

	tests := []struct {
		name string
		fn   func(*Settings)
	}{
		{"negative cap", func(s *Settings) { s.MaxResults = -1 }},
		{"empty prefix", func(s *Settings) { s.FilenamePrefix = " " }},
		{"prefix with separator", func(s *Settings) { s.FilenamePrefix = "a/b" }},
		{"unknown scheme", func(s *Settings) { s.MetadataScheme = "xmp" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Update(tt.fn); err == nil {
				t.Error("Update() expected error")
			}
		})
	}

	if _, err := os.Stat(m.Path()); !os.IsNotExist(err) {
		t.Error("invalid update must not write the settings file")
	}
}
