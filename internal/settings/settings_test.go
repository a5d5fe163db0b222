// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.jsonc")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.Current(); got != defaultConfig {
		t.Errorf("Current() = %+v, want defaults %+v", got, defaultConfig)
	}
}

func TestLoadParsesJSONCWithCommentsAndTrailingCommas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.jsonc")
	contents := `{
		// raise the soft GC threshold past its default
		"soft_gc_free_fraction": 0.5,
		"add_timeout_millis": 5000,
	}`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := s.Current()
	if got.SoftGCFreeFraction != 0.5 {
		t.Errorf("SoftGCFreeFraction = %v, want 0.5", got.SoftGCFreeFraction)
	}
	if got.AddTimeoutMillis != 5000 {
		t.Errorf("AddTimeoutMillis = %v, want 5000", got.AddTimeoutMillis)
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.jsonc")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.Current().SoftGCFreeFraction; got != defaultConfig.SoftGCFreeFraction {
		t.Fatalf("initial SoftGCFreeFraction = %v, want default %v", got, defaultConfig.SoftGCFreeFraction)
	}

	if err := os.WriteFile(path, []byte(`{"soft_gc_free_fraction": 0.9}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := s.Current().SoftGCFreeFraction; got != 0.9 {
		t.Errorf("after Reload, SoftGCFreeFraction = %v, want 0.9", got)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.jsonc")
	if err := os.WriteFile(path, []byte(`{not json`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load with malformed JSON = nil error, want error")
	}
}
