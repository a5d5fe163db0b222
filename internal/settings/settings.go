// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package settings loads the server's JSONC configuration file and
// hands out an atomically-swapped snapshot of it, re-read on demand by
// the ReloadSettings opcode (SPEC_FULL.md §6). Parsing follows
// lib/pipelinedef's convention: strip JSONC comments and trailing
// commas with github.com/tidwall/jsonc, then unmarshal with
// encoding/json — no separate config DSL.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/tidwall/jsonc"
)

// Config holds every value an operator can tune without restarting the
// server. Fields absent from the file keep their documented default.
type Config struct {
	// SoftGCFreeFraction is the per-class free-record fraction above
	// which GarbageCollect compacts that class (§4.6).
	SoftGCFreeFraction float64 `json:"soft_gc_free_fraction"`

	// AddTimeoutMillis bounds how long an Add request may take to read
	// its payload fd before the connection is closed with Timeout (§5).
	AddTimeoutMillis int `json:"add_timeout_millis"`
}

// AddTimeout returns AddTimeoutMillis as a [time.Duration], for
// internal/reactor's async payload-read deadline.
func (c Config) AddTimeout() time.Duration {
	return time.Duration(c.AddTimeoutMillis) * time.Millisecond
}

// defaultConfig is used for any field a settings file omits, and for
// the whole Config when the file does not exist yet.
var defaultConfig = Config{
	SoftGCFreeFraction: 0.25,
	AddTimeoutMillis:   30_000,
}

// Settings is a hot-reloadable handle on one on-disk Config. The zero
// value is not usable; construct with [Load].
type Settings struct {
	path    string
	current atomic.Pointer[Config]
}

// Load reads and parses the settings file at path. A missing file
// yields the default configuration and is not created.
func Load(path string) (*Settings, error) {
	s := &Settings{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the settings file from disk and atomically publishes
// the result. A missing file is not an error: it is treated as an
// all-defaults configuration, and nothing is written back (an operator
// who never created the file gets defaults silently, matching §6's
// "ReloadSettings: re-reads on-disk config for watchers; server-internal
// state unaffected" — there is no server behavior this call can fail to
// find).
func (s *Settings) Reload() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		cfg := defaultConfig
		s.current.Store(&cfg)
		return nil
	}
	if err != nil {
		return fmt.Errorf("settings: reading %s: %w", s.path, err)
	}

	cfg := defaultConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return fmt.Errorf("settings: parsing %s: %w", s.path, err)
	}
	s.current.Store(&cfg)
	return nil
}

// Current returns the most recently loaded configuration. Safe to call
// concurrently with Reload.
func (s *Settings) Current() Config {
	return *s.current.Load()
}
