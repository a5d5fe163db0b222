// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ringlog constructs the structured logger ringboard-server
// threads explicitly through every constructor — there is no
// package-global logger anywhere in this module.
package ringlog

import (
	"io"
	"log/slog"
)

// New builds a JSON logger writing to w at the given level, tagged
// with a "component" field identifying the subsystem (e.g. "reactor",
// "gc", "adminsock"). Mirrors the teacher's cmd/bureau-daemon setup:
// JSON to stderr in production, level configurable by the caller.
func New(w io.Writer, level slog.Level, component string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("component", component)
}

// NewText builds a text-formatted logger, for interactive/foreground
// runs where a human reads stderr directly rather than a log
// collector.
func NewText(w io.Writer, level slog.Level, component string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("component", component)
}
