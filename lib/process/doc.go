// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the
// ringboard-server binary. These functions
// centralize the one legitimate raw I/O pattern that exists outside the
// structured logger: reporting a fatal startup or main() error to
// stderr and exiting, for errors that occur before the logger is
// constructed or that should abort the process regardless of logging
// configuration.
package process
