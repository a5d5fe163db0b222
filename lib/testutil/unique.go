// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now() when
// tests need unique identifiers for entry payloads or mime strings that
// must be distinguishable across concurrent subtests sharing one ring.
//
//	payload := testutil.UniqueID("entry")  // "entry-1", "entry-2", ...
//	mime := testutil.UniqueID("text/x")    // "text/x-3", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
