// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package entry

// wellKnownMimes is the inline mime table a ring slot's 5-bit mime
// field indexes into. Code 0 is reserved as the overflow sentinel: a
// mime string not in this table is kept in the overflow table
// ([overflowTable]) instead, keyed by the slot's current ring position.
//
// Codes 17..31 are unused, left for types a future server version adds
// without needing a wire change.
var wellKnownMimes = [...]string{
	0:  "", // overflow sentinel, never looked up directly
	1:  "text/plain",
	2:  "text/plain;charset=utf-8",
	3:  "text/html",
	4:  "text/uri-list",
	5:  "text/x-moz-url",
	6:  "image/png",
	7:  "image/jpeg",
	8:  "image/gif",
	9:  "image/bmp",
	10: "image/svg+xml",
	11: "application/octet-stream",
	12: "application/json",
	13: "application/x-color",
	14: "STRING",
	15: "UTF8_STRING",
	16: "TARGETS",
}

const overflowMimeCode uint8 = 0

// mimeCodeOf returns the inline code for mime, and whether it must be
// stored out-of-line in the overflow table instead.
func mimeCodeOf(mime string) (code uint8, overflow bool) {
	for i := 1; i < len(wellKnownMimes); i++ {
		if wellKnownMimes[i] == mime {
			return uint8(i), false
		}
	}
	return overflowMimeCode, true
}

// mimeStringOf is the inverse of mimeCodeOf for an inline (non-overflow) code.
func mimeStringOf(code uint8) string {
	if int(code) < len(wellKnownMimes) {
		return wellKnownMimes[code]
	}
	return ""
}
