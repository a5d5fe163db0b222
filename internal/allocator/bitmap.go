// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package allocator

import (
	"fmt"
	"io"
	"math/bits"

	"github.com/klauspost/compress/zstd"
)

// Bitmap is an in-memory free-slot bitmap for one bucket size class
// (§4.2). A set bit means the record at that index is free. It is
// persisted periodically, zstd-compressed, so startup does not need to
// rescan every record from scratch — but a persisted bitmap can go
// stale relative to the ring files it describes (a crash between
// writing a record and the next periodic PersistBitmap). Store's open
// path reconciles this by rescanning both rings' live slots and
// calling [Bitmap.MarkAllocated] for each one found, which always wins
// over whatever the loaded bitmap says (§3 invariant 5).
type Bitmap struct {
	words []uint64
	count uint32 // number of valid bits (may be < len(words)*64)
	hint  uint32 // last known first-free word index, amortizes Alloc to O(1)
}

// NewBitmap returns a bitmap with all count bits marked free.
func NewBitmap(count uint32) *Bitmap {
	b := &Bitmap{count: count}
	b.growWords()
	for i := uint32(0); i < count; i++ {
		b.setBit(i, true)
	}
	return b
}

func (b *Bitmap) growWords() {
	need := int((b.count + 63) / 64)
	for len(b.words) < need {
		b.words = append(b.words, 0)
	}
}

func (b *Bitmap) setBit(index uint32, free bool) {
	word, bit := index/64, index%64
	if free {
		b.words[word] |= 1 << bit
	} else {
		b.words[word] &^= 1 << bit
	}
}

func (b *Bitmap) testBit(index uint32) bool {
	word, bit := index/64, index%64
	return b.words[word]&(1<<bit) != 0
}

// Grow extends the bitmap to cover newCount bits, marking the new bits
// free. Used when a bucket file's record count increases (append
// allocation beyond the current file length).
func (b *Bitmap) Grow(newCount uint32) {
	if newCount <= b.count {
		return
	}
	old := b.count
	b.count = newCount
	b.growWords()
	for i := old; i < newCount; i++ {
		b.setBit(i, true)
	}
}

// Count returns the number of bits the bitmap tracks.
func (b *Bitmap) Count() uint32 {
	return b.count
}

// Alloc returns the lowest free index and marks it allocated, or false
// if every tracked index is allocated (the caller must Grow first).
func (b *Bitmap) Alloc() (uint32, bool) {
	words := uint32(len(b.words))
	for pass := uint32(0); pass < 2; pass++ {
		start := uint32(0)
		if pass == 0 {
			start = b.hint
		}
		for w := start; w < words; w++ {
			if b.words[w] == 0 {
				continue
			}
			bit := uint32(bits.TrailingZeros64(b.words[w]))
			index := w*64 + bit
			if index >= b.count {
				continue
			}
			b.setBit(index, false)
			b.hint = w
			return index, true
		}
		if pass == 0 && b.hint == 0 {
			break // no point rescanning from 0 twice
		}
	}
	return 0, false
}

// Free marks index as available for reuse.
func (b *Bitmap) Free(index uint32) {
	b.setBit(index, true)
	word := index / 64
	if word < b.hint {
		b.hint = word
	}
}

// IsFree reports whether index is currently marked free.
func (b *Bitmap) IsFree(index uint32) bool {
	return b.testBit(index)
}

// MarkAllocated force-marks index allocated regardless of its current
// state, growing the bitmap first if index falls outside it. Used by
// startup reconciliation to override a bit a stale persisted bitmap
// left marked free for a record a ring slot still references.
func (b *Bitmap) MarkAllocated(index uint32) {
	if index >= b.count {
		b.Grow(index + 1)
	}
	b.setBit(index, false)
}

// LiveCount returns the number of allocated (non-free) bits.
func (b *Bitmap) LiveCount() uint32 {
	var free uint32
	for i := uint32(0); i < b.count; i++ {
		if b.testBit(i) {
			free++
		}
	}
	return b.count - free
}

// LiveIndices returns every currently-allocated index, ascending. Used
// by internal/gc's compaction pass to decide where each live record
// moves.
func (b *Bitmap) LiveIndices() []uint32 {
	live := make([]uint32, 0, b.LiveCount())
	for i := uint32(0); i < b.count; i++ {
		if !b.testBit(i) {
			live = append(live, i)
		}
	}
	return live
}

// Save writes the bitmap, zstd-compressed, to w.
func (b *Bitmap) Save(w io.Writer) error {
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("allocator: creating zstd writer: %w", err)
	}
	defer encoder.Close()

	if err := writeUint32(encoder, b.count); err != nil {
		return err
	}
	for _, word := range b.words {
		if err := writeUint64(encoder, word); err != nil {
			return err
		}
	}
	return nil
}

// LoadBitmap reads a bitmap previously written by [Bitmap.Save].
func LoadBitmap(r io.Reader) (*Bitmap, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("allocator: creating zstd reader: %w", err)
	}
	defer decoder.Close()

	count, err := readUint32(decoder)
	if err != nil {
		return nil, fmt.Errorf("allocator: reading bitmap count: %w", err)
	}
	b := &Bitmap{count: count}
	b.growWords()
	for i := range b.words {
		word, err := readUint64(decoder)
		if err != nil {
			return nil, fmt.Errorf("allocator: reading bitmap word %d: %w", i, err)
		}
		b.words[i] = word
	}
	return b, nil
}
