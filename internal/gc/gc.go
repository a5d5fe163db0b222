// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gc

import (
	"bytes"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/ringboard/ringboard/internal/entry"
	"github.com/ringboard/ringboard/internal/layout"
	"github.com/ringboard/ringboard/internal/ring"
	"github.com/ringboard/ringboard/internal/ringfile"
	"github.com/ringboard/ringboard/internal/settings"
)

// Run performs one GarbageCollect pass over store. Soft per-class
// bucket compaction always runs; maxWasted == 0 additionally triggers
// a maximal pass that deduplicates byte-identical payloads across both
// rings (§4.6). It returns the number of bytes file sizes shrank by.
func Run(store *entry.Store, cfg settings.Config, maxWasted uint64) (uint64, error) {
	freed, err := compactClasses(store, cfg)
	if err != nil {
		return freed, err
	}

	if maxWasted == 0 {
		dedupFreed, err := dedup(store)
		freed += dedupFreed
		if err != nil {
			return freed, err
		}
	}

	if err := store.Sync(); err != nil {
		return freed, fmt.Errorf("gc: syncing after collection: %w", err)
	}
	return freed, nil
}

// compactClasses compacts every bucket size class whose free fraction
// exceeds cfg's configured threshold, rewriting the bucket_index of
// every ring slot the compaction relocated.
func compactClasses(store *entry.Store, cfg settings.Config) (uint64, error) {
	alloc := store.Allocator()
	var freed uint64

	for class := 0; class < layout.NumBucketClasses; class++ {
		if alloc.ClassFreeFraction(class) <= cfg.SoftGCFreeFraction {
			continue
		}

		mapping, freedBytes, err := alloc.Class(class).Compact()
		if err != nil {
			return freed, fmt.Errorf("gc: compacting class %d: %w", class, err)
		}
		if freedBytes <= 0 {
			continue
		}

		for _, kind := range ring.All() {
			rf := store.RingFile(kind)
			for index := uint32(0); index < rf.Capacity(); index++ {
				slot := rf.ReadSlot(index)
				if slot.Tag() != ringfile.KindBucketed || slot.SizeClass() != class {
					continue
				}
				newIndex, moved := mapping[slot.BucketIndex()]
				if !moved || newIndex == slot.BucketIndex() {
					continue
				}
				store.RewriteBucketIndex(kind, index, newIndex)
			}
		}

		freed += uint64(freedBytes)
	}

	return freed, nil
}

// dedup hashes every populated slot's payload, and for each pair whose
// hashes collide and whose bytes fully match, redirects the
// later-scanned slot onto the earlier one's allocator ref (§4.6, §8
// "Dedup safety").
func dedup(store *entry.Store) (uint64, error) {
	alloc := store.Allocator()
	seen := make(map[[32]byte][]entry.SlotRef)
	var freed uint64

	hasher := blake3.New()
	for _, sr := range store.Slots() {
		payload, err := alloc.Read(sr.Ref)
		if err != nil {
			return freed, fmt.Errorf("gc: reading slot payload for dedup: %w", err)
		}
		hasher.Reset()
		hasher.Write(payload)
		var hash [32]byte
		copy(hash[:], hasher.Sum(nil))

		kept := false
		for _, candidate := range seen[hash] {
			if candidate.Ref == sr.Ref {
				kept = true
				break
			}
			existing, err := alloc.Read(candidate.Ref)
			if err != nil {
				return freed, fmt.Errorf("gc: reading candidate payload for dedup: %w", err)
			}
			if !bytes.Equal(existing, payload) {
				continue
			}
			reclaimed, err := store.MergeDuplicate(sr.Kind, sr.Index, candidate.Ref)
			if err != nil {
				return freed, fmt.Errorf("gc: merging duplicate slot: %w", err)
			}
			freed += reclaimed
			kept = true
			break
		}
		if !kept {
			seen[hash] = append(seen[hash], sr)
		}
	}

	return freed, nil
}
