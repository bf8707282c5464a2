// Copyright 2025 The levelhash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package levelhash implements a write-optimized, persistent key-value
// hashing index over memory-mapped files.  Keys hash to two candidate
// buckets in each of two levels; the top level has twice the buckets of
// the bottom one.  Insertions that find all four candidate buckets full
// relocate at most one resident entry ("stashing") before doubling the
// top level, which keeps worst-case lookup cost and amortized insertion
// cost bounded while sustaining high load factors.
//
// An index is three files: a values file holding the raw key/value bytes
// as a doubly-linked list, a keymap file holding per-bucket slot arrays of
// values addresses, and a small metadata file tying the two together.
package levelhash

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bits-and-blooms/bitset"

	"github.com/openkv/levelhash/internal/keymap"
	"github.com/openkv/levelhash/internal/meta"
	"github.com/openkv/levelhash/internal/values"
)

// indexExt is the extension of the values file; the keymap and metadata
// files derive their names from it.
const indexExt = ".index"

// displacementsPerStraggler sizes the pooled movement budget of the second
// expansion pass (and of Shrink) per entry it has to place.  Each entry
// gets one displaceIntoInterim call, which moves at most one occupant, so
// the budget never runs out first: an entry fails to place when no
// occupant of its candidate buckets has a free alternate slot.
const displacementsPerStraggler = 16

type resizeState uint8

const (
	stateSteady resizeState = iota
	stateExpanding
	stateShrinking
)

// LevelHash is one open index.  At most one handle may exist per
// directory+name (enforced with an advisory file lock), and a handle must
// not be used concurrently.
type LevelHash struct {
	dir  string
	name string
	opts Options

	meta *meta.Store
	vals *values.Store
	km   *keymap.Map
	lock *lockFile

	// occupied slots per level; index 0 is the top level
	counts [2]uint64

	state    resizeState
	closed   bool
	poisoned bool
}

// slotRef locates one occupied slot and the entry it points to.
type slotRef struct {
	level  int
	bucket uint32
	slot   uint32
	addr   uint64
}

// Open opens or creates the index named name under dir.  For an existing
// index the on-disk geometry wins over the one in opts.  A half-completed
// expansion left behind by a crash is finished before Open returns.
func Open(dir, name string, opts *Options) (*LevelHash, error) {
	if opts == nil {
		return nil, fmt.Errorf("levelhash: options are required")
	}
	o := *opts
	if err := o.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll(%s): %w", dir, err)
	}
	base := filepath.Join(dir, name+indexExt)

	lock, err := acquireLock(base + "._lock")
	if err != nil {
		return nil, err
	}
	m, err := meta.Open(base+"._meta", o.LevelSize, o.BucketSize)
	if err != nil {
		_ = lock.release()
		return nil, err
	}
	vals, err := values.Open(base, m)
	if err != nil {
		_ = m.Close()
		_ = lock.release()
		return nil, err
	}
	km, err := keymap.Open(base+"._keymap", m)
	if err != nil {
		_ = vals.Close()
		_ = m.Close()
		_ = lock.release()
		return nil, err
	}

	h := &LevelHash{
		dir:  dir,
		name: name,
		opts: o,
		meta: m,
		vals: vals,
		km:   km,
		lock: lock,
	}
	if km.HasInterim() {
		// a previous process died mid-expansion; drain the rest of the
		// bottom level and commit before accepting operations
		h.state = stateExpanding
		if err := h.finishExpansion(); err != nil {
			_ = h.closeAll()
			return nil, err
		}
		h.state = stateSteady
	}
	if err := h.recount(); err != nil {
		_ = h.closeAll()
		return nil, err
	}
	return h, nil
}

func (h *LevelHash) guard() error {
	if h.closed || h.poisoned {
		return ErrClosed
	}
	return nil
}

// fail poisons the handle on fatal errors before surfacing them.
func (h *LevelHash) fail(err error) error {
	if errors.Is(err, ErrCorruptEntry) || errors.Is(err, ErrBadMagic) {
		h.poisoned = true
	}
	return err
}

func bucketIdx(hash uint64, buckets uint32) uint32 {
	// bucket counts are powers of two
	return uint32(hash & uint64(buckets-1))
}

// candidateBuckets returns the one or two distinct candidate bucket
// indices of a key hash pair at the given level.
func (h *LevelHash) candidateBuckets(h1, h2 uint64, level int) [2]uint32 {
	n := h.km.Buckets(level)
	return [2]uint32{bucketIdx(h1, n), bucketIdx(h2, n)}
}

// findSlot scans the candidate buckets, top level first, slots in
// ascending index, comparing stored keys byte for byte.
func (h *LevelHash) findSlot(key []byte) (slotRef, bool, error) {
	h1 := h.opts.Hashes.Hash1(key)
	h2 := h.opts.Hashes.Hash2(key)
	bs := h.km.BucketSize()

	for _, level := range [2]int{keymap.Top, keymap.Bottom} {
		cand := h.candidateBuckets(h1, h2, level)
		for i, b := range cand {
			if i == 1 && b == cand[0] {
				continue
			}
			for j := uint32(0); j < bs; j++ {
				addr, err := h.km.ReadSlot(level, b, j)
				if err != nil {
					return slotRef{}, false, err
				}
				if addr == 0 {
					continue
				}
				eq, err := h.vals.KeyEquals(addr, key)
				if err != nil {
					return slotRef{}, false, h.fail(err)
				}
				if eq {
					return slotRef{level: level, bucket: b, slot: j, addr: addr}, true, nil
				}
			}
		}
	}
	return slotRef{}, false, nil
}

// Get returns the value stored for key.
func (h *LevelHash) Get(key []byte) ([]byte, error) {
	if err := h.guard(); err != nil {
		return nil, err
	}
	ref, found, err := h.findSlot(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	v, err := h.vals.ReadValue(ref.addr)
	if err != nil {
		return nil, h.fail(err)
	}
	return v, nil
}

// Contains reports whether key is present.
func (h *LevelHash) Contains(key []byte) (bool, error) {
	if err := h.guard(); err != nil {
		return false, err
	}
	_, found, err := h.findSlot(key)
	return found, err
}

// Len returns the number of entries in the index.
func (h *LevelHash) Len() uint64 {
	return h.counts[0] + h.counts[1]
}

// totalSlots returns the slot capacity of the two steady-state levels.
func (h *LevelHash) totalSlots() uint64 {
	top := uint64(h.km.Buckets(keymap.Top))
	return (top + top>>1) * uint64(h.km.BucketSize())
}

// LoadFactor returns occupied slots / total slots.
func (h *LevelHash) LoadFactor() float64 {
	return float64(h.Len()) / float64(h.totalSlots())
}

// LevelSize returns the current log2 of the top-level bucket count.
func (h *LevelHash) LevelSize() uint8 {
	return h.meta.LevelSize()
}

// BucketSize returns the number of slots per bucket.
func (h *LevelHash) BucketSize() uint8 {
	return h.meta.BucketSize()
}

// Insert stores (key, value).  It fails with ErrKeyExists if the key is
// already present, without mutating state.  When every candidate slot is
// taken and a single stash movement cannot free one, the index expands
// and the insertion is retried.
func (h *LevelHash) Insert(key, value []byte) error {
	if err := h.guard(); err != nil {
		return err
	}
	if len(key) == 0 {
		return fmt.Errorf("levelhash: empty key not supported")
	}
	if _, found, err := h.findSlot(key); err != nil {
		return err
	} else if found {
		return ErrKeyExists
	}

	if !h.opts.DisableExpansion && h.opts.AutoExpandThreshold < 1 &&
		h.LoadFactor() >= h.opts.AutoExpandThreshold {
		if err := h.expand(); err != nil {
			return err
		}
	}

	h1 := h.opts.Hashes.Hash1(key)
	h2 := h.opts.Hashes.Hash2(key)
	for attempt := 0; ; attempt++ {
		placed, err := h.tryPlace(key, value, h1, h2)
		if err != nil {
			return err
		}
		if placed {
			return h.flushOrdered()
		}
		if h.opts.DisableExpansion {
			return ErrLevelOverflow
		}
		if attempt >= 2 {
			return fmt.Errorf("levelhash: no slot for key after repeated expansion: %w", ErrExpansionFailed)
		}
		if err := h.expand(); err != nil {
			return err
		}
	}
}

// tryPlace attempts one steady-state placement: an empty top slot, then a
// single top-to-bottom stash movement, then an empty bottom slot.
func (h *LevelHash) tryPlace(key, value []byte, h1, h2 uint64) (bool, error) {
	if ok, err := h.placeInLevel(keymap.Top, key, value, h1, h2); ok || err != nil {
		return ok, err
	}
	if ok, err := h.tryStash(key, value, h1, h2); ok || err != nil {
		return ok, err
	}
	return h.placeInLevel(keymap.Bottom, key, value, h1, h2)
}

// placeInLevel appends the entry and stamps the first empty candidate
// slot at the given level.
func (h *LevelHash) placeInLevel(level int, key, value []byte, h1, h2 uint64) (bool, error) {
	cand := h.candidateBuckets(h1, h2, level)
	bs := h.km.BucketSize()
	for i, b := range cand {
		if i == 1 && b == cand[0] {
			continue
		}
		for j := uint32(0); j < bs; j++ {
			addr, err := h.km.ReadSlot(level, b, j)
			if err != nil {
				return false, err
			}
			if addr != 0 {
				continue
			}
			newAddr, err := h.vals.Append(key, value)
			if err != nil {
				return false, err
			}
			if err := h.km.WriteSlot(level, b, j, newAddr); err != nil {
				return false, err
			}
			h.counts[level]++
			return true, nil
		}
	}
	return false, nil
}

// tryStash frees a top-level candidate slot by relocating its occupant to
// one of the occupant's bottom-level candidate buckets, then inserts the
// new entry into the freed slot.  At most one movement is performed.
func (h *LevelHash) tryStash(key, value []byte, h1, h2 uint64) (bool, error) {
	cand := h.candidateBuckets(h1, h2, keymap.Top)
	bs := h.km.BucketSize()
	for i, b := range cand {
		if i == 1 && b == cand[0] {
			continue
		}
		for j := uint32(0); j < bs; j++ {
			occAddr, err := h.km.ReadSlot(keymap.Top, b, j)
			if err != nil {
				return false, err
			}
			if occAddr == 0 {
				continue
			}
			occKey, err := h.vals.ReadKey(occAddr)
			if err != nil {
				return false, h.fail(err)
			}
			o1 := h.opts.Hashes.Hash1(occKey)
			o2 := h.opts.Hashes.Hash2(occKey)
			dst, ok, err := h.findEmptySlot(keymap.Bottom, o1, o2)
			if err != nil {
				return false, err
			}
			if !ok {
				continue
			}
			if err := h.km.WriteSlot(keymap.Bottom, dst.bucket, dst.slot, occAddr); err != nil {
				return false, err
			}
			if err := h.km.ClearSlot(keymap.Top, b, j); err != nil {
				return false, err
			}
			h.counts[0]--
			h.counts[1]++

			newAddr, err := h.vals.Append(key, value)
			if err != nil {
				return false, err
			}
			if err := h.km.WriteSlot(keymap.Top, b, j, newAddr); err != nil {
				return false, err
			}
			h.counts[0]++
			return true, nil
		}
	}
	return false, nil
}

// findEmptySlot returns the first empty candidate slot at the level.
func (h *LevelHash) findEmptySlot(level int, h1, h2 uint64) (slotRef, bool, error) {
	cand := h.candidateBuckets(h1, h2, level)
	bs := h.km.BucketSize()
	for i, b := range cand {
		if i == 1 && b == cand[0] {
			continue
		}
		for j := uint32(0); j < bs; j++ {
			addr, err := h.km.ReadSlot(level, b, j)
			if err != nil {
				return slotRef{}, false, err
			}
			if addr == 0 {
				return slotRef{level: level, bucket: b, slot: j}, true, nil
			}
		}
	}
	return slotRef{}, false, nil
}

// Update replaces the value stored for key and returns the previous one.
// An equal-length value is rewritten in place; otherwise a new entry is
// appended, the slot is restamped and the old entry is removed.
func (h *LevelHash) Update(key, newValue []byte) ([]byte, error) {
	if err := h.guard(); err != nil {
		return nil, err
	}
	ref, found, err := h.findSlot(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	e, err := h.vals.ReadEntry(ref.addr)
	if err != nil {
		return nil, h.fail(err)
	}
	if len(e.Value) == len(newValue) {
		if err := h.vals.UpdateValueInPlace(ref.addr, newValue); err != nil {
			return nil, h.fail(err)
		}
		if err := h.flushOrdered(); err != nil {
			return nil, err
		}
		return e.Value, nil
	}

	// the key keeps its candidate buckets, so the slot stays valid; stamp
	// the replacement entry before unlinking the old one
	newAddr, err := h.vals.Append(key, newValue)
	if err != nil {
		return nil, err
	}
	if err := h.km.WriteSlot(ref.level, ref.bucket, ref.slot, newAddr); err != nil {
		return nil, err
	}
	if _, err := h.vals.Remove(ref.addr); err != nil {
		return nil, h.fail(err)
	}
	if err := h.flushOrdered(); err != nil {
		return nil, err
	}
	return e.Value, nil
}

// Delete removes key and returns the value it held.
func (h *LevelHash) Delete(key []byte) ([]byte, error) {
	if err := h.guard(); err != nil {
		return nil, err
	}
	ref, found, err := h.findSlot(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	v, err := h.vals.Remove(ref.addr)
	if err != nil {
		return nil, h.fail(err)
	}
	if err := h.km.ClearSlot(ref.level, ref.bucket, ref.slot); err != nil {
		return nil, err
	}
	h.counts[ref.level]--
	if err := h.flushOrdered(); err != nil {
		return nil, err
	}
	return v, nil
}

// Expand doubles the top-level capacity: the bottom level drains into a
// fresh interim level twice the size of the current top, then the levels
// are relabeled.  Insert calls this automatically; it is exported for
// callers that want to pay the cost ahead of a write burst.
func (h *LevelHash) Expand() error {
	if err := h.guard(); err != nil {
		return err
	}
	if err := h.expand(); err != nil {
		return err
	}
	return h.flushOrdered()
}

func (h *LevelHash) expand() error {
	if h.state != stateSteady {
		return fmt.Errorf("levelhash: resize already in progress: %w", ErrExpansionFailed)
	}
	l := h.meta.LevelSize()
	if l >= MaxLevelSize {
		return fmt.Errorf("levelhash: level size limit %d reached: %w", MaxLevelSize, ErrExpansionFailed)
	}
	h.state = stateExpanding
	defer func() { h.state = stateSteady }()

	if err := h.km.PrepareInterim(uint32(2) << l); err != nil {
		return err
	}
	if err := h.finishExpansion(); err != nil {
		return err
	}
	h.counts[0], h.counts[1] = h.counts[1], h.counts[0]
	return nil
}

// finishExpansion drains every occupied bottom slot into the interim
// level and commits the relabeling.  It is also the crash-recovery path,
// so it tolerates entries that were already migrated but whose source
// slot was not yet cleared.
func (h *LevelHash) finishExpansion() error {
	bs := h.km.BucketSize()
	bottomBuckets := h.km.Buckets(keymap.Bottom)

	// errors below deliberately leave the interim level on disk: slots
	// already moved out of the bottom live only there, and the next Open
	// resumes the migration from it
	stragglers := bitset.New(uint(bottomBuckets) * uint(bs))
	for b := uint32(0); b < bottomBuckets; b++ {
		for j := uint32(0); j < bs; j++ {
			addr, err := h.km.ReadSlot(keymap.Bottom, b, j)
			if err != nil {
				return err
			}
			if addr == 0 {
				continue
			}
			moved, err := h.migrateToInterim(addr, b, j)
			if err != nil {
				return err
			}
			if !moved {
				stragglers.Set(uint(b)*uint(bs) + uint(j))
			}
		}
	}

	if stragglers.Count() > 0 {
		budget := int(stragglers.Count()) * displacementsPerStraggler
		for i, ok := stragglers.NextSet(0); ok; i, ok = stragglers.NextSet(i + 1) {
			b := uint32(i) / uint32(bs)
			j := uint32(i) % uint32(bs)
			addr, err := h.km.ReadSlot(keymap.Bottom, b, j)
			if err != nil {
				return err
			}
			if addr == 0 {
				continue
			}
			placed, err := h.displaceIntoInterim(addr, &budget)
			if err != nil {
				return err
			}
			if !placed {
				// back out cleanly: every migrated entry's source slot is
				// still empty, so the bottom level can take them all back
				if rerr := h.rollbackExpansion(); rerr != nil {
					return rerr
				}
				return fmt.Errorf("levelhash: no interim slot for straggler: %w", ErrExpansionFailed)
			}
			if err := h.km.ClearSlot(keymap.Bottom, b, j); err != nil {
				return err
			}
		}
	}

	if err := h.km.CommitExpansion(h.meta.LevelSize() + 1); err != nil {
		return err
	}
	return nil
}

// rollbackExpansion moves every interim occupant back into the bottom
// level and discards the interim.  Bottom slots are only ever cleared
// during expansion, so each entry's original slot is guaranteed free.
func (h *LevelHash) rollbackExpansion() error {
	bs := h.km.BucketSize()
	interimBuckets := h.km.Buckets(keymap.Interim)
	for b := uint32(0); b < interimBuckets; b++ {
		for j := uint32(0); j < bs; j++ {
			addr, err := h.km.ReadSlot(keymap.Interim, b, j)
			if err != nil {
				return err
			}
			if addr == 0 {
				continue
			}
			key, err := h.vals.ReadKey(addr)
			if err != nil {
				return h.fail(err)
			}
			h1 := h.opts.Hashes.Hash1(key)
			h2 := h.opts.Hashes.Hash2(key)
			dst, ok, err := h.findEmptySlot(keymap.Bottom, h1, h2)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("levelhash: no bottom slot while rolling back expansion: %w", ErrCorruptEntry)
			}
			if err := h.km.WriteSlot(keymap.Bottom, dst.bucket, dst.slot, addr); err != nil {
				return err
			}
			if err := h.km.ClearSlot(keymap.Interim, b, j); err != nil {
				return err
			}
		}
	}
	return h.km.AbandonInterim()
}

// migrateToInterim moves one bottom slot into the first empty interim
// candidate slot, or via a single stash movement inside the interim.
// Returns false if the entry must wait for the straggler pass.
func (h *LevelHash) migrateToInterim(addr uint64, srcBucket, srcSlot uint32) (bool, error) {
	key, err := h.vals.ReadKey(addr)
	if err != nil {
		return false, h.fail(err)
	}
	h1 := h.opts.Hashes.Hash1(key)
	h2 := h.opts.Hashes.Hash2(key)
	cand := h.candidateBuckets(h1, h2, keymap.Interim)
	bs := h.km.BucketSize()

	// recovery: the entry may already sit in the interim with its source
	// slot left uncleared
	for i, b := range cand {
		if i == 1 && b == cand[0] {
			continue
		}
		for j := uint32(0); j < bs; j++ {
			got, err := h.km.ReadSlot(keymap.Interim, b, j)
			if err != nil {
				return false, err
			}
			if got == addr {
				return true, h.km.ClearSlot(keymap.Bottom, srcBucket, srcSlot)
			}
		}
	}

	dst, ok, err := h.findEmptySlot(keymap.Interim, h1, h2)
	if err != nil {
		return false, err
	}
	if ok {
		if err := h.km.WriteSlot(keymap.Interim, dst.bucket, dst.slot, addr); err != nil {
			return false, err
		}
		return true, h.km.ClearSlot(keymap.Bottom, srcBucket, srcSlot)
	}

	// single stash movement inside the interim
	budget := 1
	placed, err := h.displaceIntoInterim(addr, &budget)
	if err != nil {
		return false, err
	}
	if placed {
		return true, h.km.ClearSlot(keymap.Bottom, srcBucket, srcSlot)
	}
	return false, nil
}

// displaceIntoInterim frees an interim candidate slot for addr by moving
// one of the occupants to the occupant's alternate interim bucket,
// spending from budget for every movement performed.
func (h *LevelHash) displaceIntoInterim(addr uint64, budget *int) (bool, error) {
	key, err := h.vals.ReadKey(addr)
	if err != nil {
		return false, h.fail(err)
	}
	h1 := h.opts.Hashes.Hash1(key)
	h2 := h.opts.Hashes.Hash2(key)

	// space may have opened since the last attempt
	if dst, ok, err := h.findEmptySlot(keymap.Interim, h1, h2); err != nil {
		return false, err
	} else if ok {
		return true, h.km.WriteSlot(keymap.Interim, dst.bucket, dst.slot, addr)
	}

	cand := h.candidateBuckets(h1, h2, keymap.Interim)
	bs := h.km.BucketSize()
	for i, b := range cand {
		if i == 1 && b == cand[0] {
			continue
		}
		for j := uint32(0); j < bs; j++ {
			occAddr, err := h.km.ReadSlot(keymap.Interim, b, j)
			if err != nil {
				return false, err
			}
			if occAddr == 0 {
				return true, h.km.WriteSlot(keymap.Interim, b, j, addr)
			}
			occKey, err := h.vals.ReadKey(occAddr)
			if err != nil {
				return false, h.fail(err)
			}
			oc := h.candidateBuckets(h.opts.Hashes.Hash1(occKey), h.opts.Hashes.Hash2(occKey), keymap.Interim)
			for _, alt := range oc {
				if alt == b {
					continue
				}
				for jj := uint32(0); jj < bs; jj++ {
					got, err := h.km.ReadSlot(keymap.Interim, alt, jj)
					if err != nil {
						return false, err
					}
					if got != 0 {
						continue
					}
					if *budget <= 0 {
						return false, nil
					}
					*budget--
					if err := h.km.WriteSlot(keymap.Interim, alt, jj, occAddr); err != nil {
						return false, err
					}
					if err := h.km.WriteSlot(keymap.Interim, b, j, addr); err != nil {
						return false, err
					}
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// Shrink halves the top-level capacity when the load factor is low
// enough: the top level is copied into a fresh interim half the size of
// the bottom, then the levels are relabeled.  The index is untouched if
// the migration fails.
func (h *LevelHash) Shrink() error {
	if err := h.guard(); err != nil {
		return err
	}
	if h.state != stateSteady {
		return fmt.Errorf("levelhash: resize already in progress: %w", ErrExpansionFailed)
	}
	l := h.meta.LevelSize()
	if l <= h.opts.MinLevelSize {
		return fmt.Errorf("levelhash: level size %d at configured minimum %d: %w", l, h.opts.MinLevelSize, ErrShrinkDenied)
	}
	if lf := h.LoadFactor(); lf > h.opts.ShrinkThreshold-h.opts.ShrinkHysteresis {
		return fmt.Errorf("levelhash: load factor %.3f above shrink threshold: %w", lf, ErrShrinkDenied)
	}
	h.state = stateShrinking
	defer func() { h.state = stateSteady }()

	if err := h.km.PrepareInterim(uint32(1) << (l - 2)); err != nil {
		return err
	}

	// copy, don't move: the steady levels stay authoritative until commit
	bs := h.km.BucketSize()
	topBuckets := h.km.Buckets(keymap.Top)
	budget := int(h.counts[0]+1) * displacementsPerStraggler
	for b := uint32(0); b < topBuckets; b++ {
		for j := uint32(0); j < bs; j++ {
			addr, err := h.km.ReadSlot(keymap.Top, b, j)
			if err != nil {
				_ = h.km.AbandonInterim()
				return err
			}
			if addr == 0 {
				continue
			}
			placed, err := h.displaceIntoInterim(addr, &budget)
			if err != nil {
				_ = h.km.AbandonInterim()
				return err
			}
			if !placed {
				_ = h.km.AbandonInterim()
				return fmt.Errorf("levelhash: shrink found no interim slot: %w", ErrExpansionFailed)
			}
		}
	}

	if err := h.km.CommitShrink(l - 1); err != nil {
		return err
	}
	h.counts[0], h.counts[1] = h.counts[1], h.counts[0]
	return h.flushOrdered()
}

// Clear removes every entry, resetting the files to their freshly-created
// state.
func (h *LevelHash) Clear() error {
	if err := h.guard(); err != nil {
		return err
	}
	if err := h.vals.Clear(); err != nil {
		return err
	}
	if err := h.km.Clear(); err != nil {
		return err
	}
	h.counts = [2]uint64{}
	h.state = stateSteady
	return h.flushOrdered()
}

// recount scans both levels to establish the per-level occupancy.
func (h *LevelHash) recount() error {
	h.counts = [2]uint64{}
	bs := h.km.BucketSize()
	for _, level := range [2]int{keymap.Top, keymap.Bottom} {
		for b := uint32(0); b < h.km.Buckets(level); b++ {
			for j := uint32(0); j < bs; j++ {
				addr, err := h.km.ReadSlot(level, b, j)
				if err != nil {
					return err
				}
				if addr != 0 {
					h.counts[level]++
				}
			}
		}
	}
	return nil
}

// flushOrdered is the per-operation durability barrier: values first,
// then keymap, then metadata, so a flushed slot always refers to a
// flushed entry and flushed metadata never leads either file.
func (h *LevelHash) flushOrdered() error {
	if err := h.vals.Flush(); err != nil {
		return err
	}
	if err := h.km.Flush(); err != nil {
		return err
	}
	return h.meta.Flush()
}

func (h *LevelHash) closeAll() error {
	err := h.vals.Close()
	if kerr := h.km.Close(); err == nil {
		err = kerr
	}
	if merr := h.meta.Close(); err == nil {
		err = merr
	}
	if lerr := h.lock.release(); err == nil {
		err = lerr
	}
	h.closed = true
	return err
}

// Close flushes and unmaps the three backing files in dependency order:
// values, keymap, metadata last.
func (h *LevelHash) Close() error {
	if h.closed {
		return nil
	}
	if !h.poisoned {
		if err := h.flushOrdered(); err != nil {
			_ = h.closeAll()
			return err
		}
	}
	return h.closeAll()
}

// Destroy closes the handle and removes the backing files.
func (h *LevelHash) Destroy() error {
	err := h.Close()
	base := filepath.Join(h.dir, h.name+indexExt)
	for _, p := range []string{base, base + "._keymap", base + "._meta", base + "._lock"} {
		if rerr := os.Remove(p); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	}
	return err
}
