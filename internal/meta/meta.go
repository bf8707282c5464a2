// Copyright 2025 The levelhash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package meta maintains the fixed-layout header file of a level hash
// index: format versions, values-list endpoints, values file size, and
// keymap geometry.  Every field mutation writes through the mapping; the
// owner flushes at operation boundaries.
package meta

import (
	"errors"
	"fmt"

	"github.com/openkv/levelhash/internal/mmapfile"
)

// Format versions of the values and keymap files.  A file written by a
// different format version cannot be opened.
const (
	ValuesVersion uint32 = 1
	KeymapVersion uint32 = 1
)

// SlotSize is the width of one keymap slot in bytes.
const SlotSize = 8

// Size is the on-disk size of the metadata file.
const Size = 50

// Field offsets.  The layout is load-bearing: it is the on-disk format.
const (
	offValuesVersion  = 0  // u32
	offKeymapVersion  = 4  // u32
	offValuesHead     = 8  // u64, 1-based entry address, 0 = none
	offValuesTail     = 16 // u64
	offValuesFileSize = 24 // u64, bytes after the values file header
	offLevelSize      = 32 // u8, log2 of top-level bucket count
	offBucketSize     = 33 // u8, slots per bucket
	offL0Addr         = 34 // u64, top level offset within the keymap region
	offL1Addr         = 42 // u64, bottom level offset
)

// ErrVersionMismatch is returned when the on-disk format versions differ
// from the ones this package writes.
var ErrVersionMismatch = errors.New("on-disk format version mismatch")

// Store is the metadata file of one index.
type Store struct {
	r *mmapfile.Region
}

// Open opens or creates the metadata file.  A fresh file is initialized
// with the given geometry; for an existing file the on-disk geometry wins
// and levelSize/bucketSize are ignored.
func Open(path string, levelSize, bucketSize uint8) (*Store, error) {
	r, err := mmapfile.Open(path, Size)
	if err != nil {
		return nil, err
	}
	s := &Store{r: r}

	vv := s.mustU32(offValuesVersion)
	kv := s.mustU32(offKeymapVersion)
	if vv == 0 && kv == 0 {
		// fresh file
		s.mustPutU32(offValuesVersion, ValuesVersion)
		s.mustPutU32(offKeymapVersion, KeymapVersion)
		s.mustPutU8(offLevelSize, levelSize)
		s.mustPutU8(offBucketSize, bucketSize)
		// top level at the start of the region, bottom level right after
		s.mustPutU64(offL0Addr, 0)
		s.mustPutU64(offL1Addr, levelBytes(levelSize, bucketSize, 0))
		if err := s.Flush(); err != nil {
			_ = r.Close()
			return nil, err
		}
		return s, nil
	}
	if vv != ValuesVersion || kv != KeymapVersion {
		_ = r.Close()
		return nil, fmt.Errorf("%s: values v%d keymap v%d, want v%d/v%d: %w",
			path, vv, kv, ValuesVersion, KeymapVersion, ErrVersionMismatch)
	}
	return s, nil
}

// the metadata region is fixed-size and offsets are compile-time
// constants, so bounds failures are programming errors
func (s *Store) mustU32(off int64) uint32 {
	v, err := s.r.ReadU32(off)
	if err != nil {
		panic(err)
	}
	return v
}

func (s *Store) mustU64(off int64) uint64 {
	v, err := s.r.ReadU64(off)
	if err != nil {
		panic(err)
	}
	return v
}

func (s *Store) mustU8(off int64) uint8 {
	v, err := s.r.ReadU8(off)
	if err != nil {
		panic(err)
	}
	return v
}

func (s *Store) mustPutU32(off int64, v uint32) {
	if err := s.r.WriteU32(off, v); err != nil {
		panic(err)
	}
}

func (s *Store) mustPutU64(off int64, v uint64) {
	if err := s.r.WriteU64(off, v); err != nil {
		panic(err)
	}
}

func (s *Store) mustPutU8(off int64, v uint8) {
	if err := s.r.WriteU8(off, v); err != nil {
		panic(err)
	}
}

// ValuesHead returns the 1-based address of the first values entry, 0 if
// the list is empty.
func (s *Store) ValuesHead() uint64 { return s.mustU64(offValuesHead) }

// SetValuesHead records the new head address.
func (s *Store) SetValuesHead(addr uint64) { s.mustPutU64(offValuesHead, addr) }

// ValuesTail returns the 1-based address of the last values entry.
func (s *Store) ValuesTail() uint64 { return s.mustU64(offValuesTail) }

// SetValuesTail records the new tail address.
func (s *Store) SetValuesTail(addr uint64) { s.mustPutU64(offValuesTail, addr) }

// ValuesFileSize returns the size in bytes of the values region, not
// counting the file header.
func (s *Store) ValuesFileSize() uint64 { return s.mustU64(offValuesFileSize) }

// SetValuesFileSize records the new values region size.
func (s *Store) SetValuesFileSize(n uint64) { s.mustPutU64(offValuesFileSize, n) }

// LevelSize returns the log2 of the top-level bucket count.
func (s *Store) LevelSize() uint8 { return s.mustU8(offLevelSize) }

// SetLevelSize records a new level size after an expansion or shrink.
func (s *Store) SetLevelSize(v uint8) { s.mustPutU8(offLevelSize, v) }

// BucketSize returns the number of slots per bucket.
func (s *Store) BucketSize() uint8 { return s.mustU8(offBucketSize) }

// L0Addr returns the byte offset of the top level within the keymap region.
func (s *Store) L0Addr() uint64 { return s.mustU64(offL0Addr) }

// SetL0Addr records the top level offset.
func (s *Store) SetL0Addr(addr uint64) { s.mustPutU64(offL0Addr, addr) }

// L1Addr returns the byte offset of the bottom level within the keymap region.
func (s *Store) L1Addr() uint64 { return s.mustU64(offL1Addr) }

// SetL1Addr records the bottom level offset.
func (s *Store) SetL1Addr(addr uint64) { s.mustPutU64(offL1Addr, addr) }

func levelBytes(levelSize, bucketSize uint8, level int) uint64 {
	buckets := uint64(1) << levelSize
	if level == 1 {
		buckets >>= 1
	}
	return buckets * uint64(bucketSize) * SlotSize
}

// LevelBytes returns the byte length of the given level's slot array.
func (s *Store) LevelBytes(level int) uint64 {
	return levelBytes(s.LevelSize(), s.BucketSize(), level)
}

// KeymapUsedBytes returns the extent of the keymap region covered by the
// two steady-state levels.
func (s *Store) KeymapUsedBytes() uint64 {
	l0End := s.L0Addr() + s.LevelBytes(0)
	l1End := s.L1Addr() + s.LevelBytes(1)
	if l0End > l1End {
		return l0End
	}
	return l1End
}

// Flush is the metadata durability barrier.
func (s *Store) Flush() error {
	return s.r.Sync()
}

// Close flushes and unmaps the metadata file.
func (s *Store) Close() error {
	return s.r.Close()
}
