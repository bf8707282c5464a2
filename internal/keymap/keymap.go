// Copyright 2025 The levelhash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package keymap implements the slot arrays of a level hash index.  Each
// slot is a u64 holding the 1-based address of a values entry, 0 if empty.
// The two steady-state levels live at the offsets recorded in the
// metadata; a third, interim level exists only while an expansion or
// shrink is migrating slots.
package keymap

import (
	"fmt"

	"github.com/openkv/levelhash/internal/meta"
	"github.com/openkv/levelhash/internal/mmapfile"
)

// Magic identifies a keymap file ("LVHKMAP1", little-endian).
const Magic uint64 = 0x3150414d4b48564c

const fileHeaderSize = 8 // magic

// Level indices accepted by the slot accessors.
const (
	Top     = 0
	Bottom  = 1
	Interim = 2
)

// Map is the keymap file of one index.
type Map struct {
	r    *mmapfile.Region
	meta *meta.Store

	hasInterim     bool
	interimAddr    uint64 // offset within the region, like the level addrs
	interimBuckets uint32
}

// Open opens or creates the keymap file.  If the file extends beyond the
// two steady-state levels by at least one expansion interim (twice the top
// level) and that span holds any non-zero slot, a half-completed expansion
// left an interim level behind; it is exposed via HasInterim so the owner
// can resume the migration.  Any other overhang is discarded.
func Open(path string, m *meta.Store) (*Map, error) {
	used := m.KeymapUsedBytes()
	r, err := mmapfile.Open(path, fileHeaderSize+int64(used))
	if err != nil {
		return nil, err
	}
	if err := r.CheckMagic(Magic); err != nil {
		_ = r.Close()
		return nil, err
	}
	km := &Map{r: r, meta: m}

	actual := uint64(r.Size()) - fileHeaderSize
	if actual > used {
		expBuckets := uint32(2) << m.LevelSize()
		expBytes := uint64(expBuckets) * uint64(m.BucketSize()) * meta.SlotSize
		if actual-used >= expBytes && km.anyNonZero(used, expBytes) {
			km.hasInterim = true
			km.interimAddr = used
			km.interimBuckets = expBuckets
		} else {
			// stale leftover of an abandoned resize
			if err := r.Resize(fileHeaderSize + int64(used)); err != nil {
				_ = r.Close()
				return nil, err
			}
		}
	}
	return km, nil
}

func (km *Map) anyNonZero(off, n uint64) bool {
	for i := uint64(0); i+meta.SlotSize <= n; i += meta.SlotSize {
		v, err := km.r.ReadU64(fileHeaderSize + int64(off+i))
		if err == nil && v != 0 {
			return true
		}
	}
	return false
}

// Buckets returns the bucket count of the given level.
func (km *Map) Buckets(level int) uint32 {
	switch level {
	case Top:
		return uint32(1) << km.meta.LevelSize()
	case Bottom:
		return uint32(1) << (km.meta.LevelSize() - 1)
	case Interim:
		return km.interimBuckets
	}
	panic(fmt.Sprintf("keymap: invalid level %d", level))
}

// BucketSize returns the number of slots per bucket.
func (km *Map) BucketSize() uint32 {
	return uint32(km.meta.BucketSize())
}

func (km *Map) levelAddr(level int) uint64 {
	switch level {
	case Top:
		return km.meta.L0Addr()
	case Bottom:
		return km.meta.L1Addr()
	case Interim:
		if !km.hasInterim {
			panic("keymap: no interim level")
		}
		return km.interimAddr
	}
	panic(fmt.Sprintf("keymap: invalid level %d", level))
}

func (km *Map) slotOff(level int, bucket, slot uint32) int64 {
	base := km.levelAddr(level)
	idx := uint64(bucket)*uint64(km.meta.BucketSize()) + uint64(slot)
	return fileHeaderSize + int64(base+idx*meta.SlotSize)
}

// ReadSlot returns the address stored in the slot, 0 if empty.
func (km *Map) ReadSlot(level int, bucket, slot uint32) (uint64, error) {
	return km.r.ReadU64(km.slotOff(level, bucket, slot))
}

// WriteSlot stores a values entry address in the slot.
func (km *Map) WriteSlot(level int, bucket, slot uint32, addr uint64) error {
	return km.r.WriteU64(km.slotOff(level, bucket, slot), addr)
}

// ClearSlot marks the slot empty.
func (km *Map) ClearSlot(level int, bucket, slot uint32) error {
	return km.r.WriteU64(km.slotOff(level, bucket, slot), 0)
}

// HasInterim reports whether an interim level is present.
func (km *Map) HasInterim() bool {
	return km.hasInterim
}

// PrepareInterim allocates an interim level with the given bucket count at
// the end of the used keymap region.  The fresh slots read as zero.
func (km *Map) PrepareInterim(buckets uint32) error {
	if km.hasInterim {
		return fmt.Errorf("%s: interim level already present", km.r.Path())
	}
	addr := km.meta.KeymapUsedBytes()
	bytes := uint64(buckets) * uint64(km.meta.BucketSize()) * meta.SlotSize
	if err := km.r.Resize(fileHeaderSize + int64(addr+bytes)); err != nil {
		return err
	}
	km.hasInterim = true
	km.interimAddr = addr
	km.interimBuckets = buckets
	return nil
}

// CommitExpansion relabels the levels after all bottom slots have been
// migrated: the old top becomes the bottom, the interim becomes the top.
// The displaced old-bottom region is hole-punched.
func (km *Map) CommitExpansion(newLevelSize uint8) error {
	if !km.hasInterim {
		return fmt.Errorf("%s: no interim level to commit", km.r.Path())
	}
	oldL1 := km.meta.L1Addr()
	oldL1Bytes := km.meta.LevelBytes(Bottom)
	km.meta.SetL1Addr(km.meta.L0Addr())
	km.meta.SetL0Addr(km.interimAddr)
	km.meta.SetLevelSize(newLevelSize)
	km.hasInterim = false
	km.interimBuckets = 0
	return km.r.Deallocate(fileHeaderSize+int64(oldL1), int64(oldL1Bytes))
}

// CommitShrink relabels the levels after all top slots have been copied
// into the interim: the old bottom becomes the top, the interim becomes
// the bottom.  The displaced old-top region is hole-punched.
func (km *Map) CommitShrink(newLevelSize uint8) error {
	if !km.hasInterim {
		return fmt.Errorf("%s: no interim level to commit", km.r.Path())
	}
	oldL0 := km.meta.L0Addr()
	oldL0Bytes := km.meta.LevelBytes(Top)
	km.meta.SetL0Addr(km.meta.L1Addr())
	km.meta.SetL1Addr(km.interimAddr)
	km.meta.SetLevelSize(newLevelSize)
	km.hasInterim = false
	km.interimBuckets = 0
	return km.r.Deallocate(fileHeaderSize+int64(oldL0), int64(oldL0Bytes))
}

// AbandonInterim discards the interim level after a failed migration and
// truncates the file back to its steady-state extent.
func (km *Map) AbandonInterim() error {
	if !km.hasInterim {
		return nil
	}
	km.hasInterim = false
	km.interimBuckets = 0
	return km.r.Resize(fileHeaderSize + int64(km.meta.KeymapUsedBytes()))
}

// Clear zeroes every slot and re-homes the levels to their initial
// addresses: top at 0, bottom right after it.
func (km *Map) Clear() error {
	km.hasInterim = false
	km.interimBuckets = 0
	km.meta.SetL0Addr(0)
	km.meta.SetL1Addr(km.meta.LevelBytes(Top))
	used := km.meta.KeymapUsedBytes()
	if err := km.r.Resize(fileHeaderSize + int64(used)); err != nil {
		return err
	}
	return km.r.Deallocate(fileHeaderSize, int64(used))
}

// Flush is the keymap durability barrier.
func (km *Map) Flush() error {
	return km.r.Sync()
}

// Close flushes and unmaps the keymap file.
func (km *Map) Close() error {
	return km.r.Close()
}
