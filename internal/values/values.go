// Copyright 2025 The levelhash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package values implements the variable-length entry file of a level
// hash index.  Entries hold the raw key and value bytes and form a global
// doubly-linked list in insertion order; the keymap refers to entries by
// 1-based address, where a stored address a means byte offset a-1 past the
// file header and 0 means "none".
package values

import (
	"errors"
	"fmt"
	"math"

	"github.com/openkv/levelhash/internal/meta"
	"github.com/openkv/levelhash/internal/mmapfile"
)

// Magic identifies a values file ("LVHVALS1", little-endian).
const Magic uint64 = 0x31534c415648564c

// SegmentSize is the granularity of values file growth.
const SegmentSize = 512 * 1024

// EntryHeaderSize is the fixed per-entry overhead: u64 entry_size, u64
// prev_entry, u64 next_entry, u32 key_size, u32 value_size, and 8 reserved
// bytes that keep the key 8-byte aligned.  entry_size is always
// EntryHeaderSize + key_size + value_size.
const EntryHeaderSize = 40

const (
	fileHeaderSize = 8 // magic

	offEntrySize = 0
	offPrev      = 8
	offNext      = 16
	offKeySize   = 24
	offValueSize = 28
	offReserved  = 32
	offKey       = 40
)

// ErrCorruptEntry is returned when an entry's header is inconsistent with
// itself or with the bounds of the values file.  It is fatal to the index
// handle.
var ErrCorruptEntry = errors.New("corrupt values entry")

// Entry is a decoded values entry.
type Entry struct {
	Addr  uint64 // 1-based
	Size  uint64
	Prev  uint64 // 1-based, 0 = none
	Next  uint64
	Key   []byte
	Value []byte
}

// Store is the values file of one index.
type Store struct {
	r    *mmapfile.Region
	meta *meta.Store

	// 1-based address where the next entry will be placed.  While the store
	// is open, appends never reuse punched space, which keeps appended
	// addresses monotonically increasing.  Open re-derives the cursor from
	// the tail entry, so after a reopen that follows removal of the tail the
	// next append reuses the removed range; Clear restarts it at 1.
	nextAppend uint64
}

// Open opens or creates the values file, validating its magic number and
// sizing it according to the metadata.
func Open(path string, m *meta.Store) (*Store, error) {
	size := m.ValuesFileSize()
	if size == 0 {
		size = SegmentSize
		m.SetValuesFileSize(size)
	}
	r, err := mmapfile.Open(path, fileHeaderSize+int64(size))
	if err != nil {
		return nil, err
	}
	if err := r.CheckMagic(Magic); err != nil {
		_ = r.Close()
		return nil, err
	}
	s := &Store{r: r, meta: m, nextAppend: 1}
	if tail := m.ValuesTail(); tail != 0 {
		h, err := s.header(tail)
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		s.nextAppend = tail + h.size
	}
	return s, nil
}

func fileOff(addr uint64) int64 {
	return fileHeaderSize + int64(addr) - 1
}

func (s *Store) regionBytes() uint64 {
	return uint64(s.r.Size() - fileHeaderSize)
}

func (s *Store) corrupt(addr uint64, format string, args ...interface{}) error {
	detail := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: entry at %d: %s: %w", s.r.Path(), addr, detail, ErrCorruptEntry)
}

type entryHeader struct {
	size      uint64
	prev      uint64
	next      uint64
	keySize   uint32
	valueSize uint32
}

// header reads and validates the fixed part of the entry at addr.
func (s *Store) header(addr uint64) (entryHeader, error) {
	limit := s.regionBytes()
	if addr == 0 || addr-1+EntryHeaderSize > limit {
		return entryHeader{}, s.corrupt(addr, "header out of bounds (%d)", limit)
	}
	off := fileOff(addr)
	var h entryHeader
	h.size, _ = s.r.ReadU64(off + offEntrySize)
	h.prev, _ = s.r.ReadU64(off + offPrev)
	h.next, _ = s.r.ReadU64(off + offNext)
	h.keySize, _ = s.r.ReadU32(off + offKeySize)
	h.valueSize, _ = s.r.ReadU32(off + offValueSize)

	if h.size != EntryHeaderSize+uint64(h.keySize)+uint64(h.valueSize) {
		return entryHeader{}, s.corrupt(addr, "entry_size %d inconsistent with key_size %d + value_size %d", h.size, h.keySize, h.valueSize)
	}
	if addr-1+h.size > limit {
		return entryHeader{}, s.corrupt(addr, "entry_size %d beyond bounds (%d)", h.size, limit)
	}
	if h.prev != 0 && h.prev-1+EntryHeaderSize > limit {
		return entryHeader{}, s.corrupt(addr, "prev_entry %d out of bounds", h.prev)
	}
	if h.next != 0 && h.next-1+EntryHeaderSize > limit {
		return entryHeader{}, s.corrupt(addr, "next_entry %d out of bounds", h.next)
	}
	return h, nil
}

// ReadEntry reads and validates the full entry at addr, copying out the
// key and value bytes.
func (s *Store) ReadEntry(addr uint64) (Entry, error) {
	h, err := s.header(addr)
	if err != nil {
		return Entry{}, err
	}
	off := fileOff(addr)
	e := Entry{Addr: addr, Size: h.size, Prev: h.prev, Next: h.next}
	if e.Key, err = s.r.ReadBytes(off+offKey, int64(h.keySize)); err != nil {
		return Entry{}, err
	}
	if e.Value, err = s.r.ReadBytes(off+offKey+int64(h.keySize), int64(h.valueSize)); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// ReadKey returns a copy of the key bytes of the entry at addr.
func (s *Store) ReadKey(addr uint64) ([]byte, error) {
	h, err := s.header(addr)
	if err != nil {
		return nil, err
	}
	return s.r.ReadBytes(fileOff(addr)+offKey, int64(h.keySize))
}

// ReadValue returns a copy of the value bytes of the entry at addr.
func (s *Store) ReadValue(addr uint64) ([]byte, error) {
	e, err := s.ReadEntry(addr)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// KeyEquals reports whether the entry at addr stores exactly key.  The
// entry header is validated first, so a dangling slot surfaces as
// ErrCorruptEntry rather than a silent mismatch.
func (s *Store) KeyEquals(addr uint64, key []byte) (bool, error) {
	h, err := s.header(addr)
	if err != nil {
		return false, err
	}
	if int(h.keySize) != len(key) {
		return false, nil
	}
	return s.r.EqualAt(fileOff(addr)+offKey, key), nil
}

// Append writes a new entry holding (key, value) at the end of the list
// and returns its 1-based address.  The region grows by doubling segments
// until the entry fits.  Metadata endpoints are updated; flushing is the
// caller's responsibility.
func (s *Store) Append(key, value []byte) (uint64, error) {
	if len(key) == 0 {
		return 0, fmt.Errorf("%s: empty key not supported", s.r.Path())
	}
	if int64(len(key)) > math.MaxUint32 || int64(len(value)) > math.MaxUint32 {
		return 0, fmt.Errorf("%s: key (%d) or value (%d) too large", s.r.Path(), len(key), len(value))
	}
	need := uint64(EntryHeaderSize + len(key) + len(value))
	addr := s.nextAppend

	if addr-1+need > s.meta.ValuesFileSize() {
		newSize := s.meta.ValuesFileSize()
		inc := uint64(SegmentSize)
		for addr-1+need > newSize {
			newSize += inc
			inc *= 2
		}
		if err := s.r.Resize(fileHeaderSize + int64(newSize)); err != nil {
			return 0, err
		}
		s.meta.SetValuesFileSize(newSize)
	}

	off := fileOff(addr)
	tail := s.meta.ValuesTail()
	_ = s.r.WriteU64(off+offEntrySize, need)
	_ = s.r.WriteU64(off+offPrev, tail)
	_ = s.r.WriteU64(off+offNext, 0)
	_ = s.r.WriteU32(off+offKeySize, uint32(len(key)))
	_ = s.r.WriteU32(off+offValueSize, uint32(len(value)))
	_ = s.r.WriteU64(off+offReserved, 0)
	if err := s.r.WriteBytes(off+offKey, key); err != nil {
		return 0, err
	}
	if err := s.r.WriteBytes(off+offKey+int64(len(key)), value); err != nil {
		return 0, err
	}

	if tail != 0 {
		_ = s.r.WriteU64(fileOff(tail)+offNext, addr)
	} else {
		s.meta.SetValuesHead(addr)
	}
	s.meta.SetValuesTail(addr)
	s.nextAppend = addr + need
	return addr, nil
}

// UpdateValueInPlace rewrites the value bytes of the entry at addr.
// Allowed only when the new value has exactly the old value's size.
func (s *Store) UpdateValueInPlace(addr uint64, newValue []byte) error {
	h, err := s.header(addr)
	if err != nil {
		return err
	}
	if int(h.valueSize) != len(newValue) {
		return fmt.Errorf("%s: in-place update of entry %d: value size %d != %d", s.r.Path(), addr, len(newValue), h.valueSize)
	}
	return s.r.WriteBytes(fileOff(addr)+offKey+int64(h.keySize), newValue)
}

// Remove unlinks the entry at addr from the list, patches its neighbors
// (or the metadata endpoints at the ends) and punches a hole over its byte
// range.  Returns a copy of the removed value.
func (s *Store) Remove(addr uint64) ([]byte, error) {
	e, err := s.ReadEntry(addr)
	if err != nil {
		return nil, err
	}
	if e.Prev == addr || e.Next == addr {
		return nil, s.corrupt(addr, "entry linked to itself")
	}
	if e.Prev != 0 {
		_ = s.r.WriteU64(fileOff(e.Prev)+offNext, e.Next)
	}
	if e.Next != 0 {
		_ = s.r.WriteU64(fileOff(e.Next)+offPrev, e.Prev)
	}
	if s.meta.ValuesHead() == addr {
		s.meta.SetValuesHead(e.Next)
	}
	if s.meta.ValuesTail() == addr {
		s.meta.SetValuesTail(e.Prev)
	}
	if err := s.r.Deallocate(fileOff(addr), int64(e.Size)); err != nil {
		return nil, err
	}
	return e.Value, nil
}

// Clear resets the store to its freshly-created state: endpoints zeroed,
// region shrunk back to one segment and hole-punched.
func (s *Store) Clear() error {
	s.meta.SetValuesHead(0)
	s.meta.SetValuesTail(0)
	if err := s.r.Resize(fileHeaderSize + SegmentSize); err != nil {
		return err
	}
	s.meta.SetValuesFileSize(SegmentSize)
	if err := s.r.Deallocate(fileHeaderSize, SegmentSize); err != nil {
		return err
	}
	s.nextAppend = 1
	return nil
}

// Iter returns a lazy iterator over entries in insertion order.
func (s *Store) Iter() *Iter {
	return &Iter{s: s, next: s.meta.ValuesHead()}
}

// Iter walks the values list from the head entry.
type Iter struct {
	s    *Store
	next uint64
	err  error
}

// Next returns the next entry.  It returns false at the end of the list or
// on a corrupt entry; check Err afterwards.
func (it *Iter) Next() (Entry, bool) {
	if it.err != nil || it.next == 0 {
		return Entry{}, false
	}
	e, err := it.s.ReadEntry(it.next)
	if err != nil {
		it.err = err
		return Entry{}, false
	}
	it.next = e.Next
	return e, true
}

// Err returns the error that terminated iteration, if any.
func (it *Iter) Err() error {
	return it.err
}

// Flush is the values durability barrier.
func (s *Store) Flush() error {
	return s.r.Sync()
}

// Close flushes and unmaps the values file.
func (s *Store) Close() error {
	return s.r.Close()
}
