// Copyright 2025 The levelhash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package mmapfile provides a growable, memory-mapped file region with
// little-endian fixed-width accessors, hole punching and durability
// barriers.  It is the storage primitive under the values, keymap and
// metadata files of a level hash index.
package mmapfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// ErrBadMagic is returned when a file's magic number does not match
	// the expected constant for its kind.
	ErrBadMagic = errors.New("bad magic number")

	// ErrOutOfSpace is returned when the backing file cannot grow.
	ErrOutOfSpace = errors.New("region cannot grow")
)

// Region is a contiguous byte range of a file mapped read/write into the
// process address space.  All offsets are absolute file offsets.  A Region
// is not safe for concurrent use.
type Region struct {
	path  string
	f     *os.File
	data  []byte
	size  int64
	punch bool // hole punching available on this filesystem
}

// Open opens or creates the file at path, ensures its length is at least
// initialSize and maps it read/write.
func Open(path string, initialSize int64) (*Region, error) {
	if initialSize <= 0 {
		return nil, fmt.Errorf("mmapfile.Open(%s): invalid initial size %d", path, initialSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("f.Stat(%s): %w", path, err)
	}
	size := st.Size()
	if size < initialSize {
		if err := f.Truncate(initialSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("f.Truncate(%s, %d): %w", path, initialSize, err)
		}
		size = initialSize
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("unix.Mmap(%s, %d): %w", path, size, err)
	}
	// index access is random by nature; don't let the kernel read ahead
	_ = unix.Madvise(data, unix.MADV_RANDOM)
	return &Region{
		path:  path,
		f:     f,
		data:  data,
		size:  size,
		punch: true,
	}, nil
}

// Path returns the path of the backing file.
func (r *Region) Path() string {
	return r.path
}

// Size returns the current mapped length in bytes.
func (r *Region) Size() int64 {
	return r.size
}

func (r *Region) check(off, n int64) error {
	if off < 0 || n < 0 || off+n > r.size {
		return fmt.Errorf("%s: range [%d, %d) out of bounds (size %d)", r.path, off, off+n, r.size)
	}
	return nil
}

// ReadU8 reads the byte at off.
func (r *Region) ReadU8(off int64) (uint8, error) {
	if err := r.check(off, 1); err != nil {
		return 0, err
	}
	return r.data[off], nil
}

// WriteU8 writes a byte at off.
func (r *Region) WriteU8(off int64, v uint8) error {
	if err := r.check(off, 1); err != nil {
		return err
	}
	r.data[off] = v
	return nil
}

// ReadU32 reads a little-endian uint32 at off.  No alignment is required.
func (r *Region) ReadU32(off int64) (uint32, error) {
	if err := r.check(off, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.data[off : off+4]), nil
}

// WriteU32 writes a little-endian uint32 at off.
func (r *Region) WriteU32(off int64, v uint32) error {
	if err := r.check(off, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(r.data[off:off+4], v)
	return nil
}

// ReadU64 reads a little-endian uint64 at off.
func (r *Region) ReadU64(off int64) (uint64, error) {
	if err := r.check(off, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.data[off : off+8]), nil
}

// WriteU64 writes a little-endian uint64 at off.
func (r *Region) WriteU64(off int64, v uint64) error {
	if err := r.check(off, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(r.data[off:off+8], v)
	return nil
}

// ReadBytes returns a copy of the n bytes at off.
func (r *Region) ReadBytes(off, n int64) ([]byte, error) {
	if err := r.check(off, n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.data[off:off+n])
	return b, nil
}

// BytesAt returns a view into the mapping.  The view is invalidated by
// Resize and Close; callers that need the bytes past the current operation
// must use ReadBytes.
func (r *Region) BytesAt(off, n int64) ([]byte, error) {
	if err := r.check(off, n); err != nil {
		return nil, err
	}
	return r.data[off : off+n : off+n], nil
}

// WriteBytes writes b at off.
func (r *Region) WriteBytes(off int64, b []byte) error {
	if err := r.check(off, int64(len(b))); err != nil {
		return err
	}
	copy(r.data[off:], b)
	return nil
}

// EqualAt reports whether the bytes at off equal b, without allocating.
func (r *Region) EqualAt(off int64, b []byte) bool {
	if r.check(off, int64(len(b))) != nil {
		return false
	}
	mapped := r.data[off : off+int64(len(b))]
	for i := range b {
		if mapped[i] != b[i] {
			return false
		}
	}
	return true
}

// Resize grows or shrinks the file to newSize and remaps it.  Bytes gained
// by growth read as zero.
func (r *Region) Resize(newSize int64) error {
	if newSize <= 0 {
		return fmt.Errorf("%s: invalid resize to %d", r.path, newSize)
	}
	if newSize == r.size {
		return nil
	}
	if err := unix.Munmap(r.data); err != nil {
		return fmt.Errorf("unix.Munmap(%s): %w", r.path, err)
	}
	r.data = nil
	if err := r.f.Truncate(newSize); err != nil {
		if errors.Is(err, unix.ENOSPC) {
			return fmt.Errorf("f.Truncate(%s, %d): %w", r.path, newSize, ErrOutOfSpace)
		}
		return fmt.Errorf("f.Truncate(%s, %d): %w", r.path, newSize, err)
	}
	data, err := unix.Mmap(int(r.f.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("unix.Mmap(%s, %d): %w", r.path, newSize, err)
	}
	_ = unix.Madvise(data, unix.MADV_RANDOM)
	r.data = data
	r.size = newSize
	return nil
}

// Deallocate punches a hole over [off, off+n) so that subsequent reads
// return zero bytes and physical storage is released.  The file's logical
// size is unchanged.  On filesystems without hole punching it degrades to
// writing zeros, which preserves the read-back semantics.
func (r *Region) Deallocate(off, n int64) error {
	if err := r.check(off, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if r.punch {
		err := unix.Fallocate(int(r.f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, n)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EOPNOTSUPP) && !errors.Is(err, unix.ENOSYS) {
			return fmt.Errorf("unix.Fallocate(%s, punch, %d, %d): %w", r.path, off, n, err)
		}
		r.punch = false
	}
	zeroRange(r.data[off : off+n])
	return nil
}

func zeroRange(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Flush is a durability barrier for [off, off+n): it blocks until the
// dirty pages covering the range have reached storage.
func (r *Region) Flush(off, n int64) error {
	if err := r.check(off, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	pageSize := int64(os.Getpagesize())
	start := off &^ (pageSize - 1)
	if err := unix.Msync(r.data[start:off+n], unix.MS_SYNC); err != nil {
		return fmt.Errorf("unix.Msync(%s, %d, %d): %w", r.path, off, n, err)
	}
	return nil
}

// Sync flushes the whole mapping.
func (r *Region) Sync() error {
	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("unix.Msync(%s): %w", r.path, err)
	}
	return nil
}

// Close flushes, unmaps and closes the region.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := r.Sync()
	if uerr := unix.Munmap(r.data); err == nil && uerr != nil {
		err = fmt.Errorf("unix.Munmap(%s): %w", r.path, uerr)
	}
	r.data = nil
	if cerr := r.f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("f.Close(%s): %w", r.path, cerr)
	}
	return err
}

// CheckMagic validates the u64 magic number at offset 0, stamping it on a
// freshly created file (all-zero header).
func (r *Region) CheckMagic(want uint64) error {
	got, err := r.ReadU64(0)
	if err != nil {
		return err
	}
	if got == 0 {
		return r.WriteU64(0, want)
	}
	if got != want {
		return fmt.Errorf("%s: magic %#x, want %#x: %w", r.path, got, want, ErrBadMagic)
	}
	return nil
}
