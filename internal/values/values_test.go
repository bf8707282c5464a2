// Copyright 2025 The levelhash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package values

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openkv/levelhash/internal/meta"
	"github.com/openkv/levelhash/internal/mmapfile"
)

func newTestStore(t *testing.T) (*Store, *meta.Store, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := meta.Open(filepath.Join(dir, "test.index._meta"), 2, 4)
	require.NoError(t, err)
	path := filepath.Join(dir, "test.index")
	s, err := Open(path, m)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = m.Close()
	})
	return s, m, path
}

func TestAppendLinksEntries(t *testing.T) {
	s, m, _ := newTestStore(t)

	// fixed header is 40 bytes, so "keyN" + "valueN" entries are 50 each
	addr1, err := s.Append([]byte("key0"), []byte("value0"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), addr1)

	addr2, err := s.Append([]byte("key1"), []byte("value1"))
	require.NoError(t, err)
	require.Equal(t, uint64(51), addr2)

	addr3, err := s.Append([]byte("key2"), []byte("value2"))
	require.NoError(t, err)
	require.Equal(t, uint64(101), addr3)

	require.Equal(t, addr1, m.ValuesHead())
	require.Equal(t, addr3, m.ValuesTail())

	e1, err := s.ReadEntry(addr1)
	require.NoError(t, err)
	require.Equal(t, uint64(50), e1.Size)
	require.Zero(t, e1.Prev)
	require.Equal(t, addr2, e1.Next)
	require.Equal(t, []byte("key0"), e1.Key)
	require.Equal(t, []byte("value0"), e1.Value)

	e2, err := s.ReadEntry(addr2)
	require.NoError(t, err)
	require.Equal(t, addr1, e2.Prev)
	require.Equal(t, addr3, e2.Next)

	e3, err := s.ReadEntry(addr3)
	require.NoError(t, err)
	require.Equal(t, addr2, e3.Prev)
	require.Zero(t, e3.Next)
}

func TestKeyHelpers(t *testing.T) {
	s, _, _ := newTestStore(t)

	addr, err := s.Append([]byte("apple"), []byte("red"))
	require.NoError(t, err)

	k, err := s.ReadKey(addr)
	require.NoError(t, err)
	require.Equal(t, []byte("apple"), k)

	eq, err := s.KeyEquals(addr, []byte("apple"))
	require.NoError(t, err)
	require.True(t, eq)

	eq, err = s.KeyEquals(addr, []byte("apples"))
	require.NoError(t, err)
	require.False(t, eq)

	v, err := s.ReadValue(addr)
	require.NoError(t, err)
	require.Equal(t, []byte("red"), v)
}

func TestRemoveHeadMiddleTail(t *testing.T) {
	s, m, _ := newTestStore(t)

	var addrs []uint64
	for i := 0; i < 5; i++ {
		a, err := s.Append([]byte(fmt.Sprintf("key%d", i)), []byte(fmt.Sprintf("value%d", i)))
		require.NoError(t, err)
		addrs = append(addrs, a)
	}

	// middle
	v, err := s.Remove(addrs[2])
	require.NoError(t, err)
	require.Equal(t, []byte("value2"), v)
	e1, err := s.ReadEntry(addrs[1])
	require.NoError(t, err)
	require.Equal(t, addrs[3], e1.Next)
	e3, err := s.ReadEntry(addrs[3])
	require.NoError(t, err)
	require.Equal(t, addrs[1], e3.Prev)

	// head
	_, err = s.Remove(addrs[0])
	require.NoError(t, err)
	require.Equal(t, addrs[1], m.ValuesHead())
	e1, err = s.ReadEntry(addrs[1])
	require.NoError(t, err)
	require.Zero(t, e1.Prev)

	// tail
	_, err = s.Remove(addrs[4])
	require.NoError(t, err)
	require.Equal(t, addrs[3], m.ValuesTail())
	e3, err = s.ReadEntry(addrs[3])
	require.NoError(t, err)
	require.Zero(t, e3.Next)

	// removed ranges read as zero, including the header
	_, err = s.ReadEntry(addrs[2])
	require.ErrorIs(t, err, ErrCorruptEntry)
}

func TestForwardAndReverseTraversalAgree(t *testing.T) {
	s, m, _ := newTestStore(t)

	var addrs []uint64
	for i := 0; i < 8; i++ {
		a, err := s.Append([]byte(fmt.Sprintf("key%d", i)), []byte("v"))
		require.NoError(t, err)
		addrs = append(addrs, a)
	}
	_, err := s.Remove(addrs[0])
	require.NoError(t, err)
	_, err = s.Remove(addrs[3])
	require.NoError(t, err)
	_, err = s.Remove(addrs[7])
	require.NoError(t, err)

	var forward []uint64
	for addr := m.ValuesHead(); addr != 0; {
		e, err := s.ReadEntry(addr)
		require.NoError(t, err)
		forward = append(forward, addr)
		addr = e.Next
	}
	var reverse []uint64
	for addr := m.ValuesTail(); addr != 0; {
		e, err := s.ReadEntry(addr)
		require.NoError(t, err)
		reverse = append(reverse, addr)
		addr = e.Prev
	}
	require.Equal(t, len(forward), len(reverse))
	for i := range forward {
		require.Equal(t, forward[i], reverse[len(reverse)-1-i])
	}
}

func TestUpdateValueInPlace(t *testing.T) {
	s, _, _ := newTestStore(t)

	addr, err := s.Append([]byte("k"), []byte("aaa"))
	require.NoError(t, err)
	require.NoError(t, s.UpdateValueInPlace(addr, []byte("bbb")))

	v, err := s.ReadValue(addr)
	require.NoError(t, err)
	require.Equal(t, []byte("bbb"), v)

	// size changes are not allowed in place
	require.Error(t, s.UpdateValueInPlace(addr, []byte("bbbb")))
}

func TestIterInsertionOrder(t *testing.T) {
	s, _, _ := newTestStore(t)

	for i := 0; i < 6; i++ {
		_, err := s.Append([]byte(fmt.Sprintf("key%d", i)), []byte(fmt.Sprintf("value%d", i)))
		require.NoError(t, err)
	}

	it := s.Iter()
	var keys []string
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		keys = append(keys, string(e.Key))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"key0", "key1", "key2", "key3", "key4", "key5"}, keys)
}

func TestAppendAddressesMonotonic(t *testing.T) {
	s, m, _ := newTestStore(t)

	a1, err := s.Append([]byte("first"), []byte("1"))
	require.NoError(t, err)
	a2, err := s.Append([]byte("second"), []byte("2"))
	require.NoError(t, err)

	// removing the tail must not make the next append reuse its range
	_, err = s.Remove(a2)
	require.NoError(t, err)
	require.Equal(t, a1, m.ValuesTail())

	a3, err := s.Append([]byte("third"), []byte("3"))
	require.NoError(t, err)
	require.Greater(t, a3, a2)
}

func TestGrowthBeyondSegment(t *testing.T) {
	s, m, _ := newTestStore(t)
	require.Equal(t, uint64(SegmentSize), m.ValuesFileSize())

	big := make([]byte, SegmentSize)
	for i := range big {
		big[i] = byte(i)
	}
	addr, err := s.Append([]byte("big"), big)
	require.NoError(t, err)
	require.Greater(t, m.ValuesFileSize(), uint64(SegmentSize))

	v, err := s.ReadValue(addr)
	require.NoError(t, err)
	require.Equal(t, big, v)
}

func TestCorruptHeaderDetected(t *testing.T) {
	s, m, path := newTestStore(t)

	addr, err := s.Append([]byte("fragile"), []byte("contents"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[8] ^= 0xFF // first byte of the first entry's entry_size
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	// the tail header is validated at open
	_, err = Open(path, m)
	require.ErrorIs(t, err, ErrCorruptEntry)
	_ = addr
}

func TestBadMagicRejected(t *testing.T) {
	s, m, path := newTestStore(t)
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[0] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = Open(path, m)
	require.ErrorIs(t, err, mmapfile.ErrBadMagic)
}

func TestClearResets(t *testing.T) {
	s, m, _ := newTestStore(t)

	for i := 0; i < 4; i++ {
		_, err := s.Append([]byte(fmt.Sprintf("key%d", i)), []byte("v"))
		require.NoError(t, err)
	}
	require.NoError(t, s.Clear())

	require.Zero(t, m.ValuesHead())
	require.Zero(t, m.ValuesTail())
	require.Equal(t, uint64(SegmentSize), m.ValuesFileSize())

	addr, err := s.Append([]byte("fresh"), []byte("start"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), addr)
}

func TestEmptyKeyRejected(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Append(nil, []byte("v"))
	require.Error(t, err)
}

func TestEmptyValueAllowed(t *testing.T) {
	s, _, _ := newTestStore(t)
	addr, err := s.Append([]byte("k"), nil)
	require.NoError(t, err)

	v, err := s.ReadValue(addr)
	require.NoError(t, err)
	require.Empty(t, v)
}
