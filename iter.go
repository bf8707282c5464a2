// Copyright 2025 The levelhash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package levelhash

import "github.com/openkv/levelhash/internal/values"

// Iterator walks the index lazily in insertion order.  The byte slices it
// returns are copies and remain valid after the iterator advances.
type Iterator struct {
	inner *values.Iter
	err   error
}

// Iter returns an iterator positioned before the oldest entry.  Mutating
// the index invalidates outstanding iterators.
func (h *LevelHash) Iter() *Iterator {
	if err := h.guard(); err != nil {
		return &Iterator{err: err}
	}
	return &Iterator{inner: h.vals.Iter()}
}

// Next returns the next key/value pair.  It returns false at the end of
// the index or on error; check Err afterwards.
func (it *Iterator) Next() (key, value []byte, ok bool) {
	if it.err != nil {
		return nil, nil, false
	}
	e, ok := it.inner.Next()
	if !ok {
		it.err = it.inner.Err()
		return nil, nil, false
	}
	return e.Key, e.Value, true
}

// Err returns the error that terminated iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}
