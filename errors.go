// Copyright 2025 The levelhash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package levelhash

import (
	"errors"

	"github.com/openkv/levelhash/internal/meta"
	"github.com/openkv/levelhash/internal/mmapfile"
	"github.com/openkv/levelhash/internal/values"
)

var (
	// ErrKeyExists is returned by Insert when the key is already present.
	ErrKeyExists = errors.New("levelhash: key already exists")

	// ErrKeyNotFound is returned by Get, Update and Delete for absent keys.
	ErrKeyNotFound = errors.New("levelhash: key not found")

	// ErrLevelOverflow is returned by Insert when no slot can be found and
	// expansion is disabled.
	ErrLevelOverflow = errors.New("levelhash: index is full and expansion is disabled")

	// ErrExpansionFailed is returned when a resize migration cannot place
	// every entry, when the level size limit is reached, or when Insert
	// still finds no slot after repeated expansions.  A migration that
	// cannot place an entry leaves the index in its pre-resize state; the
	// expansions Insert completed before giving up are kept.
	ErrExpansionFailed = errors.New("levelhash: expansion failed")

	// ErrShrinkDenied is returned by Shrink when the load factor or level
	// size conditions for shrinking are not met.
	ErrShrinkDenied = errors.New("levelhash: shrink conditions not met")

	// ErrClosed is returned by every operation on a closed handle, or on a
	// handle poisoned by ErrCorruptEntry or ErrBadMagic.
	ErrClosed = errors.New("levelhash: handle is closed")

	// ErrLocked is returned by Open when another handle holds the index.
	ErrLocked = errors.New("levelhash: index is locked by another handle")

	// ErrBadMagic is returned by Open when a backing file does not carry
	// the expected magic number.  Fatal to the handle.
	ErrBadMagic = mmapfile.ErrBadMagic

	// ErrOutOfSpace is returned when a backing file cannot grow.
	ErrOutOfSpace = mmapfile.ErrOutOfSpace

	// ErrVersionMismatch is returned by Open when the on-disk format
	// versions differ from the ones this package writes.
	ErrVersionMismatch = meta.ErrVersionMismatch

	// ErrCorruptEntry is returned when a values entry fails validation.
	// Fatal to the handle.
	ErrCorruptEntry = values.ErrCorruptEntry
)
