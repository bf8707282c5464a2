// Copyright 2025 The levelhash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package levelhash

import "fmt"

// Geometry limits and defaults.
const (
	MaxLevelSize  = 31
	MaxBucketSize = 31

	DefaultLevelSize  = 8
	DefaultBucketSize = 4
)

// Options configure a LevelHash handle.  The zero value is not usable;
// start from DefaultOptions.
type Options struct {
	// LevelSize is the log2 of the top-level bucket count.  For an index
	// that already exists on disk, the stored geometry wins.
	LevelSize uint8

	// BucketSize is the number of slots per bucket.
	BucketSize uint8

	// Hashes supplies the two hash functions.  Required.
	Hashes HashProvider

	// AutoExpandThreshold is the load factor at which Insert expands the
	// index ahead of a placement failure.  Values >= 1 disable the
	// threshold; placement failure still triggers expansion unless
	// DisableExpansion is set.
	AutoExpandThreshold float64

	// DisableExpansion makes Insert return ErrLevelOverflow on placement
	// failure instead of expanding.
	DisableExpansion bool

	// ShrinkThreshold and ShrinkHysteresis gate Shrink: the request is
	// honored only when the load factor is at most
	// ShrinkThreshold - ShrinkHysteresis.
	ShrinkThreshold  float64
	ShrinkHysteresis float64

	// MinLevelSize is the floor below which Shrink refuses to go.
	MinLevelSize uint8
}

// DefaultOptions returns the recommended configuration.  Hashes is left
// nil and must be set by the caller.
func DefaultOptions() *Options {
	return &Options{
		LevelSize:           DefaultLevelSize,
		BucketSize:          DefaultBucketSize,
		AutoExpandThreshold: 0.9,
		ShrinkThreshold:     0.4,
		ShrinkHysteresis:    0.05,
		MinLevelSize:        2,
	}
}

func (o *Options) validate() error {
	if o.Hashes == nil {
		return fmt.Errorf("levelhash: options: hash provider is required")
	}
	if o.LevelSize < 1 || o.LevelSize > MaxLevelSize {
		return fmt.Errorf("levelhash: options: level size %d out of range [1, %d]", o.LevelSize, MaxLevelSize)
	}
	if o.BucketSize < 1 || o.BucketSize > MaxBucketSize {
		return fmt.Errorf("levelhash: options: bucket size %d out of range [1, %d]", o.BucketSize, MaxBucketSize)
	}
	if o.AutoExpandThreshold < 0.5 {
		return fmt.Errorf("levelhash: options: auto-expand threshold %.2f below 0.5", o.AutoExpandThreshold)
	}
	if o.ShrinkThreshold < 0 || o.ShrinkThreshold >= 1 {
		return fmt.Errorf("levelhash: options: shrink threshold %.2f out of range [0, 1)", o.ShrinkThreshold)
	}
	if o.MinLevelSize < 1 {
		return fmt.Errorf("levelhash: options: min level size must be at least 1")
	}
	return nil
}
