// Copyright 2025 The levelhash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package levelhash

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-farm"
	"github.com/spaolacci/murmur3"
)

// HashProvider supplies the two independent 64-bit hash functions that
// place keys into buckets.  Both functions must be deterministic across
// process lifetimes: reopening an index with a provider that hashes
// differently makes every stored key unreachable.
type HashProvider interface {
	Hash1(key []byte) uint64
	Hash2(key []byte) uint64
}

type seededProvider struct {
	seed1  uint64
	seed2  uint64
	digest *xxhash.Digest
}

// NewSeededHashProvider returns the default provider: seeded farmhash for
// the first function and seeded xxHash for the second.  The same seed pair
// must be used every time the same index is opened.
func NewSeededHashProvider(seed1, seed2 uint64) HashProvider {
	return &seededProvider{
		seed1:  seed1,
		seed2:  seed2,
		digest: xxhash.NewWithSeed(seed2),
	}
}

func (p *seededProvider) Hash1(key []byte) uint64 {
	return farm.Hash64WithSeed(key, p.seed1)
}

func (p *seededProvider) Hash2(key []byte) uint64 {
	p.digest.ResetWithSeed(p.seed2)
	_, _ = p.digest.Write(key)
	return p.digest.Sum64()
}

type murmurProvider struct {
	seed1 uint32
	seed2 uint32
}

// NewMurmur3HashProvider returns a provider backed by two seeded
// MurmurHash3 functions.
func NewMurmur3HashProvider(seed1, seed2 uint32) HashProvider {
	return &murmurProvider{seed1: seed1, seed2: seed2}
}

func (p *murmurProvider) Hash1(key []byte) uint64 {
	return murmur3.Sum64WithSeed(key, p.seed1)
}

func (p *murmurProvider) Hash2(key []byte) uint64 {
	return murmur3.Sum64WithSeed(key, p.seed2)
}

// GenerateSeeds returns a random pair of distinct, non-zero seeds.
// Callers must persist the pair themselves: an index is only readable with
// the seeds it was created with.
func GenerateSeeds() (uint64, uint64, error) {
	var buf [16]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, 0, fmt.Errorf("levelhash: generating seeds: %w", err)
		}
		s1 := binary.LittleEndian.Uint64(buf[:8])
		s2 := binary.LittleEndian.Uint64(buf[8:])
		if s1 != 0 && s2 != 0 && s1 != s2 {
			return s1, s2, nil
		}
	}
}
