package refmap

import (
	"hash/maphash"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// Equivalence defines how keys are hashed and compared.
// Equal(a, b) must imply Hash(a) == Hash(b).
type Equivalence[T any] interface {
	Hash(v T) uint64
	Equal(a, b T) bool
}

// DefaultEquivalence uses the built-in == and a per-map random seed.
// For pointer keys this is identity, which is the only meaningful
// equivalence for weak and soft keys.
func DefaultEquivalence[T comparable]() Equivalence[T] {
	return comparableEquivalence[T]{seed: maphash.MakeSeed()}
}

type comparableEquivalence[T comparable] struct {
	seed maphash.Seed
}

func (e comparableEquivalence[T]) Hash(v T) uint64 {
	return maphash.Comparable(e.seed, v)
}

func (comparableEquivalence[T]) Equal(a, b T) bool {
	return a == b
}

// StringEquivalence hashes strings with xxhash. The hash is stable across
// processes, which makes segment placement reproducible.
func StringEquivalence() Equivalence[string] {
	return stringEquivalence{}
}

type stringEquivalence struct{}

func (stringEquivalence) Hash(s string) uint64 { return xxhash.Sum64String(s) }
func (stringEquivalence) Equal(a, b string) bool {
	return a == b
}

// EquivalenceFunc adapts a pair of functions to Equivalence.
type EquivalenceFunc[T any] struct {
	HashFunc  func(T) uint64
	EqualFunc func(a, b T) bool
}

func (f EquivalenceFunc[T]) Hash(v T) uint64   { return f.HashFunc(v) }
func (f EquivalenceFunc[T]) Equal(a, b T) bool { return f.EqualFunc(a, b) }

// spread applies the murmur3 64-bit finalizer, so that both the high bits
// (segment selection) and the low bits (bucket selection) depend on every
// input bit even for weak user-supplied hashes.
func spread(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or equal to n.
func nextPowOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
