package refmap

import (
	"iter"
	"math"

	"github.com/pkg/errors"
)

// ConcurrentMap is the part of Map a Multiset needs from its backing map.
type ConcurrentMap[K comparable, V any] interface {
	Load(key K) (V, bool)
	LoadOrStore(key K, value V) (V, bool)
	Swap(key K, value V) (V, bool)
	CompareAndSwap(key K, old, new V) bool
	LoadAndDelete(key K) (V, bool)
	CompareAndDelete(key K, old V) bool
	Range(yield func(K, V) bool)
	IsZero() bool
	Clear()
}

var _ ConcurrentMap[string, int] = (*Map[string, int])(nil)

// Multiset is a concurrent multiset: a set that counts the occurrences of
// its elements. Every update is an optimistic read followed by a
// conditional write on the backing map, retried on contention. Elements
// with a zero count are never stored.
type Multiset[E comparable] struct {
	counts ConcurrentMap[E, int]
}

// NewMultiset creates an empty Multiset backed by a Map built with options.
func NewMultiset[E comparable](options ...func(*Config)) (*Multiset[E], error) {
	m, err := New[E, int](options...)
	if err != nil {
		return nil, err
	}
	return &Multiset[E]{counts: m}, nil
}

// NewMultisetFrom creates a Multiset holding one occurrence per element
// yielded by elements.
func NewMultisetFrom[E comparable](elements iter.Seq[E], options ...func(*Config)) (*Multiset[E], error) {
	ms, err := NewMultiset[E](options...)
	if err != nil {
		return nil, err
	}
	for e := range elements {
		if _, err := ms.Add(e, 1); err != nil {
			return nil, err
		}
	}
	return ms, nil
}

// NewMultisetWithMap creates a Multiset over m, which must be empty and
// must not be modified by anything else afterwards.
func NewMultisetWithMap[E comparable](m ConcurrentMap[E, int]) (*Multiset[E], error) {
	if m == nil {
		return nil, invalidArgument("nil backing map")
	}
	if !m.IsZero() {
		return nil, invalidArgument("backing map must be empty")
	}
	return &Multiset[E]{counts: m}, nil
}

// Count returns the number of occurrences of element.
func (ms *Multiset[E]) Count(element E) int {
	n, _ := ms.counts.Load(element)
	return n
}

// Contains reports whether element occurs at least once.
func (ms *Multiset[E]) Contains(element E) bool {
	return ms.Count(element) > 0
}

// Add adds occurrences of element and returns the count before the call.
// A count that would overflow int is rejected with ErrOverflow and nothing
// is added.
func (ms *Multiset[E]) Add(element E, occurrences int) (int, error) {
	if occurrences == 0 {
		return ms.Count(element), nil
	}
	if occurrences < 0 {
		return 0, invalidArgument("invalid occurrences: %d", occurrences)
	}
	for {
		current, ok := ms.counts.Load(element)
		if !ok {
			if _, loaded := ms.counts.LoadOrStore(element, occurrences); !loaded {
				return 0, nil
			}
			continue
		}
		if occurrences > math.MaxInt-current {
			return current, errors.Wrapf(ErrOverflow, "adding %d occurrences to a count of %d", occurrences, current)
		}
		if ms.counts.CompareAndSwap(element, current, current+occurrences) {
			return current, nil
		}
	}
}

// Remove removes up to occurrences of element and returns the count before
// the call.
func (ms *Multiset[E]) Remove(element E, occurrences int) (int, error) {
	if occurrences == 0 {
		return ms.Count(element), nil
	}
	if occurrences < 0 {
		return 0, invalidArgument("invalid occurrences: %d", occurrences)
	}
	for {
		current, ok := ms.counts.Load(element)
		if !ok {
			return 0, nil
		}
		if occurrences < current {
			if ms.counts.CompareAndSwap(element, current, current-occurrences) {
				return current, nil
			}
		} else if ms.counts.CompareAndDelete(element, current) {
			return current, nil
		}
	}
}

// RemoveExactly removes exactly occurrences of element, or nothing when
// fewer are present.
func (ms *Multiset[E]) RemoveExactly(element E, occurrences int) (bool, error) {
	if occurrences == 0 {
		return true, nil
	}
	if occurrences < 0 {
		return false, invalidArgument("invalid occurrences: %d", occurrences)
	}
	for {
		current, ok := ms.counts.Load(element)
		if !ok || current < occurrences {
			return false, nil
		}
		if current == occurrences {
			if ms.counts.CompareAndDelete(element, current) {
				return true, nil
			}
		} else if ms.counts.CompareAndSwap(element, current, current-occurrences) {
			return true, nil
		}
	}
}

// SetCount sets the count of element and returns the previous count.
func (ms *Multiset[E]) SetCount(element E, count int) (int, error) {
	if count < 0 {
		return 0, invalidArgument("invalid count: %d", count)
	}
	if count == 0 {
		prev, _ := ms.counts.LoadAndDelete(element)
		return prev, nil
	}
	prev, _ := ms.counts.Swap(element, count)
	return prev, nil
}

// SetCountIf sets the count of element to newCount only if it is oldCount.
func (ms *Multiset[E]) SetCountIf(element E, oldCount, newCount int) (bool, error) {
	if oldCount < 0 || newCount < 0 {
		return false, invalidArgument("invalid counts: %d, %d", oldCount, newCount)
	}
	switch {
	case oldCount == 0 && newCount == 0:
		_, ok := ms.counts.Load(element)
		return !ok, nil
	case oldCount == 0:
		_, loaded := ms.counts.LoadOrStore(element, newCount)
		return !loaded, nil
	case newCount == 0:
		return ms.counts.CompareAndDelete(element, oldCount), nil
	default:
		return ms.counts.CompareAndSwap(element, oldCount, newCount), nil
	}
}

// Size returns the total number of occurrences, saturating at math.MaxInt.
func (ms *Multiset[E]) Size() int {
	size := 0
	ms.counts.Range(func(_ E, n int) bool {
		if n > math.MaxInt-size {
			size = math.MaxInt
			return false
		}
		size += n
		return true
	})
	return size
}

// IsZero reports whether the multiset has no elements.
func (ms *Multiset[E]) IsZero() bool {
	return ms.counts.IsZero()
}

// Clear removes every element.
func (ms *Multiset[E]) Clear() {
	ms.counts.Clear()
}

// Elements returns an iterator over the distinct elements and their counts.
func (ms *Multiset[E]) Elements() iter.Seq2[E, int] {
	return ms.counts.Range
}

// All returns an iterator yielding each element as many times as it
// occurs. Counts are read when the iterator reaches an element.
func (ms *Multiset[E]) All() iter.Seq[E] {
	return func(yield func(E) bool) {
		ms.counts.Range(func(e E, n int) bool {
			for range n {
				if !yield(e) {
					return false
				}
			}
			return true
		})
	}
}
