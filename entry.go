package refmap

import "sync/atomic"

// entry is a node of a bucket chain. key, hash and next never change once
// the entry is published; removal and resize clone entries instead. The
// value holder is swapped in place, so holders (not entries) identify a
// mapping across clones.
type entry[K comparable, V any] struct {
	key   reference[K]
	hash  uint64
	next  *entry[K, V]
	value atomic.Pointer[valueHolder[V]]
}

// valueHolder holds either a value reference or, while the value is being
// computed, the computation that will produce it.
type valueHolder[V any] struct {
	ref  reference[V]
	comp *computation[V]
}

func (vh *valueHolder[V]) get() (v V, ok bool) {
	if vh == nil || vh.ref == nil {
		return v, false
	}
	return vh.ref.get()
}

func (vh *valueHolder[V]) computing() bool {
	return vh != nil && vh.comp != nil
}

func (vh *valueHolder[V]) release() {
	if vh != nil && vh.ref != nil {
		vh.ref.release()
	}
}

// cleared reports whether the key or the value has been collected.
// Entries whose value is still being computed are never cleared by value.
func (e *entry[K, V]) cleared() bool {
	if e.key.cleared() {
		return true
	}
	vh := e.value.Load()
	if vh.computing() {
		return false
	}
	return vh == nil || vh.ref == nil || vh.ref.cleared()
}

// matches reports whether e holds a live key equal to key.
func (e *entry[K, V]) matches(key K, hash uint64, eq Equivalence[K]) bool {
	if e.hash != hash {
		return false
	}
	k, ok := e.key.get()
	return ok && eq.Equal(k, key)
}

// cloneWith copies e in front of next, sharing its holders.
func (e *entry[K, V]) cloneWith(next *entry[K, V]) *entry[K, V] {
	c := &entry[K, V]{key: e.key, hash: e.hash, next: next}
	c.value.Store(e.value.Load())
	return c
}

func (e *entry[K, V]) release() {
	e.key.release()
	e.value.Load().release()
}
