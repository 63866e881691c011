package refmap

import "sync/atomic"

// invalidation reports that the referent of a key holder or of a value
// holder has been collected. Exactly one of key and value is set.
type invalidation[K comparable, V any] struct {
	key   reference[K]
	value *valueHolder[V]
	hash  uint64
	next  *invalidation[K, V]
}

// invalidationQueue is a multi-producer stack fed by runtime cleanups and
// drained by the owning segment while it holds its lock.
type invalidationQueue[K comparable, V any] struct {
	head atomic.Pointer[invalidation[K, V]]
}

func (q *invalidationQueue[K, V]) push(n *invalidation[K, V]) {
	for {
		old := q.head.Load()
		n.next = old
		if q.head.CompareAndSwap(old, n) {
			return
		}
	}
}

func (q *invalidationQueue[K, V]) pending() bool {
	return q.head.Load() != nil
}

// drain detaches every queued invalidation. The order is unspecified.
func (q *invalidationQueue[K, V]) drain() *invalidation[K, V] {
	if q.head.Load() == nil {
		return nil
	}
	return q.head.Swap(nil)
}
