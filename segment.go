package refmap

import (
	"sync"
	"sync/atomic"
	"unsafe"
	"weak"
)

const (
	// maximumCapacity bounds the bucket array of a single segment.
	maximumCapacity = 1 << 30
	// maxSegments bounds the number of segments.
	maxSegments = 1 << 16
	// drainThreshold is the number of reads between two attempts to clean
	// up a segment from the read path. Must be a power of 2.
	drainThreshold = 64
	drainMask      = drainThreshold - 1
)

// bucketArray is a segment's table. Slots are read without locking; chains
// hanging from them are immutable.
type bucketArray[K comparable, V any] struct {
	buckets []atomic.Pointer[entry[K, V]]
}

func newBucketArray[K comparable, V any](length int) *bucketArray[K, V] {
	return &bucketArray[K, V]{buckets: make([]atomic.Pointer[entry[K, V]], length)}
}

func (t *bucketArray[K, V]) index(hash uint64) int {
	return int(hash & uint64(len(t.buckets)-1))
}

// segmentState holds the lock and the counters of a segment.
type segmentState struct {
	mu sync.Mutex
	// count is the number of entries, including entries whose key or value
	// was collected but that have not been cleaned up yet.
	count atomic.Int64
	// modCount is bumped on every structural change.
	modCount atomic.Int64
	// threshold is 3/4 of the table length. Guarded by mu.
	threshold int
	reads     atomic.Uint32
	lastSweep atomic.Int64
	resizes   atomic.Uint32
	evictions atomic.Uint64
	idx       int
}

// segment is an independently locked sub-table.
type segment[K comparable, V any] struct {
	segmentState
	table atomic.Pointer[bucketArray[K, V]]
	queue *invalidationQueue[K, V]
	// wq is handed to runtime cleanups so that pending cleanups do not keep
	// a discarded map alive.
	wq weak.Pointer[invalidationQueue[K, V]]
	m  *Map[K, V]
	_  [(CacheLineSize - (unsafe.Sizeof(segmentState{})+4*unsafe.Sizeof(uintptr(0)))%CacheLineSize) % CacheLineSize]byte
}

func (s *segment[K, V]) init(m *Map[K, V], idx, capacity int) {
	s.m = m
	s.idx = idx
	s.queue = &invalidationQueue[K, V]{}
	s.wq = weak.Make(s.queue)
	if m.soft != nil {
		s.lastSweep.Store(m.soft.now())
	}
	s.setTable(newBucketArray[K, V](capacity))
}

// setTable publishes t. Callers hold mu (or own s exclusively).
func (s *segment[K, V]) setTable(t *bucketArray[K, V]) {
	s.threshold = len(t.buckets) * 3 / 4
	s.table.Store(t)
}

// findEntry returns the entry holding a live key equal to key, computing
// placeholders included. It does not lock.
func (s *segment[K, V]) findEntry(key K, hash uint64) *entry[K, V] {
	t := s.table.Load()
	for e := t.buckets[t.index(hash)].Load(); e != nil; e = e.next {
		if e.matches(key, hash, s.m.keyEq) {
			return e
		}
	}
	return nil
}

func (s *segment[K, V]) get(key K, hash uint64) (v V, ok bool) {
	if e := s.findEntry(key, hash); e != nil {
		v, ok = e.value.Load().get()
	}
	s.postReadCleanup()
	return v, ok
}

func (s *segment[K, V]) containsKey(key K, hash uint64) bool {
	ok := false
	if e := s.findEntry(key, hash); e != nil {
		_, ok = e.value.Load().get()
	}
	s.postReadCleanup()
	return ok
}

// postReadCleanup opportunistically drains the segment every
// drainThreshold reads. It never blocks on the lock.
func (s *segment[K, V]) postReadCleanup() {
	if s.reads.Add(1)&drainMask != 0 {
		return
	}
	if !s.queue.pending() && !s.sweepDue() {
		return
	}
	s.tryCleanUp()
}

// tryCleanUp runs cleanupLocked unless the segment is locked. A skipped
// segment is drained by its next write.
func (s *segment[K, V]) tryCleanUp() {
	if s.mu.TryLock() {
		s.cleanupLocked()
		s.mu.Unlock()
	}
}

// cleanupLocked evicts entries whose key or value was collected and, when
// due, releases soft pins that have not been accessed recently.
func (s *segment[K, V]) cleanupLocked() {
	evicted := 0
	for inv := s.queue.drain(); inv != nil; inv = inv.next {
		if s.invalidateLocked(inv) {
			evicted++
		}
	}
	if evicted > 0 {
		s.m.logger.Debug().
			Int("segment", s.idx).
			Int("evicted", evicted).
			Msg("evicted collected entries")
	}
	if s.sweepDue() {
		s.sweepLocked()
	}
}

func (s *segment[K, V]) invalidateLocked(inv *invalidation[K, V]) bool {
	t := s.table.Load()
	idx := t.index(inv.hash)
	first := t.buckets[idx].Load()
	for e := first; e != nil; e = e.next {
		if e.hash != inv.hash {
			continue
		}
		if (inv.key != nil && e.key == inv.key) ||
			(inv.value != nil && e.value.Load() == inv.value) {
			s.unlinkLocked(t, idx, first, e)
			e.release()
			s.evictions.Add(1)
			return true
		}
	}
	return false
}

func (s *segment[K, V]) sweepDue() bool {
	p := s.m.soft
	return p != nil && p.now()-s.lastSweep.Load() >= p.retention/2
}

// sweepLocked drops the strong pins of soft holders that were not accessed
// within the retention period. The referents become collectable; holders
// that are read again before collection pin them again.
func (s *segment[K, V]) sweepLocked() {
	now := s.m.soft.now()
	s.lastSweep.Store(now)
	released := 0
	t := s.table.Load()
	for i := range t.buckets {
		for e := t.buckets[i].Load(); e != nil; e = e.next {
			if e.key.expire(now) {
				released++
			}
			if vh := e.value.Load(); vh != nil && vh.ref != nil && vh.ref.expire(now) {
				released++
			}
		}
	}
	if released > 0 {
		s.m.logger.Debug().
			Int("segment", s.idx).
			Int("released", released).
			Msg("released idle soft references")
	}
}

// unlinkLocked removes target from the chain starting at first. The prefix
// before target is cloned; cleared entries met on the way are dropped.
func (s *segment[K, V]) unlinkLocked(t *bucketArray[K, V], idx int, first, target *entry[K, V]) {
	newFirst := target.next
	removed := int64(1)
	for p := first; p != target; p = p.next {
		if p.cleared() {
			removed++
			p.release()
			s.evictions.Add(1)
			continue
		}
		newFirst = p.cloneWith(newFirst)
	}
	t.buckets[idx].Store(newFirst)
	s.modCount.Add(1)
	s.count.Add(-removed)
}

func (s *segment[K, V]) newValueHolder(value V, hash uint64) *valueHolder[V] {
	vh := &valueHolder[V]{}
	var notify func()
	if s.m.values.strength != Strong {
		wq := s.wq
		notify = func() {
			if q := wq.Value(); q != nil {
				q.push(&invalidation[K, V]{value: vh, hash: hash})
			}
		}
	}
	vh.ref = s.m.values.make(value, s.m.soft, notify)
	return vh
}

func (s *segment[K, V]) newKeyRef(key K, hash uint64) reference[K] {
	var kr reference[K]
	var notify func()
	if s.m.keys.strength != Strong {
		wq := s.wq
		notify = func() {
			if q := wq.Value(); q != nil {
				q.push(&invalidation[K, V]{key: kr, hash: hash})
			}
		}
	}
	kr = s.m.keys.make(key, s.m.soft, notify)
	return kr
}

// insertLocked adds a new entry for key, growing the table first when the
// new count would exceed the threshold.
func (s *segment[K, V]) insertLocked(key K, hash uint64, vh *valueHolder[V]) {
	t := s.table.Load()
	if int(s.count.Load())+1 > s.threshold {
		t = s.expandLocked(t)
	}
	idx := t.index(hash)
	e := &entry[K, V]{key: s.newKeyRef(key, hash), hash: hash, next: t.buckets[idx].Load()}
	e.value.Store(vh)
	t.buckets[idx].Store(e)
	s.modCount.Add(1)
	s.count.Add(1)
}

// expandLocked doubles the table. Each chain splits into a low and a high
// half; the trailing run whose entries all land in one half is reused and
// the other entries are cloned. Cleared entries are dropped.
func (s *segment[K, V]) expandLocked(old *bucketArray[K, V]) *bucketArray[K, V] {
	oldLen := len(old.buckets)
	if oldLen >= maximumCapacity {
		return old
	}
	nt := newBucketArray[K, V](oldLen << 1)
	dropped := int64(0)
	for i := range old.buckets {
		head := old.buckets[i].Load()
		if head == nil {
			continue
		}
		lastRun := head
		lastIdx := nt.index(head.hash)
		for e := head.next; e != nil; e = e.next {
			if k := nt.index(e.hash); k != lastIdx {
				lastIdx = k
				lastRun = e
			}
		}
		nt.buckets[lastIdx].Store(lastRun)
		for e := head; e != lastRun; e = e.next {
			if e.cleared() {
				dropped++
				e.release()
				continue
			}
			k := nt.index(e.hash)
			nt.buckets[k].Store(e.cloneWith(nt.buckets[k].Load()))
		}
	}
	s.setTable(nt)
	s.resizes.Add(1)
	if dropped > 0 {
		s.count.Add(-dropped)
		s.evictions.Add(uint64(dropped))
		s.modCount.Add(1)
	}
	s.m.logger.Debug().
		Int("segment", s.idx).
		Int("old_len", oldLen).
		Int("new_len", len(nt.buckets)).
		Int64("dropped", dropped).
		Msg("segment resized")
	return nt
}

// put stores value for key. With onlyIfAbsent a live value is kept and
// returned. A collected value or a computing placeholder is replaced.
func (s *segment[K, V]) put(key K, hash uint64, value V, onlyIfAbsent bool) (prev V, loaded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()

	if e := s.findEntry(key, hash); e != nil {
		old := e.value.Load()
		prev, loaded = old.get()
		if loaded && onlyIfAbsent {
			return prev, true
		}
		e.value.Store(s.newValueHolder(value, hash))
		old.release()
		return prev, loaded
	}
	s.insertLocked(key, hash, s.newValueHolder(value, hash))
	return prev, false
}

// replace stores value only if key currently maps to a live value.
func (s *segment[K, V]) replace(key K, hash uint64, value V) (prev V, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()

	if e := s.findEntry(key, hash); e != nil {
		old := e.value.Load()
		if prev, ok = old.get(); ok {
			e.value.Store(s.newValueHolder(value, hash))
			old.release()
		}
	}
	return prev, ok
}

func (s *segment[K, V]) compareAndSwap(key K, hash uint64, old, new V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()

	e := s.findEntry(key, hash)
	if e == nil {
		return false
	}
	vh := e.value.Load()
	cur, ok := vh.get()
	if !ok || !s.m.valEqual(cur, old) {
		return false
	}
	e.value.Store(s.newValueHolder(new, hash))
	vh.release()
	return true
}

// remove deletes the mapping for key. With matchValue the current value
// must equal expected. Computing placeholders are never removed. A mapping
// whose value was collected is removed and reported as absent.
func (s *segment[K, V]) remove(key K, hash uint64, matchValue bool, expected V) (prev V, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()

	t := s.table.Load()
	idx := t.index(hash)
	first := t.buckets[idx].Load()
	for e := first; e != nil; e = e.next {
		if !e.matches(key, hash, s.m.keyEq) {
			continue
		}
		vh := e.value.Load()
		if vh.computing() {
			return prev, false
		}
		prev, ok = vh.get()
		if matchValue && (!ok || !s.m.valEqual(prev, expected)) {
			var zero V
			return zero, false
		}
		s.unlinkLocked(t, idx, first, e)
		e.release()
		return prev, ok
	}
	return prev, false
}

// clear empties the table in place, keeping only the placeholders of
// running computations. Readers holding the array see the slots change one
// by one.
func (s *segment[K, V]) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table.Load()
	kept := int64(0)
	for i := range t.buckets {
		var chain *entry[K, V]
		for e := t.buckets[i].Load(); e != nil; e = e.next {
			if e.value.Load().computing() && !e.key.cleared() {
				chain = e.cloneWith(chain)
				kept++
				continue
			}
			e.release()
		}
		t.buckets[i].Store(chain)
	}
	s.queue.drain()
	s.count.Store(kept)
	s.modCount.Add(1)
}

// cleanUp runs the write-path maintenance without writing.
func (s *segment[K, V]) cleanUp() {
	s.mu.Lock()
	s.cleanupLocked()
	s.mu.Unlock()
}

// rangeEntries yields the live mappings of the current table snapshot.
func (s *segment[K, V]) rangeEntries(yield func(K, V) bool) bool {
	t := s.table.Load()
	for i := range t.buckets {
		for e := t.buckets[i].Load(); e != nil; e = e.next {
			k, ok := e.key.get()
			if !ok {
				continue
			}
			v, ok := e.value.Load().get()
			if !ok {
				continue
			}
			if !yield(k, v) {
				return false
			}
		}
	}
	return true
}
