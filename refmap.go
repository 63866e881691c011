// Package refmap provides a concurrent hash map whose keys and values can be
// held strongly, weakly or softly.
//
// A Map is split into a fixed number of segments, each guarded by its own
// mutex and holding an atomically published array of immutable bucket
// chains. Reads never lock. Writes lock one segment only.
//
// Keys or values held weakly or softly are tracked with runtime cleanups;
// once a referent is collected its mapping disappears from reads at once
// and is unlinked the next time its segment is written to or cleaned up.
//
// LoadOrCompute and ComputingMap compute a missing value at most once per
// key, however many goroutines ask for it concurrently.
package refmap

import (
	"context"
	"fmt"
	"iter"
	"math"
	"math/bits"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Map is a segmented concurrent hash map with configurable key and value
// strength. Create it with New, NewPointerKeyMap, NewPointerValueMap or
// NewPointerMap. A Map must not be copied after first use.
type Map[K comparable, V any] struct {
	segments     []segment[K, V]
	segmentShift uint
	segmentMask  uint64

	keyEq    Equivalence[K]
	valEqual func(a, b V) bool
	keys     refOps[K]
	values   refOps[V]
	soft     *softPolicy
	logger   zerolog.Logger

	computations    atomic.Uint64
	computeFailures atomic.Uint64
}

// New creates a Map holding keys and values strongly.
// Weak and soft strengths need pointer types; use NewPointerKeyMap,
// NewPointerValueMap or NewPointerMap for them.
func New[K comparable, V any](options ...func(*Config)) (*Map[K, V], error) {
	c := newConfig(options)
	if c.KeyStrength != Strong {
		return nil, invalidArgument("key strength %s requires pointer keys, use NewPointerKeyMap or NewPointerMap", c.KeyStrength)
	}
	if c.ValueStrength != Strong {
		return nil, invalidArgument("value strength %s requires pointer values, use NewPointerValueMap or NewPointerMap", c.ValueStrength)
	}
	return newMap(c, strongOps[K](), strongOps[V]())
}

// NewPointerKeyMap creates a Map whose *T keys may be held weakly or softly.
// Keys are compared by identity unless WithKeyEquivalence says otherwise.
func NewPointerKeyMap[T any, V any](options ...func(*Config)) (*Map[*T, V], error) {
	c := newConfig(options)
	if c.ValueStrength != Strong {
		return nil, invalidArgument("value strength %s requires pointer values, use NewPointerMap", c.ValueStrength)
	}
	return newMap(c, pointerOps[T](c.KeyStrength), strongOps[V]())
}

// NewPointerValueMap creates a Map whose *T values may be held weakly or softly.
func NewPointerValueMap[K comparable, T any](options ...func(*Config)) (*Map[K, *T], error) {
	c := newConfig(options)
	if c.KeyStrength != Strong {
		return nil, invalidArgument("key strength %s requires pointer keys, use NewPointerMap", c.KeyStrength)
	}
	return newMap(c, strongOps[K](), pointerOps[T](c.ValueStrength))
}

// NewPointerMap creates a Map whose *T keys and *U values may each be held
// weakly or softly.
func NewPointerMap[T any, U any](options ...func(*Config)) (*Map[*T, *U], error) {
	c := newConfig(options)
	return newMap(c, pointerOps[T](c.KeyStrength), pointerOps[U](c.ValueStrength))
}

func newMap[K comparable, V any](c *Config, keys refOps[K], values refOps[V]) (*Map[K, V], error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	m := &Map[K, V]{
		keys:   keys,
		values: values,
		logger: zerolog.Nop(),
	}
	if c.logger != nil {
		m.logger = *c.logger
	}

	switch eq := c.keyEquivalence.(type) {
	case nil:
		m.keyEq = DefaultEquivalence[K]()
	case Equivalence[K]:
		m.keyEq = eq
	default:
		return nil, invalidArgument("key equivalence %T does not match key type %s", eq, reflect.TypeFor[K]())
	}
	switch eq := c.valueEqual.(type) {
	case nil:
		if reflect.TypeFor[V]().Comparable() {
			m.valEqual = func(a, b V) bool { return any(a) == any(b) }
		}
	case func(a, b V) bool:
		m.valEqual = eq
	default:
		return nil, invalidArgument("value equality %T does not match value type %s", eq, reflect.TypeFor[V]())
	}

	if keys.strength == Soft || values.strength == Soft {
		now := c.now
		m.soft = &softPolicy{
			now:       func() int64 { return now().UnixNano() },
			retention: int64(c.SoftRetention),
		}
	}

	segmentCount := nextPowOf2(min(c.ConcurrencyLevel, maxSegments))
	m.segmentShift = 64 - uint(bits.TrailingZeros(uint(segmentCount)))
	m.segmentMask = uint64(segmentCount - 1)

	initialCapacity := min(c.InitialCapacity, maximumCapacity)
	perSegment := initialCapacity / segmentCount
	if perSegment*segmentCount < initialCapacity {
		perSegment++
	}
	segmentCapacity := nextPowOf2(perSegment)

	m.segments = make([]segment[K, V], segmentCount)
	for i := range m.segments {
		m.segments[i].init(m, i, segmentCapacity)
	}
	return m, nil
}

func (m *Map[K, V]) hash(key K) uint64 {
	return spread(m.keyEq.Hash(key))
}

// segmentFor selects a segment by the high bits of hash. Buckets use the low
// bits.
func (m *Map[K, V]) segmentFor(hash uint64) *segment[K, V] {
	return &m.segments[(hash>>m.segmentShift)&m.segmentMask]
}

func (m *Map[K, V]) checkKey(key K) {
	if m.keys.isNil != nil && m.keys.isNil(key) {
		panic(ErrNilKey)
	}
}

func (m *Map[K, V]) checkValue(value V) {
	if m.values.isNil != nil && m.values.isNil(value) {
		panic(ErrNilValue)
	}
}

func (m *Map[K, V]) mustValueEqual() {
	if m.valEqual == nil {
		panic(invalidArgument("value type %s is not comparable, use WithValueEqual", reflect.TypeFor[V]()))
	}
}

// Load returns the value stored for key. ok is false when there is no
// mapping, when the key or the value has been collected, or while the value
// is still being computed.
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	if m.keys.isNil != nil && m.keys.isNil(key) {
		return value, false
	}
	hash := m.hash(key)
	return m.segmentFor(hash).get(key, hash)
}

// ContainsKey reports whether key currently maps to a live value.
func (m *Map[K, V]) ContainsKey(key K) bool {
	if m.keys.isNil != nil && m.keys.isNil(key) {
		return false
	}
	hash := m.hash(key)
	return m.segmentFor(hash).containsKey(key, hash)
}

// Store sets the value for a key.
func (m *Map[K, V]) Store(key K, value V) {
	m.Swap(key, value)
}

// Swap stores value for key and returns the previous live value, if any.
func (m *Map[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	m.checkKey(key)
	m.checkValue(value)
	hash := m.hash(key)
	return m.segmentFor(hash).put(key, hash, value, false)
}

// LoadOrStore returns the existing live value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	m.checkKey(key)
	m.checkValue(value)
	hash := m.hash(key)
	if actual, loaded = m.segmentFor(hash).put(key, hash, value, true); loaded {
		return actual, true
	}
	return value, false
}

// Replace stores value only if key is currently mapped to a live value, and
// returns that previous value.
func (m *Map[K, V]) Replace(key K, value V) (previous V, replaced bool) {
	m.checkKey(key)
	m.checkValue(value)
	hash := m.hash(key)
	return m.segmentFor(hash).replace(key, hash, value)
}

// CompareAndSwap swaps the old and new values for key
// if the value stored in the map is equal to old.
// Panics if the value type is not comparable and no WithValueEqual was given.
func (m *Map[K, V]) CompareAndSwap(key K, old, new V) bool {
	m.checkKey(key)
	m.checkValue(new)
	m.mustValueEqual()
	hash := m.hash(key)
	return m.segmentFor(hash).compareAndSwap(key, hash, old, new)
}

// LoadAndDelete deletes the value for a key, returning the previous live
// value if any.
func (m *Map[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	m.checkKey(key)
	hash := m.hash(key)
	var zero V
	return m.segmentFor(hash).remove(key, hash, false, zero)
}

// Delete deletes the value for a key.
func (m *Map[K, V]) Delete(key K) {
	m.LoadAndDelete(key)
}

// CompareAndDelete deletes the entry for key if its value is equal to old.
func (m *Map[K, V]) CompareAndDelete(key K, old V) (deleted bool) {
	m.checkKey(key)
	m.mustValueEqual()
	hash := m.hash(key)
	_, deleted = m.segmentFor(hash).remove(key, hash, true, old)
	return deleted
}

// Size returns the number of entries. The sum is retried while segments
// keep changing, and is advisory under concurrent modification. Segments
// with collected entries pending are cleaned up first when their lock is
// free; entries not yet cleaned up still count.
func (m *Map[K, V]) Size() int {
	m.drainPending()
	var sum int64
	for retry := 0; retry < 3; retry++ {
		sum = 0
		var mcsum int64
		for i := range m.segments {
			sum += m.segments[i].count.Load()
			mcsum += m.segments[i].modCount.Load()
		}
		var check int64
		for i := range m.segments {
			check += m.segments[i].modCount.Load()
		}
		if check == mcsum {
			break
		}
	}
	if sum > math.MaxInt {
		return math.MaxInt
	}
	return int(sum)
}

// IsZero checks whether the map holds no entries. Like Size, it first
// cleans up segments with collected entries pending.
func (m *Map[K, V]) IsZero() bool {
	m.drainPending()
	mc := make([]int64, len(m.segments))
	for i := range m.segments {
		if m.segments[i].count.Load() != 0 {
			return false
		}
		mc[i] = m.segments[i].modCount.Load()
	}
	for i := range m.segments {
		if m.segments[i].count.Load() != 0 || m.segments[i].modCount.Load() != mc[i] {
			return false
		}
	}
	return true
}

// drainPending evicts collected entries from segments whose invalidation
// queue is not empty, skipping segments that are locked.
func (m *Map[K, V]) drainPending() {
	for i := range m.segments {
		if s := &m.segments[i]; s.queue.pending() {
			s.tryCleanUp()
		}
	}
}

// Clear deletes all mappings. Values being computed are not mappings yet:
// their placeholders stay, so later callers for those keys keep waiting on
// the running computations instead of starting new ones.
func (m *Map[K, V]) Clear() {
	for i := range m.segments {
		m.segments[i].clear()
	}
}

// CleanUp evicts every entry whose key or value has already been collected
// and, when due, releases idle soft references. Maps clean themselves up
// during writes and periodically during reads; CleanUp forces it.
func (m *Map[K, V]) CleanUp() {
	for i := range m.segments {
		m.segments[i].cleanUp()
	}
}

// Range calls yield sequentially for each live key and value.
// If yield returns false, Range stops the iteration.
//
// Range is weakly consistent: it never yields a key twice and reflects each
// segment as of some point during the call. It may be called concurrently
// with any other operation, including from yield itself.
func (m *Map[K, V]) Range(yield func(key K, value V) bool) {
	for i := range m.segments {
		if !m.segments[i].rangeEntries(yield) {
			return
		}
	}
}

// RangeStrict is Range that fails with ErrConcurrentModification when a
// segment was structurally modified while it was being iterated.
func (m *Map[K, V]) RangeStrict(yield func(key K, value V) bool) error {
	for i := range m.segments {
		s := &m.segments[i]
		mc := s.modCount.Load()
		cont := s.rangeEntries(yield)
		if s.modCount.Load() != mc {
			return errors.Wrapf(ErrConcurrentModification, "segment %d", i)
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// All returns an iterator over the live mappings.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return m.Range
}

// Keys returns an iterator over the live keys.
func (m *Map[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		m.Range(func(k K, _ V) bool { return yield(k) })
	}
}

// Values returns an iterator over the live values.
func (m *Map[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		m.Range(func(_ K, v V) bool { return yield(v) })
	}
}

// ToMap collects the live mappings into a Go map.
func (m *Map[K, V]) ToMap() map[K]V {
	return m.ToMapWithLimit(-1)
}

// ToMapWithLimit collects at most limit mappings; a negative limit means no
// limit.
func (m *Map[K, V]) ToMapWithLimit(limit int) map[K]V {
	a := make(map[K]V)
	if limit == 0 {
		return a
	}
	m.Range(func(k K, v V) bool {
		a[k] = v
		return limit < 0 || len(a) < limit
	})
	return a
}

// String implements fmt.Stringer. Output is truncated after 1024 entries.
func (m *Map[K, V]) String() string {
	const limit = 1024
	return strings.Replace(fmt.Sprint(m.ToMapWithLimit(limit)), "map[", "RefMap[", 1)
}

// LoadOrCompute returns the live value for key, computing it with fn when
// there is none. See ComputeFunc for the guarantees.
func (m *Map[K, V]) LoadOrCompute(ctx context.Context, key K, fn ComputeFunc[K, V]) (V, error) {
	if fn == nil {
		var zero V
		return zero, invalidArgument("nil compute function")
	}
	if m.keys.isNil != nil && m.keys.isNil(key) {
		var zero V
		return zero, errors.WithStack(ErrNilKey)
	}
	hash := m.hash(key)
	return m.segmentFor(hash).loadOrCompute(ctx, key, hash, fn)
}
