package refmap

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
)

var (
	testData      [128]string
	testDataLarge [128 << 10]string
)

func init() {
	for i := range testData {
		testData[i] = fmt.Sprintf("%b", i)
	}
	for i := range testDataLarge {
		testDataLarge[i] = fmt.Sprintf("%b", i)
	}
}

type point struct {
	x int32
	y int32
}

func newTestMap[K comparable, V any](t testing.TB, options ...func(*Config)) *Map[K, V] {
	t.Helper()
	m, err := New[K, V](options...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m
}

func TestMap_SegmentStructSize(t *testing.T) {
	t.Logf("CacheLineSize : %d", CacheLineSize)
	size := unsafe.Sizeof(segment[string, int]{})
	t.Log("segment size:", size)
	if size%CacheLineSize != 0 {
		t.Fatalf("segment doesn't meet CacheLineSize: %d", size)
	}
}

func TestMap_ConcreteScenario(t *testing.T) {
	m := newTestMap[string, int](t, WithConcurrencyLevel(4))
	if n := len(m.segments); n != 4 {
		t.Fatalf("unexpected segment count: %d", n)
	}
	m.Store("a", 1)
	m.Store("b", 2)
	if v, ok := m.Load("a"); !ok || v != 1 {
		t.Fatalf("unexpected value for a: %v, %v", v, ok)
	}
	if v, ok := m.LoadAndDelete("a"); !ok || v != 1 {
		t.Fatalf("unexpected removed value: %v, %v", v, ok)
	}
	if v, ok := m.Load("a"); ok {
		t.Fatalf("value was not expected: %v", v)
	}
	if s := m.Size(); s != 1 {
		t.Fatalf("unexpected size: %d", s)
	}
}

func TestMap_SegmentCountRounding(t *testing.T) {
	tests := []struct {
		level    int
		segments int
		shift    uint
	}{
		{1, 1, 64},
		{3, 4, 62},
		{16, 16, 60},
		{17, 32, 59},
		{1 << 20, maxSegments, 48},
	}
	for _, tt := range tests {
		m := newTestMap[int, int](t, WithConcurrencyLevel(tt.level))
		if len(m.segments) != tt.segments || m.segmentShift != tt.shift {
			t.Fatalf("level %d: got %d segments shift %d", tt.level, len(m.segments), m.segmentShift)
		}
	}
}

func TestMap_InitialCapacityPerSegment(t *testing.T) {
	m := newTestMap[int, int](t, WithConcurrencyLevel(4), WithInitialCapacity(100))
	for i := range m.segments {
		// 100/4 = 25 rounded up to 32.
		if n := len(m.segments[i].table.Load().buckets); n != 32 {
			t.Fatalf("segment %d: unexpected table length %d", i, n)
		}
	}
	m = newTestMap[int, int](t, WithConcurrencyLevel(4), WithInitialCapacity(0))
	if n := len(m.segments[0].table.Load().buckets); n != 1 {
		t.Fatalf("unexpected table length %d", n)
	}
}

func TestMap_MissingEntry(t *testing.T) {
	m := newTestMap[string, string](t)
	v, ok := m.Load("foo")
	if ok {
		t.Fatalf("value was not expected: %v", v)
	}
	if m.ContainsKey("foo") {
		t.Fatal("key was not expected")
	}
	if deleted, loaded := m.LoadAndDelete("foo"); loaded {
		t.Fatalf("value was not expected %v", deleted)
	}
	if m.CompareAndDelete("foo", "bar") {
		t.Fatal("nothing should be deleted")
	}
	if prev, ok := m.Replace("foo", "bar"); ok {
		t.Fatalf("nothing should be replaced: %v", prev)
	}
	if _, ok := m.Load("foo"); ok {
		t.Fatal("replace must not insert")
	}
	if actual, loaded := m.LoadOrStore("foo", "bar"); loaded || actual != "bar" {
		t.Fatalf("value was not expected %v", actual)
	}
}

func TestMap_AbsenceIsIdempotent(t *testing.T) {
	m := newTestMap[int, int](t)
	for i := 0; i < 3; i++ {
		if _, ok := m.Load(42); ok {
			t.Fatal("value was not expected")
		}
	}
	if !m.IsZero() || m.Size() != 0 {
		t.Fatal("reads must not insert")
	}
}

func TestMap_EmptyStringKey(t *testing.T) {
	m := newTestMap[string, string](t)
	m.Store("", "foobar")
	v, ok := m.Load("")
	if !ok {
		t.Fatal("value was expected")
	}
	if v != "foobar" {
		t.Fatalf("value does not match: %v", v)
	}
}

func TestMap_StoreNilValue(t *testing.T) {
	m := newTestMap[string, *struct{}](t)
	m.Store("foo", nil)
	v, ok := m.Load("foo")
	if !ok {
		t.Fatal("nil value was expected")
	}
	if v != nil {
		t.Fatalf("value was not nil: %v", v)
	}
}

func TestMap_LoadOrStore(t *testing.T) {
	type foo struct{}
	m := newTestMap[string, *foo](t)
	newv := &foo{}
	v, loaded := m.LoadOrStore("foo", newv)
	if loaded {
		t.Fatal("no value was expected")
	}
	if v != newv {
		t.Fatalf("value does not match: %v", v)
	}
	newv2 := &foo{}
	v, loaded = m.LoadOrStore("foo", newv2)
	if !loaded {
		t.Fatal("value was expected")
	}
	if v != newv {
		t.Fatalf("value does not match: %v", v)
	}
}

func TestMap_Swap(t *testing.T) {
	m := newTestMap[string, int](t)
	if v, loaded := m.Swap("foo", 1); loaded {
		t.Fatalf("no value was expected: %v", v)
	}
	if v, loaded := m.Swap("foo", 2); !loaded || v != 1 {
		t.Fatalf("value does not match: %v", v)
	}
	if v, _ := m.Load("foo"); v != 2 {
		t.Fatalf("value does not match: %v", v)
	}
}

func TestMap_ReplaceAndCompareAndSwap(t *testing.T) {
	m := newTestMap[string, int](t)
	m.Store("foo", 1)
	if prev, ok := m.Replace("foo", 2); !ok || prev != 1 {
		t.Fatalf("unexpected replace result: %v, %v", prev, ok)
	}
	if m.CompareAndSwap("foo", 1, 3) {
		t.Fatal("swap with a stale value must fail")
	}
	if !m.CompareAndSwap("foo", 2, 3) {
		t.Fatal("swap with the current value must succeed")
	}
	if m.CompareAndDelete("foo", 2) {
		t.Fatal("delete with a stale value must fail")
	}
	if !m.CompareAndDelete("foo", 3) {
		t.Fatal("delete with the current value must succeed")
	}
	if _, ok := m.Load("foo"); ok {
		t.Fatal("value was not expected")
	}
}

func TestMap_CompareAndSwapNonComparableValue(t *testing.T) {
	m := newTestMap[string, []int](t)
	m.Store("foo", []int{1})
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for a non-comparable value type")
		}
	}()
	m.CompareAndSwap("foo", []int{1}, []int{2})
}

func TestMap_WithValueEqual(t *testing.T) {
	m := newTestMap[string, []int](t, WithValueEqual(func(a, b []int) bool {
		return len(a) == len(b) && (len(a) == 0 || a[0] == b[0])
	}))
	m.Store("foo", []int{1})
	if !m.CompareAndSwap("foo", []int{1}, []int{2}) {
		t.Fatal("swap with an equal value must succeed")
	}
	if !m.CompareAndDelete("foo", []int{2}) {
		t.Fatal("delete with an equal value must succeed")
	}
}

func TestMap_WithKeyEquivalence(t *testing.T) {
	caseInsensitive := EquivalenceFunc[string]{
		HashFunc:  func(s string) uint64 { return StringEquivalence().Hash(strings.ToLower(s)) },
		EqualFunc: strings.EqualFold,
	}
	m := newTestMap[string, int](t, WithKeyEquivalence[string](caseInsensitive))
	m.Store("Foo", 1)
	if v, ok := m.Load("FOO"); !ok || v != 1 {
		t.Fatalf("value was expected: %v, %v", v, ok)
	}
	m.Store("fOO", 2)
	if s := m.Size(); s != 1 {
		t.Fatalf("unexpected size: %d", s)
	}
}

func TestMap_KeyEquivalenceTypeMismatch(t *testing.T) {
	_, err := New[int, int](WithKeyEquivalence[string](StringEquivalence()))
	if err == nil {
		t.Fatal("expected an error for a mismatched key equivalence")
	}
}

func TestMap_HashCodeCollisions(t *testing.T) {
	const numEntries = 1000
	m := newTestMap[int, int](t, WithKeyEquivalence[int](EquivalenceFunc[int]{
		HashFunc:  func(int) uint64 { return 42 },
		EqualFunc: func(a, b int) bool { return a == b },
	}))
	for i := 0; i < numEntries; i++ {
		m.Store(i, i)
	}
	for i := 0; i < numEntries; i++ {
		if v, ok := m.Load(i); !ok || v != i {
			t.Fatalf("value not found for %d", i)
		}
	}
	for i := 0; i < numEntries; i += 2 {
		m.Delete(i)
	}
	for i := 0; i < numEntries; i++ {
		_, ok := m.Load(i)
		if ok != (i%2 == 1) {
			t.Fatalf("unexpected presence for %d: %v", i, ok)
		}
	}
	if s := m.Size(); s != numEntries/2 {
		t.Fatalf("unexpected size: %d", s)
	}
}

func TestMap_StringStoreThenLoadAndDelete(t *testing.T) {
	const numEntries = 1000
	m := newTestMap[string, int](t, WithKeyEquivalence[string](StringEquivalence()))
	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	for i := 0; i < numEntries; i++ {
		if v, loaded := m.LoadAndDelete(strconv.Itoa(i)); !loaded || v != i {
			t.Fatalf("value was not found or different for %d: %v", i, v)
		}
		if _, loaded := m.LoadAndDelete(strconv.Itoa(i)); loaded {
			t.Fatalf("value was not expected for %d", i)
		}
	}
	if !m.IsZero() {
		t.Fatalf("map is not empty: %d", m.Size())
	}
}

func TestMap_StructKeys(t *testing.T) {
	type structKey struct {
		Service  uint32
		Instance uint64
	}
	const numEntries = 128
	m := newTestMap[structKey, point](t)
	for i := 0; i < numEntries; i++ {
		m.Store(structKey{uint32(i), uint64(i)}, point{int32(i), -int32(i)})
	}
	for i := 0; i < numEntries; i++ {
		v, ok := m.Load(structKey{uint32(i), uint64(i)})
		if !ok || v.x != int32(i) || v.y != -int32(i) {
			t.Fatalf("value was not found or different for %d: %v", i, v)
		}
	}
}

func TestMap_Range(t *testing.T) {
	const numEntries = 1000
	m := newTestMap[string, int](t)
	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	iters := 0
	met := make(map[string]int)
	m.Range(func(key string, value int) bool {
		if key != strconv.Itoa(value) {
			t.Fatalf("got unexpected key/value for iteration %d: %v/%v", iters, key, value)
			return false
		}
		met[key] += 1
		iters++
		return true
	})
	if iters != numEntries {
		t.Fatalf("got unexpected number of iterations: %d", iters)
	}
	for i := 0; i < numEntries; i++ {
		if c := met[strconv.Itoa(i)]; c != 1 {
			t.Fatalf("range did not iterate correctly over %d: %d", i, c)
		}
	}
}

func TestMap_RangeFalseReturned(t *testing.T) {
	m := newTestMap[string, int](t)
	for i := 0; i < 100; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	iters := 0
	m.Range(func(key string, value int) bool {
		iters++
		return iters != 13
	})
	if iters != 13 {
		t.Fatalf("got unexpected number of iterations: %d", iters)
	}
}

func TestMap_RangeNestedDelete(t *testing.T) {
	const numEntries = 256
	m := newTestMap[string, int](t)
	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	m.Range(func(key string, value int) bool {
		m.Delete(key)
		return true
	})
	for i := 0; i < numEntries; i++ {
		if _, ok := m.Load(strconv.Itoa(i)); ok {
			t.Fatalf("value found for %d", i)
		}
	}
}

func TestMap_Iterators(t *testing.T) {
	m := newTestMap[int, int](t)
	for i := 0; i < 10; i++ {
		m.Store(i, i*10)
	}
	keys, values, pairs := 0, 0, 0
	for k := range m.Keys() {
		keys += k
	}
	for v := range m.Values() {
		values += v
	}
	for k, v := range m.All() {
		if v != k*10 {
			t.Fatalf("unexpected pair %d/%d", k, v)
		}
		pairs++
	}
	if keys != 45 || values != 450 || pairs != 10 {
		t.Fatalf("unexpected sums: %d %d %d", keys, values, pairs)
	}
	for range m.Keys() {
		break
	}
}

func TestMap_RangeStrict(t *testing.T) {
	m := newTestMap[int, int](t, WithConcurrencyLevel(1))
	for i := 0; i < 100; i++ {
		m.Store(i, i)
	}
	n := 0
	if err := m.RangeStrict(func(int, int) bool { n++; return true }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 100 {
		t.Fatalf("unexpected number of iterations: %d", n)
	}
	err := m.RangeStrict(func(k, _ int) bool {
		m.Delete(k)
		return true
	})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected a concurrent modification error, got %v", err)
	}
	// Value replacement is not structural.
	err = m.RangeStrict(func(k, v int) bool {
		m.Store(k, v+1)
		return true
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMap_Resize(t *testing.T) {
	const numEntries = 100_000
	m := newTestMap[string, int](t, WithConcurrencyLevel(4), WithInitialCapacity(0))
	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	stats := m.Stats()
	if stats.Size != numEntries || stats.Counter != numEntries {
		t.Fatalf("unexpected size: %s", stats.ToString())
	}
	if stats.TotalResizes == 0 {
		t.Fatalf("expected resizes: %s", stats.ToString())
	}
	for i := 0; i < numEntries; i++ {
		v, ok := m.Load(strconv.Itoa(i))
		if !ok || v != i {
			t.Fatalf("value was not found or different for %d: %v", i, v)
		}
	}
	for i := 0; i < numEntries; i++ {
		m.Delete(strconv.Itoa(i))
	}
	if s := m.Size(); s != 0 {
		t.Fatalf("map is not empty: %d", s)
	}
}

func TestMap_Size(t *testing.T) {
	const numEntries = 1000
	m := newTestMap[string, int](t)
	size := m.Size()
	if size != 0 {
		t.Fatalf("zero size expected: %d", size)
	}
	expectedSize := 0
	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
		expectedSize++
		size := m.Size()
		if size != expectedSize {
			t.Fatalf("size of %d was expected, got: %d", expectedSize, size)
		}
	}
	for i := 0; i < numEntries; i++ {
		m.Delete(strconv.Itoa(i))
		expectedSize--
		size := m.Size()
		if size != expectedSize {
			t.Fatalf("size of %d was expected, got: %d", expectedSize, size)
		}
	}
}

func TestMap_Clear(t *testing.T) {
	const numEntries = 1000
	m := newTestMap[string, int](t)
	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	size := m.Size()
	if size != numEntries {
		t.Fatalf("size of %d was expected, got: %d", numEntries, size)
	}
	m.Clear()
	size = m.Size()
	if size != 0 {
		t.Fatalf("zero size was expected, got: %d", size)
	}
	if !m.IsZero() {
		t.Fatal("map must be empty")
	}
	m.Store("foo", 1)
	if v, ok := m.Load("foo"); !ok || v != 1 {
		t.Fatal("map must be usable after Clear")
	}
}

func TestMap_StringAndToMap(t *testing.T) {
	m := newTestMap[string, int](t)
	m.Store("a", 1)
	if s := m.String(); s != "RefMap[a:1]" {
		t.Fatalf("unexpected string: %s", s)
	}
	m.Store("b", 2)
	pm := m.ToMap()
	if len(pm) != 2 || pm["a"] != 1 || pm["b"] != 2 {
		t.Fatalf("unexpected plain map: %v", pm)
	}
	if pm := m.ToMapWithLimit(1); len(pm) != 1 {
		t.Fatalf("unexpected limited map: %v", pm)
	}
}

func TestMap_Stats(t *testing.T) {
	m := newTestMap[int, int](t, WithConcurrencyLevel(2), WithInitialCapacity(32))

	stats := m.Stats()
	if stats.Segments != 2 {
		t.Fatalf("unexpected number of segments: %s", stats.ToString())
	}
	if stats.TotalBuckets != 32 {
		t.Fatalf("unexpected number of buckets: %s", stats.ToString())
	}
	if stats.EmptyBuckets != stats.TotalBuckets {
		t.Fatalf("unexpected number of empty buckets: %s", stats.ToString())
	}
	if stats.Capacity != 24 {
		t.Fatalf("unexpected capacity: %s", stats.ToString())
	}
	if stats.Size != 0 || stats.Counter != 0 || stats.MaxEntries != 0 {
		t.Fatalf("unexpected size: %s", stats.ToString())
	}

	for i := 0; i < 200; i++ {
		m.Store(i, i)
	}

	stats = m.Stats()
	if stats.TotalBuckets < 200*4/3 {
		t.Fatalf("unexpected number of buckets: %s", stats.ToString())
	}
	if stats.Capacity < 200 {
		t.Fatalf("unexpected capacity: %s", stats.ToString())
	}
	if stats.Size != 200 || stats.Counter != 200 {
		t.Fatalf("unexpected size: %s", stats.ToString())
	}
	if stats.TotalResizes == 0 || stats.MaxEntries == 0 {
		t.Fatalf("unexpected stats: %s", stats.ToString())
	}
}

func TestMap_NilKeyValuePanicsForWeakStrengths(t *testing.T) {
	m, err := NewPointerMap[point, point](WithKeyStrength(Weak), WithValueStrength(Soft))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mustPanicWith(t, ErrNilKey, func() { m.Store(nil, &point{}) })
	mustPanicWith(t, ErrNilValue, func() { m.Store(&point{}, nil) })
	mustPanicWith(t, ErrNilKey, func() { m.Delete(nil) })
	if _, ok := m.Load(nil); ok {
		t.Fatal("nil key must read as absent")
	}
	if !m.IsZero() {
		t.Fatal("nothing should have been stored")
	}
}

func TestMap_NilPointersAllowedForStrongStrengths(t *testing.T) {
	m, err := NewPointerMap[point, point]()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Store(nil, nil)
	if v, ok := m.Load(nil); !ok || v != nil {
		t.Fatal("nil value was expected")
	}
}

func TestNew_RejectsNonPointerStrengths(t *testing.T) {
	if _, err := New[string, int](WithKeyStrength(Weak)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := New[string, int](WithValueStrength(Soft)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := NewPointerKeyMap[point, int](WithValueStrength(Weak)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := NewPointerValueMap[int, point](WithKeyStrength(Weak)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := New[string, int](WithConcurrencyLevel(0)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := New[string, int](WithInitialCapacity(-1)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestMap_ParallelStores(t *testing.T) {
	const numStorers = 4
	const numIters = 10_000
	const numEntries = 100
	m := newTestMap[string, int](t)
	cdone := make(chan bool)
	for i := 0; i < numStorers; i++ {
		go parallelSeqStorer(t, m, i, numIters, numEntries, cdone)
	}
	// Wait for the goroutines to finish.
	for i := 0; i < numStorers; i++ {
		<-cdone
	}
	// Verify map contents.
	for i := 0; i < numEntries; i++ {
		v, ok := m.Load(strconv.Itoa(i))
		if !ok {
			t.Fatalf("value not found for %d", i)
		}
		if v != i {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
}

func parallelSeqStorer(t *testing.T, m *Map[string, int], storeEach, numIters, numEntries int, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		for j := 0; j < numEntries; j++ {
			if storeEach == 0 || j%storeEach == 0 {
				m.Store(strconv.Itoa(j), j)
				// Due to atomic snapshots we must see a "<j>"/j pair.
				v, ok := m.Load(strconv.Itoa(j))
				if !ok {
					t.Errorf("value was not found for %d", j)
					break
				}
				if v != j {
					t.Errorf("value was not expected for %d: %d", j, v)
					break
				}
			}
		}
	}
	cdone <- true
}

func parallelRandStorer(t *testing.T, m *Map[string, int], numIters, numEntries int, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		j := rand.IntN(numEntries)
		if v, loaded := m.LoadOrStore(strconv.Itoa(j), j); loaded {
			if v != j {
				t.Errorf("value was not expected for %d: %d", j, v)
			}
		}
	}
	cdone <- true
}

func parallelRandDeleter(t *testing.T, m *Map[string, int], numIters, numEntries int, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		j := rand.IntN(numEntries)
		if v, loaded := m.LoadAndDelete(strconv.Itoa(j)); loaded {
			if v != j {
				t.Errorf("value was not expected for %d: %d", j, v)
			}
		}
	}
	cdone <- true
}

func parallelLoader(t *testing.T, m *Map[string, int], numIters, numEntries int, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		for j := 0; j < numEntries; j++ {
			// Due to atomic snapshots we must either see no entry, or a "<j>"/j pair.
			if v, ok := m.Load(strconv.Itoa(j)); ok {
				if v != j {
					t.Errorf("value was not expected for %d: %d", j, v)
				}
			}
		}
	}
	cdone <- true
}

func TestMap_AtomicSnapshot(t *testing.T) {
	const numIters = 100_000
	const numEntries = 100
	m := newTestMap[string, int](t)
	cdone := make(chan bool)
	// Update or delete random entry in parallel with loads.
	go parallelRandStorer(t, m, numIters, numEntries, cdone)
	go parallelRandDeleter(t, m, numIters, numEntries, cdone)
	go parallelLoader(t, m, numIters, numEntries, cdone)
	// Wait for the goroutines to finish.
	for i := 0; i < 3; i++ {
		<-cdone
	}
}

func TestMap_ParallelStoresAndDeletes(t *testing.T) {
	const numWorkers = 2
	const numIters = 100_000
	const numEntries = 1000
	m := newTestMap[string, int](t)
	cdone := make(chan bool)
	// Update random entry in parallel with deletes.
	for i := 0; i < numWorkers; i++ {
		go parallelRandStorer(t, m, numIters, numEntries, cdone)
		go parallelRandDeleter(t, m, numIters, numEntries, cdone)
	}
	// Wait for the goroutines to finish.
	for i := 0; i < 2*numWorkers; i++ {
		<-cdone
	}
	stats := m.Stats()
	if stats.Size != stats.Counter {
		t.Fatalf("counter does not match the entries: %s", stats.ToString())
	}
}

func parallelRangeStorer(m *Map[int, int], numEntries int, stopFlag *int64, cdone chan bool) {
	for {
		for i := 0; i < numEntries; i++ {
			m.Store(i, i)
		}
		if atomic.LoadInt64(stopFlag) != 0 {
			break
		}
	}
	cdone <- true
}

func parallelRangeDeleter(m *Map[int, int], numEntries int, stopFlag *int64, cdone chan bool) {
	for {
		for i := 0; i < numEntries; i++ {
			m.Delete(i)
		}
		if atomic.LoadInt64(stopFlag) != 0 {
			break
		}
	}
	cdone <- true
}

func TestMap_ParallelRange(t *testing.T) {
	const numEntries = 10_000
	m := newTestMap[int, int](t, WithInitialCapacity(numEntries))
	for i := 0; i < numEntries; i++ {
		m.Store(i, i)
	}
	// Start goroutines that would be storing and deleting items in parallel.
	cdone := make(chan bool)
	stopFlag := int64(0)
	go parallelRangeStorer(m, numEntries, &stopFlag, cdone)
	go parallelRangeDeleter(m, numEntries, &stopFlag, cdone)
	// Iterate the map and verify that no duplicate keys were met.
	met := make(map[int]int)
	m.Range(func(key int, value int) bool {
		if key != value {
			t.Fatalf("got unexpected value for key %d: %d", key, value)
			return false
		}
		met[key] += 1
		return true
	})
	if len(met) == 0 {
		t.Fatal("no entries were met when iterating")
	}
	for k, c := range met {
		if c != 1 {
			t.Fatalf("met key %d multiple times: %d", k, c)
		}
	}
	// Make sure that both goroutines finish.
	atomic.StoreInt64(&stopFlag, 1)
	<-cdone
	<-cdone
}

func parallelShrinker(t *testing.T, m *Map[uint64, *point], numIters, numEntries int, stopFlag *int64, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		for j := 0; j < numEntries; j++ {
			if p, loaded := m.LoadOrStore(uint64(j), &point{int32(j), int32(j)}); loaded {
				t.Errorf("value was present for %d: %v", j, p)
			}
		}
		for j := 0; j < numEntries; j++ {
			m.Delete(uint64(j))
		}
	}
	atomic.StoreInt64(stopFlag, 1)
	cdone <- true
}

func parallelUpdater(t *testing.T, m *Map[uint64, *point], idx int, stopFlag *int64, cdone chan bool) {
	for atomic.LoadInt64(stopFlag) != 1 {
		if p, loaded := m.LoadOrStore(uint64(idx), &point{int32(idx), int32(idx)}); loaded {
			t.Errorf("value was present for %d: %v", idx, p)
		}
		if _, ok := m.Load(uint64(idx)); !ok {
			t.Errorf("value was not found for %d", idx)
		}
		m.Delete(uint64(idx))
	}
	cdone <- true
}

func TestMap_DoesNotLoseEntriesOnResize(t *testing.T) {
	const numIters = 1_000
	const numEntries = 128
	m := newTestMap[uint64, *point](t, WithInitialCapacity(0))
	cdone := make(chan bool)
	stopFlag := int64(0)
	go parallelShrinker(t, m, numIters, numEntries, &stopFlag, cdone)
	go parallelUpdater(t, m, numEntries, &stopFlag, cdone)
	// Wait for the goroutines to finish.
	<-cdone
	<-cdone
	// Verify map contents.
	if s := m.Size(); s != 0 {
		t.Fatalf("map is not empty: %d", s)
	}
}

func mustPanicWith(t *testing.T, want error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, want) {
			t.Fatalf("expected panic with %v, got %v", want, r)
		}
	}()
	fn()
}
