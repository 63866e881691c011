package refmap

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ComputeFunc produces the value for key.
//
// The map runs at most one ComputeFunc per key at a time: concurrent callers
// asking for the same key wait for the running computation and receive its
// value or its error. The function runs without any lock held and receives
// a context derived from the initiating caller's one. Passing that context
// back into the map for the same key reports ErrRecursiveComputation
// instead of deadlocking; a fresh context cannot be recognised and
// deadlocks.
type ComputeFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// computation is the shared state of one running ComputeFunc call.
type computation[V any] struct {
	done chan struct{}
	// value and err are written before done is closed.
	value V
	err   error
	// recursive is set when the function re-entered the map for its own key.
	recursive atomic.Bool
	// waiters is the number of goroutines blocked in wait.
	waiters atomic.Int32
}

func newComputation[V any]() *computation[V] {
	return &computation[V]{done: make(chan struct{})}
}

func (c *computation[V]) finish(v V, err error) {
	c.value, c.err = v, err
	close(c.done)
}

// wait blocks until the computation finishes or ctx is done. A cancelled
// waiter leaves the computation running.
func (c *computation[V]) wait(ctx context.Context) (V, error) {
	c.waiters.Add(1)
	defer c.waiters.Add(-1)
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

type computingKey struct{}

// computingFrame links the computations a context is running inside of.
type computingFrame struct {
	comp   any
	parent *computingFrame
}

func withComputation(ctx context.Context, comp any) context.Context {
	parent, _ := ctx.Value(computingKey{}).(*computingFrame)
	return context.WithValue(ctx, computingKey{}, &computingFrame{comp: comp, parent: parent})
}

func runningIn(ctx context.Context, comp any) bool {
	f, _ := ctx.Value(computingKey{}).(*computingFrame)
	for ; f != nil; f = f.parent {
		if f.comp == comp {
			return true
		}
	}
	return false
}

func (s *segment[K, V]) loadOrCompute(ctx context.Context, key K, hash uint64, fn ComputeFunc[K, V]) (V, error) {
	if e := s.findEntry(key, hash); e != nil {
		if v, ok := e.value.Load().get(); ok {
			s.postReadCleanup()
			return v, nil
		}
	}

	s.mu.Lock()
	s.cleanupLocked()
	var ph *valueHolder[V]
	if e := s.findEntry(key, hash); e != nil {
		vh := e.value.Load()
		if vh.computing() {
			s.mu.Unlock()
			return s.await(ctx, vh.comp)
		}
		if v, ok := vh.get(); ok {
			s.mu.Unlock()
			return v, nil
		}
		ph = &valueHolder[V]{comp: newComputation[V]()}
		e.value.Store(ph)
		vh.release()
	} else {
		ph = &valueHolder[V]{comp: newComputation[V]()}
		s.insertLocked(key, hash, ph)
	}
	s.mu.Unlock()

	return s.compute(ctx, key, hash, ph, fn)
}

func (s *segment[K, V]) await(ctx context.Context, c *computation[V]) (V, error) {
	if runningIn(ctx, c) {
		c.recursive.Store(true)
		var zero V
		return zero, errors.WithStack(ErrRecursiveComputation)
	}
	return c.wait(ctx)
}

// compute runs fn for the placeholder ph and publishes the outcome.
func (s *segment[K, V]) compute(ctx context.Context, key K, hash uint64, ph *valueHolder[V], fn ComputeFunc[K, V]) (v V, err error) {
	c := ph.comp
	s.m.computations.Add(1)

	completed := false
	defer func() {
		if completed {
			return
		}
		r := recover()
		if r == nil {
			// runtime.Goexit, as called by t.FailNow.
			s.fail(hash, ph, errors.New("refmap: computing goroutine exited"))
			return
		}
		s.m.logger.Warn().
			Int("segment", s.idx).
			Interface("panic", r).
			Msg("compute function panicked")
		s.fail(hash, ph, errors.Wrapf(ErrComputationPanicked, "%v", r))
		panic(r)
	}()
	v, err = fn(withComputation(ctx, c), key)
	completed = true

	if err == nil && c.recursive.Load() {
		err = errors.WithStack(ErrRecursiveComputation)
	}
	if err == nil && s.m.values.isNil != nil && s.m.values.isNil(v) {
		err = errors.WithStack(ErrNilValue)
	}
	if err != nil {
		s.fail(hash, ph, err)
		var zero V
		return zero, err
	}
	s.complete(hash, ph, v)
	return v, nil
}

// complete installs v in place of the placeholder, unless the placeholder
// was replaced or removed in the meantime, and wakes up the waiters.
func (s *segment[K, V]) complete(hash uint64, ph *valueHolder[V], v V) {
	s.mu.Lock()
	if e := s.placeholderEntry(hash, ph); e != nil {
		e.value.Store(s.newValueHolder(v, hash))
	}
	s.mu.Unlock()
	ph.comp.finish(v, nil)
}

// fail removes the placeholder so that later callers compute again, and
// hands err to the waiters.
func (s *segment[K, V]) fail(hash uint64, ph *valueHolder[V], err error) {
	s.m.computeFailures.Add(1)
	s.mu.Lock()
	t := s.table.Load()
	idx := t.index(hash)
	first := t.buckets[idx].Load()
	for e := first; e != nil; e = e.next {
		if e.value.Load() == ph {
			s.unlinkLocked(t, idx, first, e)
			e.key.release()
			break
		}
	}
	s.mu.Unlock()
	var zero V
	ph.comp.finish(zero, err)
}

func (s *segment[K, V]) placeholderEntry(hash uint64, ph *valueHolder[V]) *entry[K, V] {
	t := s.table.Load()
	for e := t.buckets[t.index(hash)].Load(); e != nil; e = e.next {
		if e.value.Load() == ph {
			return e
		}
	}
	return nil
}

// ComputingMap is a Map whose Get computes missing values with a fixed
// function.
type ComputingMap[K comparable, V any] struct {
	*Map[K, V]
	fn ComputeFunc[K, V]
}

// NewComputingMap creates a ComputingMap with the given options. The options
// are the ones accepted by New.
func NewComputingMap[K comparable, V any](fn ComputeFunc[K, V], options ...func(*Config)) (*ComputingMap[K, V], error) {
	if fn == nil {
		return nil, invalidArgument("nil compute function")
	}
	m, err := New[K, V](options...)
	if err != nil {
		return nil, err
	}
	return &ComputingMap[K, V]{Map: m, fn: fn}, nil
}

// Computing wraps an existing Map, for instance one with weak keys.
func Computing[K comparable, V any](m *Map[K, V], fn ComputeFunc[K, V]) (*ComputingMap[K, V], error) {
	if m == nil {
		return nil, invalidArgument("nil map")
	}
	if fn == nil {
		return nil, invalidArgument("nil compute function")
	}
	return &ComputingMap[K, V]{Map: m, fn: fn}, nil
}

// Get returns the value for key, computing it on first use.
//
// A compute function that needs other keys must pass the context it was
// given to Get. Asking for its own key with that context fails with
// ErrRecursiveComputation; asking with a fresh context, such as
// context.Background(), waits on itself and deadlocks.
func (cm *ComputingMap[K, V]) Get(ctx context.Context, key K) (V, error) {
	return cm.LoadOrCompute(ctx, key, cm.fn)
}
