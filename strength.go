package refmap

import (
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"weak"
)

// Strength describes how the map holds a key or a value.
type Strength uint8

const (
	// Strong holds the object with an ordinary reference. It is the only
	// strength available for non-pointer types.
	Strong Strength = iota
	// Weak holds the object with a weak pointer. The entry is evicted once
	// the object becomes unreachable outside the map and is collected.
	Weak
	// Soft holds the object strongly for as long as it keeps being accessed,
	// and weakly once it has not been accessed for the soft retention
	// period.
	Soft
)

func (s Strength) String() string {
	switch s {
	case Strong:
		return "strong"
	case Weak:
		return "weak"
	case Soft:
		return "soft"
	default:
		return "Strength(" + strconv.Itoa(int(s)) + ")"
	}
}

// ParseStrength parses "strong", "weak" or "soft" (case-insensitive).
func ParseStrength(text string) (Strength, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "strong", "":
		return Strong, nil
	case "weak":
		return Weak, nil
	case "soft":
		return Soft, nil
	}
	return Strong, invalidArgument("unknown strength %q", text)
}

// MarshalText implements encoding.TextMarshaler.
func (s Strength) MarshalText() ([]byte, error) {
	if s > Soft {
		return nil, invalidArgument("unknown strength %d", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It is used by both the
// YAML and the koanf configuration loaders.
func (s *Strength) UnmarshalText(text []byte) error {
	v, err := ParseStrength(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// reference is the holder of a key or a value.
//
// get dereferences the holder; ok is false once the referent was collected.
// cleared reports the same without counting as an access.
// release cancels the collection notification; the map calls it when it
// drops the holder.
// expire lets a soft holder drop its strong pin when it was not accessed
// within the retention period, and reports whether it did.
type reference[T any] interface {
	get() (v T, ok bool)
	cleared() bool
	release()
	expire(now int64) bool
}

// refFactory builds a holder for v. notify, when not nil, must be invoked
// once v has been collected.
type refFactory[T any] func(v T, policy *softPolicy, notify func()) reference[T]

// softPolicy is shared by all soft holders of a map.
type softPolicy struct {
	now       func() int64
	retention int64
}

type strongRef[T any] struct {
	v T
}

func newStrongRef[T any](v T, _ *softPolicy, _ func()) reference[T] {
	return &strongRef[T]{v: v}
}

func (r *strongRef[T]) get() (T, bool)    { return r.v, true }
func (r *strongRef[T]) cleared() bool     { return false }
func (r *strongRef[T]) release()          {}
func (r *strongRef[T]) expire(int64) bool { return false }

type weakRef[T any] struct {
	p       weak.Pointer[T]
	cleanup runtime.Cleanup
}

func newWeakRef[T any](v *T, _ *softPolicy, notify func()) reference[*T] {
	r := &weakRef[T]{p: weak.Make(v)}
	if notify != nil {
		r.cleanup = runtime.AddCleanup(v, runNotify, notify)
	}
	return r
}

func (r *weakRef[T]) get() (*T, bool) {
	v := r.p.Value()
	return v, v != nil
}

func (r *weakRef[T]) cleared() bool     { return r.p.Value() == nil }
func (r *weakRef[T]) release()          { r.cleanup.Stop() }
func (r *weakRef[T]) expire(int64) bool { return false }

// softRef pins its referent with a strong pointer that the segment sweep
// drops after the retention period without access. An unpinned referent
// that is still alive is pinned again on the next access.
type softRef[T any] struct {
	p       weak.Pointer[T]
	pin     atomic.Pointer[T]
	touched atomic.Int64
	policy  *softPolicy
	cleanup runtime.Cleanup
}

func newSoftRef[T any](v *T, policy *softPolicy, notify func()) reference[*T] {
	r := &softRef[T]{p: weak.Make(v), policy: policy}
	r.pin.Store(v)
	r.touched.Store(policy.now())
	if notify != nil {
		r.cleanup = runtime.AddCleanup(v, runNotify, notify)
	}
	return r
}

func (r *softRef[T]) get() (*T, bool) {
	if v := r.pin.Load(); v != nil {
		r.touched.Store(r.policy.now())
		return v, true
	}
	v := r.p.Value()
	if v == nil {
		return nil, false
	}
	r.touched.Store(r.policy.now())
	r.pin.CompareAndSwap(nil, v)
	return v, true
}

func (r *softRef[T]) cleared() bool {
	return r.pin.Load() == nil && r.p.Value() == nil
}

func (r *softRef[T]) release() { r.cleanup.Stop() }

func (r *softRef[T]) expire(now int64) bool {
	if r.pin.Load() == nil || now-r.touched.Load() < r.policy.retention {
		return false
	}
	r.pin.Store(nil)
	return true
}

// runNotify is the cleanup function registered for weak and soft referents.
// It must not capture the referent, so the notification travels as the
// cleanup argument.
func runNotify(notify func()) {
	notify()
}

// refOps bundles what the map needs to hold one side (keys or values).
type refOps[T any] struct {
	strength Strength
	make     refFactory[T]
	isNil    func(T) bool
}

func strongOps[T any]() refOps[T] {
	return refOps[T]{strength: Strong, make: newStrongRef[T]}
}

func pointerOps[T any](s Strength) refOps[*T] {
	ops := refOps[*T]{
		strength: s,
		isNil:    func(v *T) bool { return v == nil },
	}
	switch s {
	case Weak:
		ops.make = newWeakRef[T]
	case Soft:
		ops.make = newSoftRef[T]
	default:
		ops.strength = Strong
		ops.make = newStrongRef[*T]
		ops.isNil = nil
	}
	return ops
}
