package refmap

import "github.com/pkg/errors"

var (
	// ErrInvalidArgument is wrapped by every error caused by a bad argument:
	// configuration violations, counts that would overflow, negative counts
	// and missing computing functions.
	ErrInvalidArgument = errors.New("refmap: invalid argument")

	// ErrOverflow is returned when an update would overflow a counter.
	// The map is left unchanged. It wraps ErrInvalidArgument.
	ErrOverflow = errors.Wrap(ErrInvalidArgument, "refmap: count overflow")

	// ErrNilKey is the panic value for a nil key passed to a map whose keys
	// are weakly or softly held.
	ErrNilKey = errors.New("refmap: nil key")

	// ErrNilValue is the panic value for a nil value passed to a map whose
	// values are weakly or softly held. LoadOrCompute returns it when the
	// computing function produces a nil value for such a map.
	ErrNilValue = errors.New("refmap: nil value")

	// ErrConcurrentModification is returned by RangeStrict when a segment
	// was structurally modified while it was being visited. The caller may
	// retry.
	ErrConcurrentModification = errors.New("refmap: concurrent modification")

	// ErrRecursiveComputation is returned when a computing function asks,
	// on its own context chain, for the key it is computing.
	ErrRecursiveComputation = errors.New("refmap: recursive computation")

	// ErrComputationPanicked is returned to callers that were waiting on a
	// computation whose function panicked.
	ErrComputationPanicked = errors.New("refmap: computing function panicked")
)

func invalidArgument(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}
