// Package perr collects the sentinel errors shared across the pipeline
// core, matching §7's error taxonomy. Call sites wrap these with
// fmt.Errorf("...: %w", perr.ErrSourceMissing) to attach context, the way
// the teacher wraps stdlib errors rather than defining a rich error type
// hierarchy.
package perr

import "errors"

var (
	// ErrConfigError covers unknown stage kinds, bad identifiers, missing
	// required fields, and dangling input references. Fatal at load time.
	ErrConfigError = errors.New("config error")

	// ErrSourceMissing is returned when a provider cannot read a declared
	// filesystem source.
	ErrSourceMissing = errors.New("source missing")

	// ErrMissingPayload is returned by SaveArtifact when the artifact's
	// item has no payload.
	ErrMissingPayload = errors.New("missing payload")

	// ErrCorruption indicates backend metadata references a payload that
	// cannot be fetched.
	ErrCorruption = errors.New("corruption")

	// ErrRaceLost indicates a compare-and-swap on remote stage-run
	// metadata failed after bounded retries.
	ErrRaceLost = errors.New("race lost")

	// ErrCancelled names cooperative cancellation in the taxonomy; it is
	// not a true error. The scheduler, futures and executors report
	// cancellation as the context's own error (context.Canceled).
	ErrCancelled = errors.New("cancelled")

	// ErrWorkerFailure wraps a failure raised by a user-supplied callable.
	ErrWorkerFailure = errors.New("worker failure")
)
