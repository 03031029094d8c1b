// Package provider implements the artifact providers for the built-in
// leaf stage kinds (LocalFile, LocalDirectory, Parameter, GridSearch).
// Each provider yields items together with the specific_hash and, for
// GridSearch, the fan-out parameters that the owning stage wraps into
// full Artifacts.
package provider

import (
	"context"

	"github.com/pipetree/pipetree/internal/artifact"
)

// Result is one unit produced by a Provider. Err, when set, terminates
// the stream; no further Results follow it.
type Result struct {
	Item         *artifact.Item
	SpecificHash string
	Fanout       artifact.FanoutParameters
	Err          error
}

// Provider yields a lazy sequence of Results. Implementations must set
// SpecificHash on every non-error Result before sending it, per §4.3's
// invariant that every yielded artifact has its specific_hash set.
type Provider interface {
	Yield(ctx context.Context) <-chan Result
}

// emit is a small helper so providers can bail out early on ctx
// cancellation without leaking a blocked send.
func emit(ctx context.Context, out chan<- Result, r Result) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}
