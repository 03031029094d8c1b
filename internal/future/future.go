// Package future implements the cooperative barrier a stage run waits
// on for its inputs: an InputFuture moves through Pending, Scheduled(n),
// and one of Complete, Failed, or Cancelled. Per §9's explicit
// redesign, this replaces the original's asyncio.Future/threading.Lock
// pairing with a mutex-guarded state machine and a done channel.
package future

import (
	"context"
	"fmt"
	"sync"

	"github.com/pipetree/pipetree/internal/artifact"
)

// State is one point in an InputFuture's lifecycle.
type State int

const (
	Pending State = iota
	Scheduled
	Complete
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Scheduled:
		return "scheduled"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ErrAlreadySettled is returned by Deliver/DeliverBatch when the future
// is not in the Scheduled state (Schedule not yet called, or already
// settled). Fail and Cancel on a settled future are silent no-ops.
var ErrAlreadySettled = fmt.Errorf("future: already settled")

// InputFuture collects the artifacts a stage run is waiting on — one
// delivery per scheduled producer, each carrying any number of
// artifacts — and resolves once they all arrive, one fails, or the run
// is cancelled.
type InputFuture struct {
	StageName string

	mu        sync.Mutex
	state     State
	expected  int
	delivered int
	results   []*artifact.Artifact
	err       error
	done      chan struct{}
}

// New returns a fresh InputFuture in the Pending state.
func New(stageName string) *InputFuture {
	return &InputFuture{
		StageName: stageName,
		done:      make(chan struct{}),
	}
}

// State reports the future's current state.
func (f *InputFuture) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Schedule transitions Pending -> Scheduled(n), recording how many
// deliveries (Deliver or DeliverBatch calls) the caller expects. Calling
// Schedule with n == 0 resolves immediately to Complete with an empty
// result set, matching a stage with no inputs.
func (f *InputFuture) Schedule(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Pending {
		return
	}
	f.expected = n
	f.state = Scheduled
	if n == 0 {
		f.state = Complete
		close(f.done)
	}
}

// Deliver records one resolved artifact. Once the expected count is
// reached the future settles to Complete.
func (f *InputFuture) Deliver(a *artifact.Artifact) error {
	return f.DeliverBatch([]*artifact.Artifact{a})
}

// DeliverBatch records the artifacts one scheduled producer resolved to,
// counting as a single delivery against Schedule's expected count
// regardless of how many artifacts it carries. This is what lets an
// InputFuture represent "n predecessor stages", each of which yields its
// own artifact slice, rather than "n individual artifacts" — Deliver is
// just DeliverBatch of a one-element slice.
func (f *InputFuture) DeliverBatch(artifacts []*artifact.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Scheduled {
		return fmt.Errorf("%w: stage %q is %s", ErrAlreadySettled, f.StageName, f.state)
	}
	f.results = append(f.results, artifacts...)
	f.delivered++
	if f.delivered >= f.expected {
		f.state = Complete
		close(f.done)
	}
	return nil
}

// Fail settles the future as Failed with err.
func (f *InputFuture) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Complete || f.state == Failed || f.state == Cancelled {
		return
	}
	f.state = Failed
	f.err = err
	close(f.done)
}

// Cancel settles the future as Cancelled.
func (f *InputFuture) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Complete || f.state == Failed || f.state == Cancelled {
		return
	}
	f.state = Cancelled
	close(f.done)
}

// Wait blocks until the future settles or ctx is cancelled, returning
// the collected artifacts on Complete.
func (f *InputFuture) Wait(ctx context.Context) ([]*artifact.Artifact, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case Complete:
		return f.results, nil
	case Failed:
		return nil, f.err
	case Cancelled:
		return nil, context.Canceled
	default:
		return nil, fmt.Errorf("future: settled in unexpected state %s", f.state)
	}
}
