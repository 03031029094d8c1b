package provider

import (
	"context"
	"fmt"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/perr"
)

// ParameterProvider yields a single artifact whose payload is the option
// bundle itself.
type ParameterProvider struct {
	Options map[string]interface{}
}

// Yield implements Provider.
func (p *ParameterProvider) Yield(ctx context.Context) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		if len(p.Options) == 0 {
			emit(ctx, out, Result{Err: fmt.Errorf("%w: parameter stage requires at least one option", perr.ErrConfigError)})
			return
		}
		item := artifact.NewItem(p.Options)
		hash, err := artifact.StableHashJSON(p.Options)
		if err != nil {
			emit(ctx, out, Result{Err: err})
			return
		}
		emit(ctx, out, Result{Item: item, SpecificHash: hash})
	}()
	return out
}
