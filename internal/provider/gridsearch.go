package provider

import (
	"context"
	"fmt"
	"sort"

	"github.com/pipetree/pipetree/internal/artifact"
	"github.com/pipetree/pipetree/internal/perr"
)

// GridSearchProvider yields one artifact per point in the Cartesian
// product of its list-valued options, tagging each with its coordinates
// as fan-out parameters.
type GridSearchProvider struct {
	Options map[string][]interface{}
}

// Yield implements Provider.
func (p *GridSearchProvider) Yield(ctx context.Context) <-chan Result {
	out := make(chan Result, 8)
	go func() {
		defer close(out)

		if len(p.Options) == 0 {
			emit(ctx, out, Result{Err: fmt.Errorf("%w: grid search stage requires at least one list-valued option", perr.ErrConfigError)})
			return
		}

		keys := make([]string, 0, len(p.Options))
		for k := range p.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		points := []map[string]interface{}{{}}
		for _, k := range keys {
			values := p.Options[k]
			if len(values) == 0 {
				emit(ctx, out, Result{Err: fmt.Errorf("%w: grid search option %q has no values", perr.ErrConfigError, k)})
				return
			}
			next := make([]map[string]interface{}, 0, len(points)*len(values))
			for _, point := range points {
				for _, v := range values {
					np := make(map[string]interface{}, len(point)+1)
					for pk, pv := range point {
						np[pk] = pv
					}
					np[k] = v
					next = append(next, np)
				}
			}
			points = next
		}

		for _, point := range points {
			item := artifact.NewItem(point)
			hash, err := artifact.StableHashJSON(point)
			if err != nil {
				emit(ctx, out, Result{Err: err})
				return
			}
			fanout := artifact.FanoutParameters{}
			for k, v := range point {
				fanout[k] = v
			}
			if !emit(ctx, out, Result{Item: item, SpecificHash: hash, Fanout: fanout}) {
				return
			}
		}
	}()
	return out
}
