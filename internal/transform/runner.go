package transform

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultParallelRuns bounds RunAll when no limit is configured.
const DefaultParallelRuns = 8

// Item is the result of one run started by RunAll.
type Item struct {
	Result Result
	Err    error
}

// Runner runs independent pipelines in parallel.
type Runner struct {
	orchestrator *Orchestrator
	limit        int
}

// NewRunner creates a Runner executing at most limit runs at a time. A
// non-positive limit uses DefaultParallelRuns.
func NewRunner(o *Orchestrator, limit int) *Runner {
	if limit <= 0 {
		limit = DefaultParallelRuns
	}
	return &Runner{orchestrator: o, limit: limit}
}

// RunAll runs every request and returns one Item per request, in request
// order. A failed run does not stop the others; ctx cancellation does, and
// runs not yet handed off when it happens report the context error.
func (r *Runner) RunAll(ctx context.Context, reqs []Request) []Item {
	items := make([]Item, len(reqs))

	var g errgroup.Group
	g.SetLimit(r.limit)
	for i := range reqs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				items[i] = Item{Err: err}
				return nil
			}
			res, err := r.orchestrator.Run(ctx, reqs[i])
			items[i] = Item{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return items
}
