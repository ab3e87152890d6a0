package util

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Parallel runs fn over inputs with at most workerLimit in flight. The first
// error cancels the context passed to the remaining calls, stops scheduling
// new ones and is returned. A parent context that ends early is reported as
// its error.
func Parallel[T any](ctx context.Context, inputs []T, workerLimit int, fn func(context.Context, T) error) error {
	if len(inputs) == 0 {
		return nil
	}
	if workerLimit <= 0 {
		workerLimit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerLimit)

	for _, item := range inputs {
		if gctx.Err() != nil {
			break
		}
		item := item
		g.Go(func() error { return fn(gctx, item) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
