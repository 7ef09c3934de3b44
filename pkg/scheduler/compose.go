package scheduler

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Step is one unit of work in a Chain or Group.
type Step func(ctx context.Context) error

// Chain runs steps sequentially, stopping at (and returning) the first
// error.
func Chain(ctx context.Context, steps ...Step) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Group runs steps concurrently and waits for all of them, returning the
// first error encountered. The context passed to each step is cancelled
// as soon as any step fails, but a step that ignores ctx still runs to
// completion.
func Group(ctx context.Context, steps ...Step) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, step := range steps {
		g.Go(func() error {
			return step(gctx)
		})
	}
	return g.Wait()
}

// Callback runs fn with the error (nil on success) produced by running
// steps as a Group, useful for recording a pipeline stage's outcome
// without interrupting the caller's own error handling.
func Callback(ctx context.Context, fn func(error), steps ...Step) {
	fn(Group(ctx, steps...))
}
