// Package task runs the engine's background I/O. Jobs run off the editor
// task, one at a time in submission order, because later filesystem sync
// actions assume earlier ones completed.
package task

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Runner executes jobs sequentially on a background goroutine.
type Runner struct {
	ctx     context.Context
	cancel  context.CancelFunc
	g       *errgroup.Group
	jobs    chan func(context.Context) error
	onError func(error)

	closeOnce sync.Once
}

// NewRunner starts a runner. onError observes job failures; it may be nil.
func NewRunner(parent context.Context, onError func(error)) *Runner {
	ctx, cancel := context.WithCancel(parent)
	g, ctx := errgroup.WithContext(ctx)
	r := &Runner{
		ctx:     ctx,
		cancel:  cancel,
		g:       g,
		jobs:    make(chan func(context.Context) error, 128),
		onError: onError,
	}
	g.Go(r.loop)
	return r
}

func (r *Runner) loop() error {
	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		case job, ok := <-r.jobs:
			if !ok {
				return nil
			}
			if err := job(r.ctx); err != nil && r.onError != nil {
				r.onError(err)
			}
		}
	}
}

// Go enqueues a job. Jobs run in submission order; a failing job is
// reported but doesn't stop later ones.
func (r *Runner) Go(job func(context.Context) error) {
	select {
	case r.jobs <- job:
	case <-r.ctx.Done():
	}
}

// Flush blocks until every job submitted so far has finished.
func (r *Runner) Flush() {
	done := make(chan struct{})
	r.Go(func(context.Context) error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-r.ctx.Done():
	}
}

// Close drains pending jobs and stops the runner.
func (r *Runner) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.jobs)
		err = r.g.Wait()
		r.cancel()
	})
	if err != nil && err != context.Canceled {
		return fmt.Errorf("background runner: %w", err)
	}
	return nil
}
