// Package worker runs detached background work: fire-and-forget jobs that
// must never reach the caller, and periodic loops.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type JobStatus string

const (
	JobStatusDone   JobStatus = "done"
	JobStatusFailed JobStatus = "failed"
)

// ErrPanic wraps the value recovered from a panicking job.
var ErrPanic = errors.New("job panicked")

// Job is a unit of detached work. Its context is not derived from any
// request, so a finished request cannot cancel it.
type Job func(ctx context.Context) error

// Group spawns jobs and tracks them so shutdown can wait for in-flight work.
type Group struct {
	wg      sync.WaitGroup
	timeout time.Duration
	logger  *slog.Logger

	// OnDone, when set, observes the status of each finished job.
	OnDone func(name string, status JobStatus, err error)
}

func NewGroup(timeout time.Duration, logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{timeout: timeout, logger: logger}
}

// Go starts job on its own goroutine and returns immediately. Errors and
// panics are logged and reported to OnDone; they are never returned.
func (g *Group) Go(name string, job Job) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ctx := context.Background()
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}

		err := g.run(ctx, job)
		status := JobStatusDone
		if err != nil {
			status = JobStatusFailed
			g.logger.Error("background job failed", slog.String("job", name), slog.Any("error", err))
		}
		if g.OnDone != nil {
			g.OnDone(name, status, err)
		}
	}()
}

func (g *Group) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return job(ctx)
}

// Wait blocks until every started job has finished or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Every calls fn each interval until ctx is cancelled. The first call happens
// after one interval.
func Every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
