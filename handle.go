package sepcorr

import (
	"context"
	"time"
)

// Handle is a correction job running in its own goroutine.
type Handle struct {
	state   *JobState
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	summary Summary
	err     error
}

// Start runs the job described by Run in the background and returns at once.
func Start(ctx context.Context, input, reference string, progress ProgressFunc, opts ...Option) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		state:   new(JobState),
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	o := buildOptions(opts)
	go func() {
		defer close(h.done)
		defer cancel()
		h.summary, h.err = run(ctx, input, reference, progress, h.state, o)
	}()
	return h
}

// Cancel asks the job to stop. It returns immediately; use Wait to join.
func (h *Handle) Cancel() {
	h.state.RequestCancel()
	h.cancel()
}

// Done is closed when the job has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job has finished and returns its result.
func (h *Handle) Wait() (Summary, error) {
	<-h.done
	return h.summary, h.err
}

// State returns the live counters of the job.
func (h *Handle) State() Snapshot { return h.state.Snapshot() }

// Started returns when the job was started.
func (h *Handle) Started() time.Time { return h.started }
