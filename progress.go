package sepcorr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// ProgressFunc receives progress reports from a running job. percent is -1
// while the total line count is still unknown, 0..100 afterwards.
// It is called from the correction goroutine and must not block for long.
type ProgressFunc func(percent float64, message string)

// JobState is the live state of one correction job. Counters are written
// only by the correction goroutine; the total only by the counting goroutine.
// Any goroutine may read a Snapshot.
type JobState struct {
	totalKnown   atomic.Bool
	total        atomic.Int64
	seen         atomic.Int64
	processed    atomic.Int64
	matched      atomic.Int64
	interpolated atomic.Int64
	unresolved   atomic.Int64
	filtered     atomic.Int64
	warnings     atomic.Int64
	cancelled    atomic.Bool
}

// Snapshot is a point-in-time copy of a JobState.
type Snapshot struct {
	TotalKnown      bool  `json:"total_known"`
	TotalLines      int64 `json:"total_lines"`
	SeenLines       int64 `json:"seen_lines"`
	ProcessedLines  int64 `json:"processed_lines"`
	MatchedCount    int64 `json:"matched_count"`
	Interpolated    int64 `json:"interpolated_count"`
	Unresolved      int64 `json:"unresolved_count"`
	FilteredCount   int64 `json:"filtered_count"`
	Warnings        int64 `json:"warnings"`
	CancelRequested bool  `json:"cancel_requested"`
}

// Snapshot returns the current counters.
func (s *JobState) Snapshot() Snapshot {
	return Snapshot{
		TotalKnown:      s.totalKnown.Load(),
		TotalLines:      s.total.Load(),
		SeenLines:       s.seen.Load(),
		ProcessedLines:  s.processed.Load(),
		MatchedCount:    s.matched.Load(),
		Interpolated:    s.interpolated.Load(),
		Unresolved:      s.unresolved.Load(),
		FilteredCount:   s.filtered.Load(),
		Warnings:        s.warnings.Load(),
		CancelRequested: s.cancelled.Load(),
	}
}

// RequestCancel marks the job as cancelled. The correction pass notices it
// at its next polling point.
func (s *JobState) RequestCancel() { s.cancelled.Store(true) }

// CancelRequested reports whether RequestCancel has been called.
func (s *JobState) CancelRequested() bool { return s.cancelled.Load() }

func (s *JobState) setTotal(n int64) {
	s.total.Store(n)
	s.totalKnown.Store(true)
}

// Percent returns completion in percent, or -1 if the total is unknown.
func (s Snapshot) Percent() float64 {
	if !s.TotalKnown {
		return -1
	}
	if s.TotalLines <= 0 {
		return 100
	}
	p := float64(s.SeenLines) / float64(s.TotalLines) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Message renders the human-readable progress line.
func (s Snapshot) Message() string {
	if !s.TotalKnown {
		return fmt.Sprintf("processed %d lines (total unknown)", s.SeenLines)
	}
	return fmt.Sprintf("processed %d / %d (%.1f%%)", s.SeenLines, s.TotalLines, s.Percent())
}

// reporter throttles progress emission and cancellation polling to one check
// every interval lines.
type reporter struct {
	ctx      context.Context
	state    *JobState
	sink     ProgressFunc
	interval int64
	next     int64
}

func newReporter(ctx context.Context, state *JobState, sink ProgressFunc, interval int) *reporter {
	return &reporter{ctx: ctx, state: state, sink: sink, interval: int64(interval), next: int64(interval)}
}

// tick is called once per data line. It returns a non-nil error once the
// job has been cancelled.
func (r *reporter) tick() error {
	seen := r.state.seen.Load()
	if seen < r.next {
		return nil
	}
	r.next = seen + r.interval
	r.emit()
	return r.cancelled()
}

func (r *reporter) cancelled() error {
	if err := r.ctx.Err(); err != nil {
		r.state.RequestCancel()
		return err
	}
	if r.state.CancelRequested() {
		return context.Canceled
	}
	return nil
}

func (r *reporter) emit() {
	if r.sink == nil {
		return
	}
	snap := r.state.Snapshot()
	r.sink(snap.Percent(), snap.Message())
}

// lineCounter counts the data lines of a file concurrently with the
// correction pass, using its own file handle.
type lineCounter struct {
	done  chan struct{}
	count int64
	err   error
}

// startLineCounter starts counting path and publishes the result to state.
// It stops early when ctx is cancelled or the job state is marked cancelled.
func startLineCounter(ctx context.Context, path string, state *JobState, pollEvery int) *lineCounter {
	lc := &lineCounter{done: make(chan struct{})}
	go func() {
		defer close(lc.done)
		fi, err := os.Open(path)
		if err != nil {
			lc.err = err
			return
		}
		defer fi.Close()

		lc.count, lc.err = countDataLines(ctx, fi, state, pollEvery)
		if lc.err == nil {
			state.setTotal(lc.count)
		}
	}()
	return lc
}

// wait blocks until the counter has stopped.
func (lc *lineCounter) wait() (int64, error) {
	<-lc.done
	return lc.count, lc.err
}

// countDataLines counts lines that are non-empty after trimming and do not
// start with ';'.
func countDataLines(ctx context.Context, r io.Reader, state *JobState, pollEvery int) (int64, error) {
	if pollEvery <= 0 {
		pollEvery = DefaultProgressInterval
	}
	lr := newLineReader(r)
	var n, lines int64
	for {
		line, err := lr.next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if isDataLine(line) {
			n++
		}

		lines++
		if lines%int64(pollEvery) == 0 {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			if state != nil && state.CancelRequested() {
				return n, context.Canceled
			}
		}
	}
}

func isDataLine(line []byte) bool {
	line = bytes.TrimSpace(line)
	return len(line) > 0 && line[0] != ';'
}
