package sepcorr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const writeBufferSize = 256 * 1024

// Summary describes a finished, failed or cancelled correction job.
type Summary struct {
	Input           string        `json:"input"`
	Reference       string        `json:"reference"`
	Output          string        `json:"output"`
	ReferencePoints int           `json:"reference_points"`
	TotalLines      int64         `json:"total_lines"` // data lines read
	Filtered        int64         `json:"filtered"`
	Processed       int64         `json:"processed"`
	Exact           int64         `json:"exact"`
	Interpolated    int64         `json:"interpolated"`
	Unresolved      int64         `json:"unresolved"`
	Warnings        int64         `json:"warnings"`
	WarningLines    []string      `json:"warning_lines,omitempty"`
	Cancelled       bool          `json:"cancelled"`
	Elapsed         time.Duration `json:"elapsed"`
}

// MatchRate returns the share of processed records that matched exactly.
func (s Summary) MatchRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Exact) / float64(s.Processed) * 100
}

// Report renders the summary as a human-readable block.
func (s Summary) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "input:            %s\n", s.Input)
	fmt.Fprintf(&b, "reference:        %s (%d points)\n", s.Reference, s.ReferencePoints)
	fmt.Fprintf(&b, "output:           %s\n", s.Output)
	fmt.Fprintf(&b, "total lines:      %d\n", s.TotalLines)
	fmt.Fprintf(&b, "filtered (0 col): %d\n", s.Filtered)
	fmt.Fprintf(&b, "processed:        %d\n", s.Processed)
	fmt.Fprintf(&b, "exact matches:    %d\n", s.Exact)
	fmt.Fprintf(&b, "interpolated:     %d\n", s.Interpolated)
	fmt.Fprintf(&b, "unresolved:       %d\n", s.Unresolved)
	fmt.Fprintf(&b, "parse warnings:   %d\n", s.Warnings)
	fmt.Fprintf(&b, "match rate:       %.1f%%\n", s.MatchRate())
	fmt.Fprintf(&b, "elapsed:          %v\n", s.Elapsed.Round(time.Millisecond))
	if s.Cancelled {
		fmt.Fprintf(&b, "status:           cancelled after %d lines\n", s.TotalLines)
	}
	return b.String()
}

// Run corrects input against the reference table at reference.
//
// Kept records are written corrected to ConvertedPath(input), and input is
// replaced by a copy holding only the kept lines, byte for byte. Records
// with a zero col6 or col7 are dropped from both. Unparsable lines are
// skipped with a warning.
//
// Cancelling ctx stops the job within one progress interval; the corrected
// output written so far is kept, input is left untouched, and the returned
// error satisfies IsCancelled. The partial Summary is returned in every case.
func Run(ctx context.Context, input, reference string, progress ProgressFunc, opts ...Option) (Summary, error) {
	return run(ctx, input, reference, progress, new(JobState), buildOptions(opts))
}

func run(ctx context.Context, input, reference string, sink ProgressFunc, state *JobState, o *Options) (sum Summary, err error) {
	start := time.Now()
	sum = Summary{Input: input, Reference: reference, Output: ConvertedPath(input)}
	defer func() {
		snap := state.Snapshot()
		sum.TotalLines = snap.SeenLines
		sum.Filtered = snap.FilteredCount
		sum.Processed = snap.ProcessedLines
		sum.Exact = snap.MatchedCount
		sum.Interpolated = snap.Interpolated
		sum.Unresolved = snap.Unresolved
		sum.Warnings = snap.Warnings
		sum.Cancelled = IsCancelled(err)
		sum.Elapsed = time.Since(start)
	}()

	table, err := loadReferenceTable(reference, o)
	if err != nil {
		return sum, configError("load reference", reference, err)
	}
	sum.ReferencePoints = table.PointCount()

	in, err := os.Open(input)
	if err != nil {
		return sum, configError("open input", input, err)
	}
	defer in.Close()
	mode := os.FileMode(0644)
	if st, err := in.Stat(); err == nil {
		mode = st.Mode().Perm()
	}

	out, err := os.Create(sum.Output)
	if err != nil {
		return sum, ioError("create output", sum.Output, err)
	}
	defer out.Close()

	tmpPath := filteredPath(input)
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return sum, ioError("create filtered copy", tmpPath, err)
	}
	replaced := false
	defer func() {
		tmp.Close()
		if !replaced {
			os.Remove(tmpPath)
		}
	}()

	countCtx, stopCount := context.WithCancel(ctx)
	counter := startLineCounter(countCtx, input, state, o.ProgressInterval)
	defer func() {
		stopCount()
		counter.wait()
	}()

	o.Logger.Printf("info: correcting %s with %d reference points -> %s", input, table.PointCount(), sum.Output)

	rep := newReporter(ctx, state, sink, o.ProgressInterval)
	cw := bufio.NewWriterSize(out, writeBufferSize)
	fw := bufio.NewWriterSize(tmp, writeBufferSize)

	streamErr := correctStream(in, cw, fw, table, state, rep, o, &sum)
	if streamErr == nil {
		streamErr = rep.cancelled()
	}
	if streamErr != nil {
		var je *JobError
		if errors.As(streamErr, &je) {
			return sum, streamErr
		}
		// Cancelled: keep what has been corrected so far.
		if err := cw.Flush(); err != nil {
			o.Logger.Printf("warning: flushing %s: %v", sum.Output, err)
		}
		o.Logger.Printf("info: cancelled %s after %d lines", input, state.seen.Load())
		return sum, cancelledError(input, streamErr)
	}

	if err := cw.Flush(); err != nil {
		return sum, ioError("write output", sum.Output, err)
	}
	if err := out.Close(); err != nil {
		return sum, ioError("close output", sum.Output, err)
	}
	if err := fw.Flush(); err != nil {
		return sum, ioError("write filtered copy", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return sum, ioError("close filtered copy", tmpPath, err)
	}

	// The counter holds its own handle on input; release it before replacing.
	stopCount()
	counter.wait()
	in.Close()

	if err := ReplaceFile(tmpPath, input, o.Logger); err != nil {
		return sum, ioError("replace input", input, err)
	}
	replaced = true

	state.setTotal(state.seen.Load())
	rep.emit()

	snap := state.Snapshot()
	o.Logger.Printf("info: corrected %s: %d processed, %d filtered, %d exact, %d interpolated, %d warnings in %v",
		input, snap.ProcessedLines, snap.FilteredCount, snap.MatchedCount, snap.Interpolated, snap.Warnings,
		time.Since(start).Round(time.Millisecond))
	return sum, nil
}

// correctStream runs the per-line filter and correction loop. It returns a
// *JobError on I/O failure and the cancellation cause when stopped.
func correctStream(in io.Reader, cw, fw io.Writer, table *ReferenceTable, state *JobState, rep *reporter, o *Options, sum *Summary) error {
	codec := o.codec()
	lr := newLineReader(in)
	buf := make([]byte, 0, 128)

	var lineNo int64
	for {
		line, err := lr.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return ioError("read input", sum.Input, err)
		}
		lineNo++
		if !isDataLine(line) {
			continue
		}
		state.seen.Add(1)

		rec, ok := codec.Parse(line)
		switch {
		case !ok:
			if n := state.warnings.Add(1); n <= int64(o.MaxWarningLines) {
				w := fmt.Sprintf("line %d: parse failed, skipped", lineNo)
				sum.WarningLines = append(sum.WarningLines, w)
				o.Logger.Printf("warning: %s: %s", sum.Input, w)
			}
		case rec.Dropped():
			state.filtered.Add(1)
		default:
			if _, err := fw.Write(line); err != nil {
				return ioError("write filtered copy", filteredPath(sum.Input), err)
			}
			buf = correctRecord(buf[:0], codec, table, rec, state, o.MarkUnmatched)
			if _, err := cw.Write(buf); err != nil {
				return ioError("write output", sum.Output, err)
			}
			state.processed.Add(1)
		}

		if err := rep.tick(); err != nil {
			return err
		}
	}
}

// correctRecord resolves and applies the adjustment for rec and appends the
// formatted row to dst.
func correctRecord(dst []byte, codec Codec, table *ReferenceTable, rec Record, state *JobState, markUnmatched bool) []byte {
	if markUnmatched {
		adj, ok := table.LookupExact(rec.Longitude, rec.Latitude)
		if !ok {
			state.unresolved.Add(1)
			return codec.AppendUnmatched(dst, rec)
		}
		state.matched.Add(1)
		rec.Apply(adj)
		return codec.Append(dst, rec)
	}

	c := table.Resolve(rec.Longitude, rec.Latitude)
	switch c.Source {
	case ExactMatch:
		state.matched.Add(1)
	case Interpolated:
		state.interpolated.Add(1)
	default:
		state.unresolved.Add(1)
	}
	rec.Apply(c.Adjustment)
	return codec.Append(dst, rec)
}
