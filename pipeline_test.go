package sepcorr_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	. "gopkg.in/check.v1"

	"github.com/andreiashu/sepcorr"
)

type PipelineSuite struct {
	dir string
	ref string
}

var _ = Suite(&PipelineSuite{})

const pipelineReference = "; lon lat adjustment\n10.0 20.0 5.0\n10.0 20.1 3.0\n"

func (s *PipelineSuite) SetUpTest(c *C) {
	s.dir = c.MkDir()
	s.ref = s.write(c, "reference.sep", pipelineReference)
}

func (s *PipelineSuite) write(c *C, name, content string) string {
	path := filepath.Join(s.dir, name)
	c.Assert(os.WriteFile(path, []byte(content), 0644), IsNil)
	return path
}

func (s *PipelineSuite) read(c *C, path string) string {
	b, err := os.ReadFile(path)
	c.Assert(err, IsNil)
	return string(b)
}

type progressLog struct {
	mu      sync.Mutex
	percent []float64
	message []string
}

func (p *progressLog) sink(percent float64, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.percent = append(p.percent, percent)
	p.message = append(p.message, message)
}

func (p *progressLog) last() (float64, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.percent) == 0 {
		return 0, ""
	}
	return p.percent[len(p.percent)-1], p.message[len(p.message)-1]
}

// surveyRows returns n kept rows located exactly on the first reference point.
func surveyRows(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "2024/01/01/00:%02d:%02d.000/1.000/10.0000000/20.0000000/5.000/1.000/7.000\n", i/60%60, i%60)
	}
	return b.String()
}

const (
	rowExact   = "2024/01/01/00:00:00.000/1.000/10.0000000/20.0000000/5.000/1.000/7.000\n"
	rowNear    = "2024/01/01/00:00:01.000/1.000/10.0000000/20.0500000/5.000/1.000/7.000\n"
	rowDropped = "2024/01/01/00:00:02.000/1.000/10.0000000/20.0000000/5.000/0.0/7.000\n"
)

func (s *PipelineSuite) TestCorrectAndFilter(c *C) {
	input := s.write(c, "survey.txt", "; exported survey\n"+rowExact+rowNear+rowDropped+"\n"+"garbage line\n")

	var prog progressLog
	sum, err := sepcorr.Run(context.Background(), input, s.ref, prog.sink,
		sepcorr.WithProgressInterval(1), sepcorr.WithLogger(nil))
	c.Assert(err, IsNil)

	c.Assert(sum.Output, Equals, filepath.Join(s.dir, "survey_converted.txt"))
	c.Assert(s.read(c, sum.Output), Equals,
		"2024/01/01/00:00:00.000/6.000/10.0000000/20.0000000/0.000/1.000/7.000\n"+
			"2024/01/01/00:00:01.000/5.000/10.0000000/20.0500000/1.000/1.000/7.000\n")
	c.Assert(s.read(c, input), Equals, rowExact+rowNear)

	c.Assert(sum.ReferencePoints, Equals, 2)
	c.Assert(sum.TotalLines, Equals, int64(4))
	c.Assert(sum.Filtered, Equals, int64(1))
	c.Assert(sum.Processed, Equals, int64(2))
	c.Assert(sum.Exact, Equals, int64(1))
	c.Assert(sum.Interpolated, Equals, int64(1))
	c.Assert(sum.Unresolved, Equals, int64(0))
	c.Assert(sum.Warnings, Equals, int64(1))
	c.Assert(sum.WarningLines, DeepEquals, []string{"line 6: parse failed, skipped"})
	c.Assert(sum.Cancelled, Equals, false)
	c.Assert(sum.MatchRate(), Equals, 50.0)
	c.Assert(strings.Contains(sum.Report(), "match rate:       50.0%"), Equals, true)

	percent, message := prog.last()
	c.Assert(percent, Equals, 100.0)
	c.Assert(message, Equals, "processed 4 / 4 (100.0%)")

	_, err = os.Stat(input + ".filtered.tmp")
	c.Assert(os.IsNotExist(err), Equals, true)
}

func (s *PipelineSuite) TestEmptyReferenceLeavesValuesUnchanged(c *C) {
	ref := s.write(c, "empty.sep", "; no points\n")
	input := s.write(c, "survey.txt", rowExact+rowNear)

	sum, err := sepcorr.Run(context.Background(), input, ref, nil, sepcorr.WithLogger(nil))
	c.Assert(err, IsNil)
	c.Assert(sum.Unresolved, Equals, int64(2))
	c.Assert(sum.MatchRate(), Equals, 0.0)
	c.Assert(s.read(c, sum.Output), Equals,
		"2024/01/01/00:00:00.000/1.000/10.0000000/20.0000000/5.000/1.000/7.000\n"+
			"2024/01/01/00:00:01.000/1.000/10.0000000/20.0500000/5.000/1.000/7.000\n")
}

func (s *PipelineSuite) TestMissingFilesAreConfigErrors(c *C) {
	input := s.write(c, "survey.txt", rowExact)

	tests := []struct {
		input, ref string
	}{
		{input, filepath.Join(s.dir, "missing.sep")},
		{filepath.Join(s.dir, "missing.txt"), s.ref},
	}
	for _, tt := range tests {
		sum, err := sepcorr.Run(context.Background(), tt.input, tt.ref, nil, sepcorr.WithLogger(nil))
		c.Assert(err, NotNil)
		c.Assert(sepcorr.KindOf(err), Equals, sepcorr.KindConfig)
		c.Assert(sepcorr.IsCancelled(err), Equals, false)
		_, statErr := os.Stat(sum.Output)
		c.Assert(os.IsNotExist(statErr), Equals, true, Commentf("output %s exists", sum.Output))
	}
	c.Assert(s.read(c, input), Equals, rowExact)
}

func (s *PipelineSuite) TestUnwritableOutputIsIOError(c *C) {
	input := s.write(c, "survey.txt", rowExact+rowDropped)
	c.Assert(os.Mkdir(sepcorr.ConvertedPath(input), 0755), IsNil)

	_, err := sepcorr.Run(context.Background(), input, s.ref, nil, sepcorr.WithLogger(nil))
	c.Assert(err, NotNil)
	c.Assert(sepcorr.KindOf(err), Equals, sepcorr.KindIO)
	c.Assert(err, ErrorMatches, ".*create output.*")

	c.Assert(s.read(c, input), Equals, rowExact+rowDropped)
	_, statErr := os.Stat(input + ".filtered.tmp")
	c.Assert(os.IsNotExist(statErr), Equals, true)
}

func (s *PipelineSuite) TestUnwritableFilteredCopyIsIOError(c *C) {
	input := s.write(c, "survey.txt", rowExact+rowDropped)
	tmpPath := input + ".filtered.tmp"
	c.Assert(os.Mkdir(tmpPath, 0755), IsNil)

	_, err := sepcorr.Run(context.Background(), input, s.ref, nil, sepcorr.WithLogger(nil))
	c.Assert(err, NotNil)
	c.Assert(sepcorr.KindOf(err), Equals, sepcorr.KindIO)
	c.Assert(err, ErrorMatches, ".*create filtered copy.*")

	c.Assert(s.read(c, input), Equals, rowExact+rowDropped)
	st, statErr := os.Stat(tmpPath)
	c.Assert(statErr, IsNil)
	c.Assert(st.IsDir(), Equals, true)
}

func (s *PipelineSuite) TestCancelLeavesInputUntouched(c *C) {
	content := surveyRows(5000)
	input := s.write(c, "survey.txt", content)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := func(float64, string) { cancel() }

	sum, err := sepcorr.Run(ctx, input, s.ref, sink,
		sepcorr.WithProgressInterval(10), sepcorr.WithLogger(nil))
	c.Assert(err, NotNil)
	c.Assert(sepcorr.IsCancelled(err), Equals, true)
	c.Assert(sepcorr.KindOf(err), Equals, sepcorr.KindCancelled)
	c.Assert(sum.Cancelled, Equals, true)
	c.Assert(sum.TotalLines, Equals, int64(10))
	c.Assert(sum.Processed, Equals, int64(10))

	c.Assert(s.read(c, input), Equals, content)
	_, statErr := os.Stat(input + ".filtered.tmp")
	c.Assert(os.IsNotExist(statErr), Equals, true)

	// The corrected rows written before the stop are kept.
	out := s.read(c, sum.Output)
	c.Assert(strings.Count(out, "\n"), Equals, 10)
}

func (s *PipelineSuite) TestAlreadyCancelledContext(c *C) {
	input := s.write(c, "survey.txt", rowExact+rowNear)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sepcorr.Run(ctx, input, s.ref, nil, sepcorr.WithLogger(nil))
	c.Assert(sepcorr.IsCancelled(err), Equals, true)
	c.Assert(s.read(c, input), Equals, rowExact+rowNear)
}

func (s *PipelineSuite) TestMarkUnmatched(c *C) {
	input := s.write(c, "survey.txt", rowExact+rowNear)

	sum, err := sepcorr.Run(context.Background(), input, s.ref, nil,
		sepcorr.WithMarkUnmatched(true), sepcorr.WithLogger(nil))
	c.Assert(err, IsNil)
	c.Assert(sum.Exact, Equals, int64(1))
	c.Assert(sum.Interpolated, Equals, int64(0))
	c.Assert(sum.Unresolved, Equals, int64(1))
	c.Assert(s.read(c, sum.Output), Equals,
		"2024/01/01/00:00:00.000/6.000/10.0000000/20.0000000/0.000/1.000/7.000\n"+
			"(*)2024/01/01/00:00:01.000/1.000/10.0000000/20.0500000/5.000/1.000/7.000\n")
}

func (s *PipelineSuite) TestCustomDelimiter(c *C) {
	input := s.write(c, "survey.csv", "2024-01-01T00:00:00,1,10,20,5,1,7\n")

	sum, err := sepcorr.Run(context.Background(), input, s.ref, nil,
		sepcorr.WithDelimiter(','), sepcorr.WithTimestampDelimiters(1), sepcorr.WithLogger(nil))
	c.Assert(err, IsNil)
	c.Assert(sum.Exact, Equals, int64(1))
	c.Assert(s.read(c, filepath.Join(s.dir, "survey_converted.csv")), Equals,
		"2024-01-01T00:00:00,6.000,10.0000000,20.0000000,0.000,1.000,7.000\n")
}

func (s *PipelineSuite) TestHandleCancel(c *C) {
	content := surveyRows(3000)
	input := s.write(c, "survey.txt", content)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sink := func(float64, string) {
		once.Do(func() {
			close(started)
			<-release
		})
	}

	h := sepcorr.Start(context.Background(), input, s.ref, sink,
		sepcorr.WithProgressInterval(10), sepcorr.WithLogger(nil))
	<-started
	h.Cancel()
	close(release)

	sum, err := h.Wait()
	c.Assert(sepcorr.IsCancelled(err), Equals, true)
	c.Assert(sum.Cancelled, Equals, true)
	c.Assert(h.State().CancelRequested, Equals, true)
	c.Assert(h.Started().IsZero(), Equals, false)
	c.Assert(s.read(c, input), Equals, content)

	select {
	case <-h.Done():
	default:
		c.Fatal("Done() not closed after Wait()")
	}
}

func (s *PipelineSuite) TestHandleCompletes(c *C) {
	input := s.write(c, "survey.txt", rowExact+rowDropped)

	h := sepcorr.Start(context.Background(), input, s.ref, nil, sepcorr.WithLogger(nil))
	sum, err := h.Wait()
	c.Assert(err, IsNil)
	c.Assert(sum.Processed, Equals, int64(1))
	c.Assert(sum.Filtered, Equals, int64(1))
	c.Assert(h.State().TotalKnown, Equals, true)
	c.Assert(h.State().TotalLines, Equals, int64(2))
	c.Assert(s.read(c, input), Equals, rowExact)
}

func (s *PipelineSuite) TestPreview(c *C) {
	input := s.write(c, "survey.txt", rowExact+rowDropped+"bad\n"+surveyRows(20))

	lines, err := sepcorr.Preview(input, 0)
	c.Assert(err, IsNil)
	c.Assert(lines, HasLen, sepcorr.DefaultPreviewLines)

	c.Assert(lines[0].Number, Equals, 1)
	c.Assert(lines[0].Parsed, Equals, true)
	c.Assert(lines[0].Dropped, Equals, false)
	c.Assert(lines[0].Text, Equals, strings.TrimSuffix(rowExact, "\n"))
	c.Assert(lines[1].Dropped, Equals, true)
	c.Assert(lines[2].Parsed, Equals, false)
	c.Assert(strings.Contains(lines[2].String(), "parse: failed"), Equals, true)
	c.Assert(strings.Contains(lines[1].String(), "filter: dropped"), Equals, true)

	// Preview never writes.
	_, err = os.Stat(sepcorr.ConvertedPath(input))
	c.Assert(os.IsNotExist(err), Equals, true)

	_, err = sepcorr.Preview(filepath.Join(s.dir, "missing.txt"), 5)
	c.Assert(sepcorr.KindOf(err), Equals, sepcorr.KindConfig)
}

func (s *PipelineSuite) TestConvertedPath(c *C) {
	tests := []struct {
		input, want string
	}{
		{"data.txt", "data_converted.txt"},
		{"/srv/survey/line01.sep", "/srv/survey/line01_converted.sep"},
		{"archive.tar.gz", "archive.tar_converted.gz"},
		{"/srv/survey/line01", "/srv/survey/line01_converted"},
		{"/srv/survey.d/line01", "/srv/survey.d/line01_converted"},
		{"/srv/.survey", "/srv/.survey_converted"},
	}
	for _, tt := range tests {
		c.Check(sepcorr.ConvertedPath(tt.input), Equals, tt.want, Commentf("input %q", tt.input))
	}
}
