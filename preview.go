package sepcorr

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultPreviewLines is how many lines Preview reads when n <= 0.
const DefaultPreviewLines = 10

// PreviewLine is the parse result for one of the first lines of a file.
type PreviewLine struct {
	Number  int    `json:"number"`
	Text    string `json:"text"`
	Parsed  bool   `json:"parsed"`
	Record  Record `json:"record"`
	Dropped bool   `json:"dropped"`
}

// Preview parses the first n lines of the survey file at path without
// modifying anything, reporting for each whether it would be kept.
func Preview(path string, n int, opts ...Option) ([]PreviewLine, error) {
	if n <= 0 {
		n = DefaultPreviewLines
	}
	codec := buildOptions(opts).codec()

	fi, err := os.Open(path)
	if err != nil {
		return nil, configError("open input", path, err)
	}
	defer fi.Close()

	lr := newLineReader(fi)
	lines := make([]PreviewLine, 0, n)
	for len(lines) < n {
		line, err := lr.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return lines, ioError("read input", path, err)
		}
		pl := PreviewLine{
			Number: len(lines) + 1,
			Text:   strings.TrimRight(string(line), "\r\n"),
		}
		pl.Record, pl.Parsed = codec.Parse(line)
		pl.Dropped = pl.Parsed && pl.Record.Dropped()
		lines = append(lines, pl)
	}
	return lines, nil
}

// String renders the line in the preview listing format.
func (pl PreviewLine) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "line %d: %s\n", pl.Number, pl.Text)
	if !pl.Parsed {
		b.WriteString("    parse: failed\n")
		return b.String()
	}
	r := pl.Record
	fmt.Fprintf(&b, "    parse: ok  time=%s tide=%.3f lon=%.7f lat=%.7f depth=%.3f c6=%.3f c7=%.3f\n",
		r.Timestamp, r.Tide, r.Longitude, r.Latitude, r.ProcessedDepth, r.Col6, r.Col7)
	if pl.Dropped {
		b.WriteString("    filter: dropped (col6 or col7 is 0)\n")
	} else {
		b.WriteString("    filter: kept\n")
	}
	return b.String()
}
