package sepcorr

import (
	"bytes"
	"math"
	"strconv"
)

// Survey row format defaults.
const (
	DefaultDelimiter           = '/'
	DefaultTimestampDelimiters = 4

	// MaxTimestampLen is the longest timestamp a row may carry.
	MaxTimestampLen = 49

	// UnmatchedMarker prefixes rows written without a reference match in
	// the legacy output mode.
	UnmatchedMarker = "(*)"
)

// numericFields is the number of values following the timestamp.
const numericFields = 6

// Record is one parsed survey row.
type Record struct {
	Timestamp      string  `json:"timestamp"`
	Tide           float64 `json:"tide"`
	Longitude      float64 `json:"longitude"`
	Latitude       float64 `json:"latitude"`
	ProcessedDepth float64 `json:"processed_depth"`
	Col6           float64 `json:"col6"`
	Col7           float64 `json:"col7"`
}

// Dropped reports whether the row is filtered out of both outputs.
func (r Record) Dropped() bool {
	return r.Col6 == 0.0 || r.Col7 == 0.0
}

// Apply shifts the tide up and the processed depth down by adj.
func (r *Record) Apply(adj float64) {
	r.Tide += adj
	r.ProcessedDepth -= adj
}

// Codec parses and formats survey rows.
//
// A row is a timestamp followed by tide, longitude, latitude, processed
// depth, col6 and col7, all separated by Delimiter. The timestamp embeds the
// delimiter itself and ends at its TimestampDelimiters-th occurrence.
type Codec struct {
	Delimiter           byte
	TimestampDelimiters int
}

// DefaultCodec parses "YYYY/MM/DD/hh:mm:ss.sss/tide/lon/lat/depth/c6/c7".
var DefaultCodec = Codec{Delimiter: DefaultDelimiter, TimestampDelimiters: DefaultTimestampDelimiters}

// Parse parses one row. The trailing line terminator is optional.
// Text after the sixth numeric field's closing delimiter is ignored.
func (c Codec) Parse(line []byte) (Record, bool) {
	var rec Record
	c = c.normalized()

	if len(line) == 0 || line[0] == c.Delimiter {
		return rec, false
	}
	end := c.timestampEnd(line)
	if end <= 0 || end > MaxTimestampLen {
		return rec, false
	}
	rec.Timestamp = string(line[:end])

	rest := line[end+1:]
	var vals [numericFields]float64
	for i := range vals {
		field := rest
		j := bytes.IndexByte(rest, c.Delimiter)
		switch {
		case j >= 0:
			field, rest = rest[:j], rest[j+1:]
		case i < numericFields-1:
			return Record{}, false
		}
		v, ok := parseFloat(field)
		if !ok {
			return Record{}, false
		}
		vals[i] = v
	}

	rec.Tide = vals[0]
	rec.Longitude = vals[1]
	rec.Latitude = vals[2]
	rec.ProcessedDepth = vals[3]
	rec.Col6 = vals[4]
	rec.Col7 = vals[5]
	return rec, true
}

// normalized fills zero fields with the defaults.
func (c Codec) normalized() Codec {
	if c.Delimiter == 0 {
		c.Delimiter = DefaultDelimiter
	}
	if c.TimestampDelimiters <= 0 {
		c.TimestampDelimiters = DefaultTimestampDelimiters
	}
	return c
}

// ParseString is Parse for string input.
func (c Codec) ParseString(line string) (Record, bool) {
	return c.Parse([]byte(line))
}

// timestampEnd returns the offset of the delimiter closing the timestamp,
// or -1 if the row has too few delimiters.
func (c Codec) timestampEnd(line []byte) int {
	n := c.TimestampDelimiters
	off := 0
	for k := 0; k < n; k++ {
		j := bytes.IndexByte(line[off:], c.Delimiter)
		if j < 0 {
			return -1
		}
		off += j
		if k < n-1 {
			off++
		}
	}
	return off
}

// parseFloat parses a finite field, tolerating surrounding blanks and line
// endings. NaN and infinities are rejected.
func parseFloat(b []byte) (float64, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Append formats r onto dst followed by a newline.
func (c Codec) Append(dst []byte, r Record) []byte {
	d := c.normalized().Delimiter
	dst = append(dst, r.Timestamp...)
	dst = append(dst, d)
	dst = strconv.AppendFloat(dst, r.Tide, 'f', 3, 64)
	dst = append(dst, d)
	dst = strconv.AppendFloat(dst, r.Longitude, 'f', 7, 64)
	dst = append(dst, d)
	dst = strconv.AppendFloat(dst, r.Latitude, 'f', 7, 64)
	dst = append(dst, d)
	dst = strconv.AppendFloat(dst, r.ProcessedDepth, 'f', 3, 64)
	dst = append(dst, d)
	dst = strconv.AppendFloat(dst, r.Col6, 'f', 3, 64)
	dst = append(dst, d)
	dst = strconv.AppendFloat(dst, r.Col7, 'f', 3, 64)
	return append(dst, '\n')
}

// AppendUnmatched is Append with the UnmatchedMarker prefix.
func (c Codec) AppendUnmatched(dst []byte, r Record) []byte {
	dst = append(dst, UnmatchedMarker...)
	return c.Append(dst, r)
}

// Format returns the formatted row including its newline.
func (c Codec) Format(r Record) string {
	return string(c.Append(make([]byte, 0, 96), r))
}
