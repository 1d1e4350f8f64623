package sepcorr

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	geohash "github.com/TomiHiltunen/geohash-golang"
	"github.com/golang/geo/s2"
)

// ExactTolerance is the per-axis tolerance, in degrees, of an exact match.
const ExactTolerance = 1e-10

// ReferencePoint is one row of a SEP correction table.
type ReferencePoint struct {
	Longitude  float64
	Latitude   float64
	Adjustment float64
}

// MatchSource tells how a correction was obtained.
type MatchSource int

const (
	Unresolved MatchSource = iota
	ExactMatch
	Interpolated
)

func (m MatchSource) String() string {
	switch m {
	case ExactMatch:
		return "exact"
	case Interpolated:
		return "interpolated"
	default:
		return "unresolved"
	}
}

// Correction is the adjustment resolved for one coordinate.
type Correction struct {
	Adjustment float64
	Source     MatchSource
}

// ReferenceTable holds the reference points of one correction job.
// It is safe for concurrent reads once loading has finished.
type ReferenceTable struct {
	points []ReferencePoint
	exact  map[s2.CellID][]int // leaf cell -> indices into points, in insert order
	index  *SpatialIndex
}

// NewReferenceTable creates an empty table whose spatial index has
// gridSize x gridSize cells.
func NewReferenceTable(gridSize int) *ReferenceTable {
	return &ReferenceTable{
		exact: make(map[s2.CellID][]int),
		index: NewSpatialIndex(gridSize),
	}
}

// exactKey buckets a coordinate by its S2 leaf cell. Non-finite coordinates
// share the zero key.
func exactKey(lon, lat float64) s2.CellID {
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return 0
	}
	return s2.CellIDFromLatLng(s2.LatLngFromDegrees(lat, lon))
}

// Insert adds p to both the exact-match index and the spatial index.
func (t *ReferenceTable) Insert(p ReferencePoint) {
	key := exactKey(p.Longitude, p.Latitude)
	t.exact[key] = append(t.exact[key], len(t.points))
	t.points = append(t.points, p)
	t.index.Insert(p)
}

// PointCount returns the number of loaded reference points.
func (t *ReferenceTable) PointCount() int { return len(t.points) }

// Points returns a copy of the loaded points in load order.
func (t *ReferenceTable) Points() []ReferencePoint {
	out := make([]ReferencePoint, len(t.points))
	copy(out, t.points)
	return out
}

// LookupExact returns the adjustment of a point matching (lon, lat) within
// ExactTolerance on both axes. When several match, the latest insert wins.
func (t *ReferenceTable) LookupExact(lon, lat float64) (float64, bool) {
	bucket := t.exact[exactKey(lon, lat)]
	for i := len(bucket) - 1; i >= 0; i-- {
		p := t.points[bucket[i]]
		if math.Abs(p.Longitude-lon) < ExactTolerance && math.Abs(p.Latitude-lat) < ExactTolerance {
			return p.Adjustment, true
		}
	}
	return 0, false
}

// LookupNearest returns the inverse-distance-weighted adjustment of the two
// nearest points. It only fails for an empty table.
func (t *ReferenceTable) LookupNearest(lon, lat float64) (float64, bool) {
	return t.index.Nearest(lon, lat)
}

// Resolve tries an exact match first and falls back to interpolation.
func (t *ReferenceTable) Resolve(lon, lat float64) Correction {
	if adj, ok := t.LookupExact(lon, lat); ok {
		return Correction{Adjustment: adj, Source: ExactMatch}
	}
	if adj, ok := t.LookupNearest(lon, lat); ok {
		return Correction{Adjustment: adj, Source: Interpolated}
	}
	return Correction{}
}

// LoadReferenceTable loads a SEP table from path. Malformed lines are
// skipped; an empty table is not an error.
func LoadReferenceTable(path string, opts ...Option) (*ReferenceTable, error) {
	return loadReferenceTable(path, buildOptions(opts))
}

func loadReferenceTable(path string, o *Options) (*ReferenceTable, error) {
	start := time.Now()

	fi, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening reference table: %w", err)
	}
	defer fi.Close()

	if o.ReferenceCache {
		if t, ok := loadCachedTable(path, fi, o); ok {
			o.Logger.Printf("info: loaded %d reference points from cache for %s in %v",
				t.PointCount(), path, time.Since(start).Round(time.Millisecond))
			return t, nil
		}
	}

	t, err := ReadReferenceTable(fi, o.GridSize)
	if err != nil {
		return nil, fmt.Errorf("reading reference table %s: %w", path, err)
	}
	o.Logger.Printf("info: loaded %d reference points from %s in %v",
		t.PointCount(), path, time.Since(start).Round(time.Millisecond))

	if o.ReferenceCache {
		if err := storeCachedTable(path, t); err != nil {
			o.Logger.Printf("warning: failed to store reference cache: %v", err)
		}
	}
	return t, nil
}

// maxReferenceLineLen bounds the lines ReadReferenceTable parses. Longer
// lines are skipped like any other unparsable line.
const maxReferenceLineLen = 1 << 20

// ReadReferenceTable reads SEP lines from r. Only read errors are returned.
func ReadReferenceTable(r io.Reader, gridSize int) (*ReferenceTable, error) {
	t := NewReferenceTable(gridSize)

	lr := newLineReader(r)
	for {
		line, err := lr.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(line) > maxReferenceLineLen {
			continue
		}
		if p, ok := parseReferenceLine(string(line)); ok {
			t.Insert(p)
		}
	}
	return t, nil
}

// parseReferenceLine parses "<lon> <lat> <adjustment> [; comment]".
// Tokens beyond the third are ignored.
func parseReferenceLine(line string) (ReferencePoint, bool) {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(strings.ReplaceAll(line, "\t", " "))
	if line == "" {
		return ReferencePoint{}, false
	}

	fields := strings.Fields(line)
	if len(fields) < 3 {
		return ReferencePoint{}, false
	}
	var v [3]float64
	for i := range v {
		f, err := strconv.ParseFloat(fields[i], 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return ReferencePoint{}, false
		}
		v[i] = f
	}
	return ReferencePoint{Longitude: v[0], Latitude: v[1], Adjustment: v[2]}, true
}

// Bounds is a longitude/latitude bounding box.
type Bounds struct {
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
}

// Bounds returns the extent of the loaded points. ok is false when empty.
func (t *ReferenceTable) Bounds() (b Bounds, ok bool) {
	if len(t.points) == 0 {
		return Bounds{}, false
	}
	return Bounds{
		MinLon: t.index.minLon, MaxLon: t.index.maxLon,
		MinLat: t.index.minLat, MaxLat: t.index.maxLat,
	}, true
}

// InvalidCount returns how many points lie outside valid lat/lng ranges.
func (t *ReferenceTable) InvalidCount() int {
	n := 0
	for _, p := range t.points {
		if !s2.LatLngFromDegrees(p.Latitude, p.Longitude).IsValid() {
			n++
		}
	}
	return n
}

// CoverageCell counts the reference points falling in one geohash cell.
type CoverageCell struct {
	Geohash string `json:"geohash"`
	Points  int    `json:"points"`
}

// Coverage groups valid points by geohash at the given precision, most
// populated cells first.
func (t *ReferenceTable) Coverage(precision int) []CoverageCell {
	if precision <= 0 {
		precision = 5
	}
	counts := make(map[string]int)
	for _, p := range t.points {
		if !s2.LatLngFromDegrees(p.Latitude, p.Longitude).IsValid() {
			continue
		}
		counts[geohash.EncodeWithPrecision(p.Latitude, p.Longitude, precision)]++
	}

	cells := make([]CoverageCell, 0, len(counts))
	for h, n := range counts {
		cells = append(cells, CoverageCell{Geohash: h, Points: n})
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Points != cells[j].Points {
			return cells[i].Points > cells[j].Points
		}
		return cells[i].Geohash < cells[j].Geohash
	})
	return cells
}
