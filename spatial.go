package sepcorr

import (
	"math"

	"github.com/umahmood/haversine"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance in meters between two
// coordinates given in degrees.
func HaversineMeters(lon1, lat1, lon2, lat2 float64) float64 {
	_, km := haversine.Distance(
		haversine.Coord{Lat: lat1, Lon: lon1},
		haversine.Coord{Lat: lat2, Lon: lon2},
	)
	return km * 1000
}

// Neighbor is a reference point found by a nearest-neighbour query.
type Neighbor struct {
	Point    ReferencePoint
	Distance float64 // meters
}

// SpatialIndex partitions reference points into a fixed grid spanning the
// bounding box of everything inserted so far.
//
// Cell assignment happens at insert time against the bounding box as it was
// then, so a point's cell may be stale once the box grows. Queries sweep every
// cell, which keeps results exact regardless of assignment.
type SpatialIndex struct {
	size  int
	cells [][]ReferencePoint
	count int

	minLon, maxLon float64
	minLat, maxLat float64
}

// NewSpatialIndex creates an empty index with size x size cells.
func NewSpatialIndex(size int) *SpatialIndex {
	if size <= 0 {
		size = DefaultGridSize
	}
	return &SpatialIndex{
		size:  size,
		cells: make([][]ReferencePoint, size*size),
	}
}

// Len returns the number of indexed points.
func (s *SpatialIndex) Len() int { return s.count }

// Insert adds p to the index.
func (s *SpatialIndex) Insert(p ReferencePoint) {
	if s.count == 0 {
		s.minLon, s.maxLon = p.Longitude, p.Longitude
		s.minLat, s.maxLat = p.Latitude, p.Latitude
	} else {
		s.minLon = math.Min(s.minLon, p.Longitude)
		s.maxLon = math.Max(s.maxLon, p.Longitude)
		s.minLat = math.Min(s.minLat, p.Latitude)
		s.maxLat = math.Max(s.maxLat, p.Latitude)
	}
	idx := s.cellOf(p.Longitude, p.Latitude)
	s.cells[idx] = append(s.cells[idx], p)
	s.count++
}

// cellOf maps a coordinate to a cell index. Until the bounding box has
// extent on both axes everything lands in cell 0.
func (s *SpatialIndex) cellOf(lon, lat float64) int {
	lonSpan := s.maxLon - s.minLon
	latSpan := s.maxLat - s.minLat
	if !(lonSpan > 0) || !(latSpan > 0) {
		return 0
	}
	col := s.axisCell(lon, s.minLon, lonSpan/float64(s.size))
	row := s.axisCell(lat, s.minLat, latSpan/float64(s.size))
	return row*s.size + col
}

func (s *SpatialIndex) axisCell(v, min, step float64) int {
	f := math.Floor((v - min) / step)
	switch {
	case !(f > 0):
		return 0
	case f >= float64(s.size-1):
		return s.size - 1
	default:
		return int(f)
	}
}

// TwoNearest returns the closest and second-closest indexed points to
// (lon, lat) and how many of the two were found (0, 1 or 2).
func (s *SpatialIndex) TwoNearest(lon, lat float64) (first, second Neighbor, found int) {
	first.Distance = math.Inf(1)
	second.Distance = math.Inf(1)
	for _, cell := range s.cells {
		for _, p := range cell {
			d := HaversineMeters(lon, lat, p.Longitude, p.Latitude)
			if math.IsNaN(d) {
				continue
			}
			switch {
			case found == 0 || d < first.Distance:
				second = first
				first = Neighbor{Point: p, Distance: d}
			case found == 1 || d < second.Distance:
				second = Neighbor{Point: p, Distance: d}
			}
			if found < 2 {
				found++
			}
		}
	}
	return first, second, found
}

// Nearest returns the distance-weighted adjustment of the two points nearest
// to (lon, lat). With a single indexed point its adjustment is returned
// unchanged; with none, ok is false.
func (s *SpatialIndex) Nearest(lon, lat float64) (adjustment float64, ok bool) {
	first, second, found := s.TwoNearest(lon, lat)
	switch found {
	case 0:
		return 0, false
	case 1:
		return first.Point.Adjustment, true
	}
	return weightedAdjustment(first, second), true
}

// weightedAdjustment interpolates between two neighbours by inverse distance.
// Both at distance zero yields the closer point's adjustment.
func weightedAdjustment(first, second Neighbor) float64 {
	d1, d2 := first.Distance, second.Distance
	sum := d1 + d2
	if sum == 0 {
		return first.Point.Adjustment
	}
	return (second.Point.Adjustment*d1 + first.Point.Adjustment*d2) / sum
}
