package sepcorr_test

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/andreiashu/sepcorr"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type ReferenceSuite struct {
	dir string
}

var _ = Suite(&ReferenceSuite{})

func (s *ReferenceSuite) SetUpTest(c *C) {
	s.dir = c.MkDir()
}

func (s *ReferenceSuite) writeTable(c *C, content string) string {
	path := filepath.Join(s.dir, "table.sep")
	c.Assert(os.WriteFile(path, []byte(content), 0644), IsNil)
	return path
}

func (s *ReferenceSuite) TestLoadSkipsCommentsAndMalformedLines(c *C) {
	path := s.writeTable(c, "; header comment\n"+
		"10.0 20.0 5.0\n"+
		"\t10.0\t20.1\t3.0   ; trailing comment\n"+
		"\n"+
		"   \n"+
		"not a number\n"+
		"1.0 2.0\n"+
		"1.0 2.0 nan\n"+
		"121.5 25.0 -0.25 extra tokens\n")

	t, err := sepcorr.LoadReferenceTable(path, sepcorr.WithLogger(nil))
	c.Assert(err, IsNil)
	c.Assert(t.PointCount(), Equals, 3)
	c.Assert(t.Points(), DeepEquals, []sepcorr.ReferencePoint{
		{Longitude: 10.0, Latitude: 20.0, Adjustment: 5.0},
		{Longitude: 10.0, Latitude: 20.1, Adjustment: 3.0},
		{Longitude: 121.5, Latitude: 25.0, Adjustment: -0.25},
	})
}

func (s *ReferenceSuite) TestLoadSkipsOversizedLines(c *C) {
	path := s.writeTable(c, "10.0 20.0 5.0\n"+
		strings.Repeat("9", 2<<20)+"\n"+
		"10.0 20.1 3.0\n")

	t, err := sepcorr.LoadReferenceTable(path, sepcorr.WithLogger(nil))
	c.Assert(err, IsNil)
	c.Assert(t.PointCount(), Equals, 2)
}

func (s *ReferenceSuite) TestLoadMissingFile(c *C) {
	t, err := sepcorr.LoadReferenceTable(filepath.Join(s.dir, "missing.sep"), sepcorr.WithLogger(nil))
	c.Assert(err, NotNil)
	c.Assert(t, IsNil)
}

func (s *ReferenceSuite) TestEmptyTableIsNotAnError(c *C) {
	path := s.writeTable(c, "; nothing here\n\n")
	t, err := sepcorr.LoadReferenceTable(path, sepcorr.WithLogger(nil))
	c.Assert(err, IsNil)
	c.Assert(t.PointCount(), Equals, 0)

	_, ok := t.LookupNearest(10, 20)
	c.Assert(ok, Equals, false)
	c.Assert(t.Resolve(10, 20), Equals, sepcorr.Correction{Adjustment: 0, Source: sepcorr.Unresolved})

	_, ok = t.Bounds()
	c.Assert(ok, Equals, false)
}

func (s *ReferenceSuite) TestExactMatchTakesPrecedence(c *C) {
	t := sepcorr.NewReferenceTable(sepcorr.DefaultGridSize)
	t.Insert(sepcorr.ReferencePoint{Longitude: 10.0, Latitude: 20.0, Adjustment: 5.0})
	t.Insert(sepcorr.ReferencePoint{Longitude: 10.0, Latitude: 20.0000001, Adjustment: 9.0})
	t.Insert(sepcorr.ReferencePoint{Longitude: 10.0, Latitude: 20.1, Adjustment: 3.0})

	got := t.Resolve(10.0, 20.0)
	c.Assert(got.Source, Equals, sepcorr.ExactMatch)
	c.Assert(got.Adjustment, Equals, 5.0)
}

func (s *ReferenceSuite) TestExactMatchTolerance(c *C) {
	t := sepcorr.NewReferenceTable(sepcorr.DefaultGridSize)
	t.Insert(sepcorr.ReferencePoint{Longitude: 10.0, Latitude: 20.0, Adjustment: 5.0})

	adj, ok := t.LookupExact(10.0+1e-12, 20.0-1e-12)
	c.Assert(ok, Equals, true)
	c.Assert(adj, Equals, 5.0)

	_, ok = t.LookupExact(10.0+1e-9, 20.0)
	c.Assert(ok, Equals, false)
	_, ok = t.LookupExact(10.0, 20.0+1e-9)
	c.Assert(ok, Equals, false)
}

func (s *ReferenceSuite) TestExactMatchLatestInsertWins(c *C) {
	t := sepcorr.NewReferenceTable(sepcorr.DefaultGridSize)
	t.Insert(sepcorr.ReferencePoint{Longitude: 1.5, Latitude: 1.5, Adjustment: 2.0})
	t.Insert(sepcorr.ReferencePoint{Longitude: 1.5, Latitude: 1.5, Adjustment: 7.0})

	adj, ok := t.LookupExact(1.5, 1.5)
	c.Assert(ok, Equals, true)
	c.Assert(adj, Equals, 7.0)
	c.Assert(t.PointCount(), Equals, 2)
}

func (s *ReferenceSuite) TestEquidistantPointsAverage(c *C) {
	path := s.writeTable(c, "10.0 20.0 5.0\n10.0 20.1 3.0\n")
	t, err := sepcorr.LoadReferenceTable(path, sepcorr.WithLogger(nil))
	c.Assert(err, IsNil)

	got := t.Resolve(10.0, 20.05)
	c.Assert(got.Source, Equals, sepcorr.Interpolated)
	c.Assert(math.Abs(got.Adjustment-4.0) < 1e-9, Equals, true, Commentf("got %v", got.Adjustment))
}

func (s *ReferenceSuite) TestSinglePointCoversEverything(c *C) {
	t := sepcorr.NewReferenceTable(sepcorr.DefaultGridSize)
	t.Insert(sepcorr.ReferencePoint{Longitude: 121.0, Latitude: 23.5, Adjustment: -1.25})

	for _, q := range [][2]float64{{121.0, 23.5}, {0, 0}, {-179.9, -89.9}, {179.9, 89.9}} {
		adj, ok := t.LookupNearest(q[0], q[1])
		c.Assert(ok, Equals, true)
		c.Assert(adj, Equals, -1.25)
	}
}

func (s *ReferenceSuite) TestNearestNeverEmptyForNonEmptyTable(c *C) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		t := sepcorr.NewReferenceTable(8)
		n := 1 + rng.Intn(40)
		for i := 0; i < n; i++ {
			t.Insert(sepcorr.ReferencePoint{
				Longitude:  119 + rng.Float64()*3,
				Latitude:   21 + rng.Float64()*4,
				Adjustment: rng.Float64()*2 - 1,
			})
		}
		for q := 0; q < 20; q++ {
			_, ok := t.LookupNearest(100+rng.Float64()*40, rng.Float64()*50)
			c.Assert(ok, Equals, true)
		}
	}
}

func (s *ReferenceSuite) TestBoundsAndCoverage(c *C) {
	t := sepcorr.NewReferenceTable(sepcorr.DefaultGridSize)
	t.Insert(sepcorr.ReferencePoint{Longitude: 121.0001, Latitude: 25.0001, Adjustment: 1})
	t.Insert(sepcorr.ReferencePoint{Longitude: 121.0002, Latitude: 25.0002, Adjustment: 1})
	t.Insert(sepcorr.ReferencePoint{Longitude: 10.0, Latitude: 20.0, Adjustment: 1})
	t.Insert(sepcorr.ReferencePoint{Longitude: 200.0, Latitude: 95.0, Adjustment: 1})

	b, ok := t.Bounds()
	c.Assert(ok, Equals, true)
	c.Assert(b, Equals, sepcorr.Bounds{MinLon: 10.0, MaxLon: 200.0, MinLat: 20.0, MaxLat: 95.0})
	c.Assert(t.InvalidCount(), Equals, 1)

	cov := t.Coverage(5)
	c.Assert(cov, HasLen, 2)
	c.Assert(cov[0].Points, Equals, 2)
	c.Assert(cov[0].Geohash, HasLen, 5)
	c.Assert(cov[1].Points, Equals, 1)
}

func (s *ReferenceSuite) TestReferenceCache(c *C) {
	path := s.writeTable(c, "10.0 20.0 5.0\n10.0 20.1 3.0\n")

	t, err := sepcorr.LoadReferenceTable(path, sepcorr.WithReferenceCache(true), sepcorr.WithLogger(nil))
	c.Assert(err, IsNil)
	c.Assert(t.PointCount(), Equals, 2)
	_, err = os.Stat(sepcorr.CachePath(path))
	c.Assert(err, IsNil)

	t, err = sepcorr.LoadReferenceTable(path, sepcorr.WithReferenceCache(true), sepcorr.WithLogger(nil))
	c.Assert(err, IsNil)
	c.Assert(t.Points(), DeepEquals, []sepcorr.ReferencePoint{
		{Longitude: 10.0, Latitude: 20.0, Adjustment: 5.0},
		{Longitude: 10.0, Latitude: 20.1, Adjustment: 3.0},
	})

	// A changed source invalidates the snapshot.
	s.writeTable(c, "10.0 20.0 5.0\n10.0 20.1 3.0\n11.0 21.0 1.0\n")
	t, err = sepcorr.LoadReferenceTable(path, sepcorr.WithReferenceCache(true), sepcorr.WithLogger(nil))
	c.Assert(err, IsNil)
	c.Assert(t.PointCount(), Equals, 3)
}

func (s *ReferenceSuite) TestCorruptCacheIsIgnored(c *C) {
	path := s.writeTable(c, "10.0 20.0 5.0\n")
	c.Assert(os.WriteFile(sepcorr.CachePath(path), []byte("garbage"), 0644), IsNil)

	t, err := sepcorr.LoadReferenceTable(path, sepcorr.WithReferenceCache(true), sepcorr.WithLogger(nil))
	c.Assert(err, IsNil)
	c.Assert(t.PointCount(), Equals, 1)
}
