package background

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cloudmask/internal/geom"
	"github.com/banshee-data/cloudmask/internal/raster"
	"github.com/banshee-data/cloudmask/internal/raster/local"
	"github.com/banshee-data/cloudmask/internal/testutil"
)

func testOptions(n int) Options {
	return Options{
		NumberOfImages:  n,
		NumberPreselect: 3,
		ThresholdCC:     20,
		AllowFuture:     true,
		NumberHours:     18,
		CommonArea:      0.95,
		ValidityBands:   raster.Sentinel2Bands,
	}
}

// catalog registers a target at Day(0) and five candidates around it, plus
// two that the hard filters must always drop.
func catalog(t *testing.T) (*local.Engine, raster.Image, geom.Polygon) {
	t.Helper()
	e := testutil.NewEngine(t, 2, 2)
	target := testutil.AddScene(t, e, testutil.Scene{ID: "T", Time: testutil.Day(0), CloudCover: 60, Fill: 1000})
	testutil.Series(t, e,
		[]int{-3, -2, -1, 1, 2},
		[]float64{10, 80, 30, 50, 5},
		1000)
	testutil.AddScene(t, e, testutil.Scene{ID: "same-pass", Time: testutil.Day(0).Add(6 * time.Hour), Fill: 1000})
	testutil.AddScene(t, e, testutil.Scene{ID: "edge", Time: testutil.Day(-4), Fill: 1000, Footprint: geom.Rect(0, 0, 1, 2)})
	return e, target, e.Grid().Bounds()
}

func selectIDs(t *testing.T, s *Selector, target raster.Image, roi geom.Polygon, p Policy, opt Options) []string {
	t.Helper()
	set, err := s.Select(context.Background(), target, roi, p, opt)
	require.NoError(t, err)
	assert.Equal(t, p, set.Policy)
	return testutil.IDs(set.Images)
}

func TestCandidatesApplyHardFilters(t *testing.T) {
	e, target, roi := catalog(t)
	cands, err := NewSelector(e).Candidates(context.Background(), target, roi, testOptions(20))
	require.NoError(t, err)
	assert.Equal(t, []string{"S-3", "S-2", "S-1", "S1", "S2"}, testutil.IDs(cands))

	for _, c := range cands {
		dt := c.Time.Sub(target.Time)
		if dt < 0 {
			dt = -dt
		}
		assert.Greater(t, dt, 18*time.Hour, c.ID)
		assert.Greater(t, geom.OverlapRatio(c.Footprint, roi), 0.95, c.ID)
		assert.NotEqual(t, target.ID, c.ID)
	}
}

func TestSelectPolicies(t *testing.T) {
	e, target, roi := catalog(t)
	s := NewSelector(e)

	tests := []struct {
		name   string
		policy Policy
		n      int
		future bool
		want   []string
	}{
		{"nearest most cloudy", NearestMostCloudy, 2, true, []string{"S-2", "S-1"}},
		{"nearest falls back to future", NearestMostCloudy, 4, true, []string{"S-2", "S1", "S-1", "S-3"}},
		{"nearest past only", NearestMostCloudy, 5, false, []string{"S-2", "S-1", "S-3"}},
		{"nearest least cloudy", NearestLeastCloudy, 2, true, []string{"S-1", "S-2"}},
		{"cloud cover filtered", CloudCoverFiltered, 5, true, []string{"S-2", "S1", "S-1"}},
		{"globally least cloudy", GloballyLeastCloudy, 2, true, []string{"S2", "S-3"}},
		{"preselect least cloudy", PreselectLeastCloudy, 2, true, []string{"S-3", "S-1"}},
		{"preselect most cloudy", PreselectMostCloudy, 2, true, []string{"S-2", "S-1"}},
		{"preselect capped by preselect", PreselectMostCloudy, 10, true, []string{"S-2", "S-1", "S-3"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opt := testOptions(tc.n)
			opt.AllowFuture = tc.future
			assert.Equal(t, tc.want, selectIDs(t, s, target, roi, tc.policy, opt))
		})
	}
}

func TestSelectSizeBounds(t *testing.T) {
	e, target, roi := catalog(t)
	s := NewSelector(e)
	for n := 1; n <= 6; n++ {
		opt := testOptions(n)
		for num := 1; num <= 8; num++ {
			p, err := PolicyFromNumber(num)
			require.NoError(t, err)
			set, err := s.Select(context.Background(), target, roi, p, opt)
			require.NoError(t, err)
			assert.LessOrEqual(t, set.Len(), n, "%s n=%d", p, n)
			if p == PreselectLeastCloudy || p == PreselectMostCloudy {
				assert.LessOrEqual(t, set.Len(), min(n, opt.NumberPreselect), "%s n=%d", p, n)
			}
		}
	}
}

func TestSelectValidityOrdering(t *testing.T) {
	e := testutil.NewEngine(t, 2, 2)
	target := testutil.AddScene(t, e, testutil.Scene{ID: "T", Time: testutil.Day(0), Fill: 1000})
	testutil.AddScene(t, e, testutil.Scene{ID: "holey", Time: testutil.Day(-2), CloudCover: 80, Fill: 1000, Masked: []int{0, 1}})
	testutil.AddScene(t, e, testutil.Scene{ID: "full", Time: testutil.Day(-1), CloudCover: 30, Fill: 1000})

	got := selectIDs(t, NewSelector(e), target, e.Grid().Bounds(), NearestMostCloudy, testOptions(2))
	assert.Equal(t, []string{"full", "holey"}, got)
}

// heuristicScene builds bands where the first cloudy pixels trip the second
// clause of tree1 and the rest stay clear of every clause.
func heuristicScene(n, cloudy int) map[string][]float64 {
	bands := make(map[string][]float64)
	for _, b := range raster.Sentinel2Bands {
		bands[b] = testutil.Fill(n, 500)
	}
	bands["B10"] = testutil.Fill(n, 50)
	for i := 0; i < cloudy; i++ {
		bands["B3"][i] = 4000
		bands["B11"][i] = 2000
		bands["B4"][i] = 5000
	}
	return bands
}

func TestSelectHeuristic(t *testing.T) {
	e := testutil.NewEngine(t, 2, 2)
	target := testutil.AddScene(t, e, testutil.Scene{ID: "T", Time: testutil.Day(0), Fill: 1000})
	testutil.AddScene(t, e, testutil.Scene{ID: "half", Time: testutil.Day(-3), Bands: heuristicScene(4, 2)})
	testutil.AddScene(t, e, testutil.Scene{ID: "blank", Time: testutil.Day(-2), Bands: heuristicScene(4, 0), Masked: []int{0, 1, 2, 3}})
	testutil.AddScene(t, e, testutil.Scene{ID: "clear", Time: testutil.Day(-1), Bands: heuristicScene(4, 0)})
	testutil.AddScene(t, e, testutil.Scene{ID: "quarter", Time: testutil.Day(1), Bands: heuristicScene(4, 1)})

	got := selectIDs(t, NewSelector(e), target, e.Grid().Bounds(), HeuristicTree1, testOptions(10))
	assert.Equal(t, []string{"clear", "quarter", "half", "blank"}, got)
}

func TestSelectEmptyCatalog(t *testing.T) {
	e := testutil.NewEngine(t, 2, 2)
	target := testutil.AddScene(t, e, testutil.Scene{ID: "T", Time: testutil.Day(0), Fill: 1000})

	set, err := NewSelector(e).Select(context.Background(), target, e.Grid().Bounds(), PreselectMostCloudy, testOptions(20))
	require.NoError(t, err)
	assert.True(t, set.Empty())
}

func TestSelectRejectsUnknownPolicy(t *testing.T) {
	e, target, roi := catalog(t)
	_, err := NewSelector(e).Select(context.Background(), target, roi, Policy(42), testOptions(2))
	assert.ErrorContains(t, err, "unknown background policy")
}

func TestSelectRejectsBadOptions(t *testing.T) {
	e, target, roi := catalog(t)
	opt := testOptions(0)
	_, err := NewSelector(e).Select(context.Background(), target, roi, NearestMostCloudy, opt)
	assert.ErrorContains(t, err, "number_of_images")
}

func TestSelectPropagatesTransientErrors(t *testing.T) {
	e, target, roi := catalog(t)
	e.FailNext("Collection", raster.Transient("Collection", errors.New("429")), 1)

	_, err := NewSelector(e).Select(context.Background(), target, roi, NearestMostCloudy, testOptions(2))
	require.Error(t, err)
	assert.True(t, raster.IsTransient(err))
}

func TestDefaultOptionsValidate(t *testing.T) {
	opt := DefaultOptions()
	require.NoError(t, opt.Validate())
	assert.Equal(t, 20, opt.NumberOfImages)
	assert.Equal(t, 40, opt.NumberPreselect)
}
