package treemask

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cloudmask/internal/raster"
	"github.com/banshee-data/cloudmask/internal/raster/local"
)

// dn converts reflectance to Sentinel-2 digital numbers.
func dn(r float64) float64 { return r * 10000 }

func pixel(overrides map[string]float64) func(string) float64 {
	return func(b string) float64 {
		if v, ok := overrides[b]; ok {
			return dn(v)
		}
		return dn(0.1)
	}
}

func TestTree1Clauses(t *testing.T) {
	tree := Tree1()
	assert.True(t, tree.Eval(pixel(map[string]float64{"B3": 0.2, "B8A": 0.1, "B10": 0.02})), "thin cirrus")
	assert.True(t, tree.Eval(pixel(map[string]float64{"B3": 0.5, "B11": 0.2, "B4": 0.5})))
	assert.True(t, tree.Eval(pixel(map[string]float64{"B3": 0.5, "B11": 0.4, "B7": 1.0})), "thick cloud")
	assert.False(t, tree.Eval(pixel(map[string]float64{"B3": 0.05, "B8A": 0.3, "B10": 0.001})), "vegetation")
}

func TestTree2Ratios(t *testing.T) {
	tree := Tree2()
	// B10/B2 = 0.1 > 0.065
	assert.True(t, tree.Eval(pixel(map[string]float64{"B8A": 0.2, "B3": 0.1, "B10": 0.01, "B2": 0.1})))
	// B10/B2 = 0.01
	assert.False(t, tree.Eval(pixel(map[string]float64{"B8A": 0.2, "B3": 0.1, "B10": 0.001, "B2": 0.1})))
	// B6/B11 = 1 < 4.292
	assert.True(t, tree.Eval(pixel(map[string]float64{"B8A": 0.2, "B3": 0.5, "B6": 0.3, "B11": 0.3})))
}

func TestTree3HasFiveClauses(t *testing.T) {
	tree := Tree3()
	assert.Len(t, tree.Clauses, 5)
	assert.True(t, tree.Eval(pixel(map[string]float64{"B8A": 0.3, "B1": 0.2, "B10": 0.02})))
	assert.False(t, tree.Eval(pixel(map[string]float64{"B8A": 0.03})))
	assert.ElementsMatch(t, []string{"B8A", "B12", "B10", "B1", "B2", "B11", "B5"}, tree.Bands())
}

func TestDecodeOverlaysDefaults(t *testing.T) {
	src := `[{"name":"tree2","clauses":[[{"band":"B3","op":">","value":0.5}]]},
	         {"name":"bright","scale":1,"clauses":[[{"band":"B2","op":">=","value":3000}]]}]`
	s, err := Decode(strings.NewReader(src))
	require.NoError(t, err)

	t2, err := s.Lookup("tree2")
	require.NoError(t, err)
	assert.Len(t, t2.Clauses, 1)
	assert.Equal(t, Reflectance, t2.Scale)

	_, err = s.Lookup("tree1")
	assert.NoError(t, err)
	b, err := s.Lookup("bright")
	require.NoError(t, err)
	assert.Equal(t, raster.OpGE, b.Clauses[0][0].Op)

	_, err = s.Lookup("tree9")
	assert.Error(t, err)

	_, err = Decode(strings.NewReader(`[{"name":"x","clauses":[]}]`))
	assert.Error(t, err)
	_, err = Decode(strings.NewReader(`[{"name":"x","bogus":1}]`))
	assert.Error(t, err)
}

func TestCloudFraction(t *testing.T) {
	e, err := local.New(local.Grid{Width: 4, Height: 1, PixelSize: 1})
	require.NoError(t, err)

	bands := map[string][]float64{}
	for _, b := range raster.Sentinel2Bands {
		bands[b] = []float64{dn(0.1), dn(0.1), dn(0.1), dn(0.1)}
	}
	// Two cirrus pixels for tree1, one masked pixel.
	bands["B10"] = []float64{dn(0.02), dn(0.02), dn(0.001), math.NaN()}
	img, err := e.AddScene(raster.Image{ID: "s", Footprint: e.Grid().Bounds()}, bands)
	require.NoError(t, err)

	frac, ok, err := CloudFraction(context.Background(), e, img, Tree1(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 2.0/3.0, frac, 1e-12)

	m, err := Mask(e, img, Tree1())
	require.NoError(t, err)
	assert.Equal(t, []string{"tree1"}, m.Bands)
}
