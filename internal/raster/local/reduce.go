package local

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/cloudmask/internal/geom"
	"github.com/banshee-data/cloudmask/internal/raster"
)

// ReduceMean implements raster.Reducer.
func (e *Engine) ReduceMean(ctx context.Context, img raster.Image, region geom.Polygon) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("ReduceMean"); err != nil {
		return nil, err
	}
	n, err := e.lookup(img)
	if err != nil {
		return nil, err
	}
	inside := e.cachedRegion(region)
	out := make(map[string]float64, len(n.meta.Bands))
	vals := make([]float64, 0, e.grid.Len())
	for _, b := range n.meta.Bands {
		vals = vals[:0]
		for i, v := range n.bands[b] {
			if inside[i] && !math.IsNaN(v) {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			continue
		}
		out[b] = stat.Mean(vals, nil)
	}
	return out, nil
}

// Sample implements raster.Reducer. Pixels are drawn without replacement
// and returned in grid order; the same seed always yields the same rows.
func (e *Engine) Sample(ctx context.Context, img raster.Image, region geom.Polygon, n int, seed int64) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("Sample"); err != nil {
		return nil, err
	}
	nd, err := e.lookup(img)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, invalid("sample size must be positive, got %d", n)
	}
	cols, _ := columns(nd, nd.meta.Bands)
	inside := e.cachedRegion(region)

	var candidates []int
	for i := range inside {
		if !inside[i] {
			continue
		}
		ok := true
		for _, c := range cols {
			if math.IsNaN(c[i]) {
				ok = false
				break
			}
		}
		if ok {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) > n {
		rng := rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
		rng.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
		candidates = candidates[:n]
		sort.Ints(candidates)
	}

	rows := make([][]float64, len(candidates))
	for r, i := range candidates {
		row := make([]float64, len(cols))
		for k, c := range cols {
			row[k] = c[i]
		}
		rows[r] = row
	}
	return rows, nil
}
