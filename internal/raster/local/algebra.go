package local

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/cloudmask/internal/raster"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", raster.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func (e *Engine) nan() []float64 {
	px := make([]float64, e.grid.Len())
	for i := range px {
		px[i] = math.NaN()
	}
	return px
}

// mapBands applies f to every band of img, keeping names and metadata.
func (e *Engine) mapBands(op string, img raster.Image, f func(v float64) float64) (raster.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(op); err != nil {
		return raster.Image{}, err
	}
	n, err := e.lookup(img)
	if err != nil {
		return raster.Image{}, err
	}
	out := make(map[string][]float64, len(n.meta.Bands))
	for _, b := range n.meta.Bands {
		src := n.bands[b]
		dst := make([]float64, len(src))
		for i, v := range src {
			dst[i] = f(v)
		}
		out[b] = dst
	}
	return e.put(op, n.meta, n.meta.Bands, out), nil
}

// zipBands combines a and b band by band in positional order. A single-band
// b is broadcast against every band of a.
func (e *Engine) zipBands(op string, a, b raster.Image, f func(x, y float64) float64) (raster.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(op); err != nil {
		return raster.Image{}, err
	}
	na, err := e.lookup(a)
	if err != nil {
		return raster.Image{}, err
	}
	nb, err := e.lookup(b)
	if err != nil {
		return raster.Image{}, err
	}
	if len(nb.meta.Bands) != 1 && len(nb.meta.Bands) != len(na.meta.Bands) {
		return raster.Image{}, invalid("%s: %d bands against %d", op, len(na.meta.Bands), len(nb.meta.Bands))
	}
	out := make(map[string][]float64, len(na.meta.Bands))
	for k, name := range na.meta.Bands {
		x := na.bands[name]
		other := nb.meta.Bands[0]
		if len(nb.meta.Bands) > 1 {
			other = nb.meta.Bands[k]
		}
		y := nb.bands[other]
		dst := make([]float64, len(x))
		for i := range x {
			dst[i] = f(x[i], y[i])
		}
		out[name] = dst
	}
	return e.put(op, na.meta, na.meta.Bands, out), nil
}

func (e *Engine) Select(img raster.Image, bands []string, names []string) (raster.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("Select"); err != nil {
		return raster.Image{}, err
	}
	if names != nil && len(names) != len(bands) {
		return raster.Image{}, invalid("select: %d bands renamed to %d names", len(bands), len(names))
	}
	n, err := e.lookup(img)
	if err != nil {
		return raster.Image{}, err
	}
	if names == nil {
		names = bands
	}
	out := make(map[string][]float64, len(bands))
	for i, b := range bands {
		px, ok := n.bands[b]
		if !ok {
			return raster.Image{}, invalid("select: image %s has no band %s", img.ID, b)
		}
		if _, dup := out[names[i]]; dup {
			return raster.Image{}, invalid("select: duplicate band name %s", names[i])
		}
		out[names[i]] = px
	}
	return e.put("select", n.meta, names, out), nil
}

func (e *Engine) AddBands(img raster.Image, others ...raster.Image) (raster.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("AddBands"); err != nil {
		return raster.Image{}, err
	}
	n, err := e.lookup(img)
	if err != nil {
		return raster.Image{}, err
	}
	names := slices.Clone(n.meta.Bands)
	out := make(map[string][]float64, len(names))
	for _, b := range names {
		out[b] = n.bands[b]
	}
	for _, o := range others {
		no, err := e.lookup(o)
		if err != nil {
			return raster.Image{}, err
		}
		for _, b := range no.meta.Bands {
			if _, dup := out[b]; dup {
				return raster.Image{}, invalid("addBands: duplicate band name %s", b)
			}
			out[b] = no.bands[b]
			names = append(names, b)
		}
	}
	return e.put("addBands", n.meta, names, out), nil
}

func (e *Engine) Subtract(a, b raster.Image) (raster.Image, error) {
	return e.zipBands("Subtract", a, b, func(x, y float64) float64 { return x - y })
}

func (e *Engine) Add(a, b raster.Image) (raster.Image, error) {
	return e.zipBands("Add", a, b, func(x, y float64) float64 { return x + y })
}

func (e *Engine) Scale(img raster.Image, factor float64) (raster.Image, error) {
	return e.mapBands("Scale", img, func(v float64) float64 { return v * factor })
}

func (e *Engine) Compare(img raster.Image, op raster.CompareOp, value float64) (raster.Image, error) {
	return e.mapBands("Compare", img, func(v float64) float64 {
		if math.IsNaN(v) {
			return v
		}
		return boolf(op.Apply(v, value))
	})
}

func (e *Engine) And(a, b raster.Image) (raster.Image, error) {
	return e.zipBands("And", a, b, func(x, y float64) float64 {
		if math.IsNaN(x) || math.IsNaN(y) {
			return math.NaN()
		}
		return boolf(x != 0 && y != 0)
	})
}

func (e *Engine) Constant(like raster.Image, value float64, name string) (raster.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("Constant"); err != nil {
		return raster.Image{}, err
	}
	n, err := e.lookup(like)
	if err != nil {
		return raster.Image{}, err
	}
	px := make([]float64, e.grid.Len())
	for i := range px {
		px[i] = value
	}
	return e.put("constant", n.meta, []string{name}, map[string][]float64{name: px}), nil
}

func (e *Engine) UpdateMask(img raster.Image, mask raster.Image) (raster.Image, error) {
	return e.zipBands("UpdateMask", img, mask, func(x, m float64) float64 {
		if math.IsNaN(m) || m == 0 {
			return math.NaN()
		}
		return x
	})
}

func (e *Engine) ValidMask(img raster.Image, bands []string) (raster.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("ValidMask"); err != nil {
		return raster.Image{}, err
	}
	n, err := e.lookup(img)
	if err != nil {
		return raster.Image{}, err
	}
	if len(bands) == 0 {
		bands = n.meta.Bands
	}
	cols, err := columns(n, bands)
	if err != nil {
		return raster.Image{}, err
	}
	px := make([]float64, e.grid.Len())
	for i := range px {
		px[i] = 1
		for _, c := range cols {
			if math.IsNaN(c[i]) {
				px[i] = 0
				break
			}
		}
	}
	return e.put("validMask", n.meta, []string{"valid"}, map[string][]float64{"valid": px}), nil
}

func (e *Engine) EvalRules(img raster.Image, rules raster.RuleSet, name string) (raster.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("EvalRules"); err != nil {
		return raster.Image{}, err
	}
	n, err := e.lookup(img)
	if err != nil {
		return raster.Image{}, err
	}
	used := rules.Bands()
	if _, err := columns(n, used); err != nil {
		return raster.Image{}, err
	}
	px := make([]float64, e.grid.Len())
	for i := range px {
		masked := false
		for _, b := range used {
			if math.IsNaN(n.bands[b][i]) {
				masked = true
				break
			}
		}
		if masked {
			px[i] = math.NaN()
			continue
		}
		px[i] = boolf(rules.Eval(func(b string) float64 { return n.bands[b][i] }))
	}
	return e.put("rules", n.meta, []string{name}, map[string][]float64{name: px}), nil
}

func (e *Engine) Standardize(img raster.Image, mean, std []float64) (raster.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("Standardize"); err != nil {
		return raster.Image{}, err
	}
	n, err := e.lookup(img)
	if err != nil {
		return raster.Image{}, err
	}
	if len(mean) != len(n.meta.Bands) || len(std) != len(n.meta.Bands) {
		return raster.Image{}, invalid("standardize: %d bands, %d means, %d deviations",
			len(n.meta.Bands), len(mean), len(std))
	}
	out := make(map[string][]float64, len(n.meta.Bands))
	for k, b := range n.meta.Bands {
		s := std[k]
		if s == 0 {
			s = 1
		}
		src := n.bands[b]
		dst := make([]float64, len(src))
		for i, v := range src {
			dst[i] = (v - mean[k]) / s
		}
		out[b] = dst
	}
	return e.put("standardize", n.meta, n.meta.Bands, out), nil
}

func (e *Engine) AssignClusters(img raster.Image, centroids [][]float64) (raster.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("AssignClusters"); err != nil {
		return raster.Image{}, err
	}
	n, err := e.lookup(img)
	if err != nil {
		return raster.Image{}, err
	}
	if len(centroids) == 0 {
		return raster.Image{}, invalid("assignClusters: no centroids")
	}
	for _, c := range centroids {
		if len(c) != len(n.meta.Bands) {
			return raster.Image{}, invalid("assignClusters: centroid has %d dims, image has %d bands",
				len(c), len(n.meta.Bands))
		}
	}
	cols, _ := columns(n, n.meta.Bands)
	px := make([]float64, e.grid.Len())
	row := make([]float64, len(cols))
	for i := range px {
		ok := true
		for k, c := range cols {
			row[k] = c[i]
			if math.IsNaN(c[i]) {
				ok = false
			}
		}
		if !ok {
			px[i] = math.NaN()
			continue
		}
		best, bestDist := 0, math.Inf(1)
		for j, c := range centroids {
			if d := floats.Distance(row, c, 2); d < bestDist {
				best, bestDist = j, d
			}
		}
		px[i] = float64(best)
	}
	return e.put("cluster", n.meta, []string{"cluster"}, map[string][]float64{"cluster": px}), nil
}

func (e *Engine) Classify(img raster.Image, c raster.Classifier, name string) (raster.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("Classify"); err != nil {
		return raster.Image{}, err
	}
	n, err := e.lookup(img)
	if err != nil {
		return raster.Image{}, err
	}
	cols, err := columns(n, c.Inputs())
	if err != nil {
		return raster.Image{}, err
	}
	px := make([]float64, e.grid.Len())
	row := make([]float64, len(cols))
	for i := range px {
		ok := true
		for k, col := range cols {
			row[k] = col[i]
			if math.IsNaN(col[i]) {
				ok = false
			}
		}
		if !ok {
			px[i] = math.NaN()
			continue
		}
		px[i] = c.Predict(row)
	}
	return e.put("classify", n.meta, []string{name}, map[string][]float64{name: px}), nil
}

// Percentile uses the empirical (lower) quantile of the valid values at each
// pixel. A pixel with no valid value stays masked.
func (e *Engine) Percentile(imgs []raster.Image, percentile float64) (raster.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("Percentile"); err != nil {
		return raster.Image{}, err
	}
	if len(imgs) == 0 {
		return raster.Image{}, raster.EmptyResult("percentile", "no images to reduce")
	}
	if percentile < 0 || percentile > 100 {
		return raster.Image{}, invalid("percentile %v outside [0, 100]", percentile)
	}
	stack := make([]*node, len(imgs))
	for k, img := range imgs {
		n, err := e.lookup(img)
		if err != nil {
			return raster.Image{}, err
		}
		if k > 0 && !slices.Equal(n.meta.Bands, stack[0].meta.Bands) {
			return raster.Image{}, invalid("percentile: band mismatch between %s and %s", imgs[0].ID, img.ID)
		}
		stack[k] = n
	}

	bands := stack[0].meta.Bands
	names := make([]string, len(bands))
	out := make(map[string][]float64, len(bands))
	vals := make([]float64, 0, len(stack))
	for k, b := range bands {
		names[k] = fmt.Sprintf("%s_p%g", b, percentile)
		dst := e.nan()
		for i := range dst {
			vals = vals[:0]
			for _, n := range stack {
				if v := n.bands[b][i]; !math.IsNaN(v) {
					vals = append(vals, v)
				}
			}
			if len(vals) == 0 {
				continue
			}
			sort.Float64s(vals)
			dst[i] = stat.Quantile(percentile/100, stat.Empirical, vals, nil)
		}
		out[names[k]] = dst
	}
	meta := raster.Image{Footprint: stack[0].meta.Footprint, Tile: stack[0].meta.Tile}
	return e.put("percentile", meta, names, out), nil
}

func (e *Engine) SetProps(img raster.Image, props map[string]float64) (raster.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("SetProps"); err != nil {
		return raster.Image{}, err
	}
	n, err := e.lookup(img)
	if err != nil {
		return raster.Image{}, err
	}
	meta := n.meta.Clone()
	if meta.Props == nil {
		meta.Props = make(map[string]float64, len(props))
	}
	for k, v := range props {
		meta.Props[k] = v
	}
	return e.put("setProps", meta, n.meta.Bands, n.bands), nil
}

func (e *Engine) WithMetadata(img raster.Image, src raster.Image) (raster.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("WithMetadata"); err != nil {
		return raster.Image{}, err
	}
	n, err := e.lookup(img)
	if err != nil {
		return raster.Image{}, err
	}
	ns, err := e.lookup(src)
	if err != nil {
		return raster.Image{}, err
	}
	meta := ns.meta.Clone()
	return e.put("withMetadata", meta, n.meta.Bands, n.bands), nil
}

func columns(n *node, bands []string) ([][]float64, error) {
	cols := make([][]float64, len(bands))
	for k, b := range bands {
		px, ok := n.bands[b]
		if !ok {
			return nil, invalid("image %s has no band %s", n.meta.ID, b)
		}
		cols[k] = px
	}
	return cols, nil
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
