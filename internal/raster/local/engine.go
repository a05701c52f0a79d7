// Package local is an in-process raster.Engine over float grids. It backs
// offline runs against scenes on disk and gives the pipeline packages a
// deterministic engine to test against.
//
// Every image shares one pixel grid. Invalid (masked) pixels hold NaN.
// Algebra is evaluated eagerly; the handle semantics are the same as for a
// remote engine.
package local

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/banshee-data/cloudmask/internal/fsutil"
	"github.com/banshee-data/cloudmask/internal/geom"
	"github.com/banshee-data/cloudmask/internal/raster"
	"github.com/banshee-data/cloudmask/internal/timeutil"
)

// Grid places pixels in map coordinates. Row 0 is the row nearest OriginY;
// y grows with the row index.
type Grid struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	OriginX   float64 `json:"origin_x"`
	OriginY   float64 `json:"origin_y"`
	PixelSize float64 `json:"pixel_size"`
}

// Len is the number of pixels per band.
func (g Grid) Len() int { return g.Width * g.Height }

// Center returns the map coordinate of a pixel centre.
func (g Grid) Center(i int) geom.Point {
	col, row := i%g.Width, i/g.Width
	return geom.Point{
		X: g.OriginX + (float64(col)+0.5)*g.PixelSize,
		Y: g.OriginY + (float64(row)+0.5)*g.PixelSize,
	}
}

// Bounds returns the grid extent as a polygon.
func (g Grid) Bounds() geom.Polygon {
	return geom.Rect(g.OriginX, g.OriginY,
		g.OriginX+float64(g.Width)*g.PixelSize,
		g.OriginY+float64(g.Height)*g.PixelSize)
}

// Validate checks the grid has a usable shape.
func (g Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("grid size must be positive, got %dx%d", g.Width, g.Height)
	}
	if g.PixelSize <= 0 {
		return fmt.Errorf("pixel_size must be positive, got %v", g.PixelSize)
	}
	return nil
}

type node struct {
	meta  raster.Image
	bands map[string][]float64
}

type fault struct {
	err       error
	remaining int
}

// Engine implements raster.Engine in memory.
type Engine struct {
	grid  Grid
	fs    fsutil.FileSystem
	clock timeutil.Clock

	// AutoComplete advances each export task one state per TaskStatus poll:
	// READY, RUNNING, COMPLETED. When false tasks stay READY until
	// SetTaskState moves them.
	AutoComplete bool

	mu      sync.Mutex
	seq     int
	scenes  []string
	nodes   map[string]*node
	tasks   map[string]*exportTask
	faults  map[string]*fault
	calls   map[string]int
	regions map[string][]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithFileSystem sets where exports are written and scenes are read.
func WithFileSystem(fs fsutil.FileSystem) Option {
	return func(e *Engine) { e.fs = fs }
}

// WithClock sets the clock used to stamp export sidecars.
func WithClock(c timeutil.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates an empty engine over grid.
func New(grid Grid, opts ...Option) (*Engine, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		grid:         grid,
		fs:           fsutil.OSFileSystem{},
		clock:        timeutil.RealClock{},
		AutoComplete: true,
		nodes:        make(map[string]*node),
		tasks:        make(map[string]*exportTask),
		faults:       make(map[string]*fault),
		calls:        make(map[string]int),
		regions:      make(map[string][]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Grid returns the shared pixel grid.
func (e *Engine) Grid() Grid { return e.grid }

// AddScene registers a catalog image. Every band slice must have Grid.Len
// values. Pixels outside the footprint are masked.
func (e *Engine) AddScene(meta raster.Image, bands map[string][]float64) (raster.Image, error) {
	if meta.ID == "" {
		return raster.Image{}, fmt.Errorf("scene id is required")
	}
	n := e.grid.Len()
	names := meta.Bands
	if len(names) == 0 {
		for b := range bands {
			names = append(names, b)
		}
		sort.Strings(names)
	}
	inside := e.regionMask(meta.Footprint)
	data := make(map[string][]float64, len(names))
	for _, b := range names {
		src, ok := bands[b]
		if !ok {
			return raster.Image{}, fmt.Errorf("scene %s: band %s has no data", meta.ID, b)
		}
		if len(src) != n {
			return raster.Image{}, fmt.Errorf("scene %s: band %s has %d pixels, want %d", meta.ID, b, len(src), n)
		}
		px := make([]float64, n)
		for i, v := range src {
			if inside[i] {
				px[i] = v
			} else {
				px[i] = math.NaN()
			}
		}
		data[b] = px
	}

	meta = meta.Clone()
	meta.Bands = append([]string(nil), names...)
	if meta.Props == nil {
		meta.Props = make(map[string]float64)
	}
	if !meta.Time.IsZero() {
		meta.Props[raster.PropTimeStart] = float64(meta.Time.UnixMilli())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.nodes[meta.ID]; dup {
		return raster.Image{}, fmt.Errorf("scene %s already registered", meta.ID)
	}
	e.nodes[meta.ID] = &node{meta: meta, bands: data}
	e.scenes = append(e.scenes, meta.ID)
	return meta.Clone(), nil
}

// FailNext makes the next n calls of op fail with err. Op names match the
// Engine method names ("ReduceMean", "Export", ...).
func (e *Engine) FailNext(op string, err error, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[op] = &fault{err: err, remaining: n}
}

// Calls reports how many times op has been invoked, failed calls included.
func (e *Engine) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// enter records a call and returns any injected fault. Callers hold e.mu.
func (e *Engine) enter(op string) error {
	e.calls[op]++
	f, ok := e.faults[op]
	if !ok || f.remaining <= 0 {
		return nil
	}
	f.remaining--
	if f.remaining == 0 {
		delete(e.faults, op)
	}
	return f.err
}

// Pixels returns a copy of one band's values, for inspection.
func (e *Engine) Pixels(img raster.Image, band string) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.lookup(img)
	if err != nil {
		return nil, err
	}
	px, ok := n.bands[band]
	if !ok {
		return nil, fmt.Errorf("%w: image %s has no band %s", raster.ErrInvalidRequest, img.ID, band)
	}
	return append([]float64(nil), px...), nil
}

func (e *Engine) lookup(img raster.Image) (*node, error) {
	n, ok := e.nodes[img.ID]
	if !ok {
		return nil, fmt.Errorf("image %q: %w", img.ID, raster.ErrNotFound)
	}
	return n, nil
}

// put stores a derived image and returns its handle. Callers hold e.mu.
func (e *Engine) put(op string, meta raster.Image, names []string, bands map[string][]float64) raster.Image {
	e.seq++
	meta = meta.Clone()
	meta.ID = fmt.Sprintf("%s/%d", op, e.seq)
	meta.Bands = append([]string(nil), names...)
	e.nodes[meta.ID] = &node{meta: meta, bands: bands}
	return meta.Clone()
}

// regionMask marks the pixels whose centre falls inside region. An empty
// region selects the whole grid.
func (e *Engine) regionMask(region geom.Polygon) []bool {
	n := e.grid.Len()
	out := make([]bool, n)
	if region.Empty() {
		for i := range out {
			out[i] = true
		}
		return out
	}
	for i := range out {
		out[i] = region.Contains(e.grid.Center(i))
	}
	return out
}

// cachedRegion memoizes regionMask for repeated reductions over the same
// ROI. Callers hold e.mu.
func (e *Engine) cachedRegion(region geom.Polygon) []bool {
	key := fmt.Sprint(region)
	if m, ok := e.regions[key]; ok {
		return m
	}
	m := e.regionMask(region)
	e.regions[key] = m
	return m
}

// Image implements raster.Catalog.
func (e *Engine) Image(ctx context.Context, id string) (raster.Image, error) {
	if err := ctx.Err(); err != nil {
		return raster.Image{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("Image"); err != nil {
		return raster.Image{}, err
	}
	n, ok := e.nodes[id]
	if !ok {
		return raster.Image{}, fmt.Errorf("image %q: %w", id, raster.ErrNotFound)
	}
	return n.meta.Clone(), nil
}

// Collection implements raster.Catalog. Only registered scenes are listed.
func (e *Engine) Collection(ctx context.Context, q raster.Query) ([]raster.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("Collection"); err != nil {
		return nil, err
	}
	var out []raster.Image
	for _, id := range e.scenes {
		meta := e.nodes[id].meta
		if q.Matches(meta) {
			out = append(out, meta.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out, nil
}

var _ raster.Engine = (*Engine)(nil)
