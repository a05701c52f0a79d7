// Package background picks, for one target image, the catalog images that
// stand in for its cloud-free appearance.
package background

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/banshee-data/cloudmask/internal/config"
	"github.com/banshee-data/cloudmask/internal/geom"
	"github.com/banshee-data/cloudmask/internal/monitoring"
	"github.com/banshee-data/cloudmask/internal/raster"
	"github.com/banshee-data/cloudmask/internal/treemask"
)

// Engine is the part of raster.Engine the selector uses.
type Engine interface {
	raster.Catalog
	raster.Algebra
	raster.Reducer
}

// Options parameterizes selection.
type Options struct {
	NumberOfImages  int
	NumberPreselect int
	// ThresholdCC is the published cloud percentage CloudCoverFiltered
	// requires candidates to exceed.
	ThresholdCC float64
	AllowFuture bool
	// NumberHours excludes candidates captured within this many hours of
	// the target, either side.
	NumberHours float64
	// CommonArea is the footprint overlap ratio with the region of
	// interest a candidate must exceed.
	CommonArea float64
	// ValidityBands are checked for masked pixels when ranking validity.
	// Empty means every band of the candidate.
	ValidityBands []string
}

// DefaultOptions returns the standard selection parameters.
func DefaultOptions() Options {
	return OptionsFromTuning(config.EmptyTuningConfig())
}

// OptionsFromTuning builds Options from the tuning configuration.
func OptionsFromTuning(cfg *config.TuningConfig) Options {
	return Options{
		NumberOfImages:  cfg.GetNumberOfImages(),
		NumberPreselect: cfg.GetNumberPreselect(),
		ThresholdCC:     cfg.GetThresholdCC(),
		AllowFuture:     cfg.GetAllowFuture(),
		NumberHours:     cfg.GetNumberHours(),
		CommonArea:      cfg.GetCommonArea(),
		ValidityBands:   raster.Sentinel2Bands,
	}
}

// Validate checks the options can drive a selection.
func (o Options) Validate() error {
	if o.NumberOfImages < 1 {
		return fmt.Errorf("number_of_images must be at least 1, got %d", o.NumberOfImages)
	}
	if o.NumberPreselect < 1 {
		return fmt.Errorf("number_preselect must be at least 1, got %d", o.NumberPreselect)
	}
	if o.NumberHours < 0 {
		return fmt.Errorf("number_hours must be non-negative, got %v", o.NumberHours)
	}
	if o.CommonArea < 0 || o.CommonArea > 1 {
		return fmt.Errorf("common_area must be between 0 and 1, got %v", o.CommonArea)
	}
	return nil
}

// Set is the ordered result of a selection. The last member is the one
// selected last and becomes lag 1 when stacked.
type Set struct {
	Policy Policy
	Images []raster.Image
}

// Len returns the number of members.
func (s Set) Len() int { return len(s.Images) }

// Empty reports whether no candidate survived selection.
func (s Set) Empty() bool { return len(s.Images) == 0 }

// Selector chooses background sets.
type Selector struct {
	eng   Engine
	trees treemask.Set
}

// NewSelector returns a selector using the built-in decision trees for the
// heuristic policies.
func NewSelector(eng Engine) *Selector {
	return &Selector{eng: eng, trees: treemask.Defaults()}
}

// WithTrees replaces the decision trees used by the heuristic policies.
func (s *Selector) WithTrees(trees treemask.Set) *Selector {
	s.trees = trees
	return s
}

// Select returns up to opt.NumberOfImages background images for target.
// Candidates come from the target's tile and must pass the time and overlap
// filters before policy p ranks them. Engine failures are wrapped with %w so
// callers can still tell transient ones apart.
func (s *Selector) Select(ctx context.Context, target raster.Image, roi geom.Polygon, p Policy, opt Options) (Set, error) {
	if !p.Valid() {
		return Set{}, fmt.Errorf("unknown background policy %v", p)
	}
	if err := opt.Validate(); err != nil {
		return Set{}, err
	}

	cands, err := s.Candidates(ctx, target, roi, opt)
	if err != nil {
		return Set{}, err
	}

	var picked []raster.Image
	switch p {
	case NearestMostCloudy, NearestLeastCloudy:
		picked = nearest(cands, target.Time, opt.NumberOfImages, opt.AllowFuture)
		sortByCloudCover(picked, p == NearestMostCloudy)
	case CloudCoverFiltered:
		var kept []raster.Image
		for _, c := range cands {
			if c.CloudCover() > opt.ThresholdCC {
				kept = append(kept, c)
			}
		}
		picked = nearest(kept, target.Time, opt.NumberOfImages, opt.AllowFuture)
		sortByCloudCover(picked, true)
	case GloballyLeastCloudy:
		picked = slices.Clone(cands)
		sortByCloudCover(picked, false)
	case PreselectLeastCloudy, PreselectMostCloudy:
		picked = nearest(cands, target.Time, opt.NumberPreselect, opt.AllowFuture)
		sortByCloudCover(picked, p == PreselectMostCloudy)
	case HeuristicTree1, HeuristicTree2, HeuristicTree3:
		picked, err = s.byHeuristic(ctx, cands, p, roi)
		if err != nil {
			return Set{}, err
		}
	}
	if len(picked) > opt.NumberOfImages {
		picked = picked[:opt.NumberOfImages]
	}

	picked, err = s.byValidity(ctx, picked, roi, opt)
	if err != nil {
		return Set{}, err
	}
	monitoring.Diagf("[BackgroundSelector] %s: %s kept %d of %d candidates", target.ID, p, len(picked), len(cands))
	return Set{Policy: p, Images: picked}, nil
}

// Candidates lists the catalog images of target's tile that lie outside the
// ±NumberHours window and overlap roi by more than CommonArea, in capture
// order.
func (s *Selector) Candidates(ctx context.Context, target raster.Image, roi geom.Polygon, opt Options) ([]raster.Image, error) {
	all, err := s.eng.Collection(ctx, raster.Query{Tile: target.Tile, Bounds: roi})
	if err != nil {
		return nil, fmt.Errorf("background catalog for %s: %w", target.ID, err)
	}
	window := time.Duration(opt.NumberHours * float64(time.Hour))
	var out []raster.Image
	for _, c := range all {
		if c.ID == target.ID {
			continue
		}
		dt := c.Time.Sub(target.Time)
		if dt < 0 {
			dt = -dt
		}
		if dt <= window {
			monitoring.Tracef("[BackgroundSelector] %s: drop %s, %v from target", target.ID, c.ID, dt)
			continue
		}
		if len(roi) > 0 {
			if r := geom.OverlapRatio(c.Footprint, roi); r <= opt.CommonArea {
				monitoring.Tracef("[BackgroundSelector] %s: drop %s, overlap %.3f", target.ID, c.ID, r)
				continue
			}
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// nearest returns up to n candidates strictly before t, most recent first,
// then fills from candidates strictly after t in ascending time order when
// allowFuture is set. cands must be in capture order.
func nearest(cands []raster.Image, t time.Time, n int, allowFuture bool) []raster.Image {
	var out []raster.Image
	for i := len(cands) - 1; i >= 0 && len(out) < n; i-- {
		if cands[i].Time.Before(t) {
			out = append(out, cands[i])
		}
	}
	if !allowFuture {
		return out
	}
	for _, c := range cands {
		if len(out) >= n {
			break
		}
		if c.Time.After(t) {
			out = append(out, c)
		}
	}
	return out
}

func sortByCloudCover(imgs []raster.Image, mostFirst bool) {
	sort.SliceStable(imgs, func(i, j int) bool {
		if mostFirst {
			return imgs[i].CloudCover() > imgs[j].CloudCover()
		}
		return imgs[i].CloudCover() < imgs[j].CloudCover()
	})
}

// byHeuristic orders candidates by estimated cloud fraction, least cloudy
// first. Candidates with no valid pixel in roi sort last.
func (s *Selector) byHeuristic(ctx context.Context, cands []raster.Image, p Policy, roi geom.Polygon) ([]raster.Image, error) {
	name, _ := p.Tree()
	rules, err := s.trees.Lookup(name)
	if err != nil {
		return nil, err
	}
	frac := make(map[string]float64, len(cands))
	for _, c := range cands {
		f, ok, err := treemask.CloudFraction(ctx, s.eng, c, rules, roi)
		if err != nil {
			return nil, fmt.Errorf("estimate cloud fraction of %s: %w", c.ID, err)
		}
		if !ok {
			f = math.Inf(1)
		}
		frac[c.ID] = f
	}
	out := slices.Clone(cands)
	sort.SliceStable(out, func(i, j int) bool { return frac[out[i].ID] < frac[out[j].ID] })
	return out, nil
}

// byValidity stable-sorts members by descending share of fully valid pixels
// in roi and keeps NumberOfImages of them. Ties keep policy order.
func (s *Selector) byValidity(ctx context.Context, imgs []raster.Image, roi geom.Polygon, opt Options) ([]raster.Image, error) {
	valid := make(map[string]float64, len(imgs))
	for _, im := range imgs {
		bands := presentBands(im, opt.ValidityBands)
		m, err := s.eng.ValidMask(im, bands)
		if err != nil {
			return nil, fmt.Errorf("validity mask of %s: %w", im.ID, err)
		}
		means, err := s.eng.ReduceMean(ctx, m, roi)
		if err != nil {
			return nil, fmt.Errorf("validity of %s: %w", im.ID, err)
		}
		valid[im.ID] = means["valid"]
	}
	out := slices.Clone(imgs)
	sort.SliceStable(out, func(i, j int) bool { return valid[out[i].ID] > valid[out[j].ID] })
	if len(out) > opt.NumberOfImages {
		out = out[:opt.NumberOfImages]
	}
	return out, nil
}

func presentBands(im raster.Image, want []string) []string {
	if len(want) == 0 {
		return nil
	}
	var out []string
	for _, b := range want {
		if im.HasBand(b) {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
