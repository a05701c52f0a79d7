// Package masking runs the full per-image chain: background selection,
// forecasting and scoring for every configured policy, the decision-tree
// masks, and the forest that fuses them.
package masking

import (
	"context"
	"fmt"
	"strconv"

	"github.com/banshee-data/cloudmask/internal/background"
	"github.com/banshee-data/cloudmask/internal/cloudscore"
	"github.com/banshee-data/cloudmask/internal/composite"
	"github.com/banshee-data/cloudmask/internal/config"
	"github.com/banshee-data/cloudmask/internal/fusion"
	"github.com/banshee-data/cloudmask/internal/geom"
	"github.com/banshee-data/cloudmask/internal/monitoring"
	"github.com/banshee-data/cloudmask/internal/raster"
	"github.com/banshee-data/cloudmask/internal/treemask"
)

// Engine is the part of raster.Engine the pipeline uses.
type Engine interface {
	raster.Catalog
	raster.Algebra
	raster.Reducer
}

// Options configures a Pipeline.
type Options struct {
	Selection background.Options
	Scoring   cloudscore.Params
	// Policies are scored in order; each yields one method band.
	Policies       []background.Policy
	ForecastMethod composite.Method
	Percentile     float64
	// ReflectanceScale turns digital numbers into reflectance before
	// scoring.
	ReflectanceScale float64
	Trees            treemask.Set
}

// OptionsFromTuning builds Options from the tuning configuration.
func OptionsFromTuning(cfg *config.TuningConfig, trees treemask.Set) (Options, error) {
	method, err := composite.ParseMethod(cfg.GetForecastMethod())
	if err != nil {
		return Options{}, err
	}
	var policies []background.Policy
	for _, n := range cfg.GetPolicies() {
		p, err := background.PolicyFromNumber(n)
		if err != nil {
			return Options{}, err
		}
		policies = append(policies, p)
	}
	if trees == nil {
		trees = treemask.Defaults()
	}
	return Options{
		Selection:        background.OptionsFromTuning(cfg),
		Scoring:          cloudscore.ParamsFromTuning(cfg),
		Policies:         policies,
		ForecastMethod:   method,
		Percentile:       cfg.GetPercentile(),
		ReflectanceScale: cfg.GetReflectanceScale(),
		Trees:            trees,
	}, nil
}

// MethodName is the band name of the mask policy p yields with forecast m,
// such as "percentile5" or "persistence1".
func MethodName(m composite.Method, p background.Policy) string {
	if n := p.Number(); n > 0 {
		return string(m) + strconv.Itoa(n)
	}
	return string(m) + "-" + p.String()
}

// MethodError records a method that could not be computed for an image.
// Its band is set to zero and the image carries on.
type MethodError struct {
	Method  string
	ImageID string
	Err     error
}

func (e MethodError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Method, e.ImageID, e.Err)
}

// Outcome is the result of processing one image.
type Outcome struct {
	// Mask is the fused single-band mask.
	Mask raster.Image
	// Methods holds every input band of the fusion, keyed by method name.
	Methods map[string]raster.Image
	Errors  []MethodError
}

// Pipeline computes fused cloud masks.
type Pipeline struct {
	eng      Engine
	selector *background.Selector
	composer *composite.Composer
	scorer   *cloudscore.Scorer
	fuser    *fusion.Classifier
	opt      Options
	names    map[string]background.Policy
}

// New checks that every method the fuser consumes is either a tree in
// opt.Trees or produced by one of opt.Policies.
func New(eng Engine, fuser *fusion.Classifier, opt Options) (*Pipeline, error) {
	if err := opt.Selection.Validate(); err != nil {
		return nil, err
	}
	if err := opt.Scoring.Validate(); err != nil {
		return nil, err
	}
	if opt.ReflectanceScale <= 0 {
		return nil, fmt.Errorf("reflectance_scale must be positive, got %v", opt.ReflectanceScale)
	}
	if opt.Trees == nil {
		opt.Trees = treemask.Defaults()
	}
	names := make(map[string]background.Policy, len(opt.Policies))
	for _, p := range opt.Policies {
		if !p.Valid() {
			return nil, fmt.Errorf("unknown background policy %v", p)
		}
		names[MethodName(opt.ForecastMethod, p)] = p
	}
	for _, m := range fuser.Methods() {
		if _, ok := names[m]; ok {
			continue
		}
		if _, err := opt.Trees.Lookup(m); err == nil {
			continue
		}
		return nil, fmt.Errorf("fusion method %s is neither a tree nor a configured policy", m)
	}
	return &Pipeline{
		eng:      eng,
		selector: background.NewSelector(eng).WithTrees(opt.Trees),
		composer: composite.New(eng),
		scorer:   cloudscore.NewScorer(eng),
		fuser:    fuser,
		opt:      opt,
		names:    names,
	}, nil
}

// Process builds the fused mask of target over roi. Structural failures of
// a single method are reported in Outcome.Errors; any other failure is
// returned.
func (p *Pipeline) Process(ctx context.Context, target raster.Image, roi geom.Polygon) (Outcome, error) {
	out := Outcome{Methods: make(map[string]raster.Image)}
	actual, err := p.eng.Scale(target, p.opt.ReflectanceScale)
	if err != nil {
		return Outcome{}, fmt.Errorf("normalize %s: %w", target.ID, err)
	}

	for _, m := range p.fuser.Methods() {
		if _, ok := p.names[m]; ok {
			continue
		}
		rules, err := p.opt.Trees.Lookup(m)
		if err != nil {
			return Outcome{}, err
		}
		mask, err := treemask.Mask(p.eng, target, rules)
		if err != nil {
			return Outcome{}, err
		}
		out.Methods[m] = mask
	}

	for _, pol := range p.opt.Policies {
		name := MethodName(p.opt.ForecastMethod, pol)
		mask, err := p.method(ctx, target, actual, roi, pol)
		if err != nil {
			if !raster.IsEmptyResult(err) {
				return Outcome{}, fmt.Errorf("%s: %w", name, err)
			}
			monitoring.Diagf("[MaskPipeline] %s: %s set to zero: %v", target.ID, name, err)
			out.Errors = append(out.Errors, MethodError{Method: name, ImageID: target.ID, Err: err})
			if mask.IsZero() {
				if mask, err = p.eng.Constant(target, 0, cloudscore.BandMask); err != nil {
					return Outcome{}, err
				}
			}
		}
		out.Methods[name] = mask
	}

	fused, err := p.fuser.Fuse(ctx, target, out.Methods)
	if err != nil {
		return Outcome{}, err
	}
	out.Mask = fused
	return out, nil
}

// method selects, forecasts and scores one policy. An empty background
// set still yields the scorer's all-clear mask, alongside
// composite.ErrEmptyBackground so the gap is audited.
func (p *Pipeline) method(ctx context.Context, target, actual raster.Image, roi geom.Polygon, pol background.Policy) (raster.Image, error) {
	set, err := p.selector.Select(ctx, target, roi, pol, p.opt.Selection)
	if err != nil {
		return raster.Image{}, err
	}
	if set.Empty() {
		res, err := p.scorer.Score(ctx, actual, raster.Image{}, roi, p.opt.Scoring)
		if err != nil {
			return raster.Image{}, err
		}
		return res.Mask, composite.ErrEmptyBackground
	}
	fc, err := p.composer.Forecast(ctx, p.opt.ForecastMethod, target, set, p.opt.Percentile)
	if err != nil {
		return raster.Image{}, err
	}
	fc, err = p.eng.Scale(fc, p.opt.ReflectanceScale)
	if err != nil {
		return raster.Image{}, err
	}
	res, err := p.scorer.Score(ctx, actual, fc, roi, p.opt.Scoring)
	if err != nil {
		return raster.Image{}, err
	}
	return res.Mask, nil
}
