// Package treemask holds the three per-pixel decision-tree cloud heuristics.
// Each is a disjunction of threshold clauses over top-of-atmosphere
// reflectance (digital numbers scaled by 1/10000) and band ratios.
package treemask

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/banshee-data/cloudmask/internal/geom"
	"github.com/banshee-data/cloudmask/internal/raster"
)

// Reflectance is the factor that turns Sentinel-2 digital numbers into
// reflectance.
const Reflectance = 1.0 / 10000

func gt(band string, v float64) raster.Condition {
	return raster.Condition{Band: band, Op: raster.OpGT, Value: v}
}

func lt(band string, v float64) raster.Condition {
	return raster.Condition{Band: band, Op: raster.OpLT, Value: v}
}

func ratio(num, den string, op raster.CompareOp, v float64) raster.Condition {
	return raster.Condition{Band: num, Divisor: den, Op: op, Value: v}
}

// Tree1 flags cirrus on dark and bright surfaces and thick cloud.
func Tree1() raster.RuleSet {
	return raster.RuleSet{Name: "tree1", Scale: Reflectance, Clauses: []raster.Clause{
		{lt("B3", 0.325), lt("B8A", 0.166), gt("B10", 0.011)},
		{gt("B3", 0.325), lt("B11", 0.267), lt("B4", 0.674)},
		{gt("B3", 0.325), gt("B11", 0.267), lt("B7", 1.544)},
	}}
}

// Tree2 uses the cirrus/blue and red-edge/SWIR ratios.
func Tree2() raster.RuleSet {
	return raster.RuleSet{Name: "tree2", Scale: Reflectance, Clauses: []raster.Clause{
		{gt("B8A", 0.156), lt("B3", 0.333), ratio("B10", "B2", raster.OpGT, 0.065)},
		{gt("B8A", 0.156), gt("B3", 0.333), ratio("B6", "B11", raster.OpLT, 4.292)},
	}}
}

// Tree3 is the five-clause tree split on NIR and coastal aerosol.
func Tree3() raster.RuleSet {
	return raster.RuleSet{Name: "tree3", Scale: Reflectance, Clauses: []raster.Clause{
		{lt("B8A", 0.181), gt("B8A", 0.051), lt("B12", 0.097), gt("B10", 0.011)},
		{gt("B8A", 0.181), lt("B1", 0.331), lt("B10", 0.012), gt("B2", 0.271)},
		{gt("B8A", 0.181), lt("B1", 0.331), gt("B10", 0.012)},
		{gt("B8A", 0.181), gt("B1", 0.331), lt("B11", 0.239), lt("B2", 0.711)},
		{gt("B8A", 0.181), gt("B1", 0.331), gt("B11", 0.239), lt("B5", 1.393)},
	}}
}

// Set maps tree names to rule sets.
type Set map[string]raster.RuleSet

// Defaults returns the built-in trees keyed by name.
func Defaults() Set {
	s := Set{}
	for _, rs := range []raster.RuleSet{Tree1(), Tree2(), Tree3()} {
		s[rs.Name] = rs
	}
	return s
}

// Lookup returns the named rule set.
func (s Set) Lookup(name string) (raster.RuleSet, error) {
	rs, ok := s[name]
	if !ok {
		return raster.RuleSet{}, fmt.Errorf("unknown decision tree %q", name)
	}
	return rs, nil
}

// Decode reads a JSON array of rule sets and overlays it on the defaults, so
// recalibrated thresholds can be supplied without a rebuild.
func Decode(r io.Reader) (Set, error) {
	var sets []raster.RuleSet
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sets); err != nil {
		return nil, fmt.Errorf("decode decision trees: %w", err)
	}
	s := Defaults()
	for _, rs := range sets {
		if rs.Name == "" {
			return nil, fmt.Errorf("decision tree without a name")
		}
		if len(rs.Clauses) == 0 {
			return nil, fmt.Errorf("decision tree %s has no clauses", rs.Name)
		}
		if rs.Scale == 0 {
			rs.Scale = Reflectance
		}
		s[rs.Name] = rs
	}
	return s, nil
}

// Mask evaluates rules on img. The result has one band named after the rule
// set: 1 where any clause fires, 0 elsewhere.
func Mask(eng raster.Algebra, img raster.Image, rules raster.RuleSet) (raster.Image, error) {
	m, err := eng.EvalRules(img, rules, rules.Name)
	if err != nil {
		return raster.Image{}, fmt.Errorf("%s mask: %w", rules.Name, err)
	}
	return m, nil
}

// Engine is the subset of raster.Engine CloudFraction needs.
type Engine interface {
	raster.Algebra
	raster.Reducer
}

// CloudFraction estimates the cloudy share of region in img with rules. ok
// is false when region holds no valid pixel.
func CloudFraction(ctx context.Context, eng Engine, img raster.Image, rules raster.RuleSet, region geom.Polygon) (frac float64, ok bool, err error) {
	m, err := Mask(eng, img, rules)
	if err != nil {
		return 0, false, err
	}
	means, err := eng.ReduceMean(ctx, m, region)
	if err != nil {
		return 0, false, fmt.Errorf("%s cloud fraction: %w", rules.Name, err)
	}
	frac, ok = means[rules.Name]
	return frac, ok, nil
}
