// Package cloudscore flags cloudy pixels by how far a target departs from
// its forecast. Pixels are grouped by k-means on the spectral difference;
// each group is scored by the norm of its mean difference and of its mean
// reflectance, and the scores are thresholded and cleaned with an opening.
package cloudscore

import (
	"context"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/cloudmask/internal/composite"
	"github.com/banshee-data/cloudmask/internal/config"
	"github.com/banshee-data/cloudmask/internal/geom"
	"github.com/banshee-data/cloudmask/internal/monitoring"
	"github.com/banshee-data/cloudmask/internal/raster"
)

// Output band names.
const (
	BandMask          = "cloud"
	BandMultitemporal = "multitemporal"
	BandReflectance   = "reflectance"
	bandCluster       = "cluster"
)

// Engine is the part of raster.Engine the scorer uses.
type Engine interface {
	raster.Algebra
	raster.Reducer
}

// Params tunes one scoring call.
type Params struct {
	ThresholdDifCloud    float64
	ThresholdReflectance float64
	DoClustering         bool
	NumPixels            int
	NClusters            int
	// GrowingRatio is the opening radius in pixels.
	GrowingRatio    float64
	BandsThresholds []string
	// ModelBands are differenced, sampled and clustered.
	ModelBands []string
	Seed       int64
}

// DefaultParams returns the standard scoring parameters.
func DefaultParams() Params {
	return ParamsFromTuning(config.EmptyTuningConfig())
}

// ParamsFromTuning builds Params from the tuning configuration.
func ParamsFromTuning(cfg *config.TuningConfig) Params {
	return Params{
		ThresholdDifCloud:    cfg.GetThresholdDifCloud(),
		ThresholdReflectance: cfg.GetThresholdReflectance(),
		DoClustering:         cfg.GetDoClustering(),
		NumPixels:            cfg.GetNumPixels(),
		NClusters:            cfg.GetNClusters(),
		GrowingRatio:         cfg.GetGrowingRatio(),
		BandsThresholds:      cfg.GetBandsThresholds(),
		ModelBands:           slices.Clone(raster.Sentinel2Bands),
		Seed:                 cfg.GetSeed(),
	}
}

// Validate checks p is usable.
func (p Params) Validate() error {
	if p.NClusters < 1 {
		return fmt.Errorf("n_clusters must be at least 1, got %d", p.NClusters)
	}
	if p.DoClustering && p.NumPixels < 1 {
		return fmt.Errorf("num_pixels must be at least 1, got %d", p.NumPixels)
	}
	if p.GrowingRatio < 0 {
		return fmt.Errorf("growing_ratio must be non-negative, got %v", p.GrowingRatio)
	}
	if len(p.BandsThresholds) == 0 {
		return fmt.Errorf("bands_thresholds must not be empty")
	}
	if len(p.ModelBands) == 0 {
		return fmt.Errorf("model bands must not be empty")
	}
	for _, b := range p.BandsThresholds {
		if !slices.Contains(p.ModelBands, b) {
			return fmt.Errorf("threshold band %s is not a model band", b)
		}
	}
	return nil
}

// ClusterStat records the scalars one cluster contributed.
type ClusterStat struct {
	Index         int
	Multitemporal float64
	Reflectance   float64
	// Empty is set when the cluster had no valid pixel in the region; it
	// then contributes zero to both scores.
	Empty bool
}

// Result is the outcome of Score.
type Result struct {
	// Mask has one band, "cloud": 1 cloudy, 0 clear.
	Mask          raster.Image
	Multitemporal raster.Image
	Reflectance   raster.Image
	// Empty is set when there was no forecast to compare against. Mask is
	// then all zero.
	Empty    bool
	Clusters []ClusterStat
}

// Scorer computes cluster anomaly masks.
type Scorer struct {
	eng Engine
}

// NewScorer returns a Scorer backed by eng.
func NewScorer(eng Engine) *Scorer {
	return &Scorer{eng: eng}
}

// Score compares actual with forecast inside region. actual carries
// reflectance bands; forecast carries the matching <band>_forecast bands. A
// zero forecast handle yields an empty result rather than an error.
func (s *Scorer) Score(ctx context.Context, actual, forecast raster.Image, region geom.Polygon, p Params) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if forecast.IsZero() {
		return s.empty(actual)
	}

	var model, fcBands []string
	for _, b := range p.ModelBands {
		if actual.HasBand(b) && forecast.HasBand(composite.ForecastBand(b)) {
			model = append(model, b)
			fcBands = append(fcBands, composite.ForecastBand(b))
		}
	}
	for _, b := range p.BandsThresholds {
		if !slices.Contains(model, b) {
			return Result{}, fmt.Errorf("threshold band %s missing from %s or its forecast", b, actual.ID)
		}
	}

	act, err := s.eng.Select(actual, model, nil)
	if err != nil {
		return Result{}, err
	}
	fc, err := s.eng.Select(forecast, fcBands, model)
	if err != nil {
		return Result{}, err
	}
	diff, err := s.eng.Subtract(act, fc)
	if err != nil {
		return Result{}, fmt.Errorf("difference: %w", err)
	}

	clusters, k, err := s.clusters(ctx, diff, region, p)
	if err != nil {
		return Result{}, err
	}

	diffThr, err := s.eng.Select(diff, p.BandsThresholds, nil)
	if err != nil {
		return Result{}, err
	}
	reflThr, err := s.eng.Select(actual, p.BandsThresholds, nil)
	if err != nil {
		return Result{}, err
	}
	mt, err := s.eng.Constant(clusters, 0, BandMultitemporal)
	if err != nil {
		return Result{}, err
	}
	rf, err := s.eng.Constant(clusters, 0, BandReflectance)
	if err != nil {
		return Result{}, err
	}

	stats := make([]ClusterStat, 0, k)
	for i := 0; i < k; i++ {
		member, err := s.eng.Compare(clusters, raster.OpEQ, float64(i))
		if err != nil {
			return Result{}, err
		}
		st, err := s.clusterStat(ctx, i, member, diffThr, reflThr, region, p.BandsThresholds)
		if err != nil {
			return Result{}, err
		}
		stats = append(stats, st)
		if st.Empty {
			continue
		}
		if mt, err = s.accumulate(mt, member, st.Multitemporal); err != nil {
			return Result{}, err
		}
		if rf, err = s.accumulate(rf, member, st.Reflectance); err != nil {
			return Result{}, err
		}
	}

	mask, err := s.threshold(mt, rf, p)
	if err != nil {
		return Result{}, err
	}
	mask, err = s.open(mask, p.GrowingRatio)
	if err != nil {
		return Result{}, err
	}
	monitoring.Tracef("[CloudScorer] %s: %d clusters scored", actual.ID, len(stats))
	return Result{Mask: mask, Multitemporal: mt, Reflectance: rf, Clusters: stats}, nil
}

func (s *Scorer) empty(actual raster.Image) (Result, error) {
	mask, err := s.eng.Constant(actual, 0, BandMask)
	if err != nil {
		return Result{}, err
	}
	mt, err := s.eng.Constant(actual, 0, BandMultitemporal)
	if err != nil {
		return Result{}, err
	}
	rf, err := s.eng.Constant(actual, 0, BandReflectance)
	if err != nil {
		return Result{}, err
	}
	return Result{Mask: mask, Multitemporal: mt, Reflectance: rf, Empty: true}, nil
}

// clusters labels every pixel of diff and returns the label image and the
// number of labels in use.
func (s *Scorer) clusters(ctx context.Context, diff raster.Image, region geom.Polygon, p Params) (raster.Image, int, error) {
	if !p.DoClustering || p.NClusters == 1 {
		img, err := s.eng.Constant(diff, 0, bandCluster)
		return img, 1, err
	}
	rows, err := s.eng.Sample(ctx, diff, region, p.NumPixels, p.Seed)
	if err != nil {
		return raster.Image{}, 0, fmt.Errorf("sample difference: %w", err)
	}
	if len(rows) == 0 {
		return raster.Image{}, 0, raster.EmptyResult("sample difference", "no valid pixel in region")
	}

	dims := len(rows[0])
	mean := make([]float64, dims)
	std := make([]float64, dims)
	col := make([]float64, len(rows))
	for d := 0; d < dims; d++ {
		for i, r := range rows {
			col[i] = r[d]
		}
		mean[d], std[d] = stat.PopMeanStdDev(col, nil)
		if std[d] == 0 {
			std[d] = 1
		}
	}
	scaled := make([][]float64, len(rows))
	for i, r := range rows {
		z := make([]float64, dims)
		floats.SubTo(z, r, mean)
		floats.Div(z, std)
		scaled[i] = z
	}

	centroids := fitKMeans(scaled, p.NClusters, p.Seed)
	std0, err := s.eng.Standardize(diff, mean, std)
	if err != nil {
		return raster.Image{}, 0, err
	}
	img, err := s.eng.AssignClusters(std0, centroids)
	if err != nil {
		return raster.Image{}, 0, err
	}
	return img, len(centroids), nil
}

func (s *Scorer) clusterStat(ctx context.Context, i int, member, diffThr, reflThr raster.Image, region geom.Polygon, bands []string) (ClusterStat, error) {
	st := ClusterStat{Index: i}
	dm, ok, err := s.maskedMeans(ctx, diffThr, member, region, bands)
	if err != nil {
		return st, fmt.Errorf("cluster %d difference: %w", i, err)
	}
	if !ok {
		st.Empty = true
		return st, nil
	}
	rm, ok, err := s.maskedMeans(ctx, reflThr, member, region, bands)
	if err != nil {
		return st, fmt.Errorf("cluster %d reflectance: %w", i, err)
	}
	if !ok {
		st.Empty = true
		return st, nil
	}
	st.Multitemporal = signedNorm(dm)
	st.Reflectance = floats.Norm(rm, 2)
	return st, nil
}

// maskedMeans reduces img over the member pixels of region. ok is false
// when any band had no valid pixel.
func (s *Scorer) maskedMeans(ctx context.Context, img, member raster.Image, region geom.Polygon, bands []string) ([]float64, bool, error) {
	masked, err := s.eng.UpdateMask(img, member)
	if err != nil {
		return nil, false, err
	}
	means, err := s.eng.ReduceMean(ctx, masked, region)
	if err != nil {
		return nil, false, err
	}
	out := make([]float64, len(bands))
	for j, b := range bands {
		v, ok := means[b]
		if !ok {
			return nil, false, nil
		}
		out[j] = v
	}
	return out, true, nil
}

// signedNorm is the L2 norm of v, negated unless the mean of v is positive.
func signedNorm(v []float64) float64 {
	n := floats.Norm(v, 2)
	if stat.Mean(v, nil) <= 0 {
		return -n
	}
	return n
}

func (s *Scorer) accumulate(acc, member raster.Image, value float64) (raster.Image, error) {
	if value == 0 {
		return acc, nil
	}
	part, err := s.eng.Scale(member, value)
	if err != nil {
		return raster.Image{}, err
	}
	return s.eng.Add(acc, part)
}

func (s *Scorer) threshold(mt, rf raster.Image, p Params) (raster.Image, error) {
	mask, err := s.eng.Compare(mt, raster.OpGT, p.ThresholdDifCloud)
	if err != nil {
		return raster.Image{}, err
	}
	if p.ThresholdReflectance > 0 {
		bright, err := s.eng.Compare(rf, raster.OpGT, p.ThresholdReflectance)
		if err != nil {
			return raster.Image{}, err
		}
		if mask, err = s.eng.And(mask, bright); err != nil {
			return raster.Image{}, err
		}
	}
	return s.eng.Select(mask, mask.Bands, []string{BandMask})
}

// open removes detections narrower than the disk of the given radius.
func (s *Scorer) open(mask raster.Image, radius float64) (raster.Image, error) {
	if radius == 0 {
		return mask, nil
	}
	eroded, err := s.eng.FocalMin(mask, radius)
	if err != nil {
		return raster.Image{}, fmt.Errorf("opening: %w", err)
	}
	opened, err := s.eng.FocalMax(eroded, radius)
	if err != nil {
		return raster.Image{}, fmt.Errorf("opening: %w", err)
	}
	return opened, nil
}
