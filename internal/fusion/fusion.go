// Package fusion merges the per-method cloud masks of one image into a
// single mask with a trained random forest.
package fusion

import (
	"context"
	"fmt"
	"slices"

	"github.com/banshee-data/cloudmask/internal/raster"
)

// BandFused is the name of the fused mask band.
const BandFused = "cloud"

// BandProbability is the name of the forest output before thresholding.
const BandProbability = "probability"

// DefaultThreshold favours recall.
const DefaultThreshold = 0.29

// DefaultMethods is the feature order of the bundled forest.
var DefaultMethods = []string{"tree3", "tree2", "percentile1", "percentile5"}

// Classifier stacks method masks and applies the forest.
type Classifier struct {
	eng       raster.Algebra
	forest    *Forest
	methods   []string
	threshold float64
}

// NewClassifier checks that forest consumes exactly methods, in order.
func NewClassifier(eng raster.Algebra, forest *Forest, methods []string, threshold float64) (*Classifier, error) {
	if len(methods) != 4 {
		return nil, fmt.Errorf("fusion needs exactly 4 methods, got %d", len(methods))
	}
	if !slices.Equal(forest.Features, methods) {
		return nil, fmt.Errorf("forest features %v do not match methods %v", forest.Features, methods)
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("classifier threshold must be in [0, 1], got %v", threshold)
	}
	return &Classifier{eng: eng, forest: forest, methods: slices.Clone(methods), threshold: threshold}, nil
}

// Methods returns the method names in feature order.
func (c *Classifier) Methods() []string {
	return slices.Clone(c.methods)
}

// Fuse stacks the first band of each method mask, classifies the stack and
// thresholds the probability. The result carries target's footprint, time
// and properties.
func (c *Classifier) Fuse(ctx context.Context, target raster.Image, bands map[string]raster.Image) (raster.Image, error) {
	if err := ctx.Err(); err != nil {
		return raster.Image{}, err
	}
	layers := make([]raster.Image, len(c.methods))
	for i, m := range c.methods {
		img, ok := bands[m]
		if !ok || len(img.Bands) == 0 {
			return raster.Image{}, fmt.Errorf("fuse %s: missing %s band", target.ID, m)
		}
		l, err := c.eng.Select(img, img.Bands[:1], []string{m})
		if err != nil {
			return raster.Image{}, fmt.Errorf("fuse %s: %w", target.ID, err)
		}
		layers[i] = l
	}
	stack, err := c.eng.AddBands(layers[0], layers[1:]...)
	if err != nil {
		return raster.Image{}, fmt.Errorf("fuse %s: %w", target.ID, err)
	}
	prob, err := c.eng.Classify(stack, c.forest, BandProbability)
	if err != nil {
		return raster.Image{}, fmt.Errorf("fuse %s: %w", target.ID, err)
	}
	mask, err := c.eng.Compare(prob, raster.OpGT, c.threshold)
	if err != nil {
		return raster.Image{}, err
	}
	mask, err = c.eng.Select(mask, mask.Bands, []string{BandFused})
	if err != nil {
		return raster.Image{}, err
	}
	return c.eng.WithMetadata(mask, target)
}
