package masking

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cloudmask/internal/background"
	"github.com/banshee-data/cloudmask/internal/composite"
	"github.com/banshee-data/cloudmask/internal/config"
	"github.com/banshee-data/cloudmask/internal/fusion"
	"github.com/banshee-data/cloudmask/internal/raster"
	"github.com/banshee-data/cloudmask/internal/raster/local"
	"github.com/banshee-data/cloudmask/internal/testutil"
)

// votes predicts the share of inputs set to 1.
func votes(features []string) *fusion.Forest {
	f := &fusion.Forest{Features: features}
	for i := range features {
		f.Trees = append(f.Trees, fusion.Tree{Nodes: []fusion.Node{
			{Feature: i, Threshold: 0.5, Left: 1, Right: 2},
			{Leaf: true, Value: 0},
			{Leaf: true, Value: 1},
		}})
	}
	return f
}

func testOptions(t *testing.T) Options {
	t.Helper()
	opt, err := OptionsFromTuning(config.EmptyTuningConfig(), nil)
	require.NoError(t, err)
	opt.Scoring.GrowingRatio = 0
	return opt
}

func newPipeline(t *testing.T, e *local.Engine, opt Options, methods []string) *Pipeline {
	t.Helper()
	c, err := fusion.NewClassifier(e, votes(methods), methods, fusion.DefaultThreshold)
	require.NoError(t, err)
	p, err := New(e, c, opt)
	require.NoError(t, err)
	return p
}

func withBackground(t *testing.T, e *local.Engine) {
	t.Helper()
	testutil.Series(t, e, []int{-5, -4, -3, -2, -1}, []float64{10, 60, 20, 5, 40}, 1000)
}

func maskPixels(t *testing.T, e *local.Engine, img raster.Image) []float64 {
	t.Helper()
	require.NotEmpty(t, img.Bands)
	px, err := e.Pixels(img, img.Bands[0])
	require.NoError(t, err)
	return px
}

func TestMethodName(t *testing.T) {
	assert.Equal(t, "percentile5", MethodName(composite.MethodPercentile, background.PreselectMostCloudy))
	assert.Equal(t, "persistence1", MethodName(composite.MethodPersistence, background.NearestMostCloudy))
	assert.Equal(t, "percentile-nearest-least-cloudy", MethodName(composite.MethodPercentile, background.NearestLeastCloudy))
}

func TestProcessCloudyTarget(t *testing.T) {
	e := testutil.NewEngine(t, 3, 3)
	withBackground(t, e)
	target := testutil.AddScene(t, e, testutil.Scene{ID: "T", Time: testutil.Day(0), CloudCover: 70, Fill: 3000})

	p := newPipeline(t, e, testOptions(t), fusion.DefaultMethods)
	out, err := p.Process(context.Background(), target, target.Footprint)
	require.NoError(t, err)
	assert.Empty(t, out.Errors)

	for _, m := range fusion.DefaultMethods {
		require.Contains(t, out.Methods, m)
		assert.Equal(t, testutil.Fill(9, 1), maskPixels(t, e, out.Methods[m]), m)
	}
	assert.Equal(t, testutil.Fill(9, 1), maskPixels(t, e, out.Mask))
	assert.True(t, out.Mask.Time.Equal(target.Time))
	assert.Equal(t, 70.0, out.Mask.CloudCover())
}

func TestProcessClearTarget(t *testing.T) {
	e := testutil.NewEngine(t, 3, 3)
	withBackground(t, e)
	target := testutil.AddScene(t, e, testutil.Scene{ID: "T", Time: testutil.Day(0), Fill: 1000})

	out, err := newPipeline(t, e, testOptions(t), fusion.DefaultMethods).Process(context.Background(), target, target.Footprint)
	require.NoError(t, err)
	assert.Equal(t, testutil.Fill(9, 0), maskPixels(t, e, out.Mask))
}

func TestProcessEmptyBackgroundIsAudited(t *testing.T) {
	e := testutil.NewEngine(t, 3, 3)
	target := testutil.AddScene(t, e, testutil.Scene{ID: "T", Time: testutil.Day(0), Fill: 1000})

	out, err := newPipeline(t, e, testOptions(t), fusion.DefaultMethods).Process(context.Background(), target, target.Footprint)
	require.NoError(t, err)

	require.Len(t, out.Errors, 2)
	assert.Equal(t, "percentile1", out.Errors[0].Method)
	assert.Equal(t, "percentile5", out.Errors[1].Method)
	for _, me := range out.Errors {
		assert.Equal(t, "T", me.ImageID)
		assert.ErrorIs(t, me.Err, composite.ErrEmptyBackground)
		assert.Equal(t, testutil.Fill(9, 0), maskPixels(t, e, out.Methods[me.Method]))
	}
	assert.Equal(t, testutil.Fill(9, 0), maskPixels(t, e, out.Mask))
}

func TestProcessPersistence(t *testing.T) {
	e := testutil.NewEngine(t, 3, 3)
	withBackground(t, e)
	target := testutil.AddScene(t, e, testutil.Scene{ID: "T", Time: testutil.Day(0), Fill: 3000})

	opt := testOptions(t)
	opt.ForecastMethod = composite.MethodPersistence
	methods := []string{"tree3", "tree2", "persistence1", "persistence5"}
	out, err := newPipeline(t, e, opt, methods).Process(context.Background(), target, target.Footprint)
	require.NoError(t, err)
	assert.Equal(t, testutil.Fill(9, 1), maskPixels(t, e, out.Methods["persistence5"]))
	assert.Equal(t, testutil.Fill(9, 1), maskPixels(t, e, out.Mask))
}

func TestProcessPropagatesTransient(t *testing.T) {
	e := testutil.NewEngine(t, 3, 3)
	withBackground(t, e)
	target := testutil.AddScene(t, e, testutil.Scene{ID: "T", Time: testutil.Day(0), Fill: 3000})
	e.FailNext("ReduceMean", raster.Transient("ReduceMean", errors.New("503")), 1)

	_, err := newPipeline(t, e, testOptions(t), fusion.DefaultMethods).Process(context.Background(), target, target.Footprint)
	require.Error(t, err)
	assert.True(t, raster.IsTransient(err))
}

func TestNewRejectsUnproducibleMethod(t *testing.T) {
	e := testutil.NewEngine(t, 1, 1)
	methods := []string{"tree3", "tree2", "percentile1", "percentile3"}
	c, err := fusion.NewClassifier(e, votes(methods), methods, fusion.DefaultThreshold)
	require.NoError(t, err)

	_, err = New(e, c, testOptions(t))
	assert.ErrorContains(t, err, "percentile3")
}

func TestNewRejectsBadScale(t *testing.T) {
	e := testutil.NewEngine(t, 1, 1)
	c, err := fusion.NewClassifier(e, votes(fusion.DefaultMethods), fusion.DefaultMethods, fusion.DefaultThreshold)
	require.NoError(t, err)
	opt := testOptions(t)
	opt.ReflectanceScale = 0
	_, err = New(e, c, opt)
	assert.ErrorContains(t, err, "reflectance_scale")
}

func TestOptionsFromTuning(t *testing.T) {
	opt := testOptions(t)
	assert.Equal(t, []background.Policy{background.NearestMostCloudy, background.PreselectMostCloudy}, opt.Policies)
	assert.Equal(t, composite.MethodPercentile, opt.ForecastMethod)
	assert.Equal(t, 1e-4, opt.ReflectanceScale)

	cfg := config.EmptyTuningConfig()
	cfg.ForecastMethod = new(string)
	*cfg.ForecastMethod = "linear"
	_, err := OptionsFromTuning(cfg, nil)
	assert.Error(t, err)
}
