// Package composite turns a background set into the forecast image the
// scorer compares the target against.
package composite

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/cloudmask/internal/background"
	"github.com/banshee-data/cloudmask/internal/raster"
)

// ForecastSuffix is appended to every band of a forecast image.
const ForecastSuffix = "_forecast"

// DefaultPercentile is the median.
const DefaultPercentile = 50

// ErrEmptyBackground is returned when a forecast is requested from a set
// with no members. It matches raster.ErrEmptyResult.
var ErrEmptyBackground = fmt.Errorf("empty background set: %w", raster.ErrEmptyResult)

// Method names a forecast strategy.
type Method string

const (
	// MethodPercentile reduces the set pixel-wise at a percentile.
	MethodPercentile Method = "percentile"
	// MethodPersistence repeats the lag 1 member.
	MethodPersistence Method = "persistence"
)

// ParseMethod validates a forecast method name.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodPercentile, MethodPersistence:
		return m, nil
	}
	return "", fmt.Errorf("unknown forecast method %q", s)
}

// LagBand names band b of lag k.
func LagBand(b string, k int) string {
	return b + "_lag_" + strconv.Itoa(k)
}

// LagTimeProp names the property holding the capture time of lag k.
func LagTimeProp(k int) string {
	return raster.PropTimeStart + "_lag_" + strconv.Itoa(k)
}

// ForecastBand names the forecast of band b.
func ForecastBand(b string) string {
	return b + ForecastSuffix
}

// Composer builds lag stacks and forecasts with engine algebra.
type Composer struct {
	eng raster.Algebra
}

// New returns a Composer backed by eng.
func New(eng raster.Algebra) *Composer {
	return &Composer{eng: eng}
}

// StackLags adds every member of set to target as a group of lag bands.
// The last member becomes lag 1, the first lag set.Len().
func (c *Composer) StackLags(ctx context.Context, target raster.Image, set background.Set) (raster.Image, error) {
	if err := ctx.Err(); err != nil {
		return raster.Image{}, err
	}
	n := set.Len()
	lags := make([]raster.Image, 0, n)
	props := make(map[string]float64, n)
	for k := 1; k <= n; k++ {
		m := set.Images[n-k]
		names := make([]string, len(m.Bands))
		for i, b := range m.Bands {
			names[i] = LagBand(b, k)
		}
		lag, err := c.eng.Select(m, m.Bands, names)
		if err != nil {
			return raster.Image{}, fmt.Errorf("lag %d from %s: %w", k, m.ID, err)
		}
		lags = append(lags, lag)
		props[LagTimeProp(k)] = float64(m.Time.UnixMilli())
	}
	stacked, err := c.eng.AddBands(target, lags...)
	if err != nil {
		return raster.Image{}, fmt.Errorf("stack lags on %s: %w", target.ID, err)
	}
	if len(props) == 0 {
		return stacked, nil
	}
	return c.eng.SetProps(stacked, props)
}

// Percentile reduces the set at percentile p (0-100) and renames the
// result to <band>_forecast. A single member passes through unchanged.
func (c *Composer) Percentile(ctx context.Context, set background.Set, p float64) (raster.Image, error) {
	if err := ctx.Err(); err != nil {
		return raster.Image{}, err
	}
	if set.Empty() {
		return raster.Image{}, ErrEmptyBackground
	}
	red, err := c.eng.Percentile(set.Images, p)
	if err != nil {
		return raster.Image{}, fmt.Errorf("percentile %g composite: %w", p, err)
	}
	src := set.Images[0].Bands
	names := make([]string, len(src))
	for i, b := range src {
		names[i] = ForecastBand(b)
	}
	return c.eng.Select(red, red.Bands, names)
}

// Persistence takes the lag 1 bands of a stacked image as the forecast.
func (c *Composer) Persistence(ctx context.Context, stacked raster.Image) (raster.Image, error) {
	if err := ctx.Err(); err != nil {
		return raster.Image{}, err
	}
	suffix := "_lag_1"
	var bands, names []string
	for _, b := range stacked.Bands {
		if base, ok := strings.CutSuffix(b, suffix); ok {
			bands = append(bands, b)
			names = append(names, ForecastBand(base))
		}
	}
	if len(bands) == 0 {
		return raster.Image{}, ErrEmptyBackground
	}
	return c.eng.Select(stacked, bands, names)
}

// Forecast builds the forecast for target from set with method m. p is
// only used by MethodPercentile.
func (c *Composer) Forecast(ctx context.Context, m Method, target raster.Image, set background.Set, p float64) (raster.Image, error) {
	switch m {
	case MethodPercentile:
		return c.Percentile(ctx, set, p)
	case MethodPersistence:
		if set.Empty() {
			return raster.Image{}, ErrEmptyBackground
		}
		stacked, err := c.StackLags(ctx, target, set)
		if err != nil {
			return raster.Image{}, err
		}
		return c.Persistence(ctx, stacked)
	}
	return raster.Image{}, fmt.Errorf("unknown forecast method %q", m)
}
