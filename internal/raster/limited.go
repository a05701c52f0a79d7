package raster

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/banshee-data/cloudmask/internal/geom"
)

// Limited throttles every round trip to the wrapped engine. Algebra calls
// only build graph nodes and pass straight through.
type Limited struct {
	Engine
	limiter *rate.Limiter
}

// NewLimited wraps e so that at most limiter's rate of blocking calls reach
// the engine.
func NewLimited(e Engine, limiter *rate.Limiter) *Limited {
	return &Limited{Engine: e, limiter: limiter}
}

func (l *Limited) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

func (l *Limited) Image(ctx context.Context, id string) (Image, error) {
	if err := l.wait(ctx); err != nil {
		return Image{}, err
	}
	return l.Engine.Image(ctx, id)
}

func (l *Limited) Collection(ctx context.Context, q Query) ([]Image, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.Engine.Collection(ctx, q)
}

func (l *Limited) ReduceMean(ctx context.Context, img Image, region geom.Polygon) (map[string]float64, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.Engine.ReduceMean(ctx, img, region)
}

func (l *Limited) Sample(ctx context.Context, img Image, region geom.Polygon, n int, seed int64) ([][]float64, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.Engine.Sample(ctx, img, region, n, seed)
}

func (l *Limited) Export(ctx context.Context, img Image, destination string, region geom.Polygon) (Task, error) {
	if err := l.wait(ctx); err != nil {
		return Task{}, err
	}
	return l.Engine.Export(ctx, img, destination, region)
}

func (l *Limited) TaskStatus(ctx context.Context, id string) (Task, error) {
	if err := l.wait(ctx); err != nil {
		return Task{}, err
	}
	return l.Engine.TaskStatus(ctx, id)
}
