package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/cloudmask/internal/monitoring"
	"github.com/banshee-data/cloudmask/internal/raster"
	"github.com/banshee-data/cloudmask/internal/timeutil"
)

// Class is how the orchestrator treats a failure.
type Class int

const (
	// ClassFatal fails the image; the batch continues.
	ClassFatal Class = iota
	// ClassTransient is retried in place.
	ClassTransient
	// ClassStructural reproduces on every retry and is recorded, not retried.
	ClassStructural
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassStructural:
		return "structural"
	}
	return "fatal"
}

// Classify maps an error onto a Class using the engine's typed errors.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassFatal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassFatal
	case raster.IsTransient(err):
		return ClassTransient
	case raster.IsEmptyResult(err):
		return ClassStructural
	}
	return ClassFatal
}

// RetryPolicy retries transient failures until they clear or the context
// ends.
type RetryPolicy struct {
	// Delay is waited between attempts. Zero retries immediately.
	Delay time.Duration
	// MaxAttempts caps the number of calls; zero means no cap.
	MaxAttempts int
	Clock       timeutil.Clock
}

// Do calls fn until it succeeds or fails with a non-transient error. It
// returns the number of calls made.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(context.Context) error) (int, error) {
	clock := p.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || Classify(err) != ClassTransient {
			return attempt, err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return attempt, err
		}
		monitoring.Diagf("[Retry] %s: attempt %d failed, retrying: %v", op, attempt, err)
		if p.Delay <= 0 {
			if err := ctx.Err(); err != nil {
				return attempt, err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-clock.After(p.Delay):
		}
	}
}
