package raster

import (
	"errors"
	"fmt"
)

// Engines wrap their failures in one of these so callers can classify them
// with errors.Is without matching on message text.
var (
	// ErrTransient marks failures expected to clear on retry: load shedding,
	// rate limiting, timeouts, connection resets.
	ErrTransient = errors.New("transient engine error")

	// ErrEmptyResult marks a reduction that had nothing to reduce, such as
	// a composite built from an empty background stack. Retrying the same
	// call reproduces it.
	ErrEmptyResult = errors.New("empty engine result")

	// ErrNotFound marks an unknown image or task id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest marks a structurally invalid algebra request.
	ErrInvalidRequest = errors.New("invalid engine request")
)

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// EmptyResult returns an ErrEmptyResult error for op.
func EmptyResult(op, detail string) error {
	return fmt.Errorf("%s: %w: %s", op, ErrEmptyResult, detail)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsEmptyResult reports whether err is the stable empty-result failure.
func IsEmptyResult(err error) bool {
	return errors.Is(err, ErrEmptyResult)
}
