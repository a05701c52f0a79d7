package raster

import (
	"context"

	"github.com/banshee-data/cloudmask/internal/geom"
)

// Catalog answers metadata queries against the engine's image archive.
type Catalog interface {
	Image(ctx context.Context, id string) (Image, error)
	// Collection returns matching images sorted by capture time.
	Collection(ctx context.Context, q Query) ([]Image, error)
}

// Classifier is a trained model the engine can apply pixel-wise. Inputs
// names the bands, in order, that form the feature vector.
type Classifier interface {
	Inputs() []string
	Predict(features []float64) float64
}

// Algebra builds new images from existing ones. Calls are lazy for a remote
// engine and only fail on structurally invalid requests (unknown band,
// mismatched band counts).
//
// Masked (invalid) pixels propagate through every operation except
// Constant, ValidMask and the focal filters, which treat them as zero.
type Algebra interface {
	// Select picks bands in order, renaming them when names is non-nil.
	Select(img Image, bands []string, names []string) (Image, error)
	// AddBands appends the bands of others to img, keeping img's metadata.
	AddBands(img Image, others ...Image) (Image, error)
	// Subtract and Add work band by band in positional order and keep the
	// band names of a.
	Subtract(a, b Image) (Image, error)
	Add(a, b Image) (Image, error)
	// Scale multiplies every band by factor.
	Scale(img Image, factor float64) (Image, error)
	// Compare yields 1 where band op value holds, 0 elsewhere.
	Compare(img Image, op CompareOp, value float64) (Image, error)
	// And is the pixel-wise logical conjunction of two single-band images.
	And(a, b Image) (Image, error)
	// Constant returns a single-band image shaped like like.
	Constant(like Image, value float64, name string) (Image, error)
	// UpdateMask masks every pixel where mask is zero.
	UpdateMask(img Image, mask Image) (Image, error)
	// ValidMask yields 1 where all listed bands hold valid data, 0 elsewhere.
	// The result band is "valid".
	ValidMask(img Image, bands []string) (Image, error)
	// EvalRules applies a decision rule set and names the result band.
	EvalRules(img Image, rules RuleSet, name string) (Image, error)
	// Standardize maps each band to (v-mean)/std.
	Standardize(img Image, mean, std []float64) (Image, error)
	// AssignClusters labels each pixel with the index of its nearest
	// centroid in band space. The result band is "cluster".
	AssignClusters(img Image, centroids [][]float64) (Image, error)
	// Classify applies a classifier to the bands it names.
	Classify(img Image, c Classifier, name string) (Image, error)
	// Percentile reduces a stack pixel-wise. Output bands are named
	// <band>_p<percentile>.
	Percentile(imgs []Image, percentile float64) (Image, error)
	// FocalMin and FocalMax apply a disk kernel of the given pixel radius.
	FocalMin(img Image, radius float64) (Image, error)
	FocalMax(img Image, radius float64) (Image, error)
	// SetProps merges numeric properties into the handle.
	SetProps(img Image, props map[string]float64) (Image, error)
	// WithMetadata copies time, tile, footprint and properties from src.
	WithMetadata(img Image, src Image) (Image, error)
}

// Reducer evaluates images into small results with a blocking round trip.
type Reducer interface {
	// ReduceMean returns the mean of each band over the valid pixels inside
	// region. Bands without a single valid pixel are absent from the map.
	ReduceMean(ctx context.Context, img Image, region geom.Polygon) (map[string]float64, error)
	// Sample draws up to n valid pixels inside region. Each row holds the
	// band values in img.Bands order.
	Sample(ctx context.Context, img Image, region geom.Polygon, n int, seed int64) ([][]float64, error)
}

// TaskState is the lifecycle state of an asynchronous export.
type TaskState string

const (
	TaskReady     TaskState = "READY"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
	TaskCancelled TaskState = "CANCELLED"
)

// Terminal reports whether the task will not change state again.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is a snapshot of an asynchronous export.
type Task struct {
	ID    string
	State TaskState
	Error string
}

// Exporter materializes images asynchronously.
type Exporter interface {
	Export(ctx context.Context, img Image, destination string, region geom.Polygon) (Task, error)
	TaskStatus(ctx context.Context, id string) (Task, error)
}

// Engine is the full remote raster engine client.
type Engine interface {
	Catalog
	Algebra
	Reducer
	Exporter
}
