// Package raster defines the client-side view of the remote raster engine:
// immutable image handles, catalog queries, and the Engine interface through
// which all pixel work is delegated.
//
// Handles never carry pixels. Every Algebra call returns a new handle that
// refers to a node of the engine's computation graph; only Reducer and
// Exporter calls make the engine evaluate anything.
package raster

import (
	"fmt"
	"slices"
	"time"

	"github.com/banshee-data/cloudmask/internal/geom"
)

// Well-known image properties.
const (
	// PropCloudCover is the published scene-level cloud percentage (0-100).
	PropCloudCover = "CLOUDY_PIXEL_PERCENTAGE"
	// PropTimeStart is the capture time in Unix milliseconds.
	PropTimeStart = "system:time_start"
	// PropNumber is the catalog position stamped on exported masks.
	PropNumber = "number"
)

// Sentinel2Bands are the reflectance bands of a Sentinel-2 L1C product.
var Sentinel2Bands = []string{"B1", "B2", "B3", "B4", "B5", "B6", "B7", "B8", "B8A", "B9", "B10", "B11", "B12"}

// VisibleBands is the default threshold band subset (red, green, blue).
var VisibleBands = []string{"B4", "B3", "B2"}

// Image is an opaque handle to a multi-band raster held by the engine.
// Treat it as a value: copies share nothing mutable with the original.
type Image struct {
	ID        string
	Time      time.Time
	Tile      string
	Footprint geom.Polygon
	Bands     []string
	Props     map[string]float64
}

// IsZero reports whether the handle refers to nothing.
func (im Image) IsZero() bool {
	return im.ID == ""
}

// Prop returns a numeric property.
func (im Image) Prop(name string) (float64, bool) {
	v, ok := im.Props[name]
	return v, ok
}

// HasBand reports whether the image carries the named band.
func (im Image) HasBand(name string) bool {
	return slices.Contains(im.Bands, name)
}

// CloudCover returns the published cloud percentage, or 100 when the
// property is missing so that unknown scenes sort as the cloudiest.
func (im Image) CloudCover() float64 {
	if v, ok := im.Props[PropCloudCover]; ok {
		return v
	}
	return 100
}

// Clone returns a deep copy of the handle metadata.
func (im Image) Clone() Image {
	out := im
	out.Footprint = slices.Clone(im.Footprint)
	out.Bands = slices.Clone(im.Bands)
	if im.Props != nil {
		out.Props = make(map[string]float64, len(im.Props))
		for k, v := range im.Props {
			out.Props[k] = v
		}
	}
	return out
}

// CompareOp is a pixel-wise comparison operator.
type CompareOp int

const (
	OpGT CompareOp = iota
	OpGE
	OpLT
	OpLE
	OpEQ
	OpNE
)

// Apply evaluates a op b.
func (op CompareOp) Apply(a, b float64) bool {
	switch op {
	case OpGT:
		return a > b
	case OpGE:
		return a >= b
	case OpLT:
		return a < b
	case OpLE:
		return a <= b
	case OpEQ:
		return a == b
	case OpNE:
		return a != b
	}
	return false
}

func (op CompareOp) String() string {
	switch op {
	case OpGT:
		return ">"
	case OpGE:
		return ">="
	case OpLT:
		return "<"
	case OpLE:
		return "<="
	case OpEQ:
		return "=="
	case OpNE:
		return "!="
	}
	return "?"
}

// MarshalText encodes the operator as its symbol.
func (op CompareOp) MarshalText() ([]byte, error) {
	s := op.String()
	if s == "?" {
		return nil, fmt.Errorf("unknown comparison operator %d", int(op))
	}
	return []byte(s), nil
}

// UnmarshalText parses an operator symbol such as ">=".
func (op *CompareOp) UnmarshalText(text []byte) error {
	for _, cand := range []CompareOp{OpGT, OpGE, OpLT, OpLE, OpEQ, OpNE} {
		if cand.String() == string(text) {
			*op = cand
			return nil
		}
	}
	return fmt.Errorf("unknown comparison operator %q", text)
}

// Predicate filters catalog entries on a numeric property.
type Predicate struct {
	Prop  string
	Op    CompareOp
	Value float64
}

// Query selects catalog entries. Zero-valued fields do not filter.
type Query struct {
	Tile   string
	Start  time.Time // inclusive
	End    time.Time // exclusive
	Bounds geom.Polygon
	Where  []Predicate
}

// Matches applies the query to an image's metadata.
func (q Query) Matches(im Image) bool {
	if q.Tile != "" && im.Tile != q.Tile {
		return false
	}
	if !q.Start.IsZero() && im.Time.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && !im.Time.Before(q.End) {
		return false
	}
	if len(q.Bounds) > 0 && !geom.Intersects(im.Footprint, q.Bounds) {
		return false
	}
	for _, p := range q.Where {
		v, ok := im.Props[p.Prop]
		if !ok || !p.Op.Apply(v, p.Value) {
			return false
		}
	}
	return true
}

// Condition is one comparison inside a rule clause. When Divisor is set the
// compared value is Band/Divisor.
type Condition struct {
	Band    string    `json:"band"`
	Divisor string    `json:"divisor,omitempty"`
	Op      CompareOp `json:"op"`
	Value   float64   `json:"value"`
}

// Clause is a conjunction of conditions.
type Clause []Condition

// RuleSet is a disjunction of clauses evaluated on band values multiplied by
// Scale. A pixel scores 1 when any clause holds, else 0.
type RuleSet struct {
	Name    string   `json:"name"`
	Scale   float64  `json:"scale"`
	Clauses []Clause `json:"clauses"`
}

// Eval evaluates the rule set against a lookup of raw band values.
func (r RuleSet) Eval(value func(band string) float64) bool {
	scale := r.Scale
	if scale == 0 {
		scale = 1
	}
	for _, clause := range r.Clauses {
		ok := true
		for _, c := range clause {
			v := value(c.Band) * scale
			if c.Divisor != "" {
				v = v / (value(c.Divisor) * scale)
			}
			if !c.Op.Apply(v, c.Value) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// Bands returns every band the rule set reads.
func (r RuleSet) Bands() []string {
	var out []string
	for _, clause := range r.Clauses {
		for _, c := range clause {
			if !slices.Contains(out, c.Band) {
				out = append(out, c.Band)
			}
			if c.Divisor != "" && !slices.Contains(out, c.Divisor) {
				out = append(out, c.Divisor)
			}
		}
	}
	return out
}
