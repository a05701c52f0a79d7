// Package geom provides the planar polygon operations used to compare image
// footprints with regions of interest.
//
// Coordinates are treated as planar (projected, or lon/lat over a footprint
// small enough for the distortion to be irrelevant to overlap ratios).
package geom

import (
	"fmt"
	"math"
)

// Point is a planar coordinate pair.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is a simple ring of vertices. The closing vertex is implicit and
// both winding orders are accepted.
type Polygon []Point

// Rect returns the axis-aligned rectangle spanning the two corners.
func Rect(minX, minY, maxX, maxY float64) Polygon {
	return Polygon{
		{X: minX, Y: minY},
		{X: maxX, Y: minY},
		{X: maxX, Y: maxY},
		{X: minX, Y: maxY},
	}
}

// FromCoordinates builds a polygon from [[x, y], ...] pairs, the layout used
// by GeoJSON rings. A repeated closing vertex is dropped.
func FromCoordinates(coords [][]float64) (Polygon, error) {
	p := make(Polygon, 0, len(coords))
	for i, c := range coords {
		if len(c) < 2 {
			return nil, fmt.Errorf("coordinate %d has %d values, want 2", i, len(c))
		}
		p = append(p, Point{X: c[0], Y: c[1]})
	}
	if n := len(p); n > 1 && p[0] == p[n-1] {
		p = p[:n-1]
	}
	return p, nil
}

// Empty reports whether the polygon encloses no area.
func (p Polygon) Empty() bool {
	return len(p) < 3 || p.Area() == 0
}

// Area returns the unsigned shoelace area.
func (p Polygon) Area() float64 {
	if len(p) < 3 {
		return 0
	}
	return math.Abs(p.signedArea())
}

func (p Polygon) signedArea() float64 {
	var sum float64
	for i := range p {
		j := (i + 1) % len(p)
		sum += p[i].X*p[j].Y - p[j].X*p[i].Y
	}
	return sum / 2
}

// Bounds returns the min and max corners of the polygon.
func (p Polygon) Bounds() (min, max Point) {
	if len(p) == 0 {
		return Point{}, Point{}
	}
	min, max = p[0], p[0]
	for _, v := range p[1:] {
		min.X = math.Min(min.X, v.X)
		min.Y = math.Min(min.Y, v.Y)
		max.X = math.Max(max.X, v.X)
		max.Y = math.Max(max.Y, v.Y)
	}
	return min, max
}

// Contains reports whether pt lies inside the polygon (even-odd rule).
// Points exactly on an edge may fall either way.
func (p Polygon) Contains(pt Point) bool {
	inside := false
	for i, j := 0, len(p)-1; i < len(p); j, i = i, i+1 {
		a, b := p[i], p[j]
		if (a.Y > pt.Y) != (b.Y > pt.Y) {
			x := (b.X-a.X)*(pt.Y-a.Y)/(b.Y-a.Y) + a.X
			if pt.X < x {
				inside = !inside
			}
		}
	}
	return inside
}

// Intersection clips subject against clip using Sutherland-Hodgman.
// clip must be convex; subject may be any simple polygon. Tile footprints
// and regions of interest are quadrilaterals, which satisfies this.
func Intersection(subject, clip Polygon) Polygon {
	if len(subject) < 3 || len(clip) < 3 {
		return nil
	}
	c := clip
	if c.signedArea() < 0 {
		c = c.reversed()
	}
	out := append(Polygon(nil), subject...)
	for i := range c {
		if len(out) == 0 {
			return nil
		}
		a, b := c[i], c[(i+1)%len(c)]
		in := out
		out = make(Polygon, 0, len(in)+2)
		for k := range in {
			cur, prev := in[k], in[(k+len(in)-1)%len(in)]
			curIn, prevIn := leftOf(a, b, cur), leftOf(a, b, prev)
			switch {
			case curIn && prevIn:
				out = append(out, cur)
			case curIn && !prevIn:
				out = append(out, crossing(prev, cur, a, b), cur)
			case !curIn && prevIn:
				out = append(out, crossing(prev, cur, a, b))
			}
		}
	}
	if len(out) < 3 {
		return nil
	}
	return out
}

// OverlapRatio returns area(footprint ∩ roi) / area(roi). A degenerate roi
// yields 0.
func OverlapRatio(footprint, roi Polygon) float64 {
	roiArea := roi.Area()
	if roiArea == 0 {
		return 0
	}
	return Intersection(footprint, roi).Area() / roiArea
}

// Intersects reports whether the two polygons share a positive area.
func Intersects(a, b Polygon) bool {
	return Intersection(a, b).Area() > 0
}

func (p Polygon) reversed() Polygon {
	r := make(Polygon, len(p))
	for i, v := range p {
		r[len(p)-1-i] = v
	}
	return r
}

func leftOf(a, b, p Point) bool {
	return (b.X-a.X)*(p.Y-a.Y)-(b.Y-a.Y)*(p.X-a.X) >= 0
}

func crossing(p1, p2, a, b Point) Point {
	dx, dy := p2.X-p1.X, p2.Y-p1.Y
	ex, ey := b.X-a.X, b.Y-a.Y
	den := dx*ey - dy*ex
	if den == 0 {
		return p2
	}
	t := ((a.X-p1.X)*ey - (a.Y-p1.Y)*ex) / den
	return Point{X: p1.X + t*dx, Y: p1.Y + t*dy}
}
