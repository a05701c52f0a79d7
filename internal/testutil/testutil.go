// Package testutil provides shared test utilities and fixtures.
//
// Most pipeline tests run against the in-process raster engine with a few
// synthetic Sentinel-2 scenes; the builders here keep those fixtures short.
package testutil

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/banshee-data/cloudmask/internal/geom"
	"github.com/banshee-data/cloudmask/internal/raster"
	"github.com/banshee-data/cloudmask/internal/raster/local"
)

// Tile is the tile every synthetic scene belongs to unless overridden.
const Tile = "30VXP"

// Epoch is the capture time of Day(0).
var Epoch = time.Date(2018, 7, 10, 11, 0, 0, 0, time.UTC)

// Day returns Epoch shifted by n days.
func Day(n int) time.Time {
	return Epoch.AddDate(0, 0, n)
}

// Scene describes a synthetic Sentinel-2 scene. Every band in
// raster.Sentinel2Bands is filled with Fill unless Bands overrides it.
type Scene struct {
	ID         string
	Time       time.Time
	Tile       string
	CloudCover float64
	// Footprint defaults to the whole grid.
	Footprint geom.Polygon
	Fill      float64
	Bands     map[string][]float64
	// Masked pixels are NaN in every band.
	Masked []int
}

// NewEngine returns an in-process engine over a w×h grid of unit pixels.
func NewEngine(t testing.TB, w, h int, opts ...local.Option) *local.Engine {
	t.Helper()
	e, err := local.New(local.Grid{Width: w, Height: h, PixelSize: 1}, opts...)
	AssertNoError(t, err)
	return e
}

// AddScene registers s with e and returns its handle.
func AddScene(t testing.TB, e *local.Engine, s Scene) raster.Image {
	t.Helper()
	n := e.Grid().Len()
	bands := make(map[string][]float64, len(raster.Sentinel2Bands))
	for _, b := range raster.Sentinel2Bands {
		px, ok := s.Bands[b]
		if !ok {
			px = Fill(n, s.Fill)
		} else {
			px = append([]float64(nil), px...)
		}
		for _, i := range s.Masked {
			px[i] = math.NaN()
		}
		bands[b] = px
	}
	tile := s.Tile
	if tile == "" {
		tile = Tile
	}
	fp := s.Footprint
	if fp == nil {
		fp = e.Grid().Bounds()
	}
	img, err := e.AddScene(raster.Image{
		ID:        s.ID,
		Time:      s.Time,
		Tile:      tile,
		Footprint: fp,
		Bands:     raster.Sentinel2Bands,
		Props:     map[string]float64{raster.PropCloudCover: s.CloudCover},
	}, bands)
	AssertNoError(t, err)
	return img
}

// Series registers one scene per day offset, with IDs "S<offset>" and the
// given cloud cover percentages.
func Series(t testing.TB, e *local.Engine, days []int, cover []float64, fill float64) []raster.Image {
	t.Helper()
	if len(days) != len(cover) {
		t.Fatalf("Series: %d days but %d cloud covers", len(days), len(cover))
	}
	out := make([]raster.Image, len(days))
	for i, d := range days {
		out[i] = AddScene(t, e, Scene{
			ID:         fmt.Sprintf("S%d", d),
			Time:       Day(d),
			CloudCover: cover[i],
			Fill:       fill,
		})
	}
	return out
}

// Fill returns n copies of v.
func Fill(n int, v float64) []float64 {
	px := make([]float64, n)
	for i := range px {
		px[i] = v
	}
	return px
}

// IDs lists image IDs in order.
func IDs(imgs []raster.Image) []string {
	out := make([]string, len(imgs))
	for i, im := range imgs {
		out[i] = im.ID
	}
	return out
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
