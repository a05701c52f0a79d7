package local

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	"github.com/banshee-data/cloudmask/internal/fsutil"
	"github.com/banshee-data/cloudmask/internal/geom"
	"github.com/banshee-data/cloudmask/internal/raster"
)

// maxManifestSize bounds the scene manifest read from disk.
const maxManifestSize = 4 << 20

// Manifest describes an on-disk archive of scenes sharing one grid. Band
// rasters are single-channel PNG files (8 or 16 bit) whose paths are
// relative to the manifest. A pixel value of 0 is no-data.
type Manifest struct {
	Grid   Grid            `json:"grid"`
	Scenes []SceneManifest `json:"scenes"`
}

// SceneManifest is one catalog entry of a Manifest.
type SceneManifest struct {
	ID         string             `json:"id"`
	Time       time.Time          `json:"time"`
	Tile       string             `json:"tile"`
	Footprint  [][]float64        `json:"footprint"`
	Properties map[string]float64 `json:"properties"`
	Bands      map[string]string  `json:"bands"`
}

// ReadManifest parses a manifest file.
func ReadManifest(fs fsutil.FileSystem, path string) (*Manifest, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat manifest: %w", err)
	}
	if info.Size() > maxManifestSize {
		return nil, fmt.Errorf("manifest %s is %d bytes, max %d", path, info.Size(), maxManifestSize)
	}
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.Grid.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// Open builds an engine from the manifest at path, loading every band raster
// it lists through fs.
func Open(fs fsutil.FileSystem, path string, opts ...Option) (*Engine, error) {
	m, err := ReadManifest(fs, path)
	if err != nil {
		return nil, err
	}
	e, err := New(m.Grid, append([]Option{WithFileSystem(fs)}, opts...)...)
	if err != nil {
		return nil, err
	}
	base := filepath.Dir(path)
	for _, s := range m.Scenes {
		fp, err := geom.FromCoordinates(s.Footprint)
		if err != nil {
			return nil, fmt.Errorf("scene %s footprint: %w", s.ID, err)
		}
		bands := make(map[string][]float64, len(s.Bands))
		var names []string
		for _, b := range raster.Sentinel2Bands {
			if _, ok := s.Bands[b]; ok {
				names = append(names, b)
			}
		}
		for b, rel := range s.Bands {
			px, err := e.readBand(filepath.Join(base, rel))
			if err != nil {
				return nil, fmt.Errorf("scene %s band %s: %w", s.ID, b, err)
			}
			bands[b] = px
		}
		if len(names) != len(bands) {
			// Non-Sentinel band names keep manifest order undefined; fall back
			// to sorted order.
			names = nil
		}
		meta := raster.Image{
			ID:        s.ID,
			Time:      s.Time,
			Tile:      s.Tile,
			Footprint: fp,
			Bands:     names,
			Props:     s.Properties,
		}
		if _, err := e.AddScene(meta, bands); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) readBand(path string) ([]float64, error) {
	f, err := e.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := imaging.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	b := img.Bounds()
	if b.Dx() != e.grid.Width || b.Dy() != e.grid.Height {
		return nil, fmt.Errorf("%s is %dx%d, grid is %dx%d", path, b.Dx(), b.Dy(), e.grid.Width, e.grid.Height)
	}
	px := make([]float64, e.grid.Len())
	for i := range px {
		v := gray16(img, b.Min.X+i%e.grid.Width, b.Min.Y+i/e.grid.Width)
		if v == 0 {
			px[i] = math.NaN()
			continue
		}
		px[i] = float64(v)
	}
	return px, nil
}

func gray16(img image.Image, x, y int) uint16 {
	switch g := img.(type) {
	case *image.Gray16:
		return g.Gray16At(x, y).Y
	case *image.Gray:
		return uint16(g.GrayAt(x, y).Y)
	}
	return color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y
}
