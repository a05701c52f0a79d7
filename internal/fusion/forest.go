package fusion

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/banshee-data/cloudmask/internal/fsutil"
)

// Node is one split or leaf of a decision tree. A split sends a feature
// vector to Left when x[Feature] <= Threshold and to Right otherwise.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Leaf      bool    `json:"leaf"`
	// Value is the cloud probability of a leaf.
	Value float64 `json:"value"`
}

// Tree is a flattened binary tree rooted at Nodes[0].
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Forest is a trained random forest. Its prediction is the mean of the
// tree outputs.
type Forest struct {
	Features []string `json:"features"`
	Trees    []Tree   `json:"trees"`
}

// Inputs implements raster.Classifier.
func (f *Forest) Inputs() []string {
	return slices.Clone(f.Features)
}

// Predict implements raster.Classifier.
func (f *Forest) Predict(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].eval(x)
	}
	return sum / float64(len(f.Trees))
}

func (t *Tree) eval(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Validate checks every tree is well formed: indices in range, features
// known, and no node revisited on any path.
func (f *Forest) Validate() error {
	if len(f.Features) == 0 {
		return fmt.Errorf("forest has no features")
	}
	if len(f.Trees) == 0 {
		return fmt.Errorf("forest has no trees")
	}
	for ti, t := range f.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= len(f.Features) {
				return fmt.Errorf("tree %d node %d: feature %d out of range", ti, ni, n.Feature)
			}
			// Children must come after their parent, which also rules out cycles.
			for _, c := range []int{n.Left, n.Right} {
				if c <= ni || c >= len(t.Nodes) {
					return fmt.Errorf("tree %d node %d: child %d out of range", ti, ni, c)
				}
			}
		}
	}
	return nil
}

// LoadForest reads and validates a forest artifact.
func LoadForest(fs fsutil.FileSystem, path string) (*Forest, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read forest: %w", err)
	}
	var f Forest
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse forest %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("forest %s: %w", path, err)
	}
	return &f, nil
}
