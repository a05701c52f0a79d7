package orchestrator

import (
	"fmt"

	"github.com/banshee-data/cloudmask/internal/ledger"
)

// MethodPair names a method that produced a structural error on an image.
type MethodPair struct {
	Method  string
	ImageID string
}

// Progress counts images by state. It is recomputed after every iteration.
type Progress struct {
	Total       int
	Pending     int
	Outstanding int
	Completed   int
	Failed      int
	OutOfArea   int
	Excluded    int
	// Structural lists every (method, image) pair set to zero in this run.
	Structural []MethodPair
}

// Remaining is the number of images that still need work.
func (p Progress) Remaining() int {
	return p.Pending + p.Outstanding
}

func (p Progress) String() string {
	return fmt.Sprintf("%d/%d done, %d todo, %d running, %d out of area, %d failed, %d excluded, %d structural errors",
		p.Completed, p.Total, p.Pending, p.Outstanding, p.OutOfArea, p.Failed, p.Excluded, len(p.Structural))
}

// Summary converts the counters for the run ledger.
func (p Progress) Summary() ledger.Summary {
	return ledger.Summary{
		Completed:  p.Completed,
		Failed:     p.Failed,
		OutOfArea:  p.OutOfArea,
		Structural: len(p.Structural),
	}
}
