package local

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/banshee-data/cloudmask/internal/geom"
	"github.com/banshee-data/cloudmask/internal/raster"
)

type exportTask struct {
	task   raster.Task
	meta   raster.Image
	pixels []float64
	inside []bool
	dest   string
}

// ExportMetadata is the JSON sidecar written next to every exported mask.
type ExportMetadata struct {
	Name       string             `json:"name"`
	Band       string             `json:"band"`
	TimeStart  time.Time          `json:"time_start"`
	Footprint  [][]float64        `json:"footprint,omitempty"`
	Properties map[string]float64 `json:"properties,omitempty"`
	ExportedAt time.Time          `json:"exported_at"`
}

// Export implements raster.Exporter. Only the first band is exported; masked
// pixels and pixels outside region are written as 0.
func (e *Engine) Export(ctx context.Context, img raster.Image, destination string, region geom.Polygon) (raster.Task, error) {
	if err := ctx.Err(); err != nil {
		return raster.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("Export"); err != nil {
		return raster.Task{}, err
	}
	n, err := e.lookup(img)
	if err != nil {
		return raster.Task{}, err
	}
	if len(n.meta.Bands) == 0 {
		return raster.Task{}, invalid("export: image %s has no bands", img.ID)
	}
	if destination == "" {
		return raster.Task{}, invalid("export: destination is required")
	}
	t := &exportTask{
		task:   raster.Task{ID: uuid.NewString(), State: raster.TaskReady},
		meta:   n.meta.Clone(),
		pixels: n.bands[n.meta.Bands[0]],
		inside: e.regionMask(region),
		dest:   destination,
	}
	e.tasks[t.task.ID] = t
	return t.task, nil
}

// TaskStatus implements raster.Exporter.
func (e *Engine) TaskStatus(ctx context.Context, id string) (raster.Task, error) {
	if err := ctx.Err(); err != nil {
		return raster.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("TaskStatus"); err != nil {
		return raster.Task{}, err
	}
	t, ok := e.tasks[id]
	if !ok {
		return raster.Task{}, fmt.Errorf("task %q: %w", id, raster.ErrNotFound)
	}
	if e.AutoComplete {
		switch t.task.State {
		case raster.TaskReady:
			t.task.State = raster.TaskRunning
		case raster.TaskRunning:
			e.finish(t)
		}
	}
	return t.task, nil
}

// SetTaskState forces a task into state. Moving a task to COMPLETED writes
// its output.
func (e *Engine) SetTaskState(id string, state raster.TaskState, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return fmt.Errorf("task %q: %w", id, raster.ErrNotFound)
	}
	if state == raster.TaskCompleted {
		e.finish(t)
		return nil
	}
	t.task.State = state
	t.task.Error = message
	return nil
}

// Tasks returns a snapshot of every export task.
func (e *Engine) Tasks() []raster.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]raster.Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t.task)
	}
	return out
}

// finish writes the task output and marks it COMPLETED, or FAILED when the
// write fails. Callers hold e.mu.
func (e *Engine) finish(t *exportTask) {
	if err := e.writeMask(t); err != nil {
		t.task.State = raster.TaskFailed
		t.task.Error = err.Error()
		return
	}
	t.task.State = raster.TaskCompleted
}

func (e *Engine) writeMask(t *exportTask) error {
	g := image.NewGray(image.Rect(0, 0, e.grid.Width, e.grid.Height))
	for i, v := range t.pixels {
		if t.inside[i] && !math.IsNaN(v) && v > 0 {
			g.SetGray(i%e.grid.Width, i/e.grid.Width, color.Gray{Y: 255})
		}
	}

	if dir := filepath.Dir(t.dest); dir != "." {
		if err := e.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export directory: %w", err)
		}
	}
	w, err := e.fs.Create(t.dest + ".png")
	if err != nil {
		return fmt.Errorf("create %s.png: %w", t.dest, err)
	}
	if err := imaging.Encode(w, g, imaging.PNG); err != nil {
		w.Close()
		return fmt.Errorf("encode %s.png: %w", t.dest, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s.png: %w", t.dest, err)
	}

	md := ExportMetadata{
		Name:       filepath.Base(t.dest),
		Band:       t.meta.Bands[0],
		TimeStart:  t.meta.Time,
		Properties: t.meta.Props,
		ExportedAt: e.clock.Now().UTC(),
	}
	for _, p := range t.meta.Footprint {
		md.Footprint = append(md.Footprint, []float64{p.X, p.Y})
	}
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal export metadata: %w", err)
	}
	if err := e.fs.WriteFile(t.dest+".json", data, 0o644); err != nil {
		return fmt.Errorf("write %s.json: %w", t.dest, err)
	}
	return nil
}
