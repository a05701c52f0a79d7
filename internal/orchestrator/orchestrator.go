// Package orchestrator drives the masking pipeline over a catalog. One
// goroutine polls outstanding export tasks, fills free task slots with new
// images, and commits the ledger once per iteration so a stopped run can
// resume where it left off.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"sort"
	"time"

	"github.com/banshee-data/cloudmask/internal/config"
	"github.com/banshee-data/cloudmask/internal/geom"
	"github.com/banshee-data/cloudmask/internal/ledger"
	"github.com/banshee-data/cloudmask/internal/masking"
	"github.com/banshee-data/cloudmask/internal/monitoring"
	"github.com/banshee-data/cloudmask/internal/raster"
	"github.com/banshee-data/cloudmask/internal/security"
	"github.com/banshee-data/cloudmask/internal/timeutil"
)

// ErrOutOfArea marks an image whose footprint misses the analysis area.
var ErrOutOfArea = errors.New("image outside analysis area")

// Engine is the part of raster.Engine the orchestrator drives directly.
type Engine interface {
	raster.Catalog
	raster.Algebra
	raster.Exporter
}

// Processor builds the fused mask of one image.
type Processor interface {
	Process(ctx context.Context, target raster.Image, roi geom.Polygon) (masking.Outcome, error)
}

// Ledger persists job state.
type Ledger interface {
	Load(ctx context.Context) (map[string]ledger.Record, error)
	Commit(ctx context.Context, b ledger.Batch) error
	StartRun(ctx context.Context, configJSON string) (ledger.Run, error)
	FinishRun(ctx context.Context, runID string, sum ledger.Summary) error
}

// Config controls a batch.
type Config struct {
	NbTaskMax    int
	PollInterval time.Duration
	RetryDelay   time.Duration
	// Query selects the target images.
	Query raster.Query
	// Area is the analysis geometry. Empty means no restriction.
	Area geom.Polygon
	// Exclude lists image ids that are never processed.
	Exclude []string
	// Destination prefixes every export path. The file name is derived
	// from the image id.
	Destination string
	// ConfigJSON is stored with the run for audit.
	ConfigJSON string
}

// ConfigFromTuning fills the scheduling fields from the tuning config.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		NbTaskMax:    cfg.GetNbTaskMax(),
		PollInterval: cfg.GetPollInterval(),
		RetryDelay:   cfg.GetRetryDelay(),
	}
}

// Validate checks the scheduling fields.
func (c Config) Validate() error {
	if c.NbTaskMax < 1 {
		return fmt.Errorf("nb_task_max must be at least 1, got %d", c.NbTaskMax)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must be non-negative, got %v", c.RetryDelay)
	}
	if c.Destination == "" {
		return fmt.Errorf("export destination is required")
	}
	return nil
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used for polling waits and timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// Orchestrator runs one batch. It is not safe for concurrent use.
type Orchestrator struct {
	eng   Engine
	proc  Processor
	store Ledger
	cfg   Config
	clock timeutil.Clock
	retry RetryPolicy

	runID   string
	targets []raster.Image
	number  map[string]int
	records map[string]ledger.Record
	// read is cleared when a commit fails so that the next iteration keeps
	// its in-memory records instead of reloading stale ones from disk.
	read       bool
	batch      ledger.Batch
	structural []MethodPair
	// requeue holds images that failed in an earlier run. Each gets one
	// more attempt in this run.
	requeue map[string]bool
	started bool
}

// New returns an Orchestrator. Nothing is read until Start.
func New(eng Engine, proc Processor, store Ledger, cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		eng:     eng,
		proc:    proc,
		store:   store,
		cfg:     cfg,
		clock:   timeutil.RealClock{},
		records: make(map[string]ledger.Record),
		requeue: make(map[string]bool),
		read:    true,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.retry = RetryPolicy{Delay: cfg.RetryDelay, Clock: o.clock}
	return o, nil
}

// RunID returns the id of the current run, once started.
func (o *Orchestrator) RunID() string { return o.runID }

// Start registers the run, reads the ledger and lists the targets in id
// order.
func (o *Orchestrator) Start(ctx context.Context) error {
	run, err := o.store.StartRun(ctx, o.cfg.ConfigJSON)
	if err != nil {
		return err
	}
	o.runID = run.ID

	recs, err := o.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	for id, r := range recs {
		if r.Status == ledger.StatusFailed {
			o.requeue[id] = true
		}
	}
	o.records = recs

	var targets []raster.Image
	if _, err := o.retry.Do(ctx, "list targets", func(ctx context.Context) error {
		var err error
		targets, err = o.eng.Collection(ctx, o.cfg.Query)
		return err
	}); err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	sort.SliceStable(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	o.targets = targets
	o.number = make(map[string]int, len(targets))
	for i, t := range targets {
		o.number[t.ID] = i
	}
	o.started = true
	monitoring.Opsf("[Orchestrator] run %s: %d target images", o.runID, len(targets))
	return nil
}

// Run starts the batch and iterates until no work remains or ctx ends.
// The run is finished in the ledger either way.
func (o *Orchestrator) Run(ctx context.Context) (Progress, error) {
	if !o.started {
		if err := o.Start(ctx); err != nil {
			return Progress{}, err
		}
	}
	var p Progress
	var err error
	for {
		p, err = o.RunOnce(ctx)
		if err != nil {
			break
		}
		if p.Remaining() == 0 && o.batch.Empty() {
			break
		}
		if err = o.wait(ctx); err != nil {
			break
		}
	}

	monitoring.Opsf("[Orchestrator] run %s finished: %s", o.runID, p)
	// The run row is closed even after cancellation.
	if ferr := o.store.FinishRun(context.WithoutCancel(ctx), o.runID, p.Summary()); ferr != nil {
		monitoring.Opsf("[Orchestrator] finish run %s: %v", o.runID, ferr)
	}
	return p, err
}

func (o *Orchestrator) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.clock.After(o.cfg.PollInterval):
		return nil
	}
}

// RunOnce performs one iteration: reload the ledger if the last commit
// succeeded, poll outstanding tasks, fill free slots and commit.
func (o *Orchestrator) RunOnce(ctx context.Context) (Progress, error) {
	if !o.started {
		return Progress{}, fmt.Errorf("orchestrator not started")
	}
	if o.read {
		recs, err := o.store.Load(ctx)
		if err != nil {
			monitoring.Opsf("[Orchestrator] ledger read failed, keeping in-memory state: %v", err)
		} else {
			o.records = recs
		}
	}

	err := o.poll(ctx)
	if err == nil {
		err = o.fill(ctx)
	}
	// Tasks created before a cancellation must reach the ledger, or the
	// next run would export those images again.
	o.commit(context.WithoutCancel(ctx))

	p := o.progress()
	monitoring.Diagf("[Orchestrator] %s", p)
	if err != nil {
		return p, err
	}
	return p, ctx.Err()
}

func (o *Orchestrator) commit(ctx context.Context) {
	if err := o.store.Commit(ctx, o.batch); err != nil {
		o.read = false
		monitoring.Opsf("[Orchestrator] ledger commit failed, will retry: %v", err)
		return
	}
	o.read = true
	o.batch = ledger.Batch{}
}

func (o *Orchestrator) outstanding() int {
	n := 0
	for _, r := range o.records {
		if r.Status.Outstanding() {
			n++
		}
	}
	return n
}

// poll refreshes every outstanding task.
func (o *Orchestrator) poll(ctx context.Context) error {
	ids := make([]string, 0)
	for id, r := range o.records {
		if r.Status.Outstanding() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		r := o.records[id]
		var task raster.Task
		_, err := o.retry.Do(ctx, "task status "+r.TaskID, func(ctx context.Context) error {
			var err error
			task, err = o.eng.TaskStatus(ctx, r.TaskID)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.transition(r, ledger.StatusFailed, r.TaskID, err.Error())
			continue
		}
		switch task.State {
		case raster.TaskRunning:
			if r.Status == ledger.StatusSubmitted {
				o.transition(r, ledger.StatusRunning, r.TaskID, "")
			}
		case raster.TaskCompleted:
			o.transition(r, ledger.StatusCompleted, r.TaskID, "")
			monitoring.Diagf("[Orchestrator] %s: export completed", id)
		case raster.TaskFailed, raster.TaskCancelled:
			msg := task.Error
			if msg == "" {
				msg = "task " + string(task.State)
			}
			o.transition(r, ledger.StatusFailed, r.TaskID, msg)
			monitoring.Opsf("[Orchestrator] %s: export %s: %s", id, task.State, msg)
		}
	}
	return nil
}

// fill processes pending images in order until NbTaskMax tasks are out.
// Out-of-area, excluded and failed images do not take a slot.
func (o *Orchestrator) fill(ctx context.Context) error {
	for _, t := range o.targets {
		if o.outstanding() >= o.cfg.NbTaskMax {
			return nil
		}
		r, ok := o.records[t.ID]
		if !ok {
			r = ledger.Record{ImageID: t.ID, Status: ledger.StatusPending}
		}
		if !o.eligible(r) {
			continue
		}
		delete(o.requeue, t.ID)
		if slices.Contains(o.cfg.Exclude, t.ID) {
			o.transition(r, ledger.StatusExcluded, "", "")
			continue
		}
		roi, err := o.regionOf(t)
		if errors.Is(err, ErrOutOfArea) {
			o.transition(r, ledger.StatusOutOfArea, "", "")
			monitoring.Diagf("[Orchestrator] %s: out of area", t.ID)
			continue
		}
		if err := o.submit(ctx, t, r, roi); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) eligible(r ledger.Record) bool {
	return r.Status == ledger.StatusPending || (r.Status == ledger.StatusFailed && o.requeue[r.ImageID])
}

func (o *Orchestrator) regionOf(t raster.Image) (geom.Polygon, error) {
	if o.cfg.Area.Empty() {
		return t.Footprint, nil
	}
	roi := geom.Intersection(t.Footprint, o.cfg.Area)
	if roi.Empty() || roi.Area() == 0 {
		return nil, ErrOutOfArea
	}
	return roi, nil
}

// submit processes one image and creates its export task. Only a
// cancelled context is returned; every other failure fails the image.
func (o *Orchestrator) submit(ctx context.Context, t raster.Image, r ledger.Record, roi geom.Polygon) error {
	var out masking.Outcome
	attempts, err := o.retry.Do(ctx, "process "+t.ID, func(ctx context.Context) error {
		var err error
		out, err = o.proc.Process(ctx, t, roi)
		return err
	})
	r.Attempts += attempts
	if err == nil {
		for _, me := range out.Errors {
			o.structural = append(o.structural, MethodPair{Method: me.Method, ImageID: me.ImageID})
			o.batch.MethodErrors = append(o.batch.MethodErrors, ledger.MethodError{
				RunID:   o.runID,
				Method:  me.Method,
				ImageID: me.ImageID,
				Message: me.Err.Error(),
				At:      o.clock.Now(),
			})
		}
		var task raster.Task
		var n int
		n, err = o.retry.Do(ctx, "export "+t.ID, func(ctx context.Context) error {
			mask, err := o.eng.SetProps(out.Mask, map[string]float64{raster.PropNumber: float64(o.number[t.ID])})
			if err != nil {
				return err
			}
			task, err = o.eng.Export(ctx, mask, path.Join(o.cfg.Destination, security.ExportName(t.ID)), roi)
			return err
		})
		r.Attempts += n
		if err == nil {
			o.transition(r, ledger.StatusSubmitted, task.ID, "")
			monitoring.Diagf("[Orchestrator] %s: submitted task %s", t.ID, task.ID)
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	o.transition(r, ledger.StatusFailed, "", err.Error())
	monitoring.Opsf("[Orchestrator] %s failed (%s): %v", t.ID, Classify(err), err)
	return nil
}

func (o *Orchestrator) transition(r ledger.Record, to ledger.Status, taskID, detail string) {
	now := o.clock.Now()
	o.batch.Events = append(o.batch.Events, ledger.Event{
		RunID:   o.runID,
		ImageID: r.ImageID,
		From:    r.Status,
		To:      to,
		Detail:  detail,
		At:      now,
	})
	r.Status = to
	r.TaskID = taskID
	r.LastError = detail
	r.UpdatedAt = now
	o.records[r.ImageID] = r

	// The batch keeps only the latest state of each record.
	for i := range o.batch.Records {
		if o.batch.Records[i].ImageID == r.ImageID {
			o.batch.Records[i] = r
			return
		}
	}
	o.batch.Records = append(o.batch.Records, r)
}

func (o *Orchestrator) progress() Progress {
	p := Progress{Total: len(o.targets), Structural: slices.Clone(o.structural)}
	for _, t := range o.targets {
		r, ok := o.records[t.ID]
		if !ok || o.eligible(r) {
			p.Pending++
			continue
		}
		switch r.Status {
		case ledger.StatusPending:
			p.Pending++
		case ledger.StatusSubmitted, ledger.StatusRunning:
			p.Outstanding++
		case ledger.StatusCompleted:
			p.Completed++
		case ledger.StatusFailed:
			p.Failed++
		case ledger.StatusOutOfArea:
			p.OutOfArea++
		case ledger.StatusExcluded:
			p.Excluded++
		}
	}
	return p
}
