// Command cloudmask runs the multitemporal cloud-masking batch over a scene
// archive and exports one binary mask per image.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/banshee-data/cloudmask/internal/config"
	"github.com/banshee-data/cloudmask/internal/fsutil"
	"github.com/banshee-data/cloudmask/internal/fusion"
	"github.com/banshee-data/cloudmask/internal/geom"
	"github.com/banshee-data/cloudmask/internal/ledger"
	"github.com/banshee-data/cloudmask/internal/masking"
	"github.com/banshee-data/cloudmask/internal/monitoring"
	"github.com/banshee-data/cloudmask/internal/orchestrator"
	"github.com/banshee-data/cloudmask/internal/raster"
	"github.com/banshee-data/cloudmask/internal/raster/local"
	"github.com/banshee-data/cloudmask/internal/treemask"
	"github.com/banshee-data/cloudmask/internal/version"
)

var (
	configPath  = flag.String("config", "", "Run config file (YAML, JSON or TOML); CLOUDMASK_* env vars override it")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.LoadRunConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cloudmask: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Logging, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cloudmask: %v\n", err)
		os.Exit(2)
	}
	closeLogs := routeLogs(logger)
	defer closeLogs()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := run(ctx, cfg, fsutil.OSFileSystem{})
	switch {
	case errors.Is(err, context.Canceled):
		logger.Warnf("interrupted: %s", p)
	case err != nil:
		logger.Errorf("batch failed: %v", err)
		closeLogs()
		os.Exit(1)
	default:
		logger.Infof("batch done: %s", p)
	}
}

// newLogger builds the process logger from the logging settings.
func newLogger(cfg config.LoggingConfig, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	logger.SetLevel(lvl)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// routeLogs sends the monitoring streams through logger: ops at info, diag
// at debug, trace at trace. The returned func flushes and detaches them.
func routeLogs(logger *logrus.Logger) func() {
	ops := logger.WriterLevel(logrus.InfoLevel)
	diag := logger.WriterLevel(logrus.DebugLevel)
	trace := logger.WriterLevel(logrus.TraceLevel)
	monitoring.SetLogWriters(monitoring.LogWriters{Ops: ops, Diag: diag, Trace: trace, Bare: true})
	monitoring.SetLogger(logger.Printf)

	closed := false
	return func() {
		if closed {
			return
		}
		closed = true
		monitoring.SetLogWriters(monitoring.LogWriters{})
		ops.Close()
		diag.Close()
		trace.Close()
	}
}

// run wires the engine, pipeline and ledger, then drives the batch.
func run(ctx context.Context, cfg *config.RunConfig, fs fsutil.FileSystem) (orchestrator.Progress, error) {
	tuning, err := config.LoadTuningConfig(cfg.Tuning)
	if err != nil {
		return orchestrator.Progress{}, err
	}

	base, err := local.Open(fs, cfg.Manifest)
	if err != nil {
		return orchestrator.Progress{}, fmt.Errorf("open scene archive: %w", err)
	}
	eng := raster.NewLimited(base, rate.NewLimiter(rate.Limit(tuning.GetEngineRateLimit()), 1))

	trees, err := loadTrees(fs, tuning.GetTreesPath())
	if err != nil {
		return orchestrator.Progress{}, err
	}
	forest, err := fusion.LoadForest(fs, tuning.GetClassifierPath())
	if err != nil {
		return orchestrator.Progress{}, err
	}
	clf, err := fusion.NewClassifier(eng, forest, tuning.GetFusionMethods(), tuning.GetClassifierThreshold())
	if err != nil {
		return orchestrator.Progress{}, err
	}
	opt, err := masking.OptionsFromTuning(tuning, trees)
	if err != nil {
		return orchestrator.Progress{}, err
	}
	pipe, err := masking.New(eng, clf, opt)
	if err != nil {
		return orchestrator.Progress{}, err
	}

	store, err := ledger.Open(cfg.Ledger)
	if err != nil {
		return orchestrator.Progress{}, err
	}
	defer store.Close()

	ocfg, err := orchestratorConfig(cfg, tuning)
	if err != nil {
		return orchestrator.Progress{}, err
	}
	orc, err := orchestrator.New(eng, pipe, store, ocfg)
	if err != nil {
		return orchestrator.Progress{}, err
	}
	p, err := orc.Run(ctx)
	if orc.RunID() != "" {
		if rerr := report(context.WithoutCancel(ctx), store, orc.RunID()); rerr != nil {
			monitoring.Opsf("[cloudmask] run report: %v", rerr)
		}
	}
	return p, err
}

// report logs what the ledger holds for a run: its counters, the
// (method, image) pairs that hit structural errors and the transition
// history of every image that ended FAILED.
func report(ctx context.Context, store *ledger.Store, runID string) error {
	r, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	monitoring.Opsf("[cloudmask] run %s: %d completed, %d failed, %d out of area, %d structural errors",
		r.ID, r.Summary.Completed, r.Summary.Failed, r.Summary.OutOfArea, r.Summary.Structural)

	audit, err := store.MethodErrors(ctx, runID)
	if err != nil {
		return err
	}
	for _, m := range audit {
		monitoring.Opsf("[cloudmask] method error: %s on %s: %s", m.Method, m.ImageID, m.Message)
	}

	recs, err := store.Load(ctx)
	if err != nil {
		return err
	}
	var failed []string
	for id, rec := range recs {
		if rec.Status == ledger.StatusFailed {
			failed = append(failed, id)
		}
	}
	sort.Strings(failed)
	for _, id := range failed {
		events, err := store.Events(ctx, id)
		if err != nil {
			return err
		}
		for _, e := range events {
			monitoring.Diagf("[cloudmask] %s: %s -> %s %s", id, e.From, e.To, e.Detail)
		}
	}
	return nil
}

func orchestratorConfig(cfg *config.RunConfig, tuning *config.TuningConfig) (orchestrator.Config, error) {
	ocfg := orchestrator.ConfigFromTuning(tuning)
	start, end, err := cfg.TimeRange()
	if err != nil {
		return ocfg, err
	}
	ocfg.Query = raster.Query{Tile: cfg.Tile, Start: start, End: end}
	if len(cfg.Area) > 0 {
		if ocfg.Area, err = geom.FromCoordinates(cfg.Area); err != nil {
			return ocfg, fmt.Errorf("area: %w", err)
		}
	}
	ocfg.Exclude = cfg.Exclude
	ocfg.Destination = cfg.Destination

	snapshot, err := json.Marshal(struct {
		Version string               `json:"version"`
		Run     *config.RunConfig    `json:"run"`
		Tuning  *config.TuningConfig `json:"tuning"`
	}{version.String(), cfg, tuning})
	if err != nil {
		return ocfg, fmt.Errorf("snapshot config: %w", err)
	}
	ocfg.ConfigJSON = string(snapshot)
	return ocfg, nil
}

func loadTrees(fs fsutil.FileSystem, path string) (treemask.Set, error) {
	if path == "" {
		return treemask.Defaults(), nil
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open decision trees: %w", err)
	}
	defer f.Close()
	return treemask.Decode(f)
}
