package app

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"citydata/internal/alert"
	"citydata/internal/cache"
	"citydata/internal/config"
	"citydata/internal/diff"
	"citydata/internal/logging"
	mcpserver "citydata/internal/mcp"
	"citydata/internal/pipeline"
	"citydata/internal/service"
	"citydata/internal/source"
	"citydata/internal/stages"
	"citydata/internal/storage"
)

// App wires configuration, storage, sources and stages into runnable
// pipeline engines. Commands build one App per process.
type App struct {
	cfg    *config.Config
	logger *logging.Logger
	log    *logrus.Entry

	cache  *cache.Manager
	db     *storage.DB
	runs   *storage.RunStore
	loader *source.CachedLoader
	reg    *pipeline.Registry
	diff   *diff.Reporter
	alerts alert.Sink

	stageOpts stages.Options
}

// New builds an App from a loaded configuration. Logs go to w.
func New(cfg *config.Config, w io.Writer) (*App, error) {
	logger := logging.New(w, cfg.LogLevel, cfg.LogCategories)
	a := &App{
		cfg:    cfg,
		logger: logger,
		log:    logger.Category(logging.Pipeline),
	}

	boundary, err := pipeline.LoadBoundary(cfg.BoundaryPath)
	if err != nil {
		return nil, err
	}
	a.stageOpts = stages.Options{
		CRS:             cfg.CRS,
		Boundary:        boundary,
		StatsMinRecords: cfg.StatsMinRecords,
	}

	a.cache = cache.New(cfg.StorageRoot, cache.WithCRS(cfg.CRS), cache.WithLogger(logger))
	a.diff = diff.New(a.cache, diff.WithLogger(logger))

	fetchers, err := source.FromConfig(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build sources: %w", err)
	}
	a.loader = source.NewCachedLoader(a.cache, fetchers, cfg.ForceReload, logger)

	a.reg, err = pipeline.NewRegistry(stages.Default(a.loader, a.stageOpts)...)
	if err != nil {
		return nil, err
	}

	if cfg.Alerts.SlackEnabled {
		a.alerts = alert.Multi{alert.NewSlackSink(cfg.Secrets.SlackWebhook), alert.NewLogSink(logger)}
	} else {
		a.alerts = alert.NewLogSink(logger)
	}

	a.db, err = storage.Open(cfg.RunStore)
	if err != nil {
		return nil, err
	}
	a.runs = storage.NewRunStore(a.db)
	return a, nil
}

// Close releases the run store.
func (a *App) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// Logger returns the process logger.
func (a *App) Logger() *logging.Logger { return a.logger }

// Cache returns the snapshot cache.
func (a *App) Cache() *cache.Manager { return a.cache }

// Diff returns the diff reporter.
func (a *App) Diff() *diff.Reporter { return a.diff }

// Runs returns the run history store.
func (a *App) Runs() *storage.RunStore { return a.runs }

// Stages returns the registered stage names in execution order.
func (a *App) Stages() []string { return a.reg.Names() }

// ── Engines ────────────────────────────────────────────────

// Engine builds a pipeline engine that records its runs under trigger.
func (a *App) Engine(trigger string) *pipeline.Engine {
	return a.engine(trigger, a.reg, a.loader)
}

func (a *App) engine(trigger string, reg *pipeline.Registry, loader pipeline.Loader) *pipeline.Engine {
	e := pipeline.New(reg, loader, a.cache, pipeline.Options{
		BaseTable:      config.SourceParcels,
		CRS:            a.cfg.CRS,
		CacheFraction:  a.cfg.CacheFraction,
		NumericColumns: a.cfg.NumericColumns,
		OutputTable:    a.cfg.OutputTable,
		OutputPath:     a.cfg.OutputPath,
		MinOutputBytes: a.cfg.MinOutputBytes,
		Publish:        stages.Relevant,
		Final:          stages.Final(a.stageOpts),
		DefaultChannel: a.cfg.Alerts.DefaultChannel,
		DiffChannel:    a.cfg.Alerts.DiffChannel,
		SendDiff:       a.cfg.Alerts.SendDiff,
		Trigger:        trigger,
	}, a.logger)
	e.Diff = a.diff
	e.Alerts = a.alerts
	e.Runs = a.runs
	return e
}

// Run executes the full pipeline.
func (a *App) Run(ctx context.Context, trigger string) (*pipeline.Result, error) {
	res, err := a.Engine(trigger).Run(ctx)
	if err != nil {
		return nil, err
	}
	a.log.WithFields(logrus.Fields{
		"run":      res.RunID,
		"records":  res.Dataset.Len(),
		"duration": res.Duration,
	}).Info("pipeline: run complete")
	return res, nil
}

// RunPipeline runs the full pipeline and drops the result.
func (a *App) RunPipeline(ctx context.Context, trigger string) error {
	_, err := a.Run(ctx, trigger)
	return err
}

// TestStage runs one stage after its dependencies without caching. Sources
// are fetched fresh and never snapshotted, so a test run leaves every cache
// zone as it found it.
func (a *App) TestStage(ctx context.Context, name string) (*pipeline.Result, error) {
	loader := a.loader.Uncached()
	reg, err := pipeline.NewRegistry(stages.Default(loader, a.stageOpts)...)
	if err != nil {
		return nil, err
	}
	return a.engine(service.TriggerManual, reg, loader).RunStageTest(ctx, name)
}

// ── Services ───────────────────────────────────────────────

// Scheduler returns a scheduler firing the full pipeline.
func (a *App) Scheduler() *service.Scheduler {
	return service.NewScheduler(a.RunPipeline, a.cfg.Schedule, a.cfg.WatchPaths, a.logger)
}

// MCP returns an MCP server whose run_pipeline tool goes through sched.
func (a *App) MCP(sched *service.Scheduler, version string) *mcpserver.Server {
	return mcpserver.New(mcpserver.Deps{
		Cache:  a.cache,
		Diff:   a.diff,
		Runs:   a.runs,
		Stages: a.Stages(),
		Run:    sched.Trigger,
		Logger: a.logger,
	}, version)
}
