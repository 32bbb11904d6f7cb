package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"citydata/internal/alert"
	"citydata/internal/cache"
	"citydata/internal/dataset"
	"citydata/internal/diff"
	"citydata/internal/logging"
	"citydata/internal/storage"
	"citydata/internal/validate"
)

// ── Orchestrator ───────────────────────────────────────────
// Stages run strictly in order on one live dataset. After every stage the
// engine checks the key set and the schema, then runs the stage's validator.
// A failed check halts the run; nothing is published.

var (
	// ErrKeySetChanged means a stage added or dropped primary keys.
	ErrKeySetChanged = errors.New("stage changed the primary key set")
	// ErrSchemaShrunk means a stage removed or retyped an existing column.
	ErrSchemaShrunk = errors.New("stage removed or retyped a column")
	// ErrOutputTooSmall means the published file fell below the size floor.
	ErrOutputTooSmall = errors.New("output file too small")
)

// Options configure one Engine.
type Options struct {
	// BaseTable is loaded through the Loader to start every run.
	BaseTable string

	CRS           string
	CacheFraction float64

	// NumericColumns are coerced to numbers after the last stage.
	NumericColumns []string

	// OutputTable names the final pipeline snapshot and the diffed table.
	OutputTable string

	// OutputPath receives the published GeoJSON. Empty skips publishing.
	OutputPath     string
	MinOutputBytes int64

	// Publish narrows the published dataset. Nil publishes every record.
	Publish func(dataset.Record) bool

	// Final validates the deduplicated, coerced dataset before it is saved.
	Final *validate.Validator

	DefaultChannel string
	DiffChannel    string
	SendDiff       bool

	// Trigger is recorded with the run: manual, schedule or file_watch.
	Trigger string
}

// Engine runs a stage registry.
type Engine struct {
	Registry *Registry
	Loader   Loader
	Cache    *cache.Manager
	Diff     *diff.Reporter
	Alerts   alert.Sink
	Runs     *storage.RunStore
	Options  Options

	log *logrus.Entry
}

// New creates an Engine. Diff, Alerts and Runs may be nil.
func New(reg *Registry, loader Loader, m *cache.Manager, opts Options, l *logging.Logger) *Engine {
	if l == nil {
		l = logging.Discard()
	}
	return &Engine{
		Registry: reg,
		Loader:   loader,
		Cache:    m,
		Options:  opts,
		log:      l.Category(logging.Pipeline),
	}
}

// Result summarizes one run.
type Result struct {
	RunID    string
	Dataset  *dataset.Dataset
	Stages   []storage.StageRun
	Deduped  int
	Coerced  map[string]int // nulls introduced per numeric column
	Output   string
	Bytes    int64
	Diff     *diff.Report
	Duration time.Duration
}

type runMode struct {
	caching  bool
	finalize bool
}

// Run executes every registered stage, then finalizes and publishes.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	return e.run(ctx, e.Registry.Stages(), runMode{caching: true, finalize: true})
}

// RunStageTest runs the named stage after its declared dependencies, with
// caching disabled and nothing published.
func (e *Engine) RunStageTest(ctx context.Context, name string) (*Result, error) {
	stages, err := e.Registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, stages, runMode{})
}

func (e *Engine) run(ctx context.Context, stages []Stage, mode runMode) (res *Result, err error) {
	start := time.Now()
	res = &Result{Coerced: map[string]int{}}

	var run *storage.Run
	if e.Runs != nil && mode.finalize {
		run = &storage.Run{Trigger: e.Options.Trigger, StartedAt: start}
		if err := e.Runs.CreateRun(run); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
		res.RunID = run.ID
		defer func() {
			run.Status = storage.StatusSuccess
			if err != nil {
				run.Status = storage.StatusFailed
				run.Error = err.Error()
			}
			run.Records = res.Dataset.Len()
			run.OutputPath = res.Output
			run.OutputBytes = res.Bytes
			if res.Diff != nil {
				run.DiffSummary = res.Diff.Summary()
			}
			if ferr := e.Runs.FinishRun(run); ferr != nil {
				e.log.WithError(ferr).Warn("pipeline: could not record run outcome")
			}
		}()
	}

	ds, err := e.Loader.Load(ctx, e.Options.BaseTable)
	if err != nil {
		return res, fmt.Errorf("load %s: %w", e.Options.BaseTable, err)
	}
	e.log.WithFields(logrus.Fields{"table": e.Options.BaseTable, "records": ds.Len()}).Info("pipeline: base dataset loaded")

	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		next, sr, err := e.runStage(ctx, i, st, ds, mode)
		sr.RunID = res.RunID
		res.Stages = append(res.Stages, sr)
		if run != nil {
			if aerr := e.Runs.AddStage(&sr); aerr != nil {
				e.log.WithError(aerr).Warn("pipeline: could not record stage")
			}
		}
		if err != nil {
			return res, err
		}
		ds = next
	}
	res.Dataset = ds

	if mode.finalize {
		if err := e.finalize(ctx, res); err != nil {
			return res, err
		}
	}
	res.Duration = time.Since(start)
	e.log.WithFields(logrus.Fields{
		"stages":   len(stages),
		"records":  ds.Len(),
		"duration": res.Duration.Round(time.Millisecond),
	}).Info("pipeline: run complete")
	return res, nil
}

func (e *Engine) runStage(ctx context.Context, ordinal int, st Stage, in *dataset.Dataset, mode runMode) (*dataset.Dataset, storage.StageRun, error) {
	sr := storage.StageRun{Ordinal: ordinal, Stage: st.Name, RecordsIn: in.Len()}
	log := e.log.WithField("stage", st.Name)
	before := in.Schema.Clone()
	keys := in.KeySet()
	start := time.Now()

	out, err := st.Transform(ctx, in)
	sr.Duration = time.Since(start)
	if err == nil && out == nil {
		err = errors.New("transform returned no dataset")
	}
	if err != nil {
		sr.Error = err.Error()
		return nil, sr, fmt.Errorf("stage %s: %w", st.Name, err)
	}
	sr.RecordsOut = out.Len()
	sr.ColumnsAdded = lo.Without(out.Schema.FieldNames(), before.FieldNames()...)

	if err := checkKeys(st.Name, keys, out); err != nil {
		sr.Error = err.Error()
		return nil, sr, err
	}
	if err := checkSchema(st.Name, before, out.Schema); err != nil {
		sr.Error = err.Error()
		return nil, sr, err
	}

	if st.Validator != nil {
		checkStats := st.Validator.StatsEnabled(out.Len())
		result := st.Validator.Validate(out, checkStats)
		sr.Validated = true
		sr.ValidationErrors = len(result.Errors)
		if !result.Success {
			verr := &validate.ValidationError{Stage: st.Name, Errors: result.Errors}
			sr.Error = verr.Error()
			e.alert(ctx, e.Options.DefaultChannel, verr.Error())
			log.WithField("errors", len(result.Errors)).Error("pipeline: validation failed")
			return nil, sr, verr
		}
		if !checkStats {
			log.Debug("pipeline: statistical rules skipped below threshold")
		}
	}

	if mode.caching && st.Checkpoint && e.Options.CacheFraction > 0 {
		label := e.Cache.LabelVariant(st.Name, "sample")
		if err := e.Cache.SaveFractional(out, label, cache.PipelineCache, e.Options.CacheFraction); err != nil {
			return nil, sr, fmt.Errorf("checkpoint %s: %w", st.Name, err)
		}
	}

	log.WithFields(logrus.Fields{
		"records":  sr.RecordsOut,
		"added":    sr.ColumnsAdded,
		"duration": sr.Duration.Round(time.Millisecond),
	}).Info("pipeline: stage done")
	return out, sr, nil
}

func checkKeys(stage string, before map[string]struct{}, out *dataset.Dataset) error {
	after := out.KeySet()
	added, removed := 0, 0
	for k := range after {
		if _, ok := before[k]; !ok {
			added++
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			removed++
		}
	}
	if added > 0 || removed > 0 {
		return fmt.Errorf("%w: stage %s added %d and removed %d keys", ErrKeySetChanged, stage, added, removed)
	}
	return nil
}

func checkSchema(stage string, before, after dataset.Schema) error {
	for _, f := range before.Fields {
		got, ok := after.Field(f.Name)
		if !ok {
			return fmt.Errorf("%w: stage %s removed column %q", ErrSchemaShrunk, stage, f.Name)
		}
		if got.Type != f.Type {
			return fmt.Errorf("%w: stage %s retyped column %q from %s to %s", ErrSchemaShrunk, stage, f.Name, f.Type, got.Type)
		}
	}
	return nil
}

func (e *Engine) alert(ctx context.Context, channel, message string) {
	if e.Alerts == nil {
		return
	}
	if err := e.Alerts.Send(ctx, channel, message); err != nil {
		e.log.WithError(err).WithField("channel", channel).Warn("pipeline: alert delivery failed")
	}
}

// ── Finalize ───────────────────────────────────────────────

func (e *Engine) finalize(ctx context.Context, res *Result) error {
	ds := res.Dataset
	if e.Options.OutputTable != "" {
		ds.Name = e.Options.OutputTable
	}

	res.Deduped = ds.Dedupe()
	if res.Deduped > 0 {
		e.log.WithField("dropped", res.Deduped).Info("pipeline: dropped duplicate keys")
	}
	for _, col := range e.Options.NumericColumns {
		if !ds.Schema.Has(col) {
			continue
		}
		if n := ds.CoerceNumeric(col); n > 0 {
			res.Coerced[col] = n
			e.log.WithFields(logrus.Fields{"column": col, "nulled": n}).Warn("pipeline: numeric coercion produced nulls")
		}
	}

	if e.Options.Final != nil {
		result := e.Options.Final.Validate(ds, e.Options.Final.StatsEnabled(ds.Len()))
		if !result.Success {
			verr := &validate.ValidationError{Stage: e.Options.Final.Name, Errors: result.Errors}
			e.alert(ctx, e.Options.DefaultChannel, verr.Error())
			return verr
		}
	}

	if err := e.Cache.Save(ds, e.Cache.Label(ds.Name), cache.PipelineCache, cache.GeoPackage); err != nil {
		return fmt.Errorf("save final snapshot: %w", err)
	}

	if e.Options.OutputPath != "" {
		published := ds
		if e.Options.Publish != nil {
			published = ds.Filter(e.Options.Publish)
		}
		n, err := e.publish(published)
		if err != nil {
			return err
		}
		res.Output, res.Bytes = e.Options.OutputPath, n
	}

	if e.Options.SendDiff && e.Diff != nil {
		report, err := e.Diff.GenerateDiff(ds.Name)
		switch {
		case errors.Is(err, diff.ErrInsufficientHistory):
			e.log.WithField("table", ds.Name).Info("pipeline: no previous snapshot to diff against")
		case err != nil:
			e.log.WithError(err).Warn("pipeline: diff skipped")
		default:
			res.Diff = report
			e.alert(ctx, e.Options.DiffChannel, report.Summary())
		}
	}

	if err := e.writeMetadata(res); err != nil {
		e.log.WithError(err).Warn("pipeline: could not write metadata")
	}
	return nil
}

// publish writes GeoJSON next to the output path and renames it into place
// only if it meets the size floor.
func (e *Engine) publish(ds *dataset.Dataset) (int64, error) {
	dir := filepath.Dir(e.Options.OutputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".publish-*.geojson")
	if err != nil {
		return 0, fmt.Errorf("create temp output: %w", err)
	}
	tmpPath := tmp.Name()
	if err := cache.EncodeGeoJSON(tmp, ds); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("encode output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("close temp output: %w", err)
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("stat temp output: %w", err)
	}
	size := info.Size()
	if size < e.Options.MinOutputBytes {
		os.Remove(tmpPath)
		return size, fmt.Errorf("%w: %s is below the %s minimum", ErrOutputTooSmall,
			humanize.Bytes(uint64(size)), humanize.Bytes(uint64(e.Options.MinOutputBytes)))
	}
	if err := os.Rename(tmpPath, e.Options.OutputPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("move output into place: %w", err)
	}
	e.log.WithFields(logrus.Fields{
		"path":    e.Options.OutputPath,
		"size":    humanize.Bytes(uint64(size)),
		"records": ds.Len(),
	}).Info("pipeline: published")
	return size, nil
}
