package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"citydata/internal/logging"
)

// ─────────────────────────────────────────────────────────────
// Scheduler: cron and file-watch triggers for the pipeline
// ─────────────────────────────────────────────────────────────

// Triggers recorded with each run.
const (
	TriggerManual    = "manual"
	TriggerSchedule  = "schedule"
	TriggerFileWatch = "file_watch"
)

const pipelineJob = "pipeline"

// ErrAlreadyRunning is returned when a trigger fires during a run.
var ErrAlreadyRunning = errors.New("pipeline is already running")

// RunFunc runs the pipeline once.
type RunFunc func(ctx context.Context, trigger string) error

// Scheduler fires the pipeline on a cron expression and whenever a watched
// file is written. Triggers that arrive during a run are dropped.
type Scheduler struct {
	run        RunFunc
	schedule   string
	watchPaths []string

	// Debounce coalesces bursts of file events into one run.
	Debounce time.Duration

	guard runGuard
	log   *logrus.Entry

	mu          sync.Mutex
	watchCancel context.CancelFunc
	watcher     *fsnotify.Watcher
	cronSched   *cron.Cron
}

// NewScheduler creates a Scheduler. An empty schedule disables the cron
// trigger; no watch paths disables the file trigger.
func NewScheduler(run RunFunc, schedule string, watchPaths []string, l *logging.Logger) *Scheduler {
	if l == nil {
		l = logging.Discard()
	}
	return &Scheduler{
		run:        run,
		schedule:   schedule,
		watchPaths: watchPaths,
		Debounce:   500 * time.Millisecond,
		log:        l.Category(logging.Service),
	}
}

// ── Run ────────────────────────────────────────────────────

// Trigger runs the pipeline synchronously unless a run is in flight.
func (s *Scheduler) Trigger(ctx context.Context, trigger string) error {
	if !s.guard.TryLock(pipelineJob) {
		return ErrAlreadyRunning
	}
	defer s.guard.Unlock(pipelineJob)

	start := time.Now()
	log := s.log.WithField("trigger", trigger)
	log.Info("scheduler: run started")
	if err := s.run(ctx, trigger); err != nil {
		log.WithError(err).Error("scheduler: run failed")
		return err
	}
	log.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("scheduler: run finished")
	return nil
}

// Running reports whether a run is in flight.
func (s *Scheduler) Running() bool {
	return s.guard.Running(pipelineJob)
}

// ── Watchers (cron + file_watch) ──────────────────────────

// Start installs the cron and file triggers. Runs use ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule != "" {
		c := cron.New()
		_, err := c.AddFunc(s.schedule, func() {
			if err := s.Trigger(ctx, TriggerSchedule); errors.Is(err, ErrAlreadyRunning) {
				s.log.Warn("scheduler: cron tick skipped, previous run still in flight")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid schedule %q: %w", s.schedule, err)
		}
		c.Start()
		s.cronSched = c
		s.log.WithField("schedule", s.schedule).Info("scheduler: cron installed")
	}

	if len(s.watchPaths) == 0 {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.stopLocked()
		return fmt.Errorf("create watcher: %w", err)
	}
	s.watcher = watcher

	watched := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, p := range s.watchPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			s.log.WithError(err).WithField("path", p).Warn("scheduler: bad watch path")
			continue
		}
		watched[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			s.log.WithError(err).WithField("dir", dir).Warn("scheduler: cannot watch dir")
			continue
		}
		dirs[dir] = true
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel
	go s.watch(watchCtx, watcher, watched)

	s.log.WithField("files", len(watched)).Info("scheduler: watching files")
	return nil
}

func (s *Scheduler) watch(ctx context.Context, watcher *fsnotify.Watcher, watched map[string]bool) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			abs, _ := filepath.Abs(event.Name)
			if !watched[abs] {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.Debounce, func() {
				s.log.WithField("path", abs).Info("scheduler: file changed")
				if err := s.Trigger(ctx, TriggerFileWatch); errors.Is(err, ErrAlreadyRunning) {
					s.log.Warn("scheduler: file change skipped, run in flight")
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.WithError(err).Warn("scheduler: watcher error")
		}
	}
}

// WaitRunning blocks until the in-flight run finishes or ctx is done.
func (s *Scheduler) WaitRunning(ctx context.Context) {
	s.guard.WaitAll(ctx)
}

// Stop tears down the cron and file triggers. It does not wait for an
// in-flight run; use WaitRunning.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.cronSched != nil {
		s.cronSched.Stop()
		s.cronSched = nil
	}
}
