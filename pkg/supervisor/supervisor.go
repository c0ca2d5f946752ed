// Package supervisor owns the worker pool that drives scheduled runs
// across every configured source (spec §4.5, §5 "parallel threads with
// per-source serialization"), cross-process mutual exclusion, and
// catch-up-on-startup evaluation.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudsync/cloudsync/internal/logging"
	"github.com/cloudsync/cloudsync/pkg/archive"
	"github.com/cloudsync/cloudsync/pkg/bundle"
	"github.com/cloudsync/cloudsync/pkg/config"
	"github.com/cloudsync/cloudsync/pkg/notifier"
	"github.com/cloudsync/cloudsync/pkg/runlog"
)

// workItem is a (source, engine) pair (spec §5 "a work item is a
// (source, engine) pair").
type workItem struct {
	sourceKey string
	run       func(ctx context.Context) runlog.Record
	soft      time.Duration
	hard      time.Duration
}

// Supervisor runs one tick across every configured source with
// Parallelism-bounded concurrency, strict per-source serialization
// (spec §5), and soft/hard run timeouts.
type Supervisor struct {
	Bundle    *bundle.Engine
	Archive   *archive.Engine
	Config    config.Config
	Notifier  *notifier.Notifier
	RunLog    *runlog.Log
	Logger    logging.Logger
	lastRunAt sync.Map // sourceKey -> time.Time

	lock    *InstanceLock
	watcher *ConfigWatcher
}

// New builds a Supervisor. Logger may be nil, in which case a no-op
// logger is used.
func New(cfg config.Config, be *bundle.Engine, ae *archive.Engine, n *notifier.Notifier, rl *runlog.Log, logger logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.Noop
	}
	return &Supervisor{Bundle: be, Archive: ae, Config: cfg, Notifier: n, RunLog: rl, Logger: logger}
}

// LockFilePath is where Start takes its instance lock: one per
// BundleRoot, so two supervisors pointed at different bundle roots
// never contend over the same file.
func (s *Supervisor) LockFilePath() string {
	return filepath.Join(s.Config.BundleRoot, "supervisor.lock")
}

// Start acquires the cross-process instance lock (spec §4.5, exit code
// 7 on conflict) and, if configPath is non-empty, begins watching it
// for live config reloads. Callers must call Stop to release the lock;
// the watcher goroutine ends when ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context, configPath string) error {
	lockPath := s.LockFilePath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create bundle root: %w", err)
	}
	lock, err := Acquire(lockPath)
	if err != nil {
		return err
	}
	s.lock = lock

	if configPath != "" {
		w, err := NewConfigWatcher(configPath)
		if err != nil {
			s.lock.Release()
			s.lock = nil
			return err
		}
		if err := w.Start(ctx); err != nil {
			s.lock.Release()
			s.lock = nil
			return err
		}
		s.watcher = w
		go s.watchConfig(ctx)
	}
	return nil
}

// Stop releases the instance lock. Safe to call even if Start failed
// partway through.
func (s *Supervisor) Stop() error {
	return s.lock.Release()
}

func (s *Supervisor) watchConfig(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-s.watcher.Events():
			if !ok {
				return
			}
			s.Logger.Info("config reloaded", "bundleRoot", cfg.BundleRoot)
			s.Config = cfg
		case err, ok := <-s.watcher.Errors():
			if !ok {
				return
			}
			s.Logger.Warn("config watch error", "error", err.Error())
		}
	}
}

// RunTick evaluates catch-up for every configured source
// ("now - lastRunOk(source) >= cadence + grace") and runs the due ones
// through a bounded worker pool, one goroutine per item, errgroup
// capped at Config.Parallelism.
func (s *Supervisor) RunTick(ctx context.Context) []runlog.Record {
	return s.runItems(ctx, s.dueWorkItems())
}

func (s *Supervisor) runItems(ctx context.Context, items []workItem) []runlog.Record {
	results := make([]runlog.Record, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism())

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			results[i] = s.runOne(gctx, item)
			return nil // collect every result; don't fail the group early
		})
	}
	_ = g.Wait()
	return results
}

func (s *Supervisor) parallelism() int {
	if s.Config.Parallelism <= 0 {
		return 1
	}
	return s.Config.Parallelism
}

// dueWorkItems evaluates each configured source's cadence against its
// last successful run (spec §4.5 catch-up-on-startup evaluation).
func (s *Supervisor) dueWorkItems() []workItem {
	var items []workItem
	now := time.Now()

	for _, repo := range s.Config.GitSources {
		cad := s.Config.Cadences.ForSource(repo.RepoKey)
		if !s.isDue(repo.RepoKey, now, cad) {
			continue
		}
		repo := repo
		items = append(items, workItem{
			sourceKey: repo.RepoKey,
			run:       func(ctx context.Context) runlog.Record { return s.Bundle.Run(ctx, repo) },
			soft:      s.Config.Timeouts.SoftRepo,
			hard:      s.Config.Timeouts.HardRepo(),
		})
	}
	for _, dir := range s.Config.NonGitSources {
		key := dir.AbsolutePath
		cad := s.Config.Cadences.ForSource(key)
		if !s.isDue(key, now, cad) {
			continue
		}
		dir := dir
		items = append(items, workItem{
			sourceKey: key,
			run:       func(ctx context.Context) runlog.Record { return s.Archive.Run(ctx, dir) },
			soft:      s.Config.Timeouts.SoftArchive,
			hard:      s.Config.Timeouts.HardArchive(),
		})
	}
	return items
}

func (s *Supervisor) isDue(sourceKey string, now time.Time, cad config.Cadence) bool {
	v, ok := s.lastRunAt.Load(sourceKey)
	if !ok {
		return true // never run: always due (catch-up on startup)
	}
	last := v.(time.Time)
	return now.Sub(last) >= cad.Interval+cad.Grace
}

// runOne enforces a work item's per-source serialization (via the
// manifest store's own locking, not repeated here), soft/hard timeout
// cancellation, and notifier lifecycle events (spec §4.5 cancellation
// semantics, §4.3.5 "emit structured events... on run start, success,
// and failure").
func (s *Supervisor) runOne(ctx context.Context, item workItem) runlog.Record {
	start := time.Now()
	s.Notifier.EmitAsync(ctx, notifier.Event{
		Kind: notifier.KindRunStart, SourceKey: item.sourceKey, Timestamp: start,
	})

	softCtx, cancelSoft := context.WithTimeout(ctx, item.soft)
	defer cancelSoft()

	type outcome struct{ rec runlog.Record }
	done := make(chan outcome, 1)
	go func() { done <- outcome{rec: item.run(softCtx)} }()

	var rec runlog.Record
	select {
	case o := <-done:
		rec = o.rec
		if rec.Outcome == runlog.OutcomeFailed && softCtx.Err() != nil {
			// The engine returned a failure only because its context was
			// cancelled out from under it (soft timeout or an outer
			// shutdown), not because the run itself failed; surface that
			// distinctly (spec §5: supervisor records Cancelled separately
			// from Failed).
			rec.Outcome = runlog.OutcomeCancelled
		}
	case <-time.After(item.hard):
		// Hard timeout: the soft context is already cancelled, but the
		// subprocess-bound engine call may still be wedged; record the
		// run as failed and move on rather than block the pool forever.
		cancelSoft()
		rec = runlog.Record{
			Timestamp: start.UTC(), SourceKey: item.sourceKey,
			Outcome: runlog.OutcomeFailed, Duration: time.Since(start),
			ErrorDetail: fmt.Sprintf("hard timeout after %s", item.hard),
		}
	}

	kind := notifier.KindRunSuccess
	if rec.Outcome == runlog.OutcomeFailed || rec.Outcome == runlog.OutcomeCancelled {
		kind = notifier.KindRunFailure
	} else {
		s.lastRunAt.Store(item.sourceKey, time.Now())
	}
	s.Notifier.EmitAsync(ctx, notifier.Event{
		Kind: kind, SourceKey: item.sourceKey, Timestamp: time.Now(),
		Message: rec.ErrorDetail,
		Payload: map[string]any{"outcome": string(rec.Outcome), "bytes": rec.BytesProduced},
	})
	return rec
}
