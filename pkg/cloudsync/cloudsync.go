// Package cloudsync wires every component (C1-C10) into one Engine
// per spec §2's data flow: Scheduler drives per-source bundle/archive
// engines, which read/write the manifest store and push through
// transport, with the notifier fanning out lifecycle events and the
// verification engine exercising restore on its own cadence.
package cloudsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cloudsync/cloudsync/internal/gitcmd"
	"github.com/cloudsync/cloudsync/internal/logging"
	"github.com/cloudsync/cloudsync/pkg/archive"
	"github.com/cloudsync/cloudsync/pkg/bundle"
	"github.com/cloudsync/cloudsync/pkg/config"
	"github.com/cloudsync/cloudsync/pkg/manifest"
	"github.com/cloudsync/cloudsync/pkg/monitor"
	"github.com/cloudsync/cloudsync/pkg/notifier"
	"github.com/cloudsync/cloudsync/pkg/restore"
	"github.com/cloudsync/cloudsync/pkg/runlog"
	"github.com/cloudsync/cloudsync/pkg/supervisor"
	"github.com/cloudsync/cloudsync/pkg/transport"
	"github.com/cloudsync/cloudsync/pkg/verify"
)

// Engine is the fully wired CloudSync system: every package in pkg/
// composed the way spec §2 describes, built once from a Config and
// reused across CLI subcommands.
type Engine struct {
	Config     config.Config
	Manifests  *manifest.Store
	Transport  transport.Agent
	RunLog     *runlog.Log
	Notifier   *notifier.Notifier
	Logger     logging.Logger
	Bundle     *bundle.Engine
	Archive    *archive.Engine
	Restore    *restore.Engine
	Verify     *verify.Engine
	Monitor    *monitor.Monitor
	Supervisor *supervisor.Supervisor
}

// defaultTransportRate caps outbound transport operations per second
// (spec §7 rate limiting), generous enough not to throttle a single
// supervisor's normal workload.
const defaultTransportRate = 10.0

// Hostname is recorded into every manifest this process writes;
// overridable by tests or callers that want a stable value.
var Hostname = hostnameOrUnknown()

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// New wires every component from cfg. remoteRoot is the transport's
// destination directory (a local mirror path for the filesystem
// transport backing spec §4.1's LocalFS implementation).
func New(cfg config.Config, remoteRoot string, logger logging.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.Noop
	}

	manifests := manifest.New(cfg.BundleRoot)

	agent, err := transport.NewLocalFS(remoteRoot)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	retrying := transport.NewRetrying(agent, defaultTransportRate, transport.DefaultRetryPolicy)

	runLog, err := runlog.Open(filepath.Join(cfg.BundleRoot, "run.log"))
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}

	n, err := notifier.BuildFromConfig(cfg.NotifierSinks, logger)
	if err != nil {
		return nil, fmt.Errorf("build notifier: %w", err)
	}

	executor := gitcmd.NewExecutor()

	be := &bundle.Engine{
		Executor:  executor,
		Manifests: manifests,
		Transport: retrying,
		Config:    cfg,
		RunLog:    runLog,
		Hostname:  Hostname,
	}
	ae := &archive.Engine{
		Manifests: manifests,
		Transport: retrying,
		Config:    cfg,
		RunLog:    runLog,
		Hostname:  Hostname,
	}
	re := &restore.Engine{
		Manifests: manifests,
		Transport: retrying,
		Executor:  executor,
	}
	ve := &verify.Engine{
		Config:    cfg,
		Manifests: manifests,
		Restore:   re,
		Executor:  executor,
		Notifier:  n,
	}
	mon := &monitor.Monitor{
		Config:     cfg,
		Manifests:  manifests,
		RunLogPath: runLog.Path(),
	}
	sup := supervisor.New(cfg, be, ae, n, runLog, logger)

	return &Engine{
		Config:     cfg,
		Manifests:  manifests,
		Transport:  retrying,
		RunLog:     runLog,
		Notifier:   n,
		Logger:     logger,
		Bundle:     be,
		Archive:    ae,
		Restore:    re,
		Verify:     ve,
		Monitor:    mon,
		Supervisor: sup,
	}, nil
}

// RunOnce drives one supervisor tick across every due source (the
// "run" CLI subcommand's underlying operation).
func (e *Engine) RunOnce(ctx context.Context) []runlog.Record {
	e.Monitor.RecordHeartbeat(true, time.Now())
	defer e.Monitor.RecordHeartbeat(false, time.Now())
	return e.Supervisor.RunTick(ctx)
}

// Serve runs the supervisor on a fixed poll interval until ctx is
// cancelled, periodically running verification when its cadence is
// due (spec §4.7 "periodically, cadence configurable").
func (e *Engine) Serve(ctx context.Context, pollInterval time.Duration) error {
	if err := e.Supervisor.Start(ctx, ""); err != nil {
		return err
	}
	defer e.Supervisor.Stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastVerify time.Time
	verifyCadence := e.Config.Verification.Cadence
	if verifyCadence <= 0 {
		verifyCadence = 7 * 24 * time.Hour
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			e.Monitor.RecordHeartbeat(true, now)
			e.Supervisor.RunTick(ctx)

			if e.Config.Verification.Enabled && now.Sub(lastVerify) >= verifyCadence {
				if _, err := e.Verify.Run(ctx); err != nil {
					e.Logger.Error("verification run failed", "error", err.Error())
				}
				lastVerify = now
			}
		}
	}
}
