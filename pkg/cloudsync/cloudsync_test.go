package cloudsync

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/cloudsync/cloudsync/pkg/config"
	"github.com/cloudsync/cloudsync/pkg/restore"
	"github.com/cloudsync/cloudsync/pkg/runlog"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v (%s)", args, err, out)
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "t@t.com")
	runGit(t, dir, "config", "user.name", "T")
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "c1")
	return dir
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.BundleRoot = t.TempDir()
	e, err := New(cfg, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestRunOnce_FreshRepoProducesFullBundleAndHeartbeat(t *testing.T) {
	e := newTestEngine(t)
	repoDir := initRepo(t)
	e.Config.GitSources = []config.GitSource{{AbsolutePath: repoDir, RepoKey: "proj/a"}}
	e.Bundle.Config = e.Config
	e.Supervisor.Config = e.Config

	records := e.RunOnce(context.Background())
	if len(records) != 1 {
		t.Fatalf("RunOnce returned %d records, want 1", len(records))
	}
	if records[0].Outcome != runlog.OutcomeFull {
		t.Fatalf("Outcome = %q (%s), want full", records[0].Outcome, records[0].ErrorDetail)
	}

	snap, err := e.Monitor.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.SupervisorRunning {
		t.Errorf("SupervisorRunning = true after RunOnce returned, want false (heartbeat cleared on exit)")
	}
}

func TestRestore_RoundTripsThroughWiredEngine(t *testing.T) {
	e := newTestEngine(t)
	repoDir := initRepo(t)
	source := config.GitSource{AbsolutePath: repoDir, RepoKey: "proj/b"}
	e.Config.GitSources = []config.GitSource{source}
	e.Bundle.Config = e.Config

	if rec := e.Bundle.Run(context.Background(), source); rec.Outcome != runlog.OutcomeFull {
		t.Fatalf("bundle run = %v (%s)", rec.Outcome, rec.ErrorDetail)
	}

	target := t.TempDir()
	os.RemoveAll(target)
	result, err := e.Restore.Restore(context.Background(), "proj/b", target, restore.Options{})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.BundlesUsed != 1 {
		t.Errorf("BundlesUsed = %d, want 1", result.BundlesUsed)
	}
}
