package restore

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/cloudsync/cloudsync/internal/gitcmd"
	"github.com/cloudsync/cloudsync/pkg/bundle"
	"github.com/cloudsync/cloudsync/pkg/config"
	"github.com/cloudsync/cloudsync/pkg/manifest"
	"github.com/cloudsync/cloudsync/pkg/runlog"
	"github.com/cloudsync/cloudsync/pkg/transport"
)

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v (%s)", args, err, out)
	}
}

func initRepo(t *testing.T, commits int) string {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "init", "-b", "main")
	run(t, dir, "config", "user.email", "t@t.com")
	run(t, dir, "config", "user.name", "T")
	for i := 0; i < commits; i++ {
		if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte{byte(i)}, 0o644); err != nil {
			t.Fatal(err)
		}
		run(t, dir, "add", ".")
		run(t, dir, "commit", "-m", "c", "--allow-empty")
	}
	return dir
}

func newHarness(t *testing.T) (*bundle.Engine, *Engine, string) {
	t.Helper()
	root := t.TempDir()
	store := manifest.New(root)
	agent, err := transport.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	log, err := runlog.Open(filepath.Join(root, "run.log"))
	if err != nil {
		t.Fatalf("runlog.Open: %v", err)
	}
	gitExec := gitcmd.NewExecutor()
	cfg := config.Default()
	be := &bundle.Engine{
		Executor:  gitExec,
		Manifests: store,
		Transport: agent,
		Config:    cfg,
		RunLog:    log,
		Hostname:  "test-host",
	}
	re := &Engine{
		Manifests: store,
		Transport: agent,
		Executor:  gitExec,
	}
	return be, re, root
}

func TestRestore_GitFreshRepo_RoundTrips(t *testing.T) {
	be, re, _ := newHarness(t)
	repoDir := initRepo(t, 10)
	source := config.GitSource{AbsolutePath: repoDir, RepoKey: "proj/a"}

	if rec := be.Run(context.Background(), source); rec.Outcome != runlog.OutcomeFull {
		t.Fatalf("bundle run = %v (%s)", rec.Outcome, rec.ErrorDetail)
	}

	target := t.TempDir()
	os.RemoveAll(target)
	result, err := re.Restore(context.Background(), "proj/a", target, Options{})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.BundlesUsed != 1 {
		t.Errorf("BundlesUsed = %d, want 1", result.BundlesUsed)
	}

	cmd := exec.Command("git", "rev-list", "--count", "--all")
	cmd.Dir = target
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("rev-list: %v", err)
	}
	if got := string(out); got != "10\n" {
		t.Errorf("rev-list --count --all = %q, want 10", got)
	}
}

func TestRestore_RefusesNonEmptyTargetWithoutOverwrite(t *testing.T) {
	be, re, _ := newHarness(t)
	repoDir := initRepo(t, 3)
	source := config.GitSource{AbsolutePath: repoDir, RepoKey: "proj/a"}
	if rec := be.Run(context.Background(), source); rec.Outcome != runlog.OutcomeFull {
		t.Fatalf("bundle run = %v", rec.Outcome)
	}

	target := t.TempDir()
	if err := os.WriteFile(filepath.Join(target, "existing.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := re.Restore(context.Background(), "proj/a", target, Options{})
	if err == nil {
		t.Fatal("expected a target-conflict error for a non-empty target")
	}
}

func TestRestore_CorruptedArtifactFailsIntegrity(t *testing.T) {
	be, re, root := newHarness(t)
	repoDir := initRepo(t, 5)
	source := config.GitSource{AbsolutePath: repoDir, RepoKey: "proj/a"}
	if rec := be.Run(context.Background(), source); rec.Outcome != runlog.OutcomeFull {
		t.Fatalf("bundle run = %v", rec.Outcome)
	}

	bundlePath := filepath.Join(root, "proj/a", "full.bundle")
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)/2] ^= 0xFF
	if err := os.WriteFile(bundlePath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	target := t.TempDir()
	os.RemoveAll(target)
	_, err = re.Restore(context.Background(), "proj/a", target, Options{})
	if err == nil {
		t.Fatal("expected an integrity error for a corrupted bundle")
	}
}

func TestRestore_ManifestMissingSurfacesError(t *testing.T) {
	_, re, _ := newHarness(t)
	_, err := re.Restore(context.Background(), "does/not-exist", t.TempDir(), Options{})
	if err == nil {
		t.Fatal("expected an error when no manifest exists and the remote has nothing either")
	}
}
