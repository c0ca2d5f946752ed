package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloudsync/cloudsync/pkg/config"
	"github.com/cloudsync/cloudsync/pkg/manifest"
	"github.com/cloudsync/cloudsync/pkg/runlog"
	"github.com/cloudsync/cloudsync/pkg/transport"
)

func newTestEngine(t *testing.T) (*Engine, string) {
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
	cfg := config.Default()
	cfg.Consolidation.MaxIncrementals = 3
	return &Engine{
		Manifests: store,
		Transport: agent,
		Config:    cfg,
		RunLog:    log,
		Hostname:  "test-host",
	}, root
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRun_FreshDir_CreatesFullArchive(t *testing.T) {
	e, root := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	writeFile(t, dir, "b.txt", "world")
	source := config.NonGitSource{AbsolutePath: dir, Category: "docs"}

	rec := e.Run(context.Background(), source)
	if rec.Outcome != runlog.OutcomeFull {
		t.Fatalf("outcome = %v, want full; detail=%s", rec.Outcome, rec.ErrorDetail)
	}

	key := sourceKey(source)
	m, err := e.Manifests.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load manifest: %v", err)
	}
	if len(m.Bundles) != 1 || m.Bundles[0].Kind != manifest.BundleKindFull {
		t.Errorf("Bundles = %+v", m.Bundles)
	}
	if m.Bundles[0].FilesCount != 2 {
		t.Errorf("FilesCount = %d, want 2", m.Bundles[0].FilesCount)
	}

	entries, err := os.ReadDir(e.Manifests.BundleDirFor(key))
	if err != nil {
		t.Fatalf("ReadDir %s: %v", root, err)
	}
	foundArchive := false
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".zst" {
			foundArchive = true
		}
	}
	if !foundArchive {
		t.Error("expected a .tar.zst artifact on disk")
	}
}

func TestRun_Idempotent_SecondRunSkips(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	source := config.NonGitSource{AbsolutePath: dir}

	first := e.Run(context.Background(), source)
	if first.Outcome != runlog.OutcomeFull {
		t.Fatalf("first outcome = %v, detail=%s", first.Outcome, first.ErrorDetail)
	}

	second := e.Run(context.Background(), source)
	if second.Outcome != runlog.OutcomeSkippedNoChange {
		t.Fatalf("second outcome = %v, want skipped-no-change; detail=%s", second.Outcome, second.ErrorDetail)
	}
}

func TestRun_IncrementalChain(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Config.SizeThresholds.SmallMiB = 0 // force incremental branch
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	source := config.NonGitSource{AbsolutePath: dir}

	if rec := e.Run(context.Background(), source); rec.Outcome != runlog.OutcomeFull {
		t.Fatalf("initial run = %v (%s)", rec.Outcome, rec.ErrorDetail)
	}

	time.Sleep(10 * time.Millisecond)
	writeFile(t, dir, "b.txt", "new file")

	rec := e.Run(context.Background(), source)
	if rec.Outcome != runlog.OutcomeIncremental {
		t.Fatalf("outcome = %v, want incremental; detail=%s", rec.Outcome, rec.ErrorDetail)
	}

	key := sourceKey(source)
	m, err := e.Manifests.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.IncrementalCount != 1 {
		t.Errorf("IncrementalCount = %d, want 1", m.IncrementalCount)
	}
	if len(m.Bundles) != 2 || m.Bundles[1].Kind != manifest.BundleKindIncremental {
		t.Errorf("Bundles = %+v", m.Bundles)
	}
	if m.Bundles[1].FilesCount != 1 {
		t.Errorf("incremental FilesCount = %d, want 1 (only the new file)", m.Bundles[1].FilesCount)
	}
}

func TestRun_Consolidation(t *testing.T) {
	e, root := newTestEngine(t)
	e.Config.SizeThresholds.SmallMiB = 0
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	source := config.NonGitSource{AbsolutePath: dir}

	if rec := e.Run(context.Background(), source); rec.Outcome != runlog.OutcomeFull {
		t.Fatalf("initial run = %v (%s)", rec.Outcome, rec.ErrorDetail)
	}

	for i := 0; i < e.Config.Consolidation.MaxIncrementals+1; i++ {
		time.Sleep(10 * time.Millisecond)
		writeFile(t, dir, fmt.Sprintf("extra-%d.txt", i), "change")
		rec := e.Run(context.Background(), source)
		if rec.Outcome == runlog.OutcomeFailed {
			t.Fatalf("run %d failed: %s", i, rec.ErrorDetail)
		}
	}

	key := sourceKey(source)
	m, err := e.Manifests.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.IncrementalCount != 0 {
		t.Errorf("IncrementalCount = %d, want 0 after consolidation", m.IncrementalCount)
	}
	if len(m.ArchivedChains) != 1 {
		t.Errorf("ArchivedChains = %+v, want 1 entry", m.ArchivedChains)
	}

	entries, err := os.ReadDir(e.Manifests.BundleDirFor(key))
	if err != nil {
		t.Fatalf("ReadDir %s: %v", root, err)
	}
	foundArchiveDir := false
	for _, entry := range entries {
		if entry.IsDir() && len(entry.Name()) > len("archive-") && entry.Name()[:8] == "archive-" {
			foundArchiveDir = true
		}
	}
	if !foundArchiveDir {
		t.Error("expected an archive-<ts> directory after consolidation")
	}
}

func TestFingerprintDir_SkipsEscapingSymlinkWithWarning(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	if err := os.Symlink(outside, filepath.Join(dir, "escape")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	entries, _, warnings, err := fingerprintDir(dir, false)
	if err != nil {
		t.Fatalf("fingerprintDir: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected one warning for the escaping symlink, got %v", warnings)
	}
	if !strings.Contains(warnings[0], "escape") {
		t.Errorf("warning %q doesn't mention the offending entry", warnings[0])
	}
	if len(entries) != 1 || entries[0].RelPath != "a.txt" {
		t.Errorf("expected the rest of the tree to still be fingerprinted, got %v", entries)
	}
}

func TestFingerprintDir_StableForUnchangedDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	writeFile(t, dir, "b.txt", "world")

	_, fp1, _, err := fingerprintDir(dir, false)
	if err != nil {
		t.Fatalf("fingerprintDir: %v", err)
	}
	_, fp2, _, err := fingerprintDir(dir, false)
	if err != nil {
		t.Fatalf("fingerprintDir: %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("fingerprint changed across two reads of the same tree: %s != %s", fp1, fp2)
	}
}

func TestFingerprintDir_FastAndDefaultDisagreeButAreEachStable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")

	_, sha, _, err := fingerprintDir(dir, false)
	if err != nil {
		t.Fatalf("fingerprintDir: %v", err)
	}
	_, fast, _, err := fingerprintDir(dir, true)
	if err != nil {
		t.Fatalf("fingerprintDir: %v", err)
	}
	if sha == fast {
		t.Error("expected the SHA-256 and BLAKE2b fingerprints to differ")
	}

	_, fast2, _, err := fingerprintDir(dir, true)
	if err != nil {
		t.Fatalf("fingerprintDir: %v", err)
	}
	if fast != fast2 {
		t.Errorf("fast fingerprint changed across two reads of the same tree: %s != %s", fast, fast2)
	}
}

func TestClassifyDecision_SmallAlwaysFull(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	source := config.NonGitSource{AbsolutePath: dir}

	m := manifest.NewManifest(dir, "h", manifest.ArchiveTypeNonGitDir, time.Now().UTC())
	m.AppendFull(manifest.BundleRecord{Kind: manifest.BundleKindFull, Filename: "x"}, time.Now().UTC())

	got, err := e.decide(m, source)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if got != decisionFull {
		t.Errorf("decide() = %v, want decisionFull for a small directory", got)
	}
}
