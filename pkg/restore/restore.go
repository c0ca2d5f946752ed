// Package restore implements the restore engine (spec §4.6 C6):
// rebuilding a git repository or directory from its manifest and
// artifacts, locally or after pulling them from the remote.
package restore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudsync/cloudsync/internal/cloudsyncerr"
	"github.com/cloudsync/cloudsync/internal/gitcmd"
	"github.com/cloudsync/cloudsync/pkg/archive"
	"github.com/cloudsync/cloudsync/pkg/criticalfiles"
	"github.com/cloudsync/cloudsync/pkg/manifest"
	"github.com/cloudsync/cloudsync/pkg/transport"
)

// Options controls restore behavior (spec §4.6 "Restore(sourceKey,
// target, options)").
type Options struct {
	AllowOverwrite bool
	Root           string // caller-supplied root for archive restore; defaults to $HOME
}

// Result summarizes a completed restore.
type Result struct {
	SourceKey    string
	ArchiveType  manifest.ArchiveType
	Target       string
	BundlesUsed  int
	FilesWritten int
}

// Engine dispatches restores for both git and non-git sources.
type Engine struct {
	Manifests *manifest.Store
	Transport transport.Agent
	Executor  *gitcmd.Executor
}

// Restore locates sourceKey's manifest (pulling the remote bundle
// directory into the store's own bundle directory for sourceKey first if
// it isn't present locally; no separate scratch area is used) and
// dispatches on ArchiveType (spec §4.6 steps 1-2).
func (e *Engine) Restore(ctx context.Context, sourceKey, target string, opts Options) (Result, error) {
	if !e.Manifests.Exists(sourceKey) {
		if _, err := e.Transport.Pull(ctx, sourceKey, e.Manifests.BundleDirFor(sourceKey)); err != nil {
			return Result{}, cloudsyncerr.WrapWithMessage(err, "pull manifest from remote")
		}
	}

	m, err := e.Manifests.Load(ctx, sourceKey)
	if err != nil {
		return Result{}, err
	}
	bundleDir := e.Manifests.BundleDirFor(sourceKey)

	switch m.ArchiveType {
	case manifest.ArchiveTypeGitRepository:
		return e.restoreGit(ctx, sourceKey, m, bundleDir, target, opts)
	case manifest.ArchiveTypeNonGitDir:
		return e.restoreArchive(ctx, sourceKey, m, bundleDir, target, opts)
	default:
		return Result{}, fmt.Errorf("unknown archive type %q", m.ArchiveType)
	}
}

func (e *Engine) restoreGit(ctx context.Context, sourceKey string, m *manifest.Manifest, bundleDir, target string, opts Options) (Result, error) {
	if len(m.Bundles) == 0 {
		return Result{}, cloudsyncerr.Wrap(fmt.Errorf("source %s has no bundles", sourceKey), cloudsyncerr.ErrArtifactMissing)
	}
	full := m.Bundles[0]
	if full.Kind != manifest.BundleKindFull {
		return Result{}, fmt.Errorf("first bundle record for %s is not a full bundle", sourceKey)
	}
	fullPath := filepath.Join(bundleDir, full.Filename)
	if err := verifyArtifact(fullPath, full.Checksum); err != nil {
		return Result{}, err
	}
	if err := e.Executor.BundleVerify(ctx, bundleDir, fullPath); err != nil {
		return Result{}, cloudsyncerr.Wrap(err, cloudsyncerr.ErrVerifyFailure)
	}

	if entries, err := os.ReadDir(target); err == nil && len(entries) > 0 {
		if !opts.AllowOverwrite {
			return Result{}, cloudsyncerr.Wrap(fmt.Errorf("target %s is non-empty", target), cloudsyncerr.ErrTargetConflict)
		}
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return Result{}, fmt.Errorf("create target %s: %w", target, err)
	}

	if err := e.Executor.CloneFromBundle(ctx, fullPath, target); err != nil {
		return Result{}, cloudsyncerr.Wrap(err, cloudsyncerr.ErrIntegrityFailure)
	}

	for _, rec := range m.Bundles[1:] {
		if rec.Kind != manifest.BundleKindIncremental {
			continue
		}
		incPath := filepath.Join(bundleDir, rec.Filename)
		if err := verifyArtifact(incPath, rec.Checksum); err != nil {
			return Result{}, err
		}
		if err := e.Executor.BundleVerify(ctx, target, incPath); err != nil {
			return Result{}, cloudsyncerr.Wrap(err, cloudsyncerr.ErrVerifyFailure)
		}
		if err := e.Executor.FetchBundleInto(ctx, target, incPath); err != nil {
			return Result{}, cloudsyncerr.Wrap(err, cloudsyncerr.ErrIntegrityFailure)
		}
	}

	branch := primaryBranch(ctx, e.Executor, target)
	if branch != "" {
		if err := e.Executor.Checkout(ctx, target, branch); err != nil {
			return Result{}, cloudsyncerr.WrapWithMessage(err, "checkout "+branch)
		}
	}

	criticalTar := filepath.Join(bundleDir, "critical-ignored.tar.gz")
	if _, err := os.Stat(criticalTar); err == nil {
		if err := criticalfiles.Extract(criticalTar, target); err != nil {
			return Result{}, fmt.Errorf("extract critical files: %w", err)
		}
	}

	for _, rec := range m.Bundles {
		if err := verifyArtifact(filepath.Join(bundleDir, rec.Filename), rec.Checksum); err != nil {
			return Result{}, err
		}
	}

	return Result{
		SourceKey:   sourceKey,
		ArchiveType: manifest.ArchiveTypeGitRepository,
		Target:      target,
		BundlesUsed: len(m.Bundles),
	}, nil
}

// primaryBranch picks the branch to check out after cloning (spec §4.6
// step 5): main if it exists, else master. The manifest records no
// default branch, so there is no third choice. An empty result means the
// clone's own default checkout — whatever HEAD the bundle recorded — is
// left as-is.
func primaryBranch(ctx context.Context, ex *gitcmd.Executor, target string) string {
	for _, candidate := range []string{"main", "master"} {
		if ex.BranchExists(ctx, target, candidate) {
			return candidate
		}
	}
	return ""
}

func (e *Engine) restoreArchive(ctx context.Context, sourceKey string, m *manifest.Manifest, bundleDir, target string, opts Options) (Result, error) {
	root := opts.Root
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Result{}, fmt.Errorf("resolve home directory: %w", err)
		}
		root = home
	}
	if target != "" {
		root = target
	}

	byName := make(map[string]manifest.BundleRecord, len(m.Bundles))
	for _, b := range m.Bundles {
		byName[b.Filename] = b
	}

	filesWritten := 0
	for _, filename := range m.RestoreInstructions.Order {
		rec, ok := byName[filename]
		if !ok {
			return Result{}, cloudsyncerr.Wrap(fmt.Errorf("manifest references unknown artifact %s", filename), cloudsyncerr.ErrArtifactMissing)
		}
		path := filepath.Join(bundleDir, filename)
		if err := verifyArtifact(path, rec.Checksum); err != nil {
			return Result{}, err
		}
		if err := archive.Extract(path, root); err != nil {
			return Result{}, cloudsyncerr.WrapWithMessage(err, "extract "+filename)
		}
		filesWritten += rec.FilesCount
	}

	return Result{
		SourceKey:    sourceKey,
		ArchiveType:  manifest.ArchiveTypeNonGitDir,
		Target:       root,
		BundlesUsed:  len(m.RestoreInstructions.Order),
		FilesWritten: filesWritten,
	}, nil
}

// verifyArtifact recomputes an artifact's checksum and compares it
// against the manifest-recorded value (spec §4.6 step 7, §7
// IntegrityFailure).
func verifyArtifact(path, wantChecksum string) error {
	if _, err := os.Stat(path); err != nil {
		return cloudsyncerr.Wrap(fmt.Errorf("artifact %s: %w", path, err), cloudsyncerr.ErrArtifactMissing)
	}
	got, err := sha256File(path)
	if err != nil {
		return fmt.Errorf("checksum %s: %w", path, err)
	}
	want := strings.TrimPrefix(wantChecksum, "sha256:")
	if got != want {
		return cloudsyncerr.Wrap(fmt.Errorf("artifact %s checksum mismatch", path), cloudsyncerr.ErrIntegrityFailure)
	}
	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
