// Package bundle implements the git bundle engine (spec §4.3 C3):
// decides full vs. incremental, produces .bundle artifacts, tags the
// last-bundled commit, and drives consolidation.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cloudsync/cloudsync/internal/cloudsyncerr"
	"github.com/cloudsync/cloudsync/internal/gitcmd"
	"github.com/cloudsync/cloudsync/pkg/config"
	"github.com/cloudsync/cloudsync/pkg/criticalfiles"
	"github.com/cloudsync/cloudsync/pkg/manifest"
	"github.com/cloudsync/cloudsync/pkg/runlog"
	"github.com/cloudsync/cloudsync/pkg/transport"
)

// lastBundleTag pins the commit known to be archived, independent of
// the manifest (spec §4.3 step 1).
const lastBundleTag = "last-bundle-sync"

// SizeCategory classifies a source by byte size (spec §3.1).
type SizeCategory string

const (
	SizeSmall  SizeCategory = "small"
	SizeMedium SizeCategory = "medium"
	SizeLarge  SizeCategory = "large"
)

// ClassifySize buckets byteSize using cfg's thresholds. A repo exactly
// at smallMiB is "non-small" (spec §8 boundary behavior: first-match
// wins and the small branch requires strictly-less).
func ClassifySize(byteSize int64, thresholds config.SizeThresholds) SizeCategory {
	smallBytes := thresholds.SmallMiB * 1024 * 1024
	mediumBytes := thresholds.MediumMiB * 1024 * 1024
	switch {
	case byteSize < smallBytes:
		return SizeSmall
	case byteSize < mediumBytes:
		return SizeMedium
	default:
		return SizeLarge
	}
}

// Engine runs the git bundle decision procedure and artifact creation
// for one repository at a time (spec §4.3 "Public contract: RunOnce").
type Engine struct {
	Executor  *gitcmd.Executor
	Manifests *manifest.Store
	Transport transport.Agent
	Config    config.Config
	RunLog    *runlog.Log
	Hostname  string
}

// Run executes the decision procedure for repo and returns the
// RunRecord that must be emitted to the Notifier.
func (e *Engine) Run(ctx context.Context, repo config.GitSource) runlog.Record {
	start := time.Now()
	rec, bytesProduced, err := e.runOnce(ctx, repo)
	duration := time.Since(start)

	result := runlog.Record{
		Timestamp:     start.UTC(),
		SourceKey:     repo.RepoKey,
		Outcome:       rec,
		Duration:      duration,
		BytesProduced: bytesProduced,
	}
	if err != nil {
		result.Outcome = runlog.OutcomeFailed
		result.ErrorDetail = err.Error()
	}
	if e.RunLog != nil {
		_ = e.RunLog.Append(result)
	}
	return result
}

func (e *Engine) runOnce(ctx context.Context, repo config.GitSource) (runlog.Outcome, int64, error) {
	if _, err := os.Stat(repo.AbsolutePath); err != nil {
		return runlog.OutcomeFailed, 0, cloudsyncerr.Wrap(fmt.Errorf("source %s: %w", repo.AbsolutePath, err), cloudsyncerr.ErrSourceMissing)
	}

	if !e.Executor.HasCommits(ctx, repo.AbsolutePath) {
		return runlog.OutcomeEmptySource, 0, nil
	}

	bundleDir := e.Manifests.BundleDirFor(repo.RepoKey)
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return runlog.OutcomeFailed, 0, fmt.Errorf("create bundle dir: %w", err)
	}

	existing, err := e.Manifests.Load(ctx, repo.RepoKey)
	if err != nil && !cloudsyncerr.Is(err, cloudsyncerr.ErrManifestMissing) {
		return runlog.OutcomeFailed, 0, err
	}

	head, err := e.Executor.HeadCommit(ctx, repo.AbsolutePath)
	if err != nil {
		return runlog.OutcomeFailed, 0, cloudsyncerr.Wrap(err, cloudsyncerr.ErrBundleCreateFailed)
	}

	decision, err := e.decide(ctx, existing, repo, head)
	if err != nil {
		return runlog.OutcomeFailed, 0, err
	}

	switch decision {
	case decisionSkip:
		return runlog.OutcomeSkippedNoChange, 0, nil
	case decisionConsolidate:
		bytes, err := e.createFull(ctx, repo, bundleDir, head, true)
		if err != nil {
			return runlog.OutcomeFailed, 0, err
		}
		return runlog.OutcomeConsolidated, bytes, nil
	case decisionFull:
		bytes, err := e.createFull(ctx, repo, bundleDir, head, false)
		if err != nil {
			return runlog.OutcomeFailed, 0, err
		}
		return runlog.OutcomeFull, bytes, nil
	case decisionIncremental:
		bytes, err := e.createIncremental(ctx, repo, bundleDir, head, *existing.LastBundleCommit)
		if err != nil {
			return runlog.OutcomeFailed, 0, err
		}
		return runlog.OutcomeIncremental, bytes, nil
	default:
		return runlog.OutcomeFailed, 0, fmt.Errorf("unreachable decision %v", decision)
	}
}

type decision int

const (
	decisionFull decision = iota
	decisionIncremental
	decisionSkip
	decisionConsolidate
)

// decide implements the five-step, first-match-wins procedure of spec
// §4.3, except that the no-change check runs before the small-repo rule:
// an unchanged repository is skipped whatever its size.
func (e *Engine) decide(ctx context.Context, m *manifest.Manifest, repo config.GitSource, head string) (decision, error) {
	if m == nil || len(m.Bundles) == 0 {
		return decisionFull, nil
	}

	if shouldConsolidate(m, e.Config.Consolidation) {
		return decisionConsolidate, nil
	}

	known := ""
	if m.LastBundleCommit != nil {
		known = *m.LastBundleCommit
	}
	if head == known {
		hasNew, err := e.Executor.HasNewCommits(ctx, repo.AbsolutePath, known)
		if err != nil {
			return 0, cloudsyncerr.Wrap(err, cloudsyncerr.ErrBundleCreateFailed)
		}
		if !hasNew {
			return decisionSkip, nil
		}
	}

	dirSize, err := dirByteSize(repo.AbsolutePath)
	if err != nil {
		return 0, fmt.Errorf("measure repo size: %w", err)
	}
	if ClassifySize(dirSize, e.Config.SizeThresholds) == SizeSmall {
		return decisionFull, nil
	}

	return decisionIncremental, nil
}

func shouldConsolidate(m *manifest.Manifest, cfg config.Consolidation) bool {
	if m.IncrementalCount >= cfg.MaxIncrementals {
		return true
	}
	if m.LastFullAt != nil {
		age := time.Since(*m.LastFullAt)
		if age >= time.Duration(cfg.AgeDays)*24*time.Hour {
			return true
		}
	}
	return false
}

func (e *Engine) createFull(ctx context.Context, repo config.GitSource, bundleDir, head string, consolidating bool) (int64, error) {
	finalPath := filepath.Join(bundleDir, "full.bundle")

	// Always write to a scratch name first and rename into place only
	// once the bundle is known-good: full.bundle overwrites via atomic
	// replace (spec §4.3), so a crash mid-write must never leave a
	// truncated file where the previously-good full.bundle was.
	writePath := finalPath + ".new"

	if err := e.Executor.BundleCreateFull(ctx, repo.AbsolutePath, writePath); err != nil {
		return 0, cloudsyncerr.Wrap(err, cloudsyncerr.ErrBundleCreateFailed)
	}
	if err := e.Executor.TagMark(ctx, repo.AbsolutePath, lastBundleTag); err != nil {
		os.Remove(writePath)
		return 0, cloudsyncerr.Wrap(err, cloudsyncerr.ErrBundleCreateFailed)
	}

	now := time.Now().UTC()
	var rec manifest.BundleRecord
	err := e.Manifests.Mutate(ctx, repo.RepoKey, func(existing *manifest.Manifest) (*manifest.Manifest, error) {
		m := existing
		if m == nil {
			m = manifest.NewManifest(repo.AbsolutePath, e.Hostname, manifest.ArchiveTypeGitRepository, now)
		}
		if consolidating && len(m.Bundles) > 0 {
			archiveDir := fmt.Sprintf("archive-%s", now.Format("20060102-150405"))
			if err := moveSupersededArtifacts(bundleDir, archiveDir, m.Bundles); err != nil {
				return nil, err
			}
			if err := os.Rename(writePath, finalPath); err != nil {
				return nil, fmt.Errorf("promote consolidated full bundle: %w", err)
			}
			builtRec, err := buildRecord(manifest.BundleKindFull, "full.bundle", finalPath, head, nil, nil)
			if err != nil {
				return nil, err
			}
			rec = builtRec
			m.Consolidate(rec, archiveDir, now)
		} else {
			if err := os.Rename(writePath, finalPath); err != nil {
				return nil, fmt.Errorf("promote full bundle: %w", err)
			}
			builtRec, err := buildRecord(manifest.BundleKindFull, "full.bundle", finalPath, head, nil, nil)
			if err != nil {
				return nil, err
			}
			rec = builtRec
			m.AppendFull(rec, now)
		}
		return m, nil
	})
	if err != nil {
		return 0, err
	}

	if err := e.syncCriticalFiles(ctx, repo, bundleDir); err != nil {
		return 0, err
	}
	if _, err := e.Transport.Sync(ctx, bundleDir, repo.RepoKey); err != nil {
		return rec.SizeBytes, cloudsyncerr.WrapWithMessage(err, "transport sync after full bundle")
	}
	return rec.SizeBytes, nil
}

func (e *Engine) createIncremental(ctx context.Context, repo config.GitSource, bundleDir, head, since string) (int64, error) {
	filename := fmt.Sprintf("incremental-%s.bundle", time.Now().UTC().Format("20060102-150405"))
	bundlePath := filepath.Join(bundleDir, filename)
	bundlePath = uniqueBundlePath(bundlePath)
	filename = filepath.Base(bundlePath)

	if err := e.Executor.BundleCreateIncremental(ctx, repo.AbsolutePath, bundlePath, since); err != nil {
		return 0, cloudsyncerr.Wrap(err, cloudsyncerr.ErrBundleCreateFailed)
	}
	if err := e.Executor.TagMark(ctx, repo.AbsolutePath, lastBundleTag); err != nil {
		return 0, cloudsyncerr.Wrap(err, cloudsyncerr.ErrBundleCreateFailed)
	}

	commitRange := since + "..HEAD"
	rec, err := buildRecord(manifest.BundleKindIncremental, filename, bundlePath, head, nil, &commitRange)
	if err != nil {
		return 0, err
	}

	err = e.Manifests.Mutate(ctx, repo.RepoKey, func(existing *manifest.Manifest) (*manifest.Manifest, error) {
		if existing == nil {
			return nil, fmt.Errorf("manifest disappeared before incremental persist")
		}
		existing.AppendIncremental(rec, time.Now().UTC())
		return existing, nil
	})
	if err != nil {
		return 0, err
	}

	if err := e.syncCriticalFiles(ctx, repo, bundleDir); err != nil {
		return 0, err
	}
	if _, err := e.Transport.Sync(ctx, bundleDir, repo.RepoKey); err != nil {
		return rec.SizeBytes, cloudsyncerr.WrapWithMessage(err, "transport sync after incremental bundle")
	}
	return rec.SizeBytes, nil
}

func (e *Engine) syncCriticalFiles(ctx context.Context, repo config.GitSource, bundleDir string) error {
	matcher, err := criticalfiles.NewMatcher(repo.AbsolutePath, e.Config.CriticalFiles.Allow, e.Config.CriticalFiles.Deny)
	if err != nil {
		return fmt.Errorf("build critical-file matcher: %w", err)
	}
	found, err := criticalfiles.Discover(ctx, e.Executor, repo.AbsolutePath, matcher)
	if err != nil {
		return fmt.Errorf("discover critical files: %w", err)
	}
	tarPath := filepath.Join(bundleDir, "critical-ignored.tar.gz")
	listPath := filepath.Join(bundleDir, "critical-ignored.list")
	return criticalfiles.Pack(repo.AbsolutePath, found, tarPath, listPath)
}

func buildRecord(kind manifest.BundleKind, filename, bundlePath, head string, parent, commitRange *string) (manifest.BundleRecord, error) {
	info, err := os.Stat(bundlePath)
	if err != nil {
		return manifest.BundleRecord{}, fmt.Errorf("stat %s: %w", bundlePath, err)
	}
	checksum, err := sha256File(bundlePath)
	if err != nil {
		return manifest.BundleRecord{}, err
	}
	return manifest.BundleRecord{
		Kind:        kind,
		Filename:    filename,
		CreatedAt:   time.Now().UTC(),
		SizeBytes:   info.Size(),
		Checksum:    "sha256:" + checksum,
		Commit:      head,
		ParentFile:  parent,
		CommitRange: commitRange,
	}, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for checksum: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// uniqueBundlePath appends a zero-padded sequence suffix if path
// already exists, resolving same-second incremental filename
// collisions (spec B.7 Open Question: "mandates monotonic uniqueness").
func uniqueBundlePath(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path
	}
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	for seq := 1; ; seq++ {
		candidate := fmt.Sprintf("%s-%02d%s", base, seq, ext)
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
	}
}

func moveSupersededArtifacts(bundleDir, archiveDir string, bundles []manifest.BundleRecord) error {
	dest := filepath.Join(bundleDir, archiveDir)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create archive-aside dir: %w", err)
	}
	for _, b := range bundles {
		src := filepath.Join(bundleDir, b.Filename)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, filepath.Join(dest, b.Filename)); err != nil {
			return fmt.Errorf("move %s aside: %w", b.Filename, err)
		}
	}
	return nil
}

// dirByteSize sums the repository's on-disk size, including .git — for
// a source classified by SizeCategory, the history stored under .git
// dominates the bundle cost the classification is meant to predict.
func dirByteSize(path string) (int64, error) {
	var total int64
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
