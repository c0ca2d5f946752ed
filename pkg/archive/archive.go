// Package archive implements the non-git archive engine (spec §4.4
// C4): detects directory changes by fingerprint and produces full or
// incremental compressed tar snapshots.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudsync/cloudsync/internal/cloudsyncerr"
	"github.com/cloudsync/cloudsync/pkg/config"
	"github.com/cloudsync/cloudsync/pkg/manifest"
	"github.com/cloudsync/cloudsync/pkg/runlog"
	"github.com/cloudsync/cloudsync/pkg/transport"
)

// snapshotFileName is the GNU-tar-style listed-incremental snapshot
// maintained inside the bundle area (spec §4.4).
const snapshotFileName = ".tar-snapshot"

// Engine runs the archive decision procedure and artifact creation for
// one non-git directory source at a time.
type Engine struct {
	Manifests *manifest.Store
	Transport transport.Agent
	Config    config.Config
	RunLog    *runlog.Log
	Hostname  string
}

// fileEntry is one line of a directory fingerprint (spec §4.4: "ordered
// list of (relative_path, size, mtime_ns)").
type fileEntry struct {
	RelPath string
	Size    int64
	ModNs   int64
}

// Run executes the decision procedure for dir and returns the RunRecord
// that must be emitted to the Notifier.
func (e *Engine) Run(ctx context.Context, dir config.NonGitSource) runlog.Record {
	start := time.Now()
	outcome, bytesProduced, warnings, err := e.runOnce(ctx, dir)
	result := runlog.Record{
		Timestamp:     start.UTC(),
		SourceKey:     sourceKey(dir),
		Outcome:       outcome,
		Duration:      time.Since(start),
		BytesProduced: bytesProduced,
		Warnings:      warnings,
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

func sourceKey(dir config.NonGitSource) string {
	return strings.TrimPrefix(filepath.ToSlash(dir.AbsolutePath), "/")
}

func (e *Engine) runOnce(ctx context.Context, dir config.NonGitSource) (runlog.Outcome, int64, []string, error) {
	if _, err := os.Stat(dir.AbsolutePath); err != nil {
		return runlog.OutcomeFailed, 0, nil, cloudsyncerr.Wrap(fmt.Errorf("source %s: %w", dir.AbsolutePath, err), cloudsyncerr.ErrSourceMissing)
	}

	key := sourceKey(dir)
	bundleDir := e.Manifests.BundleDirFor(key)
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return runlog.OutcomeFailed, 0, nil, fmt.Errorf("create bundle dir: %w", err)
	}

	existing, err := e.Manifests.Load(ctx, key)
	if err != nil && !cloudsyncerr.Is(err, cloudsyncerr.ErrManifestMissing) {
		return runlog.OutcomeFailed, 0, nil, err
	}

	entries, fingerprint, warnings, err := fingerprintDir(dir.AbsolutePath, dir.FastFingerprint)
	if err != nil {
		return runlog.OutcomeFailed, 0, nil, fmt.Errorf("fingerprint %s: %w", dir.AbsolutePath, err)
	}

	if existing != nil && existing.LastDirChecksum != nil && *existing.LastDirChecksum == fingerprint {
		return runlog.OutcomeSkippedNoChange, 0, warnings, nil
	}

	safeName := safeDirName(dir.AbsolutePath)
	compressor := dir.Compressor
	if compressor == "" {
		compressor = "zstd"
	}

	decision, err := e.decide(existing, dir)
	if err != nil {
		return runlog.OutcomeFailed, 0, warnings, err
	}

	switch decision {
	case decisionConsolidate:
		bytes, err := e.createFull(ctx, dir, bundleDir, safeName, compressor, entries, fingerprint, true)
		if err != nil {
			return runlog.OutcomeFailed, 0, warnings, err
		}
		return runlog.OutcomeConsolidated, bytes, warnings, nil
	case decisionFull:
		bytes, err := e.createFull(ctx, dir, bundleDir, safeName, compressor, entries, fingerprint, false)
		if err != nil {
			return runlog.OutcomeFailed, 0, warnings, err
		}
		return runlog.OutcomeFull, bytes, warnings, nil
	case decisionIncremental:
		bytes, err := e.createIncremental(ctx, dir, bundleDir, safeName, compressor, entries, fingerprint)
		if err != nil {
			return runlog.OutcomeFailed, 0, warnings, err
		}
		return runlog.OutcomeIncremental, bytes, warnings, nil
	default:
		return runlog.OutcomeFailed, 0, warnings, fmt.Errorf("unreachable decision %v", decision)
	}
}

type decision int

const (
	decisionFull decision = iota
	decisionIncremental
	decisionConsolidate
)

// decide implements spec §4.4's change-detection and branch-selection
// procedure (the fingerprint-equal / skip case has already been ruled
// out by the caller).
func (e *Engine) decide(m *manifest.Manifest, dir config.NonGitSource) (decision, error) {
	if m == nil || len(m.Bundles) == 0 {
		return decisionFull, nil
	}
	if shouldConsolidate(m, e.Config.Consolidation) {
		return decisionConsolidate, nil
	}
	size, err := dirByteSize(dir.AbsolutePath)
	if err != nil {
		return 0, err
	}
	smallThreshold := e.Config.SizeThresholds.SmallMiB * 1024 * 1024
	if size < smallThreshold {
		return decisionFull, nil
	}
	return decisionIncremental, nil
}

func shouldConsolidate(m *manifest.Manifest, cfg config.Consolidation) bool {
	if m.IncrementalCount >= cfg.MaxIncrementals {
		return true
	}
	if m.LastFullAt != nil && time.Since(*m.LastFullAt) >= time.Duration(cfg.AgeDays)*24*time.Hour {
		return true
	}
	return false
}

func (e *Engine) createFull(ctx context.Context, dir config.NonGitSource, bundleDir, safeName, compressor string, entries []fileEntry, fingerprint string, consolidating bool) (int64, error) {
	ts := time.Now().UTC().Format("20060102-150405")
	filename := fmt.Sprintf("%s-full-%s.tar.%s", safeName, ts, extFor(compressor))
	path := filepath.Join(bundleDir, filename)

	if err := writeTar(path, dir.AbsolutePath, entries, compressor); err != nil {
		return 0, cloudsyncerr.Wrap(err, cloudsyncerr.ErrBundleCreateFailed)
	}
	if err := writeSnapshot(filepath.Join(bundleDir, snapshotFileName), entries); err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}

	rec, err := buildRecord(manifest.BundleKindFull, filename, path, len(entries), nil)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	key := sourceKey(dir)
	err = e.Manifests.Mutate(ctx, key, func(existing *manifest.Manifest) (*manifest.Manifest, error) {
		m := existing
		if m == nil {
			m = manifest.NewManifest(dir.AbsolutePath, e.Hostname, manifest.ArchiveTypeNonGitDir, now)
		}
		if consolidating && len(m.Bundles) > 0 {
			archiveDir := fmt.Sprintf("archive-%s", ts)
			if err := moveSupersededArtifacts(bundleDir, archiveDir, m.Bundles); err != nil {
				return nil, err
			}
			m.Consolidate(rec, archiveDir, now)
		} else {
			m.AppendFull(rec, now)
		}
		cs := fingerprint
		m.LastDirChecksum = &cs
		return m, nil
	})
	if err != nil {
		return 0, err
	}

	if _, err := e.Transport.Sync(ctx, bundleDir, key); err != nil {
		return rec.SizeBytes, cloudsyncerr.WrapWithMessage(err, "transport sync after full archive")
	}
	return rec.SizeBytes, nil
}

func (e *Engine) createIncremental(ctx context.Context, dir config.NonGitSource, bundleDir, safeName, compressor string, entries []fileEntry, fingerprint string) (int64, error) {
	snapshotPath := filepath.Join(bundleDir, snapshotFileName)
	prevEntries, err := readSnapshot(snapshotPath)
	if err != nil {
		// A lost snapshot falls back to a full archive (spec §4.4 failure
		// semantics: "recoverable, not fatal").
		return e.createFull(ctx, dir, bundleDir, safeName, compressor, entries, fingerprint, false)
	}

	changed := diffEntries(prevEntries, entries)

	ts := time.Now().UTC().Format("20060102-150405")
	filename := fmt.Sprintf("%s-incremental-%s.tar.%s", safeName, ts, extFor(compressor))
	path := filepath.Join(bundleDir, filename)
	if err := writeTar(path, dir.AbsolutePath, changed, compressor); err != nil {
		return 0, cloudsyncerr.Wrap(err, cloudsyncerr.ErrBundleCreateFailed)
	}
	if err := writeSnapshot(snapshotPath, entries); err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}

	key := sourceKey(dir)
	m, err := e.Manifests.Load(ctx, key)
	if err != nil {
		return 0, err
	}
	parent := m.LastBundle().Filename
	rec, err := buildRecord(manifest.BundleKindIncremental, filename, path, len(changed), &parent)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	err = e.Manifests.Mutate(ctx, key, func(existing *manifest.Manifest) (*manifest.Manifest, error) {
		existing.AppendIncremental(rec, now)
		cs := fingerprint
		existing.LastDirChecksum = &cs
		return existing, nil
	})
	if err != nil {
		return 0, err
	}

	if _, err := e.Transport.Sync(ctx, bundleDir, key); err != nil {
		return rec.SizeBytes, cloudsyncerr.WrapWithMessage(err, "transport sync after incremental archive")
	}
	return rec.SizeBytes, nil
}

func buildRecord(kind manifest.BundleKind, filename, path string, filesCount int, parent *string) (manifest.BundleRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return manifest.BundleRecord{}, fmt.Errorf("stat %s: %w", path, err)
	}
	checksum, err := sha256File(path)
	if err != nil {
		return manifest.BundleRecord{}, err
	}
	return manifest.BundleRecord{
		Kind:       kind,
		Filename:   filename,
		CreatedAt:  time.Now().UTC(),
		SizeBytes:  info.Size(),
		Checksum:   "sha256:" + checksum,
		FilesCount: filesCount,
		ParentFile: parent,
	}, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	buf := make([]byte, 64*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr != nil {
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func moveSupersededArtifacts(bundleDir, archiveDir string, bundles []manifest.BundleRecord) error {
	dest := filepath.Join(bundleDir, archiveDir)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, b := range bundles {
		src := filepath.Join(bundleDir, b.Filename)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, filepath.Join(dest, b.Filename)); err != nil {
			return err
		}
	}
	return nil
}

func safeDirName(path string) string {
	base := filepath.Base(path)
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "dir"
	}
	return b.String()
}

func extFor(compressor string) string {
	switch compressor {
	case "gzip":
		return "gz"
	default:
		return "zst"
	}
}

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
