// Package monitor builds a read-only health snapshot on demand from
// the manifest store, the run log, and the supervisor's last recorded
// heartbeat (spec §4.8 C9). No transport result is read. Nothing here
// schedules work; it only reports.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cloudsync/cloudsync/pkg/config"
	"github.com/cloudsync/cloudsync/pkg/manifest"
	"github.com/cloudsync/cloudsync/pkg/runlog"
)

// SourceStatus is one source's slice of the snapshot (spec §4.8 "per
// source" fields).
type SourceStatus struct {
	SourceKey          string
	Category           string
	ArchiveType        manifest.ArchiveType
	LastOutcome        runlog.Outcome
	LastOutcomeHuman   string
	LastRunAt          time.Time
	LastSuccessAt      time.Time
	IncrementalCount   int
	LastFullAge        time.Duration
	LastFullAgeHuman   string
	LastArtifactBytes  int64
	LastArtifactHuman  string
	CumulativeBytes    int64
	CumulativeHuman    string
}

// Snapshot is the full read-only view exposed to a CLI or UI (spec
// §4.8).
type Snapshot struct {
	TakenAt time.Time

	Sources []SourceStatus

	TotalSources      int
	SourcesWithErrors int
	TotalBytesStored  int64
	TotalBytesHuman   string
	NextScheduledRun  time.Time

	SupervisorRunning  bool
	LastHeartbeat      time.Time
	LastHeartbeatHuman string
}

// Heartbeat is how a running Supervisor reports liveness to Monitor;
// kept deliberately tiny so Supervisor doesn't need to import monitor.
type Heartbeat struct {
	Running bool
	At      time.Time
}

// Monitor builds Snapshots on demand. Heartbeat is updated from
// outside (the supervisor's run loop) via RecordHeartbeat; everything
// else is read fresh from disk on every Snapshot call.
type Monitor struct {
	Config    config.Config
	Manifests *manifest.Store
	RunLogPath string

	mu        sync.Mutex
	heartbeat Heartbeat
}

// RecordHeartbeat is called by the supervisor's run loop each tick.
func (m *Monitor) RecordHeartbeat(running bool, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeat = Heartbeat{Running: running, At: at}
}

func (m *Monitor) currentHeartbeat() Heartbeat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeat
}

// Snapshot builds a fresh Snapshot (spec §4.8: "built on demand").
func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	now := time.Now()
	hb := m.currentHeartbeat()

	records, err := runlog.Tail(m.RunLogPath, 10000)
	if err != nil {
		return Snapshot{}, err
	}
	latestBySource := latestRecordBySource(records)

	var sources []SourceStatus
	var errorsLast24h int
	var totalBytes int64

	for _, repo := range m.Config.GitSources {
		s, err := m.sourceStatus(ctx, repo.RepoKey, "git", now, latestBySource)
		if err != nil {
			continue
		}
		sources = append(sources, s)
		totalBytes += s.CumulativeBytes
		if hasRecentError(latestBySource[repo.RepoKey], now) {
			errorsLast24h++
		}
	}
	for _, dir := range m.Config.NonGitSources {
		s, err := m.sourceStatus(ctx, dir.AbsolutePath, dir.Category, now, latestBySource)
		if err != nil {
			continue
		}
		sources = append(sources, s)
		totalBytes += s.CumulativeBytes
		if hasRecentError(latestBySource[dir.AbsolutePath], now) {
			errorsLast24h++
		}
	}

	return Snapshot{
		TakenAt:            now,
		Sources:            sources,
		TotalSources:       len(sources),
		SourcesWithErrors:  errorsLast24h,
		TotalBytesStored:   totalBytes,
		TotalBytesHuman:    humanize.Bytes(uint64(totalBytes)),
		SupervisorRunning:  hb.Running,
		LastHeartbeat:      hb.At,
		LastHeartbeatHuman: humanizeTimeOrNever(hb.At, now),
	}, nil
}

func (m *Monitor) sourceStatus(ctx context.Context, key, category string, now time.Time, latest map[string]runlog.Record) (SourceStatus, error) {
	if !m.Manifests.Exists(key) {
		return SourceStatus{}, errNoManifest
	}
	man, err := m.Manifests.Load(ctx, key)
	if err != nil {
		return SourceStatus{}, err
	}

	var cumulative int64
	var lastArtifact int64
	for _, b := range man.Bundles {
		cumulative += b.SizeBytes
	}
	if last := man.LastBundle(); last != nil {
		lastArtifact = last.SizeBytes
	}

	var lastFullAge time.Duration
	if man.LastFullAt != nil {
		lastFullAge = now.Sub(*man.LastFullAt)
	}

	rec, hasRec := latest[key]
	status := SourceStatus{
		SourceKey:         key,
		Category:          category,
		ArchiveType:       man.ArchiveType,
		IncrementalCount:  man.IncrementalCount,
		LastFullAge:       lastFullAge,
		LastFullAgeHuman:  humanizeDurationOrNever(lastFullAge, man.LastFullAt),
		LastArtifactBytes: lastArtifact,
		LastArtifactHuman: humanize.Bytes(uint64(lastArtifact)),
		CumulativeBytes:   cumulative,
		CumulativeHuman:   humanize.Bytes(uint64(cumulative)),
		LastRunAt:         man.LastUpdatedAt,
	}
	if hasRec {
		status.LastOutcome = rec.Outcome
		status.LastOutcomeHuman = string(rec.Outcome)
		if rec.Outcome != runlog.OutcomeFailed && rec.Outcome != runlog.OutcomeCancelled {
			status.LastSuccessAt = rec.Timestamp
		}
	}
	return status, nil
}

func latestRecordBySource(records []runlog.Record) map[string]runlog.Record {
	out := make(map[string]runlog.Record, len(records))
	for _, rec := range records {
		existing, ok := out[rec.SourceKey]
		if !ok || rec.Timestamp.After(existing.Timestamp) {
			out[rec.SourceKey] = rec
		}
	}
	return out
}

func hasRecentError(rec runlog.Record, now time.Time) bool {
	return rec.Outcome == runlog.OutcomeFailed && now.Sub(rec.Timestamp) <= 24*time.Hour
}

func humanizeTimeOrNever(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func humanizeDurationOrNever(d time.Duration, at *time.Time) string {
	if at == nil {
		return "never"
	}
	return humanize.RelTime(time.Now().Add(-d), time.Now(), "ago", "from now")
}

// errNoManifest marks a source that hasn't run yet as absent from the
// snapshot rather than as an error.
var errNoManifest = &noManifestError{}

type noManifestError struct{}

func (*noManifestError) Error() string { return "no manifest for source yet" }
