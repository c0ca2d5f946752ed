package manifest

import (
	"testing"
	"time"
)

func TestAppendFull_ResetsIncrementalCount(t *testing.T) {
	now := time.Now().UTC()
	m := NewManifest("/repos/foo", "host1", ArchiveTypeGitRepository, now)
	m.IncrementalCount = 3

	m.AppendFull(BundleRecord{Filename: "full.bundle", Commit: "deadbeef"}, now)

	if m.IncrementalCount != 0 {
		t.Errorf("IncrementalCount = %d, want 0", m.IncrementalCount)
	}
	if m.LastBundleCommit == nil || *m.LastBundleCommit != "deadbeef" {
		t.Errorf("LastBundleCommit = %v, want deadbeef", m.LastBundleCommit)
	}
	if err := Validate(m); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestAppendIncremental_ChainsToParent(t *testing.T) {
	now := time.Now().UTC()
	m := NewManifest("/repos/foo", "host1", ArchiveTypeGitRepository, now)
	m.AppendFull(BundleRecord{Filename: "full.bundle", Commit: "c1"}, now)
	m.AppendIncremental(BundleRecord{Filename: "incremental-1.bundle", Commit: "c2"}, now)
	m.AppendIncremental(BundleRecord{Filename: "incremental-2.bundle", Commit: "c3"}, now)

	if m.IncrementalCount != 2 {
		t.Errorf("IncrementalCount = %d, want 2", m.IncrementalCount)
	}
	if *m.Bundles[1].ParentFile != "full.bundle" {
		t.Errorf("bundles[1].parentFilename = %q, want full.bundle", *m.Bundles[1].ParentFile)
	}
	if *m.Bundles[2].ParentFile != "incremental-1.bundle" {
		t.Errorf("bundles[2].parentFilename = %q", *m.Bundles[2].ParentFile)
	}
	if *m.LastBundleCommit != "c3" {
		t.Errorf("LastBundleCommit = %q, want c3", *m.LastBundleCommit)
	}
	if err := Validate(m); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestConsolidate_ArchivesChainAndResets(t *testing.T) {
	now := time.Now().UTC()
	m := NewManifest("/repos/foo", "host1", ArchiveTypeGitRepository, now)
	m.AppendFull(BundleRecord{Filename: "full.bundle", Commit: "c1"}, now)
	for i := 0; i < 3; i++ {
		m.AppendIncremental(BundleRecord{Filename: "incremental-n.bundle", Commit: "c2"}, now)
	}

	entry := m.Consolidate(BundleRecord{Filename: "full.bundle", Commit: "c5"}, "archive-20260101", now)

	if len(entry.Bundles) != 4 {
		t.Errorf("archived chain length = %d, want 4", len(entry.Bundles))
	}
	if len(m.Bundles) != 1 || m.Bundles[0].Kind != BundleKindFull {
		t.Errorf("expected single fresh full bundle after consolidation, got %+v", m.Bundles)
	}
	if m.IncrementalCount != 0 {
		t.Errorf("IncrementalCount = %d, want 0 after consolidation", m.IncrementalCount)
	}
	if len(m.ArchivedChains) != 1 {
		t.Errorf("expected 1 ArchivedChains entry, got %d", len(m.ArchivedChains))
	}
}

func TestValidate_RejectsMissingParentFilename(t *testing.T) {
	now := time.Now().UTC()
	m := NewManifest("/repos/foo", "host1", ArchiveTypeGitRepository, now)
	m.Bundles = []BundleRecord{
		{Kind: BundleKindFull, Filename: "full.bundle", Commit: "c1"},
		{Kind: BundleKindIncremental, Filename: "incremental-1.bundle", Commit: "c2"}, // missing ParentFile
	}
	m.IncrementalCount = 1
	commit := "c2"
	m.LastBundleCommit = &commit

	if err := Validate(m); err == nil {
		t.Error("expected Validate to reject a chain with a missing parentFilename")
	}
}

func TestValidate_RejectsLastBundleCommitMismatch(t *testing.T) {
	now := time.Now().UTC()
	m := NewManifest("/repos/foo", "host1", ArchiveTypeGitRepository, now)
	m.AppendFull(BundleRecord{Filename: "full.bundle", Commit: "c1"}, now)
	stale := "not-the-real-commit"
	m.LastBundleCommit = &stale

	if err := Validate(m); err == nil {
		t.Error("expected Validate to reject a stale lastBundleCommit")
	}
}

func TestValidate_EmptyBundlesIsValid(t *testing.T) {
	m := NewManifest("/repos/foo", "host1", ArchiveTypeGitRepository, time.Now().UTC())
	if err := Validate(m); err != nil {
		t.Errorf("a freshly created manifest with no bundles should be valid: %v", err)
	}
}
