package manifest

import (
	"fmt"

	"github.com/cloudsync/cloudsync/internal/cloudsyncerr"
)

// Validate checks the invariants spec §3.1/§8 require to hold at rest.
// A violation is reported as ManifestCorrupt: the store refuses to
// return an invalid in-memory copy to callers.
func Validate(m *Manifest) error {
	if m.SourcePath == "" {
		return corrupt("sourcePath must not be empty")
	}
	if m.ArchiveType != ArchiveTypeGitRepository && m.ArchiveType != ArchiveTypeNonGitDir {
		return corrupt(fmt.Sprintf("unknown archiveType %q", m.ArchiveType))
	}
	if len(m.Bundles) == 0 {
		return nil
	}

	if m.Bundles[0].Kind != BundleKindFull {
		return corrupt("bundles[0].kind must be full")
	}

	trailingIncrementals := 0
	for i, rec := range m.Bundles {
		if rec.Filename == "" {
			return corrupt(fmt.Sprintf("bundles[%d].filename must not be empty", i))
		}
		switch rec.Kind {
		case BundleKindFull:
			trailingIncrementals = 0
		case BundleKindIncremental:
			if i == 0 {
				return corrupt("bundles[0] must be full, not incremental")
			}
			if rec.ParentFile == nil || *rec.ParentFile != m.Bundles[i-1].Filename {
				return corrupt(fmt.Sprintf("bundles[%d].parentFilename must equal bundles[%d].filename", i, i-1))
			}
			trailingIncrementals++
		default:
			return corrupt(fmt.Sprintf("bundles[%d].kind %q is not a recognized BundleKind", i, rec.Kind))
		}
	}

	if m.IncrementalCount != trailingIncrementals {
		return corrupt(fmt.Sprintf("incrementalCount=%d does not match trailing incrementals=%d", m.IncrementalCount, trailingIncrementals))
	}

	if m.ArchiveType == ArchiveTypeGitRepository {
		last := m.Bundles[len(m.Bundles)-1]
		if m.LastBundleCommit == nil || *m.LastBundleCommit != last.Commit {
			return corrupt("lastBundleCommit must equal the last bundle's commit")
		}
	}

	return nil
}

func corrupt(detail string) error {
	return cloudsyncerr.Wrap(fmt.Errorf("%s", detail), cloudsyncerr.ErrManifestCorrupt)
}
