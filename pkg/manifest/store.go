package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/cloudsync/cloudsync/internal/atomicfile"
	"github.com/cloudsync/cloudsync/internal/cloudsyncerr"
)

// fileName is the manifest's normative on-disk filename (spec §6.1).
const fileName = "bundle-manifest.json"

// Store locates, loads, validates, and atomically persists manifests
// under a root bundle directory, one manifest per source key (spec
// §4.2). It never merges concurrent writes: callers must serialize
// writes per source, and Store enforces that with a per-path lock.
type Store struct {
	root string

	locksMu sync.Mutex
	locks   map[string]*sourceLock
}

// sourceLock is a single-writer/multi-reader lock keyed by manifest
// path, split into read/write acquisition so readers observe a
// consistent snapshot without blocking each other.
type sourceLock struct {
	mu sync.RWMutex
}

// New creates a Store rooted at root (typically cfg.BundleRoot).
func New(root string) *Store {
	return &Store{
		root:  root,
		locks: make(map[string]*sourceLock),
	}
}

// PathFor returns the manifest file path for a source key.
func (s *Store) PathFor(sourceKey string) string {
	return filepath.Join(s.root, sourceKey, fileName)
}

// BundleDirFor returns the directory holding a source's artifacts.
func (s *Store) BundleDirFor(sourceKey string) string {
	return filepath.Join(s.root, sourceKey)
}

func (s *Store) lockFor(sourceKey string) *sourceLock {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[sourceKey]
	if !ok {
		l = &sourceLock{}
		s.locks[sourceKey] = l
	}
	return l
}

// Load reads and validates the manifest for sourceKey. A missing file
// returns ErrManifestMissing; a parse failure or invariant violation
// returns ErrManifestCorrupt.
func (s *Store) Load(ctx context.Context, sourceKey string) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := s.lockFor(sourceKey)
	lock.mu.RLock()
	defer lock.mu.RUnlock()

	return s.loadLocked(sourceKey)
}

func (s *Store) loadLocked(sourceKey string) (*Manifest, error) {
	path := s.PathFor(sourceKey)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cloudsyncerr.Wrap(fmt.Errorf("manifest not found at %s", path), cloudsyncerr.ErrManifestMissing)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, cloudsyncerr.Wrap(fmt.Errorf("parse manifest %s: %w", path, err), cloudsyncerr.ErrManifestCorrupt)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Mutate loads the manifest for sourceKey (nil if absent, as opposed to
// returning ErrManifestMissing — most callers create it on first run),
// passes it to fn under an exclusive writer lock, then persists the
// result atomically if fn returns without error. It is the only
// sanctioned way to change a Manifest on disk (spec §4.2, §3.2).
func (s *Store) Mutate(ctx context.Context, sourceKey string, fn func(existing *Manifest) (*Manifest, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.lockFor(sourceKey)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	existing, err := s.loadLocked(sourceKey)
	if err != nil && !cloudsyncerr.Is(err, cloudsyncerr.ErrManifestMissing) {
		return err
	}

	updated, err := fn(existing)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	if err := Validate(updated); err != nil {
		return err
	}
	if existing != nil && unchanged(existing, updated) {
		return nil
	}
	return s.persist(sourceKey, updated)
}

// unchanged reports whether fn left the manifest structurally
// identical to what was already on disk, so Mutate can skip the
// atomic-replace path for a no-op call (e.g. a decision procedure run
// that determines nothing needs syncing).
func unchanged(existing, updated *Manifest) bool {
	a, errA := hashstructure.Hash(existing, hashstructure.FormatV2, nil)
	b, errB := hashstructure.Hash(updated, hashstructure.FormatV2, nil)
	if errA != nil || errB != nil {
		return false
	}
	return a == b
}

func (s *Store) persist(sourceKey string, m *Manifest) error {
	path := s.PathFor(sourceKey)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := atomicfile.Write(path, data, 0o644); err != nil {
		return fmt.Errorf("persist manifest %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a manifest file currently exists for sourceKey,
// without taking any lock (best-effort; racy by design for a pre-check).
func (s *Store) Exists(sourceKey string) bool {
	_, err := os.Stat(s.PathFor(sourceKey))
	return err == nil
}

// WaitForLock blocks until a manifest write-lock is free or timeout
// elapses, surfacing ErrManifestLocked on timeout (spec §4.2). Not used
// by Mutate itself (which blocks unboundedly on the in-process mutex);
// it exists for callers that want to probe before committing to a run.
func (s *Store) WaitForLock(ctx context.Context, sourceKey string, timeout time.Duration) error {
	lock := s.lockFor(sourceKey)
	done := make(chan struct{})
	go func() {
		lock.mu.Lock()
		lock.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return cloudsyncerr.Wrap(fmt.Errorf("manifest lock for %s not acquired within %s", sourceKey, timeout), cloudsyncerr.ErrManifestLocked)
	case <-ctx.Done():
		return ctx.Err()
	}
}
