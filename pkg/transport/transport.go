// Package transport defines the capability-typed interface CloudSync
// uses to move bytes between the local bundle area and a remote (spec
// §4.1 C1): "a capability-typed surface, not a product." Engines never
// talk to a specific remote backend directly.
package transport

import (
	"context"
	"time"
)

// RemoteEntry describes one object as reported by List.
type RemoteEntry struct {
	Name  string
	Size  int64
	Mtime time.Time
}

// Result is the outcome of a transport operation.
type Result struct {
	BytesTransferred int64
	FilesTransferred int
	Duration         time.Duration
}

// Agent is the external subsystem that moves files between the local
// bundle area and the remote (spec §4.1, glossary "Transport agent").
// Guarantees required of any implementation: bytes written on success
// are byte-identical to source; partial failures leave the remote in a
// consistent prefix state so engines can tolerate re-runs; calls may
// suspend arbitrarily long and must honor ctx cancellation.
type Agent interface {
	// Sync makes remoteDir match localDir: additions, updates, deletions.
	Sync(ctx context.Context, localDir, remoteDir string) (Result, error)
	// Copy uploads a single file.
	Copy(ctx context.Context, localPath, remotePath string) (Result, error)
	// Pull mirrors remoteDir into local scratch at localDir.
	Pull(ctx context.Context, remoteDir, localDir string) (Result, error)
	// List enumerates entries directly under remoteDir.
	List(ctx context.Context, remoteDir string) ([]RemoteEntry, error)
	// Delete removes a single remote object.
	Delete(ctx context.Context, remotePath string) error
}
