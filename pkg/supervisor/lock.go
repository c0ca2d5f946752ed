package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/cloudsync/cloudsync/internal/cloudsyncerr"
)

// InstanceLock is a cross-process mutex backed by an exclusive,
// non-blocking flock(2) on a PID-holding file (spec §4.5 "another
// instance holds the lock", exit code 7). No pack example repo wires a
// flock library (the only reference is a standalone other_examples
// file, not a complete pack repo), so this uses syscall.Flock directly
// rather than importing an unverified dependency — see DESIGN.md.
type InstanceLock struct {
	path string
	f    *os.File
}

// Acquire opens (creating if needed) the lock file at path and takes a
// non-blocking exclusive flock. On failure, it reads the holder's PID
// from the file and returns ErrConcurrencyConflict either way; the
// message says "stale pid" when that process no longer exists. Acquire
// never takes over a held lock.
func Acquire(path string) (*InstanceLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readHolderPID(f)
		f.Close()
		if holder != 0 && !processAlive(holder) {
			return nil, cloudsyncerr.Wrap(fmt.Errorf("lock %s held by stale pid %d", path, holder), cloudsyncerr.ErrConcurrencyConflict)
		}
		return nil, cloudsyncerr.Wrap(fmt.Errorf("lock %s held by pid %d", path, holder), cloudsyncerr.ErrConcurrencyConflict)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pid to lock file: %w", err)
	}

	return &InstanceLock{path: path, f: f}, nil
}

// Release drops the flock and closes the file. The PID-holding content
// is left in place; the next Acquire overwrites it once it owns the
// flock again.
func (l *InstanceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	if err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return l.f.Close()
}

func readHolderPID(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	return pid
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
