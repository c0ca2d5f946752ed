// Package cloudsyncerr defines the error taxonomy shared across CloudSync's
// engines (spec §7) and small wrap helpers used instead of ad-hoc
// fmt.Errorf chains when a caller needs to test for a specific kind.
package cloudsyncerr

import (
	"errors"
	"fmt"
)

// Sentinel errors identifying the taxonomy from spec §7. Engines compare
// against these with errors.Is rather than matching strings.
var (
	ErrConfig              = errors.New("config error")
	ErrSourceMissing       = errors.New("source missing")
	ErrManifestCorrupt     = errors.New("manifest corrupt")
	ErrManifestMissing     = errors.New("manifest missing")
	ErrManifestLocked      = errors.New("manifest locked")
	ErrBundleCreateFailed  = errors.New("bundle create failure")
	ErrTransportFailed     = errors.New("transport failure")
	ErrIntegrityFailure    = errors.New("integrity failure")
	ErrVerifyFailure       = errors.New("bundle verify failure")
	ErrTimeout             = errors.New("timeout")
	ErrCancelled           = errors.New("cancelled")
	ErrConcurrencyConflict = errors.New("another instance holds the lock")
	ErrTargetConflict      = errors.New("restore target conflict")
	ErrArtifactMissing     = errors.New("artifact missing")
)

// Wrap attaches target to err so that errors.Is(result, target) succeeds,
// without discarding err's own message. A nil err returns target unchanged;
// a nil target returns err unchanged.
func Wrap(err, target error) error {
	if err == nil {
		return target
	}
	if target == nil {
		return err
	}
	return &wrapped{msg: fmt.Sprintf("%v: %v", target, err), cause: err, target: target}
}

// WrapWithMessage prefixes err with message, preserving errors.Is/As against
// the original. A nil err returns nil.
func WrapWithMessage(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether err matches target, delegating to errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As delegates to errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

type wrapped struct {
	msg    string
	cause  error
	target error
}

func (w *wrapped) Error() string { return w.msg }

func (w *wrapped) Unwrap() []error { return []error{w.target, w.cause} }

// RetryableTransportError wraps ErrTransportFailed with a flag indicating
// whether the engine's capped-backoff retry loop should attempt again
// (spec §7: "Engines recover locally from TransportFailure.retryable").
type RetryableTransportError struct {
	Err       error
	Retryable bool
}

func (e *RetryableTransportError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("transport failure (retryable): %v", e.Err)
	}
	return fmt.Sprintf("transport failure (permanent): %v", e.Err)
}

func (e *RetryableTransportError) Unwrap() error { return e.Err }

func (e *RetryableTransportError) Is(target error) bool {
	return target == ErrTransportFailed
}

// ExitCode maps an error, via errors.Is against the taxonomy, to the
// normative process exit code from spec §6.3. Returns 1 (configuration/
// usage error) when nothing more specific matches and err != nil, 0 when
// err is nil.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfig):
		return 1
	case errors.Is(err, ErrSourceMissing):
		return 2
	case errors.Is(err, ErrManifestCorrupt):
		return 3
	case errors.Is(err, ErrIntegrityFailure), errors.Is(err, ErrVerifyFailure):
		return 4
	case errors.Is(err, ErrTransportFailed):
		return 5
	case errors.Is(err, ErrCancelled):
		return 6
	case errors.Is(err, ErrConcurrencyConflict):
		return 7
	default:
		return 1
	}
}
