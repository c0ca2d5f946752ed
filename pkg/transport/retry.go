package transport

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/cloudsync/cloudsync/internal/cloudsyncerr"
)

// RetryPolicy configures the capped exponential backoff spec §7
// mandates engines use to recover locally from a retryable
// TransportFailure: "3 attempts, base 5s, cap 5 min."
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// DefaultRetryPolicy is the policy named in spec §7.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Base: 5 * time.Second, Cap: 5 * time.Minute}

// Backoff returns the capped, jittered delay before attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base * time.Duration(uint64(1)<<uint(attempt))
	if d > p.Cap || d <= 0 {
		d = p.Cap
	}
	jitter := time.Duration(rand.Float64() * float64(d) * 0.1)
	return d + jitter
}

// Retrying wraps an Agent with a token-bucket pacer and the capped
// backoff retry loop spec §7 describes: retryable failures are retried
// locally up to MaxAttempts; a RetryableTransportError with
// Retryable=false aborts immediately and is surfaced as
// ErrTransportFailed.
type Retrying struct {
	inner   Agent
	limiter *rate.Limiter
	policy  RetryPolicy
}

// NewRetrying wraps inner with policy and a token-bucket limiter
// allowing ratePerSecond operations per second (burst == ratePerSecond,
// rounded up to at least 1).
func NewRetrying(inner Agent, ratePerSecond float64, policy RetryPolicy) *Retrying {
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Retrying{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		policy:  policy,
	}
}

func (r *Retrying) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var retryable *cloudsyncerr.RetryableTransportError
		if !errors.As(err, &retryable) || !retryable.Retryable {
			return cloudsyncerr.Wrap(err, cloudsyncerr.ErrTransportFailed)
		}

		if attempt == r.policy.MaxAttempts-1 {
			break
		}
		select {
		case <-time.After(r.policy.Backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return cloudsyncerr.Wrap(lastErr, cloudsyncerr.ErrTransportFailed)
}

func (r *Retrying) Sync(ctx context.Context, localDir, remoteDir string) (Result, error) {
	var res Result
	err := r.withRetry(ctx, func() error {
		var innerErr error
		res, innerErr = r.inner.Sync(ctx, localDir, remoteDir)
		return innerErr
	})
	return res, err
}

func (r *Retrying) Copy(ctx context.Context, localPath, remotePath string) (Result, error) {
	var res Result
	err := r.withRetry(ctx, func() error {
		var innerErr error
		res, innerErr = r.inner.Copy(ctx, localPath, remotePath)
		return innerErr
	})
	return res, err
}

func (r *Retrying) Pull(ctx context.Context, remoteDir, localDir string) (Result, error) {
	var res Result
	err := r.withRetry(ctx, func() error {
		var innerErr error
		res, innerErr = r.inner.Pull(ctx, remoteDir, localDir)
		return innerErr
	})
	return res, err
}

func (r *Retrying) List(ctx context.Context, remoteDir string) ([]RemoteEntry, error) {
	var entries []RemoteEntry
	err := r.withRetry(ctx, func() error {
		var innerErr error
		entries, innerErr = r.inner.List(ctx, remoteDir)
		return innerErr
	})
	return entries, err
}

func (r *Retrying) Delete(ctx context.Context, remotePath string) error {
	return r.withRetry(ctx, func() error {
		return r.inner.Delete(ctx, remotePath)
	})
}
