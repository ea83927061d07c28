// Package chain provides the multi-provider fallback primitive used for
// script and voice synthesis.
//
// A capability (script text, speech audio) is backed by an ordered list of
// providers. [Execute] tries them in order until one succeeds, classifying
// each failure as quota, rate-limit, transient, or permanent and retrying
// only where a retry can help. Priority never changes at runtime: quota
// windows reset, so a provider that failed ten minutes ago may succeed now.
//
// Chain is safe for concurrent use.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/haywire-radio/haywire/internal/observe"
)

// ErrAllProvidersFailed is the terminal error when every provider in the
// chain returned a non-ok outcome.
var ErrAllProvidersFailed = errors.New("chain: all providers failed")

// FaultKind classifies a provider failure. Kinds drive the retry policy, so
// they are deliberately coarse.
type FaultKind int

const (
	// FaultTransient covers network resets, timeouts, and 5xx responses.
	// Retried in-provider up to the retry cap.
	FaultTransient FaultKind = iota

	// FaultRateLimited covers 429 responses carrying a Retry-After. Retried
	// in-provider up to the rate-limit retry cap while each wait fits the
	// call budget, else degraded to FaultQuota.
	FaultRateLimited

	// FaultQuota covers exhausted quotas. The provider is skipped without
	// retry; the next provider is tried.
	FaultQuota

	// FaultPermanent covers 4xx and auth failures. Never retried.
	FaultPermanent
)

// String returns the log-friendly name of the kind.
func (k FaultKind) String() string {
	switch k {
	case FaultTransient:
		return "transient"
	case FaultRateLimited:
		return "rate_limited"
	case FaultQuota:
		return "quota_exceeded"
	case FaultPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Fault wraps a provider error with its classification. Providers return
// *Fault directly when they can classify from an HTTP status; opaque errors
// are classified by [Classify].
type Fault struct {
	Kind FaultKind

	// RetryAfter is the provider-requested wait for rate-limit faults.
	RetryAfter time.Duration

	Err error
}

// Error implements error.
func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

// Unwrap exposes the underlying error to errors.Is/As.
func (f *Fault) Unwrap() error { return f.Err }

// Faultf builds a classified fault.
func Faultf(kind FaultKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// FromStatus classifies an HTTP status code.
func FromStatus(status int, err error) *Fault {
	switch {
	case status == 429:
		return &Fault{Kind: FaultRateLimited, Err: err}
	case status == 402 || status == 403:
		// Payment-required and forbidden typically mean a spent quota or a
		// revoked key; either way the provider is done for this call.
		return &Fault{Kind: FaultQuota, Err: err}
	case status >= 500:
		return &Fault{Kind: FaultTransient, Err: err}
	case status >= 400:
		return &Fault{Kind: FaultPermanent, Err: err}
	default:
		return &Fault{Kind: FaultTransient, Err: err}
	}
}

// Classify wraps an opaque error as a Fault. Already-classified faults pass
// through; network shapes map to transient; everything else is permanent.
func Classify(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Kind: FaultTransient, Err: err}
	}
	return &Fault{Kind: FaultPermanent, Err: err}
}

// entry pairs a provider value with its log name.
type entry[T any] struct {
	name  string
	value T
}

// Chain is an ordered list of providers backing one capability.
type Chain[T any] struct {
	capability string
	entries    []entry[T]

	maxTransientRetries int
	maxRateLimitWaits   int
	backoffInitial      time.Duration

	metrics *observe.Metrics

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Chain for the named capability (used in logs).
func New[T any](capability string) *Chain[T] {
	return &Chain[T]{
		capability:          capability,
		maxTransientRetries: 3,
		maxRateLimitWaits:   3,
		backoffInitial:      500 * time.Millisecond,
		metrics:             observe.DefaultMetrics(),
		sleep:               sleepCtx,
	}
}

// Add appends a provider. Providers are tried in the order added.
func (c *Chain[T]) Add(name string, v T) {
	c.entries = append(c.entries, entry[T]{name: name, value: v})
}

// Len returns the number of registered providers.
func (c *Chain[T]) Len() int { return len(c.entries) }

// Names returns the provider names in priority order.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.name
	}
	return names
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute tries fn against each provider in order until one succeeds.
// This is a package-level function because Go does not support method-level
// type parameters.
//
// Per provider: transient faults are retried with exponential backoff up to
// the retry cap; rate limits wait out Retry-After up to the wait cap while
// each wait fits the context budget, then degrade to quota; quota and
// permanent faults move straight to the next provider. When every provider
// fails, the zero R and [ErrAllProvidersFailed] (wrapping the last fault)
// are returned.
func Execute[T, R any](ctx context.Context, c *Chain[T], fn func(context.Context, T) (R, error)) (R, error) {
	var zero R
	if len(c.entries) == 0 {
		return zero, fmt.Errorf("%w: no providers configured for %s", ErrAllProvidersFailed, c.capability)
	}

	var lastErr error
	for _, e := range c.entries {
		result, err := tryProviderOf(ctx, c, e, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}

// tryProviderOf runs the retry loop for a single provider.
func tryProviderOf[T, R any](ctx context.Context, c *Chain[T], e entry[T], fn func(context.Context, T) (R, error)) (R, error) {
	var zero R
	backoff := c.backoffInitial
	rateLimitWaits := 0

	for attempt := 0; ; attempt++ {
		result, err := fn(ctx, e.value)
		if err == nil {
			c.metrics.RecordProviderRequest(ctx, e.name, c.capability, "ok")
			if attempt > 0 {
				slog.Info("provider recovered after retry",
					"capability", c.capability, "provider", e.name, "attempts", attempt+1)
			}
			return result, nil
		}

		f := Classify(err)
		c.metrics.RecordProviderRequest(ctx, e.name, c.capability, f.Kind.String())
		c.metrics.RecordProviderError(ctx, e.name, c.capability)
		log := slog.With("capability", c.capability, "provider", e.name, "outcome", f.Kind.String())

		switch f.Kind {
		case FaultQuota, FaultPermanent:
			log.Warn("provider failed, moving to next", "error", f.Err)
			return zero, f

		case FaultRateLimited:
			if rateLimitWaits >= c.maxRateLimitWaits {
				// A Retry-After that never pans out is a quota in disguise.
				log.Warn("rate limit persisted past retry cap, treating as quota", "waits", rateLimitWaits)
				return zero, &Fault{Kind: FaultQuota, Err: f.Err}
			}
			wait := f.RetryAfter
			if wait <= 0 {
				wait = backoff
			}
			if !waitFits(ctx, wait) {
				// Honouring the wait would blow the budget; treat as quota.
				log.Warn("rate-limit wait exceeds budget, treating as quota", "retry_after", wait)
				return zero, &Fault{Kind: FaultQuota, Err: f.Err}
			}
			log.Info("rate limited, backing off", "retry_after", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return zero, &Fault{Kind: FaultQuota, Err: err}
			}
			rateLimitWaits++
			backoff *= 2

		case FaultTransient:
			if attempt+1 >= c.maxTransientRetries {
				log.Warn("provider failed after retries, moving to next",
					"attempts", attempt+1, "error", f.Err)
				return zero, f
			}
			log.Info("transient fault, retrying", "attempt", attempt+1, "error", f.Err)
			if err := c.sleep(ctx, backoff); err != nil {
				return zero, &Fault{Kind: FaultTransient, Err: err}
			}
			backoff *= 2
		}
	}
}

// waitFits reports whether the context deadline leaves room for wait.
func waitFits(ctx context.Context, wait time.Duration) bool {
	d, ok := ctx.Deadline()
	if !ok {
		// No deadline: bound rate-limit waits arbitrarily at 30 s.
		return wait <= 30*time.Second
	}
	return time.Until(d) > wait
}
