package client

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the exponential backoff applied to transient failures.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps backoff growth.
	MaxInterval time.Duration
	// Multiplier controls exponential growth between retries.
	Multiplier float64
	// RandomizationFactor jitters each delay by +/- this fraction.
	RandomizationFactor float64
}

// DefaultRetryPolicy mirrors the protocol defaults: 3 retries, 1 s initial
// delay, 10 s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          3,
		InitialInterval:     time.Second,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.25,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier <= 1 {
		p.Multiplier = def.Multiplier
	}
	if p.RandomizationFactor < 0 {
		p.RandomizationFactor = def.RandomizationFactor
	}
	return p
}

// classifyRetry wraps failures that will not heal on their own in
// backoff.Permanent so the executor propagates them immediately. Transient
// failures (transport errors, 408/429, 5xx) pass through and are retried.
func classifyRetry(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return backoff.Permanent(err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusRequestTimeout,
			apiErr.Status == http.StatusTooManyRequests:
			return err
		case apiErr.Status >= http.StatusInternalServerError:
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	// Connection-level failures: the next attempt may reach a healthy node.
	return err
}

// serverHintBackOff raises the next delay to any Retry-After hint carried by
// the last observed error.
type serverHintBackOff struct {
	next    backoff.BackOff
	lastErr *error
}

func (b *serverHintBackOff) NextBackOff() time.Duration {
	d := b.next.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	var apiErr *APIError
	if b.lastErr != nil && errors.As(*b.lastErr, &apiErr) {
		if hint := apiErr.RetryAfterDuration(); hint > d {
			return hint
		}
	}
	return d
}

func (b *serverHintBackOff) Reset() { b.next.Reset() }

// withRetry runs fn through the bounded exponential backoff executor. Only
// failures classified as transient are retried; on exhaustion the last error
// propagates unchanged. The executor knows nothing about ledger semantics.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	policy := c.retryPolicy.normalized()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialInterval
	exp.MaxInterval = policy.MaxInterval
	exp.Multiplier = policy.Multiplier
	exp.RandomizationFactor = policy.RandomizationFactor
	exp.MaxElapsedTime = 0

	var lastErr error
	hinted := &serverHintBackOff{next: exp, lastErr: &lastErr}
	bo := backoff.WithContext(backoff.WithMaxRetries(hinted, uint64(policy.MaxRetries)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		lastErr = err
		return classifyRetry(err)
	}
	notify := func(err error, delay time.Duration) {
		c.metrics.observeRetry(op)
		c.logDebug("client.retry.backoff", "op", op, "attempt", attempt, "delay", delay, "error", err)
	}
	start := time.Now()
	err := backoff.RetryNotify(operation, bo, notify)
	c.metrics.observeDuration(op, time.Since(start), err == nil)
	if err != nil {
		c.logWarn("client.op.failure", "op", op, "attempts", attempt, "error", err)
	}
	return err
}
