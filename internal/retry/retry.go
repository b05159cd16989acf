// Package retry wraps broker calls that are safe to repeat with jittered
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
)

// Config bounds the retry loop.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig matches the cadence the Tradier sandbox tolerates.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// IsTransient reports whether retrying could plausibly succeed: timeouts,
// connection failures, 5xx responses, and rate limits. Permanent 4xx API
// errors and canceled contexts are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"timeout", "connection refused", "connection reset", "temporary", "eof"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// Do runs op up to cfg.MaxAttempts times, backing off between transient
// failures. The last error is returned when attempts run out or the failure
// is not transient.
func Do[T any](ctx context.Context, cfg Config, logger *log.Logger, name string, op func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt)
			logger.Printf("%s: attempt %d/%d after %s (%v)", name, attempt+1, cfg.MaxAttempts, delay.Round(time.Millisecond), lastErr)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
		res, err := op()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

// PlaceOrder retries order placement on transient failures. Duplicate
// submissions are reconciled later against the broker's order list, which is
// authoritative.
func PlaceOrder(ctx context.Context, cfg Config, logger *log.Logger, b broker.Broker, req broker.OrderRequest) (*broker.OrderResponse, error) {
	return Do(ctx, cfg, logger, "place order", func() (*broker.OrderResponse, error) {
		return b.PlaceOptionOrderCtx(ctx, req)
	})
}

// backoffDelay is base*2^(attempt-1) plus up to 50% jitter, capped at MaxDelay.
func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := cfg.BaseDelay << uint(attempt-1)
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	delay += jitter
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
