// Package backoff classifies sync failures as retryable or terminal and
// computes the delay before the next attempt. It operates purely on error
// values and never touches the network, so every decision is testable offline.
package backoff

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/Active-Apparel-Group/ordersync/internal/config"
	"github.com/Active-Apparel-Group/ordersync/internal/model"
)

// statusCarrier is implemented by transport errors that carry an HTTP status.
type statusCarrier interface {
	HTTPStatus() int
}

// retryAfterCarrier is implemented by errors carrying a server-suggested
// retry-after hint.
type retryAfterCarrier interface {
	RetryAfterHint() (time.Duration, bool)
}

// Policy computes retry decisions: exponential backoff from Base, doubling per
// attempt, never exceeding Cap. A server-suggested retry-after takes
// precedence over the computed delay, padded by RetryAfterPad and capped.
type Policy struct {
	Base          time.Duration
	Cap           time.Duration
	MaxAttempts   int
	RetryAfterPad time.Duration
}

// Default returns the production policy: 2s base, 60s cap, 4 attempts.
func Default() Policy {
	return Policy{
		Base:          config.DefaultBackoffBase,
		Cap:           config.DefaultBackoffCap,
		MaxAttempts:   config.DefaultMaxAttempts,
		RetryAfterPad: config.DefaultRetryAfterPad,
	}
}

// FromConfig builds a policy from the process configuration.
func FromConfig(cfg *config.Config) Policy {
	return Policy{
		Base:          cfg.BackoffBase,
		Cap:           cfg.BackoffCap,
		MaxAttempts:   cfg.MaxAttempts,
		RetryAfterPad: cfg.RetryAfterPad,
	}
}

// NextDelay returns the computed backoff before retry number attempt
// (1-based): attempt 1 waits Base, attempt 2 waits 2×Base, and so on up to Cap.
func (p Policy) NextDelay(attempt int) time.Duration {
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap {
			return p.Cap
		}
	}
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}

// DelayFor returns the wait before the given retry attempt, preferring a
// server-suggested retry-after over the computed backoff.
func (p Policy) DelayFor(err error, attempt int) time.Duration {
	var rac retryAfterCarrier
	if errors.As(err, &rac) {
		if hint, ok := rac.RetryAfterHint(); ok {
			delay := hint + p.RetryAfterPad
			if delay > p.Cap {
				delay = p.Cap
			}
			if delay < 0 {
				delay = 0
			}
			return delay
		}
	}
	return p.NextDelay(attempt)
}

// IsRetryable reports whether the failure is transient.
func (p Policy) IsRetryable(err error) bool {
	_, retryable := Classify(err)
	return retryable
}

// Classify maps an error to a machine-readable code and retryability.
// Coded errors win; transport statuses, timeouts and connection failures are
// recognized next; anything unidentifiable is E_UNKNOWN and retryable, since
// an unparseable response says nothing about the remote state.
func Classify(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var coded model.CodedError
	if errors.As(err, &coded) {
		return coded.CodeValue(), coded.RetryableStatus()
	}

	var status statusCarrier
	if errors.As(err, &status) {
		return classifyStatus(status.HTTPStatus())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return model.CodeTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.CodeTimeout, true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return model.CodeConnection, true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return model.CodeTimeout, true
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"), strings.Contains(msg, "unreachable"):
		return model.CodeConnection, true
	}

	return model.CodeUnknown, true
}

// classifyStatus follows the remote contract: 429 and the listed 5xx statuses
// are transient, everything else in 4xx is a structural rejection.
func classifyStatus(status int) (string, bool) {
	switch status {
	case 429:
		return model.CodeRateLimited, true
	case 500, 502, 503, 504:
		return model.CodeConnection, true
	}
	if status >= 400 && status < 500 {
		return model.CodeValidation, false
	}
	return model.CodeUnknown, true
}

// Sleep waits for the given duration or until the context is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
