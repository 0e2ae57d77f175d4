package core

import (
	"context"
	"math"
	"time"

	"github.com/santiagomed/scribe/config"
	"github.com/santiagomed/scribe/llm"
)

// Decision is what the pipeline does after a failed backend attempt.
type Decision int

const (
	Abort Decision = iota
	Retry
)

func (d Decision) String() string {
	if d == Retry {
		return "retry"
	}
	return "abort"
}

// DefaultTransitions maps each backend error kind to a decision. Kinds not in
// the table abort.
var DefaultTransitions = map[llm.ErrorKind]Decision{
	llm.Timeout:        Retry,
	llm.TransportError: Retry,
	llm.RateLimited:    Retry,
	llm.AuthFailure:    Abort,
	llm.ModelRefusal:   Abort,
}

// RetryPolicy decides, from the attempt number and error kind, whether to try again.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Transitions map[llm.ErrorKind]Decision
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicyFrom(config.DefaultConfig().Retry)
}

func RetryPolicyFrom(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		Multiplier:  c.Multiplier,
		MaxDelay:    c.MaxDelay,
		Transitions: DefaultTransitions,
	}
}

// Decide returns the decision after attempt (1-based) failed with kind, and
// the delay to wait before the next attempt when the decision is Retry.
func (p RetryPolicy) Decide(attempt int, kind llm.ErrorKind) (Decision, time.Duration) {
	table := p.Transitions
	if table == nil {
		table = DefaultTransitions
	}
	if table[kind] != Retry || attempt >= p.MaxAttempts {
		return Abort, 0
	}
	return Retry, p.Backoff(attempt)
}

// maxBackoff bounds the delay when no MaxDelay is set; larger products of
// BaseDelay and Multiplier do not fit in a time.Duration.
const maxBackoff = time.Hour

// Backoff is BaseDelay * Multiplier^(attempt-1), capped at MaxDelay, or at
// maxBackoff when MaxDelay is not positive.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	limit := p.MaxDelay
	if limit <= 0 {
		limit = maxBackoff
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if math.IsNaN(d) || d > float64(limit) {
		return limit
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
