package llm

import (
	"context"
	"time"
)

// Backend is a completion capability. Implementations talk to a local model
// process or a remote API; callers treat them uniformly.
type Backend interface {
	Complete(ctx context.Context, prompt Prompt, opts Options) (Completion, error)
	Name() string
}

// Options are per-call settings.
type Options struct {
	Model       string
	Temperature float32
	MaxTokens   int
	// Timeout bounds the call when the context carries no earlier deadline.
	Timeout time.Duration
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Completion is the raw text returned by a backend.
type Completion struct {
	Text  string
	Model string
	Usage Usage
}

// withTimeout derives the per-call context used by every backend.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
