package llm

import (
	"context"

	"github.com/santiagomed/scribe/logger"
	tellm "github.com/santiagomed/tellm/sdk"
)

// PromptLogger receives every successful completion. *tellm.Client satisfies it.
type PromptLogger interface {
	Log(batchID, prompt, response, model string, promptTokens, completionTokens int) error
}

// Recorder forwards completions to a tellm server for later inspection.
type Recorder struct {
	next    Backend
	sink    PromptLogger
	batchID string
	logger  logger.Logger
}

// NewTellmRecorder wraps next so that completions are logged to the tellm server at url.
func NewTellmRecorder(next Backend, url, batchID string, l logger.Logger) *Recorder {
	return NewRecorder(next, tellm.NewClient(url), batchID, l)
}

func NewRecorder(next Backend, sink PromptLogger, batchID string, l logger.Logger) *Recorder {
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &Recorder{
		next:    next,
		sink:    sink,
		batchID: EnsureBatchID(batchID),
		logger:  l,
	}
}

func (r *Recorder) Name() string { return r.next.Name() }

// BatchID groups all completions recorded in one session.
func (r *Recorder) BatchID() string { return r.batchID }

func (r *Recorder) Complete(ctx context.Context, prompt Prompt, opts Options) (Completion, error) {
	res, err := r.next.Complete(ctx, prompt, opts)
	if err != nil {
		return res, err
	}
	model := res.Model
	if model == "" {
		model = opts.Model
	}
	err = r.sink.Log(r.batchID, prompt.String(), res.Text, model, res.Usage.PromptTokens, res.Usage.CompletionTokens)
	if err != nil {
		r.logger.WithField("warning", err).Warn("failed to log to tellm")
	}
	return res, nil
}
