package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/santiagomed/scribe/config"
	"github.com/santiagomed/scribe/llm"
	"github.com/santiagomed/scribe/logger"
)

// Session is the caller facing API: it owns the conversation and feeds its
// history to every cycle.
type Session struct {
	pipeline *Pipeline
	conv     *Conversation
	logger   logger.Logger
}

func NewSession(p *Pipeline, conv *Conversation, l logger.Logger) *Session {
	if conv == nil {
		conv = NewConversation()
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &Session{pipeline: p, conv: conv, logger: l}
}

// RunCycle turns one requirement into file changes. Every cycle that reached
// the backend is appended to the conversation, failed ones included, so the
// model can see what went wrong. Empty requirements and cancelled cycles
// leave the history untouched.
func (s *Session) RunCycle(ctx context.Context, text string, source llm.Source) (*CycleResult, error) {
	req := llm.NewRequirement(text, source)
	res, err := s.pipeline.Run(ctx, req, s.conv.History())
	switch {
	case errors.Is(err, llm.ErrEmptyRequirement),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		return res, err
	}
	s.conv.Append(llm.Turn{Requirement: req, Summary: res.Summary()})
	return res, err
}

// ResetConversation forgets the history. Cached completions are dropped too,
// so a repeated requirement reaches the model again.
func (s *Session) ResetConversation() {
	s.conv.Reset()
	if llm.PurgeCache(s.pipeline.backend) {
		s.logger.Debug("Completion cache purged")
	}
	s.logger.Info("Conversation reset")
}

// Reconfigure applies changed settings to the following cycles. The
// conversation is kept.
func (s *Session) Reconfigure(cfg *config.Config) {
	s.pipeline.Reconfigure(cfg)
	s.logger.Info(fmt.Sprintf("Settings changed: model %s, history window %d", cfg.Model.Name, cfg.Prompt.HistoryWindow))
}

// HistorySummary lists the past turns, oldest first.
func (s *Session) HistorySummary() []string {
	turns := s.conv.History()
	out := make([]string, 0, len(turns))
	for i, t := range turns {
		out = append(out, fmt.Sprintf("%d. %s -> %s", i+1, t.Requirement.Text, t.Summary))
	}
	return out
}

func (s *Session) Conversation() *Conversation { return s.conv }
