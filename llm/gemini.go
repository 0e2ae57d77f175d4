package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/santiagomed/scribe/logger"
	"google.golang.org/genai"
)

// GeminiClient is a remote backend for the Gemini API.
type GeminiClient struct {
	cli    *genai.Client
	logger logger.Logger
}

func NewGeminiClient(ctx context.Context, apiKey string, logger logger.Logger) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("could not create gemini client: %w", err)
	}
	return &GeminiClient{cli: cli, logger: logger}, nil
}

func (g *GeminiClient) Name() string { return "gemini" }

func (g *GeminiClient) Complete(ctx context.Context, prompt Prompt, opts Options) (Completion, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	temp := opts.Temperature
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: prompt.System}}},
		Temperature:       &temp,
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}

	resp, err := g.cli.Models.GenerateContent(ctx, opts.Model,
		[]*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: prompt.User}}}},
		cfg,
	)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return Completion{}, g.apiError(apiErr)
		}
		var apiErrPtr *genai.APIError
		if errors.As(err, &apiErrPtr) {
			return Completion{}, g.apiError(*apiErrPtr)
		}
		return Completion{}, classifyTransport(ctx, g.Name(), err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return Completion{}, newError(g.Name(), ModelRefusal, "prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Completion{}, newError(g.Name(), TransportError, "no candidates returned from Gemini")
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety || cand.FinishReason == genai.FinishReasonProhibitedContent {
		return Completion{}, newError(g.Name(), ModelRefusal, "completion stopped: %s", cand.FinishReason)
	}

	var text strings.Builder
	for _, p := range cand.Content.Parts {
		if p != nil && !p.Thought {
			text.WriteString(p.Text)
		}
	}

	out := Completion{Text: text.String(), Model: opts.Model}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
		}
	}
	return out, nil
}

func (g *GeminiClient) apiError(e genai.APIError) error {
	g.logger.WithField("status", e.Code).Debug("gemini API error: " + e.Message)
	if e.Status == "RESOURCE_EXHAUSTED" {
		return newError(g.Name(), RateLimited, "%s", e.Message)
	}
	return classifyStatus(g.Name(), e.Code, e.Message)
}
