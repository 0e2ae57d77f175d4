package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/santiagomed/scribe/logger"
	"github.com/sashabaranov/go-openai"
)

// OpenAIClient is a remote backend for the OpenAI chat completions API.
type OpenAIClient struct {
	openAIClient *openai.Client
	logger       logger.Logger
}

// NewOpenAIClient creates a new OpenAI backend. endpoint overrides the API base URL when set.
func NewOpenAIClient(apiKey, endpoint string, logger logger.Logger) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = endpoint
	}
	return &OpenAIClient{
		openAIClient: openai.NewClientWithConfig(cfg),
		logger:       logger,
	}, nil
}

func (c *OpenAIClient) Name() string { return "openai" }

// Complete sends a request to the OpenAI API and returns the generated text
func (c *OpenAIClient) Complete(ctx context.Context, prompt Prompt, opts Options) (Completion, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	resp, err := c.openAIClient.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       opts.Model,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: prompt.System,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt.User,
				},
			},
		},
	)
	if err != nil {
		return Completion{}, c.classify(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return Completion{}, newError(c.Name(), TransportError, "no choices returned from OpenAI")
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return Completion{}, newError(c.Name(), ModelRefusal, "completion stopped by content filter")
	}

	return Completion{
		Text:  choice.Message.Content,
		Model: resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (c *OpenAIClient) classify(ctx context.Context, err error) error {
	e := &openai.APIError{}
	if errors.As(err, &e) {
		c.logger.WithField("status", e.HTTPStatusCode).Debug(fmt.Sprintf("OpenAI API error: %v", e.Message))
		switch e.HTTPStatusCode {
		case 401:
			// unauthorized
			return newError(c.Name(), AuthFailure, "unauthorized: invalid OpenAI API key")
		case 429:
			// rate limiting or engine overload (wait and retry)
			return newError(c.Name(), RateLimited, "rate limited by OpenAI API: %s", e.Message)
		default:
			return classifyStatus(c.Name(), e.HTTPStatusCode, e.Message)
		}
	}
	re := &openai.RequestError{}
	if errors.As(err, &re) {
		return classifyStatus(c.Name(), re.HTTPStatusCode, re.Error())
	}
	return classifyTransport(ctx, c.Name(), err)
}
