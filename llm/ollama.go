package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	ollama "github.com/ollama/ollama/api"
	"github.com/santiagomed/scribe/logger"
)

// OllamaClient is a local backend talking to an ollama server process.
type OllamaClient struct {
	client *ollama.Client
	logger logger.Logger
}

// NewOllamaClient connects to endpoint, or to OLLAMA_HOST when endpoint is empty.
func NewOllamaClient(endpoint string, logger logger.Logger) (*OllamaClient, error) {
	if endpoint == "" {
		client, err := ollama.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("could not create ollama client: %w", err)
		}
		return &OllamaClient{client: client, logger: logger}, nil
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama endpoint %q: %w", endpoint, err)
	}
	return &OllamaClient{client: ollama.NewClient(base, http.DefaultClient), logger: logger}, nil
}

func (o *OllamaClient) Name() string { return "ollama" }

func (o *OllamaClient) Complete(ctx context.Context, prompt Prompt, opts Options) (Completion, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	options := map[string]interface{}{
		"temperature": opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	req := &ollama.ChatRequest{
		Model: opts.Model,
		Messages: []ollama.Message{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: prompt.User},
		},
		Options: options,
	}

	var text strings.Builder
	var final ollama.ChatResponse
	respFunc := func(res ollama.ChatResponse) error {
		text.WriteString(res.Message.Content)
		if res.Done {
			final = res
		}
		return nil
	}

	if err := o.client.Chat(ctx, req, respFunc); err != nil {
		var se ollama.StatusError
		if errors.As(err, &se) {
			o.logger.WithField("status", se.StatusCode).Debug("ollama error: " + se.ErrorMessage)
			return Completion{}, classifyStatus(o.Name(), se.StatusCode, se.ErrorMessage)
		}
		return Completion{}, classifyTransport(ctx, o.Name(), err)
	}

	return Completion{
		Text:  text.String(),
		Model: opts.Model,
		Usage: Usage{
			PromptTokens:     final.PromptEvalCount,
			CompletionTokens: final.EvalCount,
		},
	}, nil
}
