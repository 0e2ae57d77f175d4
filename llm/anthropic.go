package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santiagomed/scribe/logger"
)

const anthropicURL = "https://api.anthropic.com/v1/messages"

type AnthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
		Type string `json:"type"`
	} `json:"content"`
	ID           string  `json:"id"`
	Model        string  `json:"model"`
	Role         string  `json:"role"`
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
	Type         string  `json:"type"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type AnthropicErrorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type AnthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system"`
	Temperature float32   `json:"temperature"`
	Messages    []Message `json:"messages"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicClient is a remote backend for the Anthropic messages API.
type AnthropicClient struct {
	apiKey     string
	url        string
	logger     logger.Logger
	httpClient *http.Client
}

func NewAnthropicClient(apiKey, endpoint string, logger logger.Logger) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	url := anthropicURL
	if endpoint != "" {
		url = endpoint
	}
	return &AnthropicClient{
		apiKey:     apiKey,
		url:        url,
		logger:     logger,
		httpClient: &http.Client{},
	}, nil
}

func (a *AnthropicClient) Name() string { return "anthropic" }

func (a *AnthropicClient) Complete(ctx context.Context, prompt Prompt, opts Options) (Completion, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	req := AnthropicRequest{
		Model:       opts.Model,
		MaxTokens:   maxTokens,
		System:      prompt.System,
		Temperature: opts.Temperature,
		Messages: []Message{
			{Role: "user", Content: prompt.User},
		},
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return Completion{}, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return Completion{}, fmt.Errorf("error creating request: %w", err)
	}

	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("content-type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, classifyTransport(ctx, a.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, classifyTransport(ctx, a.Name(), fmt.Errorf("error reading response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		var errResp AnthropicErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Type != "" {
			msg = errResp.Error.Type + " - " + errResp.Error.Message
		}
		a.logger.WithField("status", resp.StatusCode).Debug("anthropic API error: " + msg)
		// 529 is the API's overloaded status
		if resp.StatusCode == 529 {
			return Completion{}, newError(a.Name(), RateLimited, "status 529: %s", msg)
		}
		return Completion{}, classifyStatus(a.Name(), resp.StatusCode, msg)
	}

	var anthropicResp AnthropicResponse
	if err := json.Unmarshal(body, &anthropicResp); err != nil {
		return Completion{}, newError(a.Name(), TransportError, "error unmarshaling response: %v", err)
	}

	if anthropicResp.StopReason == "refusal" {
		return Completion{}, newError(a.Name(), ModelRefusal, "model refused the request")
	}

	var text strings.Builder
	for _, c := range anthropicResp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return Completion{}, newError(a.Name(), TransportError, "no content returned from Anthropic")
	}

	return Completion{
		Text:  text.String(),
		Model: anthropicResp.Model,
		Usage: Usage{
			PromptTokens:     anthropicResp.Usage.InputTokens,
			CompletionTokens: anthropicResp.Usage.OutputTokens,
		},
	}, nil
}
