package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/santiagomed/scribe/config"
	"github.com/santiagomed/scribe/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testPrompt = Prompt{System: "system", User: "user"}

func openAIServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAI_Complete(t *testing.T) {
	srv := openAIServer(t, 200, `{"id":"x","object":"chat.completion","model":"gpt-test",
		"choices":[{"index":0,"message":{"role":"assistant","content":"@@ DELETE a"},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`)
	c, err := NewOpenAIClient("test-key", srv.URL+"/v1", logger.NewNullLogger())
	require.NoError(t, err)

	res, err := c.Complete(context.Background(), testPrompt, Options{Model: "gpt-test", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "@@ DELETE a", res.Text)
	assert.Equal(t, 7, res.Usage.PromptTokens)
	assert.Equal(t, 3, res.Usage.CompletionTokens)
}

func TestOpenAI_ErrorKinds(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{401, AuthFailure},
		{429, RateLimited},
		{500, TransportError},
		{503, TransportError},
		{404, ModelRefusal},
	}
	for _, tc := range cases {
		srv := openAIServer(t, tc.status, `{"error":{"message":"nope","type":"server_error","code":"x"}}`)
		c, err := NewOpenAIClient("test-key", srv.URL+"/v1", logger.NewNullLogger())
		require.NoError(t, err)

		_, err = c.Complete(context.Background(), testPrompt, Options{Model: "m", Timeout: time.Second})
		assert.Equal(t, tc.want, KindOf(err), "status %d: %v", tc.status, err)
	}
}

func TestOpenAI_ContentFilterIsRefusal(t *testing.T) {
	srv := openAIServer(t, 200, `{"choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"content_filter"}]}`)
	c, err := NewOpenAIClient("test-key", srv.URL+"/v1", logger.NewNullLogger())
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), testPrompt, Options{Model: "m"})
	assert.Equal(t, ModelRefusal, KindOf(err))
}

func TestOpenAI_MissingKey(t *testing.T) {
	_, err := NewOpenAIClient("", "", logger.NewNullLogger())
	assert.Error(t, err)
}

func slowServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAI_Timeout(t *testing.T) {
	srv := slowServer(t)
	c, err := NewOpenAIClient("test-key", srv.URL+"/v1", logger.NewNullLogger())
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), testPrompt, Options{Model: "m", Timeout: 50 * time.Millisecond})
	assert.Equal(t, Timeout, KindOf(err), "%v", err)
}

func TestAnthropic_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ant-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var req AnthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "system", req.System)
		assert.Equal(t, "claude-test", req.Model)
		if assert.Len(t, req.Messages, 1) {
			assert.Equal(t, "user", req.Messages[0].Content)
		}

		_, _ = w.Write([]byte(`{"model":"claude-test","stop_reason":"end_turn",
			"content":[{"type":"text","text":"@@ DELETE "},{"type":"text","text":"a"}],
			"usage":{"input_tokens":5,"output_tokens":2}}`))
	}))
	defer srv.Close()

	c, err := NewAnthropicClient("ant-key", srv.URL, logger.NewNullLogger())
	require.NoError(t, err)
	res, err := c.Complete(context.Background(), testPrompt, Options{Model: "claude-test", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "@@ DELETE a", res.Text)
	assert.Equal(t, 5, res.Usage.PromptTokens)
}

func TestAnthropic_ErrorKinds(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{401, AuthFailure},
		{429, RateLimited},
		{529, RateLimited},
		{500, TransportError},
		{400, ModelRefusal},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"some_error","message":"nope"}}`))
		}))
		c, err := NewAnthropicClient("k", srv.URL, logger.NewNullLogger())
		require.NoError(t, err)
		_, err = c.Complete(context.Background(), testPrompt, Options{Model: "m"})
		assert.Equal(t, tc.want, KindOf(err), "status %d", tc.status)
		srv.Close()
	}
}

func TestAnthropic_Timeout(t *testing.T) {
	srv := slowServer(t)
	c, err := NewAnthropicClient("k", srv.URL, logger.NewNullLogger())
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), testPrompt, Options{Model: "m", Timeout: 50 * time.Millisecond})
	assert.Equal(t, Timeout, KindOf(err))
}

func TestAnthropic_ParentCancelIsNotClassified(t *testing.T) {
	srv := slowServer(t)
	c, err := NewAnthropicClient("k", srv.URL, logger.NewNullLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err = c.Complete(ctx, testPrompt, Options{Model: "m", Timeout: 5 * time.Second})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, KindUnknown, KindOf(err))
}

func TestTransportErrorOnRefusedConnection(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewAnthropicClient("k", url, logger.NewNullLogger())
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), testPrompt, Options{Model: "m", Timeout: time.Second})
	assert.Equal(t, TransportError, KindOf(err))
}

func TestNewBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Model.APIKey = "k"

	b, err := NewBackend(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, b)

	cfg.Model.Provider = config.ProviderAnthropic
	cfg.TellmURL = "http://localhost:8000"
	b, err = NewBackend(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &Recorder{}, b)
	assert.Equal(t, "anthropic", b.Name())

	cfg.Model.Provider = config.ProviderOllama
	cfg.Model.Endpoint = "http://127.0.0.1:11434"
	cfg.TellmURL = ""
	cfg.Cache.Size = 4
	b, err = NewBackend(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &Cache{}, b)
	assert.Equal(t, "ollama", b.Name())

	cfg.Model.Provider = "nope"
	_, err = NewBackend(context.Background(), cfg, nil)
	assert.Error(t, err)
}

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Name() string { return "mock" }

func (m *mockBackend) Complete(ctx context.Context, p Prompt, opts Options) (Completion, error) {
	args := m.Called(p, opts)
	return args.Get(0).(Completion), args.Error(1)
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Log(batchID, prompt, response, model string, promptTokens, completionTokens int) error {
	return m.Called(batchID, prompt, response, model, promptTokens, completionTokens).Error(0)
}

func TestRecorder(t *testing.T) {
	next := new(mockBackend)
	sink := new(mockSink)
	opts := Options{Model: "m"}
	next.On("Complete", testPrompt, opts).Return(Completion{Text: "out", Usage: Usage{PromptTokens: 2, CompletionTokens: 1}}, nil).Once()
	sink.On("Log", mock.AnythingOfType("string"), testPrompt.String(), "out", "m", 2, 1).Return(errors.New("tellm down")).Once()

	r := NewRecorder(next, sink, "", nil)
	assert.True(t, isValidID(r.BatchID()))

	res, err := r.Complete(context.Background(), testPrompt, opts)
	require.NoError(t, err, "sink failures must not fail the completion")
	assert.Equal(t, "out", res.Text)
	next.AssertExpectations(t)
	sink.AssertExpectations(t)
}

func TestRecorder_SkipsFailures(t *testing.T) {
	next := new(mockBackend)
	sink := new(mockSink)
	next.On("Complete", testPrompt, Options{}).Return(Completion{}, newError("mock", AuthFailure, "bad key"))

	_, err := NewRecorder(next, sink, "", nil).Complete(context.Background(), testPrompt, Options{})
	assert.Equal(t, AuthFailure, KindOf(err))
	sink.AssertNotCalled(t, "Log", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCache(t *testing.T) {
	next := new(mockBackend)
	opts := Options{Model: "m"}
	other := Prompt{System: "system", User: "other"}
	next.On("Complete", testPrompt, opts).Return(Completion{Text: "a"}, nil).Once()
	next.On("Complete", other, opts).Return(Completion{Text: "b"}, nil).Once()

	c, err := NewCache(next, 8)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := c.Complete(context.Background(), testPrompt, opts)
		require.NoError(t, err)
		assert.Equal(t, "a", res.Text)
	}
	res, err := c.Complete(context.Background(), other, opts)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Text)
	next.AssertExpectations(t)
}

func TestPurgeCache(t *testing.T) {
	next := new(mockBackend)
	opts := Options{Model: "m"}
	next.On("Complete", testPrompt, opts).Return(Completion{Text: "a"}, nil).Twice()

	c, err := NewCache(next, 8)
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), testPrompt, opts)
	require.NoError(t, err)

	assert.True(t, PurgeCache(c))
	_, err = c.Complete(context.Background(), testPrompt, opts)
	require.NoError(t, err)
	next.AssertNumberOfCalls(t, "Complete", 2)

	assert.False(t, PurgeCache(next))
}

func TestCacheKey_DependsOnModel(t *testing.T) {
	assert.NotEqual(t, cacheKey(testPrompt, Options{Model: "a"}), cacheKey(testPrompt, Options{Model: "b"}))
	assert.Equal(t, cacheKey(testPrompt, Options{Model: "a"}), cacheKey(testPrompt, Options{Model: "a"}))
}

func TestEnsureBatchID(t *testing.T) {
	id := NewID()
	assert.True(t, isValidID(id))
	assert.Equal(t, id, EnsureBatchID(id))
	assert.NotEqual(t, "project", EnsureBatchID("project"))
	assert.Len(t, EnsureBatchID("project"), 24)
}
