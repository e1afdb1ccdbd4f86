package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
)

const completionBody = `{
	"id": "cmpl-1",
	"object": "chat.completion",
	"created": 1,
	"model": "test-model",
	"choices": [{
		"index": 0,
		"finish_reason": "stop",
		"message": {"role": "assistant", "content": "go \\boxed{U}"}
	}],
	"usage": {"prompt_tokens": 11, "completion_tokens": 4, "total_tokens": 15}
}`

func chunk(content string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"test-model","choices":[{"index":0,"delta":{"content":%q},"finish_reason":null}]}`, content)
}

const usageChunk = `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"test-model","choices":[],"usage":{"prompt_tokens":11,"completion_tokens":3,"total_tokens":14}}`

// chatServer answers /v1/chat/completions, streaming when the request asks.
func chatServer(t *testing.T, gotBody *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var req map[string]any
		if err := json.Unmarshal(body, &req); !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if gotBody != nil {
			*gotBody = req
		}

		if stream, _ := req["stream"].(bool); !stream {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, completionBody)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, data := range []string{chunk("go "), chunk(`\boxed{`), chunk("D}"), usageChunk} {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(t *testing.T, deltas <-chan Delta, errc <-chan error) (string, *core.Usage) {
	t.Helper()
	var text strings.Builder
	var usage *core.Usage
	for d := range deltas {
		text.WriteString(d.Text)
		if d.Usage != nil {
			usage = d.Usage
		}
	}
	require.NoError(t, <-errc)
	return text.String(), usage
}

func TestOpenAI(t *testing.T) {
	var req map[string]any
	srv := chatServer(t, &req)

	backend, err := NewOpenAI(
		WithBaseURL(srv.URL+"/v1/"),
		WithAPIKey("test-key"),
		WithModel("test-model"),
		WithMaxTokens(64),
	)
	require.NoError(t, err)
	assert.Equal(t, budget.CompletionTokens, backend.Accounting())

	t.Run("blocking", func(t *testing.T) {
		got, err := backend.Complete(context.Background(), "state", 500)
		require.NoError(t, err)
		assert.Equal(t, `go \boxed{U}`, got.Text)
		assert.Equal(t, FinishStop, got.FinishReason)
		assert.Equal(t, core.Usage{PromptTokens: 11, CompletionTokens: 4, TotalTokens: 15}, got.Usage)
		assert.Equal(t, "test-model", req["model"])
		// the hint is capped by the configured maximum
		assert.EqualValues(t, 64, req["max_completion_tokens"])
	})

	t.Run("streaming", func(t *testing.T) {
		deltas, errc := backend.CompleteStream(context.Background(), "state", 0)
		text, usage := drain(t, deltas, errc)
		assert.Equal(t, `go \boxed{D}`, text)
		require.NotNil(t, usage)
		assert.Equal(t, 3, usage.CompletionTokens)
	})
}

func TestCompatible(t *testing.T) {
	var req map[string]any
	srv := chatServer(t, &req)

	backend, err := NewCompatible(WithBaseURL(srv.URL+"/v1"), WithModel("qwen"))
	require.NoError(t, err)

	t.Run("blocking", func(t *testing.T) {
		got, err := backend.Complete(context.Background(), "state", 32)
		require.NoError(t, err)
		assert.Equal(t, `go \boxed{U}`, got.Text)
		assert.Equal(t, 4, got.Usage.CompletionTokens)
		assert.EqualValues(t, 32, req["max_tokens"])
	})

	t.Run("streaming", func(t *testing.T) {
		deltas, errc := backend.CompleteStream(context.Background(), "state", 0)
		text, usage := drain(t, deltas, errc)
		assert.Equal(t, `go \boxed{D}`, text)
		require.NotNil(t, usage)
		assert.Equal(t, 14, usage.TotalTokens)
	})

	t.Run("requires base url and model", func(t *testing.T) {
		_, err := NewCompatible(WithModel("qwen"))
		assert.Error(t, err)
		_, err = NewCompatible(WithBaseURL(srv.URL))
		assert.Error(t, err)
	})
}

const geminiBody = `{
	"candidates": [{
		"content": {"role": "model", "parts": [{"text": "go \\boxed{U}"}]},
		"finishReason": "STOP"
	}],
	"usageMetadata": {"promptTokenCount": 11, "candidatesTokenCount": 4, "totalTokenCount": 40}
}`

var geminiChunks = []string{
	`{"candidates":[{"content":{"role":"model","parts":[{"text":"go "}]}}]}`,
	`{"candidates":[{"content":{"role":"model","parts":[{"text":"\\boxed{D}"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":11,"candidatesTokenCount":3,"totalTokenCount":20}}`,
}

// geminiServer answers generateContent and streamGenerateContent for any model.
func geminiServer(t *testing.T, gotBody *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var req map[string]any
		if err := json.Unmarshal(body, &req); !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if gotBody != nil {
			*gotBody = req
		}

		switch {
		case strings.HasSuffix(r.URL.Path, "/models/test-model:generateContent"):
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, geminiBody)
		case strings.HasSuffix(r.URL.Path, "/models/test-model:streamGenerateContent"):
			w.Header().Set("Content-Type", "text/event-stream")
			for _, data := range geminiChunks {
				_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			}
		default:
			assert.Fail(t, "unexpected path", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGemini(t *testing.T) {
	var req map[string]any
	srv := geminiServer(t, &req)

	backend, err := NewGemini(context.Background(),
		WithBaseURL(srv.URL+"/"),
		WithAPIKey("test-key"),
		WithModel("test-model"),
		WithMaxTokens(64),
	)
	require.NoError(t, err)
	assert.Equal(t, budget.TotalMinusPrompt, backend.Accounting())
	assert.Equal(t, "gemini/test-model", backend.Name())

	t.Run("blocking", func(t *testing.T) {
		got, err := backend.Complete(context.Background(), "state", 500)
		require.NoError(t, err)
		assert.Equal(t, `go \boxed{U}`, got.Text)
		assert.Equal(t, FinishStop, got.FinishReason)
		assert.Equal(t, core.Usage{PromptTokens: 11, CompletionTokens: 4, TotalTokens: 40}, got.Usage)
		// hidden thinking counts against the budget
		assert.Equal(t, 29, backend.Accounting().Charge(got.Usage))

		cfg, _ := req["generationConfig"].(map[string]any)
		assert.EqualValues(t, 64, cfg["maxOutputTokens"])
	})

	t.Run("streaming", func(t *testing.T) {
		deltas, errc := backend.CompleteStream(context.Background(), "state", 0)
		text, usage := drain(t, deltas, errc)
		assert.Equal(t, `go \boxed{D}`, text)
		require.NotNil(t, usage)
		assert.Equal(t, core.Usage{PromptTokens: 11, CompletionTokens: 3, TotalTokens: 20}, *usage)
		assert.Equal(t, 9, backend.Accounting().Charge(*usage))
	})
}

func TestMissingCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_API_BASE_URL", "")
	t.Setenv("GEMINI_API_KEY", "")

	_, err := New(context.Background(), KindOpenAI)
	assert.ErrorIs(t, err, ErrMissingCredentials)

	_, err = New(context.Background(), KindGemini)
	assert.ErrorIs(t, err, ErrMissingCredentials)

	_, err = New(context.Background(), "llama-farm")
	assert.Error(t, err)
}

func TestLimit(t *testing.T) {
	tests := []struct {
		name      string
		maxTokens int
		hint      int
		want      int
	}{
		{name: "no hint no cap", want: 0},
		{name: "hint only", hint: 50, want: 50},
		{name: "cap only", maxTokens: 100, want: 100},
		{name: "hint under cap", maxTokens: 100, hint: 40, want: 40},
		{name: "hint over cap", maxTokens: 100, hint: 400, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ProviderParams{MaxTokens: tt.maxTokens}.limit(tt.hint))
		})
	}
}

func TestNormalizeFinish(t *testing.T) {
	assert.Equal(t, FinishStop, normalizeFinish("STOP"))
	assert.Equal(t, FinishLength, normalizeFinish("MAX_TOKENS"))
	assert.Equal(t, FinishLength, normalizeFinish("length"))
	assert.Equal(t, FinishNone, normalizeFinish(""))
	assert.Equal(t, FinishOther, normalizeFinish("SAFETY"))
}
