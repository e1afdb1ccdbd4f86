package client

import (
	"context"
	"net/http"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	goopenai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

const DefaultOpenAIBaseURL = "https://api.openai.com/v1/"

type key struct {
	baseURL string
	apiKey  string
}

var (
	mu      sync.Mutex
	openAIs = make(map[key]*openai.Client)
)

// OpenAI returns the shared openai-go client for a base URL and key, so
// agents pointed at the same endpoint reuse one connection pool.
func OpenAI(baseURL, apiKey string, httpClient *http.Client) *openai.Client {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	k := key{baseURL: baseURL, apiKey: apiKey}

	mu.Lock()
	defer mu.Unlock()
	if c, ok := openAIs[k]; ok && httpClient == nil {
		return c
	}

	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	c := openai.NewClient(opts...)
	if httpClient == nil {
		openAIs[k] = &c
	}
	return &c
}

// Gemini builds a Gemini API client. baseURL is only set for proxies and tests.
func Gemini(ctx context.Context, baseURL, apiKey string, httpClient *http.Client) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return genai.NewClient(ctx, cfg)
}

// Compatible builds a go-openai client for self-hosted servers speaking the
// OpenAI chat protocol (vLLM, Ollama's /v1, llama.cpp server).
func Compatible(baseURL, apiKey string, httpClient *http.Client) *goopenai.Client {
	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return goopenai.NewClientWithConfig(cfg)
}
