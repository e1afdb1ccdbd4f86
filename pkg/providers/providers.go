package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
)

// ErrMissingCredentials is returned when a hosted backend has no API key.
var ErrMissingCredentials = errors.New("missing backend credentials")

// FinishReason is the normalised reason a generation stopped.
type FinishReason string

const (
	FinishNone   FinishReason = ""
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishOther  FinishReason = "other"
)

func normalizeFinish(s string) FinishReason {
	switch strings.ToLower(s) {
	case "":
		return FinishNone
	case "stop", "end_turn", "eos":
		return FinishStop
	case "length", "max_tokens":
		return FinishLength
	default:
		return FinishOther
	}
}

// Completion is the result of a blocking call.
type Completion struct {
	Text         string
	Usage        core.Usage
	FinishReason FinishReason
}

// Delta is one streamed fragment. Usage, when set, is cumulative for the
// call so far.
type Delta struct {
	Text         string
	Usage        *core.Usage
	FinishReason FinishReason
}

// Backend is a generative model endpoint.
type Backend interface {
	// Name identifies the backend in logs and metrics
	Name() string
	// Accounting is the token accounting policy for this backend
	Accounting() budget.AccountingPolicy
	// Complete blocks until the model finishes. maxTokens <= 0 means no hint.
	Complete(ctx context.Context, prompt string, maxTokens int) (Completion, error)
	// CompleteStream streams fragments until the model finishes or ctx is
	// cancelled. The delta channel is closed first; at most one error is
	// sent on the error channel before it is closed.
	CompleteStream(ctx context.Context, prompt string, maxTokens int) (<-chan Delta, <-chan error)
}

type ProviderParams struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

type Option func(*ProviderParams)

func WithBaseURL(baseURL string) Option {
	return func(p *ProviderParams) {
		p.BaseURL = baseURL
	}
}

func WithAPIKey(apiKey string) Option {
	return func(p *ProviderParams) {
		p.APIKey = apiKey
	}
}

func WithModel(model string) Option {
	return func(p *ProviderParams) {
		p.Model = model
	}
}

// WithMaxTokens caps every generation regardless of the budget hint.
func WithMaxTokens(n int) Option {
	return func(p *ProviderParams) {
		p.MaxTokens = n
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *ProviderParams) {
		p.HTTPClient = c
	}
}

func buildParams(opts []Option) ProviderParams {
	var p ProviderParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// limit combines the per-call hint with the configured cap.
func (p ProviderParams) limit(hint int) int {
	switch {
	case hint <= 0:
		return max(p.MaxTokens, 0)
	case p.MaxTokens > 0 && hint > p.MaxTokens:
		return p.MaxTokens
	default:
		return hint
	}
}

// Kinds accepted by New.
const (
	KindOpenAI     = "openai"
	KindGemini     = "gemini"
	KindCompatible = "compatible"
)

// New builds the backend for kind. Aliases "vllm" and "ollama" select the
// OpenAI-compatible backend.
func New(ctx context.Context, kind string, opts ...Option) (Backend, error) {
	switch strings.ToLower(kind) {
	case KindOpenAI:
		return NewOpenAI(opts...)
	case KindGemini, "google":
		return NewGemini(ctx, opts...)
	case KindCompatible, "vllm", "ollama":
		return NewCompatible(opts...)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", kind)
	}
}

// send delivers d unless ctx is done first.
func send(ctx context.Context, out chan<- Delta, d Delta) bool {
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

func envOr(v, name string) string {
	if v != "" {
		return v
	}
	return os.Getenv(name)
}
