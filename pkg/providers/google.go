package providers

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/boristopalov/rtgym/internal/client"
	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
)

type Gemini struct {
	client *genai.Client
	params ProviderParams
}

// NewGemini builds a Gemini backend. The key falls back to GEMINI_API_KEY.
func NewGemini(ctx context.Context, opts ...Option) (*Gemini, error) {
	params := buildParams(opts)
	params.APIKey = envOr(params.APIKey, "GEMINI_API_KEY")
	if params.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w: set GEMINI_API_KEY", ErrMissingCredentials)
	}
	if params.Model == "" {
		params.Model = "gemini-2.5-flash"
	}
	c, err := client.Gemini(ctx, params.BaseURL, params.APIKey, params.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{client: c, params: params}, nil
}

func (c *Gemini) Name() string {
	return "gemini/" + c.params.Model
}

// Accounting charges total - prompt: thinking tokens are billed and take
// wall time but are not part of the candidates count.
func (c *Gemini) Accounting() budget.AccountingPolicy {
	return budget.TotalMinusPrompt
}

func (c *Gemini) config(maxTokens int) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if n := c.params.limit(maxTokens); n > 0 {
		cfg.MaxOutputTokens = int32(n)
	}
	return cfg
}

func geminiUsage(md *genai.GenerateContentResponseUsageMetadata) *core.Usage {
	if md == nil {
		return nil
	}
	return &core.Usage{
		PromptTokens:     int(md.PromptTokenCount),
		CompletionTokens: int(md.CandidatesTokenCount),
		TotalTokens:      int(md.TotalTokenCount),
	}
}

func geminiFinish(resp *genai.GenerateContentResponse) FinishReason {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return FinishNone
	}
	return normalizeFinish(string(resp.Candidates[0].FinishReason))
}

func (c *Gemini) Complete(ctx context.Context, prompt string, maxTokens int) (Completion, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.params.Model, genai.Text(prompt), c.config(maxTokens))
	if err != nil {
		return Completion{}, fmt.Errorf("gemini completion: %w", err)
	}
	out := Completion{
		Text:         resp.Text(),
		FinishReason: geminiFinish(resp),
	}
	if u := geminiUsage(resp.UsageMetadata); u != nil {
		out.Usage = *u
	}
	return out, nil
}

func (c *Gemini) CompleteStream(ctx context.Context, prompt string, maxTokens int) (<-chan Delta, <-chan error) {
	out := make(chan Delta)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.params.Model, genai.Text(prompt), c.config(maxTokens)) {
			if err != nil {
				if ctx.Err() == nil {
					errc <- fmt.Errorf("gemini stream: %w", err)
				}
				return
			}
			d := Delta{
				Text:         resp.Text(),
				Usage:        geminiUsage(resp.UsageMetadata),
				FinishReason: geminiFinish(resp),
			}
			if !send(ctx, out, d) {
				return
			}
		}
	}()

	return out, errc
}
