package providers

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/boristopalov/rtgym/internal/client"
	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
)

type OpenAI struct {
	client *openai.Client
	params ProviderParams
}

// NewOpenAI builds an OpenAI backend. Base URL and key fall back to
// OPENAI_API_BASE_URL and OPENAI_API_KEY.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	params := buildParams(opts)
	params.BaseURL = envOr(params.BaseURL, "OPENAI_API_BASE_URL")
	if params.BaseURL == "" {
		params.BaseURL = client.DefaultOpenAIBaseURL
	}
	params.APIKey = envOr(params.APIKey, "OPENAI_API_KEY")
	if params.APIKey == "" && params.BaseURL == client.DefaultOpenAIBaseURL {
		return nil, fmt.Errorf("openai: %w: set OPENAI_API_KEY", ErrMissingCredentials)
	}
	if params.Model == "" {
		params.Model = "gpt-4o-mini"
	}
	return &OpenAI{
		client: client.OpenAI(params.BaseURL, params.APIKey, params.HTTPClient),
		params: params,
	}, nil
}

func (c *OpenAI) Name() string {
	return "openai/" + c.params.Model
}

func (c *OpenAI) Accounting() budget.AccountingPolicy {
	return budget.CompletionTokens
}

func (c *OpenAI) request(prompt string, maxTokens int) openai.ChatCompletionNewParams {
	req := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model: openai.ChatModel(c.params.Model),
	}
	if n := c.params.limit(maxTokens); n > 0 {
		req.MaxCompletionTokens = openai.Int(int64(n))
	}
	return req
}

func (c *OpenAI) Complete(ctx context.Context, prompt string, maxTokens int) (Completion, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.request(prompt, maxTokens))
	if err != nil {
		return Completion{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("openai completion: response has no choices")
	}
	return Completion{
		Text:         resp.Choices[0].Message.Content,
		FinishReason: normalizeFinish(string(resp.Choices[0].FinishReason)),
		Usage: core.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (c *OpenAI) CompleteStream(ctx context.Context, prompt string, maxTokens int) (<-chan Delta, <-chan error) {
	out := make(chan Delta)
	errc := make(chan error, 1)

	req := c.request(prompt, maxTokens)
	req.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	go func() {
		defer close(out)
		defer close(errc)

		stream := c.client.Chat.Completions.NewStreaming(ctx, req)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			var d Delta
			if len(chunk.Choices) > 0 {
				d.Text = chunk.Choices[0].Delta.Content
				d.FinishReason = normalizeFinish(string(chunk.Choices[0].FinishReason))
			}
			if chunk.Usage.TotalTokens > 0 {
				d.Usage = &core.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}
			if d.Text == "" && d.Usage == nil && d.FinishReason == FinishNone {
				continue
			}
			if !send(ctx, out, d) {
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			errc <- fmt.Errorf("openai stream: %w", err)
		}
	}()

	return out, errc
}
