package providers

import (
	"context"
	"errors"
	"fmt"
	"io"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/boristopalov/rtgym/internal/client"
	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
)

// Compatible talks to self-hosted servers exposing the OpenAI chat API.
type Compatible struct {
	client *goopenai.Client
	params ProviderParams
}

// NewCompatible builds a backend for an OpenAI-compatible server. A base URL
// and model are required; the API key is optional.
func NewCompatible(opts ...Option) (*Compatible, error) {
	params := buildParams(opts)
	if params.BaseURL == "" {
		return nil, fmt.Errorf("compatible backend: base URL is required")
	}
	if params.Model == "" {
		return nil, fmt.Errorf("compatible backend: model is required")
	}
	return &Compatible{
		client: client.Compatible(params.BaseURL, params.APIKey, params.HTTPClient),
		params: params,
	}, nil
}

func (c *Compatible) Name() string {
	return "compatible/" + c.params.Model
}

func (c *Compatible) Accounting() budget.AccountingPolicy {
	return budget.CompletionTokens
}

func (c *Compatible) request(prompt string, maxTokens int) goopenai.ChatCompletionRequest {
	return goopenai.ChatCompletionRequest{
		Model: c.params.Model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens: c.params.limit(maxTokens),
	}
}

func compatUsage(u goopenai.Usage) core.Usage {
	return core.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func (c *Compatible) Complete(ctx context.Context, prompt string, maxTokens int) (Completion, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.request(prompt, maxTokens))
	if err != nil {
		return Completion{}, fmt.Errorf("compatible completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("compatible completion: response has no choices")
	}
	return Completion{
		Text:         resp.Choices[0].Message.Content,
		FinishReason: normalizeFinish(string(resp.Choices[0].FinishReason)),
		Usage:        compatUsage(resp.Usage),
	}, nil
}

func (c *Compatible) CompleteStream(ctx context.Context, prompt string, maxTokens int) (<-chan Delta, <-chan error) {
	out := make(chan Delta)
	errc := make(chan error, 1)

	req := c.request(prompt, maxTokens)
	req.Stream = true
	req.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}

	go func() {
		defer close(out)
		defer close(errc)

		stream, err := c.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			errc <- fmt.Errorf("compatible stream: %w", err)
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					errc <- fmt.Errorf("compatible stream: %w", err)
				}
				return
			}
			var d Delta
			if len(resp.Choices) > 0 {
				d.Text = resp.Choices[0].Delta.Content
				d.FinishReason = normalizeFinish(string(resp.Choices[0].FinishReason))
			}
			if resp.Usage != nil {
				u := compatUsage(*resp.Usage)
				d.Usage = &u
			}
			if d.Text == "" && d.Usage == nil && d.FinishReason == FinishNone {
				continue
			}
			if !send(ctx, out, d) {
				return
			}
		}
	}()

	return out, errc
}
