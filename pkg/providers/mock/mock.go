// Package mock provides a scripted Backend for tests and dry runs.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
	"github.com/boristopalov/rtgym/pkg/providers"
)

// Response scripts one call.
type Response struct {
	// Fragments are streamed in order; a blocking call returns them joined.
	Fragments []string
	// Err fails the call. When Fragments are set the error is sent after them.
	Err error
	// PromptTokens is reported in usage.
	PromptTokens int
	// TokensPerFragment makes streamed fragments carry cumulative usage.
	// Zero leaves usage off the fragments.
	TokensPerFragment int
	// ExtraTotal is added to the reported total only, like hidden reasoning.
	ExtraTotal int
	// Delay is waited before every fragment, or once for a blocking call.
	Delay time.Duration
	// Hold blocks the call until it is closed.
	Hold <-chan struct{}
	// Finish overrides the final finish reason (default stop).
	Finish providers.FinishReason
}

// Text builds a response streamed one word at a time.
func Text(s string) Response {
	return Response{Fragments: strings.SplitAfter(s, " ")}
}

// Backend replays scripted responses in order, then Fallback.
type Backend struct {
	mu        sync.Mutex
	name      string
	policy    budget.AccountingPolicy
	responses []Response
	calls     int
	prompts   []string
	hints     []int
	closed    int

	// Fallback answers every call after the script runs out.
	Fallback func(prompt string) Response
}

func New(responses ...Response) *Backend {
	return &Backend{name: "mock", responses: responses}
}

// WithPolicy sets the accounting policy reported by the backend.
func (b *Backend) WithPolicy(p budget.AccountingPolicy) *Backend {
	b.policy = p
	return b
}

func (b *Backend) Name() string {
	return b.name
}

func (b *Backend) Accounting() budget.AccountingPolicy {
	return b.policy
}

// Calls returns how many calls were made.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Prompts returns every prompt received, in call order.
func (b *Backend) Prompts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prompts...)
}

// Hints returns every max-token hint received, in call order.
func (b *Backend) Hints() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.hints...)
}

// Abandoned counts streams that ended because the caller cancelled them.
func (b *Backend) Abandoned() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) next(prompt string, hint int) Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompts = append(b.prompts, prompt)
	b.hints = append(b.hints, hint)
	i := b.calls
	b.calls++
	if i < len(b.responses) {
		return b.responses[i]
	}
	if b.Fallback != nil {
		return b.Fallback(prompt)
	}
	return Response{}
}

func (r Response) usage(fragments int) core.Usage {
	completion := fragments
	if r.TokensPerFragment > 0 {
		completion = fragments * r.TokensPerFragment
	}
	return core.Usage{
		PromptTokens:     r.PromptTokens,
		CompletionTokens: completion,
		TotalTokens:      r.PromptTokens + completion + r.ExtraTotal,
	}
}

func (r Response) finish() providers.FinishReason {
	if r.Finish != providers.FinishNone {
		return r.Finish
	}
	return providers.FinishStop
}

func wait(ctx context.Context, hold <-chan struct{}, d time.Duration) error {
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) Complete(ctx context.Context, prompt string, maxTokens int) (providers.Completion, error) {
	r := b.next(prompt, maxTokens)
	if err := wait(ctx, r.Hold, r.Delay); err != nil {
		return providers.Completion{}, err
	}
	if r.Err != nil {
		return providers.Completion{}, r.Err
	}
	return providers.Completion{
		Text:         strings.Join(r.Fragments, ""),
		Usage:        r.usage(len(r.Fragments)),
		FinishReason: r.finish(),
	}, nil
}

func (b *Backend) CompleteStream(ctx context.Context, prompt string, maxTokens int) (<-chan providers.Delta, <-chan error) {
	r := b.next(prompt, maxTokens)
	out := make(chan providers.Delta)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		abandon := func() {
			b.mu.Lock()
			b.closed++
			b.mu.Unlock()
		}
		if err := wait(ctx, r.Hold, 0); err != nil {
			abandon()
			return
		}
		for i, frag := range r.Fragments {
			if err := wait(ctx, nil, r.Delay); err != nil {
				abandon()
				return
			}
			d := providers.Delta{Text: frag}
			if r.TokensPerFragment > 0 {
				u := r.usage(i + 1)
				d.Usage = &u
			}
			if i == len(r.Fragments)-1 && r.Err == nil {
				d.FinishReason = r.finish()
			}
			select {
			case out <- d:
			case <-ctx.Done():
				abandon()
				return
			}
		}
		if r.Err != nil {
			errc <- r.Err
		}
	}()

	return out, errc
}

// Constant answers every call with the same text.
func Constant(text string) func(string) Response {
	return func(string) Response {
		return Text(text)
	}
}
