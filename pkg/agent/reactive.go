package agent

import (
	"context"

	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
)

// Reactive spends the whole turn budget on one call for one action.
type Reactive struct {
	deps
}

func (r *Reactive) Mode() core.Mode {
	return core.ModeReactive
}

func (r *Reactive) Decide(ctx context.Context, obs core.Observation, b *budget.Budget) Decision {
	prompt := r.describer.DescribeReactive(obs.State)
	res, dec := r.single(ctx, r.invoker, prompt, b)
	dec.Record.ReactivePrompt = prompt
	dec.Record.ReactiveResponse = res.RawText
	dec.Record.ReactiveTokens = res.TokensConsumed
	return dec
}

func (r *Reactive) Reset() {}

func (r *Reactive) Close() {}
