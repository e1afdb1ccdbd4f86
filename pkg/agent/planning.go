package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
	"github.com/boristopalov/rtgym/pkg/inference"
)

// Planning spends a turn budget on a multi-turn plan and plays it out one
// action per turn before planning again.
//
// When streaming, the planning call outlives the turn: it gets the whole
// budget of every turn until it finishes, and the plan is substituted as
// soon as a complete answer block appears. Until then the leftover plan, or
// the default action, is played. A blocking call has to finish inside the
// turn that issued it.
type Planning struct {
	deps
	planner *backgroundPlanner
}

func newPlanning(d deps, planMaxTokens int) *Planning {
	return &Planning{deps: d, planner: newBackgroundPlanner(d, d.invoker, planMaxTokens)}
}

func (p *Planning) Mode() core.Mode {
	return core.ModePlanning
}

func (p *Planning) Decide(ctx context.Context, obs core.Observation, b *budget.Budget) Decision {
	var dec Decision
	if p.stream {
		p.spanning(ctx, obs, b, &dec)
	} else {
		p.blocking(ctx, obs, b, &dec)
	}

	plan := p.planner.plan
	dec.DefaultUsed = plan.Empty()
	dec.Action = plan.Next(obs.Turn)
	dec.Record.PlanText = core.Sequence(plan.Remaining())
	return dec
}

func (p *Planning) spanning(ctx context.Context, obs core.Observation, b *budget.Budget, dec *Decision) {
	bp := p.planner
	bp.absorb()
	bp.plan.SkipAhead(obs.Turn)
	if bp.idle() && bp.plan.Empty() {
		prompt := p.describer.DescribePlanning(obs.State)
		bp.start(prompt, obs.Turn)
		dec.Record.PlanningPrompt = prompt
	}
	if bp.idle() {
		return
	}

	bp.advance(ctx, b)
	bp.absorb()
	dec.Record.PlanningResponse = bp.snapshot().text
	dec.Record.PlanningTokens = int(b.Consumed())
	dec.ProviderFailed, dec.ParseFailed = bp.failure()
	if dec.ParseFailed {
		p.logger.Info("planning call finished without a legal plan")
	}
	// whatever follows the answer block is not needed
	if bp.absorbed() && !bp.idle() {
		bp.stopTask()
	}
}

func (p *Planning) blocking(ctx context.Context, obs core.Observation, b *budget.Budget, dec *Decision) {
	plan := p.planner.plan
	plan.SkipAhead(obs.Turn)
	if !plan.Empty() {
		return
	}

	prompt := p.describer.DescribePlanning(obs.State)
	res := p.invoker.Invoke(ctx, inference.Request{Prompt: prompt, Budget: b})
	seq := p.extractor.Sequence(res.RawText, p.alphabet())

	dec.Record.PlanningPrompt = prompt
	dec.Record.PlanningResponse = res.RawText
	dec.Record.PlanningTokens = res.TokensConsumed
	dec.ProviderFailed = res.Failed()
	dec.ParseFailed = len(seq) == 0 && !res.Failed()

	if len(seq) > 0 {
		plan.Replace(seq, obs.Turn)
		p.logger.Debug("plan stocked",
			zap.Int("turn", obs.Turn),
			zap.String("plan", core.Sequence(seq)),
			zap.Bool("completed", res.CompletedNaturally),
		)
	}
}

func (p *Planning) Reset() {
	p.planner.reset()
}

func (p *Planning) Close() {
	p.planner.close()
}
