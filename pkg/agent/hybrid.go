package agent

import (
	"context"

	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
	"github.com/boristopalov/rtgym/pkg/inference"
	"github.com/boristopalov/rtgym/pkg/memory"
)

// Hybrid runs a background planning call alongside a foreground reactive
// call. Each turn the planner gets budget minus reserve, the reactive call
// gets the reserve, and the reactive prompt carries a digest of whatever
// the planner has produced.
type Hybrid struct {
	deps
	reserve     float64
	digestChars int
	planner     *backgroundPlanner
	recent      *memory.Memory[core.Action]
}

func newHybrid(d deps, planner *inference.Invoker, reserve float64, planMaxTokens, digestChars int, recent *memory.Memory[core.Action]) *Hybrid {
	if planner == nil {
		planner = d.invoker
	}
	return &Hybrid{
		deps:        d,
		reserve:     reserve,
		digestChars: digestChars,
		planner:     newBackgroundPlanner(d, planner, planMaxTokens),
		recent:      recent,
	}
}

func (h *Hybrid) Mode() core.Mode {
	return core.ModeHybrid
}

func (h *Hybrid) Decide(ctx context.Context, obs core.Observation, b *budget.Budget) Decision {
	var dec Decision
	planB, reactB := b.Split(h.reserve)
	prompts := h.describer.DescribeHybrid(obs.State)
	plan := h.planner.plan

	h.planner.absorb()
	if h.planner.idle() {
		h.planner.start(prompts.Planning, obs.Turn)
		dec.Record.PlanningPrompt = prompts.Planning
	}

	// the reactive call waits until the planner has had its share of the turn
	h.planner.advance(ctx, planB)
	snap := h.planner.snapshot()
	h.planner.absorb()
	dec.ProviderFailed, _ = h.planner.failure()

	plan.SkipAhead(obs.Turn)
	hasPlan := !plan.Empty()
	planned := plan.Drain()
	dec.Record.PlanningResponse = snap.text
	dec.Record.PlanningTokens = int(planB.Consumed())
	dec.Record.PlanText = core.Sequence(plan.Remaining())

	reactivePrompt := prompts.Reactive + digest{
		planText:  snap.text,
		finished:  snap.done,
		planned:   planned,
		hasPlan:   hasPlan,
		remaining: plan.Remaining(),
		recent:    h.recent.All(),
		limit:     h.digestChars,
	}.String()
	dec.Record.ReactivePrompt = reactivePrompt

	if reactB.Exhausted() {
		dec.Action = h.defaultAction()
		dec.DefaultUsed = true
		return dec
	}

	res, reactive := h.single(ctx, h.invoker, reactivePrompt, reactB)
	dec.Action = reactive.Action
	dec.ParseFailed = reactive.ParseFailed
	dec.ProviderFailed = dec.ProviderFailed || reactive.ProviderFailed
	dec.DefaultUsed = reactive.DefaultUsed
	dec.Record.ReactiveResponse = res.RawText
	dec.Record.ReactiveTokens = res.TokensConsumed
	return dec
}

func (h *Hybrid) Reset() {
	h.planner.reset()
}

func (h *Hybrid) Close() {
	h.planner.close()
}
