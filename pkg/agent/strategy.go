package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
	"github.com/boristopalov/rtgym/pkg/extract"
	"github.com/boristopalov/rtgym/pkg/inference"
)

// Decision is the outcome of one turn.
type Decision struct {
	Action core.Action
	// Record carries the prompts, responses and token counts of the turn.
	Record core.TurnRecord
	// ParseFailed is set when the model answered but no legal action could
	// be extracted.
	ParseFailed bool
	// ProviderFailed is set when an inference call of the turn failed.
	ProviderFailed bool
	// DefaultUsed is set when the default action was played.
	DefaultUsed bool
}

// Strategy decides one action per turn within a budget.
type Strategy interface {
	Mode() core.Mode
	Decide(ctx context.Context, obs core.Observation, b *budget.Budget) Decision
	// Reset drops cross-turn state at episode boundaries.
	Reset()
	// Close releases background work.
	Close()
}

// deps are shared by every strategy.
type deps struct {
	describer core.Describer
	invoker   *inference.Invoker
	extractor *extract.Extractor
	stream    bool
	logger    *zap.Logger
}

func (d deps) alphabet() core.Alphabet {
	return d.describer.Alphabet()
}

func (d deps) defaultAction() core.Action {
	return d.describer.DefaultAction()
}

// single runs one call and extracts a single action from it.
func (d deps) single(ctx context.Context, inv *inference.Invoker, prompt string, b *budget.Budget) (core.InferenceResult, Decision) {
	res := inv.Invoke(ctx, inference.Request{Prompt: prompt, Budget: b, Stream: d.stream})
	action, ok := d.extractor.Action(res.RawText, d.alphabet(), d.defaultAction())
	dec := Decision{
		Action:         action,
		ProviderFailed: res.Failed(),
		ParseFailed:    !ok && !res.Failed(),
		DefaultUsed:    !ok,
	}
	if dec.ParseFailed {
		d.logger.Info("no legal action in response, playing default",
			zap.String("default", d.defaultAction().String()),
			zap.Bool("completed", res.CompletedNaturally),
		)
	}
	return res, dec
}
