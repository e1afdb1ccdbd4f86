package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
	"github.com/boristopalov/rtgym/pkg/extract"
	"github.com/boristopalov/rtgym/pkg/inference"
	"github.com/boristopalov/rtgym/pkg/memory"
)

// Agent plays one environment with one strategy.
type Agent struct {
	id          string
	strategy    Strategy
	recent      *memory.Memory[core.Action]
	logThinking bool
	logger      *zap.Logger
}

type AgentParams struct {
	AgentID   string
	Mode      core.Mode
	Stream    bool
	Extractor *extract.Extractor
	// Planner serves the hybrid planning call; defaults to the main invoker.
	Planner *inference.Invoker
	// Reserve is the share of each hybrid turn budget kept for the reactive call.
	Reserve float64
	// PlanMaxTokens caps a hybrid planning call that spans turns.
	PlanMaxTokens int
	DigestChars   int
	HistorySize   int
	LogThinking   bool
	Logger        *zap.Logger
}

type AgentOption func(*AgentParams)

func WithAgentID(id string) AgentOption {
	return func(p *AgentParams) {
		p.AgentID = id
	}
}

func WithMode(m core.Mode) AgentOption {
	return func(p *AgentParams) {
		p.Mode = m
	}
}

// WithStreaming makes reactive and planning calls stream. A streaming
// planning call is carried across turns until it yields a plan.
func WithStreaming(stream bool) AgentOption {
	return func(p *AgentParams) {
		p.Stream = stream
	}
}

func WithExtractor(e *extract.Extractor) AgentOption {
	return func(p *AgentParams) {
		p.Extractor = e
	}
}

func WithPlanner(inv *inference.Invoker) AgentOption {
	return func(p *AgentParams) {
		p.Planner = inv
	}
}

func WithReserve(reserve float64) AgentOption {
	return func(p *AgentParams) {
		p.Reserve = reserve
	}
}

func WithPlanMaxTokens(n int) AgentOption {
	return func(p *AgentParams) {
		p.PlanMaxTokens = n
	}
}

func WithDigestChars(n int) AgentOption {
	return func(p *AgentParams) {
		p.DigestChars = n
	}
}

func WithHistorySize(n int) AgentOption {
	return func(p *AgentParams) {
		p.HistorySize = n
	}
}

// WithLogThinking keeps prompts and responses in turn records. Token
// counts are always kept.
func WithLogThinking(on bool) AgentOption {
	return func(p *AgentParams) {
		p.LogThinking = on
	}
}

func WithLogger(l *zap.Logger) AgentOption {
	return func(p *AgentParams) {
		p.Logger = l
	}
}

func defaultAgentParams() *AgentParams {
	return &AgentParams{
		AgentID:     "agent-" + uuid.New().String(),
		Mode:        core.ModeReactive,
		DigestChars: 2000,
		HistorySize: 8,
		LogThinking: true,
		Logger:      zap.NewNop(),
	}
}

// NewAgent builds an agent for the given describer. A malformed alphabet or
// a default action outside it is a configuration error.
func NewAgent(describer core.Describer, invoker *inference.Invoker, opts ...AgentOption) (*Agent, error) {
	params := defaultAgentParams()
	for _, opt := range opts {
		opt(params)
	}

	alphabet := describer.Alphabet()
	if err := alphabet.Validate(); err != nil {
		return nil, fmt.Errorf("legal action alphabet: %w", err)
	}
	if def := describer.DefaultAction(); !alphabet.Contains(rune(def)) {
		return nil, fmt.Errorf("default action %q is not in alphabet %q", def, alphabet)
	}
	if invoker == nil {
		return nil, fmt.Errorf("agent needs an invoker")
	}
	if params.Reserve < 0 {
		return nil, fmt.Errorf("reactive reserve must not be negative, got %v", params.Reserve)
	}
	if params.Extractor == nil {
		params.Extractor = extract.Default()
	}

	logger := params.Logger.With(zap.String("agent", params.AgentID), zap.String("strategy", params.Mode.String()))
	d := deps{
		describer: describer,
		invoker:   invoker,
		extractor: params.Extractor,
		stream:    params.Stream,
		logger:    logger,
	}
	recent := memory.NewMemory[core.Action](params.HistorySize)

	var s Strategy
	switch params.Mode {
	case core.ModeReactive:
		s = &Reactive{deps: d}
	case core.ModePlanning:
		s = newPlanning(d, params.PlanMaxTokens)
	case core.ModeHybrid:
		s = newHybrid(d, params.Planner, params.Reserve, params.PlanMaxTokens, params.DigestChars, recent)
	default:
		return nil, fmt.Errorf("unknown strategy %v", params.Mode)
	}

	return &Agent{
		id:          params.AgentID,
		strategy:    s,
		recent:      recent,
		logThinking: params.LogThinking,
		logger:      logger,
	}, nil
}

func (a *Agent) GetID() string {
	return a.id
}

func (a *Agent) Mode() core.Mode {
	return a.strategy.Mode()
}

// Act decides the action for one turn. It never fails: every failure
// degrades to the default action.
func (a *Agent) Act(ctx context.Context, obs core.Observation, b *budget.Budget) Decision {
	dec := a.strategy.Decide(ctx, obs, b)
	a.recent.Store(dec.Action)

	dec.Record.Turn = obs.Turn
	dec.Record.Strategy = a.strategy.Mode().String()
	dec.Record.Action = dec.Action.String()
	dec.Record.ParseFailed = dec.ParseFailed
	dec.Record.ProviderFailed = dec.ProviderFailed
	dec.Record.DefaultUsed = dec.DefaultUsed
	if !a.logThinking {
		dec.Record.ReactivePrompt, dec.Record.ReactiveResponse = "", ""
		dec.Record.PlanningPrompt, dec.Record.PlanningResponse = "", ""
		dec.Record.PlanText = ""
	}
	return dec
}

// Reset drops plans and history at an episode boundary or environment reset.
func (a *Agent) Reset() {
	a.strategy.Reset()
	a.recent.Clear()
}

// Close stops background planning.
func (a *Agent) Close() {
	a.strategy.Close()
}
