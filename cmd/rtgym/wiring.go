package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/boristopalov/rtgym/internal/observability"
	"github.com/boristopalov/rtgym/pkg/agent"
	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/config"
	"github.com/boristopalov/rtgym/pkg/environment"
	"github.com/boristopalov/rtgym/pkg/extract"
	"github.com/boristopalov/rtgym/pkg/inference"
	"github.com/boristopalov/rtgym/pkg/providers"
	"github.com/boristopalov/rtgym/pkg/providers/mock"
)

// dryRunAnswer is what the scripted backend says in every mode.
const dryRunAnswer = `Moving up looks safe. \boxed{U}`

type runDeps struct {
	cfg     *config.Config
	main    *inference.Invoker
	planner *inference.Invoker
	ex      *extract.Extractor
	logger  *zap.Logger
}

func newRunDeps(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (*runDeps, error) {
	ex, err := extract.New(cfg.Agent.Delimiter)
	if err != nil {
		return nil, err
	}
	primary, err := newInvoker(ctx, cfg, cfg.Backend, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}
	planner := primary
	if cfg.PlannerBackend.Kind != "" {
		if planner, err = newInvoker(ctx, cfg, cfg.PlannerBackend, metrics, logger); err != nil {
			return nil, fmt.Errorf("planner backend: %w", err)
		}
	}
	return &runDeps{cfg: cfg, main: primary, planner: planner, ex: ex, logger: logger}, nil
}

func newInvoker(ctx context.Context, cfg *config.Config, b config.BackendConfig, metrics *observability.Metrics, logger *zap.Logger) (*inference.Invoker, error) {
	var backend providers.Backend
	if strings.EqualFold(b.Kind, config.BackendMock) {
		m := mock.New()
		m.Fallback = mock.Constant(dryRunAnswer)
		backend = m
	} else {
		var err error
		backend, err = providers.New(ctx, b.Kind,
			providers.WithModel(b.Model),
			providers.WithBaseURL(b.BaseURL),
			providers.WithAPIKey(b.APIKey),
			providers.WithMaxTokens(b.MaxTokens),
		)
		if err != nil {
			return nil, err
		}
	}

	opts := []inference.Option{
		inference.WithGracePeriod(cfg.Agent.GracePeriod),
		inference.WithCallTimeout(cfg.Agent.CallTimeout),
		inference.WithIdleTimeout(cfg.Agent.IdleTimeout),
		inference.WithLogger(logger),
		inference.WithMetrics(metrics),
	}
	if cfg.Budget.Policy != "" {
		policy, err := budget.ParsePolicy(cfg.Budget.Policy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, inference.WithPolicy(policy))
	}
	return inference.New(backend, opts...), nil
}

func (d *runDeps) newGame(seed int64) (environment.Game, error) {
	game, err := environment.New(d.cfg.Episode.Environment, seed)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateGame(game.Alphabet(), game.DefaultAction()); err != nil {
		return nil, err
	}
	return game, nil
}

func (d *runDeps) newAgent(game environment.Game, episode int) (*agent.Agent, error) {
	mode, err := d.cfg.Mode()
	if err != nil {
		return nil, err
	}
	return agent.NewAgent(game, d.main,
		agent.WithAgentID(fmt.Sprintf("%s-%d", mode, episode)),
		agent.WithMode(mode),
		agent.WithStreaming(d.cfg.Agent.Stream),
		agent.WithExtractor(d.ex),
		agent.WithPlanner(d.planner),
		agent.WithReserve(d.cfg.Agent.Reserve),
		agent.WithPlanMaxTokens(d.cfg.Agent.PlanMaxTokens),
		agent.WithDigestChars(d.cfg.Agent.DigestChars),
		agent.WithHistorySize(d.cfg.Agent.HistorySize),
		agent.WithLogThinking(d.cfg.Agent.LogThinking),
		agent.WithLogger(d.logger),
	)
}
