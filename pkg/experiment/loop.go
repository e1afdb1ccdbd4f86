package experiment

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/boristopalov/rtgym/internal/observability"
	"github.com/boristopalov/rtgym/pkg/agent"
	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
	"github.com/boristopalov/rtgym/pkg/messaging"
)

// Summary is the per-episode outcome. Failures are counted, never fatal.
type Summary struct {
	Episode          string    `yaml:"episode"`
	Strategy         string    `yaml:"strategy"`
	Seed             int64     `yaml:"seed"`
	Turns            int       `yaml:"turns"`
	TotalReward      float64   `yaml:"total_reward"`
	Done             bool      `yaml:"done"`
	Resets           int       `yaml:"resets"`
	ParseFailures    int       `yaml:"parse_failures"`
	ProviderFailures int       `yaml:"provider_failures"`
	DefaultActions   int       `yaml:"default_actions"`
	ReactiveTokens   int       `yaml:"reactive_tokens"`
	PlanningTokens   int       `yaml:"planning_tokens"`
	Started          time.Time `yaml:"started"`
	Finished         time.Time `yaml:"finished"`
	Error            string    `yaml:"error,omitempty"`
}

func (s *Summary) add(rec core.TurnRecord) {
	s.Turns++
	s.TotalReward += rec.Reward
	s.ReactiveTokens += rec.ReactiveTokens
	s.PlanningTokens += rec.PlanningTokens
	if rec.ParseFailed {
		s.ParseFailures++
	}
	if rec.ProviderFailed {
		s.ProviderFailures++
	}
	if rec.DefaultUsed {
		s.DefaultActions++
	}
}

// Loop drives one episode: reset, then one budgeted decision per turn until
// the environment is done or the turn cap is hit.
type Loop struct {
	env      core.Environment
	agent    *agent.Agent
	unit     budget.Unit
	perTurn  float64
	maxTurns int

	episodeID string
	seed      int64
	broker    messaging.Broker
	metrics   *observability.Metrics
	logger    *zap.Logger
}

type LoopOption func(*Loop)

func WithEpisodeID(id string) LoopOption {
	return func(l *Loop) {
		l.episodeID = id
	}
}

func WithSeed(seed int64) LoopOption {
	return func(l *Loop) {
		l.seed = seed
	}
}

func WithMaxTurns(n int) LoopOption {
	return func(l *Loop) {
		l.maxTurns = n
	}
}

// WithBroker publishes every turn record to b.
func WithBroker(b messaging.Broker) LoopOption {
	return func(l *Loop) {
		l.broker = b
	}
}

func WithMetrics(m *observability.Metrics) LoopOption {
	return func(l *Loop) {
		l.metrics = m
	}
}

func WithLogger(logger *zap.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}

func NewLoop(env core.Environment, a *agent.Agent, unit budget.Unit, perTurn float64, opts ...LoopOption) *Loop {
	l := &Loop{
		env:      env,
		agent:    a,
		unit:     unit,
		perTurn:  perTurn,
		maxTurns: 100,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.episodeID == "" {
		l.episodeID = newEpisodeID()
	}
	l.logger = l.logger.With(zap.String("episode", l.episodeID), zap.String("strategy", a.Mode().String()))
	return l
}

// Run plays the episode. Only environment errors and cancellation end it
// early; the summary covers the turns played either way.
func (l *Loop) Run(ctx context.Context) (Summary, error) {
	summary := Summary{
		Episode:  l.episodeID,
		Strategy: l.agent.Mode().String(),
		Seed:     l.seed,
		Started:  time.Now(),
	}

	err := l.run(ctx, &summary)
	summary.Finished = time.Now()
	if err != nil {
		summary.Error = err.Error()
	}
	l.metrics.RecordEpisode(summary.Strategy, err)
	l.logger.Info("episode finished",
		zap.Int("turns", summary.Turns),
		zap.Float64("reward", summary.TotalReward),
		zap.Bool("done", summary.Done),
		zap.Int("parse_failures", summary.ParseFailures),
		zap.Int("provider_failures", summary.ProviderFailures),
		zap.Int("default_actions", summary.DefaultActions),
		zap.Error(err),
	)
	return summary, err
}

func (l *Loop) run(ctx context.Context, summary *Summary) error {
	l.agent.Reset()
	// stops background planning at episode end
	defer l.agent.Reset()

	obs, done, err := l.env.Reset(ctx)
	if err != nil {
		return fmt.Errorf("reset environment: %w", err)
	}

	for turn := 0; !done && turn < l.maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		dec := l.agent.Act(ctx, obs, budget.New(l.unit, l.perTurn))
		step, err := l.env.Step(ctx, dec.Action)
		if err != nil {
			return fmt.Errorf("step environment at turn %d: %w", turn, err)
		}

		rec := dec.Record
		rec.Episode = l.episodeID
		rec.Turn = turn
		rec.RenderedState = obs.Text
		rec.Reward = step.Reward
		rec.Timestamp = time.Now()
		summary.add(rec)
		l.publish(rec)
		l.metrics.RecordTurn(rec.Strategy, rec.ParseFailed, rec.ProviderFailed, rec.DefaultUsed)

		if step.ResetFlag {
			summary.Resets++
			l.agent.Reset()
			l.logger.Debug("environment reset, plan cleared", zap.Int("turn", turn))
		}
		obs, done = step.Observation, step.Done
	}
	summary.Done = done
	return nil
}

func (l *Loop) publish(rec core.TurnRecord) {
	if l.broker == nil {
		return
	}
	err := l.broker.Publish(messaging.Message{
		From:      l.episodeID,
		Record:    rec,
		Timestamp: rec.Timestamp,
	})
	if err != nil {
		l.logger.Warn("turn record dropped", zap.Int("turn", rec.Turn), zap.Error(err))
	}
}
