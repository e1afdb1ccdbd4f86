package experiment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/boristopalov/rtgym/internal/observability"
	"github.com/boristopalov/rtgym/pkg/agent"
	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/environment"
	"github.com/boristopalov/rtgym/pkg/messaging"
)

// GameFactory builds the environment for one episode.
type GameFactory func(seed int64) (environment.Game, error)

// AgentFactory builds the agent for one episode. Each episode gets its own
// agent so plans and background planning never leak across episodes.
type AgentFactory func(game environment.Game, episode int) (*agent.Agent, error)

type Status struct {
	Running   bool
	StartTime time.Time
	EndTime   time.Time
	Completed int
}

// Experiment runs a batch of episodes, optionally in parallel, and persists
// turn records and summaries under an output directory.
type Experiment struct {
	name     string
	newGame  GameFactory
	newAgent AgentFactory
	unit     budget.Unit
	perTurn  float64
	maxTurns int
	episodes int
	parallel int
	seed     int64

	outputDir string
	broker    *messaging.SimpleBroker
	metrics   *observability.Metrics
	logger    *zap.Logger

	mu     sync.RWMutex
	status Status
}

type Params struct {
	Name      string
	Unit      budget.Unit
	PerTurn   float64
	MaxTurns  int
	Episodes  int
	Parallel  int
	Seed      int64
	OutputDir string
	Broker    *messaging.SimpleBroker
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

func NewExperiment(newGame GameFactory, newAgent AgentFactory, params Params) *Experiment {
	e := &Experiment{
		name:      params.Name,
		newGame:   newGame,
		newAgent:  newAgent,
		unit:      params.Unit,
		perTurn:   params.PerTurn,
		maxTurns:  max(params.MaxTurns, 1),
		episodes:  max(params.Episodes, 1),
		parallel:  max(params.Parallel, 1),
		seed:      params.Seed,
		outputDir: params.OutputDir,
		broker:    params.Broker,
		metrics:   params.Metrics,
		logger:    params.Logger,
	}
	if e.name == "" {
		e.name = "run-" + time.Now().Format("2006-01-02_15-04-05")
	}
	if e.broker == nil {
		e.broker = messaging.NewBroker()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

func (e *Experiment) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Run plays every episode. Episode seeds are seed, seed+1, ... An episode
// error does not stop the others; the first one is returned after all
// episodes finish.
func (e *Experiment) Run(ctx context.Context) ([]Summary, error) {
	e.mu.Lock()
	e.status = Status{Running: true, StartTime: time.Now()}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.status.Running = false
		e.status.EndTime = time.Now()
		e.mu.Unlock()
	}()

	var sink *JSONLSink
	dir := filepath.Join(e.outputDir, e.name)
	if e.outputDir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
		var err error
		if sink, err = NewJSONLSink(filepath.Join(dir, "turns.jsonl"), e.logger); err != nil {
			return nil, err
		}
		if err := sink.Attach(e.broker, "jsonl", 1024); err != nil {
			sink.Close()
			return nil, err
		}
	}

	summaries := make([]Summary, e.episodes)
	g := new(errgroup.Group)
	g.SetLimit(e.parallel)
	for i := 0; i < e.episodes; i++ {
		g.Go(func() error {
			s, err := e.runEpisode(ctx, i)
			summaries[i] = s
			e.mu.Lock()
			e.status.Completed++
			e.mu.Unlock()
			return err
		})
	}
	runErr := g.Wait()

	if sink != nil {
		if err := sink.Close(); err != nil && runErr == nil {
			runErr = err
		}
		if err := WriteSummaries(filepath.Join(dir, "summary.yaml"), summaries); err != nil && runErr == nil {
			runErr = err
		}
	}
	return summaries, runErr
}

func (e *Experiment) runEpisode(ctx context.Context, i int) (Summary, error) {
	seed := e.seed + int64(i)
	id := newEpisodeID()
	fail := func(err error) (Summary, error) {
		e.metrics.RecordEpisode("", err)
		return Summary{Episode: id, Seed: seed, Error: err.Error()}, err
	}

	game, err := e.newGame(seed)
	if err != nil {
		return fail(fmt.Errorf("episode %d: build environment: %w", i, err))
	}
	a, err := e.newAgent(game, i)
	if err != nil {
		return fail(fmt.Errorf("episode %d: build agent: %w", i, err))
	}
	defer a.Close()

	loop := NewLoop(game, a, e.unit, e.perTurn,
		WithEpisodeID(id),
		WithSeed(seed),
		WithMaxTurns(e.maxTurns),
		WithBroker(e.broker),
		WithMetrics(e.metrics),
		WithLogger(e.logger),
	)
	return loop.Run(ctx)
}

func newEpisodeID() string {
	return "episode-" + uuid.New().String()
}
