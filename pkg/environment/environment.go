package environment

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/boristopalov/rtgym/pkg/core"
)

// Game is an environment that also renders its own prompts.
type Game interface {
	core.Environment
	core.Describer
}

type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

type State struct {
	Status    Status
	Step      int
	Timestamp time.Time
}

// BaseEnvironment tracks the lifecycle shared by every game: status, turn
// counter and the time of the last transition.
type BaseEnvironment struct {
	state State
	mu    sync.RWMutex
}

func NewBaseEnvironment() *BaseEnvironment {
	return &BaseEnvironment{
		state: State{
			Status:    StatusIdle,
			Timestamp: time.Now(),
		},
	}
}

func (e *BaseEnvironment) GetState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// begin resets the turn counter for a new episode.
func (e *BaseEnvironment) begin() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = State{Status: StatusRunning, Timestamp: time.Now()}
}

// advance moves to the next turn and returns it.
func (e *BaseEnvironment) advance() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status != StatusRunning {
		return 0, fmt.Errorf("step on %s environment", e.state.Status)
	}
	e.state.Step++
	e.state.Timestamp = time.Now()
	return e.state.Step, nil
}

func (e *BaseEnvironment) finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Status = StatusFinished
	e.state.Timestamp = time.Now()
}

// Factory builds a game from a seed.
type Factory func(seed int64) Game

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"freeway": func(seed int64) Game { return NewFreeway(seed) },
	}
)

// Register adds a named game. Registering a taken name is an error.
func Register(name string, f Factory) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		return fmt.Errorf("environment %q is already registered", name)
	}
	registry[name] = f
	return nil
}

// New builds the named game.
func New(name string, seed int64) (Game, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown environment %q (known: %v)", name, names())
	}
	return f(seed), nil
}

// Names lists the registered games.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return names()
}

func names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
