package core

import (
	"context"
)

// Describer turns opaque environment state into prompt text. There is one
// method per mode so each mode keeps its own return shape.
type Describer interface {
	// DescribeReactive renders the prompt for a single-action call
	DescribeReactive(state any) string
	// DescribePlanning renders the prompt for a multi-turn plan call
	DescribePlanning(state any) string
	// DescribeHybrid renders both prompts used by a hybrid turn
	DescribeHybrid(state any) HybridPrompt
	// Alphabet returns the legal action symbols
	Alphabet() Alphabet
	// DefaultAction is played whenever no legal action can be extracted
	DefaultAction() Action
}

// Step is the outcome of applying one action to the environment.
type Step struct {
	Observation Observation
	Done        bool
	Reward      float64
	// ResetFlag is set when the game state was reset mid-episode.
	ResetFlag bool
}

// Environment defines the loop contract the decision loop drives.
type Environment interface {
	// Reset starts a new episode
	Reset(ctx context.Context) (Observation, bool, error)
	// Step applies an action and advances the environment one turn
	Step(ctx context.Context, action Action) (Step, error)
}
