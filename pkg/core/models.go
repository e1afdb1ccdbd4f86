package core

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Action is a single symbol drawn from the environment's legal alphabet.
type Action rune

func (a Action) String() string {
	if a == 0 {
		return ""
	}
	return string(a)
}

// Sequence renders a list of actions as the string the model would write.
func Sequence(actions []Action) string {
	var b strings.Builder
	for _, a := range actions {
		b.WriteRune(rune(a))
	}
	return b.String()
}

// Alphabet is the closed set of legal action symbols, one rune per symbol.
type Alphabet string

// Contains reports whether r is a legal symbol.
func (a Alphabet) Contains(r rune) bool {
	return strings.ContainsRune(string(a), r)
}

// Validate rejects empty alphabets, whitespace symbols and duplicates.
func (a Alphabet) Validate() error {
	if a == "" {
		return fmt.Errorf("alphabet is empty")
	}
	seen := make(map[rune]bool, len(a))
	for _, r := range string(a) {
		if unicode.IsSpace(r) || r == unicode.ReplacementChar {
			return fmt.Errorf("alphabet %q contains an unusable symbol %q", string(a), r)
		}
		if seen[r] {
			return fmt.Errorf("alphabet %q repeats symbol %q", string(a), r)
		}
		seen[r] = true
	}
	return nil
}

// Mode selects how state is rendered and which strategy drives a turn.
type Mode int

const (
	ModeReactive Mode = iota
	ModePlanning
	ModeHybrid
)

func (m Mode) String() string {
	switch m {
	case ModeReactive:
		return "reactive"
	case ModePlanning:
		return "planning"
	case ModeHybrid:
		return "hybrid"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps a configuration string onto a Mode. "agile" is accepted as
// an alias for hybrid.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reactive":
		return ModeReactive, nil
	case "planning":
		return ModePlanning, nil
	case "hybrid", "agile":
		return ModeHybrid, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", s)
	}
}

// Observation is produced once per turn by the environment.
type Observation struct {
	Text  string
	Turn  int
	State any
}

// Usage holds provider-reported token counts for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// InferenceResult is the outcome of one bounded inference call.
type InferenceResult struct {
	RawText            string
	TokensConsumed     int
	WallClock          time.Duration
	CompletedNaturally bool
	// Err is kept for failure accounting only; RawText is empty when set.
	Err error
}

// Failed reports whether the provider call failed.
func (r InferenceResult) Failed() bool {
	return r.Err != nil
}

// TurnRecord is written once per turn to the record sinks.
type TurnRecord struct {
	Episode          string    `json:"episode" yaml:"episode"`
	Turn             int       `json:"turn" yaml:"turn"`
	Strategy         string    `json:"strategy" yaml:"strategy"`
	RenderedState    string    `json:"rendered_state,omitempty" yaml:"rendered_state,omitempty"`
	Action           string    `json:"action" yaml:"action"`
	Reward           float64   `json:"reward" yaml:"reward"`
	PlanText         string    `json:"plan_text,omitempty" yaml:"plan_text,omitempty"`
	ReactivePrompt   string    `json:"reactive_prompt,omitempty" yaml:"reactive_prompt,omitempty"`
	ReactiveResponse string    `json:"reactive_response,omitempty" yaml:"reactive_response,omitempty"`
	ReactiveTokens   int       `json:"reactive_tokens,omitempty" yaml:"reactive_tokens,omitempty"`
	PlanningPrompt   string    `json:"planning_prompt,omitempty" yaml:"planning_prompt,omitempty"`
	PlanningResponse string    `json:"planning_response,omitempty" yaml:"planning_response,omitempty"`
	PlanningTokens   int       `json:"planning_tokens,omitempty" yaml:"planning_tokens,omitempty"`
	ParseFailed      bool      `json:"parse_failed,omitempty" yaml:"parse_failed,omitempty"`
	ProviderFailed   bool      `json:"provider_failed,omitempty" yaml:"provider_failed,omitempty"`
	DefaultUsed      bool      `json:"default_used,omitempty" yaml:"default_used,omitempty"`
	Timestamp        time.Time `json:"timestamp" yaml:"timestamp"`
}

// HybridPrompt carries both renderings used by a hybrid turn.
type HybridPrompt struct {
	Planning string
	Reactive string
}
