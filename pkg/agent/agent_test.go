package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
	"github.com/boristopalov/rtgym/pkg/inference"
	"github.com/boristopalov/rtgym/pkg/providers/mock"
)

// testDescriber renders state verbatim over the UDS alphabet.
type testDescriber struct {
	alphabet core.Alphabet
	def      core.Action
}

func newDescriber() testDescriber {
	return testDescriber{alphabet: "UDS", def: 'S'}
}

func (d testDescriber) DescribeReactive(state any) string {
	return fmt.Sprintf("reactive: %v", state)
}

func (d testDescriber) DescribePlanning(state any) string {
	return fmt.Sprintf("planning: %v", state)
}

func (d testDescriber) DescribeHybrid(state any) core.HybridPrompt {
	return core.HybridPrompt{Planning: d.DescribePlanning(state), Reactive: d.DescribeReactive(state)}
}

func (d testDescriber) Alphabet() core.Alphabet {
	return d.alphabet
}

func (d testDescriber) DefaultAction() core.Action {
	return d.def
}

func obs(turn int) core.Observation {
	return core.Observation{Text: fmt.Sprintf("turn %d", turn), Turn: turn, State: turn}
}

func TestNewAgentConfigErrors(t *testing.T) {
	inv := inference.New(mock.New())

	_, err := NewAgent(testDescriber{alphabet: "UUD", def: 'U'}, inv)
	assert.Error(t, err, "duplicate symbol")

	_, err = NewAgent(testDescriber{alphabet: "", def: 'U'}, inv)
	assert.Error(t, err, "empty alphabet")

	_, err = NewAgent(testDescriber{alphabet: "UDS", def: 'X'}, inv)
	assert.Error(t, err, "default outside alphabet")

	_, err = NewAgent(newDescriber(), inv, WithMode(core.ModeHybrid), WithReserve(-1))
	assert.Error(t, err, "negative reserve")

	_, err = NewAgent(newDescriber(), nil)
	assert.Error(t, err, "missing invoker")

	a, err := NewAgent(newDescriber(), inv, WithAgentID("test-agent"))
	require.NoError(t, err)
	assert.Equal(t, "test-agent", a.GetID())
	assert.Equal(t, core.ModeReactive, a.Mode())
}

func TestReactive(t *testing.T) {
	backend := mock.New(
		mock.Text(`going up \boxed{U}`),
		mock.Response{Err: errors.New("timeout")},
		mock.Text("I am not sure"),
	)
	a, err := NewAgent(newDescriber(), inference.New(backend))
	require.NoError(t, err)

	t.Run("legal answer", func(t *testing.T) {
		dec := a.Act(context.Background(), obs(1), budget.New(budget.Tokens, 100))
		assert.Equal(t, core.Action('U'), dec.Action)
		assert.False(t, dec.DefaultUsed)
		assert.Equal(t, "reactive: 1", dec.Record.ReactivePrompt)
		assert.Equal(t, `going up \boxed{U}`, dec.Record.ReactiveResponse)
		assert.Equal(t, 3, dec.Record.ReactiveTokens)
		assert.Equal(t, "U", dec.Record.Action)
		assert.Equal(t, "reactive", dec.Record.Strategy)
		assert.Empty(t, dec.Record.PlanningPrompt)
	})

	t.Run("provider failure plays default", func(t *testing.T) {
		dec := a.Act(context.Background(), obs(2), budget.New(budget.Tokens, 100))
		assert.Equal(t, core.Action('S'), dec.Action)
		assert.True(t, dec.ProviderFailed)
		assert.False(t, dec.ParseFailed)
		assert.True(t, dec.DefaultUsed)
	})

	t.Run("parse failure plays default", func(t *testing.T) {
		dec := a.Act(context.Background(), obs(3), budget.New(budget.Tokens, 100))
		assert.Equal(t, core.Action('S'), dec.Action)
		assert.True(t, dec.ParseFailed)
		assert.False(t, dec.ProviderFailed)
	})
}

func TestReactiveWithoutThinkingLogs(t *testing.T) {
	backend := mock.New(mock.Text(`\boxed{D}`))
	a, err := NewAgent(newDescriber(), inference.New(backend), WithLogThinking(false), WithStreaming(true))
	require.NoError(t, err)

	dec := a.Act(context.Background(), obs(1), budget.New(budget.Tokens, 100))
	assert.Equal(t, core.Action('D'), dec.Action)
	assert.Empty(t, dec.Record.ReactivePrompt)
	assert.Empty(t, dec.Record.ReactiveResponse)
	assert.Equal(t, 1, dec.Record.ReactiveTokens)
}

func TestPlanning(t *testing.T) {
	backend := mock.New(
		mock.Text(`plan: \boxed{UUD}`),
		mock.Text(`again: \boxed{DSUU}`),
		mock.Text("no idea"),
	)
	a, err := NewAgent(newDescriber(), inference.New(backend), WithMode(core.ModePlanning))
	require.NoError(t, err)
	ctx := context.Background()

	dec := a.Act(ctx, obs(0), budget.New(budget.Tokens, 100))
	assert.Equal(t, core.Action('U'), dec.Action)
	assert.Equal(t, "planning: 0", dec.Record.PlanningPrompt)
	assert.Equal(t, "UD", dec.Record.PlanText)

	// drained without new calls
	assert.Equal(t, core.Action('U'), a.Act(ctx, obs(1), budget.New(budget.Tokens, 100)).Action)
	dec = a.Act(ctx, obs(2), budget.New(budget.Tokens, 100))
	assert.Equal(t, core.Action('D'), dec.Action)
	assert.Empty(t, dec.Record.PlanningPrompt)
	assert.Equal(t, 1, backend.Calls())

	// empty buffer triggers a new plan; turns 4 and 5 are skipped
	assert.Equal(t, core.Action('D'), a.Act(ctx, obs(3), budget.New(budget.Tokens, 100)).Action)
	dec = a.Act(ctx, obs(6), budget.New(budget.Tokens, 100))
	assert.Equal(t, core.Action('U'), dec.Action, "skip-ahead drops S and U")
	assert.Equal(t, 2, backend.Calls())

	// the plan is spent; an unusable answer gives the default
	dec = a.Act(ctx, obs(7), budget.New(budget.Tokens, 100))
	assert.Equal(t, core.Action('S'), dec.Action)
	assert.True(t, dec.ParseFailed)
	assert.True(t, dec.DefaultUsed)
	assert.Equal(t, 3, backend.Calls())
}

func TestPlanningReset(t *testing.T) {
	backend := mock.New(mock.Text(`\boxed{UUUU}`), mock.Text(`\boxed{DD}`))
	a, err := NewAgent(newDescriber(), inference.New(backend), WithMode(core.ModePlanning))
	require.NoError(t, err)

	a.Act(context.Background(), obs(0), budget.New(budget.Tokens, 100))
	a.Reset()
	dec := a.Act(context.Background(), obs(0), budget.New(budget.Tokens, 100))
	assert.Equal(t, core.Action('D'), dec.Action)
	assert.Equal(t, 2, backend.Calls())
}

func TestPlanningStreamSpansTurns(t *testing.T) {
	backend := mock.New(mock.Response{Fragments: append(fragmentsOf(25, "w"), `\boxed{UUDSUU}`)})
	a, err := NewAgent(newDescriber(), inference.New(backend), WithMode(core.ModePlanning), WithStreaming(true))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	ctx := context.Background()

	var actions []core.Action
	for turn := 0; turn < 6; turn++ {
		dec := a.Act(ctx, obs(turn), budget.New(budget.Tokens, 10))
		actions = append(actions, dec.Action)
		switch turn {
		case 0:
			assert.Equal(t, "planning: 0", dec.Record.PlanningPrompt)
			assert.Equal(t, 10, dec.Record.PlanningTokens)
			assert.True(t, dec.DefaultUsed)
		case 1:
			assert.Empty(t, dec.Record.PlanningPrompt, "the same call keeps running")
			assert.Equal(t, strings.Repeat("w", 20), dec.Record.PlanningResponse)
		case 2:
			// issued at turn 0, so the first two actions are stale
			assert.Equal(t, 6, dec.Record.PlanningTokens)
			assert.Equal(t, "SUU", dec.Record.PlanText)
			assert.False(t, dec.ParseFailed)
			assert.False(t, dec.DefaultUsed)
		}
	}

	assert.Equal(t, []core.Action("SSDSUU"), actions)
	assert.Equal(t, 1, backend.Calls())
}

func TestPlanningStreamRetiresCallOncePlanned(t *testing.T) {
	backend := mock.New(mock.Response{Fragments: append([]string{`\boxed{DU}`}, fragmentsOf(50, "w")...)})
	a, err := NewAgent(newDescriber(), inference.New(backend), WithMode(core.ModePlanning), WithStreaming(true))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	ctx := context.Background()

	dec := a.Act(ctx, obs(0), budget.New(budget.Tokens, 10))
	assert.Equal(t, core.Action('D'), dec.Action)
	assert.Equal(t, 1, backend.Abandoned())

	dec = a.Act(ctx, obs(1), budget.New(budget.Tokens, 10))
	assert.Equal(t, core.Action('U'), dec.Action)
	assert.Zero(t, dec.Record.PlanningTokens)
	assert.Equal(t, 1, backend.Calls())
}

func TestPlanningStreamWithoutPlan(t *testing.T) {
	backend := mock.New(mock.Text("no idea at all"), mock.Response{Err: errors.New("overloaded")})
	a, err := NewAgent(newDescriber(), inference.New(backend), WithMode(core.ModePlanning), WithStreaming(true))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	ctx := context.Background()

	dec := a.Act(ctx, obs(0), budget.New(budget.Tokens, 10))
	assert.True(t, dec.ParseFailed)
	assert.True(t, dec.DefaultUsed)
	assert.Equal(t, core.Action('S'), dec.Action)

	dec = a.Act(ctx, obs(1), budget.New(budget.Tokens, 10))
	assert.True(t, dec.ProviderFailed)
	assert.False(t, dec.ParseFailed)
	assert.Equal(t, 2, backend.Calls())
}

func TestReactiveStreamStall(t *testing.T) {
	backend := mock.New(mock.Response{Hold: make(chan struct{})})
	inv := inference.New(backend, inference.WithCallTimeout(100*time.Millisecond))
	a, err := NewAgent(newDescriber(), inv, WithStreaming(true))
	require.NoError(t, err)

	start := time.Now()
	dec := a.Act(context.Background(), obs(0), budget.New(budget.Tokens, 100))

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, dec.ProviderFailed)
	assert.True(t, dec.DefaultUsed)
	assert.Equal(t, core.Action('S'), dec.Action)
}

func hybridAgent(t *testing.T, planner, reactive *mock.Backend, opts ...AgentOption) *Agent {
	t.Helper()
	opts = append([]AgentOption{
		WithMode(core.ModeHybrid),
		WithPlanner(inference.New(planner)),
		WithReserve(20),
		WithDigestChars(0),
	}, opts...)
	a, err := NewAgent(newDescriber(), inference.New(reactive), opts...)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestHybridSeesCompletePlan(t *testing.T) {
	plan := strings.Repeat("p ", 17) + `\boxed{UD}`
	planner := mock.New(mock.Text(plan))
	reactive := mock.New(mock.Text(`\boxed{D}`))
	a := hybridAgent(t, planner, reactive)

	dec := a.Act(context.Background(), obs(0), budget.New(budget.Tokens, 50))

	require.Equal(t, 1, reactive.Calls())
	prompt := reactive.Prompts()[0]
	assert.Contains(t, prompt, strings.TrimSpace(plan), "reactive call sees the finished plan text")
	assert.Contains(t, prompt, "Planner status: finished")
	assert.Contains(t, prompt, "Planned action for this turn: U")
	assert.Equal(t, core.Action('D'), dec.Action)
	assert.Equal(t, 18, dec.Record.PlanningTokens)
	assert.Equal(t, "planning: 0", dec.Record.PlanningPrompt)
	assert.Equal(t, []int{20}, reactive.Hints(), "reactive call only gets the reserve")
}

func TestHybridPlannerSpansTurns(t *testing.T) {
	planner := mock.New(mock.Response{Fragments: fragmentsOf(100, "w")})
	reactive := mock.New()
	reactive.Fallback = mock.Constant(`\boxed{U}`)
	a := hybridAgent(t, planner, reactive)
	ctx := context.Background()

	dec := a.Act(ctx, obs(0), budget.New(budget.Tokens, 50))
	prompt := reactive.Prompts()[0]
	assert.Contains(t, prompt, strings.Repeat("w", 30)+"\n")
	assert.NotContains(t, prompt, strings.Repeat("w", 31))
	assert.Contains(t, prompt, "Planner status: still thinking")
	assert.Contains(t, prompt, "No plan is available yet.")
	assert.Equal(t, 30, dec.Record.PlanningTokens)

	dec = a.Act(ctx, obs(1), budget.New(budget.Tokens, 50))
	prompt = reactive.Prompts()[1]
	assert.Contains(t, prompt, strings.Repeat("w", 60)+"\n")
	assert.NotContains(t, prompt, strings.Repeat("w", 61))
	assert.Contains(t, prompt, "Your recent actions (oldest first): U")
	assert.Empty(t, dec.Record.PlanningPrompt, "the same call keeps running")
	assert.Equal(t, 1, planner.Calls())

	a.Close()
	assert.Equal(t, 1, planner.Abandoned())
}

func TestHybridSubstitutesPlanWithSkipAhead(t *testing.T) {
	planner := mock.New(mock.Response{Fragments: append(fragmentsOf(40, "w"), `\boxed{UDSU}`)})
	reactive := mock.New()
	reactive.Fallback = mock.Constant(`\boxed{S}`)
	a := hybridAgent(t, planner, reactive)
	ctx := context.Background()

	dec := a.Act(ctx, obs(1), budget.New(budget.Tokens, 50))
	assert.Empty(t, dec.Record.PlanText)

	// the call issued at turn 1 finishes during turn 2, so one action is stale
	dec = a.Act(ctx, obs(2), budget.New(budget.Tokens, 50))
	prompt := reactive.Prompts()[1]
	assert.Contains(t, prompt, "Planned action for this turn: D")
	assert.Contains(t, prompt, "Planned actions after this turn: SU")
	assert.Equal(t, "SU", dec.Record.PlanText)
	assert.Equal(t, 11, dec.Record.PlanningTokens)
	assert.Equal(t, core.Action('S'), dec.Action)

	// a new planning call starts once the old one is done
	dec = a.Act(ctx, obs(3), budget.New(budget.Tokens, 50))
	assert.Equal(t, "planning: 3", dec.Record.PlanningPrompt)
	assert.Equal(t, "U", dec.Record.PlanText)
	assert.Equal(t, 2, planner.Calls())
}

func TestHybridWithoutReserveDefaults(t *testing.T) {
	planner := mock.New(mock.Text(`\boxed{U}`))
	reactive := mock.New(mock.Text(`\boxed{D}`))
	a := hybridAgent(t, planner, reactive, WithReserve(0))

	dec := a.Act(context.Background(), obs(0), budget.New(budget.Tokens, 50))

	assert.Equal(t, core.Action('S'), dec.Action)
	assert.True(t, dec.DefaultUsed)
	assert.Equal(t, 0, reactive.Calls())
}

func TestHybridPlannerFailureIsCountedOnce(t *testing.T) {
	planner := mock.New(mock.Response{Err: errors.New("overloaded")})
	planner.Fallback = mock.Constant("thinking")
	reactive := mock.New()
	reactive.Fallback = mock.Constant(`\boxed{U}`)
	a := hybridAgent(t, planner, reactive)

	dec := a.Act(context.Background(), obs(0), budget.New(budget.Tokens, 50))
	assert.True(t, dec.ProviderFailed)
	assert.Equal(t, core.Action('U'), dec.Action)

	dec = a.Act(context.Background(), obs(1), budget.New(budget.Tokens, 50))
	assert.False(t, dec.ProviderFailed)
}

func TestHybridPlannerStall(t *testing.T) {
	planner := mock.New(mock.Response{Hold: make(chan struct{})})
	reactive := mock.New(mock.Text(`\boxed{D}`))
	a, err := NewAgent(newDescriber(), inference.New(reactive),
		WithMode(core.ModeHybrid),
		WithPlanner(inference.New(planner, inference.WithCallTimeout(100*time.Millisecond))),
		WithReserve(20),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	done := make(chan Decision, 1)
	go func() {
		done <- a.Act(context.Background(), obs(0), budget.New(budget.Tokens, 50))
	}()

	select {
	case dec := <-done:
		assert.True(t, dec.ProviderFailed)
		assert.Equal(t, core.Action('D'), dec.Action)
		assert.Equal(t, 1, reactive.Calls())
	case <-time.After(5 * time.Second):
		t.Fatal("turn blocked on a silent planner")
	}
}

func fragmentsOf(n int, s string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}
