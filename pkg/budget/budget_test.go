package budget

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boristopalov/rtgym/pkg/core"
)

func TestBudgetNeverNegative(t *testing.T) {
	charges := [][]float64{
		{10, 20, 30},
		{60},
		{49, 1, 1},
		{-5, 100},
		{math.NaN(), 51},
		{0, 0, 0},
	}
	for _, seq := range charges {
		b := New(Tokens, 50)
		for _, c := range seq {
			b.Charge(c)
			require.GreaterOrEqual(t, b.Remaining(), 0.0)
		}
	}
}

func TestBudgetOvershootClamps(t *testing.T) {
	b := New(Tokens, 50)
	b.Charge(60)

	assert.Equal(t, 0.0, b.Remaining())
	assert.Equal(t, 60.0, b.Consumed())
	assert.True(t, b.Exhausted())
	assert.Equal(t, 0, b.TokenHint())
}

func TestBudgetIgnoresNegativeCharge(t *testing.T) {
	b := New(Tokens, 10)
	b.Charge(-3)
	assert.Equal(t, 10.0, b.Remaining())
	assert.False(t, b.Exhausted())
}

func TestBudgetZeroTotalIsExhausted(t *testing.T) {
	assert.True(t, New(Tokens, 0).Exhausted())
	assert.True(t, New(Time, -1).Exhausted())
}

func TestBudgetTime(t *testing.T) {
	b := New(Time, 2)
	b.ChargeDuration(500 * time.Millisecond)

	assert.InDelta(t, 1.5, b.Remaining(), 1e-9)
	assert.Equal(t, 1500*time.Millisecond, b.RemainingDuration())
	assert.Equal(t, 0, b.TokenHint(), "time budgets give no token hint")
}

func TestBudgetSplit(t *testing.T) {
	t.Run("reserve within total", func(t *testing.T) {
		planning, reactive := New(Tokens, 50).Split(20)
		assert.Equal(t, 30.0, planning.Total())
		assert.Equal(t, 20.0, reactive.Total())
		assert.Equal(t, Tokens, planning.Unit())
	})

	t.Run("reserve above total", func(t *testing.T) {
		planning, reactive := New(Time, 5).Split(8)
		assert.Equal(t, 0.0, planning.Total())
		assert.Equal(t, 5.0, reactive.Total())
	})

	t.Run("children are independent", func(t *testing.T) {
		parent := New(Tokens, 50)
		planning, reactive := parent.Split(20)
		planning.Charge(30)
		assert.True(t, planning.Exhausted())
		assert.False(t, reactive.Exhausted())
		assert.Equal(t, 50.0, parent.Remaining())
	})
}

func TestParseUnit(t *testing.T) {
	tests := []struct {
		in      string
		want    Unit
		wantErr bool
	}{
		{in: "token", want: Tokens},
		{in: "Tokens", want: Tokens},
		{in: "seconds", want: Time},
		{in: " time ", want: Time},
		{in: "minutes", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUnit(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAccountingPolicy(t *testing.T) {
	usage := core.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 160}

	assert.Equal(t, 20, CompletionTokens.Charge(usage))
	// hidden reasoning tokens show up only in the total
	assert.Equal(t, 60, TotalMinusPrompt.Charge(usage))

	t.Run("total missing falls back to completion", func(t *testing.T) {
		assert.Equal(t, 7, TotalMinusPrompt.Charge(core.Usage{PromptTokens: 100, CompletionTokens: 7}))
	})

	t.Run("never negative", func(t *testing.T) {
		assert.Equal(t, 0, TotalMinusPrompt.Charge(core.Usage{PromptTokens: 100, TotalTokens: 90}))
		assert.Equal(t, 0, CompletionTokens.Charge(core.Usage{CompletionTokens: -4}))
	})

	t.Run("parse", func(t *testing.T) {
		p, err := ParsePolicy("gemini")
		require.NoError(t, err)
		assert.Equal(t, TotalMinusPrompt, p)

		_, err = ParsePolicy("by-model-name")
		assert.Error(t, err)
	})
}
