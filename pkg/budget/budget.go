package budget

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Unit is what a Budget is denominated in.
type Unit int

const (
	// Tokens budgets count generated completion tokens.
	Tokens Unit = iota
	// Time budgets count wall-clock seconds.
	Time
)

func (u Unit) String() string {
	switch u {
	case Tokens:
		return "tokens"
	case Time:
		return "seconds"
	default:
		return fmt.Sprintf("unit(%d)", int(u))
	}
}

// ParseUnit accepts the spellings used in configuration files.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "token", "tokens":
		return Tokens, nil
	case "second", "seconds", "time":
		return Time, nil
	default:
		return 0, fmt.Errorf("unknown budget unit %q", s)
	}
}

// Budget is a consumable allowance for one turn or one phase of a turn.
// Consumption may overshoot the total on the final chunk of a call, but
// Remaining never goes below zero.
type Budget struct {
	mu       sync.Mutex
	unit     Unit
	total    float64
	consumed float64
}

// New creates a budget of total units. Negative totals are treated as zero.
func New(unit Unit, total float64) *Budget {
	if total < 0 {
		total = 0
	}
	return &Budget{unit: unit, total: total}
}

func (b *Budget) Unit() Unit {
	return b.unit
}

func (b *Budget) Total() float64 {
	return b.total
}

// Consumed returns everything charged so far, including overshoot.
func (b *Budget) Consumed() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumed
}

// Remaining returns the allowance left, clamped at zero.
func (b *Budget) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumed >= b.total {
		return 0
	}
	return b.total - b.consumed
}

// Charge records consumption. Negative and NaN amounts are ignored.
func (b *Budget) Charge(amount float64) {
	if !(amount > 0) {
		return
	}
	b.mu.Lock()
	b.consumed += amount
	b.mu.Unlock()
}

// ChargeDuration charges a wall-clock delta in seconds.
func (b *Budget) ChargeDuration(d time.Duration) {
	b.Charge(d.Seconds())
}

// Exhausted reports whether nothing is left to spend.
func (b *Budget) Exhausted() bool {
	return b.Remaining() <= 0
}

// RemainingDuration converts the remaining allowance of a Time budget.
func (b *Budget) RemainingDuration() time.Duration {
	return time.Duration(b.Remaining() * float64(time.Second))
}

// TokenHint returns the remaining allowance as a generation-length hint, or
// zero when the budget is not token denominated.
func (b *Budget) TokenHint() int {
	if b.unit != Tokens {
		return 0
	}
	return int(b.Remaining())
}

// Split derives the two child budgets of a hybrid turn from what is left
// of b: planning gets everything except the reserve, reactive gets the
// reserve. The reserve is clamped to the available allowance.
func (b *Budget) Split(reserve float64) (planning, reactive *Budget) {
	left := b.Remaining()
	if reserve < 0 {
		reserve = 0
	}
	if reserve > left {
		reserve = left
	}
	return New(b.unit, left-reserve), New(b.unit, reserve)
}

func (b *Budget) String() string {
	return fmt.Sprintf("%.2f/%.2f %s", b.Consumed(), b.total, b.unit)
}
