package environment

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/boristopalov/rtgym/pkg/core"
)

const (
	FreewayAlphabet core.Alphabet = "UDS"
	FreewayDefault  core.Action   = 'S'

	freewayLanes = 8
	freewayGoal  = freewayLanes + 1
	freewayWidth = 12
	// the player always crosses at this column
	playerX = 0
)

// Car occupies Length cells ending at Head and trailing against its
// direction of travel. Positions wrap around the road.
type Car struct {
	Head      int
	Direction int // +1 right, -1 left
	Speed     int
	Length    int
}

func (c Car) moved(width int) Car {
	c.Head = mod(c.Head+c.Direction*c.Speed, width)
	return c
}

// Cells lists the occupied columns, head first.
func (c Car) Cells(width int) []int {
	cells := make([]int, 0, c.Length)
	for k := 0; k < c.Length; k++ {
		cells = append(cells, mod(c.Head-c.Direction*k, width))
	}
	return cells
}

func (c Car) Covers(x, width int) bool {
	for _, cell := range c.Cells(width) {
		if cell == x {
			return true
		}
	}
	return false
}

// FreewayState is the observation state handed to describers.
type FreewayState struct {
	Turn       int
	PlayerY    int
	Width      int
	Cars       []Car // one per lane, lane i+1 at index i
	Collisions int
}

func (s FreewayState) clone() FreewayState {
	s.Cars = append([]Car(nil), s.Cars...)
	return s
}

func (s FreewayState) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Turn %d. You are at (%d, %d). The goal is row %d.\n", s.Turn, playerX, s.PlayerY, freewayGoal)
	for i, c := range s.Cars {
		dir := "right"
		if c.Direction < 0 {
			dir = "left"
		}
		fmt.Fprintf(&b, "Row %d: car moving %s at speed %d, occupying x = %s\n",
			i+1, dir, c.Speed, joinInts(c.Cells(s.Width)))
	}
	return b.String()
}

// Freeway is a lane-crossing game: climb from row 0 to row 9 across eight
// lanes of wrapping traffic. A hit sends the player back to row 0.
type Freeway struct {
	*BaseEnvironment
	seed  int64
	rng   *rand.Rand
	fixed []Car
	width int
	state FreewayState
}

type FreewayOption func(*Freeway)

// WithCars fixes the traffic instead of drawing it from the seed.
func WithCars(cars []Car) FreewayOption {
	return func(f *Freeway) {
		f.fixed = append([]Car(nil), cars...)
	}
}

func WithWidth(width int) FreewayOption {
	return func(f *Freeway) {
		if width > 0 {
			f.width = width
		}
	}
}

func NewFreeway(seed int64, opts ...FreewayOption) *Freeway {
	f := &Freeway{
		BaseEnvironment: NewBaseEnvironment(),
		seed:            seed,
		rng:             rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1)),
		width:           freewayWidth,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Freeway) Reset(ctx context.Context) (core.Observation, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.Observation{}, false, err
	}
	cars := f.fixed
	if len(cars) == 0 {
		cars = f.traffic()
	}
	if len(cars) != freewayLanes {
		return core.Observation{}, false, fmt.Errorf("freeway needs %d lanes of traffic, got %d", freewayLanes, len(cars))
	}
	f.begin()
	f.state = FreewayState{Width: f.width, Cars: append([]Car(nil), cars...)}
	return f.observation(), false, nil
}

func (f *Freeway) traffic() []Car {
	cars := make([]Car, freewayLanes)
	for i := range cars {
		dir := 1
		if f.rng.IntN(2) == 0 {
			dir = -1
		}
		cars[i] = Car{
			Head:      f.rng.IntN(f.width),
			Direction: dir,
			Speed:     1 + f.rng.IntN(3),
			Length:    1 + f.rng.IntN(3),
		}
	}
	return cars
}

func (f *Freeway) Step(ctx context.Context, action core.Action) (core.Step, error) {
	if err := ctx.Err(); err != nil {
		return core.Step{}, err
	}
	var dy int
	switch action {
	case 'U':
		dy = 1
	case 'D':
		dy = -1
	case 'S':
	default:
		return core.Step{}, fmt.Errorf("freeway: illegal action %q", action)
	}
	turn, err := f.advance()
	if err != nil {
		return core.Step{}, err
	}

	s := &f.state
	s.Turn = turn
	s.PlayerY = min(max(s.PlayerY+dy, 0), freewayGoal)
	for i := range s.Cars {
		s.Cars[i] = s.Cars[i].moved(s.Width)
	}

	var step core.Step
	switch {
	case s.PlayerY == freewayGoal:
		step.Reward = 1
		step.Done = true
		f.finish()
	case s.PlayerY > 0 && s.Cars[s.PlayerY-1].Covers(playerX, s.Width):
		s.PlayerY = 0
		s.Collisions++
		step.ResetFlag = true
	}
	step.Observation = f.observation()
	return step, nil
}

func (f *Freeway) observation() core.Observation {
	return core.Observation{
		Text:  f.state.Render(),
		Turn:  f.state.Turn,
		State: f.state.clone(),
	}
}

func (f *Freeway) Alphabet() core.Alphabet {
	return FreewayAlphabet
}

func (f *Freeway) DefaultAction() core.Action {
	return FreewayDefault
}

func mod(a, n int) int {
	return ((a % n) + n) % n
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ", ")
}
