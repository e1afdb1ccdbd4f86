package environment

import (
	"fmt"

	"github.com/boristopalov/rtgym/pkg/core"
)

const freewayRules = `You are playing Freeway. You start at (0, 0) and must reach (0, 9) by crossing the freeways on rows 1 to 8.
Each turn you pick one action: U moves you up one row, D moves you down one row, S stays.
Cars move along their row every turn and wrap around the road. If after your move a car on your row occupies x = 0, you are hit and return to row 0.`

const reactiveAsk = `Think briefly, then give exactly one action in \boxed{}, for example \boxed{U}.`

const planningAsk = `Plan your next actions, starting with the action for this turn. Give the whole sequence in \boxed{}, for example \boxed{UUSU}.`

func render(state any) string {
	switch s := state.(type) {
	case FreewayState:
		return s.Render()
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func (f *Freeway) DescribeReactive(state any) string {
	return fmt.Sprintf("%s\n\nCurrent state:\n%s\n%s", freewayRules, render(state), reactiveAsk)
}

func (f *Freeway) DescribePlanning(state any) string {
	return fmt.Sprintf("%s\n\nCurrent state:\n%s\n%s", freewayRules, render(state), planningAsk)
}

func (f *Freeway) DescribeHybrid(state any) core.HybridPrompt {
	return core.HybridPrompt{
		Planning: f.DescribePlanning(state),
		Reactive: f.DescribeReactive(state),
	}
}
