package agent

import (
	"fmt"
	"strings"

	"github.com/boristopalov/rtgym/pkg/core"
)

// digest is the planner summary appended to a hybrid turn's reactive prompt.
type digest struct {
	planText  string
	finished  bool
	planned   core.Action
	hasPlan   bool
	remaining []core.Action
	recent    []core.Action
	// limit caps how much of the planner text is quoted; 0 quotes all of it.
	limit int
}

func (d digest) String() string {
	var b strings.Builder
	b.WriteString("\n\n--- Guidance from the long-horizon planner (advisory) ---\n")

	status := "still thinking"
	if d.finished {
		status = "finished"
	}
	fmt.Fprintf(&b, "Planner status: %s\n", status)

	if d.hasPlan {
		fmt.Fprintf(&b, "Planned action for this turn: %s\n", d.planned)
		if len(d.remaining) > 0 {
			fmt.Fprintf(&b, "Planned actions after this turn: %s\n", core.Sequence(d.remaining))
		}
	} else {
		b.WriteString("No plan is available yet.\n")
	}
	if len(d.recent) > 0 {
		fmt.Fprintf(&b, "Your recent actions (oldest first): %s\n", core.Sequence(d.recent))
	}
	if text := tail(d.planText, d.limit); text != "" {
		b.WriteString("Planner reasoning so far:\n")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}

// tail returns the last n runes of s, marking the cut.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "..." + string(r[len(r)-n:])
}
