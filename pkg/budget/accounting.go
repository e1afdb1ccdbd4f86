package budget

import (
	"fmt"
	"strings"

	"github.com/boristopalov/rtgym/pkg/core"
)

// AccountingPolicy decides how provider-reported usage is charged against a
// token budget. The set is closed and picked per backend when it is built.
type AccountingPolicy int

const (
	// CompletionTokens charges the reported completion count.
	CompletionTokens AccountingPolicy = iota
	// TotalMinusPrompt charges total - prompt. Used for backends whose
	// completion field does not include hidden reasoning tokens.
	TotalMinusPrompt
)

func (p AccountingPolicy) String() string {
	switch p {
	case CompletionTokens:
		return "completion"
	case TotalMinusPrompt:
		return "total_minus_prompt"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts the String forms of a policy.
func ParsePolicy(s string) (AccountingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completion", "completion_tokens":
		return CompletionTokens, nil
	case "total_minus_prompt", "gemini":
		return TotalMinusPrompt, nil
	default:
		return 0, fmt.Errorf("unknown token accounting policy %q", s)
	}
}

// Charge returns the number of tokens to charge for the given usage.
func (p AccountingPolicy) Charge(u core.Usage) int {
	var n int
	switch p {
	case TotalMinusPrompt:
		n = u.TotalTokens - u.PromptTokens
		if u.TotalTokens == 0 {
			// some responses leave total unset mid-stream
			n = u.CompletionTokens
		}
	default:
		n = u.CompletionTokens
	}
	if n < 0 {
		return 0
	}
	return n
}
