// Package extract pulls the final answer out of free-form model output.
//
// The answer is the payload of the last complete delimiter block, for
// example the last \boxed{...} in the text. The payload is then filtered
// against the legal action alphabet:
//
//   - a run of letters survives only when every letter in it is a legal
//     symbol, otherwise the whole run is dropped ("Up" over "UDS" is a word,
//     not the action U)
//   - any other character survives only when it is a legal symbol
//
// Malformed output never produces an error; callers fall back to the
// default action instead.
package extract

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/boristopalov/rtgym/pkg/core"
)

// DefaultDelimiter opens the final-answer block.
const DefaultDelimiter = `\boxed{`

type Extractor struct {
	open string
}

// New returns an Extractor for blocks opened by delimiter. The delimiter
// must end with '{'; the block closes at the matching '}'.
func New(delimiter string) (*Extractor, error) {
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}
	if !strings.HasSuffix(delimiter, "{") || len(delimiter) < 2 {
		return nil, fmt.Errorf("delimiter %q must be a non-empty prefix ending in '{'", delimiter)
	}
	return &Extractor{open: delimiter}, nil
}

// Default returns an Extractor for \boxed{...} blocks.
func Default() *Extractor {
	return &Extractor{open: DefaultDelimiter}
}

// Payload returns the contents of the last complete delimiter block.
// Unterminated blocks (for example a stream cut mid-answer) are skipped.
func (e *Extractor) Payload(text string) (string, bool) {
	end := len(text)
	for end > 0 {
		idx := strings.LastIndex(text[:end], e.open)
		if idx < 0 {
			return "", false
		}
		start := idx + len(e.open)
		if payload, ok := balanced(text[start:]); ok {
			return payload, true
		}
		end = idx
	}
	return "", false
}

// balanced returns s up to the brace closing an already opened block.
func balanced(s string) (string, bool) {
	depth := 1
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i], true
			}
		}
	}
	return "", false
}

// Filter keeps the legal symbols of payload in order.
func Filter(payload string, alphabet core.Alphabet) []core.Action {
	runes := []rune(payload)
	var out []core.Action
	for i := 0; i < len(runes); {
		if unicode.IsLetter(runes[i]) {
			j := i
			legal := true
			for j < len(runes) && unicode.IsLetter(runes[j]) {
				if !alphabet.Contains(runes[j]) {
					legal = false
				}
				j++
			}
			if legal {
				for _, r := range runes[i:j] {
					out = append(out, core.Action(r))
				}
			}
			i = j
			continue
		}
		if alphabet.Contains(runes[i]) {
			out = append(out, core.Action(runes[i]))
		}
		i++
	}
	return out
}

// Sequence extracts the ordered actions of the last answer block. It
// returns nil when nothing legal survives.
func (e *Extractor) Sequence(text string, alphabet core.Alphabet) []core.Action {
	payload, ok := e.Payload(text)
	if !ok {
		return nil
	}
	return Filter(payload, alphabet)
}

// Action extracts a single action, the first legal symbol of the last
// answer block. ok is false when def was substituted.
func (e *Extractor) Action(text string, alphabet core.Alphabet, def core.Action) (action core.Action, ok bool) {
	seq := e.Sequence(text, alphabet)
	if len(seq) == 0 {
		return def, false
	}
	return seq[0], true
}
