// Package classify decides whether terminal output can be answered
// without a human. Two regex families detect confirmation prompts and
// open-ended questions; an Evaluator then judges safety, either through
// an external chat-completions service or a deterministic keyword
// heuristic.
package classify

import (
	"context"
	"errors"
	"strings"
)

// ErrNoService is reported when no classification service is configured.
var ErrNoService = errors.New("no classification service configured")

// Result is the safety verdict for one delta.
type Result struct {
	NeedsClarification bool   `json:"needs_clarification"`
	SafeToContinue     bool   `json:"safe_to_continue"`
	Reason             string `json:"reason"`
}

// Request carries everything an Evaluator may look at.
type Request struct {
	SessionID string
	// Context is the recent buffered output preceding Delta.
	Context string
	Delta   string
}

// Evaluator judges a delta. Implementations never fail: every error path
// resolves to a Result with an explanatory Reason.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) Result
}

// Policy controls the safety verdict when the service cannot answer.
type Policy int

const (
	// FailOpen keeps the heuristic verdict, which allows anything that
	// does not hit the destructive keyword list.
	FailOpen Policy = iota
	// FailClosed forces SafeToContinue to false.
	FailClosed
)

// ParsePolicy maps "open"/"closed" to a Policy. Anything else is open.
func ParsePolicy(s string) Policy {
	if strings.EqualFold(s, "closed") {
		return FailClosed
	}
	return FailOpen
}

func (p Policy) String() string {
	if p == FailClosed {
		return "closed"
	}
	return "open"
}

// destructiveKeywords are matched case-insensitively by the heuristic.
var destructiveKeywords = []string{
	"delete",
	"rm -rf",
	"force push",
	"push --force",
	"push -f",
	"drop table",
	"drop database",
}

// questionMark marks a clarification request outside confirmation lines.
const questionMark = "?"

// offerCues are matched case-insensitively against the whole delta,
// confirmation lines included.
var offerCues = []string{"would you like"}

// Heuristic is the deterministic fallback evaluator. Its verdict is a
// pure function of the delta text.
type Heuristic struct{}

// Evaluate implements Evaluator.
func (Heuristic) Evaluate(_ context.Context, req Request) Result {
	return Fallback(req.Delta, "pattern match (no classifier configured)")
}

// Fallback computes the heuristic verdict for delta with the given reason.
// A question mark on a confirmation line is the confirmation itself, so
// those lines are ignored when looking for one.
func Fallback(delta, reason string) Result {
	lower := strings.ToLower(delta)
	clarify := strings.Contains(withoutPromptLines(delta), questionMark) ||
		containsAny(lower, offerCues)
	return Result{
		NeedsClarification: clarify,
		SafeToContinue:     !containsAny(lower, destructiveKeywords),
		Reason:             reason,
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
