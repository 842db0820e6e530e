package classify

import (
	"regexp"
	"strings"
)

// permissionPatterns match literal confirmation cues. Case-sensitive.
var permissionPatterns = compileAll("", []string{
	`Do you want to proceed\?`,
	`❯\s*1\.\s*Yes`,
	`Yes, and don't ask again`,
	`Allow this action\?`,
	`Proceed with this`,
	`\[Y/n\]`,
	`\(y/N\)`,
	`Press Enter to continue`,
})

// humanDecisionPatterns match open-ended or multi-option cues. A match
// always wins over the safety verdict.
var humanDecisionPatterns = compileAll("(?i)", []string{
	`Type here to tell Claude`,
	`3\.\s*Type here`,
	`which (?:approach|option|method|one)`,
	`(?:choose|select|pick) (?:one|between|from)`,
	`What should`,
	`How would you like`,
	`Do you want me to`,
	`Should I`,
	`multiple (?:options|approaches|ways)`,
})

func compileAll(flags string, exprs []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		out[i] = regexp.MustCompile(flags + expr)
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// PromptEvaluation is the per-delta result of the pattern detectors.
type PromptEvaluation struct {
	IsPermissionPrompt bool `json:"is_permission_prompt"`
	NeedsHumanDecision bool `json:"needs_human_decision"`
}

// IsPermissionPrompt reports whether text shows a yes/no or menu
// confirmation.
func IsPermissionPrompt(text string) bool {
	return matchAny(permissionPatterns, text)
}

// NeedsHumanDecision reports whether text asks an open-ended or
// multi-option question.
func NeedsHumanDecision(text string) bool {
	return matchAny(humanDecisionPatterns, text)
}

// EvaluatePrompt runs both detector families against text.
func EvaluatePrompt(text string) PromptEvaluation {
	return PromptEvaluation{
		IsPermissionPrompt: IsPermissionPrompt(text),
		NeedsHumanDecision: NeedsHumanDecision(text),
	}
}

// withoutPromptLines drops lines that are themselves confirmation cues.
func withoutPromptLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if IsPermissionPrompt(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
