package session

import (
	"context"

	"parapr/internal/classify"
)

// acceptAnswer is typed to pick the first ("Yes") option of a prompt.
const acceptAnswer = "1"

type acceptOutcome struct {
	prompt    classify.PromptEvaluation
	verdict   classify.Result
	evaluated bool
	accepted  bool
}

// autoAccept answers a permission prompt in delta when the session is in
// auto-accept mode, no human decision is requested and the evaluator
// judges it safe. The checks short-circuit in that order.
func (m *Manager) autoAccept(ctx context.Context, id string, ms *managedSession, delta string) acceptOutcome {
	out := acceptOutcome{prompt: classify.EvaluatePrompt(delta)}

	m.mu.RLock()
	registered := m.sessions[id] == ms
	mode := ms.record.Mode
	m.mu.RUnlock()

	if !registered || mode != ModeAutoAccept {
		return out
	}
	if !out.prompt.IsPermissionPrompt {
		return out
	}
	logger := m.logger.With("session", id)
	if out.prompt.NeedsHumanDecision {
		logger.Info("prompt needs a human decision, not auto-accepting")
		return out
	}

	out.verdict = m.evaluator.Evaluate(ctx, m.classifyRequest(id, ms, delta))
	out.evaluated = true
	if !out.verdict.SafeToContinue || out.verdict.NeedsClarification {
		logger.Info("auto-accept declined",
			"safe_to_continue", out.verdict.SafeToContinue,
			"needs_clarification", out.verdict.NeedsClarification,
			"reason", out.verdict.Reason)
		return out
	}

	if err := m.typeLine(ctx, id, acceptAnswer); err != nil {
		logger.Warn("auto-accept keystrokes failed", "error", err)
		return out
	}
	out.accepted = true
	m.setAttention(id, ms, false)
	logger.Info("auto-accepted prompt", "reason", out.verdict.Reason)
	return out
}
