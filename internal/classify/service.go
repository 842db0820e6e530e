package classify

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SystemPrompt is the fixed instruction set sent with every
// classification request.
const SystemPrompt = `You are a safety monitor for Claude Code sessions running in parallel.
Your job is to determine if a permission prompt can be auto-accepted or needs human attention.

## NEEDS_CLARIFICATION = True (REQUIRES HUMAN)
- Design decisions or architectural choices ("which approach", "how should we")
- Multiple implementation options presented for selection
- Requirements clarification needed
- Questions about business logic or domain knowledge
- "Type here to tell Claude" option is shown
- Any open-ended question requiring human judgment

## NEEDS_CLARIFICATION = False (CAN AUTO-ACCEPT)
- Simple Yes/No permission to run a command
- Permission to read files (cat, head, tail, read)
- Permission to search code (grep, glob, find)
- Permission to run issue tracker commands
- Permission to run tests, linters, type checks
- Permission to create/edit source code files
- Permission to run git status, diff, log, branch

## SAFE_TO_CONTINUE = False (DANGEROUS - BLOCK)
- DELETE operations: rm, rm -rf, unlink, rmdir
- Database drops: DROP TABLE, DROP DATABASE, TRUNCATE
- Git force operations: push --force, push -f, reset --hard
- Production/secrets: .env files, credentials, API keys
- System files: /etc, /usr, ~/.ssh, ~/.config

## SAFE_TO_CONTINUE = True (SAFE)
- All read operations
- All search operations
- Creating new files
- Editing existing code
- Running tests
- Normal git operations (commit, push, pull, branch)
- Package install (npm install, pip install)

Return JSON: {"needs_clarification": bool, "safe_to_continue": bool, "reason": "brief explanation"}`

// Service is an external classifier that answers a system prompt plus
// context text with a structured Result.
type Service interface {
	Classify(ctx context.Context, systemPrompt, contextText string) (Result, error)
}

// Guarded evaluates through a Service and falls back to the heuristic on
// any failure.
type Guarded struct {
	service Service
	policy  Policy
	timeout time.Duration
	logger  *slog.Logger
}

// NewGuarded wraps service. A nil service makes every call fall back.
func NewGuarded(service Service, policy Policy, timeout time.Duration, logger *slog.Logger) *Guarded {
	return &Guarded{
		service: service,
		policy:  policy,
		timeout: timeout,
		logger:  logger,
	}
}

// Evaluate implements Evaluator.
func (g *Guarded) Evaluate(ctx context.Context, req Request) Result {
	if g.service == nil {
		return g.fallback(req, ErrNoService)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	result, err := g.service.Classify(ctx, SystemPrompt, FormatContext(req))
	if err != nil {
		return g.fallback(req, err)
	}
	g.logger.Debug("safety check", "session", req.SessionID,
		"needs_clarification", result.NeedsClarification,
		"safe_to_continue", result.SafeToContinue,
		"reason", result.Reason)
	return result
}

func (g *Guarded) fallback(req Request, cause error) Result {
	g.logger.Warn("safety check failed, using heuristic",
		"session", req.SessionID, "policy", g.policy.String(), "error", cause)

	result := Fallback(req.Delta, fmt.Sprintf("safety check failed: %v", cause))
	if g.policy == FailClosed {
		result.SafeToContinue = false
	}
	return result
}

// FormatContext renders the user message for a classification request.
func FormatContext(req Request) string {
	return fmt.Sprintf("Session: %s\nContext:\n%s\n\nLatest output:\n%s", req.SessionID, req.Context, req.Delta)
}
