package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ScriptSpawner starts terminal sessions by running an external script
// with the tickets as arguments.
type ScriptSpawner struct {
	script  string
	timeout time.Duration
}

// NewScriptSpawner returns a spawner for script. A non-positive timeout
// leaves the run bounded only by the caller's context.
func NewScriptSpawner(script string, timeout time.Duration) *ScriptSpawner {
	return &ScriptSpawner{script: script, timeout: timeout}
}

// Spawn runs the script from its own directory. It returns the script's
// stdout; on failure the error carries its stderr.
func (s *ScriptSpawner) Spawn(ctx context.Context, tickets []string) (string, error) {
	script, err := filepath.Abs(s.script)
	if err != nil {
		return "", fmt.Errorf("resolve spawn script: %w", err)
	}
	if _, err := os.Stat(script); err != nil {
		return "", fmt.Errorf("spawn script %s not found", s.script)
	}
	for _, t := range tickets {
		if strings.HasPrefix(t, "-") {
			return "", fmt.Errorf("invalid ticket %q", t)
		}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, script, tickets...)
	cmd.Dir = filepath.Dir(script)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.DeadlineExceeded) {
			err = ctxErr
		}
		if msg == "" {
			return stdout.String(), fmt.Errorf("spawn script: %w", err)
		}
		return stdout.String(), fmt.Errorf("spawn script: %w: %s", err, msg)
	}
	return stdout.String(), nil
}
