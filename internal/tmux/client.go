// Package tmux drives a tmux server through its command line. Every call
// runs under its own timeout so a wedged server degrades into an ordinary
// error instead of stalling the caller.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrNoSession is returned when tmux reports that the target session or
// the server itself does not exist.
var ErrNoSession = errors.New("tmux: no such session")

// DefaultTimeout bounds a single tmux invocation when none is configured.
const DefaultTimeout = 5 * time.Second

// historyLines is how far back capture-pane reads into the scrollback.
const historyLines = 100

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// OSRunner runs commands with os/exec.
type OSRunner struct{}

// Run implements Runner.
func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Client talks to one tmux server. An empty socket path targets the
// user's default server.
type Client struct {
	socketPath string
	timeout    time.Duration
	runner     Runner
}

// NewClient returns a Client using the real tmux binary.
func NewClient(socketPath string, timeout time.Duration) *Client {
	return NewClientWithRunner(socketPath, timeout, OSRunner{})
}

// NewClientWithRunner returns a Client that executes through runner.
func NewClientWithRunner(socketPath string, timeout time.Duration, runner Runner) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		socketPath: socketPath,
		timeout:    timeout,
		runner:     runner,
	}
}

// Run executes a tmux subcommand and returns its output. The socket flag
// is prepended when configured.
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	fullArgs := args
	if c.socketPath != "" {
		fullArgs = append([]string{"-S", c.socketPath}, args...)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	output, err := c.runner.Run(runCtx, "tmux", fullArgs...)
	if err == nil {
		return string(output), nil
	}

	text := strings.TrimSpace(string(output))
	if ctxErr := runCtx.Err(); ctxErr != nil {
		return "", fmt.Errorf("tmux %s: %w", strings.Join(args, " "), ctxErr)
	}
	if isMissing(text) {
		return "", fmt.Errorf("tmux %s: %w (%s)", strings.Join(args, " "), ErrNoSession, text)
	}
	return "", fmt.Errorf("tmux %s: %w (%s)", strings.Join(args, " "), err, text)
}

func isMissing(output string) bool {
	return strings.Contains(output, "can't find session") ||
		strings.Contains(output, "can't find pane") ||
		strings.Contains(output, "no server running") ||
		strings.Contains(output, "session not found")
}

// Snapshot captures the visible pane plus recent scrollback.
func (c *Client) Snapshot(ctx context.Context, id string) (string, error) {
	return c.Run(ctx, "capture-pane", "-t", id, "-p", "-S", "-"+strconv.Itoa(historyLines))
}

// SendLiteral types text into the session without interpreting key names.
func (c *Client) SendLiteral(ctx context.Context, id, text string) error {
	_, err := c.Run(ctx, "send-keys", "-t", id, "-l", text)
	return err
}

// SendControl sends a named key such as "Enter", "C-u" or "C-c".
func (c *Client) SendControl(ctx context.Context, id, key string) error {
	_, err := c.Run(ctx, "send-keys", "-t", id, key)
	return err
}

// ListSessions returns the names of all sessions. A server that is not
// running has no sessions.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	output, err := c.Run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, line := range strings.Split(output, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// HasSession reports whether the named session exists.
func (c *Client) HasSession(ctx context.Context, id string) (bool, error) {
	_, err := c.Run(ctx, "has-session", "-t", id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNoSession) {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

// KillSession terminates the named session. A session that is already
// gone is not an error.
func (c *Client) KillSession(ctx context.Context, id string) error {
	_, err := c.Run(ctx, "kill-session", "-t", id)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	return err
}
