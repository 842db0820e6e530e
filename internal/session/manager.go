// Package session supervises terminal sessions: it tracks one record per
// ticket, polls observed sessions for new output, answers safe
// permission prompts in auto-accept mode, and fans output out to
// observers.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"parapr/internal/classify"
)

const (
	defaultPollInterval    = 300 * time.Millisecond
	defaultBufferLines     = 200
	defaultContextLines    = 50
	defaultKillParallelism = 4
)

// Options configures a Manager. Terminal is required.
type Options struct {
	Terminal  Terminal
	Evaluator classify.Evaluator
	Spawner   Spawner
	Worktrees Worktrees
	Logger    *slog.Logger

	PollInterval time.Duration
	// SettleDelay separates clearing the input line from typing into it.
	SettleDelay     time.Duration
	BufferLines     int
	ContextLines    int
	KillParallelism int

	// OnUpdate is called after any record changes, outside internal locks.
	OnUpdate func(Record)
}

// Manager is the session registry. It owns every record, output buffer,
// observer set and poller.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*managedSession

	terminal        Terminal
	evaluator       classify.Evaluator
	spawner         Spawner
	worktrees       Worktrees
	logger          *slog.Logger
	pollInterval    time.Duration
	settleDelay     time.Duration
	bufferLines     int
	contextLines    int
	killParallelism int
	onUpdate        func(Record)

	ctx    context.Context
	cancel context.CancelFunc
}

type managedSession struct {
	record    *Record
	buffer    *LineBuffer
	observers *observerSet

	// Owned by the running poller; guarded by Manager.mu.
	lastSnapshot string
	pollCancel   context.CancelFunc
	pollGen      uint64
}

// NewManager creates an empty registry.
func NewManager(opts Options) *Manager {
	if opts.Evaluator == nil {
		opts.Evaluator = classify.Heuristic{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BufferLines <= 0 {
		opts.BufferLines = defaultBufferLines
	}
	if opts.ContextLines <= 0 {
		opts.ContextLines = defaultContextLines
	}
	if opts.KillParallelism <= 0 {
		opts.KillParallelism = defaultKillParallelism
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions:        make(map[string]*managedSession),
		terminal:        opts.Terminal,
		evaluator:       opts.Evaluator,
		spawner:         opts.Spawner,
		worktrees:       opts.Worktrees,
		logger:          opts.Logger,
		pollInterval:    opts.PollInterval,
		settleDelay:     opts.SettleDelay,
		bufferLines:     opts.BufferLines,
		contextLines:    opts.ContextLines,
		killParallelism: opts.KillParallelism,
		onUpdate:        opts.OnUpdate,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// getOrCreateLocked returns the session for id, creating a default record
// when it is unknown. m.mu must be held for writing.
func (m *Manager) getOrCreateLocked(id string) (*managedSession, bool) {
	if ms, ok := m.sessions[id]; ok {
		return ms, false
	}
	ms := &managedSession{
		record:    newRecord(id),
		buffer:    NewLineBuffer(m.bufferLines),
		observers: newObserverSet(),
	}
	m.sessions[id] = ms
	return ms, true
}

func (m *Manager) notify(rec Record) {
	if m.onUpdate != nil {
		m.onUpdate(rec)
	}
}

// update applies fn to the record for id, creating it if needed. The
// record is left untouched when fn fails.
func (m *Manager) update(id string, fn func(*Record) error) (Record, error) {
	m.mu.Lock()
	ms, created := m.getOrCreateLocked(id)
	next := *ms.record
	if err := fn(&next); err != nil {
		rec := *ms.record
		m.mu.Unlock()
		if created {
			m.notify(rec)
		}
		return rec, err
	}
	next.UpdatedAt = time.Now().UTC()
	*ms.record = next
	m.mu.Unlock()

	m.notify(next)
	return next, nil
}

// Discover registers every session the terminal host already runs.
// It returns the number of newly registered sessions.
func (m *Manager) Discover(ctx context.Context) (int, error) {
	ids, err := m.terminal.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("discover sessions: %w", err)
	}

	var added []Record
	m.mu.Lock()
	for _, id := range ids {
		if ms, created := m.getOrCreateLocked(id); created {
			added = append(added, *ms.record)
		}
	}
	m.mu.Unlock()

	for _, rec := range added {
		m.logger.Info("discovered session", "session", rec.ID)
		m.notify(rec)
	}
	return len(added), nil
}

// Get returns a copy of the record for id.
func (m *Manager) Get(id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return *ms.record, nil
}

// List returns copies of all records ordered by id.
func (m *Manager) List() []Record {
	m.mu.RLock()
	result := make([]Record, 0, len(m.sessions))
	for _, ms := range m.sessions {
		result = append(result, *ms.record)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Output returns the newest n buffered lines of id joined by newlines.
// An unknown session has no output.
func (m *Manager) Output(id string, n int) string {
	m.mu.RLock()
	ms, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return ""
	}
	return strings.Join(ms.buffer.Tail(n), "\n")
}

// SetMode switches between planning and auto-accept.
func (m *Manager) SetMode(id, mode string) (Record, error) {
	parsed, err := ParseMode(mode)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %q", err, mode)
	}
	rec, err := m.update(id, func(r *Record) error {
		r.Mode = parsed
		r.AutoAccept = parsed == ModeAutoAccept
		return nil
	})
	if err == nil {
		m.logger.Info("mode changed", "session", id, "mode", parsed)
	}
	return rec, err
}

// MarkStage marks a checklist stage as done. Stages cannot be cleared.
func (m *Manager) MarkStage(id, stage string, done bool) (Record, error) {
	var probe Stages
	if probe.flag(stage) == nil {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	return m.update(id, func(r *Record) error {
		flag := r.flag(stage)
		if !done {
			if *flag {
				return fmt.Errorf("%w: %s", ErrStageRevert, stage)
			}
			return nil
		}
		*flag = true
		return nil
	})
}

// SetInfo stores display metadata for id.
func (m *Manager) SetInfo(id, title, description string) (Record, error) {
	return m.update(id, func(r *Record) error {
		r.Title = title
		r.Description = description
		return nil
	})
}

// SetState records the display lifecycle state and an optional message.
func (m *Manager) SetState(id, state, message string) (Record, error) {
	parsed, err := ParseState(state)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %q", err, state)
	}
	return m.update(id, func(r *Record) error {
		r.State = parsed
		r.Message = message
		return nil
	})
}

// Send types text into the session's input line and submits it.
func (m *Manager) Send(ctx context.Context, id, text string) error {
	if err := m.typeLine(ctx, id, text); err != nil {
		return fmt.Errorf("send to %s: %w", id, err)
	}
	return nil
}

// Interrupt sends Ctrl+C to the session.
func (m *Manager) Interrupt(ctx context.Context, id string) error {
	if err := m.terminal.SendControl(ctx, id, KeyInterrupt); err != nil {
		return fmt.Errorf("interrupt %s: %w", id, err)
	}
	return nil
}

// typeLine clears the input line, waits for the terminal to settle, types
// text literally and presses Enter.
func (m *Manager) typeLine(ctx context.Context, id, text string) error {
	if err := m.terminal.SendControl(ctx, id, KeyClearLine); err != nil {
		return fmt.Errorf("clear line: %w", err)
	}
	if m.settleDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.settleDelay):
		}
	}
	if err := m.terminal.SendLiteral(ctx, id, text); err != nil {
		return fmt.Errorf("type text: %w", err)
	}
	if err := m.terminal.SendControl(ctx, id, KeyEnter); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}

// StartResult reports a spawn attempt.
type StartResult struct {
	OK      bool     `json:"ok"`
	Tickets []string `json:"tickets"`
	Output  string   `json:"output"`
	Error   string   `json:"error,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Start launches terminal sessions for tickets and registers a record for
// each, whether or not the launcher succeeded.
func (m *Manager) Start(ctx context.Context, tickets []string) StartResult {
	var clean []string
	for _, t := range tickets {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	if len(clean) == 0 {
		return StartResult{Tickets: []string{}, Error: "no tickets given"}
	}
	if m.spawner == nil {
		return StartResult{Tickets: clean, Error: "no spawner configured"}
	}

	result := StartResult{OK: true, Tickets: clean}
	output, err := m.spawner.Spawn(ctx, clean)
	result.Output = output
	if err != nil {
		result.OK = false
		result.Error = err.Error()
		m.logger.Warn("spawn failed", "tickets", clean, "error", err)
	} else {
		m.logger.Info("spawned sessions", "tickets", clean)
	}

	var added []Record
	m.mu.Lock()
	for _, id := range clean {
		if ms, created := m.getOrCreateLocked(id); created {
			added = append(added, *ms.record)
		}
	}
	m.mu.Unlock()
	for _, rec := range added {
		m.notify(rec)
	}
	return result
}

// WorktreeStatus describes one candidate work unit.
type WorktreeStatus struct {
	Path       string `json:"path"`
	Active     bool   `json:"active"`
	InSessions bool   `json:"in_sessions"`
}

// Worktrees reports every work unit with its terminal and registry state.
func (m *Manager) Worktrees(ctx context.Context) (map[string]WorktreeStatus, error) {
	result := make(map[string]WorktreeStatus)
	if m.worktrees == nil {
		return result, nil
	}
	paths, err := m.worktrees.Paths()
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	for ticket, path := range paths {
		active, err := m.terminal.HasSession(ctx, ticket)
		if err != nil {
			m.logger.Warn("has-session failed", "session", ticket, "error", err)
		}
		m.mu.RLock()
		_, tracked := m.sessions[ticket]
		m.mu.RUnlock()
		result[ticket] = WorktreeStatus{Path: path, Active: active, InSessions: tracked}
	}
	return result, nil
}

// StartAll starts every work unit that has no running terminal session.
func (m *Manager) StartAll(ctx context.Context) (StartResult, error) {
	worktrees, err := m.Worktrees(ctx)
	if err != nil {
		return StartResult{}, err
	}

	var pending []string
	for ticket, wt := range worktrees {
		if !wt.Active {
			pending = append(pending, ticket)
		}
	}
	if len(pending) == 0 {
		return StartResult{OK: true, Tickets: []string{}, Message: "No worktrees to start"}, nil
	}
	sort.Strings(pending)
	return m.Start(ctx, pending), nil
}

// KillError pairs a ticket with the reason it could not be killed.
type KillError struct {
	Ticket string `json:"ticket"`
	Error  string `json:"error"`
}

// KillResult reports a kill-all sweep.
type KillResult struct {
	OK     bool        `json:"ok"`
	Killed []string    `json:"killed"`
	Errors []KillError `json:"errors"`
}

// KillAll terminates every tracked or worktree session that is running and
// forgets each tracked record along with its buffer and observers.
func (m *Manager) KillAll(ctx context.Context) KillResult {
	seen := make(map[string]bool)
	var tickets []string
	for _, rec := range m.List() {
		seen[rec.ID] = true
		tickets = append(tickets, rec.ID)
	}
	if m.worktrees != nil {
		paths, err := m.worktrees.Paths()
		if err != nil {
			m.logger.Warn("list worktrees for kill-all", "error", err)
		}
		for ticket := range paths {
			if !seen[ticket] {
				seen[ticket] = true
				tickets = append(tickets, ticket)
			}
		}
	}

	var (
		mu     sync.Mutex
		result = KillResult{Killed: []string{}, Errors: []KillError{}}
	)
	var g errgroup.Group
	g.SetLimit(m.killParallelism)
	for _, ticket := range tickets {
		ticket := ticket
		g.Go(func() error {
			killed, err := m.killOne(ctx, ticket)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, KillError{Ticket: ticket, Error: err.Error()})
				return nil
			}
			if killed {
				result.Killed = append(result.Killed, ticket)
			}
			return nil
		})
	}
	// Workers record failures in result and always return nil.
	_ = g.Wait()

	sort.Strings(result.Killed)
	sort.Slice(result.Errors, func(i, j int) bool { return result.Errors[i].Ticket < result.Errors[j].Ticket })
	result.OK = len(result.Errors) == 0
	m.logger.Info("kill-all finished", "killed", len(result.Killed), "errors", len(result.Errors))
	return result
}

func (m *Manager) killOne(ctx context.Context, ticket string) (bool, error) {
	running, err := m.terminal.HasSession(ctx, ticket)
	if err != nil {
		return false, err
	}
	if running {
		if err := m.terminal.KillSession(ctx, ticket); err != nil {
			return false, err
		}
	}
	m.remove(ticket, "session killed")
	return running, nil
}

// remove forgets id, stops its poller and closes its observers.
func (m *Manager) remove(id, reason string) {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	m.stopPollerLocked(ms)
	observers := ms.observers.drain()
	m.mu.Unlock()

	closeObservers(observers, Event{
		Type:      EventClosed,
		SessionID: id,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

func closeObservers(observers []Observer, event Event) {
	for _, obs := range observers {
		obs.Push(event)
		obs.Close()
	}
}

// Subscribe attaches obs to id, creating the record if needed, and starts
// the session's poller when obs is its first observer. It returns the
// handle for Unsubscribe and the buffered output at attach time. After
// Shutdown the observer is closed at once and the handle is empty.
func (m *Manager) Subscribe(id string, obs Observer) (string, []string) {
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		closeObservers([]Observer{obs}, Event{
			Type:      EventClosed,
			SessionID: id,
			Reason:    "supervisor shut down",
			Timestamp: time.Now().UTC(),
		})
		return "", nil
	}
	ms, created := m.getOrCreateLocked(id)
	history := ms.buffer.Lines()
	handle := ms.observers.add(obs)
	if ms.pollCancel == nil {
		m.startPollerLocked(id, ms)
	}
	rec := *ms.record
	m.mu.Unlock()

	m.logger.Debug("observer attached", "session", id, "observer", handle)
	if created {
		m.notify(rec)
	}
	return handle, history
}

// Unsubscribe detaches and closes the observer. The poller stops when the
// last observer leaves.
func (m *Manager) Unsubscribe(id, handle string) {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	obs, attached := ms.observers.remove(handle)
	if ms.observers.len() == 0 {
		m.stopPollerLocked(ms)
	}
	m.mu.Unlock()

	if attached {
		obs.Close()
		m.logger.Debug("observer detached", "session", id, "observer", handle)
	}
}

// Observed reports whether id currently has a running poller.
func (m *Manager) Observed(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	return ok && ms.pollCancel != nil
}

// Shutdown stops every poller and closes every observer. Records are kept.
func (m *Manager) Shutdown() {
	m.cancel()

	m.mu.Lock()
	var observers []Observer
	for _, ms := range m.sessions {
		m.stopPollerLocked(ms)
		observers = append(observers, ms.observers.drain()...)
	}
	m.mu.Unlock()

	for _, obs := range observers {
		obs.Close()
	}
}

func (m *Manager) stopIfIdle(ms *managedSession, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms.pollGen == gen && ms.observers.len() == 0 {
		m.stopPollerLocked(ms)
	}
}
