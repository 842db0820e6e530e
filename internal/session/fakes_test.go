package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"parapr/internal/classify"
)

// fakeTerminal records every keystroke call and serves a settable snapshot.
type fakeTerminal struct {
	mu       sync.Mutex
	calls    []string
	snapshot string
	snapErr  error
	sendErr  error
	running  map[string]bool
	killErr  map[string]error
	listErr  error
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{running: map[string]bool{}, killErr: map[string]error{}}
}

func (f *fakeTerminal) setSnapshot(s string) {
	f.mu.Lock()
	f.snapshot = s
	f.mu.Unlock()
}

func (f *fakeTerminal) setSnapshotErr(err error) {
	f.mu.Lock()
	f.snapErr = err
	f.mu.Unlock()
}

func (f *fakeTerminal) keystrokes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTerminal) Snapshot(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		return "", f.snapErr
	}
	return f.snapshot, nil
}

func (f *fakeTerminal) SendLiteral(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s literal %s", id, text))
	return f.sendErr
}

func (f *fakeTerminal) SendControl(_ context.Context, id, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s key %s", id, key))
	return f.sendErr
}

func (f *fakeTerminal) ListSessions(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var ids []string
	for id := range f.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeTerminal) HasSession(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id], nil
}

func (f *fakeTerminal) KillSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.killErr[id]; err != nil {
		return err
	}
	delete(f.running, id)
	return nil
}

// fakeObserver buffers events and records closure.
type fakeObserver struct {
	events chan Event
	closed chan struct{}
	once   sync.Once
	fail   bool
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{events: make(chan Event, 32), closed: make(chan struct{})}
}

func (o *fakeObserver) Push(e Event) error {
	if o.fail {
		return ErrObserverGone
	}
	select {
	case <-o.closed:
		return ErrObserverGone
	default:
	}
	select {
	case o.events <- e:
		return nil
	default:
		return errors.New("observer buffer full")
	}
}

func (o *fakeObserver) Close() {
	o.once.Do(func() { close(o.closed) })
}

func (o *fakeObserver) next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-o.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func (o *fakeObserver) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-o.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for observer close")
	}
}

// stubEvaluator returns a fixed verdict and remembers requests.
type stubEvaluator struct {
	mu       sync.Mutex
	result   classify.Result
	requests []classify.Request
}

func (s *stubEvaluator) Evaluate(_ context.Context, req classify.Request) classify.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.result
}

func (s *stubEvaluator) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type fakeSpawner struct {
	mu      sync.Mutex
	tickets [][]string
	output  string
	err     error
}

func (f *fakeSpawner) Spawn(_ context.Context, tickets []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickets = append(f.tickets, tickets)
	return f.output, f.err
}

type fakeWorktrees map[string]string

func (f fakeWorktrees) Paths() (map[string]string, error) {
	return f, nil
}

func newTestManager(term Terminal, opts Options) *Manager {
	opts.Terminal = term
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	return NewManager(opts)
}
