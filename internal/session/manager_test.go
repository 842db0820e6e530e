package session

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"parapr/internal/classify"
)

func TestManager_GetNotFound(t *testing.T) {
	mgr := newTestManager(newFakeTerminal(), Options{})
	_, err := mgr.Get("nonexistent")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestManager_ListEmpty(t *testing.T) {
	mgr := newTestManager(newFakeTerminal(), Options{})
	if got := mgr.List(); len(got) != 0 {
		t.Errorf("expected empty list, got %d records", len(got))
	}
}

func TestManager_Discover(t *testing.T) {
	term := newFakeTerminal()
	term.running["ENG-1"] = true
	term.running["ENG-2"] = true
	mgr := newTestManager(term, Options{})

	n, err := mgr.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 new sessions, got %d", n)
	}

	rec, err := mgr.Get("ENG-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.State != StateStarting || rec.Mode != ModePlanning || rec.AutoAccept {
		t.Errorf("unexpected defaults: %+v", rec)
	}
	if mgr.Output("ENG-1", 50) != "" {
		t.Error("expected empty buffer")
	}

	n, _ = mgr.Discover(context.Background())
	if n != 0 {
		t.Errorf("expected rediscovery to add nothing, got %d", n)
	}
}

func TestManager_DiscoverError(t *testing.T) {
	term := newFakeTerminal()
	term.listErr = errors.New("tmux missing")
	mgr := newTestManager(term, Options{})

	if _, err := mgr.Discover(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestManager_LazyUpsert(t *testing.T) {
	mgr := newTestManager(newFakeTerminal(), Options{})

	rec, err := mgr.MarkStage("ENG-7", "plan", true)
	if err != nil {
		t.Fatalf("MarkStage failed: %v", err)
	}
	if !rec.PlanDone {
		t.Error("expected plan_done")
	}
	if rec.State != StateStarting {
		t.Errorf("expected default state, got %s", rec.State)
	}

	rec, err = mgr.SetInfo("ENG-8", "Add login", "OAuth flow")
	if err != nil {
		t.Fatalf("SetInfo failed: %v", err)
	}
	if rec.Title != "Add login" || rec.Description != "OAuth flow" {
		t.Errorf("unexpected metadata: %+v", rec)
	}
	if mgr.Len() != 2 {
		t.Errorf("expected 2 records, got %d", mgr.Len())
	}
}

func TestManager_MarkStage(t *testing.T) {
	mgr := newTestManager(newFakeTerminal(), Options{})

	for _, name := range StageNames {
		if _, err := mgr.MarkStage("ENG-1", name, true); err != nil {
			t.Fatalf("MarkStage(%s) failed: %v", name, err)
		}
	}
	rec, _ := mgr.Get("ENG-1")
	want := Stages{true, true, true, true, true, true}
	if rec.Stages != want {
		t.Errorf("got %+v, want all stages done", rec.Stages)
	}

	if _, err := mgr.MarkStage("ENG-1", "plan", false); !errors.Is(err, ErrStageRevert) {
		t.Errorf("expected ErrStageRevert, got %v", err)
	}
	rec, _ = mgr.Get("ENG-1")
	if !rec.PlanDone {
		t.Error("plan_done was cleared")
	}

	if _, err := mgr.MarkStage("ENG-1", "deploy", true); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("expected ErrUnknownStage, got %v", err)
	}

	if _, err := mgr.MarkStage("ENG-2", "tasks", false); err != nil {
		t.Errorf("clearing an unset flag should be a no-op, got %v", err)
	}
	rec, _ = mgr.Get("ENG-2")
	if rec.TasksDone {
		t.Error("tasks_done should stay false")
	}
}

func TestManager_SetMode(t *testing.T) {
	mgr := newTestManager(newFakeTerminal(), Options{})

	rec, err := mgr.SetMode("ENG-1", "auto_accept")
	if err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if rec.Mode != ModeAutoAccept || !rec.AutoAccept {
		t.Errorf("unexpected record: %+v", rec)
	}

	rec, _ = mgr.SetMode("ENG-1", "planning")
	if rec.Mode != ModePlanning || rec.AutoAccept {
		t.Errorf("unexpected record: %+v", rec)
	}

	if _, err := mgr.SetMode("ENG-1", "yolo"); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("expected ErrInvalidMode, got %v", err)
	}
}

func TestManager_SetState(t *testing.T) {
	mgr := newTestManager(newFakeTerminal(), Options{})

	rec, err := mgr.SetState("ENG-1", "implementing", "phase 2")
	if err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if rec.State != StateImplementing || rec.Message != "phase 2" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if _, err := mgr.SetState("ENG-1", "sleeping", ""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestManager_OnUpdate(t *testing.T) {
	var (
		mu      sync.Mutex
		updates []Record
	)
	mgr := newTestManager(newFakeTerminal(), Options{
		OnUpdate: func(r Record) {
			mu.Lock()
			updates = append(updates, r)
			mu.Unlock()
		},
	})

	mgr.SetInfo("ENG-1", "t", "d")
	mgr.SetMode("ENG-1", "auto_accept")

	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	if !updates[1].AutoAccept || updates[1].Title != "t" {
		t.Errorf("unexpected last update: %+v", updates[1])
	}
}

func TestManager_SendAndInterrupt(t *testing.T) {
	term := newFakeTerminal()
	mgr := newTestManager(term, Options{})
	ctx := context.Background()

	if err := mgr.Send(ctx, "ENG-1", "run the tests"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := mgr.Interrupt(ctx, "ENG-1"); err != nil {
		t.Fatalf("Interrupt failed: %v", err)
	}

	want := []string{
		"ENG-1 key C-u",
		"ENG-1 literal run the tests",
		"ENG-1 key Enter",
		"ENG-1 key C-c",
	}
	if got := term.keystrokes(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestManager_SendError(t *testing.T) {
	term := newFakeTerminal()
	term.sendErr = errors.New("tmux: no such session")
	mgr := newTestManager(term, Options{})

	if err := mgr.Send(context.Background(), "ENG-1", "hi"); err == nil {
		t.Fatal("expected error")
	}
	if len(term.keystrokes()) != 1 {
		t.Errorf("expected to stop after the first failed call, got %v", term.keystrokes())
	}
}

func TestManager_Start(t *testing.T) {
	spawner := &fakeSpawner{output: "spawned 2"}
	mgr := newTestManager(newFakeTerminal(), Options{Spawner: spawner})

	res := mgr.Start(context.Background(), []string{"ENG-1", " ", "ENG-2"})
	if !res.OK || res.Output != "spawned 2" {
		t.Errorf("unexpected result: %+v", res)
	}
	if !reflect.DeepEqual(spawner.tickets, [][]string{{"ENG-1", "ENG-2"}}) {
		t.Errorf("unexpected spawn args: %v", spawner.tickets)
	}
	if mgr.Len() != 2 {
		t.Errorf("expected 2 records, got %d", mgr.Len())
	}
}

func TestManager_StartFailureStillRegisters(t *testing.T) {
	spawner := &fakeSpawner{err: errors.New("exit status 1: worktree missing")}
	mgr := newTestManager(newFakeTerminal(), Options{Spawner: spawner})

	res := mgr.Start(context.Background(), []string{"ENG-1"})
	if res.OK {
		t.Error("expected failure")
	}
	if !strings.Contains(res.Error, "worktree missing") {
		t.Errorf("unexpected error %q", res.Error)
	}
	if _, err := mgr.Get("ENG-1"); err != nil {
		t.Errorf("expected record to exist: %v", err)
	}
}

func TestManager_StartNoTickets(t *testing.T) {
	mgr := newTestManager(newFakeTerminal(), Options{Spawner: &fakeSpawner{}})
	res := mgr.Start(context.Background(), nil)
	if res.OK || res.Error == "" {
		t.Errorf("expected error result, got %+v", res)
	}
}

func TestManager_WorktreesAndStartAll(t *testing.T) {
	term := newFakeTerminal()
	term.running["ENG-1"] = true
	spawner := &fakeSpawner{}
	mgr := newTestManager(term, Options{
		Spawner:   spawner,
		Worktrees: fakeWorktrees{"ENG-1": "/wt/ENG-1", "ENG-2": "/wt/ENG-2", "ENG-3": "/wt/ENG-3"},
	})
	mgr.SetInfo("ENG-1", "", "")

	wts, err := mgr.Worktrees(context.Background())
	if err != nil {
		t.Fatalf("Worktrees failed: %v", err)
	}
	want := WorktreeStatus{Path: "/wt/ENG-1", Active: true, InSessions: true}
	if wts["ENG-1"] != want {
		t.Errorf("got %+v, want %+v", wts["ENG-1"], want)
	}
	if wts["ENG-2"].Active || wts["ENG-2"].InSessions {
		t.Errorf("unexpected ENG-2 status %+v", wts["ENG-2"])
	}

	res, err := mgr.StartAll(context.Background())
	if err != nil {
		t.Fatalf("StartAll failed: %v", err)
	}
	if !reflect.DeepEqual(res.Tickets, []string{"ENG-2", "ENG-3"}) {
		t.Errorf("unexpected tickets %v", res.Tickets)
	}
}

func TestManager_StartAllNothingToStart(t *testing.T) {
	term := newFakeTerminal()
	term.running["ENG-1"] = true
	spawner := &fakeSpawner{}
	mgr := newTestManager(term, Options{Spawner: spawner, Worktrees: fakeWorktrees{"ENG-1": "/wt/ENG-1"}})

	res, err := mgr.StartAll(context.Background())
	if err != nil {
		t.Fatalf("StartAll failed: %v", err)
	}
	if !res.OK || res.Message != "No worktrees to start" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(spawner.tickets) != 0 {
		t.Error("spawner should not run")
	}
}

func TestManager_KillAll(t *testing.T) {
	term := newFakeTerminal()
	term.running["ENG-1"] = true
	term.running["ENG-3"] = true
	mgr := newTestManager(term, Options{Worktrees: fakeWorktrees{"ENG-3": "/wt/ENG-3"}})
	mgr.SetInfo("ENG-1", "", "")
	mgr.SetInfo("ENG-2", "", "")

	obs := newFakeObserver()
	mgr.Subscribe("ENG-1", obs)

	res := mgr.KillAll(context.Background())
	if !res.OK {
		t.Errorf("unexpected errors %v", res.Errors)
	}
	if !reflect.DeepEqual(res.Killed, []string{"ENG-1", "ENG-3"}) {
		t.Errorf("unexpected killed %v", res.Killed)
	}
	if mgr.Len() != 0 {
		t.Errorf("expected registry cleared, got %d", mgr.Len())
	}
	if mgr.Output("ENG-1", 50) != "" {
		t.Error("expected buffer cleared")
	}
	obs.waitClosed(t)
	if mgr.Observed("ENG-1") {
		t.Error("poller should be gone")
	}
}

func TestManager_KillAllReportsErrors(t *testing.T) {
	term := newFakeTerminal()
	term.running["ENG-1"] = true
	term.killErr["ENG-1"] = errors.New("permission denied")
	mgr := newTestManager(term, Options{})
	mgr.SetInfo("ENG-1", "", "")

	res := mgr.KillAll(context.Background())
	if res.OK || len(res.Errors) != 1 || res.Errors[0].Ticket != "ENG-1" {
		t.Errorf("unexpected result %+v", res)
	}
	if _, err := mgr.Get("ENG-1"); err != nil {
		t.Error("record should survive a failed kill")
	}
}

func TestManager_OutputTail(t *testing.T) {
	mgr := newTestManager(newFakeTerminal(), Options{})
	mgr.SetInfo("ENG-1", "", "")
	ms := mgr.sessions["ENG-1"]
	ms.buffer.Append("a", "b", "c")

	if got := mgr.Output("ENG-1", 2); got != "b\nc" {
		t.Errorf("got %q", got)
	}
	if got := mgr.Output("missing", 50); got != "" {
		t.Errorf("expected empty output, got %q", got)
	}
}

func TestManager_Shutdown(t *testing.T) {
	term := newFakeTerminal()
	mgr := newTestManager(term, Options{})
	obs := newFakeObserver()
	mgr.Subscribe("ENG-1", obs)

	mgr.Shutdown()

	obs.waitClosed(t)
	if mgr.Observed("ENG-1") {
		t.Error("expected poller stopped")
	}
	if _, err := mgr.Get("ENG-1"); err != nil {
		t.Error("records should survive shutdown")
	}
}

func TestManager_SubscribeAfterShutdown(t *testing.T) {
	term := newFakeTerminal()
	mgr := newTestManager(term, Options{})
	mgr.Shutdown()

	obs := newFakeObserver()
	handle, history := mgr.Subscribe("ENG-1", obs)

	if handle != "" || history != nil {
		t.Errorf("unexpected handle %q history %v", handle, history)
	}
	ev := obs.next(t)
	if ev.Type != EventClosed {
		t.Errorf("expected closed event, got %s", ev.Type)
	}
	obs.waitClosed(t)
	if mgr.Observed("ENG-1") {
		t.Error("expected no poller after shutdown")
	}
}

func TestManager_ClassifierGetsContext(t *testing.T) {
	eval := &stubEvaluator{result: classify.Result{SafeToContinue: true}}
	mgr := newTestManager(newFakeTerminal(), Options{Evaluator: eval, ContextLines: 3})
	mgr.SetInfo("ENG-1", "", "")
	ms := mgr.sessions["ENG-1"]
	ms.buffer.Append("one", "two", "three", "four")

	mgr.processDelta(context.Background(), "ENG-1", ms, 0, "five\n")

	if eval.count() != 1 {
		t.Fatalf("expected 1 evaluation, got %d", eval.count())
	}
	req := eval.requests[0]
	if req.Context != "three\nfour\nfive" {
		t.Errorf("unexpected context %q", req.Context)
	}
	if req.Delta != "five\n" || req.SessionID != "ENG-1" {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestManager_ConcurrentReads(t *testing.T) {
	term := newFakeTerminal()
	term.setSnapshot("hello\n")
	mgr := newTestManager(term, Options{PollInterval: time.Millisecond})
	obs := newFakeObserver()
	mgr.Subscribe("ENG-1", obs)

	var wg sync.WaitGroup
	for n := 0; n < 4; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				mgr.List()
				mgr.Output("ENG-1", 10)
				mgr.SetInfo("ENG-1", "t", "d")
			}
		}()
	}
	wg.Wait()
	mgr.Shutdown()
}
