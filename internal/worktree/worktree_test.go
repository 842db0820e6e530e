package worktree

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDir_Paths(t *testing.T) {
	root := t.TempDir()
	os.Mkdir(filepath.Join(root, "ENG-1"), 0755)
	os.Mkdir(filepath.Join(root, "ENG-2"), 0755)
	os.Mkdir(filepath.Join(root, ".cache"), 0755)
	os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0644)

	paths, err := NewDir(root).Paths()
	if err != nil {
		t.Fatalf("Paths failed: %v", err)
	}
	want := map[string]string{
		"ENG-1": filepath.Join(root, "ENG-1"),
		"ENG-2": filepath.Join(root, "ENG-2"),
	}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("got %v, want %v", paths, want)
	}
}

func TestDir_MissingRoot(t *testing.T) {
	paths, err := NewDir(filepath.Join(t.TempDir(), "nope")).Paths()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("expected no tickets, got %v", paths)
	}
}

func TestDir_Tickets(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"b", "a", "c"} {
		os.Mkdir(filepath.Join(root, name), 0755)
	}
	tickets, err := NewDir(root).Tickets()
	if err != nil {
		t.Fatalf("Tickets failed: %v", err)
	}
	if !reflect.DeepEqual(tickets, []string{"a", "b", "c"}) {
		t.Errorf("unexpected tickets %v", tickets)
	}
}

func TestWatcher_ReportsNewWorktree(t *testing.T) {
	root := t.TempDir()
	os.Mkdir(filepath.Join(root, "ENG-1"), 0755)

	updates := make(chan []string, 4)
	w := NewWatcher(NewDir(root), 20*time.Millisecond, func(tickets []string) {
		updates <- tickets
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Close()

	os.Mkdir(filepath.Join(root, "ENG-2"), 0755)

	select {
	case got := <-updates:
		if !reflect.DeepEqual(got, []string{"ENG-1", "ENG-2"}) {
			t.Errorf("unexpected tickets %v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestWatcher_IgnoresFiles(t *testing.T) {
	root := t.TempDir()
	updates := make(chan []string, 4)
	w := NewWatcher(NewDir(root), 20*time.Millisecond, func(tickets []string) {
		updates <- tickets
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Close()

	os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0644)

	select {
	case got := <-updates:
		t.Errorf("unexpected update %v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_StartMissingDir(t *testing.T) {
	w := NewWatcher(NewDir(filepath.Join(t.TempDir(), "nope")), 0, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := w.Start(); err == nil {
		w.Close()
		t.Fatal("expected error")
	}
}

func TestWatcher_CloseTwice(t *testing.T) {
	w := NewWatcher(NewDir(t.TempDir()), 0, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	w.Close()
	w.Close()
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spawn-sessions.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScriptSpawner_Success(t *testing.T) {
	script := writeScript(t, `echo "starting $@"`)
	out, err := NewScriptSpawner(script, time.Minute).Spawn(context.Background(), []string{"ENG-1", "ENG-2"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if strings.TrimSpace(out) != "starting ENG-1 ENG-2" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestScriptSpawner_RunsInScriptDir(t *testing.T) {
	script := writeScript(t, `pwd`)
	out, err := NewScriptSpawner(script, time.Minute).Spawn(context.Background(), []string{"ENG-1"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	want, _ := filepath.EvalSymlinks(filepath.Dir(script))
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(out))
	if got != want {
		t.Errorf("ran in %q, want %q", got, want)
	}
}

func TestScriptSpawner_Failure(t *testing.T) {
	script := writeScript(t, `echo partial; echo "worktree ENG-9 missing" >&2; exit 3`)
	out, err := NewScriptSpawner(script, time.Minute).Spawn(context.Background(), []string{"ENG-9"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "worktree ENG-9 missing") {
		t.Errorf("expected stderr in error, got %v", err)
	}
	if strings.TrimSpace(out) != "partial" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestScriptSpawner_MissingScript(t *testing.T) {
	_, err := NewScriptSpawner(filepath.Join(t.TempDir(), "missing.sh"), 0).Spawn(context.Background(), []string{"x"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestScriptSpawner_RejectsFlagLikeTicket(t *testing.T) {
	script := writeScript(t, `echo ok`)
	if _, err := NewScriptSpawner(script, 0).Spawn(context.Background(), []string{"--all"}); err == nil {
		t.Fatal("expected error")
	}
}
