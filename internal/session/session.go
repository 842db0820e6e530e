package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned by reads of an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUnknownStage is returned for a stage name outside the checklist.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrStageRevert is returned when a caller tries to clear a stage flag.
	ErrStageRevert = errors.New("stage flags cannot be cleared")
	// ErrInvalidMode is returned for a mode other than planning or auto_accept.
	ErrInvalidMode = errors.New("invalid mode")
	// ErrInvalidState is returned for an unknown lifecycle state.
	ErrInvalidState = errors.New("invalid state")
	// ErrObserverGone is returned by an Observer whose transport has closed.
	ErrObserverGone = errors.New("observer gone")
)

// State is the display lifecycle of a session. The supervisor never
// changes it on its own.
type State string

const (
	StateStarting      State = "starting"
	StateSpecify       State = "specify"
	StateClarifyNeeded State = "clarify_needed"
	StatePlanning      State = "planning"
	StatePlanReview    State = "plan_review"
	StateTasking       State = "tasking"
	StateImplementing  State = "implementing"
	StateDone          State = "done"
	StateError         State = "error"
)

// ParseState validates a lifecycle state name.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateStarting, StateSpecify, StateClarifyNeeded, StatePlanning, StatePlanReview,
		StateTasking, StateImplementing, StateDone, StateError:
		return st, nil
	}
	return "", ErrInvalidState
}

// Mode decides whether safe permission prompts are answered automatically.
type Mode string

const (
	ModePlanning   Mode = "planning"
	ModeAutoAccept Mode = "auto_accept"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModePlanning, ModeAutoAccept:
		return m, nil
	}
	return "", ErrInvalidMode
}

// Stages is the work checklist. Flags only move from false to true.
type Stages struct {
	LinearPulled  bool `json:"linear_pulled"`
	SpecifyDone   bool `json:"specify_done"`
	ClarifyDone   bool `json:"clarify_done"`
	PlanDone      bool `json:"plan_done"`
	TasksDone     bool `json:"tasks_done"`
	ImplementDone bool `json:"implement_done"`
}

// StageNames lists the names accepted by MarkStage, in workflow order.
var StageNames = []string{"linear", "specify", "clarify", "plan", "tasks", "implement"}

func (s *Stages) flag(name string) *bool {
	switch name {
	case "linear":
		return &s.LinearPulled
	case "specify":
		return &s.SpecifyDone
	case "clarify":
		return &s.ClarifyDone
	case "plan":
		return &s.PlanDone
	case "tasks":
		return &s.TasksDone
	case "implement":
		return &s.ImplementDone
	}
	return nil
}

// Record is the supervisor's view of one terminal session.
type Record struct {
	ID      string `json:"ticket"`
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
	Mode    Mode   `json:"mode"`
	// AutoAccept mirrors Mode for dashboards that only read a flag.
	AutoAccept     bool      `json:"auto_accept"`
	NeedsAttention bool      `json:"needs_attention"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	UpdatedAt      time.Time `json:"updated_at"`
	Stages
}

func newRecord(id string) *Record {
	return &Record{
		ID:        id,
		State:     StateStarting,
		Mode:      ModePlanning,
		UpdatedAt: time.Now().UTC(),
	}
}

// EventType distinguishes output from closure notifications.
type EventType string

const (
	EventOutput EventType = "output"
	EventClosed EventType = "closed"
)

// Event is delivered to every observer of a session.
type Event struct {
	Type           EventType `json:"type"`
	SessionID      string    `json:"ticket"`
	Content        string    `json:"content,omitempty"`
	NeedsAttention bool      `json:"needs_attention"`
	AutoAccepted   bool      `json:"auto_accepted"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Observer receives session events. Push must not block; an error prunes
// the observer. Close is called once when the supervisor drops it.
type Observer interface {
	Push(Event) error
	Close()
}

// Control keys understood by Terminal.SendControl.
const (
	KeyClearLine = "C-u"
	KeyEnter     = "Enter"
	KeyInterrupt = "C-c"
)

// Terminal is an addressable pseudo-terminal host. Implementations bound
// every call with their own timeout.
type Terminal interface {
	Snapshot(ctx context.Context, id string) (string, error)
	SendLiteral(ctx context.Context, id, text string) error
	SendControl(ctx context.Context, id, key string) error
	ListSessions(ctx context.Context) ([]string, error)
	HasSession(ctx context.Context, id string) (bool, error)
	KillSession(ctx context.Context, id string) error
}

// Spawner launches terminal sessions for tickets and returns the
// launcher's output.
type Spawner interface {
	Spawn(ctx context.Context, tickets []string) (string, error)
}

// Worktrees lists candidate work units as ticket -> path.
type Worktrees interface {
	Paths() (map[string]string, error)
}
