// Package realtime exposes the session supervisor over HTTP and
// WebSocket. Per-session sockets stream terminal output; the dashboard
// hub streams record and worktree changes.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"parapr/internal/protocol"
	"parapr/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Dashboard is served from any local origin.
	},
}

const defaultOutputLines = 50

// Options configures a Server.
type Options struct {
	Manager     *session.Manager
	Logger      *slog.Logger
	StaticDir   string
	Classifier  string
	OutputLines int
}

// Server routes REST calls and WebSocket messages to the session manager.
type Server struct {
	sessionMgr  *session.Manager
	logger      *slog.Logger
	staticDir   string
	classifier  string
	outputLines int

	// hub holds dashboard connections that receive broadcasts.
	hub   map[*client]bool
	hubMu sync.RWMutex
}

// New creates a realtime server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.OutputLines <= 0 {
		opts.OutputLines = defaultOutputLines
	}
	return &Server{
		sessionMgr:  opts.Manager,
		logger:      opts.Logger,
		staticDir:   opts.StaticDir,
		classifier:  opts.Classifier,
		outputLines: opts.OutputLines,
		hub:         make(map[*client]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(cors)
	r.Use(requestID)
	r.Use(requestLogger(s.logger))
	r.Use(recovery(s.logger))

	r.Get("/health", s.handleHealth)
	r.Get("/worktrees", s.handleListWorktrees)

	r.Get("/ws", s.handleHubSocket)
	r.Get("/ws/{ticket}", s.handleSessionSocket)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/start", s.handleStartSessions)
		r.Post("/start-all", s.handleStartAll)
		r.Post("/kill-all", s.handleKillAll)
		r.Post("/{ticket}/start", s.handleStartSession)
	})

	r.Route("/session/{ticket}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Get("/output", s.handleGetOutput)
		r.Post("/send", s.handleSend)
		r.Post("/interrupt", s.handleInterrupt)
		r.Post("/stage", s.handleStage)
		r.Post("/info", s.handleInfo)
		r.Post("/mode", s.handleMode)
		r.Post("/state", s.handleState)
	})

	if s.staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.staticDir)))
	}

	return r
}

// handleSessionSocket streams one session's output and accepts commands
// for it.
func (s *Server) handleSessionSocket(w http.ResponseWriter, r *http.Request) {
	ticket := chi.URLParam(r, "ticket")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", "error", err)
		return
	}

	c := newClient(conn, s, ticket)
	handle, history := s.sessionMgr.Subscribe(ticket, c)

	msg, err := protocol.NewMessage(protocol.TypeSessionHistory, protocol.SessionHistoryPayload{
		Ticket: ticket,
		Lines:  history,
	})
	if err == nil {
		c.sendMessage(msg)
	}

	go c.writePump()
	go c.readPump(func() { s.sessionMgr.Unsubscribe(ticket, handle) })
}

// handleHubSocket streams record and worktree changes for every session.
func (s *Server) handleHubSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", "error", err)
		return
	}

	c := newClient(conn, s, "")
	s.hubMu.Lock()
	s.hub[c] = true
	s.hubMu.Unlock()

	for _, rec := range s.sessionMgr.List() {
		if msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, rec); err == nil {
			c.sendMessage(msg)
		}
	}

	go c.writePump()
	go c.readPump(func() { s.removeHubClient(c) })
}

func (s *Server) removeHubClient(c *client) {
	s.hubMu.Lock()
	delete(s.hub, c)
	s.hubMu.Unlock()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		c.sendError(protocol.ErrInvalidMessage, err.Error())
		return
	}

	ctx := context.Background()
	switch msg.Type {
	case protocol.TypeSessionSend:
		var p protocol.SessionSendPayload
		json.Unmarshal(msg.Payload, &p)
		ticket, ok := s.resolveTicket(c, p.Ticket)
		if !ok {
			return
		}
		if err := s.sessionMgr.Send(ctx, ticket, p.Text); err != nil {
			c.sendError(protocol.ErrSendFailed, err.Error())
		}

	case protocol.TypeSessionInterrupt:
		var p protocol.SessionInterruptPayload
		json.Unmarshal(msg.Payload, &p)
		ticket, ok := s.resolveTicket(c, p.Ticket)
		if !ok {
			return
		}
		if err := s.sessionMgr.Interrupt(ctx, ticket); err != nil {
			c.sendError(protocol.ErrSendFailed, err.Error())
		}

	case protocol.TypeSessionMode:
		var p protocol.SessionModePayload
		json.Unmarshal(msg.Payload, &p)
		ticket, ok := s.resolveTicket(c, p.Ticket)
		if !ok {
			return
		}
		if _, err := s.sessionMgr.SetMode(ticket, p.Mode); err != nil {
			code := protocol.ErrInvalidMessage
			if errors.Is(err, session.ErrInvalidMode) {
				code = protocol.ErrInvalidMode
			}
			c.sendError(code, err.Error())
		}
	}
}

// resolveTicket picks the payload ticket, falling back to the connection's.
func (s *Server) resolveTicket(c *client, ticket string) (string, bool) {
	if ticket == "" {
		ticket = c.ticket
	}
	if ticket == "" {
		c.sendError(protocol.ErrInvalidMessage, "missing required field 'ticket'")
		return "", false
	}
	return ticket, true
}

// broadcast sends a message to all hub clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.hubMu.RLock()
	defer s.hubMu.RUnlock()

	for c := range s.hub {
		c.enqueue(data)
	}
}

// OnSessionUpdate broadcasts a changed record. Wire it as the manager's
// update hook.
func (s *Server) OnSessionUpdate(rec session.Record) {
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, rec)
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// OnWorktreesUpdate broadcasts the current ticket list.
func (s *Server) OnWorktreesUpdate(tickets []string) {
	msg, err := protocol.NewMessage(protocol.TypeWorktreesUpdate, protocol.WorktreesUpdatePayload{
		Tickets: tickets,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// Shutdown closes every hub connection. Session observers are closed by
// the manager.
func (s *Server) Shutdown() {
	s.hubMu.Lock()
	clients := make([]*client, 0, len(s.hub))
	for c := range s.hub {
		clients = append(clients, c)
	}
	s.hub = make(map[*client]bool)
	s.hubMu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
