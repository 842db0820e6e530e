package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"parapr/internal/protocol"
	"parapr/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256
)

// client is one websocket connection. On a per-session connection it is
// also the session's observer.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	server *Server
	// ticket is the session named in the URL, empty on the dashboard hub.
	ticket string
}

func newClient(conn *websocket.Conn, server *Server, ticket string) *client {
	return &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		server: server,
		ticket: ticket,
	}
}

// enqueue queues data without blocking. A full buffer drops the message.
func (c *client) enqueue(data []byte) error {
	select {
	case <-c.done:
		return session.ErrObserverGone
	default:
	}
	select {
	case c.send <- data:
	default:
	}
	return nil
}

func (c *client) sendMessage(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *client) sendError(code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.sendMessage(msg)
}

// Push implements session.Observer.
func (c *client) Push(event session.Event) error {
	var (
		msg *protocol.Message
		err error
	)
	switch event.Type {
	case session.EventClosed:
		msg, err = protocol.NewMessage(protocol.TypeSessionClosed, protocol.SessionClosedPayload{
			Ticket: event.SessionID,
			Reason: event.Reason,
		})
	default:
		msg, err = protocol.NewMessage(protocol.TypeSessionOutput, protocol.SessionOutputPayload{
			Ticket:         event.SessionID,
			Content:        event.Content,
			NeedsAttention: event.NeedsAttention,
			AutoAccepted:   event.AutoAccepted,
		})
	}
	if err != nil {
		return err
	}
	return c.sendMessage(msg)
}

// Close implements session.Observer. The write pump flushes queued
// messages, sends a close frame and drops the connection.
func (c *client) Close() {
	c.once.Do(func() { close(c.done) })
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump(onClose func()) {
	defer func() {
		onClose()
		c.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read error", "ticket", c.ticket, "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// drain writes whatever is still queued.
func (c *client) drain() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
