package session

import (
	"context"
	"strings"
	"time"

	"parapr/internal/classify"
)

// computeDelta returns the part of next that is new since prev. When next
// does not extend prev the terminal was redrawn and all of next counts.
func computeDelta(prev, next string) string {
	if next == prev {
		return ""
	}
	if strings.HasPrefix(next, prev) {
		return next[len(prev):]
	}
	return next
}

func splitLines(delta string) []string {
	return strings.Split(strings.TrimSuffix(delta, "\n"), "\n")
}

// startPollerLocked launches a poller for id. m.mu must be held.
func (m *Manager) startPollerLocked(id string, ms *managedSession) {
	ctx, cancel := context.WithCancel(m.ctx)
	ms.pollGen++
	ms.pollCancel = cancel
	go m.poll(ctx, id, ms, ms.pollGen)
}

// stopPollerLocked cancels the running poller, if any. m.mu must be held.
func (m *Manager) stopPollerLocked(ms *managedSession) {
	if ms.pollCancel == nil {
		return
	}
	ms.pollCancel()
	ms.pollCancel = nil
	ms.pollGen++
}

func (m *Manager) poll(ctx context.Context, id string, ms *managedSession, gen uint64) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	m.logger.Debug("poller started", "session", id)
	for {
		if err := m.pollOnce(ctx, id, ms, gen); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.endPoller(id, ms, gen, err)
			return
		}
		select {
		case <-ctx.Done():
			m.logger.Debug("poller stopped", "session", id)
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context, id string, ms *managedSession, gen uint64) error {
	snapshot, err := m.terminal.Snapshot(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	prev := ms.lastSnapshot
	ms.lastSnapshot = snapshot
	m.mu.Unlock()

	delta := computeDelta(prev, snapshot)
	if strings.TrimSpace(delta) == "" {
		return nil
	}
	m.processDelta(ctx, id, ms, gen, delta)
	return nil
}

// endPoller runs when the terminal stops answering. Observers get a closed
// event and are dropped; the record stays.
func (m *Manager) endPoller(id string, ms *managedSession, gen uint64, cause error) {
	m.mu.Lock()
	if ms.pollGen != gen {
		m.mu.Unlock()
		return
	}
	m.stopPollerLocked(ms)
	observers := ms.observers.drain()
	m.mu.Unlock()

	m.logger.Info("poller terminated", "session", id, "observers", len(observers), "error", cause)
	closeObservers(observers, Event{
		Type:      EventClosed,
		SessionID: id,
		Reason:    cause.Error(),
		Timestamp: time.Now().UTC(),
	})
}

// processDelta buffers new output, runs the auto-accept pipeline, updates
// the attention flag and fans the delta out.
func (m *Manager) processDelta(ctx context.Context, id string, ms *managedSession, gen uint64, delta string) {
	ms.buffer.Append(splitLines(delta)...)

	outcome := m.autoAccept(ctx, id, ms, delta)

	needsAttention := false
	if !outcome.accepted {
		verdict := outcome.verdict
		if !outcome.evaluated {
			verdict = m.evaluator.Evaluate(ctx, m.classifyRequest(id, ms, delta))
		}
		needsAttention = outcome.prompt.NeedsHumanDecision ||
			outcome.prompt.IsPermissionPrompt ||
			verdict.NeedsClarification ||
			!verdict.SafeToContinue
	}
	m.setAttention(id, ms, needsAttention)

	pruned := ms.observers.deliver(Event{
		Type:           EventOutput,
		SessionID:      id,
		Content:        delta,
		NeedsAttention: needsAttention,
		AutoAccepted:   outcome.accepted,
		Timestamp:      time.Now().UTC(),
	})
	if len(pruned) > 0 {
		m.logger.Debug("pruned observers", "session", id, "count", len(pruned))
		m.stopIfIdle(ms, gen)
	}
}

// classifyRequest builds the evaluator input from the buffered context.
func (m *Manager) classifyRequest(id string, ms *managedSession, delta string) classify.Request {
	return classify.Request{
		SessionID: id,
		Context:   strings.Join(ms.buffer.Tail(m.contextLines), "\n"),
		Delta:     delta,
	}
}

// setAttention stores the flag if the record is still registered.
func (m *Manager) setAttention(id string, ms *managedSession, needsAttention bool) {
	m.mu.Lock()
	if m.sessions[id] != ms || ms.record.NeedsAttention == needsAttention {
		m.mu.Unlock()
		return
	}
	ms.record.NeedsAttention = needsAttention
	ms.record.UpdatedAt = time.Now().UTC()
	rec := *ms.record
	m.mu.Unlock()

	m.notify(rec)
}
