// ABOUTME: Per-conversation FIFO pending-update queues and reconnect replay
// ABOUTME: One conversation's replay failure never blocks another's drain

package histsync

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/2389/chatstate/internal/bridge"
	"github.com/2389/chatstate/internal/bus"
)

// Operation identifies what a pending update replays against the bridge.
type Operation string

const (
	OpSaveConversation   Operation = "save_conversation"
	OpAddMessage         Operation = "add_message"
	OpDeleteConversation Operation = "delete_conversation"
	OpSaveSession        Operation = "save_session"
)

// PendingUpdate is one queued write awaiting replay.
type PendingUpdate struct {
	Operation      Operation
	ConversationID string
	Message        *bridge.Message
	EnqueuedAt     time.Time
	Attempts       int
}

// pendingQueue is a FIFO of updates for one conversation.
type pendingQueue struct {
	firstEnqueued time.Time
	updates       []PendingUpdate
}

func (m *Manager) enqueue(conversationID string, update PendingUpdate) {
	update.EnqueuedAt = time.Now()

	m.mu.Lock()
	q := m.queues[conversationID]
	if q == nil {
		q = &pendingQueue{firstEnqueued: update.EnqueuedAt}
		m.queues[conversationID] = q
	}
	q.updates = append(q.updates, update)
	depth := len(q.updates)
	m.mu.Unlock()

	m.logger.Info("write queued for replay",
		"conversation_id", conversationID,
		"operation", update.Operation,
		"queue_depth", depth)
	if m.bus != nil {
		m.bus.Publish(bus.TopicSyncQueued, bus.SyncQueued{
			ConversationID: conversationID,
			Operation:      string(update.Operation),
			QueueDepth:     depth,
		})
	}
}

// PendingCount returns the number of queued updates for a conversation.
func (m *Manager) PendingCount(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.queues[conversationID]; q != nil {
		return len(q.updates)
	}
	return 0
}

// OnReconnect marks the bridge reachable and drains the pending queues,
// conversation by conversation in first-enqueue order. A failing update
// stops only its own conversation's drain; the remainder of that queue is
// retained, failed update included, and every other conversation still
// replays. Replay is idempotent: message writes upsert by message id.
func (m *Manager) OnReconnect(ctx context.Context) {
	m.setOnline(true)

	m.mu.Lock()
	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.queues[ids[i]].firstEnqueued.Before(m.queues[ids[j]].firstEnqueued)
	})
	m.mu.Unlock()

	for _, conversationID := range ids {
		replayed, failed := m.drainConversation(ctx, conversationID)
		if replayed == 0 && failed == 0 {
			continue
		}
		m.logger.Info("pending queue drained",
			"conversation_id", conversationID,
			"replayed", replayed,
			"failed", failed)
		if m.bus != nil {
			m.bus.Publish(bus.TopicSyncReplayed, bus.SyncReplayed{
				ConversationID: conversationID,
				Replayed:       replayed,
				Failed:         failed,
			})
		}
	}
}

func (m *Manager) drainConversation(ctx context.Context, conversationID string) (replayed, failed int) {
	for {
		m.mu.Lock()
		q := m.queues[conversationID]
		if q == nil || len(q.updates) == 0 {
			delete(m.queues, conversationID)
			m.mu.Unlock()
			return replayed, failed
		}
		update := q.updates[0]
		m.mu.Unlock()

		if err := m.replay(ctx, update); err != nil {
			m.mu.Lock()
			if q := m.queues[conversationID]; q != nil && len(q.updates) > 0 {
				q.updates[0].Attempts++
			}
			m.mu.Unlock()
			m.logger.Warn("replay failed, retaining queue",
				"conversation_id", conversationID,
				"operation", update.Operation,
				"error", err)
			return replayed, failed + 1
		}

		m.mu.Lock()
		if q := m.queues[conversationID]; q != nil && len(q.updates) > 0 {
			q.updates = q.updates[1:]
		}
		m.mu.Unlock()
		replayed++
	}
}

func (m *Manager) replay(ctx context.Context, update PendingUpdate) error {
	switch update.Operation {
	case OpSaveConversation:
		conv, err := m.conv.Get(update.ConversationID)
		if err != nil {
			// Conversation is gone locally; nothing left to persist.
			return nil
		}
		return m.bridge.SaveConversation(ctx, conv)
	case OpAddMessage:
		return m.bridge.AddMessage(ctx, update.ConversationID, update.Message)
	case OpDeleteConversation:
		err := m.bridge.DeleteConversation(ctx, update.ConversationID)
		if errors.Is(err, bridge.ErrNotFound) {
			return nil
		}
		return err
	case OpSaveSession:
		meta := m.localSessionMeta(update.ConversationID)
		if meta == nil {
			// Session is gone locally; nothing left to persist.
			return nil
		}
		_, err := m.bridge.CreateSession(ctx, meta)
		return err
	default:
		return nil
	}
}
