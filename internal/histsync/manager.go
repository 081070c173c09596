// ABOUTME: History sync manager: local-first writes mirrored to the bridge
// ABOUTME: Degrades to cache-only mode when the bridge is unreachable

package histsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/chatstate/internal/bridge"
	"github.com/2389/chatstate/internal/bus"
	"github.com/2389/chatstate/internal/conversation"
)

// syncOwner tags this manager's bus subscriptions.
const syncOwner = "histsync"

// Status classifies the outcome of a sync-aware operation.
type Status string

const (
	// StatusRemote means the write reached the bridge.
	StatusRemote Status = "remote"
	// StatusQueued means the write succeeded locally and waits for replay.
	StatusQueued Status = "queued"
	// StatusFailed means the write failed even locally.
	StatusFailed Status = "failed"
)

// Result reports how far a write got.
type Result struct {
	Status         Status
	ConversationID string
	MessageID      string
	Err            error
}

// Options tune cache and initial-load bounds.
type Options struct {
	InitialPageSize int // default 50
	CacheLimit      int // default 200
}

func (o Options) withDefaults() Options {
	if o.InitialPageSize <= 0 {
		o.InitialPageSize = 50
	}
	if o.CacheLimit <= 0 {
		o.CacheLimit = 200
	}
	return o
}

// Manager mirrors conversation-manager operations to the persistence bridge.
type Manager struct {
	mu     sync.Mutex
	online bool
	cache  map[string]*bridge.ConversationSummary
	index  map[string][]indexEntry
	queues map[string]*pendingQueue

	conv   *conversation.Manager
	bridge bridge.Bridge
	bus    *bus.Bus
	opts   Options
	logger *slog.Logger
}

// New creates a sync manager and subscribes it to the conversation events it
// mirrors. Call LoadInitialData before serving reads.
func New(conv *conversation.Manager, br bridge.Bridge, b *bus.Bus, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		online: true,
		cache:  make(map[string]*bridge.ConversationSummary),
		index:  make(map[string][]indexEntry),
		queues: make(map[string]*pendingQueue),
		conv:   conv,
		bridge: br,
		bus:    b,
		opts:   opts.withDefaults(),
		logger: logger.With("component", "histsync"),
	}
	if b != nil {
		b.Subscribe(bus.TopicConversationCompacted, m.onCompacted, syncOwner)
		b.Subscribe(bus.TopicConversationDeleted, m.onDeleted, syncOwner)
		b.Subscribe(bus.TopicConnectivityRestored, func(bus.EventRecord) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			m.OnReconnect(ctx)
		}, syncOwner)
		b.Subscribe(bus.TopicConnectivityLost, func(bus.EventRecord) {
			m.setOnline(false)
		}, syncOwner)
	}
	return m
}

// Close removes the manager's bus subscriptions.
func (m *Manager) Close() {
	if m.bus != nil {
		m.bus.UnsubscribeOwner(syncOwner)
	}
}

// Online reports whether the bridge was reachable as of the last attempt.
func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manager) setOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if changed {
		m.logger.Info("connectivity changed", "online", online)
	}
}

// LoadInitialData probes the bridge and pre-populates the summary cache with
// a bounded page of recent conversations. An unreachable bridge leaves the
// manager in degraded cache-only mode instead of blocking; that is not an
// error.
func (m *Manager) LoadInitialData(ctx context.Context) error {
	if err := m.bridge.Ping(ctx); err != nil {
		m.setOnline(false)
		m.logger.Warn("bridge unreachable, starting in cache-only mode", "error", err)
		return nil
	}
	m.setOnline(true)

	page, err := m.bridge.ListConversations(ctx, bridge.ListOptions{
		Limit:  m.opts.InitialPageSize,
		SortBy: "updated_at",
	})
	if err != nil {
		m.setOnline(false)
		m.logger.Warn("initial conversation load failed, continuing cache-only", "error", err)
		return nil
	}

	m.mu.Lock()
	for _, summary := range page.Conversations {
		m.cache[summary.ID] = summary
	}
	m.trimCacheLocked()
	cached := len(m.cache)
	m.mu.Unlock()

	restored := 0
	sessions, err := m.bridge.ListSessions(ctx, bridge.SessionFilter{ActiveOnly: true})
	if err != nil {
		m.logger.Warn("initial session load failed", "error", err)
	}
	for _, meta := range sessions {
		conv, err := m.bridge.LoadConversation(ctx, meta.ID)
		if err != nil {
			m.logger.Warn("loading session conversation failed",
				"conversation_id", meta.ID,
				"error", err)
			continue
		}
		m.conv.RestoreConversation(conv, meta)
		m.reindexConversation(conv)
		m.cacheSummary(conv.Summary())
		restored++
	}

	m.logger.Info("initial history loaded",
		"conversations", cached,
		"sessions_restored", restored,
		"total", page.Total)
	return nil
}

// CreateConversation creates the conversation locally and mirrors it to the
// bridge. Local creation cannot fail, so the result is Remote or Queued.
func (m *Manager) CreateConversation(ctx context.Context, opts conversation.CreateOptions) (*bridge.Conversation, Result) {
	conv := m.conv.CreateConversation(opts)
	m.cacheSummary(conv.Summary())

	res := Result{Status: StatusRemote, ConversationID: conv.ID}
	if err := m.bridge.SaveConversation(ctx, conv); err != nil {
		m.noteWriteFailure(err)
		m.enqueue(conv.ID, PendingUpdate{Operation: OpSaveConversation, ConversationID: conv.ID})
		res.Status = StatusQueued
		res.Err = err
	}
	m.mirrorSession(ctx, conv.ID)
	return conv, res
}

// AddMessage appends locally, updates the search index, and mirrors the
// message to the bridge.
func (m *Manager) AddMessage(ctx context.Context, input conversation.MessageInput) (*bridge.Message, Result) {
	msg, err := m.conv.AddMessage(ctx, input)
	if err != nil {
		return nil, Result{Status: StatusFailed, ConversationID: input.ConversationID, Err: err}
	}

	conversationID := input.ConversationID
	if conversationID == "" {
		conversationID = m.conv.CurrentID()
	}
	m.indexMessage(conversationID, msg)
	m.refreshSummary(conversationID)

	res := Result{Status: StatusRemote, ConversationID: conversationID, MessageID: msg.ID}
	if err := m.bridge.AddMessage(ctx, conversationID, msg); err != nil {
		m.noteWriteFailure(err)
		m.enqueue(conversationID, PendingUpdate{
			Operation:      OpAddMessage,
			ConversationID: conversationID,
			Message:        msg,
		})
		res.Status = StatusQueued
		res.Err = err
	}
	m.mirrorSession(ctx, conversationID)
	return msg, res
}

// DeleteConversation removes the conversation locally and from the bridge.
func (m *Manager) DeleteConversation(ctx context.Context, id string) Result {
	if err := m.conv.DeleteConversation(id); err != nil {
		return Result{Status: StatusFailed, ConversationID: id, Err: err}
	}

	m.mu.Lock()
	delete(m.cache, id)
	delete(m.index, id)
	// Pending writes for a deleted conversation are moot.
	delete(m.queues, id)
	m.mu.Unlock()

	res := Result{Status: StatusRemote, ConversationID: id}
	err := m.bridge.DeleteConversation(ctx, id)
	if err != nil && !errors.Is(err, bridge.ErrNotFound) {
		m.noteWriteFailure(err)
		m.enqueue(id, PendingUpdate{Operation: OpDeleteConversation, ConversationID: id})
		res.Status = StatusQueued
		res.Err = err
	}
	return res
}

// Summaries returns the cached summaries, most recently updated first.
func (m *Manager) Summaries() []*bridge.ConversationSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedSummariesLocked(m.cache)
}

func (m *Manager) noteWriteFailure(err error) {
	if errors.Is(err, bridge.ErrTransport) {
		m.setOnline(false)
	}
}

func (m *Manager) cacheSummary(summary *bridge.ConversationSummary) {
	m.mu.Lock()
	m.cache[summary.ID] = summary
	m.trimCacheLocked()
	m.mu.Unlock()
}

func (m *Manager) refreshSummary(conversationID string) {
	conv, err := m.conv.Get(conversationID)
	if err != nil {
		return
	}
	m.cacheSummary(conv.Summary())
}

// localSessionMeta derives current session metadata from the local
// conversation state, or nil when the conversation is gone.
func (m *Manager) localSessionMeta(conversationID string) *bridge.SessionMetadata {
	conv, err := m.conv.Get(conversationID)
	if err != nil {
		return nil
	}
	return &bridge.SessionMetadata{
		ID:           conv.ID,
		Title:        conv.Title,
		CreatedAt:    conv.Meta.CreatedAt,
		LastAccessed: conv.Meta.UpdatedAt,
		MessageCount: conv.Meta.MessageCount,
		IsActive:     conversationID == m.conv.CurrentID(),
	}
}

// mirrorSession upserts the conversation's session entry on the bridge,
// queueing the write when the bridge is unreachable. At most one save-session
// update stays pending per conversation; replay derives fresh metadata, so
// coalescing loses nothing.
func (m *Manager) mirrorSession(ctx context.Context, conversationID string) {
	meta := m.localSessionMeta(conversationID)
	if meta == nil {
		return
	}
	if _, err := m.bridge.CreateSession(ctx, meta); err != nil {
		m.noteWriteFailure(err)
		if !m.hasPendingSessionSave(conversationID) {
			m.enqueue(conversationID, PendingUpdate{
				Operation:      OpSaveSession,
				ConversationID: conversationID,
			})
		}
	}
}

func (m *Manager) hasPendingSessionSave(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[conversationID]
	if q == nil {
		return false
	}
	for _, update := range q.updates {
		if update.Operation == OpSaveSession {
			return true
		}
	}
	return false
}

// trimCacheLocked drops the oldest summaries past the cache limit.
func (m *Manager) trimCacheLocked() {
	for len(m.cache) > m.opts.CacheLimit {
		oldestID := ""
		var oldest time.Time
		for id, s := range m.cache {
			if oldestID == "" || s.UpdatedAt.Before(oldest) {
				oldestID = id
				oldest = s.UpdatedAt
			}
		}
		delete(m.cache, oldestID)
		delete(m.index, oldestID)
	}
}

// onCompacted re-saves the whole conversation since compaction rewrote its
// message list, and rebuilds the conversation's index slice.
func (m *Manager) onCompacted(e bus.EventRecord) {
	compacted, ok := e.Payload.(bus.ConversationCompacted)
	if !ok {
		return
	}
	conv, err := m.conv.Get(compacted.ConversationID)
	if err != nil {
		return
	}
	m.reindexConversation(conv)
	m.cacheSummary(conv.Summary())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.bridge.SaveConversation(ctx, conv); err != nil {
		m.noteWriteFailure(err)
		m.enqueue(conv.ID, PendingUpdate{Operation: OpSaveConversation, ConversationID: conv.ID})
	}
	m.mirrorSession(ctx, conv.ID)
}

// onDeleted drops caches for explicit deletions. Evicted conversations keep
// their cached summary: eviction is memory pressure, not user intent, and
// the durable copy remains loadable.
func (m *Manager) onDeleted(e bus.EventRecord) {
	deleted, ok := e.Payload.(bus.ConversationDeleted)
	if !ok || deleted.Evicted {
		return
	}
	m.mu.Lock()
	delete(m.cache, deleted.ConversationID)
	delete(m.index, deleted.ConversationID)
	m.mu.Unlock()
}
