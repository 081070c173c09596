// ABOUTME: In-memory Bridge implementation for testing and cache-only operation
// ABOUTME: Supports outage simulation and per-conversation failure injection

package bridge

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBridge is a map-backed Bridge implementation. Tests use its failure
// injection to simulate outages; degraded cache-only mode uses it as a stand-in
// when no real store is configured.
type MemoryBridge struct {
	mu            sync.RWMutex
	documents     map[string][]byte
	conversations map[string]*Conversation
	sessions      map[string]*SessionMetadata

	offline   bool
	failNext  int
	failConvs map[string]bool
}

// NewMemoryBridge creates an empty MemoryBridge.
func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{
		documents:     make(map[string][]byte),
		conversations: make(map[string]*Conversation),
		sessions:      make(map[string]*SessionMetadata),
		failConvs:     make(map[string]bool),
	}
}

// SetOffline makes every call fail with ErrTransport until cleared.
func (m *MemoryBridge) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNext makes the next n calls fail with ErrTransport.
func (m *MemoryBridge) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// FailConversation makes conversation-scoped calls for id fail with
// ErrTransport until cleared.
func (m *MemoryBridge) FailConversation(id string, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fail {
		m.failConvs[id] = true
	} else {
		delete(m.failConvs, id)
	}
}

// checkLocked consumes one failure budget entry. Caller must hold m.mu.
func (m *MemoryBridge) checkLocked(conversationID string) error {
	if m.offline {
		return transport("memory bridge", errOffline)
	}
	if m.failNext > 0 {
		m.failNext--
		return transport("memory bridge", errInjected)
	}
	if conversationID != "" && m.failConvs[conversationID] {
		return transport("memory bridge", errInjected)
	}
	return nil
}

var (
	errOffline  = &injectedError{"offline"}
	errInjected = &injectedError{"injected failure"}
)

type injectedError struct{ msg string }

func (e *injectedError) Error() string { return e.msg }

// Get retrieves a state document.
func (m *MemoryBridge) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(""); err != nil {
		return nil, err
	}
	value, ok := m.documents[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set stores a state document.
func (m *MemoryBridge) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(""); err != nil {
		return err
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.documents[key] = stored
	return nil
}

// ListConversations returns a page of summaries sorted by UpdatedAt desc.
func (m *MemoryBridge) ListConversations(ctx context.Context, opts ListOptions) (*ConversationPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(""); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	summaries := make([]*ConversationSummary, 0, len(m.conversations))
	for _, conv := range m.conversations {
		summaries = append(summaries, conv.Summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})

	total := len(summaries)
	start := opts.Offset
	if start > total {
		start = total
	}
	end := start + opts.Limit
	if end > total {
		end = total
	}

	return &ConversationPage{
		Conversations: summaries[start:end],
		Total:         total,
		Limit:         opts.Limit,
		Offset:        opts.Offset,
		HasMore:       end < total,
	}, nil
}

// LoadConversation returns a deep copy of the stored conversation.
func (m *MemoryBridge) LoadConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(id); err != nil {
		return nil, err
	}
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// AddMessage appends a message; replaying an already-applied message id is a
// no-op.
func (m *MemoryBridge) AddMessage(ctx context.Context, conversationID string, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(conversationID); err != nil {
		return err
	}
	conv, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range conv.Messages {
		if existing.ID == msg.ID {
			return nil
		}
	}
	copied := *msg
	conv.Messages = append(conv.Messages, &copied)
	conv.Meta.MessageCount = len(conv.Messages)
	conv.Meta.UpdatedAt = time.Now()
	return nil
}

// SaveConversation stores a deep copy of the conversation.
func (m *MemoryBridge) SaveConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(conv.ID); err != nil {
		return err
	}
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

// DeleteConversation removes a conversation and its session entry.
func (m *MemoryBridge) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(id); err != nil {
		return err
	}
	if _, ok := m.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(m.conversations, id)
	delete(m.sessions, id)
	return nil
}

// SearchConversations performs a case-insensitive substring search.
func (m *MemoryBridge) SearchConversations(ctx context.Context, opts SearchOptions) (*SearchResults, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(""); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.SearchType == "" {
		opts.SearchType = "all"
	}
	query := strings.ToLower(opts.Query)
	results := &SearchResults{}

	for _, conv := range m.conversations {
		if (opts.SearchType == "title" || opts.SearchType == "all") &&
			strings.Contains(strings.ToLower(conv.Title), query) &&
			len(results.Conversations) < opts.Limit {
			results.Conversations = append(results.Conversations, conv.Summary())
		}
		if opts.SearchType == "content" || opts.SearchType == "all" {
			for _, msg := range conv.Messages {
				if len(results.Messages) >= opts.Limit*2 {
					break
				}
				if strings.Contains(strings.ToLower(msg.Content), query) {
					results.Messages = append(results.Messages, &MessageHit{
						ConversationID: conv.ID,
						MessageID:      msg.ID,
						Snippet:        truncate(msg.Content, 160),
						Timestamp:      msg.Timestamp,
					})
				}
			}
		}
	}

	return results, nil
}

// ListSessions returns session entries, most recently accessed first.
func (m *MemoryBridge) ListSessions(ctx context.Context, filter SessionFilter) ([]*SessionMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(""); err != nil {
		return nil, err
	}

	sessions := make([]*SessionMetadata, 0, len(m.sessions))
	for _, meta := range m.sessions {
		if filter.ActiveOnly && !meta.IsActive {
			continue
		}
		copied := *meta
		sessions = append(sessions, &copied)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastAccessed.After(sessions[j].LastAccessed)
	})
	if filter.Limit > 0 && len(sessions) > filter.Limit {
		sessions = sessions[:filter.Limit]
	}
	return sessions, nil
}

// CreateSession stores a session entry, generating an id if absent.
func (m *MemoryBridge) CreateSession(ctx context.Context, meta *SessionMetadata) (*SessionMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(meta.ID); err != nil {
		return nil, err
	}

	out := *meta
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	if out.LastAccessed.IsZero() {
		out.LastAccessed = out.CreatedAt
	}
	stored := out
	m.sessions[out.ID] = &stored
	return &out, nil
}

// UpdateSession applies a partial update.
func (m *MemoryBridge) UpdateSession(ctx context.Context, id string, update SessionUpdate) (*SessionMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(id); err != nil {
		return nil, err
	}
	meta, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if update.Title != nil {
		meta.Title = *update.Title
	}
	if update.LastAccessed != nil {
		meta.LastAccessed = *update.LastAccessed
	}
	if update.MessageCount != nil {
		meta.MessageCount = *update.MessageCount
	}
	if update.IsActive != nil {
		meta.IsActive = *update.IsActive
	}
	out := *meta
	return &out, nil
}

// Ping reports the simulated connectivity state.
func (m *MemoryBridge) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return transport("memory bridge", errOffline)
	}
	return nil
}

// Close is a no-op.
func (m *MemoryBridge) Close() error {
	return nil
}

// ConversationCount reports the number of stored conversations (test helper).
func (m *MemoryBridge) ConversationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// Ensure MemoryBridge implements the Bridge interface.
var _ Bridge = (*MemoryBridge)(nil)
