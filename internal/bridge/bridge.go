// ABOUTME: Bridge interface and data types for conversation/session persistence
// ABOUTME: Defines Conversation, Message, SessionMetadata and the async store contract

package bridge

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrTransport is returned when the persistence call itself failed. Distinct
// from ErrNotFound so callers can queue-and-retry writes instead of giving up.
var ErrTransport = errors.New("persistence transport failure")

// Role constants for message authorship.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single conversation entry. Immutable once created; compaction
// only includes or excludes messages wholesale.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	Cost      float64   `json:"cost,omitempty"`
	Command   string    `json:"command,omitempty"`
}

// TokenUsage aggregates token counts for a conversation. Total is always
// Input + Output.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// CostTracking aggregates spend for a conversation. The ByProvider entries
// always sum to Total.
type CostTracking struct {
	Session    float64            `json:"session"`
	Total      float64            `json:"total"`
	ByProvider map[string]float64 `json:"by_provider,omitempty"`
}

// ProviderStat records per-provider activity within one conversation.
type ProviderStat struct {
	Messages int     `json:"messages"`
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// ConversationMeta holds the aggregate metadata of a conversation.
type ConversationMeta struct {
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
	MessageCount    int                      `json:"message_count"`
	TokenUsage      TokenUsage               `json:"token_usage"`
	CostTracking    CostTracking             `json:"cost_tracking"`
	ProviderStats   map[string]*ProviderStat `json:"provider_stats,omitempty"`
	Tags            []string                 `json:"tags,omitempty"`
	CompactionCount int                      `json:"compaction_count"`
}

// Settings holds per-conversation model parameters.
type Settings struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Model       string  `json:"model"`
	Provider    string  `json:"provider"`
}

// ProviderSwitch is one entry in a conversation's provider history.
type ProviderSwitch struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Model     string    `json:"model,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionState tracks the live provider/model selection for a conversation.
type SessionState struct {
	CurrentProvider  string           `json:"current_provider"`
	CurrentModel     string           `json:"current_model"`
	ProviderHistory  []ProviderSwitch `json:"provider_history,omitempty"`
	ContinuationMode bool             `json:"continuation_mode"`
}

// Conversation is a titled, ordered sequence of messages with aggregate
// usage/cost metadata. Message order is significant.
type Conversation struct {
	ID       string           `json:"id"`
	Title    string           `json:"title"`
	Messages []*Message       `json:"messages"`
	Meta     ConversationMeta `json:"meta"`
	Settings Settings         `json:"settings"`
	Session  SessionState     `json:"session"`
}

// SessionMetadata is the lightweight index entry for a conversation, used for
// listing and eviction without loading message bodies.
type SessionMetadata struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	MessageCount int       `json:"message_count"`
	IsActive     bool      `json:"is_active"`
}

// ConversationSummary is the listing projection of a conversation.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Preview      string    `json:"preview,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
}

// ListOptions controls conversation listing.
type ListOptions struct {
	Limit     int
	Offset    int
	SortBy    string // "updated_at" (default), "created_at", "title"
	SortOrder string // "desc" (default) or "asc"
}

// ConversationPage is a page of conversation summaries.
type ConversationPage struct {
	Conversations []*ConversationSummary
	Total         int
	Limit         int
	Offset        int
	HasMore       bool
}

// SearchOptions controls remote search.
type SearchOptions struct {
	Query      string
	SearchType string // "title", "content", or "all" (default)
	Limit      int
}

// MessageHit is one matching message in a search result.
type MessageHit struct {
	ConversationID string
	MessageID      string
	Snippet        string
	Timestamp      time.Time
}

// SearchResults holds matching conversations and message snippets.
type SearchResults struct {
	Conversations []*ConversationSummary
	Messages      []*MessageHit
}

// SessionFilter controls session listing.
type SessionFilter struct {
	ActiveOnly bool
	Limit      int
}

// SessionUpdate carries partial session updates; nil fields are untouched.
type SessionUpdate struct {
	Title        *string
	LastAccessed *time.Time
	MessageCount *int
	IsActive     *bool
}

// Bridge is the asynchronous persistence contract. Every call may fail with
// ErrTransport, distinct from an application-level ErrNotFound.
type Bridge interface {
	// Generic state documents.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error

	// Conversations.
	ListConversations(ctx context.Context, opts ListOptions) (*ConversationPage, error)
	LoadConversation(ctx context.Context, id string) (*Conversation, error)
	AddMessage(ctx context.Context, conversationID string, msg *Message) error
	SaveConversation(ctx context.Context, conv *Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	SearchConversations(ctx context.Context, opts SearchOptions) (*SearchResults, error)

	// Sessions.
	ListSessions(ctx context.Context, filter SessionFilter) ([]*SessionMetadata, error)
	CreateSession(ctx context.Context, meta *SessionMetadata) (*SessionMetadata, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) (*SessionMetadata, error)

	// Ping is a fast connectivity probe.
	Ping(ctx context.Context) error

	// Close releases any resources held by the bridge.
	Close() error
}

// Summary derives the listing projection from a full conversation.
func (c *Conversation) Summary() *ConversationSummary {
	preview := ""
	if n := len(c.Messages); n > 0 {
		preview = truncate(c.Messages[n-1].Content, 120)
	}
	return &ConversationSummary{
		ID:           c.ID,
		Title:        c.Title,
		MessageCount: c.Meta.MessageCount,
		CreatedAt:    c.Meta.CreatedAt,
		UpdatedAt:    c.Meta.UpdatedAt,
		Preview:      preview,
		Tags:         append([]string(nil), c.Meta.Tags...),
	}
}

// Clone returns a deep copy so callers never share message slices or maps
// with a cache.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Messages = make([]*Message, len(c.Messages))
	for i, m := range c.Messages {
		msg := *m
		out.Messages[i] = &msg
	}
	out.Meta.Tags = append([]string(nil), c.Meta.Tags...)
	if c.Meta.CostTracking.ByProvider != nil {
		out.Meta.CostTracking.ByProvider = make(map[string]float64, len(c.Meta.CostTracking.ByProvider))
		for k, v := range c.Meta.CostTracking.ByProvider {
			out.Meta.CostTracking.ByProvider[k] = v
		}
	}
	if c.Meta.ProviderStats != nil {
		out.Meta.ProviderStats = make(map[string]*ProviderStat, len(c.Meta.ProviderStats))
		for k, v := range c.Meta.ProviderStats {
			stat := *v
			out.Meta.ProviderStats[k] = &stat
		}
	}
	out.Session.ProviderHistory = append([]ProviderSwitch(nil), c.Session.ProviderHistory...)
	return &out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
