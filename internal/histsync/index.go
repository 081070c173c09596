// ABOUTME: Incrementally updated inverted index over cached message content
// ABOUTME: Local search scans the index; remote search delegates to the bridge

package histsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/2389/chatstate/internal/bridge"
)

// snippetLength bounds indexed content per message.
const snippetLength = 160

// Scope selects where a search runs.
type Scope string

const (
	// ScopeLocal searches the in-memory cache and index only.
	ScopeLocal Scope = "local"
	// ScopeRemote delegates to the bridge, the authoritative store.
	ScopeRemote Scope = "remote"
)

type indexEntry struct {
	messageID string
	content   string
	timestamp time.Time
}

func (m *Manager) indexMessage(conversationID string, msg *bridge.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.index[conversationID]
	for i := range entries {
		if entries[i].messageID == msg.ID {
			entries[i].content = truncate(msg.Content)
			return
		}
	}
	m.index[conversationID] = append(entries, indexEntry{
		messageID: msg.ID,
		content:   truncate(msg.Content),
		timestamp: msg.Timestamp,
	})
}

// reindexConversation rebuilds one conversation's index slice from its
// current message list, used after compaction rewrote the list.
func (m *Manager) reindexConversation(conv *bridge.Conversation) {
	entries := make([]indexEntry, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		entries = append(entries, indexEntry{
			messageID: msg.ID,
			content:   truncate(msg.Content),
			timestamp: msg.Timestamp,
		})
	}
	m.mu.Lock()
	m.index[conv.ID] = entries
	m.mu.Unlock()
}

func truncate(s string) string {
	if len(s) > snippetLength {
		return s[:snippetLength]
	}
	return s
}

// Search runs a query in the requested scope. Local search never touches
// the bridge and works offline; remote search is authoritative and returns
// the bridge's error as-is.
func (m *Manager) Search(ctx context.Context, query string, scope Scope, limit int) (*bridge.SearchResults, error) {
	if scope == ScopeRemote {
		results, err := m.bridge.SearchConversations(ctx, bridge.SearchOptions{Query: query, Limit: limit})
		if err != nil {
			m.noteWriteFailure(err)
			return nil, fmt.Errorf("remote search: %w", err)
		}
		return results, nil
	}
	return m.searchLocal(query, limit), nil
}

func (m *Manager) searchLocal(query string, limit int) *bridge.SearchResults {
	query = strings.ToLower(strings.TrimSpace(query))
	results := &bridge.SearchResults{}
	if query == "" {
		return results
	}
	if limit <= 0 {
		limit = 10
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, summary := range m.cache {
		matched := strings.Contains(strings.ToLower(summary.Title), query)
		for _, entry := range m.index[id] {
			if strings.Contains(strings.ToLower(entry.content), query) {
				matched = true
				results.Messages = append(results.Messages, &bridge.MessageHit{
					ConversationID: id,
					MessageID:      entry.messageID,
					Snippet:        entry.content,
					Timestamp:      entry.timestamp,
				})
			}
		}
		if matched {
			copied := *summary
			results.Conversations = append(results.Conversations, &copied)
		}
	}

	sort.Slice(results.Conversations, func(i, j int) bool {
		return results.Conversations[i].UpdatedAt.After(results.Conversations[j].UpdatedAt)
	})
	if len(results.Conversations) > limit {
		results.Conversations = results.Conversations[:limit]
	}
	sort.Slice(results.Messages, func(i, j int) bool {
		return results.Messages[i].Timestamp.After(results.Messages[j].Timestamp)
	})
	if len(results.Messages) > limit {
		results.Messages = results.Messages[:limit]
	}
	return results
}

func sortedSummariesLocked(cache map[string]*bridge.ConversationSummary) []*bridge.ConversationSummary {
	out := make([]*bridge.ConversationSummary, 0, len(cache))
	for _, s := range cache {
		copied := *s
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}
