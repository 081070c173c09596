// ABOUTME: Case-insensitive additive-score search over titles, content, and tags
// ABOUTME: Title matches weigh 10, each matching message or tag weighs 1

package conversation

import (
	"sort"
	"strings"

	"github.com/2389/chatstate/internal/bridge"
)

const titleMatchWeight = 10

// SearchResult is one ranked conversation match.
type SearchResult struct {
	Summary          *bridge.ConversationSummary
	Score            int
	TitleMatched     bool
	MatchingMessages []*bridge.Message
}

// Search scans titles, message content, and tags case-insensitively and
// ranks by additive score (title +10, +1 per matching message or tag). Ties
// break by recency. Returns at most limit results (all if limit <= 0).
func (m *Manager) Search(query string, limit int) []*SearchResult {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var results []*SearchResult
	for _, conv := range m.conversations {
		result := &SearchResult{Summary: conv.Summary()}

		if strings.Contains(strings.ToLower(conv.Title), query) {
			result.Score += titleMatchWeight
			result.TitleMatched = true
		}
		for _, msg := range conv.Messages {
			if strings.Contains(strings.ToLower(msg.Content), query) {
				result.Score++
				copied := *msg
				result.MatchingMessages = append(result.MatchingMessages, &copied)
			}
		}
		for _, tag := range conv.Meta.Tags {
			if strings.Contains(strings.ToLower(tag), query) {
				result.Score++
			}
		}

		if result.Score > 0 {
			results = append(results, result)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Summary.UpdatedAt.After(results[j].Summary.UpdatedAt)
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
