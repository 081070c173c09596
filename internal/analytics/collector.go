// ABOUTME: Collector subscribes owner-tagged to conversation events and
// ABOUTME: accumulates per-session metrics and rolling daily aggregates

package analytics

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/chatstate/internal/bridge"
	"github.com/2389/chatstate/internal/bus"
)

// collectorOwner tags this collector's bus subscriptions.
const collectorOwner = "analytics"

// dayFormat keys the daily aggregates.
const dayFormat = "2006-01-02"

// ErrSessionNotFound indicates no metrics exist for the session.
var ErrSessionNotFound = errors.New("session metrics not found")

// Options tune scoring and retention. Zero fields take defaults.
type Options struct {
	// IdealDuration is the session length scoring 100 on completion.
	IdealDuration time.Duration
	// RetentionDays bounds how long per-session detail is kept after the
	// session ends. Daily aggregates are never pruned.
	RetentionDays int
}

func (o Options) withDefaults() Options {
	if o.IdealDuration <= 0 {
		o.IdealDuration = 10 * time.Minute
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = 7
	}
	return o
}

// SessionMetrics is the accumulated detail for one conversation session.
type SessionMetrics struct {
	ConversationID   string
	StartedAt        time.Time
	EndedAt          time.Time
	MessagesByRole   map[string]int
	Tokens           int
	Cost             float64
	Commands         map[string]int
	ProviderSwitches int

	gaps          []time.Duration
	responseTimes []time.Duration
	lastMessageAt time.Time
	lastRole      string
	lastUserAt    time.Time
}

// MessageCount is the total across roles.
func (s *SessionMetrics) MessageCount() int {
	total := 0
	for _, n := range s.MessagesByRole {
		total += n
	}
	return total
}

// QualityScores are the derived 0-100 session scores.
type QualityScores struct {
	Responsiveness float64
	Engagement     float64
	Completion     float64
	Overall        float64
}

// SessionReport is the final snapshot produced when a session ends.
type SessionReport struct {
	ConversationID string
	StartedAt      time.Time
	EndedAt        time.Time
	Duration       time.Duration
	MessagesByRole map[string]int
	Tokens         int
	Cost           float64
	Commands       map[string]int
	Scores         QualityScores
}

// DailyAggregate rolls sessions up per calendar day.
type DailyAggregate struct {
	Date          string
	SessionCount  int
	MessageCount  int
	TotalDuration time.Duration
	TotalTokens   int
}

// Collector turns bus events into metrics. All handlers swallow their own
// failures: a malformed payload is logged and dropped, never surfaced to the
// publisher.
type Collector struct {
	mu       sync.Mutex
	sessions map[string]*SessionMetrics
	reports  map[string]*SessionReport
	daily    map[string]*DailyAggregate

	opts   Options
	logger *slog.Logger
}

// NewCollector creates a collector and subscribes it to the conversation
// lifecycle topics.
func NewCollector(opts Options, b *bus.Bus, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		sessions: make(map[string]*SessionMetrics),
		reports:  make(map[string]*SessionReport),
		daily:    make(map[string]*DailyAggregate),
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "analytics"),
	}
	if b != nil {
		b.Subscribe(bus.TopicConversationCreated, c.onCreated, collectorOwner)
		b.Subscribe(bus.TopicMessageAdded, c.onMessageAdded, collectorOwner)
		b.Subscribe(bus.TopicProviderSwitched, c.onProviderSwitched, collectorOwner)
		b.Subscribe(bus.TopicSessionEnded, c.onSessionEnded, collectorOwner)
	}
	return c
}

// Close removes the collector's bus subscriptions.
func (c *Collector) Close(b *bus.Bus) {
	if b != nil {
		b.UnsubscribeOwner(collectorOwner)
	}
}

func (c *Collector) onCreated(e bus.EventRecord) {
	created, ok := e.Payload.(bus.ConversationCreated)
	if !ok {
		c.logger.Warn("unexpected payload on conversation-created", "type", fmt.Sprintf("%T", e.Payload))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.sessions[created.ConversationID]; exists {
		return
	}
	c.sessions[created.ConversationID] = &SessionMetrics{
		ConversationID: created.ConversationID,
		StartedAt:      e.Timestamp,
		MessagesByRole: make(map[string]int),
		Commands:       make(map[string]int),
	}
}

func (c *Collector) onMessageAdded(e bus.EventRecord) {
	added, ok := e.Payload.(bus.MessageAdded)
	if !ok {
		c.logger.Warn("unexpected payload on message-added", "type", fmt.Sprintf("%T", e.Payload))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[added.ConversationID]
	if !ok {
		// Messages on conversations created before this collector started
		// still count, with the first message opening the session.
		s = &SessionMetrics{
			ConversationID: added.ConversationID,
			StartedAt:      added.Timestamp,
			MessagesByRole: make(map[string]int),
			Commands:       make(map[string]int),
		}
		c.sessions[added.ConversationID] = s
	}

	s.MessagesByRole[added.Role]++
	s.Tokens += added.Tokens
	s.Cost += added.Cost
	if added.Command != "" {
		s.Commands[added.Command]++
	}

	if !s.lastMessageAt.IsZero() {
		s.gaps = append(s.gaps, added.Timestamp.Sub(s.lastMessageAt))
	}
	if added.Role == bridge.RoleAssistant && s.lastRole == bridge.RoleUser && !s.lastUserAt.IsZero() {
		s.responseTimes = append(s.responseTimes, added.Timestamp.Sub(s.lastUserAt))
	}
	if added.Role == bridge.RoleUser {
		s.lastUserAt = added.Timestamp
	}
	s.lastMessageAt = added.Timestamp
	s.lastRole = added.Role
}

func (c *Collector) onProviderSwitched(e bus.EventRecord) {
	switched, ok := e.Payload.(bus.ProviderSwitched)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[switched.ConversationID]; ok {
		s.ProviderSwitches++
	}
}

func (c *Collector) onSessionEnded(e bus.EventRecord) {
	ended, ok := e.Payload.(bus.SessionEnded)
	if !ok {
		return
	}
	endedAt := ended.EndedAt
	if endedAt.IsZero() {
		endedAt = e.Timestamp
	}
	if _, err := c.EndSession(ended.ConversationID, endedAt); err != nil {
		c.logger.Warn("ending session failed", "conversation_id", ended.ConversationID, "error", err)
	}
}

// EndSession freezes a session's metrics, derives its quality scores, and
// folds the session into the daily aggregates.
func (c *Collector) EndSession(conversationID string, endedAt time.Time) (*SessionReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[conversationID]
	if !ok {
		return nil, fmt.Errorf("ending %s: %w", conversationID, ErrSessionNotFound)
	}
	delete(c.sessions, conversationID)
	s.EndedAt = endedAt

	duration := endedAt.Sub(s.StartedAt)
	if duration < 0 {
		duration = 0
	}

	report := &SessionReport{
		ConversationID: conversationID,
		StartedAt:      s.StartedAt,
		EndedAt:        endedAt,
		Duration:       duration,
		MessagesByRole: s.MessagesByRole,
		Tokens:         s.Tokens,
		Cost:           s.Cost,
		Commands:       s.Commands,
		Scores:         c.score(s, duration),
	}
	c.reports[conversationID] = report

	day := endedAt.Format(dayFormat)
	agg, ok := c.daily[day]
	if !ok {
		agg = &DailyAggregate{Date: day}
		c.daily[day] = agg
	}
	agg.SessionCount++
	agg.MessageCount += s.MessageCount()
	agg.TotalDuration += duration
	agg.TotalTokens += s.Tokens

	c.logger.Info("session scored",
		"conversation_id", conversationID,
		"messages", s.MessageCount(),
		"overall", report.Scores.Overall)
	return report, nil
}

// score derives the 0-100 quality scores.
//
// Responsiveness is the inverse of the mean user-to-assistant response time
// in seconds (sub-second means 100); no samples means 0. Engagement is the
// assistant-to-user message ratio scaled to 100 and capped. Completion is
// session duration relative to the ideal duration, capped at 100.
func (c *Collector) score(s *SessionMetrics, duration time.Duration) QualityScores {
	var responsiveness float64
	if len(s.responseTimes) > 0 {
		var total time.Duration
		for _, rt := range s.responseTimes {
			total += rt
		}
		meanSec := total.Seconds() / float64(len(s.responseTimes))
		if meanSec <= 1 {
			responsiveness = 100
		} else {
			responsiveness = clamp(100/meanSec, 0, 100)
		}
	}

	var engagement float64
	if users := s.MessagesByRole[bridge.RoleUser]; users > 0 {
		ratio := float64(s.MessagesByRole[bridge.RoleAssistant]) / float64(users)
		engagement = clamp(ratio*100, 0, 100)
	}

	completion := clamp(duration.Seconds()/c.opts.IdealDuration.Seconds()*100, 0, 100)

	overall := 0.3*responsiveness + 0.4*engagement + 0.3*completion
	return QualityScores{
		Responsiveness: responsiveness,
		Engagement:     engagement,
		Completion:     completion,
		Overall:        overall,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Session returns the live metrics for an unfinished session.
func (c *Collector) Session(conversationID string) (*SessionMetrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[conversationID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", conversationID, ErrSessionNotFound)
	}
	copied := *s
	return &copied, nil
}

// Report returns the frozen report of an ended session, if still retained.
func (c *Collector) Report(conversationID string) (*SessionReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reports[conversationID]
	if !ok {
		return nil, fmt.Errorf("report %s: %w", conversationID, ErrSessionNotFound)
	}
	copied := *r
	return &copied, nil
}

// Daily returns the daily aggregates sorted by date ascending.
func (c *Collector) Daily() []*DailyAggregate {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*DailyAggregate, 0, len(c.daily))
	for _, agg := range c.daily {
		copied := *agg
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Prune drops ended-session reports older than the retention window. Daily
// aggregates always survive.
func (c *Collector) Prune(now time.Time) int {
	cutoff := now.AddDate(0, 0, -c.opts.RetentionDays)

	c.mu.Lock()
	defer c.mu.Unlock()

	pruned := 0
	for id, report := range c.reports {
		if report.EndedAt.Before(cutoff) {
			delete(c.reports, id)
			pruned++
		}
	}
	if pruned > 0 {
		c.logger.Debug("pruned session reports", "count", pruned)
	}
	return pruned
}
