// ABOUTME: Provider registry: status, cost ledger, switch history, health checks
// ABOUTME: Ceiling warnings at 80% and auto-switch to the least-recently-failed alternative

package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/chatstate/internal/bridge"
	"github.com/2389/chatstate/internal/bus"
)

// Provider status values.
const (
	StatusDisconnected = "disconnected"
	StatusConnected    = "connected"
	StatusDegraded     = "degraded"
	StatusError        = "error"
)

// AutoSwitchReason is recorded on switches initiated by health checks.
const AutoSwitchReason = "auto-switch"

// ActivationSyncReason is recorded when the active selection follows an
// activated conversation's session state.
const ActivationSyncReason = "conversation-activated"

// providersOwner tags the registry's bus subscriptions.
const providersOwner = "state-providers"

// ErrProviderNotFound indicates the specified provider is not registered.
var ErrProviderNotFound = errors.New("provider not found")

// ErrNoAlternative indicates no healthy alternative provider exists.
var ErrNoAlternative = errors.New("no alternative provider available")

// ProviderRecord is the registry's view of one configured AI backend.
type ProviderRecord struct {
	ID                  string    `json:"id"`
	Status              string    `json:"status"`
	Model               string    `json:"model"`
	AvailableModels     []string  `json:"available_models,omitempty"`
	CostTotal           float64   `json:"cost_total"`
	CostSession         float64   `json:"cost_session"`
	TokensTotal         int       `json:"tokens_total"`
	TokensSession       int       `json:"tokens_session"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastUsed            time.Time `json:"last_used"`
	LastFailure         time.Time `json:"last_failure"`
}

// SwitchRecord is one immutable entry in the registry's switch history.
type SwitchRecord struct {
	From           string    `json:"from"`
	To             string    `json:"to"`
	Reason         string    `json:"reason"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// HealthProber probes one provider. Implementations are expected to respect
// the context deadline the registry applies.
type HealthProber interface {
	Probe(ctx context.Context, providerID string) error
}

// ConversationTagger is the narrow slice of the conversation manager the
// registry needs: tagging the affected conversation when the active provider
// changes, and reading a conversation's session state when the registry
// follows an activation.
type ConversationTagger interface {
	CurrentID() string
	SwitchProvider(conversationID, providerID, model, reason string) error
	SessionProvider(conversationID string) (provider, model string, err error)
}

// RegistryConfig holds ceilings and health-check policy.
type RegistryConfig struct {
	SessionCostCeiling  float64
	SessionTokenCeiling int
	WarnFraction        float64 // defaults to 0.8
	FailureThreshold    int     // consecutive failures before demotion, defaults to 3
	AutoSwitch          bool
	ProbeTimeout        time.Duration // defaults to 5s
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.WarnFraction <= 0 {
		c.WarnFraction = 0.8
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

// ProviderRegistry tracks configured providers, their cost ledgers, and the
// active selection.
type ProviderRegistry struct {
	mu            sync.Mutex
	records       map[string]*ProviderRecord
	switchHistory []SwitchRecord
	activeID      string

	// Session totals across all providers, compared against the ceilings.
	sessionCost   float64
	sessionTokens int
	warnedCost    bool
	warnedTokens  bool

	cfg    RegistryConfig
	bus    *bus.Bus
	prober HealthProber
	tagger ConversationTagger
	logger *slog.Logger
}

// NewProviderRegistry creates a registry. prober and tagger may be nil:
// health checks become no-ops and switches skip conversation tagging.
func NewProviderRegistry(cfg RegistryConfig, b *bus.Bus, prober HealthProber, tagger ConversationTagger, logger *slog.Logger) *ProviderRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ProviderRegistry{
		records: make(map[string]*ProviderRecord),
		cfg:     cfg.withDefaults(),
		bus:     b,
		prober:  prober,
		tagger:  tagger,
		logger:  logger.With("component", "state.providers"),
	}
	if b != nil && tagger != nil {
		b.Subscribe(bus.KeyedStateTopic("active_conversation"), r.onConversationActivated, providersOwner)
	}
	return r
}

// Close removes the registry's bus subscriptions.
func (r *ProviderRegistry) Close() {
	if r.bus != nil {
		r.bus.UnsubscribeOwner(providersOwner)
	}
}

// onConversationActivated aligns the active selection with the session state
// of the conversation that just became active.
func (r *ProviderRegistry) onConversationActivated(e bus.EventRecord) {
	change, ok := e.Payload.(bus.StateChanged)
	if !ok {
		return
	}
	conversationID, _ := change.New.(string)
	if conversationID == "" {
		return
	}
	provider, _, err := r.tagger.SessionProvider(conversationID)
	if err != nil || provider == "" {
		return
	}

	r.mu.Lock()
	record, registered := r.records[provider]
	if !registered {
		r.mu.Unlock()
		r.logger.Warn("activated conversation references unregistered provider",
			"conversation_id", conversationID,
			"provider_id", provider)
		return
	}
	from := r.activeID
	if from == provider {
		r.mu.Unlock()
		return
	}
	r.activeID = provider
	record.LastUsed = time.Now()
	// No tagging here: the conversation already carries this provider.
	r.switchHistory = append(r.switchHistory, SwitchRecord{
		From:           from,
		To:             provider,
		Reason:         ActivationSyncReason,
		Timestamp:      record.LastUsed,
		ConversationID: conversationID,
	})
	r.mu.Unlock()

	r.logger.Info("active provider synced to conversation",
		"from", from,
		"to", provider,
		"conversation_id", conversationID)
}

// Register adds or replaces a provider record. The first registered provider
// becomes active.
func (r *ProviderRegistry) Register(record *ProviderRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if record.Status == "" {
		record.Status = StatusDisconnected
	}
	copied := *record
	r.records[record.ID] = &copied
	if r.activeID == "" {
		r.activeID = record.ID
	}
	r.logger.Info("provider registered", "provider_id", record.ID, "model", record.Model)
}

// Get returns a copy of a provider record.
func (r *ProviderRegistry) Get(id string) (*ProviderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", id, ErrProviderNotFound)
	}
	copied := *record
	return &copied, nil
}

// List returns all provider records sorted by id.
func (r *ProviderRegistry) List() []*ProviderRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*ProviderRecord, 0, len(r.records))
	for _, record := range r.records {
		copied := *record
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveID returns the active provider id, or "".
func (r *ProviderRegistry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// UpdateStatus sets a provider's status, publishing a change event when the
// status actually changed.
func (r *ProviderRegistry) UpdateStatus(id, status, lastError string) error {
	r.mu.Lock()
	record, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("provider %s: %w", id, ErrProviderNotFound)
	}
	previous := record.Status
	record.Status = status
	record.LastError = lastError
	r.mu.Unlock()

	if previous != status && r.bus != nil {
		r.bus.Publish(bus.TopicProviderStatusChanged, bus.ProviderStatusChanged{
			ProviderID: id,
			Previous:   previous,
			Current:    status,
			LastError:  lastError,
		})
	}
	return nil
}

// SwitchActiveProvider moves the active selection, records an immutable
// switch-history entry, and tags the affected conversation with the new
// provider. An empty conversationID tags the current conversation.
func (r *ProviderRegistry) SwitchActiveProvider(id, reason, conversationID string) error {
	r.mu.Lock()
	record, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("provider %s: %w", id, ErrProviderNotFound)
	}

	from := r.activeID
	r.activeID = id
	record.LastUsed = time.Now()
	model := record.Model
	r.switchHistory = append(r.switchHistory, SwitchRecord{
		From:           from,
		To:             id,
		Reason:         reason,
		Timestamp:      record.LastUsed,
		ConversationID: conversationID,
	})
	r.mu.Unlock()

	r.logger.Info("active provider switched",
		"from", from,
		"to", id,
		"reason", reason)

	if r.tagger != nil {
		target := conversationID
		if target == "" {
			target = r.tagger.CurrentID()
		}
		if target != "" {
			if err := r.tagger.SwitchProvider(target, id, model, reason); err != nil {
				r.logger.Warn("tagging conversation with new provider failed",
					"conversation_id", target,
					"error", err)
			}
		}
	}
	return nil
}

// SwitchHistory returns a copy of the switch history, oldest first.
func (r *ProviderRegistry) SwitchHistory() []SwitchRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SwitchRecord(nil), r.switchHistory...)
}

// TrackUsage increments the provider and session counters. Crossing the
// configured warn fraction of a ceiling publishes a warning event exactly
// once per session; it never blocks or fails the call.
func (r *ProviderRegistry) TrackUsage(id string, tokens int, cost float64) error {
	r.mu.Lock()
	record, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("provider %s: %w", id, ErrProviderNotFound)
	}

	record.CostTotal += cost
	record.CostSession += cost
	record.TokensTotal += tokens
	record.TokensSession += tokens
	record.LastUsed = time.Now()
	r.sessionCost += cost
	r.sessionTokens += tokens

	var warnings []func()
	if r.cfg.SessionCostCeiling > 0 && !r.warnedCost &&
		r.sessionCost >= r.cfg.WarnFraction*r.cfg.SessionCostCeiling {
		r.warnedCost = true
		payload := bus.LimitWarning{
			ProviderID: id,
			Used:       r.sessionCost,
			Ceiling:    r.cfg.SessionCostCeiling,
			Fraction:   r.sessionCost / r.cfg.SessionCostCeiling,
		}
		warnings = append(warnings, func() { r.bus.Publish(bus.TopicCostLimitWarning, payload) })
	}
	if r.cfg.SessionTokenCeiling > 0 && !r.warnedTokens &&
		float64(r.sessionTokens) >= r.cfg.WarnFraction*float64(r.cfg.SessionTokenCeiling) {
		r.warnedTokens = true
		payload := bus.LimitWarning{
			ProviderID: id,
			Used:       float64(r.sessionTokens),
			Ceiling:    float64(r.cfg.SessionTokenCeiling),
			Fraction:   float64(r.sessionTokens) / float64(r.cfg.SessionTokenCeiling),
		}
		warnings = append(warnings, func() { r.bus.Publish(bus.TopicTokenLimitWarning, payload) })
	}
	r.mu.Unlock()

	if r.bus != nil {
		for _, warn := range warnings {
			warn()
		}
	}
	return nil
}

// SessionTotals reports the session-wide cost and token counters.
func (r *ProviderRegistry) SessionTotals() (cost float64, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionCost, r.sessionTokens
}

// ResetSession zeroes the per-session counters and re-arms the ceiling
// warnings. Lifetime totals are untouched.
func (r *ProviderRegistry) ResetSession() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessionCost = 0
	r.sessionTokens = 0
	r.warnedCost = false
	r.warnedTokens = false
	for _, record := range r.records {
		record.CostSession = 0
		record.TokensSession = 0
	}
}

// CheckHealth probes every registered provider with a bounded timeout,
// demotes after repeated consecutive failures, and — when auto-switch is
// enabled and the active provider crossed the failure threshold — switches
// to the least-recently-failed alternative.
func (r *ProviderRegistry) CheckHealth(ctx context.Context) {
	if r.prober == nil {
		return
	}

	// Snapshot ids before mutating records during iteration.
	r.mu.Lock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
		err := r.prober.Probe(probeCtx, id)
		cancel()

		if err != nil {
			r.recordFailure(id, err)
		} else {
			r.recordSuccess(id)
		}
	}
}

func (r *ProviderRegistry) recordSuccess(id string) {
	r.mu.Lock()
	record, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	record.ConsecutiveFailures = 0
	record.LastError = ""
	previous := record.Status
	record.Status = StatusConnected
	r.mu.Unlock()

	if previous != StatusConnected && r.bus != nil {
		r.bus.Publish(bus.TopicProviderStatusChanged, bus.ProviderStatusChanged{
			ProviderID: id,
			Previous:   previous,
			Current:    StatusConnected,
		})
	}
}

func (r *ProviderRegistry) recordFailure(id string, probeErr error) {
	r.mu.Lock()
	record, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	record.ConsecutiveFailures++
	record.LastError = probeErr.Error()
	record.LastFailure = time.Now()
	previous := record.Status
	failures := record.ConsecutiveFailures

	status := StatusDegraded
	if failures >= r.cfg.FailureThreshold {
		status = StatusError
	}
	record.Status = status

	needsSwitch := r.cfg.AutoSwitch && id == r.activeID && failures >= r.cfg.FailureThreshold
	r.mu.Unlock()

	r.logger.Warn("provider health probe failed",
		"provider_id", id,
		"consecutive_failures", failures,
		"error", probeErr)

	if previous != status && r.bus != nil {
		r.bus.Publish(bus.TopicProviderStatusChanged, bus.ProviderStatusChanged{
			ProviderID: id,
			Previous:   previous,
			Current:    status,
			LastError:  probeErr.Error(),
		})
	}

	if !needsSwitch {
		return
	}
	alt, err := r.leastRecentlyFailedAlternative(id)
	if err != nil {
		r.logger.Warn("auto-switch skipped", "error", err)
		return
	}
	if err := r.SwitchActiveProvider(alt, AutoSwitchReason, ""); err != nil {
		r.logger.Warn("auto-switch failed", "to", alt, "error", err)
	}
}

// leastRecentlyFailedAlternative picks the candidate whose last failure is
// furthest in the past (never-failed providers win).
func (r *ProviderRegistry) leastRecentlyFailedAlternative(exclude string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *ProviderRecord
	for id, record := range r.records {
		if id == exclude || record.Status == StatusError {
			continue
		}
		if best == nil || record.LastFailure.Before(best.LastFailure) {
			best = record
		}
	}
	if best == nil {
		return "", ErrNoAlternative
	}
	return best.ID, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, bridge.ErrNotFound)
}
