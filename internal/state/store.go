// ABOUTME: Store composes the generic key bag, history projection, and registry
// ABOUTME: Cron drives auto-save, retention cleanup, and provider health checks

package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/chatstate/internal/bridge"
	"github.com/2389/chatstate/internal/bus"
)

// Document keys under which the store persists itself through the bridge.
const (
	docGeneric   = "state:generic"
	docHistory   = "state:history"
	docProviders = "state:providers"
)

// StoreConfig holds the periodic task intervals. Zero values get defaults.
type StoreConfig struct {
	AutoSaveInterval  time.Duration
	RetentionInterval time.Duration
	HealthInterval    time.Duration
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.AutoSaveInterval <= 0 {
		c.AutoSaveInterval = 30 * time.Second
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Hour
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = time.Minute
	}
	return c
}

// Store is the central state container: a generic key/value bag with change
// events, the chat-history projection, and the provider registry, persisted
// as three documents through the bridge.
type Store struct {
	mu     sync.Mutex
	values map[string]any
	dirty  bool

	History   *HistoryProjection
	Providers *ProviderRegistry

	cfg    StoreConfig
	bridge bridge.Bridge
	bus    *bus.Bus
	cron   *cron.Cron
	logger *slog.Logger
}

// NewStore wires the bag, projection, and registry together. br may be nil
// for a purely in-memory store; Save and Load become no-ops.
func NewStore(cfg StoreConfig, prefs Preferences, regCfg RegistryConfig, br bridge.Bridge, b *bus.Bus, prober HealthProber, tagger ConversationTagger, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		values:    make(map[string]any),
		History:   NewHistoryProjection(prefs, b, logger),
		Providers: NewProviderRegistry(regCfg, b, prober, tagger, logger),
		cfg:       cfg.withDefaults(),
		bridge:    br,
		bus:       b,
		logger:    logger.With("component", "state.store"),
	}
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// GetDefault returns the stored value, or def when the key is absent.
func (s *Store) GetDefault(key string, def any) any {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// Set stores value under key and publishes the change on the global state
// topic and the per-key topic.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	old := s.values[key]
	s.values[key] = value
	s.dirty = true
	s.mu.Unlock()

	s.publishChange(bus.StateChanged{Key: key, Old: old, New: value})
}

// Update shallow-merges patch into the map stored under key. A missing or
// non-map value is replaced by the patch.
func (s *Store) Update(key string, patch map[string]any) {
	s.mu.Lock()
	old := s.values[key]
	merged := make(map[string]any)
	if existing, ok := old.(map[string]any); ok {
		maps.Copy(merged, existing)
	}
	maps.Copy(merged, patch)
	s.values[key] = merged
	s.dirty = true
	s.mu.Unlock()

	s.publishChange(bus.StateChanged{Key: key, Old: old, New: merged})
}

// Remove deletes a key, publishing a removal change if it existed.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	old, existed := s.values[key]
	delete(s.values, key)
	if existed {
		s.dirty = true
	}
	s.mu.Unlock()

	if existed {
		s.publishChange(bus.StateChanged{Key: key, Old: old, Removed: true})
	}
}

// Clear drops every key in the bag, publishing one removal per key.
func (s *Store) Clear() {
	s.mu.Lock()
	old := s.values
	s.values = make(map[string]any)
	s.dirty = true
	s.mu.Unlock()

	for key, value := range old {
		s.publishChange(bus.StateChanged{Key: key, Old: value, Removed: true})
	}
}

// Keys returns the bag's current keys, unordered.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	return out
}

func (s *Store) publishChange(change bus.StateChanged) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicStateChanged, change)
	s.bus.Publish(bus.KeyedStateTopic(change.Key), change)
}

// Start registers the periodic tasks and begins running them.
func (s *Store) Start() {
	if s.cron != nil {
		return
	}
	s.cron = cron.New()

	schedule := func(interval time.Duration, task func()) {
		spec := fmt.Sprintf("@every %s", interval)
		if _, err := s.cron.AddFunc(spec, task); err != nil {
			s.logger.Error("scheduling periodic task failed", "spec", spec, "error", err)
		}
	}

	schedule(s.cfg.AutoSaveInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.SaveIfDirty(ctx); err != nil {
			s.logger.Warn("auto-save failed, will retry next interval", "error", err)
		}
	})
	schedule(s.cfg.RetentionInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.History.RunRetentionCleanup(ctx, s.bridge)
	})
	schedule(s.cfg.HealthInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.Providers.CheckHealth(ctx)
	})

	s.cron.Start()
	s.logger.Info("periodic tasks started",
		"auto_save", s.cfg.AutoSaveInterval,
		"retention", s.cfg.RetentionInterval,
		"health", s.cfg.HealthInterval)
}

// Close stops the periodic tasks, flushes state, and tears down the
// projection's subscriptions.
func (s *Store) Close(ctx context.Context) error {
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
		s.cron = nil
	}
	s.History.Close()
	s.Providers.Close()
	return s.Save(ctx)
}

// historyDocument is the persisted form of the history projection.
type historyDocument struct {
	ActiveID  string                                 `json:"active_id"`
	Summaries map[string]*bridge.ConversationSummary `json:"summaries"`
	Snippets  map[string][]Snippet                   `json:"snippets"`
	Prefs     Preferences                            `json:"preferences"`
	Filter    FilterState                            `json:"filter"`
}

// providersDocument is the persisted form of the provider registry.
type providersDocument struct {
	ActiveID      string                     `json:"active_id"`
	Records       map[string]*ProviderRecord `json:"records"`
	SwitchHistory []SwitchRecord             `json:"switch_history"`
	CostTotal     float64                    `json:"cost_total"`
	TokensTotal   int                        `json:"tokens_total"`
}

// Save persists the three state documents through the bridge. Session-scoped
// counters are written as lifetime totals; per-session values reset on load.
func (s *Store) Save(ctx context.Context) error {
	return s.save(ctx, true)
}

// SaveIfDirty skips the generic document when the bag is unchanged since the
// last save. The history and provider documents are always written; they are
// small and change on nearly every tick anyway.
func (s *Store) SaveIfDirty(ctx context.Context) error {
	return s.save(ctx, false)
}

func (s *Store) save(ctx context.Context, force bool) error {
	if s.bridge == nil {
		return nil
	}

	s.mu.Lock()
	var generic map[string]any
	if force || s.dirty {
		generic = make(map[string]any, len(s.values))
		maps.Copy(generic, s.values)
		s.dirty = false
	}
	s.mu.Unlock()

	if generic != nil {
		if err := s.saveDocument(ctx, docGeneric, generic); err != nil {
			// Keep the bag marked for the next auto-save attempt.
			s.mu.Lock()
			s.dirty = true
			s.mu.Unlock()
			return err
		}
	}

	h := s.History
	h.mu.Lock()
	hdoc := historyDocument{
		ActiveID:  h.activeID,
		Summaries: h.summaries,
		Snippets:  h.snippets,
		Prefs:     h.prefs,
		Filter:    h.filter,
	}
	data, err := json.Marshal(&hdoc)
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding history state: %w", err)
	}
	if err := s.bridge.Set(ctx, docHistory, data); err != nil {
		return fmt.Errorf("persisting history state: %w", err)
	}

	r := s.Providers
	r.mu.Lock()
	pdoc := providersDocument{
		ActiveID:      r.activeID,
		Records:       r.records,
		SwitchHistory: r.switchHistory,
		CostTotal:     r.sessionCost,
		TokensTotal:   r.sessionTokens,
	}
	data, err = json.Marshal(&pdoc)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding provider state: %w", err)
	}
	if err := s.bridge.Set(ctx, docProviders, data); err != nil {
		return fmt.Errorf("persisting provider state: %w", err)
	}
	return nil
}

func (s *Store) saveDocument(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := s.bridge.Set(ctx, key, data); err != nil {
		return fmt.Errorf("persisting %s: %w", key, err)
	}
	return nil
}

// Load restores the three documents from the bridge. Missing documents are
// fine on first run. No change events fire during load.
func (s *Store) Load(ctx context.Context) error {
	if s.bridge == nil {
		return nil
	}

	if data, err := s.bridge.Get(ctx, docGeneric); err == nil {
		var generic map[string]any
		if err := json.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("decoding %s: %w", docGeneric, err)
		}
		s.mu.Lock()
		s.values = generic
		s.mu.Unlock()
	} else if !isNotFound(err) {
		return fmt.Errorf("loading %s: %w", docGeneric, err)
	}

	if data, err := s.bridge.Get(ctx, docHistory); err == nil {
		var hdoc historyDocument
		if err := json.Unmarshal(data, &hdoc); err != nil {
			return fmt.Errorf("decoding %s: %w", docHistory, err)
		}
		h := s.History
		h.mu.Lock()
		h.activeID = hdoc.ActiveID
		if hdoc.Summaries != nil {
			h.summaries = hdoc.Summaries
		}
		if hdoc.Snippets != nil {
			h.snippets = hdoc.Snippets
		}
		if hdoc.Prefs.RetentionDays > 0 {
			h.prefs = hdoc.Prefs
		}
		h.filter = hdoc.Filter
		h.mu.Unlock()
	} else if !isNotFound(err) {
		return fmt.Errorf("loading %s: %w", docHistory, err)
	}

	if data, err := s.bridge.Get(ctx, docProviders); err == nil {
		var pdoc providersDocument
		if err := json.Unmarshal(data, &pdoc); err != nil {
			return fmt.Errorf("decoding %s: %w", docProviders, err)
		}
		r := s.Providers
		r.mu.Lock()
		if pdoc.Records != nil {
			// Session counters are fresh each run; lifetime totals carry over.
			for _, record := range pdoc.Records {
				record.CostSession = 0
				record.TokensSession = 0
			}
			r.records = pdoc.Records
		}
		r.activeID = pdoc.ActiveID
		r.switchHistory = pdoc.SwitchHistory
		r.mu.Unlock()
	} else if !isNotFound(err) {
		return fmt.Errorf("loading %s: %w", docProviders, err)
	}

	s.logger.Info("state documents loaded")
	return nil
}
