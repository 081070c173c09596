// ABOUTME: Wires the bus, bridge, state store, conversation manager, sync
// ABOUTME: manager, and analytics collector into the running daemon

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/chatstate/internal/analytics"
	"github.com/2389/chatstate/internal/bridge"
	"github.com/2389/chatstate/internal/bus"
	"github.com/2389/chatstate/internal/config"
	"github.com/2389/chatstate/internal/conversation"
	"github.com/2389/chatstate/internal/histsync"
	"github.com/2389/chatstate/internal/state"
	"github.com/2389/chatstate/internal/summarize"
)

// shutdownTimeout bounds the final state flush.
const shutdownTimeout = 10 * time.Second

type app struct {
	cfg    *config.Config
	logger *slog.Logger

	bus       *bus.Bus
	bridge    bridge.Bridge
	store     *state.Store
	conv      *conversation.Manager
	sync      *histsync.Manager
	collector *analytics.Collector
}

func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	br, err := bridge.NewSQLiteBridge(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	b := bus.New(logger)

	var summarizer summarize.Summarizer
	if cfg.Summarizer.Enabled {
		summarizer = summarize.NewFallback(
			summarize.NewOpenAISummarizer(
				cfg.Summarizer.APIKey,
				cfg.Summarizer.BaseURL,
				cfg.Summarizer.Model,
				cfg.Summarizer.Timeout,
			),
			logger,
		)
	}

	conv := conversation.NewManager(conversation.Options{
		MaxSessions:         cfg.Conversation.MaxSessions,
		CompactionThreshold: cfg.Conversation.CompactionThreshold,
		ContextWindow:       cfg.Conversation.ContextWindow,
		MaxMessages:         cfg.Conversation.MaxMessages,
		DefaultProvider:     cfg.Conversation.DefaultProvider,
		DefaultModel:        cfg.Conversation.DefaultModel,
		Temperature:         cfg.Conversation.Temperature,
		MaxTokens:           cfg.Conversation.MaxTokens,
	}, b, summarizer, logger)

	// Health probes are deployment-specific; the registry runs without one
	// until an integrator supplies a prober.
	store := state.NewStore(
		state.StoreConfig{
			AutoSaveInterval:  cfg.Persistence.AutoSaveInterval,
			RetentionInterval: cfg.Persistence.RetentionInterval,
			HealthInterval:    cfg.Persistence.HealthInterval,
		},
		state.Preferences{
			RetentionDays:    cfg.History.RetentionDays,
			MaxConversations: cfg.History.MaxConversations,
			SearchEnabled:    cfg.History.SearchEnabled,
		},
		state.RegistryConfig{
			SessionCostCeiling:  cfg.Providers.SessionCostCeiling,
			SessionTokenCeiling: cfg.Providers.SessionTokenCeiling,
			FailureThreshold:    cfg.Providers.FailureThreshold,
			AutoSwitch:          cfg.Providers.AutoSwitch,
			ProbeTimeout:        cfg.Providers.ProbeTimeout,
		},
		br, b, nil, conv, logger,
	)

	for _, p := range cfg.Providers.Registered {
		store.Providers.Register(&state.ProviderRecord{
			ID:              p.ID,
			Model:           p.Model,
			AvailableModels: p.AvailableModels,
		})
	}

	sync := histsync.New(conv, br, b, histsync.Options{
		InitialPageSize: cfg.Sync.InitialPageSize,
		CacheLimit:      cfg.Sync.CacheLimit,
	}, logger)

	collector := analytics.NewCollector(analytics.Options{
		IdealDuration: cfg.Analytics.IdealDuration,
		RetentionDays: cfg.Analytics.RetentionDays,
	}, b, logger)

	return &app{
		cfg:       cfg,
		logger:    logger.With("component", "app"),
		bus:       b,
		bridge:    br,
		store:     store,
		conv:      conv,
		sync:      sync,
		collector: collector,
	}, nil
}

// run brings the daemon up, blocks until the context is cancelled, and shuts
// down flushing state.
func (a *app) run(ctx context.Context) error {
	if err := a.store.Load(ctx); err != nil {
		a.logger.Warn("restoring state failed, starting fresh", "error", err)
	}
	if err := a.sync.LoadInitialData(ctx); err != nil {
		return fmt.Errorf("loading initial history: %w", err)
	}
	a.store.Start()

	tasks := cron.New()
	if _, err := tasks.AddFunc("@daily", func() { a.collector.Prune(time.Now()) }); err != nil {
		a.logger.Error("scheduling analytics pruning failed", "error", err)
	}
	tasks.Start()
	defer tasks.Stop()

	a.logger.Info("chatstate ready",
		"database", a.cfg.Database.Path,
		"online", a.sync.Online())

	<-ctx.Done()
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if current := a.conv.CurrentID(); current != "" {
		a.bus.Publish(bus.TopicSessionEnded, bus.SessionEnded{
			ConversationID: current,
			EndedAt:        time.Now(),
		})
	}

	a.sync.Close()
	if err := a.store.Close(shutdownCtx); err != nil {
		a.logger.Warn("final state flush failed", "error", err)
	}
	a.bus.Close()
	if err := a.bridge.Close(); err != nil {
		a.logger.Warn("closing database failed", "error", err)
	}
	return nil
}
