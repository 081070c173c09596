// ABOUTME: Entry point for the chatstate daemon and its inspection commands
// ABOUTME: Cobra CLI: serve plus read-only list/search/stats/providers

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/chatstate/internal/bridge"
	"github.com/2389/chatstate/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _           _       _        _
   ___| |__   __ _| |_ ___| |_ __ _| |_ ___
  / __| '_ \ / _' | __/ __| __/ _' | __/ _ \
 | (__| | | | (_| | |_\__ \ || (_| | ||  __/
  \___|_| |_|\__,_|\__|___/\__\__,_|\__\___|
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "chatstate",
		Short:         "Conversation state and event coordination daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newListCmd(&configPath),
		newSearchCmd(&configPath),
		newStatsCmd(&configPath),
		newProvidersCmd(&configPath),
	)
	return root
}

// resolveConfig loads the config from --config, CHATSTATE_CONFIG, or the XDG
// location; a missing file falls back to defaults.
func resolveConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("CHATSTATE_CONFIG")
	}
	if path == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return config.Default(), nil
			}
			configDir = filepath.Join(homeDir, ".config")
		}
		path = filepath.Join(configDir, "chatstate", "config.yaml")
	}

	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chatstate daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(*configPath)
			if err != nil {
				return err
			}
			color.Cyan(banner)
			fmt.Printf("  version %s\n\n", version)

			app, err := buildApp(cfg, setupLogger(cfg.Logging))
			if err != nil {
				return err
			}
			return app.run(cmd.Context())
		},
	}
}

// openBridge opens the store read-only commands work against.
func openBridge(configPath string) (*config.Config, bridge.Bridge, error) {
	cfg, err := resolveConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	br, err := bridge.NewSQLiteBridge(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, br, nil
}

func newListCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, br, err := openBridge(*configPath)
			if err != nil {
				return err
			}
			defer br.Close()

			page, err := br.ListConversations(cmd.Context(), bridge.ListOptions{Limit: limit})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED")
			for _, summary := range page.Conversations {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					summary.ID,
					summary.Title,
					summary.MessageCount,
					summary.UpdatedAt.Format(time.RFC3339))
			}
			w.Flush()
			fmt.Printf("\n%d of %d conversations\n", len(page.Conversations), page.Total)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum conversations to list")
	return cmd
}

func newSearchCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search stored conversations and messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, br, err := openBridge(*configPath)
			if err != nil {
				return err
			}
			defer br.Close()

			results, err := br.SearchConversations(cmd.Context(), bridge.SearchOptions{
				Query: args[0],
				Limit: limit,
			})
			if err != nil {
				return err
			}

			for _, summary := range results.Conversations {
				color.New(color.Bold).Printf("%s", summary.Title)
				fmt.Printf("  (%s, %d messages)\n", summary.ID, summary.MessageCount)
			}
			for _, hit := range results.Messages {
				fmt.Printf("  %s  %s\n",
					color.HiBlackString(hit.Timestamp.Format("2006-01-02 15:04")),
					hit.Snippet)
			}
			if len(results.Conversations) == 0 && len(results.Messages) == 0 {
				fmt.Println("no matches")
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum results")
	return cmd
}

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store-wide conversation statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, br, err := openBridge(*configPath)
			if err != nil {
				return err
			}
			defer br.Close()

			page, err := br.ListConversations(cmd.Context(), bridge.ListOptions{Limit: 1000})
			if err != nil {
				return err
			}
			messages := 0
			for _, summary := range page.Conversations {
				messages += summary.MessageCount
			}
			sessions, err := br.ListSessions(cmd.Context(), bridge.SessionFilter{})
			if err != nil {
				return err
			}

			fmt.Printf("conversations: %d\n", page.Total)
			fmt.Printf("messages:      %d\n", messages)
			fmt.Printf("sessions:      %d\n", len(sessions))
			return nil
		},
	}
}

func newProvidersCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Show the persisted provider registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, br, err := openBridge(*configPath)
			if err != nil {
				return err
			}
			defer br.Close()

			data, err := br.Get(cmd.Context(), "state:providers")
			if errors.Is(err, bridge.ErrNotFound) {
				fmt.Println("no provider state saved yet")
				return nil
			}
			if err != nil {
				return err
			}

			var doc struct {
				ActiveID string `json:"active_id"`
				Records  map[string]struct {
					Status      string  `json:"status"`
					Model       string  `json:"model"`
					CostTotal   float64 `json:"cost_total"`
					TokensTotal int     `json:"tokens_total"`
					LastError   string  `json:"last_error"`
				} `json:"records"`
			}
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("decoding provider state: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tMODEL\tTOKENS\tCOST")
			for id, record := range doc.Records {
				marker := " "
				if id == doc.ActiveID {
					marker = "*"
				}
				fmt.Fprintf(w, "%s%s\t%s\t%s\t%d\t$%.4f\n",
					marker, id, record.Status, record.Model, record.TokensTotal, record.CostTotal)
			}
			w.Flush()
			return nil
		},
	}
}
