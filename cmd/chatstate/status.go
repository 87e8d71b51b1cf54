package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatstate"
	"github.com/Prismer-AI/chatstate/sqlite"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, token, cache and backend status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.RealtimeURL != "" {
			fmt.Fprintf(out, "  Realtime URL: %s\n", cfg.Default.RealtimeURL)
		}
		fmt.Fprintf(out, "  Cache:        %s\n", cfg.Cache.Path)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		fmt.Fprintf(out, "  User ID:      %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Fprintf(out, "  Token:        %s\n", tokenStatus(cfg, time.Now()))

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Cache:")
		if db, err := sqlite.Open(ctx, cfg.Cache.Path); err != nil {
			fmt.Fprintf(out, "  Error:        %v\n", err)
		} else {
			pending, err := sqlite.NewRepository(db).PendingCount(ctx)
			db.Close()
			if err != nil {
				fmt.Fprintf(out, "  Error:        %v\n", err)
			} else {
				fmt.Fprintf(out, "  Outbox:       %d pending\n", pending)
			}
		}

		if cfg.Default.BaseURL != "" {
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Backend:")
			client := chatstate.NewClient(cfg.Auth.Token, chatstate.WithBaseURL(cfg.Default.BaseURL))
			if err := client.Health(ctx); err != nil {
				fmt.Fprintf(out, "  Unreachable:  %v\n", err)
			} else {
				fmt.Fprintln(out, "  Healthy")
			}
		}
		return nil
	},
}

func tokenStatus(cfg *Config, now time.Time) string {
	if cfg.Auth.Token == "" {
		return "none"
	}
	expires, ok := tokenExpiry(cfg.Auth.Token)
	if !ok && cfg.Auth.TokenExpires != "" {
		t, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
		if err != nil {
			return fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.TokenExpires)
		}
		expires, ok = t, true
	}
	if !ok {
		return "present (no expiry)"
	}
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}
