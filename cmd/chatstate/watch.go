package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Prismer-AI/chatstate"
	"github.com/Prismer-AI/chatstate/internal/logging"
)

var watchOpts queryFlags

func init() {
	rootCmd.AddCommand(watchCmd)
	watchOpts.register(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a channel list over the realtime stream",
	Long:  "Query a channel list, then reprint it whenever realtime events change it. Stop with Ctrl-C.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		filter, sort, err := watchOpts.parse()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		session, closeSession, err := openSession(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeSession()
		session.Start()

		_, err = session.ConnectRealtime(ctx, chatstate.RealtimeConfig{
			URL:                  valueOrDefault(cfg.Default.RealtimeURL, cfg.Default.BaseURL),
			Token:                cfg.Auth.Token,
			AutoReconnect:        true,
			MaxReconnectAttempts: -1,
			Logger:               logging.Component(logging.Logger, "realtime"),
		})
		if err != nil {
			return fmt.Errorf("connect realtime: %w", err)
		}

		query := session.QueryChannels(filter, sort)
		if err := query.QueryFirstPage(ctx, watchOpts.limit); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			for data := range query.State().ChannelsStateData().Subscribe(gctx) {
				fmt.Fprintf(out, "\n[%s] %d channels\n", data.Kind, len(data.Channels))
				if err := printChannels(out, data.Channels); err != nil {
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			for needed := range query.State().RecoveryNeeded().Subscribe(gctx) {
				if needed {
					fmt.Fprintln(out, "(connection lost, list may be stale)")
				}
			}
			return nil
		})

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}
