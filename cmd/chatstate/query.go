package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatstate"
)

type queryFlags struct {
	filter  string
	sort    string
	limit   int
	pages   int
	offline bool
	timeout time.Duration
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.filter, "filter", "", `filter as JSON, e.g. '{"type":"messaging","members":{"$in":["alice"]}}'`)
	cmd.Flags().StringVar(&f.sort, "sort", "", "sort fields, e.g. -last_message_at or name:1 (default most recent first)")
	cmd.Flags().IntVar(&f.limit, "limit", chatstate.DefaultQueryLimit, "channels per page")
}

func (f *queryFlags) parse() (chatstate.Filter, chatstate.QuerySort, error) {
	filter, err := parseFilter(f.filter)
	if err != nil {
		return filter, nil, err
	}
	sort, err := parseSort(f.sort)
	return filter, sort, err
}

var queryOpts queryFlags

func init() {
	rootCmd.AddCommand(queryCmd)
	queryOpts.register(queryCmd)
	queryCmd.Flags().IntVar(&queryOpts.pages, "pages", 1, "number of pages to load")
	queryCmd.Flags().BoolVar(&queryOpts.offline, "offline", false, "answer from the local cache only")
	queryCmd.Flags().DurationVar(&queryOpts.timeout, "timeout", 30*time.Second, "overall timeout")
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query a channel list and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		filter, sort, err := queryOpts.parse()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), queryOpts.timeout)
		defer cancel()

		session, closeSession, err := openSession(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeSession()
		if queryOpts.offline {
			session.SetOnline(false)
		}

		query := session.QueryChannels(filter, sort)
		if err := query.QueryFirstPage(ctx, queryOpts.limit); err != nil && !errors.Is(err, chatstate.ErrNotConnected) {
			return err
		}
		for page := 1; page < queryOpts.pages && !query.State().EndOfChannels().Value(); page++ {
			if err := query.LoadMore(ctx, queryOpts.limit); err != nil {
				return err
			}
		}

		data := query.State().ChannelsStateData().Value()
		switch data.Kind {
		case chatstate.ChannelsResult:
			return printChannels(cmd.OutOrStdout(), data.Channels)
		default:
			fmt.Fprintln(cmd.OutOrStdout(), data.Kind)
			return nil
		}
	},
}
