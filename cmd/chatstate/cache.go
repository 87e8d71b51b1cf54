package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatstate"
	"github.com/Prismer-AI/chatstate/sqlite"
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheShowCmd)
	cacheCmd.AddCommand(cacheQueryCmd)
	cacheCmd.AddCommand(cacheOutboxCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheShowCmd.Flags().Int("messages", 20, "number of latest messages to print")
	cacheQueryOpts.register(cacheQueryCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the local cache",
}

func openRepository(cmd *cobra.Command) (*sqlite.Repository, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlite.Open(cmd.Context(), cfg.Cache.Path)
	if err != nil {
		return nil, nil, err
	}
	return sqlite.NewRepository(db), func() { db.Close() }, nil
}

var cacheShowCmd = &cobra.Command{
	Use:   "show <cid>",
	Short: "Print a cached channel and its latest messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeRepo, err := openRepository(cmd)
		if err != nil {
			return err
		}
		defer closeRepo()

		limit, _ := cmd.Flags().GetInt("messages")
		channels, err := repo.SelectChannels(cmd.Context(), []string{args[0]}, limit)
		if err != nil {
			return err
		}
		if len(channels) == 0 {
			return fmt.Errorf("%s: %w", args[0], chatstate.ErrChannelNotCached)
		}
		ch := channels[0]

		out := cmd.OutOrStdout()
		if flagJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(ch)
		}
		fmt.Fprintf(out, "%s  %s  (%d members)\n", ch.CID, valueOrDefault(ch.Name, "-"), ch.MemberCount)
		for _, m := range ch.Messages {
			fmt.Fprintf(out, "  %s  %-12s %s\n", m.CreatedTime().Local().Format("01-02 15:04"), m.User.ID, m.Text)
		}
		return nil
	},
}

var cacheQueryOpts queryFlags

var cacheQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Print the cached answer of a channel list query",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, sort, err := cacheQueryOpts.parse()
		if err != nil {
			return err
		}
		repo, closeRepo, err := openRepository(cmd)
		if err != nil {
			return err
		}
		defer closeRepo()

		db := chatstate.NewQueryChannelsDatabaseLogic(repo)
		channels, found, err := db.FetchChannelsFromCache(cmd.Context(), chatstate.QueryChannelsRequest{
			Filter: filter,
			Sort:   sort,
			Limit:  cacheQueryOpts.limit,
		})
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(cmd.OutOrStdout(), "query not cached")
			return nil
		}
		return printChannels(cmd.OutOrStdout(), channels)
	},
}

var cacheOutboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "List messages waiting to be sent",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeRepo, err := openRepository(cmd)
		if err != nil {
			return err
		}
		defer closeRepo()

		ops, err := repo.DequeueReady(cmd.Context(), 0)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flagJSON {
			return json.NewEncoder(out).Encode(ops)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCID\tRETRIES\tERROR\tTEXT")
		for _, op := range ops {
			fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n", op.ID, op.CID, op.Retries, op.MaxRetries, valueOrDefault(op.Error, "-"), op.Message.Text)
		}
		return tw.Flush()
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		for _, path := range []string{cfg.Cache.Path, cfg.Cache.Path + "-wal", cfg.Cache.Path + "-shm"} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", cfg.Cache.Path)
		return nil
	},
}
