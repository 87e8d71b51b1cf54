package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Prismer-AI/chatstate"
	"github.com/Prismer-AI/chatstate/internal/logging"
	"github.com/Prismer-AI/chatstate/sqlite"
)

// openSession builds a session over the configured backend and cache. The
// returned func closes both.
func openSession(ctx context.Context, cfg *Config) (*chatstate.Session, func(), error) {
	if cfg.Default.BaseURL == "" {
		return nil, nil, fmt.Errorf("no backend configured, run 'chatstate init <base-url>' first")
	}
	if cfg.Auth.UserID == "" {
		return nil, nil, fmt.Errorf("no user configured, run 'chatstate token --user <id>' or set auth.user_id")
	}

	db, err := sqlite.Open(ctx, cfg.Cache.Path)
	if err != nil {
		return nil, nil, err
	}
	client := chatstate.NewClient(cfg.Auth.Token,
		chatstate.WithBaseURL(cfg.Default.BaseURL),
		chatstate.WithUserAgent("chatstate-cli"),
	)
	session := chatstate.NewSession(chatstate.User{ID: cfg.Auth.UserID}, client,
		chatstate.WithRepository(sqlite.NewRepository(db)),
		chatstate.WithLogger(logging.Logger),
	)
	closeFn := func() {
		if err := session.Close(); err != nil {
			logging.Logger.Warn().Err(err).Msg("close session")
		}
		db.Close()
	}
	return session, closeFn, nil
}

// parseFilter accepts a JSON filter; empty means match everything.
func parseFilter(s string) (chatstate.Filter, error) {
	var f chatstate.Filter
	if strings.TrimSpace(s) == "" {
		return f, nil
	}
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return f, fmt.Errorf("invalid --filter: %w", err)
	}
	return f, nil
}

// parseSort accepts "field:dir,field:dir" with dir 1 or -1, or a leading
// "-" for descending ("-last_message_at").
func parseSort(s string) (chatstate.QuerySort, error) {
	var sort chatstate.QuerySort
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		field, dir := part, chatstate.Ascending
		if name, d, ok := strings.Cut(part, ":"); ok {
			n, err := strconv.Atoi(d)
			if err != nil || (n != 1 && n != -1) {
				return nil, fmt.Errorf("invalid sort direction in %q", part)
			}
			field, dir = name, chatstate.SortDirection(n)
		} else if strings.HasPrefix(part, "-") {
			field, dir = part[1:], chatstate.Descending
		}
		sort = append(sort, chatstate.SortField{Field: field, Direction: dir})
	}
	return sort, nil
}

func printChannels(w io.Writer, channels []chatstate.Channel) error {
	if flagJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(channels)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CID\tNAME\tMEMBERS\tMESSAGES\tLAST MESSAGE")
	for _, ch := range channels {
		last := "-"
		if !ch.LastMessageAt.IsZero() {
			last = ch.LastMessageAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", ch.CID, valueOrDefault(ch.Name, "-"), ch.MemberCount, len(ch.Messages), last)
	}
	return tw.Flush()
}

// maskKey shows only the ends of a secret.
func maskKey(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) <= 8:
		return "****"
	case len(key) <= 16:
		return key[:2] + "..." + key[len(key)-2:]
	default:
		return key[:8] + "..." + key[len(key)-4:]
	}
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
