package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Prismer-AI/chatstate"
)

// Repository stores chatstate data as JSON documents keyed by id, with the
// columns needed for ordering and range scans kept alongside.
type Repository struct {
	db *DB
}

// NewRepository returns a repository over db.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

var _ chatstate.Repository = (*Repository)(nil)

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// ── Query specs ──────────────────────────────────────────

func (r *Repository) InsertQuerySpec(ctx context.Context, spec chatstate.QueryChannelsSpec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode query spec: %w", err)
	}
	_, err = r.db.Conn.ExecContext(ctx, `
		INSERT INTO query_specs (id, spec, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET spec = excluded.spec, updated_at = excluded.updated_at`,
		spec.ID(), string(data), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert query spec: %w", err)
	}
	return nil
}

func (r *Repository) SelectQuerySpec(ctx context.Context, id string) (chatstate.QueryChannelsSpec, bool, error) {
	var data string
	err := r.db.Conn.QueryRowContext(ctx, "SELECT spec FROM query_specs WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return chatstate.QueryChannelsSpec{}, false, nil
	}
	if err != nil {
		return chatstate.QueryChannelsSpec{}, false, fmt.Errorf("select query spec: %w", err)
	}
	var spec chatstate.QueryChannelsSpec
	if err := json.Unmarshal([]byte(data), &spec); err != nil {
		return chatstate.QueryChannelsSpec{}, false, fmt.Errorf("decode query spec: %w", err)
	}
	return spec, true, nil
}

// ── Channels ─────────────────────────────────────────────

// InsertChannels upserts channels. Attached messages are stored too; a
// channel without messages leaves its cached messages untouched.
func (r *Repository) InsertChannels(ctx context.Context, channels []chatstate.Channel) error {
	return WithTx(ctx, r.db.Conn, func(tx *sql.Tx) error {
		for _, ch := range channels {
			cid := ch.NormalizedCID()
			if cid == "" {
				return fmt.Errorf("insert channel: %w", chatstate.ErrInvalidCID)
			}
			ch.CID = cid
			messages := ch.Messages
			ch.Messages = nil

			data, err := json.Marshal(ch)
			if err != nil {
				return fmt.Errorf("encode channel %s: %w", cid, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO channels (cid, data, last_message_at) VALUES (?, ?, ?)
				ON CONFLICT(cid) DO UPDATE SET data = excluded.data, last_message_at = excluded.last_message_at`,
				cid, string(data), nanos(ch.LastMessageAt)); err != nil {
				return fmt.Errorf("insert channel %s: %w", cid, err)
			}

			for i := range messages {
				if messages[i].CID == "" {
					messages[i].CID = cid
				}
			}
			if err := insertMessages(ctx, tx, messages); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) SelectChannel(ctx context.Context, cid string) (chatstate.Channel, bool, error) {
	channels, err := r.SelectChannels(ctx, []string{cid}, 0)
	if err != nil || len(channels) == 0 {
		return chatstate.Channel{}, false, err
	}
	return channels[0], true, nil
}

// SelectChannels returns the stored channels among cids in the order of
// cids, each with its latest messageLimit messages (all when messageLimit is
// not positive).
func (r *Repository) SelectChannels(ctx context.Context, cids []string, messageLimit int) ([]chatstate.Channel, error) {
	if len(cids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cids)), ",")
	args := make([]any, len(cids))
	for i, cid := range cids {
		args[i] = cid
	}

	rows, err := r.db.Conn.QueryContext(ctx,
		"SELECT cid, data FROM channels WHERE cid IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("select channels: %w", err)
	}
	defer rows.Close()

	found := make(map[string]chatstate.Channel, len(cids))
	for rows.Next() {
		var cid, data string
		if err := rows.Scan(&cid, &data); err != nil {
			return nil, err
		}
		var ch chatstate.Channel
		if err := json.Unmarshal([]byte(data), &ch); err != nil {
			return nil, fmt.Errorf("decode channel %s: %w", cid, err)
		}
		found[cid] = ch
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]chatstate.Channel, 0, len(found))
	for _, cid := range cids {
		ch, ok := found[cid]
		if !ok {
			continue
		}
		ch.Messages, err = r.SelectMessages(ctx, cid, chatstate.MessageRange{Limit: messageLimit})
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// DeleteChannel removes a channel and its messages.
func (r *Repository) DeleteChannel(ctx context.Context, cid string) error {
	return WithTx(ctx, r.db.Conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE cid = ?", cid); err != nil {
			return fmt.Errorf("delete messages of %s: %w", cid, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM channels WHERE cid = ?", cid); err != nil {
			return fmt.Errorf("delete channel %s: %w", cid, err)
		}
		return nil
	})
}

// ── Messages ─────────────────────────────────────────────

func (r *Repository) InsertMessages(ctx context.Context, messages []chatstate.Message) error {
	return WithTx(ctx, r.db.Conn, func(tx *sql.Tx) error {
		return insertMessages(ctx, tx, messages)
	})
}

func insertMessages(ctx context.Context, q querier, messages []chatstate.Message) error {
	for _, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO messages (id, cid, created_at, data) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET cid = excluded.cid, created_at = excluded.created_at, data = excluded.data`,
			m.ID, m.CID, nanos(m.CreatedTime()), string(data)); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return nil
}

func (r *Repository) SelectMessage(ctx context.Context, id string) (chatstate.Message, bool, error) {
	var data string
	err := r.db.Conn.QueryRowContext(ctx, "SELECT data FROM messages WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return chatstate.Message{}, false, nil
	}
	if err != nil {
		return chatstate.Message{}, false, fmt.Errorf("select message: %w", err)
	}
	var m chatstate.Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return chatstate.Message{}, false, fmt.Errorf("decode message %s: %w", id, err)
	}
	return m, true, nil
}

// SelectMessages returns messages in ascending creation order. With only
// After set the oldest matches are returned; otherwise the newest.
func (r *Repository) SelectMessages(ctx context.Context, cid string, rng chatstate.MessageRange) ([]chatstate.Message, error) {
	query := "SELECT data FROM messages WHERE cid = ?"
	args := []any{cid}
	if !rng.Before.IsZero() {
		query += " AND created_at < ?"
		args = append(args, rng.Before.UnixNano())
	}
	if !rng.After.IsZero() {
		query += " AND created_at > ?"
		args = append(args, rng.After.UnixNano())
	}
	oldestFirst := !rng.After.IsZero() && rng.Before.IsZero()
	if oldestFirst {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	if rng.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, rng.Limit)
	}

	rows, err := r.db.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []chatstate.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m chatstate.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !oldestFirst {
		slices.Reverse(out)
	}
	return out, nil
}

func (r *Repository) DeleteMessage(ctx context.Context, id string) error {
	if _, err := r.db.Conn.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}

// ── Outbox ───────────────────────────────────────────────

func (r *Repository) Enqueue(ctx context.Context, op chatstate.OutboxOp) error {
	if op.Status == "" {
		op.Status = chatstate.OutboxPending
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	msg, err := json.Marshal(op.Message)
	if err != nil {
		return fmt.Errorf("encode outbox message: %w", err)
	}
	_, err = r.db.Conn.ExecContext(ctx, `
		INSERT INTO outbox (id, cid, message, status, retries, max_retries, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			message = excluded.message, status = excluded.status, retries = excluded.retries,
			max_retries = excluded.max_retries, error = excluded.error`,
		op.ID, op.CID, string(msg), op.Status, op.Retries, op.MaxRetries, op.Error, op.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", op.ID, err)
	}
	return nil
}

func (r *Repository) DequeueReady(ctx context.Context, limit int) ([]chatstate.OutboxOp, error) {
	query := `
		SELECT id, cid, message, status, retries, max_retries, error, created_at
		FROM outbox
		WHERE status = ? AND retries < max_retries
		ORDER BY created_at ASC`
	args := []any{chatstate.OutboxPending}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dequeue outbox: %w", err)
	}
	defer rows.Close()

	var ops []chatstate.OutboxOp
	for rows.Next() {
		var (
			op      chatstate.OutboxOp
			msg     string
			created int64
		)
		if err := rows.Scan(&op.ID, &op.CID, &msg, &op.Status, &op.Retries, &op.MaxRetries, &op.Error, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(msg), &op.Message); err != nil {
			return nil, fmt.Errorf("decode outbox message %s: %w", op.ID, err)
		}
		op.CreatedAt = time.Unix(0, created)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (r *Repository) Ack(ctx context.Context, id string) error {
	if _, err := r.db.Conn.ExecContext(ctx, "DELETE FROM outbox WHERE id = ?", id); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// Nack records a failed attempt; reaching max_retries marks the op failed.
func (r *Repository) Nack(ctx context.Context, id, errMsg string, retries int) error {
	_, err := r.db.Conn.ExecContext(ctx, `
		UPDATE outbox SET retries = ?, error = ?,
			status = CASE WHEN ? >= max_retries THEN ? ELSE status END
		WHERE id = ?`,
		retries, errMsg, retries, chatstate.OutboxFailed, id)
	if err != nil {
		return fmt.Errorf("nack %s: %w", id, err)
	}
	return nil
}

func (r *Repository) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.Conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox WHERE status = ?", chatstate.OutboxPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}
