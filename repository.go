package chatstate

import (
	"context"
	"time"
)

// Repository is the local cache behind the state layer.
type Repository interface {
	QuerySpecRepository
	ChannelRepository
	MessageRepository
	OutboxRepository
}

// QuerySpecRepository stores the channel membership of list queries.
type QuerySpecRepository interface {
	InsertQuerySpec(ctx context.Context, spec QueryChannelsSpec) error
	// SelectQuerySpec returns found == false when the query was never stored.
	SelectQuerySpec(ctx context.Context, id string) (spec QueryChannelsSpec, found bool, err error)
}

type ChannelRepository interface {
	InsertChannels(ctx context.Context, channels []Channel) error
	SelectChannel(ctx context.Context, cid string) (Channel, bool, error)
	// SelectChannels returns the stored channels among cids, each with its
	// latest messageLimit messages attached. Unknown cids are skipped.
	SelectChannels(ctx context.Context, cids []string, messageLimit int) ([]Channel, error)
	DeleteChannel(ctx context.Context, cid string) error
}

// MessageRange selects a window of a channel's messages. A zero Before or
// After leaves that side open.
type MessageRange struct {
	Before time.Time
	After  time.Time
	Limit  int
}

type MessageRepository interface {
	InsertMessages(ctx context.Context, messages []Message) error
	SelectMessage(ctx context.Context, id string) (Message, bool, error)
	// SelectMessages returns messages in ascending creation order. With only
	// After set, the oldest matches are returned; otherwise the newest.
	SelectMessages(ctx context.Context, cid string, r MessageRange) ([]Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// Outbox statuses.
const (
	OutboxPending = "pending"
	OutboxFailed  = "failed"
)

// OutboxOp is a message send queued while offline or not yet confirmed.
type OutboxOp struct {
	ID         string    `json:"id"`
	CID        string    `json:"cid"`
	Message    Message   `json:"message"`
	Status     string    `json:"status"`
	Retries    int       `json:"retries"`
	MaxRetries int       `json:"max_retries"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, op OutboxOp) error
	// DequeueReady returns pending operations, oldest first, without removing them.
	DequeueReady(ctx context.Context, limit int) ([]OutboxOp, error)
	Ack(ctx context.Context, id string) error
	// Nack records a failed attempt; reaching MaxRetries marks the op failed.
	Nack(ctx context.Context, id, errMsg string, retries int) error
	PendingCount(ctx context.Context) (int, error)
}
