package chatstate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrInvalidCID       = errors.New("invalid cid")
	ErrQueryInProgress  = errors.New("query already in progress")
	ErrAlreadyLoading   = errors.New("already loading")
	ErrNotConnected     = errors.New("not connected")
	ErrSessionClosed    = errors.New("session closed")
	ErrChannelNotCached = errors.New("channel not cached")
)

// APIError represents an error response from the chat backend.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return "chat api: " + strconv.Itoa(e.StatusCode) + " (" + strconv.Itoa(e.Code) + "): " + e.Message
}

// Temporary reports whether the request may succeed when retried.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// ============================================================================
// Channel identifiers
// ============================================================================

// CID builds the composite "{type}:{id}" channel identifier.
func CID(channelType, channelID string) string {
	return channelType + ":" + channelID
}

// ParseCID splits a cid into its type and id.
func ParseCID(cid string) (channelType, channelID string, err error) {
	t, id, ok := strings.Cut(cid, ":")
	if !ok || t == "" || id == "" || strings.Contains(id, ":") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidCID, cid)
	}
	return t, id, nil
}

// ============================================================================
// Users and members
// ============================================================================

type User struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Image      string         `json:"image,omitempty"`
	Role       string         `json:"role,omitempty"`
	Online     bool           `json:"online,omitempty"`
	Banned     bool           `json:"banned,omitempty"`
	LastActive time.Time      `json:"last_active,omitzero"`
	ExtraData  map[string]any `json:"extra_data,omitempty"`
}

type Member struct {
	User         User      `json:"user"`
	Role         string    `json:"role,omitempty"`
	ChannelRole  string    `json:"channel_role,omitempty"`
	IsInvited    bool      `json:"invited,omitempty"`
	Banned       bool      `json:"banned,omitempty"`
	ShadowBanned bool      `json:"shadow_banned,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
}

// ChannelUserRead is one user's read position in a channel.
type ChannelUserRead struct {
	User                  User      `json:"user"`
	LastRead              time.Time `json:"last_read"`
	UnreadMessages        int       `json:"unread_messages"`
	LastReadMessageID     string    `json:"last_read_message_id,omitempty"`
	LastReceivedEventDate time.Time `json:"last_received_event_date,omitzero"`
}

// ============================================================================
// Messages
// ============================================================================

// SyncStatus tracks whether a locally known message has reached the backend.
type SyncStatus string

const (
	SyncStatusCompleted         SyncStatus = "completed"
	SyncStatusSyncNeeded        SyncStatus = "sync_needed"
	SyncStatusInProgress        SyncStatus = "in_progress"
	SyncStatusFailedPermanently SyncStatus = "failed_permanently"
)

type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	User      *User     `json:"user,omitempty"`
	Type      string    `json:"type"`
	Score     int       `json:"score,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

type Message struct {
	ID               string         `json:"id"`
	CID              string         `json:"cid"`
	Text             string         `json:"text"`
	Type             string         `json:"type,omitempty"`
	User             User           `json:"user"`
	ParentID         string         `json:"parent_id,omitempty"`
	ShowInChannel    bool           `json:"show_in_channel,omitempty"`
	Shadowed         bool           `json:"shadowed,omitempty"`
	Silent           bool           `json:"silent,omitempty"`
	Pinned           bool           `json:"pinned,omitempty"`
	ReplyCount       int            `json:"reply_count,omitempty"`
	ReactionCounts   map[string]int `json:"reaction_counts,omitempty"`
	LatestReactions  []Reaction     `json:"latest_reactions,omitempty"`
	OwnReactions     []Reaction     `json:"own_reactions,omitempty"`
	CreatedAt        time.Time      `json:"created_at,omitzero"`
	CreatedLocallyAt time.Time      `json:"created_locally_at,omitzero"`
	UpdatedAt        time.Time      `json:"updated_at,omitzero"`
	UpdatedLocallyAt time.Time      `json:"updated_locally_at,omitzero"`
	DeletedAt        time.Time      `json:"deleted_at,omitzero"`
	SyncStatus       SyncStatus     `json:"sync_status,omitempty"`
	ExtraData        map[string]any `json:"extra_data,omitempty"`
}

// CreatedTime returns the server creation time, or the local one when the
// backend has not assigned it yet.
func (m Message) CreatedTime() time.Time {
	if !m.CreatedAt.IsZero() {
		return m.CreatedAt
	}
	return m.CreatedLocallyAt
}

// IsThreadReply reports whether the message only belongs to a thread.
func (m Message) IsThreadReply() bool {
	return m.ParentID != "" && !m.ShowInChannel
}

// IsDeleted reports whether the message was soft deleted.
func (m Message) IsDeleted() bool {
	return !m.DeletedAt.IsZero()
}

// ============================================================================
// Channels
// ============================================================================

// ChannelData holds the scalar fields of a channel.
type ChannelData struct {
	Type            string         `json:"type"`
	ID              string         `json:"id"`
	CID             string         `json:"cid"`
	Name            string         `json:"name,omitempty"`
	Image           string         `json:"image,omitempty"`
	CreatedBy       *User          `json:"created_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at,omitzero"`
	UpdatedAt       time.Time      `json:"updated_at,omitzero"`
	DeletedAt       time.Time      `json:"deleted_at,omitzero"`
	LastMessageAt   time.Time      `json:"last_message_at,omitzero"`
	MemberCount     int            `json:"member_count"`
	Frozen          bool           `json:"frozen,omitempty"`
	Cooldown        int            `json:"cooldown,omitempty"`
	Team            string         `json:"team,omitempty"`
	OwnCapabilities []string       `json:"own_capabilities,omitempty"`
	ExtraData       map[string]any `json:"extra_data,omitempty"`
}

// Channel is a full channel payload as returned by a query.
type Channel struct {
	ChannelData

	Messages             []Message         `json:"messages,omitempty"`
	PinnedMessages       []Message         `json:"pinned_messages,omitempty"`
	Members              []Member          `json:"members,omitempty"`
	Membership           *Member           `json:"membership,omitempty"`
	Watchers             []User            `json:"watchers,omitempty"`
	WatcherCount         int               `json:"watcher_count,omitempty"`
	Read                 []ChannelUserRead `json:"read,omitempty"`
	Hidden               bool              `json:"hidden,omitempty"`
	HiddenMessagesBefore time.Time         `json:"hide_messages_before,omitzero"`
	Muted                bool              `json:"muted,omitempty"`
}

// NormalizedCID fills in CID from Type and ID when it is missing.
func (d ChannelData) NormalizedCID() string {
	if d.CID != "" {
		return d.CID
	}
	if d.Type == "" || d.ID == "" {
		return ""
	}
	return CID(d.Type, d.ID)
}

// LastUpdated is the timestamp used to order channels by activity.
func (d ChannelData) LastUpdated() time.Time {
	if d.LastMessageAt.After(d.CreatedAt) {
		return d.LastMessageAt
	}
	return d.CreatedAt
}

// normalize fills identifiers derived from each other.
func (c Channel) normalize() Channel {
	c.CID = c.NormalizedCID()
	if (c.Type == "" || c.ID == "") && c.CID != "" {
		if t, id, err := ParseCID(c.CID); err == nil {
			c.Type, c.ID = t, id
		}
	}
	for i := range c.Messages {
		if c.Messages[i].CID == "" {
			c.Messages[i].CID = c.CID
		}
	}
	return c
}

// Typing summarizes who is currently typing in a channel.
type Typing struct {
	CID   string `json:"cid"`
	Users []User `json:"users"`
}
