package chatstate

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types delivered over the realtime connection.
const (
	EventHealthCheck                    = "health.check"
	EventConnectionConnected            = "connection.connected"
	EventConnectionDisconnected         = "connection.disconnected"
	EventMessageNew                     = "message.new"
	EventMessageUpdated                 = "message.updated"
	EventMessageDeleted                 = "message.deleted"
	EventMessageRead                    = "message.read"
	EventNotificationMessageNew         = "notification.message_new"
	EventNotificationMarkRead           = "notification.mark_read"
	EventNotificationAddedToChannel     = "notification.added_to_channel"
	EventNotificationRemovedFromChannel = "notification.removed_from_channel"
	EventNotificationChannelDeleted     = "notification.channel_deleted"
	EventTypingStart                    = "typing.start"
	EventTypingStop                     = "typing.stop"
	EventMemberAdded                    = "member.added"
	EventMemberUpdated                  = "member.updated"
	EventMemberRemoved                  = "member.removed"
	EventChannelUpdated                 = "channel.updated"
	EventChannelDeleted                 = "channel.deleted"
	EventChannelHidden                  = "channel.hidden"
	EventChannelVisible                 = "channel.visible"
	EventChannelTruncated               = "channel.truncated"
	EventUserWatchingStart              = "user.watching.start"
	EventUserWatchingStop               = "user.watching.stop"
	EventUserUpdated                    = "user.updated"
	EventUserPresenceChanged            = "user.presence.changed"
	EventReactionNew                    = "reaction.new"
	EventReactionUpdated                = "reaction.updated"
	EventReactionDeleted                = "reaction.deleted"
)

// Event is a decoded realtime event.
type Event interface {
	Type() string
	Time() time.Time
}

// ChannelEvent is an event scoped to a single channel.
type ChannelEvent interface {
	Event
	ChannelCID() string
}

// Envelope is the wire format for all realtime events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ============================================================================
// Event payload types
// ============================================================================

type BaseEvent struct {
	EventType string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

func (e BaseEvent) Type() string    { return e.EventType }
func (e BaseEvent) Time() time.Time { return e.CreatedAt }

type ChannelEventBase struct {
	BaseEvent
	CID         string `json:"cid"`
	ChannelType string `json:"channel_type,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
}

func (e ChannelEventBase) ChannelCID() string {
	if e.CID != "" {
		return e.CID
	}
	if e.ChannelType != "" && e.ChannelID != "" {
		return CID(e.ChannelType, e.ChannelID)
	}
	return ""
}

// HealthEvent is sent by the server when the connection is established and
// periodically afterwards.
type HealthEvent struct {
	BaseEvent
	ConnectionID string `json:"connection_id"`
	Me           *User  `json:"me,omitempty"`
}

// ConnectedEvent is emitted locally once the realtime connection is up.
type ConnectedEvent struct {
	BaseEvent
	ConnectionID string `json:"connection_id"`
	Me           User   `json:"me"`
}

// DisconnectedEvent is emitted locally when the realtime connection drops.
type DisconnectedEvent struct {
	BaseEvent
	Reason string `json:"reason,omitempty"`
}

type NewMessageEvent struct {
	ChannelEventBase
	User         User    `json:"user"`
	Message      Message `json:"message"`
	WatcherCount int     `json:"watcher_count,omitempty"`
}

type MessageUpdatedEvent struct {
	ChannelEventBase
	User    User    `json:"user"`
	Message Message `json:"message"`
}

type MessageDeletedEvent struct {
	ChannelEventBase
	User       *User   `json:"user,omitempty"`
	Message    Message `json:"message"`
	HardDelete bool    `json:"hard_delete,omitempty"`
}

// MessageReadEvent covers message.read and notification.mark_read.
type MessageReadEvent struct {
	ChannelEventBase
	User              User   `json:"user"`
	LastReadMessageID string `json:"last_read_message_id,omitempty"`
	UnreadMessages    int    `json:"unread_messages,omitempty"`
}

type NotificationMessageNewEvent struct {
	ChannelEventBase
	Channel Channel `json:"channel"`
	Message Message `json:"message"`
}

// TypingEvent covers typing.start and typing.stop.
type TypingEvent struct {
	ChannelEventBase
	User     User   `json:"user"`
	ParentID string `json:"parent_id,omitempty"`
}

// MemberEvent covers member.added, member.updated and member.removed.
type MemberEvent struct {
	ChannelEventBase
	User   User   `json:"user"`
	Member Member `json:"member"`
}

type NotificationAddedToChannelEvent struct {
	ChannelEventBase
	Channel Channel `json:"channel"`
	Member  Member  `json:"member"`
}

type NotificationRemovedFromChannelEvent struct {
	ChannelEventBase
	User    User    `json:"user"`
	Member  Member  `json:"member"`
	Channel Channel `json:"channel"`
}

// ChannelDeletedEvent covers channel.deleted and notification.channel_deleted.
type ChannelDeletedEvent struct {
	ChannelEventBase
	Channel Channel `json:"channel"`
}

type ChannelUpdatedEvent struct {
	ChannelEventBase
	Channel Channel  `json:"channel"`
	User    *User    `json:"user,omitempty"`
	Message *Message `json:"message,omitempty"`
}

type ChannelHiddenEvent struct {
	ChannelEventBase
	User         User `json:"user"`
	ClearHistory bool `json:"clear_history,omitempty"`
}

type ChannelVisibleEvent struct {
	ChannelEventBase
	User User `json:"user"`
}

type ChannelTruncatedEvent struct {
	ChannelEventBase
	Channel Channel  `json:"channel"`
	User    *User    `json:"user,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// WatchingEvent covers user.watching.start and user.watching.stop.
type WatchingEvent struct {
	ChannelEventBase
	User         User `json:"user"`
	WatcherCount int  `json:"watcher_count"`
}

// UserEvent covers user.updated and user.presence.changed.
type UserEvent struct {
	BaseEvent
	User User `json:"user"`
}

// ReactionEvent covers reaction.new, reaction.updated and reaction.deleted.
type ReactionEvent struct {
	ChannelEventBase
	User     User     `json:"user"`
	Message  Message  `json:"message"`
	Reaction Reaction `json:"reaction"`
}

// UnknownEvent carries events this package does not model.
type UnknownEvent struct {
	BaseEvent
	Raw json.RawMessage `json:"-"`
}

// ============================================================================
// Decoding
// ============================================================================

// DecodeEvent converts an envelope into its typed event.
func DecodeEvent(env Envelope) (Event, error) {
	var ev Event
	var err error

	switch env.Type {
	case EventHealthCheck:
		ev, err = decodePayload[HealthEvent](env)
	case EventConnectionConnected:
		ev, err = decodePayload[ConnectedEvent](env)
	case EventConnectionDisconnected:
		ev, err = decodePayload[DisconnectedEvent](env)
	case EventMessageNew:
		ev, err = decodePayload[NewMessageEvent](env)
	case EventMessageUpdated:
		ev, err = decodePayload[MessageUpdatedEvent](env)
	case EventMessageDeleted:
		ev, err = decodePayload[MessageDeletedEvent](env)
	case EventMessageRead, EventNotificationMarkRead:
		ev, err = decodePayload[MessageReadEvent](env)
	case EventNotificationMessageNew:
		ev, err = decodePayload[NotificationMessageNewEvent](env)
	case EventTypingStart, EventTypingStop:
		ev, err = decodePayload[TypingEvent](env)
	case EventMemberAdded, EventMemberUpdated, EventMemberRemoved:
		ev, err = decodePayload[MemberEvent](env)
	case EventNotificationAddedToChannel:
		ev, err = decodePayload[NotificationAddedToChannelEvent](env)
	case EventNotificationRemovedFromChannel:
		ev, err = decodePayload[NotificationRemovedFromChannelEvent](env)
	case EventChannelDeleted, EventNotificationChannelDeleted:
		ev, err = decodePayload[ChannelDeletedEvent](env)
	case EventChannelUpdated:
		ev, err = decodePayload[ChannelUpdatedEvent](env)
	case EventChannelHidden:
		ev, err = decodePayload[ChannelHiddenEvent](env)
	case EventChannelVisible:
		ev, err = decodePayload[ChannelVisibleEvent](env)
	case EventChannelTruncated:
		ev, err = decodePayload[ChannelTruncatedEvent](env)
	case EventUserWatchingStart, EventUserWatchingStop:
		ev, err = decodePayload[WatchingEvent](env)
	case EventUserUpdated, EventUserPresenceChanged:
		ev, err = decodePayload[UserEvent](env)
	case EventReactionNew, EventReactionUpdated, EventReactionDeleted:
		ev, err = decodePayload[ReactionEvent](env)
	default:
		u := &UnknownEvent{Raw: env.Payload}
		if len(env.Payload) > 0 {
			_ = json.Unmarshal(env.Payload, &u.BaseEvent)
		}
		u.EventType = env.Type
		ev = u
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", env.Type, err)
	}
	return ev, nil
}

// eventPointer constrains T so that *T has the event's embedded base.
type eventPointer[T any] interface {
	*T
	Event
	setType(string)
}

func (e *BaseEvent) setType(t string) {
	if e.EventType == "" {
		e.EventType = t
	}
}

func decodePayload[T any, P eventPointer[T]](env Envelope) (Event, error) {
	p := P(new(T))
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, p); err != nil {
			return nil, err
		}
	}
	p.setType(env.Type)
	return p, nil
}

// EncodeEvent wraps an event into its wire envelope.
func EncodeEvent(ev Event) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s event: %w", ev.Type(), err)
	}
	return Envelope{Type: ev.Type(), Payload: payload}, nil
}

// eventCID returns the channel an event is scoped to, if any.
func eventCID(ev Event) string {
	if ce, ok := ev.(ChannelEvent); ok {
		if cid := ce.ChannelCID(); cid != "" {
			return cid
		}
	}
	if ch, ok := eventChannel(ev); ok {
		return ch.NormalizedCID()
	}
	return ""
}

// eventChannel returns the full channel payload carried by an event.
func eventChannel(ev Event) (Channel, bool) {
	switch e := ev.(type) {
	case *NotificationMessageNewEvent:
		return e.Channel, e.Channel.NormalizedCID() != ""
	case *NotificationAddedToChannelEvent:
		return e.Channel, e.Channel.NormalizedCID() != ""
	case *NotificationRemovedFromChannelEvent:
		return e.Channel, e.Channel.NormalizedCID() != ""
	case *ChannelDeletedEvent:
		return e.Channel, e.Channel.NormalizedCID() != ""
	case *ChannelUpdatedEvent:
		return e.Channel, e.Channel.NormalizedCID() != ""
	case *ChannelTruncatedEvent:
		return e.Channel, e.Channel.NormalizedCID() != ""
	}
	return Channel{}, false
}
