package chatstate

// EventHandlingResult tells a channel list what to do with an event.
type EventHandlingResult int

const (
	// EventSkip leaves list membership unchanged.
	EventSkip EventHandlingResult = iota
	// EventAdd adds the channel carried by the event.
	EventAdd
	// EventWatchAndAdd watches the channel, then adds it if it matches the filter.
	EventWatchAndAdd
	// EventRemove removes the channel from the list.
	EventRemove
)

func (r EventHandlingResult) String() string {
	switch r {
	case EventAdd:
		return "add"
	case EventWatchAndAdd:
		return "watch_and_add"
	case EventRemove:
		return "remove"
	default:
		return "skip"
	}
}

// ChatEventHandler decides how an event changes the membership of a channel
// list. cached is the list's current copy of the channel, nil when the
// channel is not in the list.
type ChatEventHandler interface {
	HandleChatEvent(ev Event, filter Filter, cached *Channel) EventHandlingResult
}

// ChatEventHandlerFunc adapts a function to ChatEventHandler.
type ChatEventHandlerFunc func(ev Event, filter Filter, cached *Channel) EventHandlingResult

func (f ChatEventHandlerFunc) HandleChatEvent(ev Event, filter Filter, cached *Channel) EventHandlingResult {
	return f(ev, filter, cached)
}

// DefaultChatEventHandler adds channels the current user joins or receives
// messages in when they match the filter. It removes channels that are
// deleted or left or no longer match, and hidden channels unless the filter
// asks for them.
type DefaultChatEventHandler struct {
	CurrentUserID string
}

func (h DefaultChatEventHandler) HandleChatEvent(ev Event, filter Filter, cached *Channel) EventHandlingResult {
	switch e := ev.(type) {
	case *NotificationAddedToChannelEvent:
		if cached == nil && filter.Matches(e.Channel.normalize()) {
			return EventAdd
		}

	case *NotificationMessageNewEvent:
		if cached == nil && filter.Matches(e.Channel.normalize()) {
			return EventAdd
		}

	case *NewMessageEvent:
		if cached == nil {
			return EventWatchAndAdd
		}

	case *ChannelVisibleEvent:
		if cached == nil {
			return EventWatchAndAdd
		}

	case *ChannelUpdatedEvent:
		matches := filter.Matches(e.Channel.normalize())
		switch {
		case cached == nil && matches:
			return EventAdd
		case cached != nil && !matches:
			return EventRemove
		}

	case *ChannelDeletedEvent, *NotificationRemovedFromChannelEvent:
		if cached != nil {
			return EventRemove
		}

	case *ChannelHiddenEvent:
		if cached != nil {
			hidden := *cached
			hidden.Hidden = true
			if !filter.HasField("hidden") || !filter.Matches(hidden) {
				return EventRemove
			}
		}

	case *MemberEvent:
		if cached != nil && e.Type() == EventMemberRemoved && h.isCurrentUser(e) {
			return EventRemove
		}
	}
	return EventSkip
}

func (h DefaultChatEventHandler) isCurrentUser(e *MemberEvent) bool {
	if h.CurrentUserID == "" {
		return false
	}
	return e.Member.User.ID == h.CurrentUserID || e.User.ID == h.CurrentUserID
}
