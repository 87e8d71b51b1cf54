package chatstate

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog"
)

// typingTimeout is how long a typing.start stays valid without a refresh.
const typingTimeout = 7 * time.Second

// UpdateOptions controls how a channel payload is folded into state.
type UpdateOptions struct {
	// RefreshMessages replaces the confirmed messages instead of merging.
	RefreshMessages bool

	// MessageLimit is the page size requested; a shorter page marks the end
	// of older messages.
	MessageLimit int

	// ChannelsStateUpdate marks payloads coming from a channel list query,
	// whose member lists are partial and therefore merged.
	ChannelsStateUpdate bool
}

// ChannelLogic applies query results and events to one channel's state and
// runs the channel's own fetches.
type ChannelLogic struct {
	state  *ChannelMutableState
	api    ChatAPI
	repo   Repository
	online func() bool
	cfg    Config
	log    zerolog.Logger
}

func newChannelLogic(state *ChannelMutableState, api ChatAPI, repo Repository, online func() bool, cfg Config, log zerolog.Logger) *ChannelLogic {
	if online == nil {
		online = func() bool { return true }
	}
	return &ChannelLogic{
		state:  state,
		api:    api,
		repo:   repo,
		online: online,
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("cid", state.CID()).Logger(),
	}
}

// State returns the channel's observable state.
func (l *ChannelLogic) State() *ChannelMutableState {
	return l.state
}

// UpdateDataForChannel folds a channel payload into the state.
func (l *ChannelLogic) UpdateDataForChannel(ch Channel, opts UpdateOptions) {
	ch = ch.normalize()
	s := l.state

	s.SetChannelData(ch.ChannelData)
	s.SetMembersCount(ch.MemberCount)
	s.UpsertReads(ch.Read)

	if len(ch.Members) > 0 {
		if opts.ChannelsStateUpdate {
			s.MergeMembers(ch.Members, ch.MemberCount)
		} else {
			s.SetMembers(ch.Members)
		}
	}
	if ch.Membership != nil {
		s.UpsertMember(*ch.Membership)
	}
	if len(ch.Watchers) > 0 {
		s.UpsertWatchers(ch.Watchers)
	}
	if ch.WatcherCount > 0 {
		s.SetWatcherCount(ch.WatcherCount)
	}

	if opts.RefreshMessages {
		s.SetMessages(append(ch.Messages, l.unsyncedMessages()...))
	} else {
		s.UpsertMessages(ch.Messages)
	}
	if opts.MessageLimit > 0 && len(ch.Messages) < opts.MessageLimit {
		s.SetEndOfOlderMessages(true)
	}

	s.SetHidden(ch.Hidden)
	s.SetMuted(ch.Muted)
	if !ch.HiddenMessagesBefore.IsZero() {
		s.SetHideMessagesBefore(ch.HiddenMessagesBefore)
	}
}

// unsyncedMessages returns local messages the backend has not confirmed yet.
func (l *ChannelLogic) unsyncedMessages() []Message {
	var out []Message
	for _, m := range l.state.rawMessages.Value() {
		if m.SyncStatus != "" && m.SyncStatus != SyncStatusCompleted {
			out = append(out, m)
		}
	}
	return out
}

// HandleEvent applies a channel-scoped or user-scoped event.
func (l *ChannelLogic) HandleEvent(ev Event) {
	s := l.state

	switch e := ev.(type) {
	case *NewMessageEvent:
		l.upsertEventMessage(e.Message, e.CreatedAt, true)
		if e.WatcherCount > 0 {
			s.SetWatcherCount(e.WatcherCount)
		}
		s.SetHidden(false)

	case *NotificationMessageNewEvent:
		l.upsertEventMessage(e.Message, e.CreatedAt, true)
		s.SetHidden(false)

	case *MessageUpdatedEvent:
		l.upsertEventMessage(e.Message, e.CreatedAt, false)

	case *MessageDeletedEvent:
		if e.HardDelete {
			s.DeleteMessage(e.Message.ID)
			return
		}
		m := e.Message
		if m.DeletedAt.IsZero() {
			m.DeletedAt = e.CreatedAt
		}
		l.upsertEventMessage(m, e.CreatedAt, false)

	case *ReactionEvent:
		l.upsertEventMessage(e.Message, e.CreatedAt, false)

	case *MessageReadEvent:
		s.UpsertRead(ChannelUserRead{
			User:                  e.User,
			LastRead:              e.CreatedAt,
			UnreadMessages:        e.UnreadMessages,
			LastReadMessageID:     e.LastReadMessageID,
			LastReceivedEventDate: e.CreatedAt,
		})

	case *TypingEvent:
		events := maps.Clone(s.TypingEvents())
		if !e.CreatedAt.IsZero() {
			maps.DeleteFunc(events, func(_ string, t TypingEvent) bool {
				return t.CreatedAt.Before(e.CreatedAt.Add(-typingTimeout))
			})
		}
		if e.Type() == EventTypingStart {
			events[e.User.ID] = *e
		} else {
			delete(events, e.User.ID)
		}
		s.UpdateTypingEvents(events)

	case *MemberEvent:
		userID := e.Member.User.ID
		if userID == "" {
			userID = e.User.ID
		}
		switch e.Type() {
		case EventMemberAdded:
			if !s.HasMember(userID) {
				s.SetMembersCount(s.MembersCount().Value() + 1)
			}
			s.UpsertMember(e.Member)
		case EventMemberUpdated:
			s.UpsertMember(e.Member)
		case EventMemberRemoved:
			if s.HasMember(userID) {
				s.SetMembersCount(s.MembersCount().Value() - 1)
			}
			s.DeleteMember(userID)
		}

	case *NotificationAddedToChannelEvent:
		l.UpdateDataForChannel(e.Channel, UpdateOptions{ChannelsStateUpdate: true})
		if e.Member.User.ID != "" {
			s.UpsertMember(e.Member)
		}

	case *NotificationRemovedFromChannelEvent:
		userID := e.Member.User.ID
		if userID == "" {
			userID = e.User.ID
		}
		if s.HasMember(userID) {
			s.SetMembersCount(s.MembersCount().Value() - 1)
		}
		s.DeleteMember(userID)

	case *ChannelUpdatedEvent:
		s.SetChannelData(e.Channel.ChannelData)
		if e.Channel.MemberCount > 0 {
			s.SetMembersCount(e.Channel.MemberCount)
		}

	case *ChannelDeletedEvent:
		d := s.ChannelData().Value()
		d.DeletedAt = e.Channel.DeletedAt
		if d.DeletedAt.IsZero() {
			d.DeletedAt = e.CreatedAt
		}
		s.SetChannelData(d)

	case *ChannelHiddenEvent:
		s.SetHidden(true)
		if e.ClearHistory {
			s.SetHideMessagesBefore(e.CreatedAt)
		}

	case *ChannelVisibleEvent:
		s.SetHidden(false)

	case *ChannelTruncatedEvent:
		s.RemoveMessagesBefore(e.CreatedAt, e.Message)

	case *WatchingEvent:
		if e.Type() == EventUserWatchingStart {
			s.UpsertWatchers([]User{e.User})
		} else {
			s.DeleteWatcher(e.User.ID)
		}
		s.SetWatcherCount(e.WatcherCount)

	case *UserEvent:
		s.UpsertUsers([]User{e.User})
	}
}

func (l *ChannelLogic) upsertEventMessage(m Message, at time.Time, countUnread bool) {
	s := l.state
	if m.SyncStatus == "" {
		m.SyncStatus = SyncStatusCompleted
	}
	_, known := s.Message(m.ID)
	s.UpsertMessage(m)

	if !m.CreatedAt.IsZero() {
		s.SetLastMessageAt(m.CreatedAt)
	}
	if countUnread && !known && l.countsAsUnread(m) {
		if at.IsZero() {
			at = m.CreatedTime()
		}
		s.IncrementUnreadCount(at)
	}
}

func (l *ChannelLogic) countsAsUnread(m Message) bool {
	s := l.state
	switch {
	case m.User.ID == s.currentUserID:
		return false
	case m.Silent, m.Shadowed, m.IsThreadReply():
		return false
	case s.Muted().Value():
		return false
	}
	if r := s.Read().Value(); r != nil && !m.CreatedTime().After(r.LastRead) {
		return false
	}
	return true
}

// ── Fetching ─────────────────────────────────────────────

// Watch loads the latest page of the channel, from the cache first, then from
// the backend, and subscribes to its events.
func (l *ChannelLogic) Watch(ctx context.Context, messageLimit int) error {
	s := l.state
	if !s.tryBegin(s.loading) {
		return ErrAlreadyLoading
	}
	defer s.SetLoading(false)

	if messageLimit <= 0 {
		messageLimit = l.cfg.MessageLimit
	}

	if cached, ok := l.loadFromCache(ctx, messageLimit); ok {
		l.UpdateDataForChannel(cached, UpdateOptions{})
	}

	if !l.online() {
		s.SetRecoveryNeeded(true)
		l.log.Debug().Msg("offline, watch served from cache")
		return nil
	}

	ch, err := l.api.QueryChannel(ctx, s.CID(), QueryChannelRequest{
		Watch:    true,
		State:    true,
		Presence: true,
		Messages: &MessagePagination{Limit: messageLimit},
		Members:  &MemberPagination{Limit: l.cfg.MemberLimit},
	})
	if err != nil {
		s.SetRecoveryNeeded(true)
		l.log.Warn().Err(err).Msg("watch failed")
		return fmt.Errorf("watch %s: %w", s.CID(), err)
	}

	s.SetRecoveryNeeded(false)
	l.UpdateDataForChannel(ch, UpdateOptions{RefreshMessages: true, MessageLimit: messageLimit})
	s.SetEndOfNewerMessages(true)
	l.store(ctx, ch)
	return nil
}

// LoadOlderMessages fetches the page before the oldest visible message.
func (l *ChannelLogic) LoadOlderMessages(ctx context.Context, limit int) error {
	s := l.state
	if s.EndOfOlderMessages().Value() {
		return nil
	}
	if !s.tryBegin(s.loadingOlderMessages) {
		return ErrAlreadyLoading
	}
	defer s.SetLoadingOlderMessages(false)

	if limit <= 0 {
		limit = l.cfg.MessageLimit
	}
	oldest, hasOldest := oldestMessage(s.Messages().Value())

	if !l.online() {
		rng := MessageRange{Limit: limit}
		if hasOldest {
			rng.Before = oldest.CreatedTime()
		}
		msgs, err := l.repo.SelectMessages(ctx, s.CID(), rng)
		if err != nil {
			return fmt.Errorf("load older messages from cache: %w", err)
		}
		s.UpsertMessages(msgs)
		return nil
	}

	p := &MessagePagination{Limit: limit}
	if hasOldest {
		p.IDLt = oldest.ID
	}
	ch, err := l.api.QueryChannel(ctx, s.CID(), QueryChannelRequest{State: true, Messages: p})
	if err != nil {
		l.log.Warn().Err(err).Msg("load older messages failed")
		return fmt.Errorf("load older messages: %w", err)
	}

	s.UpsertMessages(ch.Messages)
	if len(ch.Messages) < limit {
		s.SetEndOfOlderMessages(true)
	}
	l.storeMessages(ctx, ch.Messages)
	return nil
}

// LoadNewerMessages fetches the page after the newest visible message.
func (l *ChannelLogic) LoadNewerMessages(ctx context.Context, limit int) error {
	s := l.state
	if s.EndOfNewerMessages().Value() {
		return nil
	}
	if !s.tryBegin(s.loadingNewerMessages) {
		return ErrAlreadyLoading
	}
	defer s.SetLoadingNewerMessages(false)

	if limit <= 0 {
		limit = l.cfg.MessageLimit
	}
	newest, hasNewest := newestMessage(s.Messages().Value())

	if !l.online() {
		rng := MessageRange{Limit: limit}
		if hasNewest {
			rng.After = newest.CreatedTime()
		}
		msgs, err := l.repo.SelectMessages(ctx, s.CID(), rng)
		if err != nil {
			return fmt.Errorf("load newer messages from cache: %w", err)
		}
		s.UpsertMessages(msgs)
		return nil
	}

	p := &MessagePagination{Limit: limit}
	if hasNewest {
		p.IDGt = newest.ID
	}
	ch, err := l.api.QueryChannel(ctx, s.CID(), QueryChannelRequest{State: true, Messages: p})
	if err != nil {
		l.log.Warn().Err(err).Msg("load newer messages failed")
		return fmt.Errorf("load newer messages: %w", err)
	}

	s.UpsertMessages(ch.Messages)
	if len(ch.Messages) < limit {
		s.SetEndOfNewerMessages(true)
	}
	l.storeMessages(ctx, ch.Messages)
	return nil
}

// MarkRead marks the channel read locally and, when online, on the backend.
func (l *ChannelLogic) MarkRead(ctx context.Context) error {
	if !l.state.MarkRead() || !l.online() {
		return nil
	}
	if err := l.api.MarkRead(ctx, l.state.CID()); err != nil {
		return fmt.Errorf("mark read %s: %w", l.state.CID(), err)
	}
	return nil
}

func (l *ChannelLogic) loadFromCache(ctx context.Context, messageLimit int) (Channel, bool) {
	channels, err := l.repo.SelectChannels(ctx, []string{l.state.CID()}, messageLimit)
	if err != nil {
		l.log.Warn().Err(err).Msg("read channel from cache")
		return Channel{}, false
	}
	if len(channels) == 0 {
		return Channel{}, false
	}
	return channels[0], true
}

func (l *ChannelLogic) store(ctx context.Context, ch Channel) {
	if err := l.repo.InsertChannels(ctx, []Channel{ch}); err != nil {
		l.log.Warn().Err(err).Msg("cache channel")
	}
}

func (l *ChannelLogic) storeMessages(ctx context.Context, messages []Message) {
	if len(messages) == 0 {
		return
	}
	if err := l.repo.InsertMessages(ctx, messages); err != nil {
		l.log.Warn().Err(err).Msg("cache messages")
	}
}
