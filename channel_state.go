package chatstate

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// ChannelMutableState is the observable mirror of one channel. Raw maps are
// never modified in place: every mutator swaps in a new map and recomputes the
// derived views (visible messages, typing, unread count) from it.
type ChannelMutableState struct {
	channelType       string
	channelID         string
	cid               string
	currentUserID     string
	readSkewTolerance time.Duration
	now               func() time.Time

	mu sync.Mutex // serializes writers

	rawMessages *StateFlow[map[string]Message]
	rawMembers  *StateFlow[map[string]Member]
	rawWatchers *StateFlow[map[string]User]
	rawReads    *StateFlow[map[string]ChannelUserRead]
	rawTyping   *StateFlow[map[string]TypingEvent]
	users       *StateFlow[map[string]User]

	channelData        *StateFlow[ChannelData]
	membersCount       *StateFlow[int]
	watcherCount       *StateFlow[int]
	hidden             *StateFlow[bool]
	muted              *StateFlow[bool]
	hideMessagesBefore *StateFlow[time.Time]

	endOfOlderMessages   *StateFlow[bool]
	endOfNewerMessages   *StateFlow[bool]
	loadingOlderMessages *StateFlow[bool]
	loadingNewerMessages *StateFlow[bool]
	loading              *StateFlow[bool]
	recoveryNeeded       *StateFlow[bool]

	messages    *StateFlow[[]Message]
	members     *StateFlow[[]Member]
	watchers    *StateFlow[[]User]
	reads       *StateFlow[[]ChannelUserRead]
	read        *StateFlow[*ChannelUserRead]
	unreadCount *StateFlow[int]
	typing      *StateFlow[Typing]
}

func newChannelMutableState(channelType, channelID, currentUserID string, cfg Config, now func() time.Time) *ChannelMutableState {
	if now == nil {
		now = time.Now
	}
	cid := CID(channelType, channelID)
	return &ChannelMutableState{
		channelType:       channelType,
		channelID:         channelID,
		cid:               cid,
		currentUserID:     currentUserID,
		readSkewTolerance: cfg.withDefaults().ReadSkewTolerance,
		now:               now,

		rawMessages: NewStateFlow(map[string]Message{}),
		rawMembers:  NewStateFlow(map[string]Member{}),
		rawWatchers: NewStateFlow(map[string]User{}),
		rawReads:    NewStateFlow(map[string]ChannelUserRead{}),
		rawTyping:   NewStateFlow(map[string]TypingEvent{}),
		users:       NewStateFlow(map[string]User{}),

		channelData:        NewStateFlow(ChannelData{Type: channelType, ID: channelID, CID: cid}),
		membersCount:       NewStateFlow(0),
		watcherCount:       NewStateFlow(0),
		hidden:             NewStateFlow(false),
		muted:              NewStateFlow(false),
		hideMessagesBefore: NewStateFlow(time.Time{}),

		endOfOlderMessages:   NewStateFlow(false),
		endOfNewerMessages:   NewStateFlow(true),
		loadingOlderMessages: NewStateFlow(false),
		loadingNewerMessages: NewStateFlow(false),
		loading:              NewStateFlow(false),
		recoveryNeeded:       NewStateFlow(false),

		messages:    NewStateFlow([]Message{}),
		members:     NewStateFlow([]Member{}),
		watchers:    NewStateFlow([]User{}),
		reads:       NewStateFlow([]ChannelUserRead{}),
		read:        NewStateFlow[*ChannelUserRead](nil),
		unreadCount: NewStateFlow(0),
		typing:      NewStateFlow(Typing{CID: cid, Users: []User{}}),
	}
}

// ── Accessors ────────────────────────────────────────────

func (s *ChannelMutableState) CID() string         { return s.cid }
func (s *ChannelMutableState) ChannelType() string { return s.channelType }
func (s *ChannelMutableState) ChannelID() string   { return s.channelID }

// Messages is the sorted list of visible messages.
func (s *ChannelMutableState) Messages() Observable[[]Message]           { return s.messages }
func (s *ChannelMutableState) Members() Observable[[]Member]             { return s.members }
func (s *ChannelMutableState) Watchers() Observable[[]User]              { return s.watchers }
func (s *ChannelMutableState) Reads() Observable[[]ChannelUserRead]      { return s.reads }
func (s *ChannelMutableState) Read() Observable[*ChannelUserRead]        { return s.read }
func (s *ChannelMutableState) UnreadCount() Observable[int]              { return s.unreadCount }
func (s *ChannelMutableState) Typing() Observable[Typing]                { return s.typing }
func (s *ChannelMutableState) ChannelData() Observable[ChannelData]      { return s.channelData }
func (s *ChannelMutableState) MembersCount() Observable[int]             { return s.membersCount }
func (s *ChannelMutableState) WatcherCount() Observable[int]             { return s.watcherCount }
func (s *ChannelMutableState) Hidden() Observable[bool]                  { return s.hidden }
func (s *ChannelMutableState) Muted() Observable[bool]                   { return s.muted }
func (s *ChannelMutableState) HideMessagesBefore() Observable[time.Time] { return s.hideMessagesBefore }
func (s *ChannelMutableState) EndOfOlderMessages() Observable[bool]      { return s.endOfOlderMessages }
func (s *ChannelMutableState) EndOfNewerMessages() Observable[bool]      { return s.endOfNewerMessages }
func (s *ChannelMutableState) LoadingOlderMessages() Observable[bool]    { return s.loadingOlderMessages }
func (s *ChannelMutableState) LoadingNewerMessages() Observable[bool]    { return s.loadingNewerMessages }
func (s *ChannelMutableState) Loading() Observable[bool]                 { return s.loading }
func (s *ChannelMutableState) RecoveryNeeded() Observable[bool]          { return s.recoveryNeeded }

// Message returns a message by id, visible or not.
func (s *ChannelMutableState) Message(id string) (Message, bool) {
	m, ok := s.rawMessages.Value()[id]
	return m, ok
}

// RawMessageCount returns the number of known messages, visible or not.
func (s *ChannelMutableState) RawMessageCount() int {
	return len(s.rawMessages.Value())
}

// ── Messages ─────────────────────────────────────────────

func (s *ChannelMutableState) UpsertMessage(m Message) {
	s.UpsertMessages([]Message{m})
}

// UpsertMessages inserts or replaces messages by id. An incoming copy with an
// older UpdatedAt than the stored one is ignored so that replays converge.
func (s *ChannelMutableState) UpsertMessages(messages []Message) {
	if len(messages) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.rawMessages.Value())
	for _, m := range messages {
		existing, ok := next[m.ID]
		if ok && !m.UpdatedAt.IsZero() && m.UpdatedAt.Before(existing.UpdatedAt) {
			continue
		}
		next[m.ID] = s.normalizeMessage(m, existing, ok)
	}
	s.rawMessages.Set(next)
	s.recomputeMessages()
}

// SetMessages replaces every known message.
func (s *ChannelMutableState) SetMessages(messages []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.rawMessages.Value()
	next := make(map[string]Message, len(messages))
	for _, m := range messages {
		existing, ok := prev[m.ID]
		next[m.ID] = s.normalizeMessage(m, existing, ok)
	}
	s.rawMessages.Set(next)
	s.recomputeMessages()
}

func (s *ChannelMutableState) DeleteMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.rawMessages.Value()
	if _, ok := prev[id]; !ok {
		return
	}
	next := maps.Clone(prev)
	delete(next, id)
	s.rawMessages.Set(next)
	s.recomputeMessages()
}

// RemoveMessagesBefore drops every message created at or before date and
// optionally inserts the system message announcing the truncation.
func (s *ChannelMutableState) RemoveMessagesBefore(date time.Time, systemMessage *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Message)
	for id, m := range s.rawMessages.Value() {
		if m.CreatedTime().After(date) {
			next[id] = m
		}
	}
	if systemMessage != nil {
		next[systemMessage.ID] = s.normalizeMessage(*systemMessage, Message{}, false)
	}
	s.rawMessages.Set(next)
	s.recomputeMessages()
}

func (s *ChannelMutableState) normalizeMessage(m, existing Message, exists bool) Message {
	if m.CID == "" {
		m.CID = s.cid
	}
	if m.CreatedLocallyAt.IsZero() && exists {
		m.CreatedLocallyAt = existing.CreatedLocallyAt
	}
	if m.CreatedAt.IsZero() && m.CreatedLocallyAt.IsZero() {
		m.CreatedLocallyAt = s.now()
	}
	return m
}

func (s *ChannelMutableState) isVisible(m Message, cutoff time.Time) bool {
	if m.Shadowed && m.User.ID != s.currentUserID {
		return false
	}
	if m.IsThreadReply() {
		return false
	}
	if !cutoff.IsZero() && !m.CreatedTime().After(cutoff) {
		return false
	}
	return true
}

func (s *ChannelMutableState) recomputeMessages() {
	raw := s.rawMessages.Value()
	users := s.users.Value()
	cutoff := s.hideMessagesBefore.Value()

	out := make([]Message, 0, len(raw))
	for _, m := range raw {
		if !s.isVisible(m, cutoff) {
			continue
		}
		if u, ok := users[m.User.ID]; ok {
			m.User = u
		}
		out = append(out, m)
	}
	slices.SortFunc(out, compareMessages)
	s.messages.Set(out)
}

func compareMessages(a, b Message) int {
	if c := a.CreatedTime().Compare(b.CreatedTime()); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// ── Members and watchers ─────────────────────────────────

func (s *ChannelMutableState) UpsertMembers(members []Member) {
	if len(members) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.rawMembers.Value())
	for _, m := range members {
		next[m.User.ID] = m
	}
	s.rawMembers.Set(next)
	s.recomputeMembers()
}

// MergeMembers folds a partial member list into the known members using
// mergeMembers, so the result stays within memberCount.
func (s *ChannelMutableState) MergeMembers(members []Member, memberCount int) {
	if len(members) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := mergeMembers(slices.Collect(maps.Values(s.rawMembers.Value())), members, memberCount)
	next := make(map[string]Member, len(merged))
	for _, m := range merged {
		next[m.User.ID] = m
	}
	s.rawMembers.Set(next)
	s.recomputeMembers()
}

func (s *ChannelMutableState) UpsertMember(m Member) {
	s.UpsertMembers([]Member{m})
}

// SetMembers replaces the member map.
func (s *ChannelMutableState) SetMembers(members []Member) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Member, len(members))
	for _, m := range members {
		next[m.User.ID] = m
	}
	s.rawMembers.Set(next)
	s.recomputeMembers()
}

func (s *ChannelMutableState) DeleteMember(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.rawMembers.Value()
	if _, ok := prev[userID]; !ok {
		return
	}
	next := maps.Clone(prev)
	delete(next, userID)
	s.rawMembers.Set(next)
	s.recomputeMembers()
}

// HasMember reports whether userID is a known member.
func (s *ChannelMutableState) HasMember(userID string) bool {
	_, ok := s.rawMembers.Value()[userID]
	return ok
}

func (s *ChannelMutableState) SetMembersCount(n int) {
	s.membersCount.Set(max(n, 0))
}

func (s *ChannelMutableState) recomputeMembers() {
	users := s.users.Value()
	out := make([]Member, 0, len(s.rawMembers.Value()))
	for _, m := range s.rawMembers.Value() {
		if u, ok := users[m.User.ID]; ok {
			m.User = u
		}
		out = append(out, m)
	}
	slices.SortFunc(out, compareMembers)
	s.members.Set(out)
}

func (s *ChannelMutableState) UpsertWatchers(watchers []User) {
	if len(watchers) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.rawWatchers.Value())
	for _, u := range watchers {
		next[u.ID] = u
	}
	s.rawWatchers.Set(next)
	s.recomputeWatchers()
}

// SetWatchers replaces the watcher map.
func (s *ChannelMutableState) SetWatchers(watchers []User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]User, len(watchers))
	for _, u := range watchers {
		next[u.ID] = u
	}
	s.rawWatchers.Set(next)
	s.recomputeWatchers()
}

func (s *ChannelMutableState) DeleteWatcher(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.rawWatchers.Value()
	if _, ok := prev[userID]; !ok {
		return
	}
	next := maps.Clone(prev)
	delete(next, userID)
	s.rawWatchers.Set(next)
	s.recomputeWatchers()
}

func (s *ChannelMutableState) SetWatcherCount(n int) {
	s.watcherCount.Set(max(n, 0))
}

func (s *ChannelMutableState) recomputeWatchers() {
	users := s.users.Value()
	out := make([]User, 0, len(s.rawWatchers.Value()))
	for id, u := range s.rawWatchers.Value() {
		if latest, ok := users[id]; ok {
			u = latest
		}
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b User) int { return strings.Compare(a.ID, b.ID) })
	s.watchers.Set(out)
}

// ── Reads ────────────────────────────────────────────────

func (s *ChannelMutableState) UpsertRead(r ChannelUserRead) {
	s.UpsertReads([]ChannelUserRead{r})
}

// UpsertReads merges incoming read positions. When a local read for the same
// user exists, an incoming one whose LastRead is older than the local LastRead
// by more than the skew tolerance is rejected and the local state is kept.
func (s *ChannelMutableState) UpsertReads(reads []ChannelUserRead) {
	if len(reads) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.rawReads.Value())
	changed := false
	for _, r := range reads {
		if local, ok := next[r.User.ID]; ok && !s.acceptRead(local, r) {
			continue
		}
		next[r.User.ID] = r
		changed = true
	}
	if !changed {
		return
	}
	s.rawReads.Set(next)
	s.recomputeReads()
}

func (s *ChannelMutableState) acceptRead(local, incoming ChannelUserRead) bool {
	return !incoming.LastRead.Before(local.LastRead.Add(-s.readSkewTolerance))
}

// IncrementUnreadCount bumps the current user's unread counter for a message
// received at the given time.
func (s *ChannelMutableState) IncrementUnreadCount(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.rawReads.Value())
	r, ok := next[s.currentUserID]
	if !ok {
		r = ChannelUserRead{User: User{ID: s.currentUserID}}
	}
	r.UnreadMessages++
	if at.After(r.LastReceivedEventDate) {
		r.LastReceivedEventDate = at
	}
	next[s.currentUserID] = r
	s.rawReads.Set(next)
	s.recomputeReads()
}

// MarkRead records that the current user has read everything up to now. It
// reports whether anything changed.
func (s *ChannelMutableState) MarkRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastID string
	if msgs := s.messages.Value(); len(msgs) > 0 {
		lastID = msgs[len(msgs)-1].ID
	}

	next := maps.Clone(s.rawReads.Value())
	r, ok := next[s.currentUserID]
	if ok && r.UnreadMessages == 0 && r.LastReadMessageID == lastID {
		return false
	}
	if !ok {
		r = ChannelUserRead{User: User{ID: s.currentUserID}}
	}
	r.LastRead = s.now()
	r.UnreadMessages = 0
	r.LastReadMessageID = lastID
	next[s.currentUserID] = r
	s.rawReads.Set(next)
	s.recomputeReads()
	return true
}

func (s *ChannelMutableState) recomputeReads() {
	users := s.users.Value()
	raw := s.rawReads.Value()

	out := make([]ChannelUserRead, 0, len(raw))
	for id, r := range raw {
		if u, ok := users[id]; ok {
			r.User = u
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b ChannelUserRead) int { return strings.Compare(a.User.ID, b.User.ID) })
	s.reads.Set(out)

	if own, ok := raw[s.currentUserID]; ok {
		s.read.Set(&own)
		s.unreadCount.Set(own.UnreadMessages)
	} else {
		s.read.Set(nil)
		s.unreadCount.Set(0)
	}
}

// ── Typing ───────────────────────────────────────────────

// UpdateTypingEvents replaces the typing map, keyed by user id.
func (s *ChannelMutableState) UpdateTypingEvents(events map[string]TypingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawTyping.Set(maps.Clone(events))
	s.recomputeTyping()
}

// TypingEvents returns the raw typing map. Callers must not modify it.
func (s *ChannelMutableState) TypingEvents() map[string]TypingEvent {
	return s.rawTyping.Value()
}

func (s *ChannelMutableState) recomputeTyping() {
	users := s.users.Value()
	events := make([]TypingEvent, 0, len(s.rawTyping.Value()))
	for id, ev := range s.rawTyping.Value() {
		if id == s.currentUserID {
			continue
		}
		events = append(events, ev)
	}
	slices.SortFunc(events, func(a, b TypingEvent) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.User.ID, b.User.ID)
	})

	out := make([]User, len(events))
	for i, ev := range events {
		out[i] = ev.User
		if u, ok := users[ev.User.ID]; ok {
			out[i] = u
		}
	}
	s.typing.Set(Typing{CID: s.cid, Users: out})
}

// ── Users ────────────────────────────────────────────────

// UpsertUsers records the latest known version of users; every view that
// shows a user picks it up.
func (s *ChannelMutableState) UpsertUsers(users []User) {
	if len(users) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.users.Value())
	for _, u := range users {
		next[u.ID] = u
	}
	s.users.Set(next)

	s.recomputeMessages()
	s.recomputeMembers()
	s.recomputeWatchers()
	s.recomputeReads()
	s.recomputeTyping()
}

// ── Channel data and flags ───────────────────────────────

// SetChannelData replaces the scalar channel fields. Capabilities and the
// creator are kept when the update omits them. A payload updated before the
// stored data is ignored, and LastMessageAt never moves backwards.
func (s *ChannelMutableState) SetChannelData(d ChannelData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.channelData.Value()
	if !d.UpdatedAt.IsZero() && d.UpdatedAt.Before(prev.UpdatedAt) {
		prev.LastMessageAt = laterTime(prev.LastMessageAt, d.LastMessageAt)
		s.channelData.Set(prev)
		return
	}
	d.Type, d.ID, d.CID = s.channelType, s.channelID, s.cid
	d.LastMessageAt = laterTime(prev.LastMessageAt, d.LastMessageAt)
	if len(d.OwnCapabilities) == 0 {
		d.OwnCapabilities = prev.OwnCapabilities
	}
	if d.CreatedBy == nil {
		d.CreatedBy = prev.CreatedBy
	}
	s.channelData.Set(d)
}

// SetLastMessageAt moves the channel's last activity forward.
func (s *ChannelMutableState) SetLastMessageAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelData.Update(func(d ChannelData) ChannelData {
		if t.After(d.LastMessageAt) {
			d.LastMessageAt = t
		}
		return d
	})
}

func (s *ChannelMutableState) SetHidden(hidden bool) { s.hidden.Set(hidden) }
func (s *ChannelMutableState) SetMuted(muted bool)   { s.muted.Set(muted) }

// SetHideMessagesBefore hides every message created at or before t.
func (s *ChannelMutableState) SetHideMessagesBefore(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hideMessagesBefore.Set(t)
	s.recomputeMessages()
}

func (s *ChannelMutableState) SetEndOfOlderMessages(v bool)   { s.endOfOlderMessages.Set(v) }
func (s *ChannelMutableState) SetEndOfNewerMessages(v bool)   { s.endOfNewerMessages.Set(v) }
func (s *ChannelMutableState) SetLoadingOlderMessages(v bool) { s.loadingOlderMessages.Set(v) }
func (s *ChannelMutableState) SetLoadingNewerMessages(v bool) { s.loadingNewerMessages.Set(v) }
func (s *ChannelMutableState) SetLoading(v bool)              { s.loading.Set(v) }
func (s *ChannelMutableState) SetRecoveryNeeded(v bool)       { s.recoveryNeeded.Set(v) }

// tryBegin sets flag to true unless it already is, reporting whether it did.
func (s *ChannelMutableState) tryBegin(flag *StateFlow[bool]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flag.Value() {
		return false
	}
	flag.Set(true)
	return true
}

// ── Snapshot ─────────────────────────────────────────────

// ToChannel builds a channel snapshot from the current state.
func (s *ChannelMutableState) ToChannel() Channel {
	d := s.channelData.Value()
	d.MemberCount = s.membersCount.Value()

	messages := slices.Clone(s.messages.Value())
	if n := len(messages); n > 0 {
		if last := messages[n-1].CreatedTime(); last.After(d.LastMessageAt) {
			d.LastMessageAt = last
		}
	}

	var membership *Member
	if m, ok := s.rawMembers.Value()[s.currentUserID]; ok {
		membership = &m
	}

	return Channel{
		ChannelData:          d,
		Messages:             messages,
		Members:              slices.Clone(s.members.Value()),
		Membership:           membership,
		Watchers:             slices.Clone(s.watchers.Value()),
		WatcherCount:         s.watcherCount.Value(),
		Read:                 slices.Clone(s.reads.Value()),
		Hidden:               s.hidden.Value(),
		HiddenMessagesBefore: s.hideMessagesBefore.Value(),
		Muted:                s.muted.Value(),
	}
}

// compareMembers orders members by join time, then user id.
func compareMembers(a, b Member) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.User.ID, b.User.ID)
}

func laterTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func oldestMessage(messages []Message) (Message, bool) {
	if len(messages) == 0 {
		return Message{}, false
	}
	return slices.MinFunc(messages, compareMessages), true
}

func newestMessage(messages []Message) (Message, bool) {
	if len(messages) == 0 {
		return Message{}, false
	}
	return slices.MaxFunc(messages, compareMessages), true
}
