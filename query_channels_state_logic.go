package chatstate

import (
	"maps"
	"slices"
	"strings"
)

// QueryChannelsStateLogic holds the state transitions of a channel list query.
// Every method is a single locked mutation of QueryChannelsMutableState.
type QueryChannelsStateLogic struct {
	state *QueryChannelsMutableState
	// channelState returns the live state of a channel, or nil when none exists.
	channelState func(cid string) *ChannelMutableState
}

func newQueryChannelsStateLogic(state *QueryChannelsMutableState, channelState func(cid string) *ChannelMutableState) *QueryChannelsStateLogic {
	if channelState == nil {
		channelState = func(string) *ChannelMutableState { return nil }
	}
	return &QueryChannelsStateLogic{state: state, channelState: channelState}
}

func (l *QueryChannelsStateLogic) State() *QueryChannelsMutableState {
	return l.state
}

// ── Offset ───────────────────────────────────────────────

func (l *QueryChannelsStateLogic) GetChannelsOffset() int {
	return l.state.offset.Value()
}

func (l *QueryChannelsStateLogic) SetChannelsOffset(offset int) {
	l.state.mutate(func() { l.state.offset.Set(max(offset, 0)) })
}

func (l *QueryChannelsStateLogic) IncrementChannelsOffset(n int) {
	l.state.mutate(func() { l.state.offset.Update(func(o int) int { return max(o+n, 0) }) })
}

// ── Flags ────────────────────────────────────────────────

func (l *QueryChannelsStateLogic) IsLoading() bool {
	return l.state.loading.Value() || l.state.loadingMore.Value()
}

func (l *QueryChannelsStateLogic) IsLoadingFirstPage() bool { return l.state.loading.Value() }
func (l *QueryChannelsStateLogic) IsLoadingMore() bool      { return l.state.loadingMore.Value() }

func (l *QueryChannelsStateLogic) SetLoadingFirstPage(v bool) {
	l.state.mutate(func() { l.state.loading.Set(v) })
}

func (l *QueryChannelsStateLogic) SetLoadingMore(v bool) {
	l.state.mutate(func() { l.state.loadingMore.Set(v) })
}

func (l *QueryChannelsStateLogic) SetEndOfChannels(v bool) {
	l.state.mutate(func() { l.state.endOfChannels.Set(v) })
}

func (l *QueryChannelsStateLogic) IsRecoveryNeeded() bool {
	return l.state.recoveryNeeded.Value()
}

func (l *QueryChannelsStateLogic) SetRecoveryNeeded(v bool) {
	l.state.mutate(func() { l.state.recoveryNeeded.Set(v) })
}

func (l *QueryChannelsStateLogic) SetCurrentRequest(req QueryChannelsRequest) {
	l.state.mutate(func() { l.state.currentRequest.Set(&req) })
}

// GetCurrentRequest returns the last issued request, if any.
func (l *QueryChannelsStateLogic) GetCurrentRequest() (QueryChannelsRequest, bool) {
	req := l.state.currentRequest.Value()
	if req == nil {
		return QueryChannelsRequest{}, false
	}
	return *req, true
}

// ── Channels ─────────────────────────────────────────────

// GetQuerySpecs returns the query's identity and its current cids.
func (l *QueryChannelsStateLogic) GetQuerySpecs() QueryChannelsSpec {
	spec := l.state.spec.Value()
	spec.CIDs = slices.Clone(spec.CIDs)
	return spec
}

// GetChannels returns the raw channel map, nil when the query has no answer yet.
func (l *QueryChannelsStateLogic) GetChannels() map[string]Channel {
	return l.state.rawChannels.Value()
}

// InitializeChannelsIfNeeded turns a never-loaded list into an empty one.
func (l *QueryChannelsStateLogic) InitializeChannelsIfNeeded() {
	l.state.mutate(func() {
		if l.state.rawChannels.Value() == nil {
			l.state.rawChannels.Set(map[string]Channel{})
		}
	})
}

// AddChannelsState merges channels into the list. A channel already present
// is merged with mergeChannel, so the order in which query results and
// events arrive does not change the outcome.
func (l *QueryChannelsStateLogic) AddChannelsState(channels []Channel) {
	s := l.state
	s.mutate(func() {
		next := maps.Clone(s.rawChannels.Value())
		if next == nil {
			next = make(map[string]Channel, len(channels))
		}
		cids := make([]string, 0, len(channels))
		for _, ch := range channels {
			ch = ch.normalize()
			if ch.CID == "" {
				continue
			}
			if old, ok := next[ch.CID]; ok {
				ch = mergeChannel(old, ch)
			}
			next[ch.CID] = ch
			cids = append(cids, ch.CID)
		}
		s.rawChannels.Set(next)
		s.spec.Update(func(sp QueryChannelsSpec) QueryChannelsSpec { return sp.withCIDs(cids...) })
	})
}

// RemoveChannels drops cids from the list and the query spec.
func (l *QueryChannelsStateLogic) RemoveChannels(cids ...string) {
	s := l.state
	s.mutate(func() {
		raw := s.rawChannels.Value()
		if raw == nil {
			return
		}
		next := maps.Clone(raw)
		for _, cid := range cids {
			delete(next, cid)
		}
		s.rawChannels.Set(next)
		s.spec.Update(func(sp QueryChannelsSpec) QueryChannelsSpec { return sp.withoutCIDs(cids...) })
	})
}

// RefreshChannels replaces the listed channels with snapshots of their live
// channel state. Cids not in the list are ignored.
func (l *QueryChannelsStateLogic) RefreshChannels(cids ...string) {
	s := l.state
	s.mutate(func() {
		raw := s.rawChannels.Value()
		if raw == nil {
			return
		}
		next := maps.Clone(raw)
		for _, cid := range cids {
			if _, ok := next[cid]; !ok {
				continue
			}
			if cs := l.channelState(cid); cs != nil {
				next[cid] = cs.ToChannel()
			}
		}
		s.rawChannels.Set(next)
	})
}

// RefreshAllChannels refreshes every channel in the list.
func (l *QueryChannelsStateLogic) RefreshAllChannels() {
	l.RefreshChannels(slices.Collect(maps.Keys(l.state.rawChannels.Value()))...)
}

// ── Merge policies ───────────────────────────────────────

// mergeChannel combines a stored channel with a newer payload for it.
// Scalar data follows the more recently updated side, messages and reads are
// unions, and members follow mergeMembers.
func mergeChannel(old, incoming Channel) Channel {
	out := incoming
	if incoming.UpdatedAt.Before(old.UpdatedAt) {
		out.ChannelData = old.ChannelData
	}
	out.LastMessageAt = laterTime(old.LastMessageAt, incoming.LastMessageAt)

	out.Messages = mergeMessages(old.Messages, incoming.Messages)
	out.Members = mergeMembers(old.Members, incoming.Members, out.MemberCount)
	out.Read = mergeReads(old.Read, incoming.Read)
	if len(incoming.Watchers) == 0 {
		out.Watchers = old.Watchers
	}
	if incoming.Membership == nil {
		out.Membership = old.Membership
	}
	return out
}

// mergeMessages returns the union of both lists by id, sorted by creation.
// For an id present in both, the copy updated last wins, the incoming one on a tie.
func mergeMessages(old, incoming []Message) []Message {
	byID := make(map[string]Message, len(old)+len(incoming))
	for _, m := range old {
		byID[m.ID] = m
	}
	for _, m := range incoming {
		if prev, ok := byID[m.ID]; ok && m.UpdatedAt.Before(prev.UpdatedAt) {
			continue
		}
		byID[m.ID] = m
	}
	out := slices.Collect(maps.Values(byID))
	slices.SortFunc(out, compareMessages)
	return out
}

// mergeMembers returns the union of both lists by user id unless it holds
// more members than memberCount, in which case the incoming list wins. The
// result never exceeds a positive memberCount.
func mergeMembers(old, incoming []Member, memberCount int) []Member {
	byUser := make(map[string]Member, len(old)+len(incoming))
	for _, list := range [][]Member{old, incoming} {
		for _, m := range list {
			byUser[m.User.ID] = m
		}
	}

	if memberCount > 0 && len(byUser) > memberCount {
		out := slices.Clone(incoming)
		slices.SortFunc(out, compareMembers)
		if len(out) > memberCount {
			out = out[:memberCount]
		}
		return out
	}

	out := slices.Collect(maps.Values(byUser))
	slices.SortFunc(out, compareMembers)
	return out
}

// mergeReads keeps, per user, the read with the later LastRead.
func mergeReads(old, incoming []ChannelUserRead) []ChannelUserRead {
	byUser := make(map[string]ChannelUserRead, len(old)+len(incoming))
	for _, list := range [][]ChannelUserRead{old, incoming} {
		for _, r := range list {
			if prev, ok := byUser[r.User.ID]; ok && r.LastRead.Before(prev.LastRead) {
				continue
			}
			byUser[r.User.ID] = r
		}
	}
	out := slices.Collect(maps.Values(byUser))
	slices.SortFunc(out, func(a, b ChannelUserRead) int {
		return strings.Compare(a.User.ID, b.User.ID)
	})
	return out
}
