package chatstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStateLogic(channelState func(cid string) *ChannelMutableState) *QueryChannelsStateLogic {
	return newQueryChannelsStateLogic(newQueryChannelsMutableState(myChannels, nil), channelState)
}

func member(id string, joined time.Duration) Member {
	return Member{User: User{ID: id}, CreatedAt: testEpoch.Add(joined)}
}

func memberIDs(members []Member) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.User.ID
	}
	return out
}

func TestChannelsStateDataKinds(t *testing.T) {
	l := newTestStateLogic(nil)
	data := l.State().ChannelsStateData()
	assert.Equal(t, ChannelsNoQueryActive, data.Value().Kind)

	l.SetCurrentRequest(QueryChannelsRequest{Filter: myChannels, Limit: 10})
	assert.Equal(t, ChannelsLoading, data.Value().Kind)
	assert.Nil(t, l.State().Channels().Value())

	l.InitializeChannelsIfNeeded()
	assert.Equal(t, ChannelsOfflineNoResults, data.Value().Kind)
	assert.NotNil(t, l.GetChannels())

	l.AddChannelsState([]Channel{testChannel("a", 1, "me"), testChannel("b", 2, "me")})
	assert.Equal(t, ChannelsResult, data.Value().Kind)
	assert.Equal(t, []string{"messaging:b", "messaging:a"}, cids(data.Value().Channels))

	l.RemoveChannels("messaging:a", "messaging:b")
	assert.Equal(t, ChannelsOfflineNoResults, data.Value().Kind)
	assert.Empty(t, l.GetQuerySpecs().CIDs)
}

func TestInitializeChannelsKeepsExisting(t *testing.T) {
	l := newTestStateLogic(nil)
	l.AddChannelsState([]Channel{testChannel("a", 1, "me")})
	l.InitializeChannelsIfNeeded()
	assert.Len(t, l.GetChannels(), 1)
}

func TestChannelsStateDataSubscription(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	l := newTestStateLogic(nil)
	updates := l.State().ChannelsStateData().Subscribe(ctx)
	require.Equal(t, ChannelsNoQueryActive, (<-updates).Kind)

	l.AddChannelsState([]Channel{testChannel("a", 1, "me")})
	for data := range updates {
		if data.Kind == ChannelsResult {
			assert.Equal(t, []string{"messaging:a"}, cids(data.Channels))
			return
		}
	}
	t.Fatal("no result published")
}

func TestChannelsOffsetNeverNegative(t *testing.T) {
	l := newTestStateLogic(nil)
	l.SetChannelsOffset(4)
	l.IncrementChannelsOffset(3)
	assert.Equal(t, 7, l.GetChannelsOffset())
	l.IncrementChannelsOffset(-10)
	assert.Equal(t, 0, l.GetChannelsOffset())
	l.SetChannelsOffset(-1)
	assert.Equal(t, 0, l.GetChannelsOffset())
}

func TestQuerySpecTracksChannels(t *testing.T) {
	l := newTestStateLogic(nil)
	l.AddChannelsState([]Channel{testChannel("a", 1, "me"), testChannel("b", 2, "me")})
	l.AddChannelsState([]Channel{testChannel("a", 3, "me"), testChannel("c", 4, "me")})
	l.RemoveChannels("messaging:b")

	spec := l.GetQuerySpecs()
	assert.Equal(t, []string{"messaging:a", "messaging:c"}, spec.CIDs)
	assert.Equal(t, l.State().ID(), spec.ID())

	// Returned specs are copies.
	spec.CIDs[0] = "mutated"
	assert.Equal(t, "messaging:a", l.GetQuerySpecs().CIDs[0])
}

func TestAddChannelsStateIgnoresChannelsWithoutCID(t *testing.T) {
	l := newTestStateLogic(nil)
	l.AddChannelsState([]Channel{{ChannelData: ChannelData{Name: "nameless"}}})
	assert.Empty(t, l.GetChannels())
	assert.Empty(t, l.GetQuerySpecs().CIDs)
}

func TestRemoveChannelsBeforeAnswerIsNoop(t *testing.T) {
	l := newTestStateLogic(nil)
	l.RemoveChannels("messaging:a")
	assert.Nil(t, l.GetChannels())
	assert.Equal(t, ChannelsNoQueryActive, l.State().ChannelsStateData().Value().Kind)
}

func TestRefreshChannelsFromLiveState(t *testing.T) {
	live := newTestChannelState("me")
	live.SetChannelData(ChannelData{Name: "renamed", LastMessageAt: testEpoch.Add(time.Hour)})
	live.UpsertMessage(msg("live", "bob", testEpoch.Add(time.Hour)))

	l := newTestStateLogic(func(cid string) *ChannelMutableState {
		if cid == live.CID() {
			return live
		}
		return nil
	})
	l.AddChannelsState([]Channel{testChannel("general", 1, "me"), testChannel("other", 2, "me")})
	require.Equal(t, []string{"messaging:other", "messaging:general"}, l.State().CIDs())

	l.RefreshChannels("messaging:general", "messaging:other", "messaging:absent")

	got := l.GetChannels()
	require.Len(t, got, 2)
	assert.Equal(t, "renamed", got["messaging:general"].Name)
	assert.Equal(t, []string{"live"}, messageIDs(got["messaging:general"].Messages))
	assert.Equal(t, "other", got["messaging:other"].Name)
	assert.Equal(t, []string{"messaging:general", "messaging:other"}, l.State().CIDs())

	live.SetChannelData(ChannelData{Name: "again"})
	l.RefreshAllChannels()
	assert.Equal(t, "again", l.GetChannels()["messaging:general"].Name)
}

func TestLoadingFlags(t *testing.T) {
	l := newTestStateLogic(nil)
	assert.False(t, l.IsLoading())
	l.SetLoadingMore(true)
	assert.True(t, l.IsLoading())
	assert.True(t, l.IsLoadingMore())
	assert.False(t, l.IsLoadingFirstPage())
	l.SetLoadingMore(false)
	l.SetLoadingFirstPage(true)
	assert.True(t, l.IsLoading())

	_, ok := l.GetCurrentRequest()
	assert.False(t, ok)
	l.SetCurrentRequest(QueryChannelsRequest{Limit: 7})
	req, ok := l.GetCurrentRequest()
	require.True(t, ok)
	assert.Equal(t, 7, req.Limit)
}

// ── Merge policies ───────────────────────────────────────

func TestMergeMessages(t *testing.T) {
	edited := msg("m2", "bob", testEpoch.Add(time.Minute))
	edited.Text = "edited"
	edited.UpdatedAt = testEpoch.Add(time.Hour)

	stale := msg("m2", "bob", testEpoch.Add(time.Minute))
	stale.Text = "stale"
	stale.UpdatedAt = testEpoch

	old := []Message{msg("m1", "bob", testEpoch), edited}
	incoming := []Message{stale, msg("m3", "bob", testEpoch.Add(2*time.Minute))}

	got := mergeMessages(old, incoming)
	assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(got))
	assert.Equal(t, "edited", got[1].Text)

	// On a tie the incoming copy wins.
	tie := msg("m1", "bob", testEpoch)
	tie.Text = "tie"
	got = mergeMessages(got, []Message{tie})
	assert.Equal(t, "tie", got[0].Text)
}

func TestMergeMembersBoundedByCount(t *testing.T) {
	old := []Member{member("a", 0), member("b", time.Minute), member("c", 2*time.Minute)}
	incoming := []Member{member("d", 3*time.Minute), member("b", time.Minute)}

	assert.Equal(t, []string{"a", "b", "c", "d"}, memberIDs(mergeMembers(old, incoming, 10)))
	assert.Equal(t, []string{"a", "b", "c", "d"}, memberIDs(mergeMembers(old, incoming, 0)))

	// The union would exceed the count, so the incoming page wins.
	assert.Equal(t, []string{"b", "d"}, memberIDs(mergeMembers(old, incoming, 3)))

	// Never more than memberCount.
	assert.Equal(t, []string{"b"}, memberIDs(mergeMembers(old, incoming, 1)))
}

func TestMergeReadsKeepsLatest(t *testing.T) {
	old := []ChannelUserRead{
		{User: User{ID: "bob"}, LastRead: testEpoch.Add(time.Hour), UnreadMessages: 0},
		{User: User{ID: "amy"}, LastRead: testEpoch},
	}
	incoming := []ChannelUserRead{
		{User: User{ID: "bob"}, LastRead: testEpoch, UnreadMessages: 5},
		{User: User{ID: "amy"}, LastRead: testEpoch.Add(time.Minute), UnreadMessages: 1},
	}

	got := mergeReads(old, incoming)
	require.Len(t, got, 2)
	assert.Equal(t, "amy", got[0].User.ID)
	assert.Equal(t, 1, got[0].UnreadMessages)
	assert.Equal(t, 0, got[1].UnreadMessages)
	assert.Equal(t, testEpoch.Add(time.Hour), got[1].LastRead)
}

func TestMergeChannel(t *testing.T) {
	old := testChannel("a", 10, "me", "bob")
	old.Name = "newer name"
	old.MemberCount = 3
	old.UpdatedAt = testEpoch.Add(time.Hour)
	old.Watchers = []User{{ID: "bob"}}
	old.Membership = &Member{User: User{ID: "me"}}

	incoming := testChannel("a", 5, "carol")
	incoming.Name = "older name"
	incoming.MemberCount = 3
	incoming.Messages = []Message{msg("late", "carol", testEpoch.Add(20*time.Minute))}

	got := mergeChannel(old, incoming)
	assert.Equal(t, "newer name", got.Name)
	assert.Equal(t, testEpoch.Add(10*time.Minute), got.LastMessageAt)
	assert.Equal(t, []string{"a-m1", "late"}, messageIDs(got.Messages))
	assert.Equal(t, []string{"bob", "carol", "me"}, memberIDs(got.Members))
	assert.Equal(t, []User{{ID: "bob"}}, got.Watchers)
	require.NotNil(t, got.Membership)
	assert.Equal(t, "me", got.Membership.User.ID)

	// Newer scalar data from the incoming side wins.
	incoming.UpdatedAt = testEpoch.Add(2 * time.Hour)
	got = mergeChannel(old, incoming)
	assert.Equal(t, "older name", got.Name)
	assert.Equal(t, testEpoch.Add(10*time.Minute), got.LastMessageAt)
}

func TestAddChannelsStateIsOrderIndependent(t *testing.T) {
	fromQuery := testChannel("a", 1, "me")
	fromQuery.UpdatedAt = testEpoch.Add(time.Minute)
	fromQuery.Read = []ChannelUserRead{{User: User{ID: "me"}, LastRead: testEpoch}}

	fromEvent := testChannel("a", 30, "me", "bob")
	fromEvent.Name = "renamed"
	fromEvent.UpdatedAt = testEpoch.Add(30 * time.Minute)
	fromEvent.Messages = []Message{msg("a-m2", "bob", testEpoch.Add(30*time.Minute))}
	fromEvent.Read = []ChannelUserRead{{User: User{ID: "me"}, LastRead: testEpoch.Add(time.Hour)}}

	forward := newTestStateLogic(nil)
	forward.AddChannelsState([]Channel{fromQuery})
	forward.AddChannelsState([]Channel{fromEvent})

	backward := newTestStateLogic(nil)
	backward.AddChannelsState([]Channel{fromEvent})
	backward.AddChannelsState([]Channel{fromQuery})

	a := forward.GetChannels()["messaging:a"]
	b := backward.GetChannels()["messaging:a"]
	assert.Equal(t, a, b)
	assert.Equal(t, "renamed", a.Name)
	assert.Equal(t, []string{"a-m1", "a-m2"}, messageIDs(a.Messages))
	assert.Equal(t, []string{"bob", "me"}, memberIDs(a.Members))
	assert.Equal(t, testEpoch.Add(time.Hour), a.Read[0].LastRead)
}
