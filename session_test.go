package chatstate

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, api ChatAPI, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithClock(fixedClock(testEpoch)), WithLogger(zerolog.Nop())}, opts...)
	s := NewSession(User{ID: "me", Name: "Me"}, api, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSessionDefaults(t *testing.T) {
	s := newTestSession(t, newFakeAPI())
	assert.Equal(t, "me", s.User().ID)
	assert.Equal(t, DefaultConfig(), s.Config())
	assert.True(t, s.Sync().IsOnline())
	assert.NotNil(t, s.States())
	assert.IsType(t, &MemoryRepository{}, s.repo)
}

func TestNewSessionFillsConfigDefaults(t *testing.T) {
	s := newTestSession(t, newFakeAPI(), WithConfig(Config{QueryLimit: 5}))
	assert.Equal(t, 5, s.Config().QueryLimit)
	assert.Equal(t, DefaultMessageLimit, s.Config().MessageLimit)
	assert.Equal(t, DefaultOutboxRetryLimit, s.Config().OutboxRetryLimit)
}

func TestSessionQueryChannelsIsShared(t *testing.T) {
	s := newTestSession(t, newFakeAPI())
	a := s.QueryChannels(In("members", "me"), nil)
	b := s.QueryChannels(In("members", "me"), nil)
	c := s.QueryChannels(In("members", "bob"), nil)
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	_, err := s.Channel("nope")
	assert.ErrorIs(t, err, ErrInvalidCID)
}

func TestSessionAppliesEvents(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(testChannels(3)...)
	s := newTestSession(t, api)
	q := s.QueryChannels(myChannels, nil)
	require.NoError(t, q.QueryFirstPage(ctx, 10))
	require.Equal(t, []string{"messaging:c00", "messaging:c01", "messaging:c02"}, cids(q.State().Channels().Value()))

	s.HandleEvent(ctx, &NewMessageEvent{
		ChannelEventBase: channelEvent(EventMessageNew, "messaging:c02", testEpoch.Add(time.Hour)),
		Message:          msg("late", "bob", testEpoch.Add(time.Hour)),
	})

	assert.Equal(t, []string{"messaging:c02", "messaging:c00", "messaging:c01"}, cids(q.State().Channels().Value()))
	cl, err := s.Channel("messaging:c02")
	require.NoError(t, err)
	assert.Contains(t, messageIDs(cl.State().Messages().Value()), "late")

	cached, ok, err := s.repo.SelectMessage(ctx, "late")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "messaging:c02", cached.CID)
}

func TestSessionFollowsConnectionEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, newFakeAPI())

	s.HandleEvent(ctx, &DisconnectedEvent{BaseEvent: BaseEvent{EventType: EventConnectionDisconnected}})
	assert.False(t, s.Sync().IsOnline())

	s.HandleEvent(ctx, &ConnectedEvent{BaseEvent: BaseEvent{EventType: EventConnectionConnected}})
	assert.True(t, s.Sync().IsOnline())
	settle(s)
}

func TestSessionWithRepositoryAndHandler(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	skip := ChatEventHandlerFunc(func(Event, Filter, *Channel) EventHandlingResult { return EventSkip })
	api := newFakeAPI(testChannel("general", 1, "me"))
	s := newTestSession(t, api, WithRepository(repo), WithChatEventHandler(skip))

	q := s.QueryChannels(myChannels, nil)
	require.NoError(t, q.QueryFirstPage(ctx, 10))

	added := testChannel("added", 5, "me")
	s.HandleEvent(ctx, &NotificationAddedToChannelEvent{
		ChannelEventBase: channelEvent(EventNotificationAddedToChannel, added.CID, testEpoch),
		Channel:          added,
	})
	assert.Equal(t, []string{generalCID}, cids(q.State().Channels().Value()))

	spec, ok, err := repo.SelectQuerySpec(ctx, q.State().ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{generalCID}, spec.CIDs)
}

func TestSessionClose(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(testChannel("general", 1, "me"))
	s := newTestSession(t, api)
	q := s.QueryChannels(myChannels, nil)
	require.NoError(t, q.QueryFirstPage(ctx, 10))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Channel(generalCID)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.SendMessage(ctx, generalCID, Message{Text: "late"})
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.ConnectRealtime(ctx, RealtimeConfig{URL: "http://localhost:0"})
	assert.ErrorIs(t, err, ErrSessionClosed)

	assert.NotPanics(t, func() {
		s.HandleEvent(ctx, &NewMessageEvent{ChannelEventBase: channelEvent(EventMessageNew, generalCID, testEpoch)})
	})
	assert.Nil(t, s.QueryChannels(myChannels, nil))
	assert.Empty(t, s.States().ChannelStates())
	assert.Empty(t, s.States().QueryStates())
}
