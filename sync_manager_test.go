package chatstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// notifications records SyncManager notifications.
type notifications struct {
	mu     sync.Mutex
	events []string
	byName map[string][]any
}

func recordNotifications(m *SyncManager, events ...string) *notifications {
	n := &notifications{byName: make(map[string][]any)}
	for _, ev := range events {
		m.On(ev, func(event string, payload any) {
			n.mu.Lock()
			defer n.mu.Unlock()
			n.events = append(n.events, event)
			n.byName[event] = append(n.byName[event], payload)
		})
	}
	return n
}

func (n *notifications) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func (n *notifications) payloads(event string) []any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]any(nil), n.byName[event]...)
}

const generalCID = "messaging:general"

// settle waits for the background work the session has started so far.
func settle(s *Session) {
	s.sync.wg.Wait()
}

func TestSyncManagerSendMessageDelivers(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(testChannel("general", 1, "me"))
	s := newTestSession(t, api)
	notes := recordNotifications(s.Sync(),
		NotifyMessageLocal, NotifyOutboxSending, NotifyOutboxConfirmed, NotifyMessageConfirmed)

	local, err := s.SendMessage(ctx, generalCID, Message{Text: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, local.ID)
	assert.Equal(t, generalCID, local.CID)
	assert.Equal(t, "me", local.User.ID)
	assert.Equal(t, testEpoch, local.CreatedLocallyAt)
	assert.Equal(t, SyncStatusSyncNeeded, local.SyncStatus)

	settle(s)

	sent := api.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, local.ID, sent[0].ID)
	assert.Equal(t, "hello", sent[0].Text)

	cl, err := s.Channel(generalCID)
	require.NoError(t, err)
	got, ok := cl.State().Message(local.ID)
	require.True(t, ok)
	assert.Equal(t, SyncStatusCompleted, got.SyncStatus)
	assert.Equal(t, testEpoch.Add(time.Second), got.CreatedAt)
	assert.Equal(t, testEpoch, got.CreatedLocallyAt)

	cached, ok, err := s.repo.SelectMessage(ctx, local.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, SyncStatusCompleted, cached.SyncStatus)

	pending, err := s.Sync().OutboxSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	assert.Equal(t, []string{NotifyMessageLocal, NotifyOutboxSending, NotifyOutboxConfirmed, NotifyMessageConfirmed}, notes.names())
	confirmed := notes.payloads(NotifyMessageConfirmed)[0].(Message)
	assert.Equal(t, local.ID, confirmed.ID)
}

func TestSyncManagerQueuesWhileOffline(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(testChannel("general", 1, "me"))
	s := newTestSession(t, api)
	notes := recordNotifications(s.Sync(), NotifyNetworkOffline, NotifyNetworkOnline)

	s.SetOnline(false)
	assert.False(t, s.Sync().IsOnline())

	local, err := s.SendMessage(ctx, generalCID, Message{Text: "later"})
	require.NoError(t, err)
	s.Sync().Flush(ctx)
	assert.Empty(t, api.sentMessages())

	pending, err := s.Sync().OutboxSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// The message is visible locally before it is delivered.
	cl, err := s.Channel(generalCID)
	require.NoError(t, err)
	assert.Equal(t, []string{local.ID}, messageIDs(cl.State().Messages().Value()))

	s.SetOnline(true)
	settle(s)

	require.Len(t, api.sentMessages(), 1)
	pending, err = s.Sync().OutboxSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Equal(t, []string{NotifyNetworkOffline, NotifyNetworkOnline}, notes.names())
}

func TestSyncManagerPermanentFailure(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(testChannel("general", 1, "me"))
	api.sendErr = func(Message) error {
		return &APIError{StatusCode: 400, Code: 4, Message: "text too long"}
	}
	s := newTestSession(t, api)
	notes := recordNotifications(s.Sync(), NotifyOutboxFailed, NotifyMessageFailed)

	local, err := s.SendMessage(ctx, generalCID, Message{Text: "hello"})
	require.NoError(t, err)
	settle(s)

	cl, err := s.Channel(generalCID)
	require.NoError(t, err)
	got, ok := cl.State().Message(local.ID)
	require.True(t, ok)
	assert.Equal(t, SyncStatusFailedPermanently, got.SyncStatus)

	failures := notes.payloads(NotifyMessageFailed)
	require.Len(t, failures, 1)
	failure := failures[0].(OutboxFailure)
	assert.Equal(t, local.ID, failure.MessageID)
	assert.Zero(t, failure.RetriesLeft)
	assert.Contains(t, failure.Err, "text too long")

	pending, err := s.Sync().OutboxSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestSyncManagerTemporaryFailureRetries(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(testChannel("general", 1, "me"))
	api.sendErr = func(Message) error {
		return &APIError{StatusCode: 503, Message: "unavailable"}
	}
	s := newTestSession(t, api)
	notes := recordNotifications(s.Sync(), NotifyOutboxFailed, NotifyMessageFailed)

	local, err := s.SendMessage(ctx, generalCID, Message{Text: "hello"})
	require.NoError(t, err)
	settle(s)

	failures := notes.payloads(NotifyOutboxFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, DefaultOutboxRetryLimit-1, failures[0].(OutboxFailure).RetriesLeft)
	assert.Empty(t, notes.payloads(NotifyMessageFailed))

	cl, err := s.Channel(generalCID)
	require.NoError(t, err)
	got, _ := cl.State().Message(local.ID)
	assert.Equal(t, SyncStatusSyncNeeded, got.SyncStatus)

	api.sendErr = nil
	s.Sync().Flush(ctx)

	got, _ = cl.State().Message(local.ID)
	assert.Equal(t, SyncStatusCompleted, got.SyncStatus)
	assert.Len(t, api.sentMessages(), 1)
}

func TestSyncManagerFlushLoopRetries(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(testChannel("general", 1, "me"))
	attempts := 0
	api.sendErr = func(Message) error {
		attempts++
		if attempts == 1 {
			return errBackendDown
		}
		return nil
	}
	cfg := DefaultConfig()
	cfg.OutboxFlushInterval = 10 * time.Millisecond
	s := newTestSession(t, api, WithConfig(cfg))
	s.Start()

	_, err := s.SendMessage(ctx, generalCID, Message{Text: "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(api.sentMessages()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSyncManagerRecoversStaleState(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(append(testChannels(2), testChannel("general", 1, "bob"))...)
	s := newTestSession(t, api)
	notes := recordNotifications(s.Sync(), NotifySyncStart, NotifySyncComplete, NotifySyncError)

	api.failQueries(func(QueryChannelsRequest) error { return errBackendDown })
	api.channelErr = errBackendDown

	q := s.QueryChannels(myChannels, nil)
	require.ErrorIs(t, q.QueryFirstPage(ctx, 10), errBackendDown)
	cl, err := s.Channel(generalCID)
	require.NoError(t, err)
	require.ErrorIs(t, cl.Watch(ctx, 10), errBackendDown)
	require.True(t, q.StateLogic().IsRecoveryNeeded())
	require.True(t, cl.State().RecoveryNeeded().Value())

	// Still failing: the error is reported and recovery stays pending.
	require.ErrorIs(t, s.Sync().Sync(ctx), errBackendDown)
	assert.True(t, q.StateLogic().IsRecoveryNeeded())
	assert.Len(t, notes.payloads(NotifySyncError), 1)

	api.failQueries(nil)
	api.mu.Lock()
	api.channelErr = nil
	api.mu.Unlock()

	require.NoError(t, s.Sync().Sync(ctx))
	assert.False(t, q.StateLogic().IsRecoveryNeeded())
	assert.False(t, cl.State().RecoveryNeeded().Value())
	assert.Equal(t, []string{"messaging:c00", "messaging:c01"}, cids(q.State().Channels().Value()))

	results := notes.payloads(NotifySyncComplete)
	require.Len(t, results, 1)
	assert.Equal(t, SyncResult{RecoveredQueries: 1, RecoveredChannels: 1}, results[0])

	// Nothing left to recover.
	require.NoError(t, s.Sync().Sync(ctx))
	assert.Equal(t, SyncResult{}, notes.payloads(NotifySyncComplete)[1])
}

func TestSyncManagerSkipsSyncWhileOffline(t *testing.T) {
	s := newTestSession(t, newFakeAPI())
	notes := recordNotifications(s.Sync(), NotifySyncStart)
	s.SetOnline(false)
	require.NoError(t, s.Sync().Sync(context.Background()))
	assert.Empty(t, notes.names())
}

func TestSyncEmitterRecoversPanickingHandler(t *testing.T) {
	s := newTestSession(t, newFakeAPI())
	s.Sync().On(NotifyNetworkOffline, func(string, any) { panic("boom") })
	notes := recordNotifications(s.Sync(), NotifyNetworkOffline)

	assert.NotPanics(t, func() { s.SetOnline(false) })
	assert.Equal(t, []string{NotifyNetworkOffline}, notes.names())

	// Setting the same state again notifies nobody.
	s.SetOnline(false)
	assert.Len(t, notes.names(), 1)
}
