package chatstate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestChannelState(currentUserID string) *ChannelMutableState {
	return newChannelMutableState("messaging", "general", currentUserID, DefaultConfig(), fixedClock(testEpoch))
}

func msg(id, userID string, at time.Time) Message {
	return Message{ID: id, Text: id, User: User{ID: userID}, CreatedAt: at}
}

func messageIDs(messages []Message) []string {
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids
}

func TestChannelStateVisibleMessages(t *testing.T) {
	s := newTestChannelState("me")

	shadowedOther := msg("shadow-other", "bob", testEpoch.Add(1*time.Minute))
	shadowedOther.Shadowed = true
	shadowedOwn := msg("shadow-own", "me", testEpoch.Add(2*time.Minute))
	shadowedOwn.Shadowed = true
	reply := msg("reply", "bob", testEpoch.Add(3*time.Minute))
	reply.ParentID = "root"
	shownReply := msg("shown-reply", "bob", testEpoch.Add(4*time.Minute))
	shownReply.ParentID = "root"
	shownReply.ShowInChannel = true

	s.UpsertMessages([]Message{
		msg("root", "bob", testEpoch),
		shadowedOther, shadowedOwn, reply, shownReply,
	})

	require.Equal(t, []string{"root", "shadow-own", "shown-reply"}, messageIDs(s.Messages().Value()))
	require.Equal(t, 5, s.RawMessageCount())

	s.SetHideMessagesBefore(testEpoch.Add(2 * time.Minute))
	require.Equal(t, []string{"shown-reply"}, messageIDs(s.Messages().Value()))

	s.SetHideMessagesBefore(time.Time{})
	require.Len(t, s.Messages().Value(), 3)
}

func TestChannelStateMessagesSortedWithTieBreak(t *testing.T) {
	s := newTestChannelState("me")
	s.UpsertMessages([]Message{
		msg("c", "bob", testEpoch.Add(time.Minute)),
		msg("b", "bob", testEpoch),
		msg("a", "bob", testEpoch),
	})
	require.Equal(t, []string{"a", "b", "c"}, messageIDs(s.Messages().Value()))
}

func TestChannelStateMissingCreatedAtFallsBackToLocalTime(t *testing.T) {
	s := newTestChannelState("me")
	s.UpsertMessage(Message{ID: "local", User: User{ID: "me"}})

	m, ok := s.Message("local")
	require.True(t, ok)
	require.Equal(t, testEpoch, m.CreatedLocallyAt)
	require.Equal(t, "messaging:general", m.CID)
	require.Equal(t, []string{"local"}, messageIDs(s.Messages().Value()))

	// a later clock must not move the locally assigned time
	s.now = fixedClock(testEpoch.Add(time.Hour))
	s.UpsertMessage(Message{ID: "local", Text: "edited", User: User{ID: "me"}})
	m, _ = s.Message("local")
	require.Equal(t, testEpoch, m.CreatedLocallyAt)
	require.Equal(t, "edited", m.Text)
}

func TestChannelStateIgnoresStaleMessageUpdate(t *testing.T) {
	s := newTestChannelState("me")
	newer := msg("m1", "bob", testEpoch)
	newer.Text = "v2"
	newer.UpdatedAt = testEpoch.Add(2 * time.Minute)
	older := msg("m1", "bob", testEpoch)
	older.Text = "v1"
	older.UpdatedAt = testEpoch.Add(time.Minute)

	s.UpsertMessage(newer)
	s.UpsertMessage(older)

	m, _ := s.Message("m1")
	require.Equal(t, "v2", m.Text)
}

func TestChannelStateDeleteAndTruncate(t *testing.T) {
	s := newTestChannelState("me")
	s.UpsertMessages([]Message{
		msg("m1", "bob", testEpoch),
		msg("m2", "bob", testEpoch.Add(time.Minute)),
		msg("m3", "bob", testEpoch.Add(2*time.Minute)),
	})

	s.DeleteMessage("m2")
	require.Equal(t, []string{"m1", "m3"}, messageIDs(s.Messages().Value()))

	system := msg("sys", "", testEpoch.Add(3*time.Minute))
	system.Type = "system"
	s.RemoveMessagesBefore(testEpoch.Add(2*time.Minute), &system)
	require.Equal(t, []string{"sys"}, messageIDs(s.Messages().Value()))
}

func TestChannelStateReadReconciliation(t *testing.T) {
	local := testEpoch
	tests := []struct {
		name     string
		incoming time.Time
		accepted bool
	}{
		{"newer", local.Add(time.Minute), true},
		{"equal", local, true},
		{"older within tolerance", local.Add(-3 * time.Second), true},
		{"older at tolerance edge", local.Add(-DefaultReadSkewTolerance), true},
		{"older outside tolerance", local.Add(-10 * time.Second), false},
		{"much older", local.Add(-time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestChannelState("me")
			s.UpsertRead(ChannelUserRead{User: User{ID: "bob"}, LastRead: local, UnreadMessages: 1})
			s.UpsertRead(ChannelUserRead{User: User{ID: "bob"}, LastRead: tt.incoming, UnreadMessages: 7})

			reads := s.Reads().Value()
			require.Len(t, reads, 1)
			if tt.accepted {
				require.Equal(t, tt.incoming, reads[0].LastRead)
				require.Equal(t, 7, reads[0].UnreadMessages)
			} else {
				require.Equal(t, local, reads[0].LastRead)
				require.Equal(t, 1, reads[0].UnreadMessages)
			}
		})
	}
}

func TestChannelStateUnreadCount(t *testing.T) {
	s := newTestChannelState("me")
	require.Equal(t, 0, s.UnreadCount().Value())
	require.Nil(t, s.Read().Value())

	s.UpsertMessage(msg("m1", "bob", testEpoch))
	s.IncrementUnreadCount(testEpoch)
	s.IncrementUnreadCount(testEpoch.Add(time.Second))
	require.Equal(t, 2, s.UnreadCount().Value())
	require.Equal(t, testEpoch.Add(time.Second), s.Read().Value().LastReceivedEventDate)

	require.True(t, s.MarkRead())
	require.Equal(t, 0, s.UnreadCount().Value())
	require.Equal(t, "m1", s.Read().Value().LastReadMessageID)
	require.False(t, s.MarkRead())
}

func TestChannelStateTypingExcludesCurrentUser(t *testing.T) {
	s := newTestChannelState("me")
	typing := func(userID string, at time.Time) TypingEvent {
		ev := TypingEvent{User: User{ID: userID}}
		ev.EventType = EventTypingStart
		ev.CreatedAt = at
		return ev
	}

	s.UpdateTypingEvents(map[string]TypingEvent{
		"me":    typing("me", testEpoch),
		"carol": typing("carol", testEpoch.Add(time.Second)),
		"bob":   typing("bob", testEpoch),
	})

	got := s.Typing().Value()
	require.Equal(t, "messaging:general", got.CID)
	require.Len(t, got.Users, 2)
	require.Equal(t, "bob", got.Users[0].ID)
	require.Equal(t, "carol", got.Users[1].ID)
	require.Len(t, s.TypingEvents(), 3)
}

func TestChannelStateUpsertUsersRefreshesViews(t *testing.T) {
	s := newTestChannelState("me")
	s.UpsertMessage(msg("m1", "bob", testEpoch))
	s.UpsertMember(Member{User: User{ID: "bob", Name: "Bob"}})

	s.UpsertUsers([]User{{ID: "bob", Name: "Robert"}})

	require.Equal(t, "Robert", s.Messages().Value()[0].User.Name)
	require.Equal(t, "Robert", s.Members().Value()[0].User.Name)
}

func TestChannelStateMembersAndWatchers(t *testing.T) {
	s := newTestChannelState("me")
	s.UpsertMembers([]Member{
		{User: User{ID: "bob"}, CreatedAt: testEpoch.Add(time.Minute)},
		{User: User{ID: "me"}, CreatedAt: testEpoch},
	})
	s.SetMembersCount(2)
	require.Equal(t, "me", s.Members().Value()[0].User.ID)
	require.True(t, s.HasMember("bob"))

	s.DeleteMember("bob")
	require.False(t, s.HasMember("bob"))
	require.Len(t, s.Members().Value(), 1)

	s.UpsertWatchers([]User{{ID: "zed"}, {ID: "amy"}})
	s.SetWatcherCount(2)
	require.Equal(t, "amy", s.Watchers().Value()[0].ID)
	s.DeleteWatcher("amy")
	require.Len(t, s.Watchers().Value(), 1)

	s.SetMembersCount(-4)
	require.Equal(t, 0, s.MembersCount().Value())
}

func TestChannelStateSetChannelDataKeepsCapabilities(t *testing.T) {
	s := newTestChannelState("me")
	s.SetChannelData(ChannelData{Name: "General", OwnCapabilities: []string{"send-message"}})
	s.SetChannelData(ChannelData{Name: "Renamed"})

	d := s.ChannelData().Value()
	require.Equal(t, "Renamed", d.Name)
	require.Equal(t, "messaging:general", d.CID)
	require.Equal(t, []string{"send-message"}, d.OwnCapabilities)
}

func TestChannelStateToChannel(t *testing.T) {
	s := newTestChannelState("me")
	s.SetChannelData(ChannelData{Name: "General", LastMessageAt: testEpoch})
	s.SetMembersCount(2)
	s.UpsertMembers([]Member{{User: User{ID: "me"}}, {User: User{ID: "bob"}}})
	s.UpsertMessage(msg("m1", "bob", testEpoch.Add(time.Hour)))
	s.SetHidden(true)

	ch := s.ToChannel()
	require.Equal(t, "messaging:general", ch.CID)
	require.Equal(t, 2, ch.MemberCount)
	require.Equal(t, testEpoch.Add(time.Hour), ch.LastMessageAt)
	require.NotNil(t, ch.Membership)
	require.True(t, ch.Hidden)
	require.Equal(t, []string{"m1"}, messageIDs(ch.Messages))
}

func TestChannelStateTryBegin(t *testing.T) {
	s := newTestChannelState("me")
	require.True(t, s.tryBegin(s.loadingOlderMessages))
	require.False(t, s.tryBegin(s.loadingOlderMessages))
	s.SetLoadingOlderMessages(false)
	require.True(t, s.tryBegin(s.loadingOlderMessages))
}

func TestChannelStateSetChannelDataIgnoresOlderUpdate(t *testing.T) {
	s := newTestChannelState("me")
	s.SetChannelData(ChannelData{Name: "new", UpdatedAt: testEpoch.Add(time.Hour), LastMessageAt: testEpoch})
	s.SetChannelData(ChannelData{Name: "old", UpdatedAt: testEpoch, LastMessageAt: testEpoch.Add(2 * time.Hour)})

	d := s.ChannelData().Value()
	require.Equal(t, "new", d.Name)
	require.Equal(t, testEpoch.Add(time.Hour), d.UpdatedAt)
	require.Equal(t, testEpoch.Add(2*time.Hour), d.LastMessageAt)
}

func TestChannelStateLastMessageAtConcurrentWrites(t *testing.T) {
	s := newTestChannelState("me")
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.SetLastMessageAt(testEpoch.Add(time.Duration(i) * time.Minute))
		}()
		go func() {
			defer wg.Done()
			s.SetChannelData(ChannelData{Name: "general"})
		}()
	}
	wg.Wait()
	require.Equal(t, testEpoch.Add(49*time.Minute), s.ChannelData().Value().LastMessageAt)
}

func TestChannelStateMergeMembersRespectsCount(t *testing.T) {
	s := newTestChannelState("me")
	s.SetMembers([]Member{{User: User{ID: "me"}}, {User: User{ID: "bob"}}, {User: User{ID: "carl"}}})

	s.MergeMembers([]Member{{User: User{ID: "me"}}, {User: User{ID: "bob"}}}, 2)
	require.Len(t, s.Members().Value(), 2)
	require.False(t, s.HasMember("carl"))

	s.MergeMembers([]Member{{User: User{ID: "amy"}}}, 5)
	require.Len(t, s.Members().Value(), 3)
	require.True(t, s.HasMember("amy"))
}
