package chatstate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var errBackendDown = errors.New("backend down")

// fakeAPI is an in-memory backend. Channel queries are answered from the
// channels map with the request's filter, sort and window applied.
type fakeAPI struct {
	mu       sync.Mutex
	channels map[string]Channel

	queryErr   func(req QueryChannelsRequest) error
	channelErr error
	sendErr    func(m Message) error

	// block, when set, holds QueryChannels until it is closed; entered
	// receives a value each time a call starts waiting.
	block   chan struct{}
	entered chan struct{}

	queries  []QueryChannelsRequest
	watched  []string
	sent     []Message
	markRead []string
}

func newFakeAPI(channels ...Channel) *fakeAPI {
	f := &fakeAPI{channels: make(map[string]Channel)}
	f.put(channels...)
	return f
}

func (f *fakeAPI) put(channels ...Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range channels {
		ch = ch.normalize()
		f.channels[ch.CID] = ch
	}
}

func (f *fakeAPI) remove(cids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cid := range cids {
		delete(f.channels, cid)
	}
}

func (f *fakeAPI) failQueries(fn func(req QueryChannelsRequest) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErr = fn
}

func (f *fakeAPI) watchedCIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.watched)
}

func (f *fakeAPI) markReadCIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.markRead)
}

func (f *fakeAPI) queryRequests() []QueryChannelsRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.queries)
}

func (f *fakeAPI) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *fakeAPI) sentMessages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

func (f *fakeAPI) QueryChannels(ctx context.Context, req QueryChannelsRequest) ([]Channel, error) {
	f.mu.Lock()
	f.queries = append(f.queries, req)
	block, entered := f.block, f.entered
	f.mu.Unlock()

	if block != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		if err := f.queryErr(req); err != nil {
			return nil, err
		}
	}

	var matched []Channel
	for _, ch := range f.channels {
		if req.Filter.Matches(ch) {
			matched = append(matched, ch)
		}
	}
	req.Sort.orDefault().Sort(matched)

	out := []Channel{}
	if req.Offset < len(matched) {
		end := len(matched)
		if req.Limit > 0 {
			end = min(req.Offset+req.Limit, end)
		}
		out = append(out, matched[req.Offset:end]...)
	}
	return out, nil
}

func (f *fakeAPI) QueryChannel(_ context.Context, cid string, req QueryChannelRequest) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, cid)
	if f.channelErr != nil {
		return Channel{}, f.channelErr
	}
	ch, ok := f.channels[cid]
	if !ok {
		return Channel{}, &APIError{StatusCode: 404, Code: 16, Message: cid}
	}
	msgs := slices.Clone(ch.Messages)
	slices.SortFunc(msgs, compareMessages)
	if p := req.Messages; p != nil {
		if p.IDLt != "" {
			if i := slices.IndexFunc(msgs, func(m Message) bool { return m.ID == p.IDLt }); i >= 0 {
				msgs = msgs[:i]
			}
		}
		if p.IDGt != "" {
			if i := slices.IndexFunc(msgs, func(m Message) bool { return m.ID == p.IDGt }); i >= 0 {
				msgs = msgs[i+1:]
			}
		}
		if p.Limit > 0 && len(msgs) > p.Limit {
			if p.IDGt != "" {
				msgs = msgs[:p.Limit]
			} else {
				msgs = msgs[len(msgs)-p.Limit:]
			}
		}
	}
	ch.Messages = msgs
	return ch, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, cid string, m Message) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(m); err != nil {
			return Message{}, err
		}
	}
	m.CID = cid
	m.CreatedAt = m.CreatedLocallyAt.Add(time.Second)
	m.SyncStatus = ""
	f.sent = append(f.sent, m)
	return m, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, cid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markRead = append(f.markRead, cid)
	return nil
}

var _ ChatAPI = (*fakeAPI)(nil)

// ── Fixtures ─────────────────────────────────────────────

// testChannel returns a messaging channel whose last message is minutes
// after testEpoch, so channels sort by the minutes argument.
func testChannel(id string, minutes int, members ...string) Channel {
	at := testEpoch.Add(time.Duration(minutes) * time.Minute)
	ch := Channel{
		ChannelData: ChannelData{
			Type:          "messaging",
			ID:            id,
			CID:           CID("messaging", id),
			Name:          id,
			CreatedAt:     testEpoch,
			UpdatedAt:     testEpoch,
			LastMessageAt: at,
			MemberCount:   len(members),
		},
		Messages: []Message{{ID: id + "-m1", CID: CID("messaging", id), Text: "hi", User: User{ID: "bob"}, CreatedAt: at}},
	}
	for _, m := range members {
		ch.Members = append(ch.Members, Member{User: User{ID: m}})
	}
	return ch
}

func testChannels(n int) []Channel {
	out := make([]Channel, n)
	for i := range out {
		out[i] = testChannel(fmt.Sprintf("c%02d", i), n-i, "me")
	}
	return out
}

// queryHarness wires the logic objects of one query the way a Session does,
// without the sync manager.
type queryHarness struct {
	api    *fakeAPI
	repo   *MemoryRepository
	states *StateRegistry
	logic  *LogicRegistry
	online bool
	mu     sync.Mutex
}

func newQueryHarness(api *fakeAPI) *queryHarness {
	return newQueryHarnessWithRepo(api, NewMemoryRepository())
}

func newQueryHarnessWithRepo(api *fakeAPI, repo *MemoryRepository) *queryHarness {
	h := &queryHarness{api: api, repo: repo, online: true}
	h.states = NewStateRegistry("me", DefaultConfig(), fixedClock(testEpoch))
	h.logic = newLogicRegistry(h.states, logicRegistryDeps{
		api:     api,
		repo:    h.repo,
		handler: DefaultChatEventHandler{CurrentUserID: "me"},
		online:  h.isOnline,
		cfg:     DefaultConfig(),
		log:     zerolog.Nop(),
	})
	return h
}

func (h *queryHarness) isOnline() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

func (h *queryHarness) setOnline(v bool) {
	h.mu.Lock()
	h.online = v
	h.mu.Unlock()
}

func (h *queryHarness) query(filter Filter) *QueryChannelsLogic {
	return h.logic.QueryChannels(filter, nil)
}

func (h *queryHarness) events() *EventHandler {
	return newEventHandler(h.logic, h.repo, zerolog.Nop())
}

func cids(channels []Channel) []string {
	out := make([]string, len(channels))
	for i, ch := range channels {
		out[i] = ch.NormalizedCID()
	}
	return out
}
