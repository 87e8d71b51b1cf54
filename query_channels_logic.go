package chatstate

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/rs/zerolog"

	"github.com/Prismer-AI/chatstate/internal/fsm"
)

// QueryState is the lifecycle state of a channel list query.
type QueryState int

const (
	QueryIdle QueryState = iota
	QueryLoadingFirstPage
	QueryLoadingMore
	QueryPopulated
	QueryEmpty
	QueryFailed
)

func (s QueryState) String() string {
	switch s {
	case QueryIdle:
		return "idle"
	case QueryLoadingFirstPage:
		return "loading_first_page"
	case QueryLoadingMore:
		return "loading_more"
	case QueryPopulated:
		return "populated"
	case QueryEmpty:
		return "empty"
	case QueryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s QueryState) loading() bool {
	return s == QueryLoadingFirstPage || s == QueryLoadingMore
}

type queryEventKind int

const (
	queryStartFirstPage queryEventKind = iota
	queryStartLoadMore
	queryPageLoaded
	queryPageFailed
)

type queryEvent struct {
	kind queryEventKind
	// total is the number of channels in the list after a loaded page.
	total int
}

// QueryChannelsLogic runs a channel list query: cache first, then network,
// then reconciliation of the new first page against the channels already
// known. Concurrent requests for the same query are rejected, not raced.
type QueryChannelsLogic struct {
	state      *QueryChannelsMutableState
	stateLogic *QueryChannelsStateLogic
	db         *QueryChannelsDatabaseLogic
	api        ChatAPI
	channel    func(cid string) *ChannelLogic
	handler    ChatEventHandler
	online     func() bool
	cfg        Config
	log        zerolog.Logger
	machine    *fsm.FSM[QueryState, queryEvent]
}

type queryChannelsDeps struct {
	api     ChatAPI
	db      *QueryChannelsDatabaseLogic
	channel func(cid string) *ChannelLogic
	handler ChatEventHandler
	online  func() bool
	cfg     Config
	log     zerolog.Logger
}

func newQueryChannelsLogic(stateLogic *QueryChannelsStateLogic, deps queryChannelsDeps) *QueryChannelsLogic {
	if deps.online == nil {
		deps.online = func() bool { return true }
	}
	if deps.handler == nil {
		deps.handler = DefaultChatEventHandler{}
	}
	l := &QueryChannelsLogic{
		state:      stateLogic.State(),
		stateLogic: stateLogic,
		db:         deps.db,
		api:        deps.api,
		channel:    deps.channel,
		handler:    deps.handler,
		online:     deps.online,
		cfg:        deps.cfg.withDefaults(),
		log:        deps.log.With().Str("query", stateLogic.State().ID()).Logger(),
	}
	l.machine = newQueryMachine(stateLogic)
	return l
}

func newQueryMachine(sl *QueryChannelsStateLogic) *fsm.FSM[QueryState, queryEvent] {
	m := fsm.New[QueryState, queryEvent](QueryIdle)

	settled := func(e queryEvent) QueryState {
		if e.total > 0 {
			return QueryPopulated
		}
		return QueryEmpty
	}

	m.Fallback(func(_ context.Context, s QueryState, e queryEvent) QueryState {
		switch e.kind {
		case queryStartFirstPage:
			return QueryLoadingFirstPage
		case queryStartLoadMore:
			if s == QueryIdle || s == QueryPopulated {
				return QueryLoadingMore
			}
		}
		return s
	})
	m.On(QueryLoadingFirstPage, func(_ context.Context, s QueryState, e queryEvent) QueryState {
		switch e.kind {
		case queryPageLoaded:
			return settled(e)
		case queryPageFailed:
			return QueryFailed
		}
		return s
	})
	m.On(QueryLoadingMore, func(_ context.Context, s QueryState, e queryEvent) QueryState {
		switch e.kind {
		case queryPageLoaded:
			return settled(e)
		case queryPageFailed:
			return QueryPopulated
		}
		return s
	})

	m.OnEnter(QueryLoadingFirstPage, func(context.Context, fsm.Transition[QueryState]) { sl.SetLoadingFirstPage(true) })
	m.OnEnter(QueryLoadingMore, func(context.Context, fsm.Transition[QueryState]) { sl.SetLoadingMore(true) })
	for _, s := range []QueryState{QueryPopulated, QueryEmpty, QueryFailed} {
		m.OnEnter(s, func(context.Context, fsm.Transition[QueryState]) {
			sl.SetLoadingFirstPage(false)
			sl.SetLoadingMore(false)
		})
	}
	return m
}

func (l *QueryChannelsLogic) State() *QueryChannelsMutableState    { return l.state }
func (l *QueryChannelsLogic) StateLogic() *QueryChannelsStateLogic { return l.stateLogic }

// Status returns the lifecycle state of the query.
func (l *QueryChannelsLogic) Status() QueryState { return l.machine.State() }

// request builds a page request for this query.
func (l *QueryChannelsLogic) request(offset, limit int) QueryChannelsRequest {
	return QueryChannelsRequest{
		Filter:       l.state.Filter(),
		Sort:         l.state.Sort(),
		Offset:       offset,
		Limit:        limit,
		MessageLimit: l.cfg.MessageLimit,
		MemberLimit:  l.cfg.MemberLimit,
		Watch:        true,
		State:        true,
		Presence:     true,
	}
}

// QueryFirstPage loads the first page of the list. It returns
// ErrQueryInProgress when a page of this query is already loading.
func (l *QueryChannelsLogic) QueryFirstPage(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = l.cfg.QueryLimit
	}
	return l.queryFirstPage(ctx, l.request(0, limit))
}

func (l *QueryChannelsLogic) queryFirstPage(ctx context.Context, req QueryChannelsRequest) error {
	if t := l.machine.Send(ctx, queryEvent{kind: queryStartFirstPage}); !t.Changed() {
		l.log.Debug().Stringer("state", t.From).Msg("first page already loading, request ignored")
		return ErrQueryInProgress
	}
	l.stateLogic.SetCurrentRequest(req)

	cached, found := l.fetchFromCache(ctx, req)
	if found {
		l.stateLogic.InitializeChannelsIfNeeded()
		l.addChannels(cached, 0)
		l.stateLogic.SetChannelsOffset(len(cached))
	}
	previous := l.stateLogic.GetQuerySpecs().CIDs

	if !l.online() {
		return l.finishOffline(ctx, found)
	}

	channels, err := l.api.QueryChannels(ctx, req)
	if err != nil {
		return l.fail(ctx, "query first page", err)
	}

	l.stateLogic.SetRecoveryNeeded(false)
	l.stateLogic.InitializeChannelsIfNeeded()
	l.addChannels(channels, req.MessageLimit)

	if gone := l.confirmRemoved(ctx, req, channels, previous); len(gone) > 0 {
		l.log.Debug().Strs("cids", gone).Msg("removing channels no longer in query")
		l.stateLogic.RemoveChannels(gone...)
	}

	l.stateLogic.SetChannelsOffset(len(channels))
	l.stateLogic.SetEndOfChannels(len(channels) < req.Limit)
	l.persist(ctx, channels)
	l.machine.Send(ctx, queryEvent{kind: queryPageLoaded, total: len(l.stateLogic.GetChannels())})
	return nil
}

// LoadMore loads the page after the channels already in the list.
func (l *QueryChannelsLogic) LoadMore(ctx context.Context, limit int) error {
	if l.state.EndOfChannels().Value() {
		return nil
	}
	if limit <= 0 {
		limit = l.cfg.QueryLimit
	}

	t := l.machine.Send(ctx, queryEvent{kind: queryStartLoadMore})
	if t.To != QueryLoadingMore || !t.Changed() {
		if t.From.loading() {
			return ErrQueryInProgress
		}
		return nil
	}

	req := l.request(l.stateLogic.GetChannelsOffset(), limit)
	l.stateLogic.SetCurrentRequest(req)

	if !l.online() {
		cached, found := l.fetchFromCache(ctx, req)
		if found {
			l.addChannels(cached, 0)
			l.stateLogic.IncrementChannelsOffset(len(cached))
		}
		return l.finishOffline(ctx, found)
	}

	channels, err := l.api.QueryChannels(ctx, req)
	if err != nil {
		return l.fail(ctx, "load more channels", err)
	}

	l.addChannels(channels, req.MessageLimit)
	l.stateLogic.IncrementChannelsOffset(len(channels))
	l.stateLogic.SetEndOfChannels(len(channels) < limit)
	l.persist(ctx, channels)
	l.machine.Send(ctx, queryEvent{kind: queryPageLoaded, total: len(l.stateLogic.GetChannels())})
	return nil
}

// Recover reloads the list after a failure, when recovery is needed.
func (l *QueryChannelsLogic) Recover(ctx context.Context) error {
	if !l.stateLogic.IsRecoveryNeeded() {
		return nil
	}
	limit := l.cfg.QueryLimit
	if req, ok := l.stateLogic.GetCurrentRequest(); ok && req.Limit > 0 {
		limit = req.Limit
	}
	return l.queryFirstPage(ctx, l.request(0, limit))
}

func (l *QueryChannelsLogic) fetchFromCache(ctx context.Context, req QueryChannelsRequest) ([]Channel, bool) {
	channels, found, err := l.db.FetchChannelsFromCache(ctx, req)
	if err != nil {
		l.log.Warn().Err(err).Msg("read query from cache")
		return nil, false
	}
	return channels, found
}

func (l *QueryChannelsLogic) finishOffline(ctx context.Context, found bool) error {
	l.stateLogic.SetRecoveryNeeded(true)
	l.stateLogic.InitializeChannelsIfNeeded()
	if !found {
		l.machine.Send(ctx, queryEvent{kind: queryPageFailed})
		return ErrNotConnected
	}
	l.machine.Send(ctx, queryEvent{kind: queryPageLoaded, total: len(l.stateLogic.GetChannels())})
	return nil
}

func (l *QueryChannelsLogic) fail(ctx context.Context, op string, err error) error {
	l.stateLogic.SetRecoveryNeeded(true)
	l.stateLogic.InitializeChannelsIfNeeded()
	l.machine.Send(ctx, queryEvent{kind: queryPageFailed})
	l.log.Warn().Err(err).Msg(op + " failed")
	return fmt.Errorf("%s: %w", op, err)
}

// confirmRemoved returns the previously listed cids that are confirmed to no
// longer belong to the query. Cids missing from the first page are looked up
// in further windows of the same size until the previous list length is
// covered; only those not found in any window are returned. When a window
// fails nothing is returned.
func (l *QueryChannelsLogic) confirmRemoved(ctx context.Context, req QueryChannelsRequest, firstPage []Channel, previous []string) []string {
	missing := make(map[string]struct{}, len(previous))
	for _, cid := range previous {
		missing[cid] = struct{}{}
	}
	for _, ch := range firstPage {
		delete(missing, ch.NormalizedCID())
	}
	if len(missing) == 0 {
		return nil
	}

	if len(firstPage) >= req.Limit {
		for offset := len(firstPage); offset < len(previous) && len(missing) > 0; offset += req.Limit {
			window, err := l.api.QueryChannels(ctx, req.WithPage(offset, req.Limit))
			if err != nil {
				l.log.Warn().Err(err).Int("offset", offset).Msg("window query failed, keeping previous channels")
				return nil
			}
			var stillListed []Channel
			for _, ch := range window {
				cid := ch.NormalizedCID()
				if _, ok := missing[cid]; ok {
					delete(missing, cid)
					stillListed = append(stillListed, ch)
				}
			}
			l.addChannels(stillListed, req.MessageLimit)
			if len(window) < req.Limit {
				break
			}
		}
	}

	gone := slices.Collect(maps.Keys(missing))
	slices.Sort(gone)
	return gone
}

// addChannels folds channels into their channel states and into the list.
func (l *QueryChannelsLogic) addChannels(channels []Channel, messageLimit int) {
	if len(channels) == 0 {
		return
	}
	for _, ch := range channels {
		ch = ch.normalize()
		if cl := l.channel(ch.CID); cl != nil {
			cl.UpdateDataForChannel(ch, UpdateOptions{ChannelsStateUpdate: true, MessageLimit: messageLimit})
		}
	}
	l.stateLogic.AddChannelsState(channels)
}

func (l *QueryChannelsLogic) persist(ctx context.Context, channels []Channel) {
	if err := l.db.StoreStateForChannels(ctx, channels); err != nil {
		l.log.Warn().Err(err).Msg("cache channels")
	}
	if err := l.db.InsertQueryChannels(ctx, l.stateLogic.GetQuerySpecs()); err != nil {
		l.log.Warn().Err(err).Msg("cache query spec")
	}
}

// ── Events ───────────────────────────────────────────────

// HandleEvent updates list membership for ev and refreshes the affected
// channel from its live state. Channel states must already have applied ev.
func (l *QueryChannelsLogic) HandleEvent(ctx context.Context, ev Event) error {
	return l.handleEvent(ctx, ev, channelWatches{})
}

// channelWatches remembers the outcome of each channel watch started while
// one event is applied, so lists sharing a channel watch it once.
type channelWatches map[string]error

func (w channelWatches) watch(ctx context.Context, cl *ChannelLogic, messageLimit int) error {
	cid := cl.State().CID()
	if err, ok := w[cid]; ok {
		return err
	}
	err := cl.Watch(ctx, messageLimit)
	if errors.Is(err, ErrAlreadyLoading) {
		err = nil
	}
	w[cid] = err
	return err
}

func (l *QueryChannelsLogic) handleEvent(ctx context.Context, ev Event, watches channelWatches) error {
	if _, ok := ev.(*UserEvent); ok {
		l.stateLogic.RefreshAllChannels()
		return nil
	}
	cid := eventCID(ev)
	if cid == "" {
		return nil
	}

	var cached *Channel
	if ch, ok := l.stateLogic.GetChannels()[cid]; ok {
		cached = &ch
	}

	var err error
	switch res := l.handler.HandleChatEvent(ev, l.state.Filter(), cached); res {
	case EventAdd:
		ch, ok := eventChannel(ev)
		if !ok {
			err = l.watchAndAdd(ctx, cid, watches)
			break
		}
		l.addChannels([]Channel{ch}, 0)
		l.persist(ctx, []Channel{ch})
	case EventWatchAndAdd:
		err = l.watchAndAdd(ctx, cid, watches)
	case EventRemove:
		l.stateLogic.RemoveChannels(cid)
		l.persist(ctx, nil)
	}

	l.stateLogic.RefreshChannels(cid)
	return err
}

func (l *QueryChannelsLogic) watchAndAdd(ctx context.Context, cid string, watches channelWatches) error {
	cl := l.channel(cid)
	if cl == nil {
		return nil
	}
	if err := watches.watch(ctx, cl, l.cfg.MessageLimit); err != nil {
		return fmt.Errorf("watch %s for query: %w", cid, err)
	}
	ch := cl.State().ToChannel()
	if !l.state.Filter().Matches(ch) {
		return nil
	}
	l.stateLogic.AddChannelsState([]Channel{ch})
	l.persist(ctx, []Channel{ch})
	return nil
}
