package chatstate

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Prismer-AI/chatstate/internal/logging"
)

// StateRegistry owns the observable state of a session: one
// ChannelMutableState per cid and one QueryChannelsMutableState per query.
type StateRegistry struct {
	userID string
	cfg    Config
	now    func() time.Time

	mu       sync.RWMutex
	channels map[string]*ChannelMutableState
	queries  map[string]*QueryChannelsMutableState
}

func NewStateRegistry(userID string, cfg Config, now func() time.Time) *StateRegistry {
	if now == nil {
		now = time.Now
	}
	return &StateRegistry{
		userID:   userID,
		cfg:      cfg.withDefaults(),
		now:      now,
		channels: make(map[string]*ChannelMutableState),
		queries:  make(map[string]*QueryChannelsMutableState),
	}
}

// ChannelState returns the state of cid, creating it on first access.
func (r *StateRegistry) ChannelState(cid string) (*ChannelMutableState, error) {
	if s := r.ExistingChannelState(cid); s != nil {
		return s, nil
	}
	channelType, channelID, err := ParseCID(cid)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.channels[cid]; ok {
		return s, nil
	}
	s := newChannelMutableState(channelType, channelID, r.userID, r.cfg, r.now)
	r.channels[cid] = s
	return s, nil
}

// ExistingChannelState returns the state of cid, or nil when none exists.
func (r *StateRegistry) ExistingChannelState(cid string) *ChannelMutableState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[cid]
}

// QueryChannelsState returns the state of the (filter, sort) query, creating
// it on first access.
func (r *StateRegistry) QueryChannelsState(filter Filter, sort QuerySort) *QueryChannelsMutableState {
	id := QuerySpecID(filter, sort.orDefault())

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.queries[id]; ok {
		return s
	}
	s := newQueryChannelsMutableState(filter, sort)
	r.queries[id] = s
	return s
}

func (r *StateRegistry) ChannelStates() []*ChannelMutableState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ChannelMutableState, 0, len(r.channels))
	for _, s := range r.channels {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *ChannelMutableState) int { return strings.Compare(a.CID(), b.CID()) })
	return out
}

func (r *StateRegistry) QueryStates() []*QueryChannelsMutableState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*QueryChannelsMutableState, 0, len(r.queries))
	for _, s := range r.queries {
		out = append(out, s)
	}
	return out
}

// Clear drops every state.
func (r *StateRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = make(map[string]*ChannelMutableState)
	r.queries = make(map[string]*QueryChannelsMutableState)
}

// ============================================================================
// Logic registry
// ============================================================================

// LogicRegistry owns the logic objects bound to the states of a StateRegistry.
type LogicRegistry struct {
	states  *StateRegistry
	api     ChatAPI
	repo    Repository
	db      *QueryChannelsDatabaseLogic
	handler ChatEventHandler
	online  func() bool
	cfg     Config
	log     zerolog.Logger

	mu       sync.RWMutex
	channels map[string]*ChannelLogic
	queries  map[string]*QueryChannelsLogic
}

type logicRegistryDeps struct {
	api     ChatAPI
	repo    Repository
	handler ChatEventHandler
	online  func() bool
	cfg     Config
	log     zerolog.Logger
}

func newLogicRegistry(states *StateRegistry, deps logicRegistryDeps) *LogicRegistry {
	return &LogicRegistry{
		states:   states,
		api:      deps.api,
		repo:     deps.repo,
		db:       NewQueryChannelsDatabaseLogic(deps.repo),
		handler:  deps.handler,
		online:   deps.online,
		cfg:      deps.cfg.withDefaults(),
		log:      deps.log,
		channels: make(map[string]*ChannelLogic),
		queries:  make(map[string]*QueryChannelsLogic),
	}
}

// Channel returns the logic of cid, creating it and its state on first access.
func (r *LogicRegistry) Channel(cid string) (*ChannelLogic, error) {
	r.mu.RLock()
	l, ok := r.channels[cid]
	r.mu.RUnlock()
	if ok {
		return l, nil
	}

	state, err := r.states.ChannelState(cid)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.channels[cid]; ok {
		return l, nil
	}
	l = newChannelLogic(state, r.api, r.repo, r.online, r.cfg, logging.Component(r.log, "channel-logic"))
	r.channels[cid] = l
	return l, nil
}

// channel is Channel for callers that treat an invalid cid as no channel.
func (r *LogicRegistry) channel(cid string) *ChannelLogic {
	l, err := r.Channel(cid)
	if err != nil {
		r.log.Debug().Err(err).Str("cid", cid).Msg("ignoring channel")
		return nil
	}
	return l
}

// QueryChannels returns the logic of the (filter, sort) query.
func (r *LogicRegistry) QueryChannels(filter Filter, sort QuerySort) *QueryChannelsLogic {
	state := r.states.QueryChannelsState(filter, sort)
	id := state.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.queries[id]; ok {
		return l
	}
	stateLogic := newQueryChannelsStateLogic(state, r.states.ExistingChannelState)
	l := newQueryChannelsLogic(stateLogic, queryChannelsDeps{
		api:     r.api,
		db:      r.db,
		channel: r.channel,
		handler: r.handler,
		online:  r.online,
		cfg:     r.cfg,
		log:     logging.Component(r.log, "query-channels"),
	})
	r.queries[id] = l
	return l
}

// ChannelLogics returns every channel logic, ordered by cid.
func (r *LogicRegistry) ChannelLogics() []*ChannelLogic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ChannelLogic, 0, len(r.channels))
	for _, l := range r.channels {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b *ChannelLogic) int { return strings.Compare(a.state.CID(), b.state.CID()) })
	return out
}

func (r *LogicRegistry) QueryLogics() []*QueryChannelsLogic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*QueryChannelsLogic, 0, len(r.queries))
	for _, l := range r.queries {
		out = append(out, l)
	}
	return out
}

// Clear drops every logic object and state.
func (r *LogicRegistry) Clear() {
	r.mu.Lock()
	r.channels = make(map[string]*ChannelLogic)
	r.queries = make(map[string]*QueryChannelsLogic)
	r.mu.Unlock()
	r.states.Clear()
}
