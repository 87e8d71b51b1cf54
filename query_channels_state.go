package chatstate

import (
	"slices"
	"sync"
)

// ChannelsStateKind classifies what a channel list can currently show.
type ChannelsStateKind int

const (
	// ChannelsNoQueryActive: no request was issued yet.
	ChannelsNoQueryActive ChannelsStateKind = iota
	// ChannelsLoading: a request is in flight and nothing can be shown yet.
	ChannelsLoading
	// ChannelsOfflineNoResults: the query is known to have no channels.
	ChannelsOfflineNoResults
	// ChannelsResult: at least one channel is available.
	ChannelsResult
)

func (k ChannelsStateKind) String() string {
	switch k {
	case ChannelsNoQueryActive:
		return "no_query_active"
	case ChannelsLoading:
		return "loading"
	case ChannelsOfflineNoResults:
		return "offline_no_results"
	case ChannelsResult:
		return "result"
	default:
		return "unknown"
	}
}

// ChannelsStateData is the presentable state of a channel list.
type ChannelsStateData struct {
	Kind     ChannelsStateKind
	Channels []Channel
}

// QueryChannelsMutableState is the observable mirror of one channel list
// query. It is mutated only through QueryChannelsStateLogic.
type QueryChannelsMutableState struct {
	filter Filter
	sort   QuerySort

	mu sync.Mutex // serializes writers

	// rawChannels is nil until the query produced an answer, from the cache
	// or the network.
	rawChannels    *StateFlow[map[string]Channel]
	spec           *StateFlow[QueryChannelsSpec]
	currentRequest *StateFlow[*QueryChannelsRequest]
	offset         *StateFlow[int]
	loading        *StateFlow[bool]
	loadingMore    *StateFlow[bool]
	endOfChannels  *StateFlow[bool]
	recoveryNeeded *StateFlow[bool]

	channels          *StateFlow[[]Channel]
	channelsStateData *StateFlow[ChannelsStateData]
}

func newQueryChannelsMutableState(filter Filter, sort QuerySort) *QueryChannelsMutableState {
	sort = sort.orDefault()
	return &QueryChannelsMutableState{
		filter:            filter,
		sort:              sort,
		rawChannels:       NewStateFlow[map[string]Channel](nil),
		spec:              NewStateFlow(QueryChannelsSpec{Filter: filter, Sort: sort}),
		currentRequest:    NewStateFlow[*QueryChannelsRequest](nil),
		offset:            NewStateFlow(0),
		loading:           NewStateFlow(false),
		loadingMore:       NewStateFlow(false),
		endOfChannels:     NewStateFlow(false),
		recoveryNeeded:    NewStateFlow(false),
		channels:          NewStateFlow[[]Channel](nil),
		channelsStateData: NewStateFlow(ChannelsStateData{Kind: ChannelsNoQueryActive}),
	}
}

func (s *QueryChannelsMutableState) Filter() Filter  { return s.filter }
func (s *QueryChannelsMutableState) Sort() QuerySort { return s.sort }
func (s *QueryChannelsMutableState) ID() string      { return QuerySpecID(s.filter, s.sort) }

// Channels is nil until the query has an answer, then holds the channels in
// query sort order.
func (s *QueryChannelsMutableState) Channels() Observable[[]Channel]                   { return s.channels }
func (s *QueryChannelsMutableState) ChannelsStateData() Observable[ChannelsStateData]  { return s.channelsStateData }
func (s *QueryChannelsMutableState) Spec() Observable[QueryChannelsSpec]               { return s.spec }
func (s *QueryChannelsMutableState) CurrentRequest() Observable[*QueryChannelsRequest] { return s.currentRequest }
func (s *QueryChannelsMutableState) Offset() Observable[int]                           { return s.offset }
func (s *QueryChannelsMutableState) Loading() Observable[bool]                         { return s.loading }
func (s *QueryChannelsMutableState) LoadingMore() Observable[bool]                     { return s.loadingMore }
func (s *QueryChannelsMutableState) EndOfChannels() Observable[bool]                   { return s.endOfChannels }
func (s *QueryChannelsMutableState) RecoveryNeeded() Observable[bool]                  { return s.recoveryNeeded }

// CIDs returns the cids currently in the list, in sort order.
func (s *QueryChannelsMutableState) CIDs() []string {
	channels := s.channels.Value()
	out := make([]string, len(channels))
	for i, ch := range channels {
		out[i] = ch.CID
	}
	return out
}

// HasChannel reports whether cid is part of the list.
func (s *QueryChannelsMutableState) HasChannel(cid string) bool {
	_, ok := s.rawChannels.Value()[cid]
	return ok
}

// mutate runs fn with the writer lock held and recomputes derived views.
func (s *QueryChannelsMutableState) mutate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	s.recompute()
}

// recompute must be called with mu held.
func (s *QueryChannelsMutableState) recompute() {
	raw := s.rawChannels.Value()

	var channels []Channel
	if raw != nil {
		channels = make([]Channel, 0, len(raw))
		for _, ch := range raw {
			channels = append(channels, ch)
		}
		s.sort.Sort(channels)
	}
	s.channels.Set(channels)

	data := ChannelsStateData{Channels: slices.Clone(channels)}
	switch {
	case raw == nil && s.currentRequest.Value() == nil:
		data.Kind = ChannelsNoQueryActive
	case raw == nil:
		data.Kind = ChannelsLoading
	case len(channels) == 0:
		data.Kind = ChannelsOfflineNoResults
	default:
		data.Kind = ChannelsResult
	}
	s.channelsStateData.Set(data)
}
