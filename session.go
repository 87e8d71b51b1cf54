package chatstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Prismer-AI/chatstate/internal/logging"
)

// Session owns the chat state of one signed-in user. Every state holder and
// logic object lives in it and is dropped by Close.
type Session struct {
	user    User
	cfg     Config
	api     ChatAPI
	repo    Repository
	log     zerolog.Logger
	now     func() time.Time
	handler ChatEventHandler

	states *StateRegistry
	logic  *LogicRegistry
	events *EventHandler
	sync   *SyncManager

	mu       sync.Mutex
	realtime *RealtimeClient
	closed   bool
}

// Option configures a Session.
type Option func(*Session)

func WithConfig(cfg Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithRepository sets the local cache. The default keeps it in memory.
func WithRepository(repo Repository) Option {
	return func(s *Session) { s.repo = repo }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithChatEventHandler sets how events change channel list membership.
func WithChatEventHandler(h ChatEventHandler) Option {
	return func(s *Session) { s.handler = h }
}

// NewSession creates the session of user, talking to the backend through api.
func NewSession(user User, api ChatAPI, opts ...Option) *Session {
	s := &Session{
		user: user,
		cfg:  DefaultConfig(),
		api:  api,
		log:  logging.Logger,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg = s.cfg.withDefaults()
	if s.repo == nil {
		s.repo = NewMemoryRepository()
	}
	if s.handler == nil {
		s.handler = DefaultChatEventHandler{CurrentUserID: user.ID}
	}
	s.log = s.log.With().Str("user", user.ID).Logger()

	s.states = NewStateRegistry(user.ID, s.cfg, s.now)

	// The sync manager owns connectivity, but logic objects need it before it
	// exists; they read it through this closure.
	online := func() bool { return s.sync.IsOnline() }

	s.logic = newLogicRegistry(s.states, logicRegistryDeps{
		api:     api,
		repo:    s.repo,
		handler: s.handler,
		online:  online,
		cfg:     s.cfg,
		log:     s.log,
	})
	s.sync = newSyncManager(syncManagerDeps{
		logic: s.logic,
		api:   api,
		repo:  s.repo,
		user:  user,
		cfg:   s.cfg,
		now:   s.now,
		log:   logging.Component(s.log, "sync-manager"),
	})
	s.events = newEventHandler(s.logic, s.repo, logging.Component(s.log, "event-handler"))
	s.events.onConnected = func() { s.sync.SetOnline(true) }
	s.events.onDisconnected = func() { s.sync.SetOnline(false) }
	return s
}

func (s *Session) User() User     { return s.user }
func (s *Session) Config() Config { return s.cfg }

// Sync returns the session's sync manager.
func (s *Session) Sync() *SyncManager { return s.sync }

// States returns the session's state registry.
func (s *Session) States() *StateRegistry { return s.states }

// QueryChannels returns the channel list for (filter, sort). Repeated calls
// with an equal filter and sort return the same list. It returns nil once the
// session is closed.
func (s *Session) QueryChannels(filter Filter, sort QuerySort) *QueryChannelsLogic {
	if s.isClosed() {
		return nil
	}
	return s.logic.QueryChannels(filter, sort)
}

// Channel returns the logic of cid.
func (s *Session) Channel(cid string) (*ChannelLogic, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	return s.logic.Channel(cid)
}

// HandleEvent applies a realtime event to the session.
func (s *Session) HandleEvent(ctx context.Context, ev Event) {
	if s.isClosed() {
		return
	}
	s.events.Handle(ctx, ev)
}

// SendMessage shows msg in cid right away and delivers it through the outbox.
func (s *Session) SendMessage(ctx context.Context, cid string, msg Message) (Message, error) {
	if s.isClosed() {
		return Message{}, ErrSessionClosed
	}
	return s.sync.SendMessage(ctx, cid, msg)
}

// SetOnline tells the session whether the network is reachable.
func (s *Session) SetOnline(online bool) {
	s.sync.SetOnline(online)
}

// Start begins background outbox delivery.
func (s *Session) Start() {
	s.sync.Start()
}

// ConnectRealtime opens the realtime stream and applies its events to the
// session until Close. cfg.Logger is replaced by the session's logger.
func (s *Session) ConnectRealtime(ctx context.Context, cfg RealtimeConfig) (*RealtimeClient, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.realtime != nil {
		rt := s.realtime
		s.mu.Unlock()
		return rt, nil
	}
	cfg.Logger = logging.Component(s.log, "realtime")
	rt := NewRealtimeClient(cfg, s.HandleEvent)
	s.realtime = rt
	s.mu.Unlock()

	if err := rt.Connect(ctx); err != nil {
		s.mu.Lock()
		s.realtime = nil
		s.mu.Unlock()
		return nil, err
	}
	return rt, nil
}

// Close disconnects, stops background work and drops all state.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rt := s.realtime
	s.realtime = nil
	s.mu.Unlock()

	var errs []error
	if rt != nil {
		if err := rt.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	s.sync.Stop()
	s.logic.Clear()
	return errors.Join(errs...)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
