package chatstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Notifications emitted by SyncManager.
const (
	NotifyNetworkOnline    = "network.online"
	NotifyNetworkOffline   = "network.offline"
	NotifySyncStart        = "sync.start"
	NotifySyncComplete     = "sync.complete"
	NotifySyncError        = "sync.error"
	NotifyOutboxSending    = "outbox.sending"
	NotifyOutboxConfirmed  = "outbox.confirmed"
	NotifyOutboxFailed     = "outbox.failed"
	NotifyMessageLocal     = "message.local"
	NotifyMessageConfirmed = "message.confirmed"
	NotifyMessageFailed    = "message.failed"
)

// SyncResult is the payload of sync.complete.
type SyncResult struct {
	RecoveredQueries  int
	RecoveredChannels int
}

// OutboxFailure is the payload of outbox.failed and message.failed.
type OutboxFailure struct {
	OpID        string
	CID         string
	MessageID   string
	Err         string
	RetriesLeft int
}

// ============================================================================
// Event Emitter
// ============================================================================

// SyncHandler receives SyncManager notifications.
type SyncHandler func(event string, payload any)

type syncEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]SyncHandler
	log       zerolog.Logger
}

// On registers handler for event.
func (e *syncEmitter) On(event string, handler SyncHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *syncEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Str("event", event).Msg("sync handler panicked")
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *syncEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]SyncHandler)
}

// ============================================================================
// Sync Manager
// ============================================================================

// SyncManager tracks connectivity, delivers queued local writes, and brings
// stale queries and channels back in sync after a reconnect.
type SyncManager struct {
	syncEmitter

	logic *LogicRegistry
	api   ChatAPI
	repo  Repository
	user  User
	cfg   Config
	now   func() time.Time

	mu       sync.Mutex
	online   bool
	syncing  bool
	flushing bool
	started  bool
	stopped  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type syncManagerDeps struct {
	logic *LogicRegistry
	api   ChatAPI
	repo  Repository
	user  User
	cfg   Config
	now   func() time.Time
	log   zerolog.Logger
}

func newSyncManager(deps syncManagerDeps) *SyncManager {
	if deps.now == nil {
		deps.now = time.Now
	}
	return &SyncManager{
		syncEmitter: syncEmitter{listeners: make(map[string][]SyncHandler), log: deps.log},
		logic:       deps.logic,
		api:         deps.api,
		repo:        deps.repo,
		user:        deps.user,
		cfg:         deps.cfg.withDefaults(),
		now:         deps.now,
		online:      true,
		stopCh:      make(chan struct{}),
	}
}

// Start runs the periodic outbox flush until Stop.
func (m *SyncManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	m.wg.Add(1)
	go m.flushLoop()
}

// Stop ends background work, waits for it, and removes all handlers.
func (m *SyncManager) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stopCh)
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.removeAll()
}

// IsOnline returns the current network state.
func (m *SyncManager) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the network state. Going online flushes the outbox and,
// with SyncOnConnect, recovers stale state.
func (m *SyncManager) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	if !online {
		m.log.Info().Msg("offline")
		m.emit(NotifyNetworkOffline, nil)
		return
	}

	m.log.Info().Msg("online")
	m.emit(NotifyNetworkOnline, nil)
	m.background(func(ctx context.Context) { m.Flush(ctx) })
	if m.cfg.SyncOnConnect {
		m.background(func(ctx context.Context) { _ = m.Sync(ctx) })
	}
}

// background runs fn in a goroutine whose context ends with Stop.
func (m *SyncManager) background(fn func(ctx context.Context)) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-m.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		fn(ctx)
	}()
}

// OutboxSize returns the number of pending operations.
func (m *SyncManager) OutboxSize(ctx context.Context) (int, error) {
	return m.repo.PendingCount(ctx)
}

// ── Sending ───────────────────────────────────────────────

// SendMessage shows msg in its channel immediately and queues it for
// delivery. The returned message carries the client-generated id the backend
// will confirm.
func (m *SyncManager) SendMessage(ctx context.Context, cid string, msg Message) (Message, error) {
	cl, err := m.logic.Channel(cid)
	if err != nil {
		return Message{}, err
	}

	now := m.now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CID = cid
	if msg.User.ID == "" {
		msg.User = m.user
	}
	msg.CreatedLocallyAt = now
	msg.SyncStatus = SyncStatusSyncNeeded

	cl.State().UpsertMessage(msg)
	cl.State().SetLastMessageAt(now)
	if err := m.repo.InsertMessages(ctx, []Message{msg}); err != nil {
		return Message{}, fmt.Errorf("cache local message: %w", err)
	}
	m.emit(NotifyMessageLocal, msg)

	op := OutboxOp{
		ID:         uuid.NewString(),
		CID:        cid,
		Message:    msg,
		Status:     OutboxPending,
		MaxRetries: m.cfg.OutboxRetryLimit,
		CreatedAt:  now,
	}
	if err := m.repo.Enqueue(ctx, op); err != nil {
		return Message{}, fmt.Errorf("enqueue message: %w", err)
	}

	if m.IsOnline() {
		m.background(func(ctx context.Context) { m.Flush(ctx) })
	}
	return msg, nil
}

// ── Outbox flush ──────────────────────────────────────────

func (m *SyncManager) flushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.OutboxFlushInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Flush(ctx)
		}
	}
}

// Flush delivers pending outbox operations. It does nothing while offline or
// while another flush runs.
func (m *SyncManager) Flush(ctx context.Context) {
	m.mu.Lock()
	if m.flushing || !m.online {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.flushing = false
		m.mu.Unlock()
	}()

	ops, err := m.repo.DequeueReady(ctx, 10)
	if err != nil {
		m.log.Warn().Err(err).Msg("read outbox")
		return
	}
	for _, op := range ops {
		if ctx.Err() != nil {
			return
		}
		m.deliver(ctx, op)
	}
}

func (m *SyncManager) deliver(ctx context.Context, op OutboxOp) {
	m.emit(NotifyOutboxSending, op)
	m.setSyncStatus(op.CID, op.Message.ID, SyncStatusInProgress)

	sent, err := m.api.SendMessage(ctx, op.CID, op.Message)
	if err != nil {
		m.failed(ctx, op, err)
		return
	}

	if err := m.repo.Ack(ctx, op.ID); err != nil {
		m.log.Warn().Err(err).Str("op", op.ID).Msg("ack outbox op")
	}

	if sent.ID == "" {
		sent.ID = op.Message.ID
	}
	if sent.CID == "" {
		sent.CID = op.CID
	}
	sent.CreatedLocallyAt = op.Message.CreatedLocallyAt
	sent.SyncStatus = SyncStatusCompleted

	if cl := m.logic.channel(op.CID); cl != nil {
		if sent.ID != op.Message.ID {
			cl.State().DeleteMessage(op.Message.ID)
		}
		cl.State().UpsertMessage(sent)
	}
	if sent.ID != op.Message.ID {
		_ = m.repo.DeleteMessage(ctx, op.Message.ID)
	}
	if err := m.repo.InsertMessages(ctx, []Message{sent}); err != nil {
		m.log.Warn().Err(err).Msg("cache sent message")
	}

	m.emit(NotifyOutboxConfirmed, op)
	m.emit(NotifyMessageConfirmed, sent)
}

func (m *SyncManager) failed(ctx context.Context, op OutboxOp, err error) {
	retries := op.Retries + 1
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Temporary() {
		retries = op.MaxRetries
	}
	if nerr := m.repo.Nack(ctx, op.ID, err.Error(), retries); nerr != nil {
		m.log.Warn().Err(nerr).Str("op", op.ID).Msg("nack outbox op")
	}

	failure := OutboxFailure{
		OpID:        op.ID,
		CID:         op.CID,
		MessageID:   op.Message.ID,
		Err:         err.Error(),
		RetriesLeft: max(op.MaxRetries-retries, 0),
	}
	m.log.Warn().Err(err).Str("op", op.ID).Int("retries_left", failure.RetriesLeft).Msg("send failed")
	m.emit(NotifyOutboxFailed, failure)

	if failure.RetriesLeft == 0 {
		m.setSyncStatus(op.CID, op.Message.ID, SyncStatusFailedPermanently)
		m.emit(NotifyMessageFailed, failure)
		return
	}
	m.setSyncStatus(op.CID, op.Message.ID, SyncStatusSyncNeeded)
}

func (m *SyncManager) setSyncStatus(cid, id string, status SyncStatus) {
	cl := m.logic.channel(cid)
	if cl == nil {
		return
	}
	msg, ok := cl.State().Message(id)
	if !ok {
		return
	}
	msg.SyncStatus = status
	cl.State().UpsertMessage(msg)
}

// ── Recovery ──────────────────────────────────────────────

// Sync recovers every query and channel flagged as needing recovery, with at
// most RecoveryConcurrency requests in flight. It does nothing while offline
// or while another sync runs.
func (m *SyncManager) Sync(ctx context.Context) error {
	m.mu.Lock()
	if m.syncing || !m.online {
		m.mu.Unlock()
		return nil
	}
	m.syncing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.mu.Unlock()
	}()

	m.emit(NotifySyncStart, nil)

	var (
		g                 errgroup.Group
		queries, channels atomic.Int64
		errMu             sync.Mutex
		errs              []error
	)
	g.SetLimit(m.cfg.RecoveryConcurrency)
	record := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	for _, q := range m.logic.QueryLogics() {
		if !q.StateLogic().IsRecoveryNeeded() {
			continue
		}
		g.Go(func() error {
			if err := q.Recover(ctx); err != nil {
				if !errors.Is(err, ErrQueryInProgress) {
					record(err)
				}
				return nil
			}
			queries.Add(1)
			return nil
		})
	}
	for _, cl := range m.logic.ChannelLogics() {
		if !cl.State().RecoveryNeeded().Value() {
			continue
		}
		g.Go(func() error {
			if err := cl.Watch(ctx, m.cfg.MessageLimit); err != nil {
				if !errors.Is(err, ErrAlreadyLoading) {
					record(err)
				}
				return nil
			}
			channels.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	result := SyncResult{RecoveredQueries: int(queries.Load()), RecoveredChannels: int(channels.Load())}
	if err := errors.Join(errs...); err != nil {
		m.log.Warn().Err(err).Msg("recovery incomplete")
		m.emit(NotifySyncError, err)
		return fmt.Errorf("sync: %w", err)
	}
	m.log.Debug().Int("queries", result.RecoveredQueries).Int("channels", result.RecoveredChannels).Msg("recovered")
	m.emit(NotifySyncComplete, result)
	return nil
}
