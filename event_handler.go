package chatstate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventHandler applies realtime events to a session, one at a time and in
// arrival order: cache first, then channel states, then channel lists.
type EventHandler struct {
	logic *LogicRegistry
	repo  Repository
	log   zerolog.Logger

	onConnected    func()
	onDisconnected func()

	mu sync.Mutex // events are applied sequentially
}

func newEventHandler(logic *LogicRegistry, repo Repository, log zerolog.Logger) *EventHandler {
	return &EventHandler{
		logic:          logic,
		repo:           repo,
		log:            log,
		onConnected:    func() {},
		onDisconnected: func() {},
	}
}

// Handle applies ev.
func (h *EventHandler) Handle(ctx context.Context, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Trace().Str("type", ev.Type()).Msg("event")

	switch ev.(type) {
	case *HealthEvent:
		return
	case *ConnectedEvent:
		h.onConnected()
		return
	case *DisconnectedEvent:
		h.markRecoveryNeeded()
		h.onDisconnected()
		return
	case *UnknownEvent:
		h.log.Debug().Str("type", ev.Type()).Msg("unhandled event type")
		return
	}

	cid := eventCID(ev)
	if cid != "" {
		if cl := h.logic.channel(cid); cl != nil {
			cl.HandleEvent(ev)
			h.persist(ctx, ev, cl)
		}
	} else if _, ok := ev.(*UserEvent); ok {
		for _, cl := range h.logic.ChannelLogics() {
			cl.HandleEvent(ev)
		}
	}

	watches := channelWatches{}
	for _, q := range h.logic.QueryLogics() {
		if err := q.handleEvent(ctx, ev, watches); err != nil {
			h.log.Warn().Err(err).Str("type", ev.Type()).Str("cid", cid).Msg("apply event to channel list")
		}
	}
}

// markRecoveryNeeded flags every query and channel as possibly stale.
func (h *EventHandler) markRecoveryNeeded() {
	for _, q := range h.logic.QueryLogics() {
		q.StateLogic().SetRecoveryNeeded(true)
	}
	for _, cl := range h.logic.ChannelLogics() {
		cl.State().SetRecoveryNeeded(true)
	}
}

// persist mirrors the effect of ev into the cache.
func (h *EventHandler) persist(ctx context.Context, ev Event, cl *ChannelLogic) {
	var err error
	switch e := ev.(type) {
	case *NewMessageEvent:
		err = h.storeMessage(ctx, cl, e.Message.ID)
	case *NotificationMessageNewEvent:
		err = h.storeMessage(ctx, cl, e.Message.ID)
	case *MessageUpdatedEvent:
		err = h.storeMessage(ctx, cl, e.Message.ID)
	case *ReactionEvent:
		err = h.storeMessage(ctx, cl, e.Message.ID)
	case *MessageDeletedEvent:
		if e.HardDelete {
			err = h.repo.DeleteMessage(ctx, e.Message.ID)
		} else {
			err = h.storeMessage(ctx, cl, e.Message.ID)
		}
	case *ChannelDeletedEvent, *NotificationRemovedFromChannelEvent:
		err = h.repo.DeleteChannel(ctx, cl.State().CID())
	case *ChannelTruncatedEvent:
		err = h.truncate(ctx, cl.State().CID(), e.CreatedAt)
	case *ChannelUpdatedEvent, *ChannelHiddenEvent, *ChannelVisibleEvent,
		*MemberEvent, *MessageReadEvent, *NotificationAddedToChannelEvent:
		ch := cl.State().ToChannel()
		ch.Messages = nil
		err = h.repo.InsertChannels(ctx, []Channel{ch})
	}
	if err != nil {
		h.log.Warn().Err(err).Str("type", ev.Type()).Msg("cache event")
	}
}

func (h *EventHandler) truncate(ctx context.Context, cid string, before time.Time) error {
	if before.IsZero() {
		return nil
	}
	stale, err := h.repo.SelectMessages(ctx, cid, MessageRange{Before: before})
	if err != nil {
		return err
	}
	for _, m := range stale {
		if err := h.repo.DeleteMessage(ctx, m.ID); err != nil {
			return err
		}
	}
	return nil
}

// storeMessage caches the channel state's copy of a message, which carries
// local fields the event payload lacks.
func (h *EventHandler) storeMessage(ctx context.Context, cl *ChannelLogic, id string) error {
	m, ok := cl.State().Message(id)
	if !ok {
		return nil
	}
	return h.repo.InsertMessages(ctx, []Message{m})
}
