package chatstate

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// MemoryRepository is a goroutine-safe in-memory Repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	specs    map[string]QueryChannelsSpec
	channels map[string]Channel
	messages map[string]Message
	outbox   map[string]OutboxOp
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		specs:    make(map[string]QueryChannelsSpec),
		channels: make(map[string]Channel),
		messages: make(map[string]Message),
		outbox:   make(map[string]OutboxOp),
	}
}

// ── Query specs ──────────────────────────────────────────

func (r *MemoryRepository) InsertQuerySpec(_ context.Context, spec QueryChannelsSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec.CIDs = slices.Clone(spec.CIDs)
	r.specs[spec.ID()] = spec
	return nil
}

func (r *MemoryRepository) SelectQuerySpec(_ context.Context, id string) (QueryChannelsSpec, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[id]
	if !ok {
		return QueryChannelsSpec{}, false, nil
	}
	spec.CIDs = slices.Clone(spec.CIDs)
	return spec, true, nil
}

// ── Channels ─────────────────────────────────────────────

func (r *MemoryRepository) InsertChannels(_ context.Context, channels []Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range channels {
		ch = ch.normalize()
		for _, m := range ch.Messages {
			r.messages[m.ID] = m
		}
		ch.Messages = nil
		r.channels[ch.CID] = ch
	}
	return nil
}

func (r *MemoryRepository) SelectChannel(_ context.Context, cid string) (Channel, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[cid]
	if !ok {
		return Channel{}, false, nil
	}
	ch.Messages = r.latestMessages(cid, 0)
	return ch, true, nil
}

func (r *MemoryRepository) SelectChannels(_ context.Context, cids []string, messageLimit int) ([]Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(cids))
	for _, cid := range cids {
		ch, ok := r.channels[cid]
		if !ok {
			continue
		}
		ch.Messages = r.latestMessages(cid, messageLimit)
		out = append(out, ch)
	}
	return out, nil
}

func (r *MemoryRepository) DeleteChannel(_ context.Context, cid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, cid)
	for id, m := range r.messages {
		if m.CID == cid {
			delete(r.messages, id)
		}
	}
	return nil
}

// ── Messages ─────────────────────────────────────────────

func (r *MemoryRepository) InsertMessages(_ context.Context, messages []Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range messages {
		r.messages[m.ID] = m
	}
	return nil
}

func (r *MemoryRepository) SelectMessage(_ context.Context, id string) (Message, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[id]
	return m, ok, nil
}

func (r *MemoryRepository) SelectMessages(_ context.Context, cid string, rng MessageRange) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Message
	for _, m := range r.messages {
		if m.CID != cid {
			continue
		}
		created := m.CreatedTime()
		if !rng.Before.IsZero() && !created.Before(rng.Before) {
			continue
		}
		if !rng.After.IsZero() && !created.After(rng.After) {
			continue
		}
		result = append(result, m)
	}
	slices.SortFunc(result, compareMessages)
	if rng.Limit > 0 && len(result) > rng.Limit {
		if !rng.After.IsZero() && rng.Before.IsZero() {
			result = result[:rng.Limit]
		} else {
			result = result[len(result)-rng.Limit:]
		}
	}
	return result, nil
}

func (r *MemoryRepository) DeleteMessage(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, id)
	return nil
}

// latestMessages must be called with mu held.
func (r *MemoryRepository) latestMessages(cid string, limit int) []Message {
	var result []Message
	for _, m := range r.messages {
		if m.CID == cid {
			result = append(result, m)
		}
	}
	slices.SortFunc(result, compareMessages)
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result
}

// ── Outbox ───────────────────────────────────────────────

func (r *MemoryRepository) Enqueue(_ context.Context, op OutboxOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op.Status == "" {
		op.Status = OutboxPending
	}
	r.outbox[op.ID] = op
	return nil
}

func (r *MemoryRepository) DequeueReady(_ context.Context, limit int) ([]OutboxOp, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ready []OutboxOp
	for _, op := range r.outbox {
		if op.Status == OutboxPending && op.Retries < op.MaxRetries {
			ready = append(ready, op)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (r *MemoryRepository) Ack(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outbox, id)
	return nil
}

func (r *MemoryRepository) Nack(_ context.Context, id, errMsg string, retries int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.outbox[id]
	if !ok {
		return nil
	}
	op.Retries = retries
	op.Error = errMsg
	if retries >= op.MaxRetries {
		op.Status = OutboxFailed
	}
	r.outbox[id] = op
	return nil
}

func (r *MemoryRepository) PendingCount(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, op := range r.outbox {
		if op.Status == OutboxPending {
			count++
		}
	}
	return count, nil
}

var _ Repository = (*MemoryRepository)(nil)
