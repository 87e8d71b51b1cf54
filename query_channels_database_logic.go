package chatstate

import (
	"context"
	"fmt"
)

// QueryChannelsDatabaseLogic is the boundary between channel list queries and
// the local cache.
type QueryChannelsDatabaseLogic struct {
	repo Repository
}

func NewQueryChannelsDatabaseLogic(repo Repository) *QueryChannelsDatabaseLogic {
	return &QueryChannelsDatabaseLogic{repo: repo}
}

// FetchChannelsFromCache answers the page described by req from the cache.
//
// found is false when the query was never stored, so the cache cannot say
// anything about it. With found true, an empty result means the cache holds
// no channels for this page.
func (l *QueryChannelsDatabaseLogic) FetchChannelsFromCache(ctx context.Context, req QueryChannelsRequest) (channels []Channel, found bool, err error) {
	spec, found, err := l.repo.SelectQuerySpec(ctx, QuerySpecID(req.Filter, req.Sort.orDefault()))
	if err != nil {
		return nil, false, fmt.Errorf("select query spec: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	stored, err := l.repo.SelectChannels(ctx, spec.CIDs, req.MessageLimit)
	if err != nil {
		return nil, false, fmt.Errorf("select cached channels: %w", err)
	}
	spec.Sort.orDefault().Sort(stored)

	channels = []Channel{}
	if req.Offset < len(stored) {
		end := len(stored)
		if req.Limit > 0 {
			end = min(req.Offset+req.Limit, end)
		}
		channels = append(channels, stored[req.Offset:end]...)
	}
	return channels, true, nil
}

// StoreStateForChannels writes channels and their messages to the cache.
func (l *QueryChannelsDatabaseLogic) StoreStateForChannels(ctx context.Context, channels []Channel) error {
	if len(channels) == 0 {
		return nil
	}
	if err := l.repo.InsertChannels(ctx, channels); err != nil {
		return fmt.Errorf("store channels: %w", err)
	}
	return nil
}

// InsertQueryChannels persists the membership of a query.
func (l *QueryChannelsDatabaseLogic) InsertQueryChannels(ctx context.Context, spec QueryChannelsSpec) error {
	if err := l.repo.InsertQuerySpec(ctx, spec); err != nil {
		return fmt.Errorf("store query spec: %w", err)
	}
	return nil
}

func (l *QueryChannelsDatabaseLogic) SelectQuerySpec(ctx context.Context, id string) (QueryChannelsSpec, bool, error) {
	return l.repo.SelectQuerySpec(ctx, id)
}

func (l *QueryChannelsDatabaseLogic) SelectChannel(ctx context.Context, cid string) (Channel, bool, error) {
	return l.repo.SelectChannel(ctx, cid)
}

func (l *QueryChannelsDatabaseLogic) SelectChannels(ctx context.Context, cids []string, messageLimit int) ([]Channel, error) {
	return l.repo.SelectChannels(ctx, cids, messageLimit)
}
