// Package service provides the replay/query layer and the write-side
// recorder, both expressed purely in terms of the eventstore contract so
// they work identically over every backend.
package service

import (
	"context"
	"fmt"

	"github.com/chatledger/chatledger/internal/domain/event"
	"github.com/chatledger/chatledger/internal/port/eventstore"
)

// DefaultPageSize is used when a replay caller passes limit <= 0.
const DefaultPageSize = 50

// ReplayPage is one page of ordered history. NextSeq is the cursor to pass
// as sinceSeq for the following page.
type ReplayPage struct {
	Events  []*event.Event `json:"events"`
	NextSeq int64          `json:"next_seq"`
	HasMore bool           `json:"has_more"`
}

// Summary aggregates a context's stored history.
type Summary struct {
	TotalEvents int            `json:"total_events"`
	EventCounts map[string]int `json:"event_counts"`
	LatestSeq   int64          `json:"latest_seq"`
}

// ReplayService reconstructs ordered history for observers attaching to a
// conversation at an arbitrary point.
type ReplayService struct {
	store eventstore.Store
}

// NewReplayService creates a ReplayService over the given backend.
func NewReplayService(store eventstore.Store) *ReplayService {
	return &ReplayService{store: store}
}

// Page returns up to limit events with seq > sinceSeq. It fetches limit+1
// to detect whether more pages follow.
func (s *ReplayService) Page(ctx context.Context, worldID, chatID string, sinceSeq int64, limit int) (*ReplayPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	evs, err := s.store.EventsByWorldAndChat(ctx, worldID, chatID, eventstore.QueryOptions{
		SinceSeq: sinceSeq,
		Limit:    limit + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("replay page: %w", err)
	}

	hasMore := len(evs) > limit
	if hasMore {
		evs = evs[:limit]
	}

	next := sinceSeq
	if len(evs) > 0 {
		next = evs[len(evs)-1].Seq
	}

	return &ReplayPage{Events: evs, NextSeq: next, HasMore: hasMore}, nil
}

// CatchUp returns everything after sinceSeq in one slice, for observers
// that want the full backlog before switching to the live feed.
func (s *ReplayService) CatchUp(ctx context.Context, worldID, chatID string, sinceSeq int64) ([]*event.Event, error) {
	evs, err := s.store.EventsByWorldAndChat(ctx, worldID, chatID, eventstore.QueryOptions{
		SinceSeq: sinceSeq,
	})
	if err != nil {
		return nil, fmt.Errorf("replay catch-up: %w", err)
	}
	return evs, nil
}

// Range returns the inclusive seq range [fromSeq, toSeq].
func (s *ReplayService) Range(ctx context.Context, worldID, chatID string, fromSeq, toSeq int64) ([]*event.Event, error) {
	evs, err := s.store.EventRange(ctx, worldID, chatID, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("replay range: %w", err)
	}
	return evs, nil
}

// Stats aggregates per-type counts and the high-water mark for one context.
func (s *ReplayService) Stats(ctx context.Context, worldID, chatID string) (*Summary, error) {
	evs, err := s.store.EventsByWorldAndChat(ctx, worldID, chatID, eventstore.QueryOptions{})
	if err != nil {
		return nil, fmt.Errorf("replay stats: %w", err)
	}

	latest, err := s.store.LatestSeq(ctx, worldID, chatID)
	if err != nil {
		return nil, fmt.Errorf("replay stats: %w", err)
	}

	counts := make(map[string]int)
	for _, ev := range evs {
		counts[string(ev.Type)]++
	}

	return &Summary{
		TotalEvents: len(evs),
		EventCounts: counts,
		LatestSeq:   latest,
	}, nil
}
