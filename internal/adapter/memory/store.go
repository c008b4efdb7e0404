// Package memory implements eventstore.Store with in-process per-context
// buckets. It is intended for tests and ephemeral deployments; nothing
// survives a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/chatledger/chatledger/internal/domain/event"
	"github.com/chatledger/chatledger/internal/metrics"
	"github.com/chatledger/chatledger/internal/port/eventstore"
)

const backendName = "memory"

// ctxKey identifies a (worldID, chatID) sequencing context. An empty Chat
// means the world-level context.
type ctxKey struct {
	World string
	Chat  string
}

// Store keeps events in ordered per-context buckets behind a single mutex.
// Every event returned to a caller is a deep copy, so holding a reference
// never aliases stored state.
type Store struct {
	mu      sync.RWMutex
	buckets map[ctxKey][]*event.Event
	ids     map[ctxKey]map[string]struct{}
	seqs    map[ctxKey]int64
}

// Compile-time check that Store implements eventstore.Store.
var _ eventstore.Store = (*Store)(nil)

// NewStore creates an empty in-memory event store.
func NewStore() *Store {
	return &Store{
		buckets: make(map[ctxKey][]*event.Event),
		ids:     make(map[ctxKey]map[string]struct{}),
		seqs:    make(map[ctxKey]int64),
	}
}

// SaveEvent validates, sequences, and stores a single event. A duplicate id
// is accepted silently without touching stored state.
func (s *Store) SaveEvent(ctx context.Context, ev *event.Event) (eventstore.Outcome, error) {
	if err := event.ValidateForPersistence(ev); err != nil {
		metrics.Std().ValidationFailed(ctx, backendName)
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx, ev), nil
}

// SaveEvents stores a batch. The store is single-process, so the batch is
// applied atomically under the lock; validation of every event happens
// before any of them is stored.
func (s *Store) SaveEvents(ctx context.Context, evs []*event.Event) ([]eventstore.Outcome, error) {
	for _, ev := range evs {
		if err := event.ValidateForPersistence(ev); err != nil {
			metrics.Std().ValidationFailed(ctx, backendName)
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	outcomes := make([]eventstore.Outcome, len(evs))
	for i, ev := range evs {
		outcomes[i] = s.saveLocked(ctx, ev)
	}
	return outcomes, nil
}

// saveLocked performs the duplicate check, sequence assignment, and append.
// Caller must hold the write lock.
func (s *Store) saveLocked(ctx context.Context, ev *event.Event) eventstore.Outcome {
	k := ctxKey{World: ev.WorldID, Chat: ev.ChatID}

	if _, seen := s.ids[k][ev.ID]; seen {
		metrics.Std().DuplicateSkipped(ctx, backendName)
		return eventstore.OutcomeDuplicate
	}

	if ev.Seq == 0 {
		ev.Seq = s.seqs[k] + 1
	}
	if ev.Seq > s.seqs[k] {
		s.seqs[k] = ev.Seq
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	if s.ids[k] == nil {
		s.ids[k] = make(map[string]struct{})
	}
	s.ids[k][ev.ID] = struct{}{}
	s.buckets[k] = append(s.buckets[k], ev.Clone())
	metrics.Std().Saved(ctx, backendName)
	return eventstore.OutcomeSaved
}

// EventsByWorldAndChat returns the context's events filtered by opts.
func (s *Store) EventsByWorldAndChat(_ context.Context, worldID, chatID string, opts eventstore.QueryOptions) ([]*event.Event, error) {
	s.mu.RLock()
	bucket := s.buckets[ctxKey{World: worldID, Chat: chatID}]
	evs := cloneAll(bucket)
	s.mu.RUnlock()

	return eventstore.ApplyOptions(evs, opts), nil
}

// EventRange returns events with fromSeq <= seq <= toSeq, ascending.
func (s *Store) EventRange(_ context.Context, worldID, chatID string, fromSeq, toSeq int64) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*event.Event
	for _, ev := range s.buckets[ctxKey{World: worldID, Chat: chatID}] {
		if ev.Seq >= fromSeq && ev.Seq <= toSeq {
			out = append(out, ev.Clone())
		}
	}
	eventstore.SortEvents(out, false)
	return out, nil
}

// LatestSeq returns the context's high-water mark, 0 when empty.
func (s *Store) LatestSeq(_ context.Context, worldID, chatID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seqs[ctxKey{World: worldID, Chat: chatID}], nil
}

// DeleteByWorldAndChat removes one context and resets its counter.
func (s *Store) DeleteByWorldAndChat(_ context.Context, worldID, chatID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteContextLocked(ctxKey{World: worldID, Chat: chatID}), nil
}

// DeleteByWorld removes every context belonging to the world.
func (s *Store) DeleteByWorld(_ context.Context, worldID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for k := range s.buckets {
		if k.World == worldID {
			removed += s.deleteContextLocked(k)
		}
	}
	return removed, nil
}

// deleteContextLocked drops one context's bucket, id set, and counter.
// Caller must hold the write lock.
func (s *Store) deleteContextLocked(k ctxKey) int64 {
	removed := int64(len(s.buckets[k]))
	delete(s.buckets, k)
	delete(s.ids, k)
	delete(s.seqs, k)
	return removed
}

func cloneAll(evs []*event.Event) []*event.Event {
	out := make([]*event.Event, len(evs))
	for i, ev := range evs {
		out[i] = ev.Clone()
	}
	return out
}
