// Package eventstore defines the port interface for the append-only
// conversation event store. All backends (postgres, file, memory) satisfy
// Store with identical observable behavior, so replay servers and
// persistence subscribers depend only on this package.
package eventstore

import (
	"context"
	"time"

	"github.com/chatledger/chatledger/internal/domain/event"
)

// QueryOptions controls filtering and ordering for EventsByWorldAndChat.
// The zero value returns the full context in ascending (seq, createdAt)
// order.
type QueryOptions struct {
	// SinceSeq filters to events with seq strictly greater than this value.
	SinceSeq int64
	// SinceTime filters to events created strictly after this instant.
	SinceTime time.Time
	// Types filters to the given event types; empty means all types.
	Types []event.Type
	// Limit truncates the result; 0 means no limit.
	Limit int
	// Descending reverses the (seq, createdAt) ordering.
	Descending bool
}

// WantsType reports whether the options admit the given event type.
func (o QueryOptions) WantsType(t event.Type) bool {
	if len(o.Types) == 0 {
		return true
	}
	for _, want := range o.Types {
		if want == t {
			return true
		}
	}
	return false
}

// Outcome reports what a save did with one event. A non-error save is
// either a fresh persist, a silently accepted duplicate, or a referential
// skip; callers that forward persisted events (live feeds, projections)
// must only act on OutcomeSaved.
type Outcome int

const (
	// OutcomeSaved means the event was newly persisted.
	OutcomeSaved Outcome = iota
	// OutcomeDuplicate means the id was already stored; nothing changed.
	OutcomeDuplicate
	// OutcomeSkipped means the backend refused the event without failing
	// the batch, e.g. a relational referential check on an unknown chat.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSaved:
		return "saved"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeSkipped:
		return "skipped"
	}
	return "unknown"
}

// Store is the backend-agnostic contract for persisting and replaying
// conversation events.
//
// Writes are idempotent on event ID: a save that targets a previously seen
// ID is silently accepted without re-persisting. The relational backend
// enforces id uniqueness globally through the primary key; the file and
// in-memory backends track ids per context. Producers must mint globally
// unique ids and never reuse one across contexts. Saves assign Seq (and
// CreatedAt, when unset) on the passed event. Within one (worldID, chatID)
// context, assigned Seq values are strictly increasing starting at 1; an
// empty chatID scopes the context to the world itself.
type Store interface {
	// SaveEvent validates, sequences, and persists a single event,
	// reporting whether it was stored, deduplicated, or skipped.
	SaveEvent(ctx context.Context, ev *event.Event) (Outcome, error)

	// SaveEvents persists a batch with the same guarantees as SaveEvent,
	// returning one Outcome per input event in input order. Transactional
	// backends apply the batch all-or-nothing (duplicates and referential
	// skips excepted); best-effort backends still guarantee per-event
	// duplicate skipping and ordering. Outcomes are nil on error.
	SaveEvents(ctx context.Context, evs []*event.Event) ([]Outcome, error)

	// EventsByWorldAndChat returns the context's events filtered by opts,
	// ordered by (seq, createdAt).
	EventsByWorldAndChat(ctx context.Context, worldID, chatID string, opts QueryOptions) ([]*event.Event, error)

	// EventRange returns events with fromSeq <= seq <= toSeq, ascending.
	EventRange(ctx context.Context, worldID, chatID string, fromSeq, toSeq int64) ([]*event.Event, error)

	// LatestSeq returns the context's high-water mark, 0 when empty.
	LatestSeq(ctx context.Context, worldID, chatID string) (int64, error)

	// DeleteByWorldAndChat removes every event in one context and resets its
	// cached sequence state, returning the number removed.
	DeleteByWorldAndChat(ctx context.Context, worldID, chatID string) (int64, error)

	// DeleteByWorld removes every event across all of a world's contexts,
	// returning the number removed.
	DeleteByWorld(ctx context.Context, worldID string) (int64, error)
}
