package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chatledger/chatledger/internal/domain"
	"github.com/chatledger/chatledger/internal/domain/event"
	"github.com/chatledger/chatledger/internal/events"
	"github.com/chatledger/chatledger/internal/logger"
	"github.com/chatledger/chatledger/internal/port/eventstore"
)

// Recorder is the write-side service: it persists events through the
// configured backend and forwards accepted writes to the per-world feed.
// Publication is best-effort; a feed failure never fails the write.
type Recorder struct {
	store eventstore.Store
	pub   events.Publisher
	log   *slog.Logger
}

// NewRecorder creates a Recorder. A nil publisher disables the feed.
func NewRecorder(store eventstore.Store, pub events.Publisher, log *slog.Logger) *Recorder {
	if pub == nil {
		pub = &events.NoopPublisher{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, pub: pub, log: log}
}

// Record persists one event and publishes it to the world feed. Only a
// newly persisted event is published; duplicates and referential skips are
// suppressed so feed consumers see each stored event exactly once.
func (r *Recorder) Record(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return fmt.Errorf("record: %w: nil event", domain.ErrValidation)
	}
	ctx = logger.WithScope(ctx, ev.WorldID, ev.ChatID)

	out, err := r.store.SaveEvent(ctx, ev)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			r.log.Error("event rejected", "event_id", ev.ID, "type", ev.Type, "error", err)
		}
		return err
	}

	if out == eventstore.OutcomeSaved {
		r.publish(ctx, ev)
	}
	return nil
}

// RecordBatch persists a batch in one backend call, then publishes the
// newly persisted events in input order. It returns how many were
// persisted.
func (r *Recorder) RecordBatch(ctx context.Context, evs []*event.Event) (int, error) {
	if len(evs) == 0 {
		return 0, nil
	}
	outs, err := r.store.SaveEvents(ctx, evs)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			r.log.Error("event batch rejected", "count", len(evs), "error", err)
		}
		return 0, err
	}

	saved := 0
	for i, ev := range evs {
		if outs[i] != eventstore.OutcomeSaved {
			continue
		}
		saved++
		r.publish(logger.WithScope(ctx, ev.WorldID, ev.ChatID), ev)
	}
	return saved, nil
}

func (r *Recorder) publish(ctx context.Context, ev *event.Event) {
	if err := r.pub.Publish(ctx, events.Topic(ev.WorldID), ev); err != nil {
		r.log.Warn("event feed publish failed",
			"event_id", ev.ID,
			"world_id", ev.WorldID,
			"chat_id", ev.ChatID,
			"error", err)
	}
}
