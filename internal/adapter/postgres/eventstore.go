package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatledger/chatledger/internal/domain/event"
	"github.com/chatledger/chatledger/internal/metrics"
	"github.com/chatledger/chatledger/internal/port/eventstore"
)

const backendName = "postgres"

// EventStore implements eventstore.Store using PostgreSQL (append-only).
// Sequence numbers come from the event_seqs counter table, incremented
// atomically in the same transaction as the insert, so concurrent writers
// to one context can never be assigned the same value.
type EventStore struct {
	pool *pgxpool.Pool
}

// Compile-time check that EventStore implements eventstore.Store.
var _ eventstore.Store = (*EventStore)(nil)

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// SaveEvent validates, sequences, and persists a single event.
func (s *EventStore) SaveEvent(ctx context.Context, ev *event.Event) (eventstore.Outcome, error) {
	outs, err := s.SaveEvents(ctx, []*event.Event{ev})
	if err != nil {
		return 0, err
	}
	return outs[0], nil
}

// SaveEvents persists a batch in one transaction. Duplicate ids and
// referential skips leave the rest of the batch intact; any other error
// rolls the whole batch back.
func (s *EventStore) SaveEvents(ctx context.Context, evs []*event.Event) ([]eventstore.Outcome, error) {
	for _, ev := range evs {
		if err := event.ValidateForPersistence(ev); err != nil {
			metrics.Std().ValidationFailed(ctx, backendName)
			return nil, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	outcomes := make([]eventstore.Outcome, len(evs))
	for i, ev := range evs {
		out, err := s.saveInTx(ctx, tx, ev)
		if err != nil {
			return nil, err
		}
		outcomes[i] = out
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return outcomes, nil
}

// saveInTx writes one event inside the batch transaction, using a savepoint
// so a referential failure can be skipped without poisoning the batch.
func (s *EventStore) saveInTx(ctx context.Context, tx pgx.Tx, ev *event.Event) (eventstore.Outcome, error) {
	sp, err := tx.Begin(ctx) // savepoint
	if err != nil {
		return 0, fmt.Errorf("begin savepoint: %w", err)
	}

	// The counter allocation inside insertEvent mutates ev.Seq; a savepoint
	// rollback reverts the counter row, so the event must not keep a seq
	// value the next successful write will be handed again.
	prevSeq := ev.Seq

	inserted, err := insertEvent(ctx, sp, ev)
	if err != nil {
		_ = sp.Rollback(ctx)
		ev.Seq = prevSeq
		if isForeignKeyViolation(err) {
			// The event raced ahead of the chat it references. Expected
			// with at-least-once producers; skip and keep going.
			slog.Warn("event skipped: chat not yet known",
				"event_id", ev.ID, "world_id", ev.WorldID, "chat_id", ev.ChatID)
			metrics.Std().ReferentialSkipped(ctx, backendName)
			return eventstore.OutcomeSkipped, nil
		}
		return 0, err
	}

	if err := sp.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit savepoint: %w", err)
	}

	if inserted {
		metrics.Std().Saved(ctx, backendName)
		return eventstore.OutcomeSaved, nil
	}
	metrics.Std().DuplicateSkipped(ctx, backendName)
	return eventstore.OutcomeDuplicate, nil
}

// insertEvent allocates the sequence number and inserts the row. Returns
// false without error when the id was already stored.
func insertEvent(ctx context.Context, tx pgx.Tx, ev *event.Event) (bool, error) {
	// Duplicate check first so a retried write does not burn a sequence
	// value. Two writers racing on the same id can still leave a gap; the
	// insert below stays a no-op for the loser either way.
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, ev.ID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check event %s: %w", ev.ID, err)
	}
	if exists {
		return false, nil
	}

	if ev.Seq == 0 {
		if err := tx.QueryRow(ctx,
			`INSERT INTO event_seqs (world_id, chat_id, seq) VALUES ($1, $2, 1)
			 ON CONFLICT (world_id, chat_id) DO UPDATE SET seq = event_seqs.seq + 1
			 RETURNING seq`,
			ev.WorldID, ev.ChatID).Scan(&ev.Seq); err != nil {
			return false, fmt.Errorf("allocate seq for event %s: %w", ev.ID, err)
		}
	} else {
		// Producer-assigned seq: keep the counter at least that high.
		if _, err := tx.Exec(ctx,
			`INSERT INTO event_seqs (world_id, chat_id, seq) VALUES ($1, $2, $3)
			 ON CONFLICT (world_id, chat_id) DO UPDATE
			 SET seq = GREATEST(event_seqs.seq, EXCLUDED.seq)`,
			ev.WorldID, ev.ChatID, ev.Seq); err != nil {
			return false, fmt.Errorf("advance seq for event %s: %w", ev.ID, err)
		}
	}

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO events (id, world_id, chat_id, seq, type, payload, meta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.WorldID, nullIfEmpty(ev.ChatID), ev.Seq, string(ev.Type),
		ev.Payload, ev.Meta, ev.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// eventColumns is the SELECT column list for events queries.
const eventColumns = `id, world_id, COALESCE(chat_id, ''), seq, type, payload, meta, created_at`

// scanEvent scans a row into an Event.
func scanEvent(scanner interface{ Scan(dest ...any) error }, ev *event.Event) error {
	return scanner.Scan(
		&ev.ID, &ev.WorldID, &ev.ChatID, &ev.Seq, &ev.Type,
		&ev.Payload, &ev.Meta, &ev.CreatedAt,
	)
}

// EventsByWorldAndChat returns the context's events filtered by opts,
// ordered by (seq, created_at).
func (s *EventStore) EventsByWorldAndChat(ctx context.Context, worldID, chatID string, opts eventstore.QueryOptions) ([]*event.Event, error) {
	args := []any{worldID}
	conditions := []string{"world_id = $1", chatCondition(chatID, &args)}
	argIdx := len(args) + 1

	if opts.SinceSeq > 0 {
		conditions = append(conditions, fmt.Sprintf("seq > $%d", argIdx))
		args = append(args, opts.SinceSeq)
		argIdx++
	}
	if !opts.SinceTime.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at > $%d", argIdx))
		args = append(args, opts.SinceTime)
		argIdx++
	}
	if len(opts.Types) > 0 {
		types := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			types[i] = string(t)
		}
		conditions = append(conditions, fmt.Sprintf("type = ANY($%d)", argIdx))
		args = append(args, types)
		argIdx++
	}

	direction := "ASC"
	if opts.Descending {
		direction = "DESC"
	}

	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY seq %s, created_at %s`,
		eventColumns, strings.Join(conditions, " AND "), direction, direction)

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
	}

	return s.queryEvents(ctx, query, args...)
}

// EventRange returns events with fromSeq <= seq <= toSeq, ascending.
func (s *EventStore) EventRange(ctx context.Context, worldID, chatID string, fromSeq, toSeq int64) ([]*event.Event, error) {
	args := []any{worldID}
	chatCond := chatCondition(chatID, &args)
	argIdx := len(args) + 1

	query := fmt.Sprintf(
		`SELECT %s FROM events WHERE world_id = $1 AND %s AND seq BETWEEN $%d AND $%d
		 ORDER BY seq ASC, created_at ASC`,
		eventColumns, chatCond, argIdx, argIdx+1)
	args = append(args, fromSeq, toSeq)

	return s.queryEvents(ctx, query, args...)
}

// LatestSeq returns the context's high-water mark, 0 when empty.
func (s *EventStore) LatestSeq(ctx context.Context, worldID, chatID string) (int64, error) {
	args := []any{worldID}
	chatCond := chatCondition(chatID, &args)

	var seq int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE world_id = $1 AND %s`, chatCond),
		args...).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return seq, nil
}

// DeleteByWorldAndChat removes one context's events and its sequence counter.
func (s *EventStore) DeleteByWorldAndChat(ctx context.Context, worldID, chatID string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	args := []any{worldID}
	chatCond := chatCondition(chatID, &args)

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM events WHERE world_id = $1 AND %s`, chatCond), args...)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM event_seqs WHERE world_id = $1 AND chat_id = $2`,
		worldID, chatID); err != nil {
		return 0, fmt.Errorf("reset seq counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteByWorld removes every event and counter belonging to the world.
func (s *EventStore) DeleteByWorld(ctx context.Context, worldID string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM events WHERE world_id = $1`, worldID)
	if err != nil {
		return 0, fmt.Errorf("delete world events: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM event_seqs WHERE world_id = $1`, worldID); err != nil {
		return 0, fmt.Errorf("reset world seq counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EnsureWorld upserts a world row. The runtime that owns world lifecycle
// calls this before writing world-scoped events.
func (s *EventStore) EnsureWorld(ctx context.Context, worldID string) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO worlds (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, worldID); err != nil {
		return fmt.Errorf("ensure world %s: %w", worldID, err)
	}
	return nil
}

// EnsureChat upserts a chat row so events referencing it pass the engine's
// referential check.
func (s *EventStore) EnsureChat(ctx context.Context, worldID, chatID string) error {
	if err := s.EnsureWorld(ctx, worldID); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO chats (world_id, id) VALUES ($1, $2) ON CONFLICT (world_id, id) DO NOTHING`,
		worldID, chatID); err != nil {
		return fmt.Errorf("ensure chat %s/%s: %w", worldID, chatID, err)
	}
	return nil
}

func (s *EventStore) queryEvents(ctx context.Context, query string, args ...any) ([]*event.Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		var ev event.Event
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
