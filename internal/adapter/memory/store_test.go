package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/chatledger/chatledger/internal/domain"
	"github.com/chatledger/chatledger/internal/domain/event"
	"github.com/chatledger/chatledger/internal/port/eventstore"
)

func systemEvent(id, worldID, chatID string) *event.Event {
	return &event.Event{
		ID:      id,
		WorldID: worldID,
		ChatID:  chatID,
		Type:    event.TypeSystem,
	}
}

func mustSave(t *testing.T, s *Store, ev *event.Event) {
	t.Helper()
	if _, err := s.SaveEvent(context.Background(), ev); err != nil {
		t.Fatalf("save %s: %v", ev.ID, err)
	}
}

func TestSequenceAssignment(t *testing.T) {
	s := NewStore()
	for i := 1; i <= 3; i++ {
		ev := systemEvent(fmt.Sprintf("e%d", i), "w1", "c1")
		mustSave(t, s, ev)
		if ev.Seq != int64(i) {
			t.Fatalf("event %d assigned seq %d", i, ev.Seq)
		}
	}

	seq, err := s.LatestSeq(context.Background(), "w1", "c1")
	if err != nil || seq != 3 {
		t.Fatalf("LatestSeq = %d, %v", seq, err)
	}
}

func TestContextsSequenceIndependently(t *testing.T) {
	s := NewStore()
	a := systemEvent("e1", "w1", "c1")
	b := systemEvent("e2", "w1", "c2")
	c := systemEvent("e3", "w1", "")
	d := systemEvent("e4", "w2", "c1")
	for _, ev := range []*event.Event{a, b, c, d} {
		mustSave(t, s, ev)
	}
	for _, ev := range []*event.Event{a, b, c, d} {
		if ev.Seq != 1 {
			t.Fatalf("%s got seq %d in a fresh context", ev.ID, ev.Seq)
		}
	}
}

func TestDuplicateIDIsNoop(t *testing.T) {
	s := NewStore()
	mustSave(t, s, systemEvent("e1", "w1", "c1"))
	if out, err := s.SaveEvent(context.Background(), systemEvent("e1", "w1", "c1")); err != nil || out != eventstore.OutcomeDuplicate {
		t.Fatalf("duplicate save: outcome %v, err %v", out, err)
	}
	mustSave(t, s, &event.Event{ID: "e1", WorldID: "w1", ChatID: "c1", Type: event.TypeSSE})

	evs, err := s.EventsByWorldAndChat(context.Background(), "w1", "c1", eventstore.QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("duplicate id stored twice: %d events", len(evs))
	}
	if evs[0].Type != event.TypeSystem {
		t.Fatalf("duplicate overwrote stored event: type %s", evs[0].Type)
	}
}

func TestProducerAssignedSeqBumpsCounter(t *testing.T) {
	s := NewStore()
	pre := systemEvent("e1", "w1", "c1")
	pre.Seq = 10
	mustSave(t, s, pre)

	next := systemEvent("e2", "w1", "c1")
	mustSave(t, s, next)
	if next.Seq != 11 {
		t.Fatalf("counter did not advance past producer seq: got %d", next.Seq)
	}
}

func TestValidationGate(t *testing.T) {
	s := NewStore()
	bad := &event.Event{ID: "e1", WorldID: "w1", Type: event.TypeMessage}
	_, err := s.SaveEvent(context.Background(), bad)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	evs, _ := s.EventsByWorldAndChat(context.Background(), "w1", "", eventstore.QueryOptions{})
	if len(evs) != 0 {
		t.Fatalf("rejected event was stored")
	}
}

func TestBatchValidatesBeforeStoring(t *testing.T) {
	s := NewStore()
	batch := []*event.Event{
		systemEvent("e1", "w1", "c1"),
		{ID: "e2", WorldID: "w1", ChatID: "c1", Type: event.TypeMessage}, // incomplete meta
	}
	if _, err := s.SaveEvents(context.Background(), batch); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	evs, _ := s.EventsByWorldAndChat(context.Background(), "w1", "c1", eventstore.QueryOptions{})
	if len(evs) != 0 {
		t.Fatalf("partial batch stored: %d events", len(evs))
	}
}

func TestReadsReturnClones(t *testing.T) {
	s := NewStore()
	ev := systemEvent("e1", "w1", "c1")
	ev.Payload = []byte(`{"n":1}`)
	mustSave(t, s, ev)

	evs, _ := s.EventsByWorldAndChat(context.Background(), "w1", "c1", eventstore.QueryOptions{})
	evs[0].Payload[5] = '9'
	evs[0].WorldID = "tampered"

	again, _ := s.EventsByWorldAndChat(context.Background(), "w1", "c1", eventstore.QueryOptions{})
	if string(again[0].Payload) != `{"n":1}` || again[0].WorldID != "w1" {
		t.Fatalf("stored state mutated through returned event: %+v", again[0])
	}
}

func TestEventRange(t *testing.T) {
	s := NewStore()
	for i := 1; i <= 5; i++ {
		mustSave(t, s, systemEvent(fmt.Sprintf("e%d", i), "w1", "c1"))
	}
	evs, err := s.EventRange(context.Background(), "w1", "c1", 2, 4)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(evs) != 3 || evs[0].Seq != 2 || evs[2].Seq != 4 {
		t.Fatalf("range [2,4]: got %d events, first %d", len(evs), evs[0].Seq)
	}
}

func TestDeleteByWorldAndChatResetsSequence(t *testing.T) {
	s := NewStore()
	mustSave(t, s, systemEvent("e1", "w1", "c1"))
	mustSave(t, s, systemEvent("e2", "w1", "c1"))
	mustSave(t, s, systemEvent("e3", "w1", "c2"))

	n, err := s.DeleteByWorldAndChat(context.Background(), "w1", "c1")
	if err != nil || n != 2 {
		t.Fatalf("delete = %d, %v", n, err)
	}

	// Sibling context untouched.
	evs, _ := s.EventsByWorldAndChat(context.Background(), "w1", "c2", eventstore.QueryOptions{})
	if len(evs) != 1 {
		t.Fatalf("sibling context affected: %d events", len(evs))
	}

	// Sequencing restarts at 1.
	fresh := systemEvent("e4", "w1", "c1")
	mustSave(t, s, fresh)
	if fresh.Seq != 1 {
		t.Fatalf("sequence not reset after delete: got %d", fresh.Seq)
	}
}

func TestDeleteByWorld(t *testing.T) {
	s := NewStore()
	mustSave(t, s, systemEvent("e1", "w1", "c1"))
	mustSave(t, s, systemEvent("e2", "w1", ""))
	mustSave(t, s, systemEvent("e3", "w2", "c1"))

	n, err := s.DeleteByWorld(context.Background(), "w1")
	if err != nil || n != 2 {
		t.Fatalf("delete world = %d, %v", n, err)
	}
	evs, _ := s.EventsByWorldAndChat(context.Background(), "w2", "c1", eventstore.QueryOptions{})
	if len(evs) != 1 {
		t.Fatalf("other world affected: %d events", len(evs))
	}
}

func TestQueryFilters(t *testing.T) {
	s := NewStore()
	for i := 1; i <= 4; i++ {
		ev := systemEvent(fmt.Sprintf("e%d", i), "w1", "c1")
		if i%2 == 0 {
			ev.Type = event.TypeSSE
		}
		mustSave(t, s, ev)
	}

	evs, _ := s.EventsByWorldAndChat(context.Background(), "w1", "c1", eventstore.QueryOptions{
		SinceSeq: 1,
		Types:    []event.Type{event.TypeSSE},
	})
	if len(evs) != 2 || evs[0].Seq != 2 || evs[1].Seq != 4 {
		t.Fatalf("filtered query: got %d events", len(evs))
	}

	evs, _ = s.EventsByWorldAndChat(context.Background(), "w1", "c1", eventstore.QueryOptions{
		Descending: true,
		Limit:      2,
	})
	if len(evs) != 2 || evs[0].Seq != 4 {
		t.Fatalf("descending limit: got %d events, first seq %d", len(evs), evs[0].Seq)
	}
}
