package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chatledger/chatledger/internal/domain/event"
	"github.com/chatledger/chatledger/internal/port/eventstore"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	s, err := NewStore(root, 1<<20)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s, root
}

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

func TestFileLayout(t *testing.T) {
	s, root := newTestStore(t)
	mustSave(t, s, systemEvent("e1", "w1", "c1"))
	mustSave(t, s, systemEvent("e2", "w1", ""))

	if _, err := os.Stat(filepath.Join(root, "w1", "events", "c1.json")); err != nil {
		t.Fatalf("chat context file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "w1", "events", "null.json")); err != nil {
		t.Fatalf("world-level context file: %v", err)
	}
}

func TestSequenceAndCreatedAtAssigned(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 1; i <= 3; i++ {
		ev := systemEvent(fmt.Sprintf("e%d", i), "w1", "c1")
		mustSave(t, s, ev)
		if ev.Seq != int64(i) {
			t.Fatalf("event %d assigned seq %d", i, ev.Seq)
		}
		if ev.CreatedAt.IsZero() {
			t.Fatalf("event %d has no createdAt", i)
		}
	}
}

func TestDuplicateAcrossReads(t *testing.T) {
	s, _ := newTestStore(t)
	mustSave(t, s, systemEvent("e1", "w1", "c1"))
	if out, err := s.SaveEvent(context.Background(), systemEvent("e1", "w1", "c1")); err != nil || out != eventstore.OutcomeDuplicate {
		t.Fatalf("duplicate save: outcome %v, err %v", out, err)
	}

	evs, err := s.EventsByWorldAndChat(context.Background(), "w1", "c1", eventstore.QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("duplicate id stored twice: %d events", len(evs))
	}
}

func TestCounterReseedsFromFileOnReopen(t *testing.T) {
	_, root := newTestStore(t)

	first, err := NewStore(root, 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	mustSave(t, first, systemEvent("e1", "w1", "c1"))
	mustSave(t, first, systemEvent("e2", "w1", "c1"))

	// A second store over the same root must continue the sequence, not
	// restart it.
	second, err := NewStore(root, 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ev := systemEvent("e3", "w1", "c1")
	mustSave(t, second, ev)
	if ev.Seq != 3 {
		t.Fatalf("reopened store assigned seq %d, want 3", ev.Seq)
	}

	seq, err := second.LatestSeq(context.Background(), "w1", "c1")
	if err != nil || seq != 3 {
		t.Fatalf("LatestSeq = %d, %v", seq, err)
	}
}

func TestLatestSeqColdRead(t *testing.T) {
	_, root := newTestStore(t)

	writer, _ := NewStore(root, 0)
	mustSave(t, writer, systemEvent("e1", "w1", "c1"))
	mustSave(t, writer, systemEvent("e2", "w1", "c1"))

	reader, _ := NewStore(root, 0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := reader.LatestSeq(context.Background(), "w1", "c1")
			if err != nil || seq != 2 {
				t.Errorf("cold LatestSeq = %d, %v", seq, err)
			}
		}()
	}
	wg.Wait()

	seq, err := reader.LatestSeq(context.Background(), "w1", "nosuch")
	if err != nil || seq != 0 {
		t.Fatalf("empty context LatestSeq = %d, %v", seq, err)
	}
}

func TestBatchGroupsByContext(t *testing.T) {
	s, _ := newTestStore(t)
	batch := []*event.Event{
		systemEvent("e1", "w1", "c1"),
		systemEvent("e2", "w1", "c2"),
		systemEvent("e3", "w1", "c1"),
	}
	if _, err := s.SaveEvents(context.Background(), batch); err != nil {
		t.Fatalf("batch: %v", err)
	}

	if batch[0].Seq != 1 || batch[2].Seq != 2 {
		t.Fatalf("c1 seqs: %d, %d", batch[0].Seq, batch[2].Seq)
	}
	if batch[1].Seq != 1 {
		t.Fatalf("c2 seq: %d", batch[1].Seq)
	}
}

func TestDeleteByWorldAndChat(t *testing.T) {
	s, root := newTestStore(t)
	mustSave(t, s, systemEvent("e1", "w1", "c1"))
	mustSave(t, s, systemEvent("e2", "w1", "c1"))
	mustSave(t, s, systemEvent("e3", "w1", "c2"))

	n, err := s.DeleteByWorldAndChat(context.Background(), "w1", "c1")
	if err != nil || n != 2 {
		t.Fatalf("delete = %d, %v", n, err)
	}
	if _, err := os.Stat(filepath.Join(root, "w1", "events", "c1.json")); !os.IsNotExist(err) {
		t.Fatalf("context file still present: %v", err)
	}

	// The deleted id must be writable again and the sequence restarts.
	fresh := systemEvent("e1", "w1", "c1")
	mustSave(t, s, fresh)
	if fresh.Seq != 1 {
		t.Fatalf("sequence not reset after delete: got %d", fresh.Seq)
	}

	evs, _ := s.EventsByWorldAndChat(context.Background(), "w1", "c2", eventstore.QueryOptions{})
	if len(evs) != 1 {
		t.Fatalf("sibling context affected: %d events", len(evs))
	}
}

func TestDeleteByWorld(t *testing.T) {
	s, root := newTestStore(t)
	mustSave(t, s, systemEvent("e1", "w1", "c1"))
	mustSave(t, s, systemEvent("e2", "w1", ""))
	mustSave(t, s, systemEvent("e3", "w2", "c1"))

	n, err := s.DeleteByWorld(context.Background(), "w1")
	if err != nil || n != 2 {
		t.Fatalf("delete world = %d, %v", n, err)
	}
	if _, err := os.Stat(filepath.Join(root, "w1", "events")); !os.IsNotExist(err) {
		t.Fatalf("world events dir still present: %v", err)
	}

	evs, _ := s.EventsByWorldAndChat(context.Background(), "w2", "c1", eventstore.QueryOptions{})
	if len(evs) != 1 {
		t.Fatalf("other world affected: %d events", len(evs))
	}

	n, err = s.DeleteByWorld(context.Background(), "nosuch")
	if err != nil || n != 0 {
		t.Fatalf("delete missing world = %d, %v", n, err)
	}
}

func TestDeleteByWorldWaitsForInFlightWriter(t *testing.T) {
	s, root := newTestStore(t)
	mustSave(t, s, systemEvent("e1", "w1", "c1"))

	// Hold the context lock as a writer mid-rewrite would, then start the
	// delete. It must not touch the directory until the lock is released.
	lock := s.contextLock(ctxKey{World: "w1", Chat: "c1"})
	lock.Lock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if n, err := s.DeleteByWorld(context.Background(), "w1"); err != nil || n != 1 {
			t.Errorf("delete world = %d, %v", n, err)
		}
	}()

	select {
	case <-done:
		t.Fatal("delete finished while a writer held the context lock")
	case <-time.After(50 * time.Millisecond):
	}

	lock.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delete did not finish after the lock was released")
	}

	if _, err := os.Stat(filepath.Join(root, "w1", "events")); !os.IsNotExist(err) {
		t.Fatalf("world events dir still present: %v", err)
	}
}

func TestEventRange(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 1; i <= 5; i++ {
		mustSave(t, s, systemEvent(fmt.Sprintf("e%d", i), "w1", "c1"))
	}
	evs, err := s.EventRange(context.Background(), "w1", "c1", 2, 4)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(evs) != 3 || evs[0].Seq != 2 || evs[2].Seq != 4 {
		t.Fatalf("range [2,4]: %d events", len(evs))
	}
}

func TestConcurrentWritersOneContext(t *testing.T) {
	s, _ := newTestStore(t)
	const writers = 10

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.SaveEvent(context.Background(), systemEvent(fmt.Sprintf("e%d", i), "w1", "c1")); err != nil {
				t.Errorf("save e%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	evs, err := s.EventsByWorldAndChat(context.Background(), "w1", "c1", eventstore.QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(evs) != writers {
		t.Fatalf("lost writes: %d events", len(evs))
	}
	seen := make(map[int64]bool)
	for _, ev := range evs {
		if seen[ev.Seq] {
			t.Fatalf("duplicate seq %d", ev.Seq)
		}
		seen[ev.Seq] = true
	}
	for i := int64(1); i <= writers; i++ {
		if !seen[i] {
			t.Fatalf("missing seq %d", i)
		}
	}
}
