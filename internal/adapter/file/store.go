// Package file implements eventstore.Store with one JSON file per
// (worldID, chatID) context under a per-world directory:
//
//	<root>/<worldId>/events/<chatId|"null">.json
//
// Writes are read-modify-write under an exclusive per-context lock, with a
// sequence high-water mark cached in memory and seeded from the file's
// current maximum. The backend is safe for any number of goroutines in one
// process but is not safe for concurrent writer processes sharing a root.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/chatledger/chatledger/internal/domain/event"
	"github.com/chatledger/chatledger/internal/metrics"
	"github.com/chatledger/chatledger/internal/port/eventstore"
)

const backendName = "file"

// nullChatFile is the file name used for world-level events (no chat).
const nullChatFile = "null"

// ctxKey identifies one sequencing context.
type ctxKey struct {
	World string
	Chat  string
}

// Store is the file-backed event store.
type Store struct {
	root string

	// mu guards the bookkeeping maps; the per-context locks serialize the
	// read-modify-write cycle on each context file.
	mu     sync.Mutex
	locks  map[ctxKey]*sync.Mutex
	seqs   map[ctxKey]int64
	seeded map[ctxKey]bool
	gens   map[ctxKey]uint64

	// seed collapses concurrent cold LatestSeq reads into one file scan.
	seed singleflight.Group

	// dedupe caches recently seen event ids so retry storms skip the
	// duplicate check without re-reading the file. Misses always fall
	// through to the authoritative file scan. May be nil.
	dedupe *ristretto.Cache[string, struct{}]
}

// Compile-time check that Store implements eventstore.Store.
var _ eventstore.Store = (*Store)(nil)

// NewStore creates a file store rooted at root. dedupeBytes sizes the
// recently-seen-id cache; 0 disables it.
func NewStore(root string, dedupeBytes int64) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	s := &Store{
		root:   root,
		locks:  make(map[ctxKey]*sync.Mutex),
		seqs:   make(map[ctxKey]int64),
		seeded: make(map[ctxKey]bool),
		gens:   make(map[ctxKey]uint64),
	}

	if dedupeBytes > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
			NumCounters: dedupeBytes / 100 * 10, // ~10x expected items
			MaxCost:     dedupeBytes,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create dedupe cache: %w", err)
		}
		s.dedupe = cache
	}

	return s, nil
}

// Close releases the dedupe cache.
func (s *Store) Close() {
	if s.dedupe != nil {
		s.dedupe.Close()
	}
}

// SaveEvent validates, sequences, and appends a single event to its context
// file. A duplicate id is accepted silently.
func (s *Store) SaveEvent(ctx context.Context, ev *event.Event) (eventstore.Outcome, error) {
	if err := event.ValidateForPersistence(ev); err != nil {
		metrics.Std().ValidationFailed(ctx, backendName)
		return 0, err
	}
	outs, err := s.saveBatchOneContext(ctx, ctxKey{World: ev.WorldID, Chat: ev.ChatID}, []*event.Event{ev})
	if err != nil {
		return 0, err
	}
	return outs[0], nil
}

// SaveEvents persists a batch, grouping by context so each file is read and
// rewritten once. The batch is best-effort across contexts, but ordering and
// duplicate skipping hold per event.
func (s *Store) SaveEvents(ctx context.Context, evs []*event.Event) ([]eventstore.Outcome, error) {
	for _, ev := range evs {
		if err := event.ValidateForPersistence(ev); err != nil {
			metrics.Std().ValidationFailed(ctx, backendName)
			return nil, err
		}
	}

	// Group per context, preserving each context's write order. Grouped
	// values are batch indices so outcomes land back in input order.
	order := make([]ctxKey, 0, len(evs))
	grouped := make(map[ctxKey][]int)
	for i, ev := range evs {
		k := ctxKey{World: ev.WorldID, Chat: ev.ChatID}
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], i)
	}

	outcomes := make([]eventstore.Outcome, len(evs))
	for _, k := range order {
		idxs := grouped[k]
		sub := make([]*event.Event, len(idxs))
		for j, i := range idxs {
			sub[j] = evs[i]
		}
		outs, err := s.saveBatchOneContext(ctx, k, sub)
		if err != nil {
			return nil, err
		}
		for j, i := range idxs {
			outcomes[i] = outs[j]
		}
	}
	return outcomes, nil
}

// saveBatchOneContext runs the read-check-append-write cycle for one
// context, returning one outcome per input event.
func (s *Store) saveBatchOneContext(ctx context.Context, k ctxKey, evs []*event.Event) ([]eventstore.Outcome, error) {
	lock := s.contextLock(k)
	lock.Lock()
	defer lock.Unlock()

	gen := s.generation(k)

	// Fast path: skip events already seen recently.
	outcomes := make([]eventstore.Outcome, len(evs))
	pending := make([]int, 0, len(evs))
	for i, ev := range evs {
		if s.dedupeHit(k, gen, ev.ID) {
			outcomes[i] = eventstore.OutcomeDuplicate
			metrics.Std().DuplicateSkipped(ctx, backendName)
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return outcomes, nil
	}

	path := s.contextPath(k)
	existing, err := readContextFile(path)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(existing))
	var maxSeq int64
	for _, ev := range existing {
		seen[ev.ID] = struct{}{}
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
	}
	s.seedCounter(k, maxSeq)

	appended := 0
	for _, i := range pending {
		ev := evs[i]
		if _, dup := seen[ev.ID]; dup {
			outcomes[i] = eventstore.OutcomeDuplicate
			s.dedupeSet(k, gen, ev.ID)
			metrics.Std().DuplicateSkipped(ctx, backendName)
			continue
		}

		if ev.Seq == 0 {
			ev.Seq = s.nextSeq(k)
		} else {
			s.bumpSeq(k, ev.Seq)
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now().UTC()
		}

		existing = append(existing, ev)
		seen[ev.ID] = struct{}{}
		outcomes[i] = eventstore.OutcomeSaved
		appended++
	}

	if appended == 0 {
		return outcomes, nil
	}

	if err := writeContextFile(path, existing); err != nil {
		return nil, err
	}

	for _, i := range pending {
		s.dedupeSet(k, gen, evs[i].ID)
	}
	metrics.Std().SavedN(ctx, backendName, int64(appended))
	return outcomes, nil
}

// EventsByWorldAndChat returns the context's events filtered by opts.
func (s *Store) EventsByWorldAndChat(_ context.Context, worldID, chatID string, opts eventstore.QueryOptions) ([]*event.Event, error) {
	k := ctxKey{World: worldID, Chat: chatID}
	lock := s.contextLock(k)
	lock.Lock()
	evs, err := readContextFile(s.contextPath(k))
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	return eventstore.ApplyOptions(evs, opts), nil
}

// EventRange returns events with fromSeq <= seq <= toSeq, ascending.
func (s *Store) EventRange(_ context.Context, worldID, chatID string, fromSeq, toSeq int64) ([]*event.Event, error) {
	k := ctxKey{World: worldID, Chat: chatID}
	lock := s.contextLock(k)
	lock.Lock()
	evs, err := readContextFile(s.contextPath(k))
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	out := evs[:0:0]
	for _, ev := range evs {
		if ev.Seq >= fromSeq && ev.Seq <= toSeq {
			out = append(out, ev)
		}
	}
	eventstore.SortEvents(out, false)
	return out, nil
}

// LatestSeq returns the context's high-water mark, seeding the cached
// counter from the file on first touch. Concurrent cold reads share a
// single file scan.
func (s *Store) LatestSeq(_ context.Context, worldID, chatID string) (int64, error) {
	k := ctxKey{World: worldID, Chat: chatID}

	s.mu.Lock()
	if s.seeded[k] {
		seq := s.seqs[k]
		s.mu.Unlock()
		return seq, nil
	}
	s.mu.Unlock()

	v, err, _ := s.seed.Do(k.World+"\x00"+k.Chat, func() (any, error) {
		evs, err := readContextFile(s.contextPath(k))
		if err != nil {
			return int64(0), err
		}
		var maxSeq int64
		for _, ev := range evs {
			if ev.Seq > maxSeq {
				maxSeq = ev.Seq
			}
		}
		s.seedCounter(k, maxSeq)
		return maxSeq, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// DeleteByWorldAndChat removes one context file and clears its counter.
func (s *Store) DeleteByWorldAndChat(_ context.Context, worldID, chatID string) (int64, error) {
	k := ctxKey{World: worldID, Chat: chatID}
	lock := s.contextLock(k)
	lock.Lock()
	defer lock.Unlock()

	path := s.contextPath(k)
	evs, err := readContextFile(path)
	if err != nil {
		return 0, err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("delete context file: %w", err)
	}

	s.resetContext(k)
	return int64(len(evs)), nil
}

// DeleteByWorld removes the whole per-world events directory and clears
// every counter belonging to the world. It holds every context lock for
// the world so no writer is mid read-modify-write while the directory
// disappears.
func (s *Store) DeleteByWorld(_ context.Context, worldID string) (int64, error) {
	eventsDir := filepath.Join(s.root, worldID, "events")

	entries, err := os.ReadDir(eventsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read world events dir: %w", err)
	}

	locks := s.worldLocks(worldID, entries)
	for _, l := range locks {
		l.Lock()
	}
	defer func() {
		for _, l := range locks {
			l.Unlock()
		}
	}()

	// Recount under the locks; files may have changed before they were
	// acquired.
	entries, err = os.ReadDir(eventsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read world events dir: %w", err)
	}

	var removed int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		evs, err := readContextFile(filepath.Join(eventsDir, entry.Name()))
		if err != nil {
			slog.Warn("skipping unreadable context file during world delete",
				"world_id", worldID, "file", entry.Name(), "error", err)
			continue
		}
		removed += int64(len(evs))
	}

	if err := os.RemoveAll(eventsDir); err != nil {
		return 0, fmt.Errorf("remove world events dir: %w", err)
	}

	s.mu.Lock()
	for k := range s.seqs {
		if k.World == worldID {
			s.resetContextLocked(k)
		}
	}
	for k := range s.seeded {
		if k.World == worldID {
			s.resetContextLocked(k)
		}
	}
	s.mu.Unlock()

	return removed, nil
}

// --- context bookkeeping ---

// worldLocks returns the world's context locks in a deterministic order,
// merging contexts known to the bookkeeping maps with the chat files on
// disk. Deterministic ordering keeps concurrent world deletes from
// acquiring the same locks in opposite order.
func (s *Store) worldLocks(worldID string, entries []os.DirEntry) []*sync.Mutex {
	chats := make(map[string]struct{})
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		chat := strings.TrimSuffix(entry.Name(), ".json")
		if chat == nullChatFile {
			chat = ""
		}
		chats[chat] = struct{}{}
	}

	s.mu.Lock()
	for k := range s.locks {
		if k.World == worldID {
			chats[k.Chat] = struct{}{}
		}
	}
	s.mu.Unlock()

	names := make([]string, 0, len(chats))
	for c := range chats {
		names = append(names, c)
	}
	slices.Sort(names)

	locks := make([]*sync.Mutex, len(names))
	for i, c := range names {
		locks[i] = s.contextLock(ctxKey{World: worldID, Chat: c})
	}
	return locks
}

func (s *Store) contextLock(k ctxKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[k]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[k] = lock
	}
	return lock
}

func (s *Store) contextPath(k ctxKey) string {
	name := k.Chat
	if name == "" {
		name = nullChatFile
	}
	return filepath.Join(s.root, k.World, "events", name+".json")
}

// seedCounter marks the context seeded if it was not, adopting maxSeq as
// the high-water mark. A later explicit bump can only raise it.
func (s *Store) seedCounter(k ctxKey, maxSeq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seeded[k] {
		s.seeded[k] = true
		if maxSeq > s.seqs[k] {
			s.seqs[k] = maxSeq
		}
	}
}

func (s *Store) nextSeq(k ctxKey) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[k]++
	return s.seqs[k]
}

func (s *Store) bumpSeq(k ctxKey, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.seqs[k] {
		s.seqs[k] = seq
	}
}

func (s *Store) generation(k ctxKey) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[k]
}

// resetContext clears cached sequence state and invalidates cached dedupe
// entries (by bumping the generation) so a reused context starts clean.
func (s *Store) resetContext(k ctxKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetContextLocked(k)
}

func (s *Store) resetContextLocked(k ctxKey) {
	delete(s.seqs, k)
	delete(s.seeded, k)
	s.gens[k]++
}

// --- dedupe cache ---

// dedupeKey includes the context generation so entries cached before a
// delete can never suppress a later legitimate write.
func dedupeKey(k ctxKey, gen uint64, id string) string {
	return fmt.Sprintf("%s\x00%s\x00%d\x00%s", k.World, k.Chat, gen, id)
}

func (s *Store) dedupeHit(k ctxKey, gen uint64, id string) bool {
	if s.dedupe == nil {
		return false
	}
	_, ok := s.dedupe.Get(dedupeKey(k, gen, id))
	return ok
}

func (s *Store) dedupeSet(k ctxKey, gen uint64, id string) {
	if s.dedupe == nil {
		return
	}
	key := dedupeKey(k, gen, id)
	s.dedupe.Set(key, struct{}{}, int64(len(key)))
}

// --- file IO ---

// readContextFile loads a context file; a missing file is an empty context.
func readContextFile(path string) ([]*event.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read context file: %w", err)
	}

	var evs []*event.Event
	if err := json.Unmarshal(data, &evs); err != nil {
		return nil, fmt.Errorf("parse context file %s: %w", filepath.Base(path), err)
	}
	return evs, nil
}

// writeContextFile rewrites the whole context file through a temp file and
// rename so readers never observe a torn write.
func writeContextFile(path string, evs []*event.Event) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create events dir: %w", err)
	}

	data, err := json.MarshalIndent(evs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write context file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace context file: %w", err)
	}
	return nil
}
