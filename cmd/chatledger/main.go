package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/chatledger/chatledger/internal/adapter/file"
	"github.com/chatledger/chatledger/internal/adapter/memory"
	"github.com/chatledger/chatledger/internal/adapter/postgres"
	"github.com/chatledger/chatledger/internal/config"
	"github.com/chatledger/chatledger/internal/domain/event"
	"github.com/chatledger/chatledger/internal/events"
	"github.com/chatledger/chatledger/internal/logger"
	"github.com/chatledger/chatledger/internal/port/eventstore"
	"github.com/chatledger/chatledger/internal/service"
)

const usage = `usage: chatledger <command> [flags]

commands:
  record   append events read from stdin (JSON object or array)
  replay   print one page of ordered history for a context
  catchup  print everything after a sequence number
  latest   print the highest assigned sequence number
  stats    print per-type counts and the high-water mark
  purge    delete a chat's events, or a whole world with -all
  migrate  apply, roll back, or inspect postgres migrations
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatledger:", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "migrate":
		return runMigrate(ctx, cfg, args)
	case "record", "replay", "catchup", "latest", "stats", "purge":
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	switch cmd {
	case "record":
		var pub events.Publisher = &events.NoopPublisher{}
		if cfg.NATS.URL != "" {
			np, err := events.NewNATSPublisher(cfg.NATS.URL)
			if err != nil {
				return fmt.Errorf("nats: %w", err)
			}
			defer func() { _ = np.Close() }()
			pub = np
		}
		return runRecord(ctx, service.NewRecorder(store, pub, log), args)
	case "replay":
		return runReplay(ctx, service.NewReplayService(store), args)
	case "catchup":
		return runCatchUp(ctx, service.NewReplayService(store), args)
	case "latest":
		return runLatest(ctx, store, args)
	case "stats":
		return runStats(ctx, service.NewReplayService(store), args)
	case "purge":
		return runPurge(ctx, store, args)
	}
	return nil
}

// openStore builds the configured backend and a cleanup func.
func openStore(ctx context.Context, cfg *config.Config) (eventstore.Store, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return postgres.NewEventStore(pool), pool.Close, nil
	case config.BackendFile:
		st, err := file.NewStore(cfg.File.Root, cfg.File.DedupeBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("file store: %w", err)
		}
		return st, st.Close, nil
	case config.BackendMemory:
		return memory.NewStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Storage.Backend)
	}
}

func runMigrate(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	down := fs.Int("down", 0, "roll back this many migrations instead of applying")
	status := fs.Bool("status", false, "print the current migration version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dsn := cfg.Postgres.DSN
	switch {
	case *status:
		v, err := postgres.MigrationVersion(ctx, dsn)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	case *down > 0:
		return postgres.RollbackMigrations(ctx, dsn, *down)
	default:
		return postgres.RunMigrations(ctx, dsn)
	}
}

func runRecord(ctx context.Context, rec *service.Recorder, args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	input := fs.String("file", "-", "path to event JSON, or - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	evs, err := readEvents(*input)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		if ev.ID == "" {
			id, err := event.NewID()
			if err != nil {
				return err
			}
			ev.ID = id
		}
	}
	saved, err := rec.RecordBatch(ctx, evs)
	if err != nil {
		return err
	}
	fmt.Printf("recorded %d of %d event(s)\n", saved, len(evs))
	return nil
}

// readEvents accepts either a single event object or an array of events.
func readEvents(path string) ([]*event.Event, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var evs []*event.Event
	if err := json.Unmarshal(raw, &evs); err == nil {
		return evs, nil
	}
	var ev event.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("parse events: %w", err)
	}
	return []*event.Event{&ev}, nil
}

func runReplay(ctx context.Context, replay *service.ReplayService, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	world := fs.String("world", "", "world id (required)")
	chat := fs.String("chat", "", "chat id, empty for world-level events")
	since := fs.Int64("since", 0, "return events with seq greater than this")
	limit := fs.Int("limit", service.DefaultPageSize, "page size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *world == "" {
		return errors.New("replay: -world is required")
	}

	page, err := replay.Page(ctx, *world, *chat, *since, *limit)
	if err != nil {
		return err
	}
	return printJSON(page)
}

func runCatchUp(ctx context.Context, replay *service.ReplayService, args []string) error {
	fs := flag.NewFlagSet("catchup", flag.ExitOnError)
	world := fs.String("world", "", "world id (required)")
	chat := fs.String("chat", "", "chat id, empty for world-level events")
	since := fs.Int64("since", 0, "return events with seq greater than this")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *world == "" {
		return errors.New("catchup: -world is required")
	}

	evs, err := replay.CatchUp(ctx, *world, *chat, *since)
	if err != nil {
		return err
	}
	return printJSON(evs)
}

func runLatest(ctx context.Context, store eventstore.Store, args []string) error {
	fs := flag.NewFlagSet("latest", flag.ExitOnError)
	world := fs.String("world", "", "world id (required)")
	chat := fs.String("chat", "", "chat id, empty for world-level events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *world == "" {
		return errors.New("latest: -world is required")
	}

	seq, err := store.LatestSeq(ctx, *world, *chat)
	if err != nil {
		return err
	}
	fmt.Println(seq)
	return nil
}

func runStats(ctx context.Context, replay *service.ReplayService, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	world := fs.String("world", "", "world id (required)")
	chat := fs.String("chat", "", "chat id, empty for world-level events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *world == "" {
		return errors.New("stats: -world is required")
	}

	summary, err := replay.Stats(ctx, *world, *chat)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func runPurge(ctx context.Context, store eventstore.Store, args []string) error {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	world := fs.String("world", "", "world id (required)")
	chat := fs.String("chat", "", "chat id, empty for world-level events")
	all := fs.Bool("all", false, "delete every event in the world, across all chats")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *world == "" {
		return errors.New("purge: -world is required")
	}

	var (
		n   int64
		err error
	)
	if *all {
		n, err = store.DeleteByWorld(ctx, *world)
	} else {
		n, err = store.DeleteByWorldAndChat(ctx, *world, *chat)
	}
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d event(s)\n", n)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
