// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/federation/engine"
	"github.com/bureau-foundation/federation/eventstore"
	"github.com/bureau-foundation/federation/lib/config"
	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/lib/version"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/reject"
	"github.com/bureau-foundation/federation/statecache"
)

func main() {
	version.Component = "federation-replay"
	os.Exit(run())
}

func run() int {
	var configPath string
	var shuffles int
	var seed int64

	flagSet := pflag.NewFlagSet("federation-replay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to federation.yaml (defaults are used when omitted)")
	flagSet.IntVar(&shuffles, "shuffles", -1, "number of shuffled delivery orders (overrides config)")
	flagSet.Int64Var(&seed, "seed", 0, "shuffle seed (overrides config)")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("federation-replay %s\n", version.Info())
		return 0
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(flagSet)
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	if help, _ := flagSet.GetBool("help"); help {
		printUsage(flagSet)
		return 0
	}

	arguments := flagSet.Args()
	if len(arguments) != 1 {
		fmt.Fprintf(os.Stderr, "error: exactly one scenario file is required\n")
		printUsage(flagSet)
		return 2
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 2
		}
		cfg = loaded
	}
	if shuffles < 0 {
		shuffles = cfg.Replay.Shuffles
	}
	if seed == 0 {
		seed = cfg.Replay.Seed
	}

	parsed, err := loadScenario(arguments[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	built, err := buildScenario(parsed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	orders := deliveryOrders(len(built.events), shuffles, seed)
	var reference *statecache.Snapshot
	for i, order := range orders {
		snapshot, err := replay(built, order, cfg.Cache.BudgetBytes, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: order %d: %v\n", i, err)
			return 2
		}
		if reference == nil {
			reference = snapshot
			continue
		}
		if snapshot.Fingerprint() != reference.Fingerprint() {
			fmt.Fprintf(os.Stderr, "divergence: order %d resolved to state group %x, order 0 to %x\n",
				i, snapshot.Fingerprint(), reference.Fingerprint())
			return 1
		}
	}

	printState(built, reference)
	fmt.Printf("replayed %d orders over %d events: all converge on state group %x\n",
		len(orders), len(built.events), reference.Fingerprint())
	return 0
}

// deliveryOrders returns the file order plus the requested number of
// seeded shuffles.
func deliveryOrders(events, shuffles int, seed int64) [][]int {
	fileOrder := make([]int, events)
	for i := range fileOrder {
		fileOrder[i] = i
	}
	orders := [][]int{fileOrder}

	generator := rand.New(rand.NewSource(seed))
	for i := 0; i < shuffles; i++ {
		orders = append(orders, generator.Perm(events))
	}
	return orders
}

// servingTransport backfills from the scenario's own event set, so
// shuffled orders can always recover missing ancestors.
type servingTransport struct {
	events map[ref.EventID]*pdu.Event
}

func (s *servingTransport) FetchMissing(ctx context.Context, room ref.RoomID, missing []ref.EventID) ([]*pdu.Event, error) {
	var found []*pdu.Event
	for _, id := range missing {
		if event, ok := s.events[id]; ok {
			found = append(found, event)
		}
	}
	return found, nil
}

func (s *servingTransport) Broadcast(ctx context.Context, event *pdu.Event) error { return nil }

// replay runs the events through a fresh engine in the given order
// and returns the room's final resolved state. Terminal rejections
// are expected scenario content and only logged; infrastructure
// failures abort.
func replay(built *builtScenario, order []int, cacheBudget int64, logger *slog.Logger) (*statecache.Snapshot, error) {
	transport := &servingTransport{events: make(map[ref.EventID]*pdu.Event, len(built.events))}
	for _, event := range built.events {
		transport.events[event.ID] = event
	}

	eng, err := engine.New(engine.Options{
		Store:       eventstore.NewMemoryStore(),
		Keys:        built.keys,
		Transport:   transport,
		Logger:      logger,
		CacheBudget: cacheBudget,
	})
	if err != nil {
		return nil, err
	}
	defer eng.Close()

	ctx := context.Background()
	var final *statecache.Snapshot
	for _, index := range order {
		event := built.events[index]
		snapshot, err := eng.Submit(ctx, event.Sender.Server(), event)
		if err != nil {
			var rejection *reject.RejectionError
			if errors.As(err, &rejection) {
				logger.Warn("event rejected during replay",
					"label", built.labels[event.ID], "reason", rejection.Reason)
				continue
			}
			return nil, err
		}
		final = snapshot
	}
	if final == nil {
		return nil, errors.New("no event in the scenario was accepted")
	}
	return final, nil
}

func printState(built *builtScenario, snapshot *statecache.Snapshot) {
	fmt.Printf("resolved state of %s (version %s):\n", built.room, built.version)
	state := snapshot.State()
	for _, tuple := range state.SortedTuples() {
		id := state[tuple]
		label := built.labels[id]
		if label == "" {
			label = "(external)"
		}
		fmt.Printf("  %-24s %-28q %s  %s\n", tuple.Type, tuple.StateKey, label, id)
	}
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "usage: federation-replay [flags] SCENARIO.jsonc\n\nflags:\n%s", flagSet.FlagUsages())
	fmt.Fprintf(os.Stderr, "\nexit codes:\n")
	fmt.Fprintf(os.Stderr, "  0  all delivery orders converge\n")
	fmt.Fprintf(os.Stderr, "  1  divergence detected\n")
	fmt.Fprintf(os.Stderr, "  2  error\n")
}
