// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine ties the pipeline together: validation, per-event
// authorization, graph insertion, state resolution, and the room
// state cache, with per-room serialized processing. Everything
// network-shaped (key fetches, backfill, broadcast) happens outside
// the room's serial section so one slow peer never stalls a room.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/federation/keycache"
	"github.com/bureau-foundation/federation/lib/clock"
	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/lib/schema"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/reject"
	"github.com/bureau-foundation/federation/roomversion"
	"github.com/bureau-foundation/federation/statecache"
	"github.com/bureau-foundation/federation/validator"
)

// ErrClosed is returned by Submit and CreateRoom after Close.
var ErrClosed = errors.New("engine: closed")

// maxBackfillRounds bounds how many fetch-and-retry cycles one
// submission may trigger before its missing dependencies are reported
// to the caller. Each round can pull in a whole batch of ancestors,
// so this is a bound on adversarial depth, not on honest history.
const maxBackfillRounds = 8

// Options configures an Engine. Store and Keys are required;
// Transport, Notifier, and Signer are optional (no backfill, no
// notifications, no local event creation respectively).
type Options struct {
	Store     Store
	Keys      validator.KeyResolver
	Transport Transport
	Notifier  Notifier
	Signer    pdu.Signer
	Clock     clock.Clock
	Logger    *slog.Logger

	// CacheBudget bounds each room's state cache in estimated bytes.
	// Zero means statecache.DefaultBudget.
	CacheBudget int64

	// KeyTTL bounds how long a resolved signing key is served from the
	// in-memory key cache before Keys is consulted again. Zero means
	// keycache.DefaultTTL; negative disables the cache, so every
	// signature verification hits Keys directly.
	KeyTTL time.Duration
}

// Engine processes events for any number of rooms. Rooms are fully
// independent: each gets its own goroutine with an ordered job queue,
// and nothing but the Store is shared across them.
type Engine struct {
	store       Store
	transport   Transport
	notifier    Notifier
	signer      pdu.Signer
	clock       clock.Clock
	logger      *slog.Logger
	validator   *validator.Validator
	cacheBudget int64

	mu     sync.Mutex
	rooms  map[ref.RoomID]*roomWorker
	closed bool
}

// New validates the options and returns an idle Engine.
func New(options Options) (*Engine, error) {
	if options.Store == nil {
		return nil, errors.New("engine: Options.Store is required")
	}
	if options.Keys == nil {
		return nil, errors.New("engine: Options.Keys is required")
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keys := options.Keys
	if options.KeyTTL >= 0 {
		keys = keycache.New(keys, clk, options.KeyTTL)
	}
	return &Engine{
		store:       options.Store,
		transport:   options.Transport,
		notifier:    options.Notifier,
		signer:      options.Signer,
		clock:       clk,
		logger:      logger,
		validator:   validator.New(keys),
		cacheBudget: options.CacheBudget,
		rooms:       make(map[ref.RoomID]*roomWorker),
	}, nil
}

// Close stops every room's processing loop. In-flight submissions
// return ErrClosed. Close is idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, worker := range e.rooms {
		close(worker.quit)
	}
}

// Submit runs one event through the full pipeline: validation,
// authorization against its declared auth events, graph insertion,
// state resolution if the insertion forked the room, and the state
// cache update. origin names the server the event arrived from (the
// local server for locally created events).
//
// The returned snapshot is the room's resolved state after the
// event. A non-nil error is either a *reject.RejectionError with the
// terminal reason (Malformed, Unverifiable, Unauthorized), a
// MissingDependency rejection when backfill could not complete, or an
// infrastructure failure.
func (e *Engine) Submit(ctx context.Context, origin ref.ServerName, event *pdu.Event) (*statecache.Snapshot, error) {
	if event == nil || event.RoomID.IsZero() {
		return nil, reject.Errorf(reject.Malformed, "event has no room ID")
	}

	for round := 0; ; round++ {
		snapshot, err := e.submitOnce(ctx, origin, event)
		var rejection *reject.RejectionError
		if errors.As(err, &rejection) &&
			rejection.Reason == reject.MissingDependency && len(rejection.Missing) > 0 {
			if round == maxBackfillRounds {
				return nil, err
			}
			if err := e.backfill(ctx, origin, event.RoomID, rejection.Missing); err != nil {
				return nil, err
			}
			continue
		}
		return snapshot, err
	}
}

// submitOnce acquires the room's worker, validates the event, and
// runs its serial section once. Validation (including any key fetch)
// happens before entering the room's queue so a slow key server never
// stalls the room.
func (e *Engine) submitOnce(ctx context.Context, origin ref.ServerName, event *pdu.Event) (*statecache.Snapshot, error) {
	worker, err := e.worker(ctx, event)
	if err != nil {
		return nil, err
	}

	hydrated := event
	if hydrated.ID.IsZero() {
		hydrated, err = pdu.Hydrate(event, worker.rules)
		if err != nil {
			return nil, reject.Errorf(reject.Malformed, "deriving event ID: %v", err)
		}
	}

	if err := e.validator.Validate(ctx, hydrated, worker.rules, worker.knownDepth()); err != nil {
		e.logger.Debug("event failed validation",
			"room", event.RoomID, "event", hydrated.ID, "origin", origin, "error", err)
		return nil, err
	}

	return worker.process(ctx, hydrated)
}

// backfill fetches missing ancestors through the transport and runs
// them through Submit. Ancestors that are themselves rejected are
// logged and skipped: a rejected ancestor still enters the graph for
// auth-chain purposes, while a malformed one will simply surface as
// still-missing on the caller's next round.
func (e *Engine) backfill(ctx context.Context, origin ref.ServerName, room ref.RoomID, missing []ref.EventID) error {
	if e.transport == nil {
		return reject.MissingDeps(missing...)
	}
	e.logger.Info("backfilling missing ancestors", "room", room, "count", len(missing))

	fetched, err := e.transport.FetchMissing(ctx, room, missing)
	if err != nil {
		return fmt.Errorf("engine: backfill fetch for %s: %w", room, err)
	}
	for _, ancestor := range fetched {
		if _, err := e.Submit(ctx, origin, ancestor); err != nil {
			if reject.Is(err, reject.Unauthorized) {
				continue // retained in the graph, which is all the descendant needs
			}
			e.logger.Warn("backfilled ancestor rejected",
				"room", room, "error", err)
		}
	}
	return nil
}

// worker returns the room's processing loop, creating it on first
// contact. The room version comes from the store, or from the create
// event's own content when this submission is the room's birth.
func (e *Engine) worker(ctx context.Context, event *pdu.Event) (*roomWorker, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if worker, ok := e.rooms[event.RoomID]; ok {
		e.mu.Unlock()
		return worker, nil
	}
	e.mu.Unlock()

	version, err := e.store.RoomVersion(ctx, event.RoomID)
	if err != nil {
		return nil, fmt.Errorf("engine: reading room version for %s: %w", event.RoomID, err)
	}
	if version == "" {
		if !event.IsCreate() {
			// An unknown room means the creation event (and likely
			// more of the history) has not arrived yet. The event's
			// own parents are the concrete things to backfill.
			missing := make([]ref.EventID, 0, len(event.PrevEvents)+len(event.AuthEvents))
			missing = append(missing, event.PrevEvents...)
			missing = append(missing, event.AuthEvents...)
			return nil, reject.MissingDeps(missing...)
		}
		content, err := schema.ParseCreateContent(event.Content)
		if err != nil {
			return nil, reject.Errorf(reject.Malformed, "create content: %v", err)
		}
		version = content.Version()
	}
	rules, err := roomversion.Rules(version)
	if err != nil {
		return nil, reject.Errorf(reject.Malformed, "room version %q is not supported", version)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if worker, ok := e.rooms[event.RoomID]; ok {
		return worker, nil
	}
	worker := newRoomWorker(e, event.RoomID, version, rules)
	e.rooms[event.RoomID] = worker
	go worker.run()
	return worker, nil
}
