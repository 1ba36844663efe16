// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/bureau-foundation/federation/authrules"
	"github.com/bureau-foundation/federation/graph"
	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/reject"
	"github.com/bureau-foundation/federation/roomversion"
	"github.com/bureau-foundation/federation/statecache"
	"github.com/bureau-foundation/federation/stateres"
)

// roomWorker serializes all processing for one room: a single
// goroutine owns the graph, the state cache, and the current resolved
// snapshot, and handles jobs in submission order. Nothing inside the
// loop waits on the network; a missing dependency is returned to the
// submitter, who backfills outside the loop and retries.
type roomWorker struct {
	engine  *Engine
	room    ref.RoomID
	version roomversion.Version
	rules   roomversion.RuleSet

	jobs chan job
	quit chan struct{}

	// depth mirrors the graph's max depth for the validator, which
	// runs outside this worker's goroutine.
	depth atomic.Int64

	// Owned by the run goroutine.
	graph   *graph.Graph
	cache   *statecache.Cache
	current *statecache.Snapshot
}

type job struct {
	ctx   context.Context
	event *pdu.Event
	reply chan jobResult
}

type jobResult struct {
	snapshot *statecache.Snapshot
	err      error
}

func newRoomWorker(e *Engine, room ref.RoomID, version roomversion.Version, rules roomversion.RuleSet) *roomWorker {
	return &roomWorker{
		engine:  e,
		room:    room,
		version: version,
		rules:   rules,
		jobs:    make(chan job),
		quit:    make(chan struct{}),
		graph:   graph.New(),
		cache:   statecache.New(e.cacheBudget),
	}
}

func (w *roomWorker) knownDepth() int64 { return w.depth.Load() }

// process enqueues the event and waits for the result. The caller's
// context bounds the wait; a context exit leaves the job to complete
// in the background without anyone reading the reply (it is
// buffered).
func (w *roomWorker) process(ctx context.Context, event *pdu.Event) (*statecache.Snapshot, error) {
	reply := make(chan jobResult, 1)
	select {
	case w.jobs <- job{ctx: ctx, event: event, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, ErrClosed
	}

	select {
	case result := <-reply:
		return result.snapshot, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		// The result may have raced the shutdown.
		select {
		case result := <-reply:
			return result.snapshot, result.err
		default:
			return nil, ErrClosed
		}
	}
}

func (w *roomWorker) run() {
	for {
		select {
		case <-w.quit:
			return
		case next := <-w.jobs:
			snapshot, err := w.handle(next.ctx, next.event)
			next.reply <- jobResult{snapshot: snapshot, err: err}
		}
	}
}

// handle is the room's serial section: everything between "the event
// has been validated" and "the room's resolved state reflects it".
func (w *roomWorker) handle(ctx context.Context, event *pdu.Event) (*statecache.Snapshot, error) {
	// Content addressing makes redelivery a no-op.
	if w.graph.Has(event.ID) {
		return w.current, nil
	}

	if missing := w.graph.MissingAncestors(event); len(missing) > 0 {
		return nil, reject.MissingDeps(missing...)
	}

	if event.IsCreate() {
		if w.graph.Len() > 0 {
			return nil, reject.Errorf(reject.Unauthorized,
				"room %s already has a creation event", w.room)
		}
		if err := w.engine.store.PutRoomVersion(ctx, w.room, w.version); err != nil {
			return nil, fmt.Errorf("engine: recording version for %s: %w", w.room, err)
		}
	}

	if _, err := w.graph.Insert(event); err != nil {
		return nil, err
	}
	w.depth.Store(w.graph.MaxDepth())

	// Authorization failure is not removal: the event stays in the
	// graph (descendants cite it in auth chains) and in the store,
	// marked so it never contributes to resolved state.
	authErr := w.authorize(event)
	if authErr == nil && !event.IsCreate() {
		// Second gate: the room state the event landed on. The
		// declared-auth check alone would let a sender dodge a ban
		// by citing an auth chain from before it.
		prior, err := w.stateBefore(event)
		if err != nil {
			return nil, err
		}
		authErr = w.authorizeAgainst(event, prior)
	}
	if authErr != nil {
		w.graph.MarkRejected(event.ID)
	}
	if err := w.engine.store.PutEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("engine: storing %s: %w", event.ID, err)
	}
	if authErr != nil {
		w.engine.logger.Debug("event failed authorization",
			"room", w.room, "event", event.ID, "error", authErr)
		return nil, authErr
	}

	snapshot, err := w.cache.StateAt(w.rules, w.graph, event.ID)
	if err != nil {
		return nil, err
	}
	if err := w.engine.store.PutStateAt(ctx, event.ID, snapshot.State()); err != nil {
		return nil, fmt.Errorf("engine: storing state at %s: %w", event.ID, err)
	}

	current, err := w.resolveCurrent()
	if err != nil {
		return nil, err
	}
	w.current = current

	if w.engine.notifier != nil {
		w.engine.notifier.StateChanged(w.room, event, current)
	}
	return current, nil
}

// authorize checks the event against the state its own auth_events
// declare. Using the declared auth events rather than the room's
// resolved state keeps the verdict re-derivable by every server from
// the graph alone.
func (w *roomWorker) authorize(event *pdu.Event) error {
	needs, err := authrules.AuthTypesForEvent(event, w.rules)
	if err != nil {
		return err
	}
	allowed := make(map[authrules.StateNeed]struct{}, len(needs))
	for _, need := range needs {
		allowed[need] = struct{}{}
	}
	for _, id := range event.AuthEvents {
		cited := w.graph.Get(id)
		if cited == nil || !cited.IsState() {
			return reject.Errorf(reject.Unauthorized, "cites non-state auth event %s", id)
		}
		need := authrules.StateNeed{Type: cited.Type, StateKey: cited.StateKeyValue()}
		if _, ok := allowed[need]; !ok {
			return reject.Errorf(reject.Unauthorized,
				"cites auth event %s of irrelevant type %s", id, cited.Type)
		}
	}

	fetch := func(eventType ref.EventType, stateKey string) *pdu.Event {
		for _, id := range event.AuthEvents {
			cited := w.graph.Get(id)
			if cited == nil || !cited.IsState() || w.graph.Rejected(id) {
				continue
			}
			if cited.Type == eventType && cited.StateKeyValue() == stateKey {
				return cited
			}
		}
		return nil
	}
	return authrules.Authorize(w.rules, event, fetch)
}

// stateBefore computes the room state the event was built on: the
// state at its sole prev event, or the resolution across all of them
// when the event itself merges a fork.
func (w *roomWorker) stateBefore(event *pdu.Event) (stateres.StateMap, error) {
	if len(event.PrevEvents) == 1 {
		snapshot, err := w.cache.StateAt(w.rules, w.graph, event.PrevEvents[0])
		if err != nil {
			return nil, err
		}
		return snapshot.State(), nil
	}

	branches := make([]stateres.StateMap, len(event.PrevEvents))
	for i, id := range event.PrevEvents {
		snapshot, err := w.cache.StateAt(w.rules, w.graph, id)
		if err != nil {
			return nil, err
		}
		branches[i] = snapshot.State()
	}
	return stateres.Resolve(w.rules, w.graph, branches)
}

// authorizeAgainst checks the event against a concrete state map.
func (w *roomWorker) authorizeAgainst(event *pdu.Event, state stateres.StateMap) error {
	fetch := func(eventType ref.EventType, stateKey string) *pdu.Event {
		id, ok := state[stateres.Tuple{Type: eventType, StateKey: stateKey}]
		if !ok {
			return nil
		}
		return w.graph.Get(id)
	}
	return authrules.Authorize(w.rules, event, fetch)
}

// resolveCurrent computes the room's current state: the state at the
// sole forward extremity, or the resolution of all of them while a
// fork is open.
func (w *roomWorker) resolveCurrent() (*statecache.Snapshot, error) {
	extremities := w.graph.ForwardExtremities()
	if len(extremities) == 1 {
		return w.cache.StateAt(w.rules, w.graph, extremities[0])
	}

	branches := make([]stateres.StateMap, len(extremities))
	for i, id := range extremities {
		snapshot, err := w.cache.StateAt(w.rules, w.graph, id)
		if err != nil {
			return nil, err
		}
		branches[i] = snapshot.State()
	}
	resolved, err := stateres.Resolve(w.rules, w.graph, branches)
	if err != nil {
		return nil, err
	}
	return statecache.NewSnapshot(resolved), nil
}
