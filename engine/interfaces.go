// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/roomversion"
	"github.com/bureau-foundation/federation/statecache"
	"github.com/bureau-foundation/federation/stateres"
)

// Store is the persistence collaborator. Events are append-only:
// content addressing means an ID can only ever map to one event, so
// rewriting an ID with different bytes is a caller bug. Cached state
// maps are overwrite-by-key; per-room serialization in the engine
// makes last-writer-wins safe.
//
// The eventstore package provides the sqlite implementation and an
// in-memory one for tests.
type Store interface {
	// PutEvent persists an event. Storing an already-present ID is a
	// no-op.
	PutEvent(ctx context.Context, event *pdu.Event) error

	// Event returns the stored event, or nil when absent.
	Event(ctx context.Context, id ref.EventID) (*pdu.Event, error)

	// StateAt returns the cached resolved state after the given
	// event, or nil when no snapshot is stored.
	StateAt(ctx context.Context, id ref.EventID) (stateres.StateMap, error)

	// PutStateAt stores the resolved state after the given event.
	PutStateAt(ctx context.Context, id ref.EventID, state stateres.StateMap) error

	// PutRoomVersion records a room's version. Written once at room
	// creation; immutable thereafter.
	PutRoomVersion(ctx context.Context, room ref.RoomID, version roomversion.Version) error

	// RoomVersion returns the recorded version, or "" when the room
	// is unknown.
	RoomVersion(ctx context.Context, room ref.RoomID) (roomversion.Version, error)
}

// Transport is the federation transport collaborator: backfill of
// missing ancestors and broadcast of locally created events. The
// engine never holds a room's queue while calling it.
type Transport interface {
	// FetchMissing retrieves the named events from peers. Partial
	// results are fine; the engine re-derives what is still missing
	// and asks again.
	FetchMissing(ctx context.Context, room ref.RoomID, missing []ref.EventID) ([]*pdu.Event, error)

	// Broadcast sends a locally created event to the room's peers.
	Broadcast(ctx context.Context, event *pdu.Event) error
}

// Notifier receives resolved-state updates. StateChanged is called
// from inside the room's processing loop and must not block; hand off
// to a channel or goroutine for anything slow.
type Notifier interface {
	StateChanged(room ref.RoomID, event *pdu.Event, state *statecache.Snapshot)
}
