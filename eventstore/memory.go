// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/roomversion"
	"github.com/bureau-foundation/federation/stateres"
)

// MemoryStore is an in-process Store for tests and the replay tool.
// Same contract as the sqlite Store: events are append-only by ID,
// state maps overwrite by event ID, room versions are write-once.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[ref.EventID]*pdu.Event
	states   map[ref.EventID]stateres.StateMap
	versions map[ref.RoomID]roomversion.Version
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[ref.EventID]*pdu.Event),
		states:   make(map[ref.EventID]stateres.StateMap),
		versions: make(map[ref.RoomID]roomversion.Version),
	}
}

// PutEvent records an event. Events are immutable once derived, so
// the pointer is kept without copying; storing a present ID is a
// no-op.
func (m *MemoryStore) PutEvent(ctx context.Context, event *pdu.Event) error {
	if event.ID.IsZero() {
		return fmt.Errorf("eventstore: put event: event has no derived ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[event.ID]; !ok {
		m.events[event.ID] = event
	}
	return nil
}

// Event returns the stored event, or nil when absent.
func (m *MemoryStore) Event(ctx context.Context, id ref.EventID) (*pdu.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events[id], nil
}

// PutStateAt stores a private copy of the resolved state after an
// event.
func (m *MemoryStore) PutStateAt(ctx context.Context, id ref.EventID, state stateres.StateMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = state.Clone()
	return nil
}

// StateAt returns a private copy of the stored state, or nil when no
// snapshot is stored.
func (m *MemoryStore) StateAt(ctx context.Context, id ref.EventID) (stateres.StateMap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[id]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

// PutRoomVersion records a room's version once; later writes for the
// same room are ignored.
func (m *MemoryStore) PutRoomVersion(ctx context.Context, room ref.RoomID, version roomversion.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[room]; !ok {
		m.versions[room] = version
	}
	return nil
}

// RoomVersion returns the recorded version, or "" when the room is
// unknown.
func (m *MemoryStore) RoomVersion(ctx context.Context, room ref.RoomID) (roomversion.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[room], nil
}

// EventCount reports how many events are stored. Test helper.
func (m *MemoryStore) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
