// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"sort"

	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/pdu"
)

// Tuple is a state-map key: one (event type, state key) pair.
type Tuple struct {
	Type     ref.EventType
	StateKey string
}

// StateMap is current room state: the winning event per tuple. Values
// are event IDs; the events themselves live in the graph and the
// store. StateMap values are treated as immutable once published;
// mutation happens on private copies.
type StateMap map[Tuple]ref.EventID

// TupleOf returns the event's state tuple. ok is false for non-state
// events, which never occupy a state map slot.
func TupleOf(event *pdu.Event) (Tuple, bool) {
	if !event.IsState() {
		return Tuple{}, false
	}
	return Tuple{Type: event.Type, StateKey: event.StateKeyValue()}, true
}

// Clone returns a private copy.
func (m StateMap) Clone() StateMap {
	out := make(StateMap, len(m))
	for tuple, id := range m {
		out[tuple] = id
	}
	return out
}

// Equal reports whether two state maps contain exactly the same
// winners.
func (m StateMap) Equal(other StateMap) bool {
	if len(m) != len(other) {
		return false
	}
	for tuple, id := range m {
		if other[tuple] != id {
			return false
		}
	}
	return true
}

// EventIDs returns the winning event IDs in ID order.
func (m StateMap) EventIDs() []ref.EventID {
	ids := make([]ref.EventID, 0, len(m))
	for _, id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// SortedTuples returns the keys in a stable order (type, then state
// key), for deterministic iteration and fingerprinting.
func (m StateMap) SortedTuples() []Tuple {
	tuples := make([]Tuple, 0, len(m))
	for tuple := range m {
		tuples = append(tuples, tuple)
	}
	sort.Slice(tuples, func(i, j int) bool {
		if tuples[i].Type != tuples[j].Type {
			return tuples[i].Type < tuples[j].Type
		}
		return tuples[i].StateKey < tuples[j].StateKey
	})
	return tuples
}
