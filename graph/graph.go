// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"sort"

	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/reject"
)

// Graph is one room's event DAG.
type Graph struct {
	events      map[ref.EventID]*pdu.Event
	rejected    map[ref.EventID]struct{}
	extremities map[ref.EventID]struct{}
	maxDepth    int64
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		events:      make(map[ref.EventID]*pdu.Event),
		rejected:    make(map[ref.EventID]struct{}),
		extremities: make(map[ref.EventID]struct{}),
	}
}

// Insert adds a validated event to the graph. Returns false without
// error when the event is already present (events are content
// addressed, so a duplicate ID is the same event). Every referenced
// prev_event and auth_event must already be in the graph; a
// MissingDependency rejection lists the absent ones.
//
// Insertion does not imply the event passed authorization: rejected
// events stay in the graph so their descendants' auth chains remain
// computable. Whether an event contributes to resolved state is
// decided by resolution, not by presence here.
func (g *Graph) Insert(event *pdu.Event) (bool, error) {
	if event.ID.IsZero() {
		return false, reject.Errorf(reject.Malformed, "event has no derived ID")
	}
	if _, ok := g.events[event.ID]; ok {
		return false, nil
	}

	var missing []ref.EventID
	seen := make(map[ref.EventID]struct{})
	for _, id := range event.PrevEvents {
		if _, ok := g.events[id]; !ok {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				missing = append(missing, id)
			}
		}
	}
	for _, id := range event.AuthEvents {
		if _, ok := g.events[id]; !ok {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				missing = append(missing, id)
			}
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i].Less(missing[j]) })
		rej := reject.MissingDeps(missing...)
		rej.EventID = event.ID
		return false, rej
	}

	g.events[event.ID] = event
	for _, id := range event.PrevEvents {
		delete(g.extremities, id)
	}
	g.extremities[event.ID] = struct{}{}
	if event.Depth > g.maxDepth {
		g.maxDepth = event.Depth
	}
	return true, nil
}

// Has reports whether the event is in the graph.
func (g *Graph) Has(id ref.EventID) bool {
	_, ok := g.events[id]
	return ok
}

// Get returns the event, or nil if absent.
func (g *Graph) Get(id ref.EventID) *pdu.Event {
	return g.events[id]
}

// MarkRejected records that the event failed authorization. The
// event stays in the graph for auth-chain computation but must never
// be applied to resolved state.
func (g *Graph) MarkRejected(id ref.EventID) {
	if _, ok := g.events[id]; ok {
		g.rejected[id] = struct{}{}
	}
}

// Rejected reports whether the event carries a rejection mark.
func (g *Graph) Rejected(id ref.EventID) bool {
	_, ok := g.rejected[id]
	return ok
}

// Len returns the number of events in the graph.
func (g *Graph) Len() int {
	return len(g.events)
}

// MaxDepth returns the largest depth seen, the validator's reference
// point for the depth sanity bound.
func (g *Graph) MaxDepth() int64 {
	return g.maxDepth
}

// ForwardExtremities returns the events with no known children, in
// event ID order. More than one extremity means the room has an open
// fork.
func (g *Graph) ForwardExtremities() []ref.EventID {
	ids := make([]ref.EventID, 0, len(g.extremities))
	for id := range g.extremities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Forked reports whether the graph currently has more than one
// forward extremity.
func (g *Graph) Forked() bool {
	return len(g.extremities) > 1
}

// MissingAncestors returns the event's direct parents (prev and auth)
// not present in the graph, deduplicated, in event ID order. Used to
// decide what to backfill before insertion can proceed.
func (g *Graph) MissingAncestors(event *pdu.Event) []ref.EventID {
	seen := make(map[ref.EventID]struct{})
	var missing []ref.EventID
	for _, id := range event.PrevEvents {
		if !g.Has(id) {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				missing = append(missing, id)
			}
		}
	}
	for _, id := range event.AuthEvents {
		if !g.Has(id) {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				missing = append(missing, id)
			}
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Less(missing[j]) })
	return missing
}
