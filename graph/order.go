// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"container/heap"
	"sort"

	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/reject"
)

// ReverseTopologicalPowerOrder orders the given events so that every
// event appears after its auth ancestors within the set, breaking
// ties by (sender power level descending, origin_server_ts ascending,
// event ID ascending). powerOf supplies each sender's effective level
// in the auth context the event cites. The result is total and
// identical on every server given the same event set.
func (g *Graph) ReverseTopologicalPowerOrder(ids []ref.EventID, powerOf func(*pdu.Event) int64) ([]ref.EventID, error) {
	inSet := make(map[ref.EventID]struct{}, len(ids))
	for _, id := range ids {
		inSet[id] = struct{}{}
	}

	indegree := make(map[ref.EventID]int, len(ids))
	children := make(map[ref.EventID][]ref.EventID, len(ids))
	var missing []ref.EventID
	for id := range inSet {
		event := g.events[id]
		if event == nil {
			missing = append(missing, id)
			continue
		}
		degree := 0
		for _, parent := range event.AuthEvents {
			if _, ok := inSet[parent]; !ok {
				continue
			}
			degree++
			children[parent] = append(children[parent], id)
		}
		indegree[id] = degree
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i].Less(missing[j]) })
		return nil, reject.MissingDeps(missing...)
	}

	ready := &candidateHeap{}
	for id, degree := range indegree {
		if degree == 0 {
			event := g.events[id]
			heap.Push(ready, candidate{power: powerOf(event), ts: event.OriginServerTS, id: id})
		}
	}

	order := make([]ref.EventID, 0, len(ids))
	for ready.Len() > 0 {
		next := heap.Pop(ready).(candidate)
		order = append(order, next.id)
		for _, child := range children[next.id] {
			indegree[child]--
			if indegree[child] == 0 {
				event := g.events[child]
				heap.Push(ready, candidate{power: powerOf(event), ts: event.OriginServerTS, id: child})
			}
		}
	}
	if len(order) != len(indegree) {
		return nil, reject.Errorf(reject.ResolutionIndeterminate,
			"auth references form a cycle among %d events", len(indegree)-len(order))
	}
	return order, nil
}

// candidate is a ready event in the topological frontier.
type candidate struct {
	power int64
	ts    int64
	id    ref.EventID
}

func (c candidate) before(other candidate) bool {
	if c.power != other.power {
		return c.power > other.power
	}
	if c.ts != other.ts {
		return c.ts < other.ts
	}
	return c.id.Less(other.id)
}

type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MainlineOrder orders the given events by precedence, most
// authoritative first: mainline position descending (events anchored
// to a newer power-levels event outrank ones anchored to an older
// one), then sender power level descending, then origin_server_ts
// ascending (the earlier claim wins), then event ID ascending. The
// mainline is the chain of power-levels events reached by following
// auth_events back from the resolved power-levels event; a zero
// powerLevels collapses every position to zero, leaving the
// remaining tie-breaks.
func (g *Graph) MainlineOrder(ids []ref.EventID, powerLevels ref.EventID, powerOf func(*pdu.Event) int64) ([]ref.EventID, error) {
	positions, err := g.mainlinePositions(powerLevels)
	if err != nil {
		return nil, err
	}

	type ranked struct {
		position int
		power    int64
		ts       int64
		id       ref.EventID
	}
	rankedIDs := make([]ranked, 0, len(ids))
	for _, id := range ids {
		event := g.events[id]
		if event == nil {
			return nil, reject.MissingDeps(id)
		}
		position, err := g.closestMainline(event, positions)
		if err != nil {
			return nil, err
		}
		rankedIDs = append(rankedIDs, ranked{
			position: position,
			power:    powerOf(event),
			ts:       event.OriginServerTS,
			id:       id,
		})
	}

	sort.Slice(rankedIDs, func(i, j int) bool {
		a, b := rankedIDs[i], rankedIDs[j]
		if a.position != b.position {
			return a.position > b.position
		}
		if a.power != b.power {
			return a.power > b.power
		}
		if a.ts != b.ts {
			return a.ts < b.ts
		}
		return a.id.Less(b.id)
	})

	order := make([]ref.EventID, len(rankedIDs))
	for i, r := range rankedIDs {
		order[i] = r.id
	}
	return order, nil
}

// mainlinePositions walks the power-levels chain backwards from the
// resolved power-levels event and numbers it oldest-first, so the
// create-era end of the mainline is position 0.
func (g *Graph) mainlinePositions(powerLevels ref.EventID) (map[ref.EventID]int, error) {
	positions := make(map[ref.EventID]int)
	if powerLevels.IsZero() {
		return positions, nil
	}

	var line []ref.EventID
	cursor := powerLevels
	for !cursor.IsZero() {
		if _, ok := positions[cursor]; ok {
			return nil, reject.Errorf(reject.ResolutionIndeterminate,
				"power-levels mainline loops at %s", cursor)
		}
		positions[cursor] = 0 // marker; renumbered below
		line = append(line, cursor)

		event := g.events[cursor]
		if event == nil {
			return nil, reject.MissingDeps(cursor)
		}
		cursor = g.powerLevelsParent(event)
	}

	// line runs newest to oldest; number it the other way around.
	for i, id := range line {
		positions[id] = len(line) - 1 - i
	}
	return positions, nil
}

// closestMainline finds the mainline position of the event: its own
// if it is on the mainline, otherwise that of the nearest
// power-levels ancestor that is, otherwise 0.
func (g *Graph) closestMainline(event *pdu.Event, positions map[ref.EventID]int) (int, error) {
	cursor := event
	visited := make(map[ref.EventID]struct{})
	for cursor != nil {
		if position, ok := positions[cursor.ID]; ok {
			return position, nil
		}
		if _, ok := visited[cursor.ID]; ok {
			return 0, reject.Errorf(reject.ResolutionIndeterminate,
				"power-levels ancestry loops at %s", cursor.ID)
		}
		visited[cursor.ID] = struct{}{}

		parent := g.powerLevelsParent(cursor)
		if parent.IsZero() {
			return 0, nil
		}
		next := g.events[parent]
		if next == nil {
			return 0, reject.MissingDeps(parent)
		}
		cursor = next
	}
	return 0, nil
}

// powerLevelsParent returns the power-levels event cited in the
// event's auth_events, or zero if none.
func (g *Graph) powerLevelsParent(event *pdu.Event) ref.EventID {
	for _, id := range event.AuthEvents {
		if parent := g.events[id]; parent != nil && parent.Type == ref.TypePowerLevels && parent.IsState() {
			return id
		}
	}
	return ref.EventID{}
}
