// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"sort"

	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/reject"
)

// AuthChain returns the transitive closure over auth_events edges of
// the given events, excluding the starting events themselves. If any
// referenced ancestor is not in the graph the traversal finishes and
// a MissingDependency rejection lists every absent ID.
func (g *Graph) AuthChain(ids ...ref.EventID) (map[ref.EventID]struct{}, error) {
	chain := make(map[ref.EventID]struct{})
	missing := make(map[ref.EventID]struct{})

	stack := make([]ref.EventID, 0, len(ids))
	visited := make(map[ref.EventID]struct{}, len(ids))
	for _, id := range ids {
		visited[id] = struct{}{}
		stack = append(stack, id)
	}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		event := g.events[id]
		if event == nil {
			missing[id] = struct{}{}
			continue
		}
		for _, parent := range event.AuthEvents {
			if _, ok := visited[parent]; ok {
				continue
			}
			visited[parent] = struct{}{}
			chain[parent] = struct{}{}
			stack = append(stack, parent)
		}
	}

	if len(missing) > 0 {
		absent := make([]ref.EventID, 0, len(missing))
		for id := range missing {
			absent = append(absent, id)
		}
		sort.Slice(absent, func(i, j int) bool { return absent[i].Less(absent[j]) })
		return nil, reject.MissingDeps(absent...)
	}
	return chain, nil
}

// AuthChainDifference takes the winning event IDs of two or more
// state sets and returns the union of their auth chains minus the
// intersection: the events that some branches rely on for
// authorization and others do not. These join the conflicted set
// during resolution.
func (g *Graph) AuthChainDifference(stateSets [][]ref.EventID) (map[ref.EventID]struct{}, error) {
	if len(stateSets) < 2 {
		return map[ref.EventID]struct{}{}, nil
	}

	counts := make(map[ref.EventID]int)
	for _, set := range stateSets {
		chain, err := g.AuthChain(set...)
		if err != nil {
			return nil, err
		}
		for id := range chain {
			counts[id]++
		}
	}

	difference := make(map[ref.EventID]struct{})
	for id, n := range counts {
		if n < len(stateSets) {
			difference[id] = struct{}{}
		}
	}
	return difference, nil
}
