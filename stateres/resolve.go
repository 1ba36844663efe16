// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"sort"

	"github.com/bureau-foundation/federation/authrules"
	"github.com/bureau-foundation/federation/graph"
	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/lib/schema"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/reject"
	"github.com/bureau-foundation/federation/roomversion"
)

// Resolve merges divergent state maps into one. Every event named by
// any input map, plus its auth chain, must be present in the graph;
// absence surfaces as a MissingDependency rejection so the caller can
// backfill and retry. Given identical inputs the output is identical
// regardless of input order, map iteration, or which server runs it.
func Resolve(rules roomversion.RuleSet, g *graph.Graph, stateSets []StateMap) (StateMap, error) {
	switch len(stateSets) {
	case 0:
		return StateMap{}, nil
	case 1:
		return stateSets[0].Clone(), nil
	}

	unconflicted, conflicted := partition(stateSets)

	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	// The full conflicted set also carries the auth-chain difference:
	// events some branches rely on for authorization and others lack.
	winners := make([][]ref.EventID, len(stateSets))
	for i, set := range stateSets {
		winners[i] = set.EventIDs()
	}
	authDiff, err := g.AuthChainDifference(winners)
	if err != nil {
		return nil, err
	}
	fullConflicted := make(map[ref.EventID]struct{}, len(conflicted)+len(authDiff))
	for id := range conflicted {
		fullConflicted[id] = struct{}{}
	}
	for id := range authDiff {
		fullConflicted[id] = struct{}{}
	}

	resolver := &resolver{rules: rules, graph: g}

	// Phase one: the power events, plus whatever parts of their auth
	// chains are themselves in dispute, in reverse topological power
	// order.
	powerIDs, err := resolver.powerCandidates(fullConflicted)
	if err != nil {
		return nil, err
	}
	powerOrder, err := g.ReverseTopologicalPowerOrder(powerIDs, resolver.senderPower)
	if err != nil {
		return nil, err
	}

	partial := unconflicted.Clone()
	resolver.applyAll(partial, powerOrder)

	// Phase two: everything else, ordered against the mainline of
	// the power-levels event that survived phase one.
	ordered := make(map[ref.EventID]struct{}, len(powerOrder))
	for _, id := range powerOrder {
		ordered[id] = struct{}{}
	}
	others := make([]ref.EventID, 0, len(fullConflicted))
	for id := range fullConflicted {
		if _, done := ordered[id]; !done {
			others = append(others, id)
		}
	}
	sort.Slice(others, func(i, j int) bool { return others[i].Less(others[j]) })

	resolvedPower := partial[Tuple{Type: ref.TypePowerLevels, StateKey: ""}]
	otherOrder, err := g.MainlineOrder(others, resolvedPower, resolver.senderPower)
	if err != nil {
		return nil, err
	}
	// MainlineOrder puts the most authoritative candidate first;
	// application overwrites, so walk it back to front.
	for i, j := 0, len(otherOrder)-1; i < j; i, j = i+1, j-1 {
		otherOrder[i], otherOrder[j] = otherOrder[j], otherOrder[i]
	}
	resolver.applyAll(partial, otherOrder)

	// Unconflicted tuples were never in dispute; they win over
	// anything the conflicted application set.
	for tuple, id := range unconflicted {
		partial[tuple] = id
	}
	return partial, nil
}

// partition splits the input maps into tuples every map agrees on and
// the set of disputed event IDs. A tuple absent from some maps is
// disputed: the branches genuinely disagree about whether it is set.
func partition(stateSets []StateMap) (StateMap, map[ref.EventID]struct{}) {
	unconflicted := make(StateMap)
	conflicted := make(map[ref.EventID]struct{})

	tuples := make(map[Tuple]struct{})
	for _, set := range stateSets {
		for tuple := range set {
			tuples[tuple] = struct{}{}
		}
	}

	for tuple := range tuples {
		first, firstOK := stateSets[0][tuple]
		agreed := firstOK
		for _, set := range stateSets[1:] {
			id, ok := set[tuple]
			if !ok || id != first {
				agreed = false
				break
			}
		}
		if agreed {
			unconflicted[tuple] = first
			continue
		}
		for _, set := range stateSets {
			if id, ok := set[tuple]; ok {
				conflicted[id] = struct{}{}
			}
		}
	}
	return unconflicted, conflicted
}

type resolver struct {
	rules roomversion.RuleSet
	graph *graph.Graph
}

// powerCandidates selects the power events from the full conflicted
// set, together with the members of their auth chains that are also
// in dispute.
func (r *resolver) powerCandidates(fullConflicted map[ref.EventID]struct{}) ([]ref.EventID, error) {
	selected := make(map[ref.EventID]struct{})
	for id := range fullConflicted {
		event := r.graph.Get(id)
		if event == nil {
			return nil, reject.MissingDeps(id)
		}
		if !isPowerEvent(event) {
			continue
		}
		selected[id] = struct{}{}
		chain, err := r.graph.AuthChain(id)
		if err != nil {
			return nil, err
		}
		for ancestor := range chain {
			if _, disputed := fullConflicted[ancestor]; disputed {
				selected[ancestor] = struct{}{}
			}
		}
	}

	ids := make([]ref.EventID, 0, len(selected))
	for id := range selected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids, nil
}

// applyAll runs the iterative auth checks: each candidate is
// authorized against the state resolved so far, with the candidate's
// own auth_events filling tuples not yet resolved. Survivors take
// their tuple's slot; losers are dropped silently.
func (r *resolver) applyAll(partial StateMap, order []ref.EventID) {
	for _, id := range order {
		event := r.graph.Get(id)
		tuple, isState := TupleOf(event)
		if !isState {
			continue
		}
		fetch := r.authFetcher(partial, event)
		if err := authrules.Authorize(r.rules, event, fetch); err != nil {
			continue
		}
		partial[tuple] = id
	}
}

// authFetcher resolves auth-state lookups during iterative
// application: the partial resolved state wins, the candidate's
// declared auth_events fill the gaps.
func (r *resolver) authFetcher(partial StateMap, candidate *pdu.Event) authrules.StateFetcher {
	return func(eventType ref.EventType, stateKey string) *pdu.Event {
		if id, ok := partial[Tuple{Type: eventType, StateKey: stateKey}]; ok {
			return r.graph.Get(id)
		}
		for _, id := range candidate.AuthEvents {
			event := r.graph.Get(id)
			if event == nil || !event.IsState() {
				continue
			}
			if event.Type == eventType && event.StateKeyValue() == stateKey {
				return event
			}
		}
		return nil
	}
}

// senderPower is the ordering key for reverse topological power
// ordering: the sender's level per the power-levels event the
// candidate itself cites, with the creator-100 fallback for rooms
// that have none yet. Unparseable context degrades to level 0 rather
// than failing; the candidate will lose authorization later anyway.
func (r *resolver) senderPower(event *pdu.Event) int64 {
	for _, id := range event.AuthEvents {
		parent := r.graph.Get(id)
		if parent == nil || parent.Type != ref.TypePowerLevels || !parent.IsState() {
			continue
		}
		levels, err := schema.ParsePowerLevels(parent.Content, r.rules)
		if err != nil {
			return 0
		}
		return levels.UserLevel(event.Sender)
	}

	createEvent := event
	if !event.IsCreate() {
		createEvent = nil
		for _, id := range event.AuthEvents {
			if parent := r.graph.Get(id); parent != nil && parent.IsCreate() {
				createEvent = parent
				break
			}
		}
	}
	if createEvent == nil {
		return 0
	}
	content, err := schema.ParseCreateContent(createEvent.Content)
	if err != nil {
		return 0
	}
	creator, err := content.CreatorID(r.rules, createEvent.Sender)
	if err != nil {
		return 0
	}
	if creator == event.Sender {
		return schema.CreatorLevel
	}
	return 0
}

// isPowerEvent reports whether the event can change who may do what:
// creation, power levels, join rules, and membership events that act
// on another user (kicks and bans).
func isPowerEvent(event *pdu.Event) bool {
	switch event.Type {
	case ref.TypeCreate, ref.TypePowerLevels, ref.TypeJoinRules:
		return event.IsState() && event.StateKeyValue() == ""
	case ref.TypeMember:
		if !event.IsState() || event.StateKeyValue() == event.Sender.String() {
			return false
		}
		content, err := schema.ParseMemberContent(event.Content)
		if err != nil {
			return false
		}
		return content.Membership == schema.MembershipLeave || content.Membership == schema.MembershipBan
	}
	return false
}
