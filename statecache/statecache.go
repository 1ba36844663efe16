// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statecache caches resolved room state by event ID. Values
// are immutable snapshots carrying a BLAKE3 state-group fingerprint,
// so two events resolving to identical state share one recognizable
// identity. Eviction is LRU under a byte budget.
package statecache

import (
	"container/list"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/federation/graph"
	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/reject"
	"github.com/bureau-foundation/federation/roomversion"
	"github.com/bureau-foundation/federation/stateres"
)

// Fingerprint is a 32-byte keyed BLAKE3 digest over a state map's
// sorted (type, state key, event ID) triples. Equal fingerprints mean
// equal state groups.
type Fingerprint [32]byte

// stateGroupKey is the BLAKE3 domain key for state-group
// fingerprints: ASCII domain name, zero-padded to 32 bytes. Changing
// it invalidates every persisted fingerprint.
var stateGroupKey = [32]byte{
	'f', 'e', 'd', 'e', 'r', 'a', 't', 'i', 'o', 'n', '.',
	's', 't', 'a', 't', 'e', 'g', 'r', 'o', 'u', 'p',
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Snapshot is an immutable resolved-state value. Readers always see
// one consistent state map; mutation happens on private copies
// returned by State.
type Snapshot struct {
	state       stateres.StateMap
	fingerprint Fingerprint
}

// NewSnapshot copies the given state map and fingerprints it.
func NewSnapshot(state stateres.StateMap) *Snapshot {
	return &Snapshot{state: state.Clone(), fingerprint: fingerprintOf(state)}
}

// State returns a private copy of the state map.
func (s *Snapshot) State() stateres.StateMap { return s.state.Clone() }

// Lookup returns the winning event for one tuple.
func (s *Snapshot) Lookup(tuple stateres.Tuple) (ref.EventID, bool) {
	id, ok := s.state[tuple]
	return id, ok
}

// Fingerprint returns the snapshot's state-group identity.
func (s *Snapshot) Fingerprint() Fingerprint { return s.fingerprint }

// Len returns the number of state tuples.
func (s *Snapshot) Len() int { return len(s.state) }

func fingerprintOf(state stateres.StateMap) Fingerprint {
	hasher, err := blake3.NewKeyed(stateGroupKey[:])
	if err != nil {
		panic(err) // key length is fixed at 32
	}
	for _, tuple := range state.SortedTuples() {
		hasher.Write([]byte(tuple.Type))
		hasher.Write([]byte{0})
		hasher.Write([]byte(tuple.StateKey))
		hasher.Write([]byte{0})
		hasher.Write([]byte(state[tuple].String()))
		hasher.Write([]byte{'\n'})
	}
	var fingerprint Fingerprint
	copy(fingerprint[:], hasher.Sum(nil))
	return fingerprint
}

// DefaultBudget bounds the cache at 16 MiB of estimated snapshot
// bytes, roughly ten thousand snapshots of a mid-sized room.
const DefaultBudget = 16 << 20

// Cache maps event IDs to the room state after that event. Safe for
// concurrent use; one cache serves one room.
type Cache struct {
	mu      sync.Mutex
	budget  int64
	used    int64
	order   *list.List // front = most recently used
	entries map[ref.EventID]*list.Element
}

type cacheEntry struct {
	id       ref.EventID
	snapshot *Snapshot
	cost     int64
}

// New returns a Cache holding at most budgetBytes of estimated
// snapshot weight. A non-positive budget means DefaultBudget.
func New(budgetBytes int64) *Cache {
	if budgetBytes <= 0 {
		budgetBytes = DefaultBudget
	}
	return &Cache{
		budget:  budgetBytes,
		order:   list.New(),
		entries: make(map[ref.EventID]*list.Element),
	}
}

// Get returns the cached snapshot for the event, marking it recently
// used.
func (c *Cache) Get(id ref.EventID) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	element, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(element)
	return element.Value.(*cacheEntry).snapshot, true
}

// Put caches the snapshot for the event, evicting least-recently-used
// entries as needed to stay inside the budget. A snapshot larger than
// the whole budget is simply not cached.
func (c *Cache) Put(id ref.EventID, snapshot *Snapshot) {
	cost := snapshotCost(id, snapshot)
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.entries[id]; ok {
		existing := element.Value.(*cacheEntry)
		c.used += cost - existing.cost
		existing.snapshot = snapshot
		existing.cost = cost
		c.order.MoveToFront(element)
	} else {
		element := c.order.PushFront(&cacheEntry{id: id, snapshot: snapshot, cost: cost})
		c.entries[id] = element
		c.used += cost
	}

	for c.used > c.budget && c.order.Len() > 0 {
		oldest := c.order.Back()
		evicted := oldest.Value.(*cacheEntry)
		c.order.Remove(oldest)
		delete(c.entries, evicted.id)
		c.used -= evicted.cost
	}
}

// Len returns the number of cached snapshots.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Bytes returns the estimated weight of all cached snapshots.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

const (
	entryOverhead = 96
	tupleOverhead = 64
)

func snapshotCost(id ref.EventID, snapshot *Snapshot) int64 {
	cost := int64(entryOverhead + len(id.String()) + len(snapshot.fingerprint))
	for tuple, winner := range snapshot.state {
		cost += int64(tupleOverhead + len(tuple.Type) + len(tuple.StateKey) + len(winner.String()))
	}
	return cost
}

// StateAt returns the room state after the given event, computing it
// on a miss by walking back to the nearest cached ancestors and
// replaying state deltas forward. A single-parent step is a cheap
// overlay; crossing a fork resolves the parent states. Every state
// computed along the walk is cached.
func (c *Cache) StateAt(rules roomversion.RuleSet, g *graph.Graph, eventID ref.EventID) (*Snapshot, error) {
	if snapshot, ok := c.Get(eventID); ok {
		return snapshot, nil
	}

	// memo keeps the walk's own results live even if the LRU evicts
	// them mid-computation under a tight budget.
	memo := make(map[ref.EventID]*Snapshot)
	lookup := func(id ref.EventID) (*Snapshot, bool) {
		if snapshot, ok := memo[id]; ok {
			return snapshot, true
		}
		return c.Get(id)
	}

	expanded := make(map[ref.EventID]bool)
	stack := []ref.EventID{eventID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		if _, ok := lookup(id); ok {
			stack = stack[:len(stack)-1]
			continue
		}
		event := g.Get(id)
		if event == nil {
			return nil, reject.MissingDeps(id)
		}

		pending := false
		for _, prev := range event.PrevEvents {
			if _, ok := lookup(prev); !ok {
				stack = append(stack, prev)
				pending = true
			}
		}
		if pending {
			if expanded[id] {
				return nil, reject.Errorf(reject.ResolutionIndeterminate,
					"prev_events loop through %s", id)
			}
			expanded[id] = true
			continue
		}

		var state stateres.StateMap
		switch len(event.PrevEvents) {
		case 0:
			state = stateres.StateMap{}
		case 1:
			parent, _ := lookup(event.PrevEvents[0])
			state = parent.State()
		default:
			parents := make([]stateres.StateMap, len(event.PrevEvents))
			for i, prev := range event.PrevEvents {
				parent, _ := lookup(prev)
				parents[i] = parent.State()
			}
			resolved, err := stateres.Resolve(rules, g, parents)
			if err != nil {
				return nil, err
			}
			state = resolved
		}
		if tuple, ok := stateres.TupleOf(event); ok && !g.Rejected(id) {
			state[tuple] = id
		}

		snapshot := NewSnapshot(state)
		memo[id] = snapshot
		c.Put(id, snapshot)
		stack = stack[:len(stack)-1]
	}

	snapshot, _ := lookup(eventID)
	return snapshot, nil
}
