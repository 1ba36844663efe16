// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stateres

import (
	"encoding/json"
	"testing"

	"github.com/bureau-foundation/federation/graph"
	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/reject"
	"github.com/bureau-foundation/federation/roomversion"
)

var (
	resolveRoom = ref.MustParseRoomID("!resolve:origin.test")
	alice       = ref.MustParseUserID("@alice:origin.test") // creator
	ben         = ref.MustParseUserID("@ben:origin.test")
	eve         = ref.MustParseUserID("@eve:remote.test")
)

func eventIDs(events []*pdu.Event) []ref.EventID {
	out := make([]ref.EventID, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func stateProto(id string, eventType ref.EventType, stateKey string, sender ref.UserID, content string, ts int64, prev, auth []*pdu.Event) *pdu.Event {
	key := stateKey
	return &pdu.Event{
		ID:             ref.MustParseEventID("$" + id),
		RoomID:         resolveRoom,
		Sender:         sender,
		Type:           eventType,
		StateKey:       &key,
		Content:        json.RawMessage(content),
		OriginServerTS: ts,
		PrevEvents:     eventIDs(prev),
		AuthEvents:     eventIDs(auth),
	}
}

// fixture is a v10 room created by alice, with ben joined, alice at
// power 100 and ben at 50, and a public join rule. Every test fork
// hangs off benJoin, the sole forward extremity.
type fixture struct {
	g     *graph.Graph
	rules roomversion.RuleSet
	base  StateMap

	create    *pdu.Event
	aliceJoin *pdu.Event
	power     *pdu.Event
	joinRules *pdu.Event
	benJoin   *pdu.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rules, err := roomversion.Rules(roomversion.V10)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{g: graph.New(), rules: rules, base: StateMap{}}
	f.create = stateProto("create", ref.TypeCreate, "", alice,
		`{"creator":"@alice:origin.test","room_version":"10"}`, 1, nil, nil)
	f.aliceJoin = stateProto("alice-join", ref.TypeMember, alice.String(), alice,
		`{"membership":"join"}`, 2,
		[]*pdu.Event{f.create}, []*pdu.Event{f.create})
	f.power = stateProto("power", ref.TypePowerLevels, "", alice,
		`{"users":{"@alice:origin.test":100,"@ben:origin.test":50}}`, 3,
		[]*pdu.Event{f.aliceJoin}, []*pdu.Event{f.create, f.aliceJoin})
	f.joinRules = stateProto("join-rules", ref.TypeJoinRules, "", alice,
		`{"join_rule":"public"}`, 4,
		[]*pdu.Event{f.power}, []*pdu.Event{f.create, f.aliceJoin, f.power})
	f.benJoin = stateProto("ben-join", ref.TypeMember, ben.String(), ben,
		`{"membership":"join"}`, 5,
		[]*pdu.Event{f.joinRules}, []*pdu.Event{f.create, f.power, f.joinRules})

	for _, e := range []*pdu.Event{f.create, f.aliceJoin, f.power, f.joinRules, f.benJoin} {
		f.insert(t, e)
		tuple, ok := TupleOf(e)
		if !ok {
			t.Fatalf("%s is not a state event", e.ID)
		}
		f.base[tuple] = e.ID
	}
	return f
}

func (f *fixture) insert(t *testing.T, events ...*pdu.Event) {
	t.Helper()
	for _, e := range events {
		if _, err := f.g.Insert(e); err != nil {
			t.Fatalf("Insert(%s): %v", e.ID, err)
		}
	}
}

// branch is the base state with the given events winning their
// tuples, as one side of a fork would see it.
func (f *fixture) branch(events ...*pdu.Event) StateMap {
	set := f.base.Clone()
	for _, e := range events {
		tuple, _ := TupleOf(e)
		set[tuple] = e.ID
	}
	return set
}

func (f *fixture) nameEvent(id string, sender ref.UserID, ts int64) *pdu.Event {
	member := f.aliceJoin
	if sender == ben {
		member = f.benJoin
	}
	return stateProto(id, ref.TypeName, "", sender, `{"name":"room"}`, ts,
		[]*pdu.Event{f.benJoin}, []*pdu.Event{f.create, f.power, member})
}

func mustResolve(t *testing.T, f *fixture, stateSets []StateMap) StateMap {
	t.Helper()
	resolved, err := Resolve(f.rules, f.g, stateSets)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return resolved
}

var nameTuple = Tuple{Type: ref.TypeName, StateKey: ""}

func TestResolveTrivialInputs(t *testing.T) {
	f := newFixture(t)

	resolved := mustResolve(t, f, nil)
	if len(resolved) != 0 {
		t.Fatalf("Resolve(nil) = %v, want empty", resolved)
	}

	resolved = mustResolve(t, f, []StateMap{f.base})
	if !resolved.Equal(f.base) {
		t.Fatalf("single-input resolution changed the state: %v", resolved)
	}
	// The result must be a private copy.
	resolved[nameTuple] = f.create.ID
	if _, ok := f.base[nameTuple]; ok {
		t.Fatal("resolution result aliases the input map")
	}
}

func TestResolveIdenticalBranches(t *testing.T) {
	f := newFixture(t)
	resolved := mustResolve(t, f, []StateMap{f.base.Clone(), f.base.Clone()})
	if !resolved.Equal(f.base) {
		t.Fatalf("identical branches resolved to %v, want the shared state", resolved)
	}
}

func TestNameConflictHigherPowerWins(t *testing.T) {
	f := newFixture(t)

	// Ben's claim is hours older, but alice outranks him.
	byBen := f.nameEvent("name-ben", ben, 100)
	byAlice := f.nameEvent("name-alice", alice, 900)
	f.insert(t, byBen, byAlice)

	resolved := mustResolve(t, f, []StateMap{f.branch(byBen), f.branch(byAlice)})
	if got := resolved[nameTuple]; got != byAlice.ID {
		t.Fatalf("name = %s, want the higher-powered sender's %s", got, byAlice.ID)
	}
}

func TestNameConflictEarlierTimestampWins(t *testing.T) {
	f := newFixture(t)

	early := f.nameEvent("name-early", ben, 100)
	late := f.nameEvent("name-late", ben, 900)
	f.insert(t, early, late)

	resolved := mustResolve(t, f, []StateMap{f.branch(late), f.branch(early)})
	if got := resolved[nameTuple]; got != early.ID {
		t.Fatalf("name = %s, want the earlier claim %s", got, early.ID)
	}
}

func TestNameConflictEventIDTieBreak(t *testing.T) {
	f := newFixture(t)

	nameA := f.nameEvent("name-aaaa", ben, 500)
	nameB := f.nameEvent("name-bbbb", ben, 500)
	f.insert(t, nameA, nameB)

	resolved := mustResolve(t, f, []StateMap{f.branch(nameB), f.branch(nameA)})
	if got := resolved[nameTuple]; got != nameA.ID {
		t.Fatalf("name = %s, want the lower event ID %s", got, nameA.ID)
	}
}

func TestThreeWayNameConflict(t *testing.T) {
	f := newFixture(t)

	first := f.nameEvent("name-first", ben, 100)
	second := f.nameEvent("name-second", ben, 200)
	byAlice := f.nameEvent("name-alice", alice, 900)
	f.insert(t, first, second, byAlice)

	resolved := mustResolve(t, f, []StateMap{
		f.branch(second), f.branch(byAlice), f.branch(first),
	})
	if got := resolved[nameTuple]; got != byAlice.ID {
		t.Fatalf("name = %s, want %s", got, byAlice.ID)
	}
}

func TestBanBeatsConcurrentJoin(t *testing.T) {
	f := newFixture(t)

	// One branch saw alice ban eve; the other saw eve join through
	// the public join rule. The ban is a power event, resolves first,
	// and the join then fails authorization against it.
	ban := stateProto("eve-ban", ref.TypeMember, eve.String(), alice,
		`{"membership":"ban"}`, 100,
		[]*pdu.Event{f.benJoin}, []*pdu.Event{f.create, f.power, f.aliceJoin})
	join := stateProto("eve-join", ref.TypeMember, eve.String(), eve,
		`{"membership":"join"}`, 50,
		[]*pdu.Event{f.benJoin}, []*pdu.Event{f.create, f.power, f.joinRules})
	f.insert(t, ban, join)

	memberEve := Tuple{Type: ref.TypeMember, StateKey: eve.String()}
	for _, sets := range [][]StateMap{
		{f.branch(ban), f.branch(join)},
		{f.branch(join), f.branch(ban)},
	} {
		resolved := mustResolve(t, f, sets)
		if got := resolved[memberEve]; got != ban.ID {
			t.Fatalf("member %s = %s, want the ban %s", eve, got, ban.ID)
		}
	}
}

func TestUnconflictedTuplesSurvive(t *testing.T) {
	f := newFixture(t)

	topic := stateProto("topic", ref.EventType("m.room.topic"), "", alice,
		`{"topic":"agreed"}`, 50,
		[]*pdu.Event{f.benJoin}, []*pdu.Event{f.create, f.power, f.aliceJoin})
	byBen := f.nameEvent("name-ben", ben, 100)
	byAlice := f.nameEvent("name-alice", alice, 900)
	f.insert(t, topic, byBen, byAlice)

	resolved := mustResolve(t, f, []StateMap{
		f.branch(topic, byBen), f.branch(topic, byAlice),
	})
	topicTuple := Tuple{Type: ref.EventType("m.room.topic"), StateKey: ""}
	if got := resolved[topicTuple]; got != topic.ID {
		t.Fatalf("topic = %s, want the agreed %s", got, topic.ID)
	}
	if got := resolved[nameTuple]; got != byAlice.ID {
		t.Fatalf("name = %s, want %s", got, byAlice.ID)
	}
}

func TestResolveOrderIndependent(t *testing.T) {
	f := newFixture(t)

	byBen := f.nameEvent("name-ben", ben, 100)
	byAlice := f.nameEvent("name-alice", alice, 900)
	ban := stateProto("eve-ban", ref.TypeMember, eve.String(), alice,
		`{"membership":"ban"}`, 100,
		[]*pdu.Event{f.benJoin}, []*pdu.Event{f.create, f.power, f.aliceJoin})
	join := stateProto("eve-join", ref.TypeMember, eve.String(), eve,
		`{"membership":"join"}`, 50,
		[]*pdu.Event{f.benJoin}, []*pdu.Event{f.create, f.power, f.joinRules})
	f.insert(t, byBen, byAlice, ban, join)

	setA := f.branch(byBen, join)
	setB := f.branch(byAlice, ban)

	first := mustResolve(t, f, []StateMap{setA, setB})
	// Repeated runs cover map iteration order; the swapped input
	// covers branch order.
	for i := 0; i < 20; i++ {
		if again := mustResolve(t, f, []StateMap{setA, setB}); !again.Equal(first) {
			t.Fatalf("run %d diverged: %v vs %v", i, again, first)
		}
		if again := mustResolve(t, f, []StateMap{setB, setA}); !again.Equal(first) {
			t.Fatalf("swapped run %d diverged: %v vs %v", i, again, first)
		}
	}
}

func TestResolveMissingDependency(t *testing.T) {
	f := newFixture(t)

	ghost := f.base.Clone()
	ghost[Tuple{Type: ref.TypeMember, StateKey: eve.String()}] =
		ref.MustParseEventID("$never-fetched")

	_, err := Resolve(f.rules, f.g, []StateMap{f.base.Clone(), ghost})
	if err == nil {
		t.Fatal("Resolve succeeded with an event absent from the graph")
	}
	if !reject.Is(err, reject.MissingDependency) {
		t.Fatalf("wrong rejection reason: %v", err)
	}
}
