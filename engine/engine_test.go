// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/federation/engine"
	"github.com/bureau-foundation/federation/eventstore"
	"github.com/bureau-foundation/federation/lib/clock"
	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/reject"
	"github.com/bureau-foundation/federation/roomversion"
	"github.com/bureau-foundation/federation/statecache"
	"github.com/bureau-foundation/federation/stateres"
)

// keyDirectory is a KeyResolver backed by a static map, keyed by
// "server/keyID".
type keyDirectory map[string]ed25519.PublicKey

func (d keyDirectory) SigningKey(ctx context.Context, server ref.ServerName, keyID string, notAfter int64) (ed25519.PublicKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, ok := d[server.String()+"/"+keyID]
	if !ok {
		return nil, fmt.Errorf("no key %s for %s", keyID, server)
	}
	return key, nil
}

// countingKeys wraps a keyDirectory and counts upstream lookups, so
// tests can observe how often verification bypasses the key cache.
type countingKeys struct {
	mu      sync.Mutex
	lookups int
	keys    keyDirectory
}

func (c *countingKeys) SigningKey(ctx context.Context, server ref.ServerName, keyID string, notAfter int64) (ed25519.PublicKey, error) {
	c.mu.Lock()
	c.lookups++
	c.mu.Unlock()
	return c.keys.SigningKey(ctx, server, keyID, notAfter)
}

func (c *countingKeys) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups
}

// scriptedTransport serves a fixed set of events to FetchMissing and
// records traffic. Unknown IDs are simply not returned; the engine
// treats what is still missing after a fetch as its own problem.
type scriptedTransport struct {
	mu         sync.Mutex
	servable   map[ref.EventID]*pdu.Event
	fetches    int
	broadcasts []ref.EventID
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{servable: make(map[ref.EventID]*pdu.Event)}
}

func (s *scriptedTransport) serve(events ...*pdu.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range events {
		s.servable[event.ID] = event
	}
}

func (s *scriptedTransport) FetchMissing(ctx context.Context, room ref.RoomID, missing []ref.EventID) ([]*pdu.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	var found []*pdu.Event
	for _, id := range missing {
		if event, ok := s.servable[id]; ok {
			found = append(found, event)
		}
	}
	return found, nil
}

func (s *scriptedTransport) Broadcast(ctx context.Context, event *pdu.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts = append(s.broadcasts, event.ID)
	return nil
}

func (s *scriptedTransport) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *scriptedTransport) broadcastCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.broadcasts)
}

// recordingNotifier records which events produced state changes.
type recordingNotifier struct {
	mu     sync.Mutex
	events []ref.EventID
}

func (n *recordingNotifier) StateChanged(room ref.RoomID, event *pdu.Event, state *statecache.Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event.ID)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type fixture struct {
	ctx       context.Context
	rules     roomversion.RuleSet
	origin    pdu.Signer
	remote    pdu.Signer
	store     *eventstore.MemoryStore
	transport *scriptedTransport
	notifier  *recordingNotifier
	keys      *countingKeys
	engine    *engine.Engine

	alice ref.UserID
	ben   ref.UserID
	eve   ref.UserID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	rules, err := roomversion.Rules(roomversion.V10)
	if err != nil {
		t.Fatalf("Rules: %v", err)
	}
	origin, originKey, err := pdu.NewSigner(ref.MustParseServerName("origin.test"), "a1")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	remote, remoteKey, err := pdu.NewSigner(ref.MustParseServerName("remote.test"), "r1")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	keys := &countingKeys{keys: keyDirectory{
		"origin.test/" + origin.KeyID(): originKey,
		"remote.test/" + remote.KeyID(): remoteKey,
	}}

	store := eventstore.NewMemoryStore()
	transport := newScriptedTransport()
	notifier := &recordingNotifier{}

	eng, err := engine.New(engine.Options{
		Store:     store,
		Keys:      keys,
		Transport: transport,
		Notifier:  notifier,
		Signer:    origin,
		Clock:     clock.Fake(time.UnixMilli(1700000000000)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(eng.Close)

	return &fixture{
		ctx:       context.Background(),
		rules:     rules,
		origin:    origin,
		remote:    remote,
		store:     store,
		transport: transport,
		notifier:  notifier,
		keys:      keys,
		engine:    eng,
		alice:     ref.MustParseUserID("@alice:origin.test"),
		ben:       ref.MustParseUserID("@ben:origin.test"),
		eve:       ref.MustParseUserID("@eve:remote.test"),
	}
}

// room tracks one created room's well-known event IDs and the running
// head of its linear history.
type room struct {
	f     *fixture
	id    ref.RoomID
	state *statecache.Snapshot

	createID      ref.EventID
	creatorJoinID ref.EventID
	powerID       ref.EventID
	joinRulesID   ref.EventID

	head  ref.EventID
	depth int64
}

func (f *fixture) newRoom(t *testing.T) *room {
	t.Helper()
	id, snapshot, err := f.engine.CreateRoom(f.ctx, f.alice, roomversion.V10, "invite")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	r := &room{
		f:             f,
		id:            id,
		state:         snapshot,
		createID:      stateID(t, snapshot, ref.TypeCreate, ""),
		creatorJoinID: stateID(t, snapshot, ref.TypeMember, f.alice.String()),
		powerID:       stateID(t, snapshot, ref.TypePowerLevels, ""),
		joinRulesID:   stateID(t, snapshot, ref.TypeJoinRules, ""),
		depth:         3,
	}
	r.head = r.joinRulesID
	return r
}

// build constructs and signs an event without submitting it.
func (r *room) build(t *testing.T, signer pdu.Signer, template pdu.Template) *pdu.Event {
	t.Helper()
	template.RoomID = r.id
	if template.Timestamp == 0 {
		template.Timestamp = 1700000000000 + template.Depth
	}
	event, err := pdu.Build(template, signer, r.f.rules)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return event
}

// append builds a state event on the current head, submits it, and
// advances the head.
func (r *room) append(t *testing.T, signer pdu.Signer, sender ref.UserID, eventType ref.EventType, stateKey string, content any, auth []ref.EventID) *pdu.Event {
	t.Helper()
	r.depth++
	event := r.build(t, signer, pdu.Template{
		Sender:     sender,
		Type:       eventType,
		StateKey:   pdu.StateKeyOf(stateKey),
		Content:    content,
		PrevEvents: []ref.EventID{r.head},
		AuthEvents: auth,
		Depth:      r.depth,
	})
	snapshot, err := r.f.engine.Submit(r.f.ctx, signer.Server, event)
	if err != nil {
		t.Fatalf("Submit(%s %s): %v", eventType, stateKey, err)
	}
	r.head = event.ID
	r.state = snapshot
	return event
}

// inviteAndJoin runs the standard invite-then-join exchange for a
// user homed on the given signer's server.
func (r *room) inviteAndJoin(t *testing.T, member ref.UserID, memberSigner pdu.Signer) (invite, join *pdu.Event) {
	t.Helper()
	invite = r.append(t, r.f.origin, r.f.alice, ref.TypeMember, member.String(),
		map[string]any{"membership": "invite"},
		[]ref.EventID{r.createID, r.creatorJoinID, r.powerID, r.joinRulesID})
	join = r.append(t, memberSigner, member, ref.TypeMember, member.String(),
		map[string]any{"membership": "join"},
		[]ref.EventID{r.createID, r.powerID, r.joinRulesID, invite.ID})
	return invite, join
}

func stateID(t *testing.T, snapshot *statecache.Snapshot, eventType ref.EventType, stateKey string) ref.EventID {
	t.Helper()
	id, ok := snapshot.Lookup(stateres.Tuple{Type: eventType, StateKey: stateKey})
	if !ok {
		t.Fatalf("resolved state has no (%s, %q) entry", eventType, stateKey)
	}
	return id
}

// Room creation, invite, join: the resolved state ends with exactly
// one membership entry per user and the creator at level 100.
func TestCreateRoomInviteAndJoin(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	_, benJoin := r.inviteAndJoin(t, f.ben, f.origin)

	if got := stateID(t, r.state, ref.TypeMember, f.alice.String()); got != r.creatorJoinID {
		t.Errorf("creator membership = %s, want %s", got, r.creatorJoinID)
	}
	if got := stateID(t, r.state, ref.TypeMember, f.ben.String()); got != benJoin.ID {
		t.Errorf("ben membership = %s, want %s", got, benJoin.ID)
	}

	memberships := 0
	for tuple := range r.state.State() {
		if tuple.Type == ref.TypeMember {
			memberships++
		}
	}
	if memberships != 2 {
		t.Errorf("resolved state has %d membership entries, want 2", memberships)
	}

	power, err := f.store.Event(f.ctx, stateID(t, r.state, ref.TypePowerLevels, ""))
	if err != nil || power == nil {
		t.Fatalf("loading power levels event: %v", err)
	}
	var levels struct {
		Users map[string]int64 `json:"users"`
	}
	if err := json.Unmarshal(power.Content, &levels); err != nil {
		t.Fatalf("decoding power levels: %v", err)
	}
	if levels.Users[f.alice.String()] != 100 {
		t.Errorf("creator power level = %d, want 100", levels.Users[f.alice.String()])
	}

	// Four creation events plus invite plus join, each broadcast
	// (locals only) and notified.
	if got := f.transport.broadcastCount(); got != 4 {
		t.Errorf("broadcast %d events, want 4", got)
	}
	if got := f.notifier.count(); got != 6 {
		t.Errorf("notifier saw %d state changes, want 6", got)
	}
}

// Signature verification goes through the key cache: many events from
// one server cost one upstream key lookup, and a second server's first
// event costs exactly one more.
func TestRepeatedSubmissionsShareOneKeyLookup(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	for i := range 3 {
		r.depth++
		event := r.build(t, f.origin, pdu.Template{
			Sender:     f.alice,
			Type:       ref.TypeMessage,
			Content:    map[string]any{"msgtype": "m.text", "body": fmt.Sprintf("message %d", i)},
			PrevEvents: []ref.EventID{r.head},
			AuthEvents: []ref.EventID{r.createID, r.creatorJoinID, r.powerID},
			Depth:      r.depth,
		})
		if _, err := f.engine.Submit(f.ctx, f.origin.Server, event); err != nil {
			t.Fatalf("Submit message %d: %v", i, err)
		}
		r.head = event.ID
	}
	if got := f.keys.count(); got != 1 {
		t.Fatalf("upstream key lookups = %d, want 1 for a single signing key", got)
	}

	r.inviteAndJoin(t, f.eve, f.remote)
	if got := f.keys.count(); got != 2 {
		t.Fatalf("upstream key lookups = %d, want 2 after a second server's event", got)
	}
}

// Concurrent room-name writes on the same prior state: the higher
// powered sender wins whichever order the events arrive in.
func TestConcurrentNameDeterministicWinner(t *testing.T) {
	for _, reversed := range []bool{false, true} {
		name := "forward"
		if reversed {
			name = "reversed"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			r := f.newRoom(t)
			_, benJoin := r.inviteAndJoin(t, f.ben, f.origin)

			// Ben needs level 50 to set state at all.
			powerUpdate := r.append(t, f.origin, f.alice, ref.TypePowerLevels, "",
				map[string]any{
					"users":         map[string]any{f.alice.String(): 100, f.ben.String(): 50},
					"state_default": 50,
				},
				[]ref.EventID{r.createID, r.creatorJoinID, r.powerID})

			fork := r.head
			forkDepth := r.depth + 1
			aliceName := r.build(t, f.origin, pdu.Template{
				Sender:     f.alice,
				Type:       ref.TypeName,
				StateKey:   pdu.StateKeyOf(""),
				Content:    map[string]any{"name": "A"},
				PrevEvents: []ref.EventID{fork},
				AuthEvents: []ref.EventID{r.createID, r.creatorJoinID, powerUpdate.ID},
				Depth:      forkDepth,
				Timestamp:  1700000000900,
			})
			benName := r.build(t, f.origin, pdu.Template{
				Sender:     f.ben,
				Type:       ref.TypeName,
				StateKey:   pdu.StateKeyOf(""),
				Content:    map[string]any{"name": "B"},
				PrevEvents: []ref.EventID{fork},
				AuthEvents: []ref.EventID{r.createID, benJoin.ID, powerUpdate.ID},
				Depth:      forkDepth,
				Timestamp:  1700000000100,
			})

			order := []*pdu.Event{aliceName, benName}
			if reversed {
				order = []*pdu.Event{benName, aliceName}
			}
			var final *statecache.Snapshot
			for _, event := range order {
				snapshot, err := f.engine.Submit(f.ctx, f.origin.Server, event)
				if err != nil {
					t.Fatalf("Submit(%s): %v", event.ID, err)
				}
				final = snapshot
			}

			// Ben's write has the earlier timestamp, but Alice holds
			// more power and power dominates.
			if got := stateID(t, final, ref.TypeName, ""); got != aliceName.ID {
				t.Errorf("room name = %s, want %s (the higher powered write)", got, aliceName.ID)
			}
		})
	}
}

// A banned user's re-join citing an auth chain from before the ban is
// denied, stays in the graph, and never reaches resolved state.
func TestBannedUserJoinWithPreBanAuthChain(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	_, eveJoin := r.inviteAndJoin(t, f.eve, f.remote)
	ban := r.append(t, f.origin, f.alice, ref.TypeMember, f.eve.String(),
		map[string]any{"membership": "ban"},
		[]ref.EventID{r.createID, r.creatorJoinID, r.powerID, eveJoin.ID})

	rejoin := r.build(t, f.remote, pdu.Template{
		Sender:     f.eve,
		Type:       ref.TypeMember,
		StateKey:   pdu.StateKeyOf(f.eve.String()),
		Content:    map[string]any{"membership": "join"},
		PrevEvents: []ref.EventID{ban.ID},
		AuthEvents: []ref.EventID{r.createID, r.powerID, r.joinRulesID, eveJoin.ID},
		Depth:      r.depth + 1,
	})
	_, err := f.engine.Submit(f.ctx, f.remote.Server, rejoin)
	if !reject.Is(err, reject.Unauthorized) {
		t.Fatalf("banned re-join: got %v, want Unauthorized", err)
	}

	// Retained: the event is in the store for auth-chain purposes.
	stored, err := f.store.Event(f.ctx, rejoin.ID)
	if err != nil {
		t.Fatalf("loading rejected event: %v", err)
	}
	if stored == nil {
		t.Fatal("rejected event was not retained")
	}

	// Excluded: history building on top of it still shows the ban.
	after := r.build(t, f.origin, pdu.Template{
		Sender:     f.alice,
		Type:       ref.TypeMessage,
		Content:    map[string]any{"msgtype": "m.text", "body": "still here"},
		PrevEvents: []ref.EventID{rejoin.ID},
		AuthEvents: []ref.EventID{r.createID, r.creatorJoinID, r.powerID},
		Depth:      r.depth + 2,
	})
	snapshot, err := f.engine.Submit(f.ctx, f.origin.Server, after)
	if err != nil {
		t.Fatalf("Submit after rejected event: %v", err)
	}
	if got := stateID(t, snapshot, ref.TypeMember, f.eve.String()); got != ban.ID {
		t.Errorf("eve's membership = %s, want the ban %s", got, ban.ID)
	}
}

// A missing auth_events dependency defers the event, triggers a
// transport backfill, and processing resumes once the fetch delivers.
func TestMissingAuthEventTriggersBackfill(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	invite := r.build(t, f.origin, pdu.Template{
		Sender:     f.alice,
		Type:       ref.TypeMember,
		StateKey:   pdu.StateKeyOf(f.ben.String()),
		Content:    map[string]any{"membership": "invite"},
		PrevEvents: []ref.EventID{r.head},
		AuthEvents: []ref.EventID{r.createID, r.creatorJoinID, r.powerID, r.joinRulesID},
		Depth:      r.depth + 1,
	})
	benJoin := r.build(t, f.origin, pdu.Template{
		Sender:     f.ben,
		Type:       ref.TypeMember,
		StateKey:   pdu.StateKeyOf(f.ben.String()),
		Content:    map[string]any{"membership": "join"},
		PrevEvents: []ref.EventID{invite.ID},
		AuthEvents: []ref.EventID{r.createID, r.powerID, r.joinRulesID, invite.ID},
		Depth:      r.depth + 2,
	})

	// The join arrives first; the invite it depends on is only
	// available from peers.
	f.transport.serve(invite)
	snapshot, err := f.engine.Submit(f.ctx, f.origin.Server, benJoin)
	if err != nil {
		t.Fatalf("Submit with backfill: %v", err)
	}
	if f.transport.fetchCount() == 0 {
		t.Error("backfill never reached the transport")
	}
	if got := stateID(t, snapshot, ref.TypeMember, f.ben.String()); got != benJoin.ID {
		t.Errorf("ben's membership = %s, want %s", got, benJoin.ID)
	}
	if stored, err := f.store.Event(f.ctx, invite.ID); err != nil || stored == nil {
		t.Errorf("backfilled invite not stored: %v", err)
	}
}

// When no peer can deliver the dependency, the submission reports
// MissingDependency; a later resubmission after the dependency shows
// up succeeds.
func TestMissingDependencyReportedWhenUnfetchable(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	invite := r.build(t, f.origin, pdu.Template{
		Sender:     f.alice,
		Type:       ref.TypeMember,
		StateKey:   pdu.StateKeyOf(f.ben.String()),
		Content:    map[string]any{"membership": "invite"},
		PrevEvents: []ref.EventID{r.head},
		AuthEvents: []ref.EventID{r.createID, r.creatorJoinID, r.powerID, r.joinRulesID},
		Depth:      r.depth + 1,
	})
	benJoin := r.build(t, f.origin, pdu.Template{
		Sender:     f.ben,
		Type:       ref.TypeMember,
		StateKey:   pdu.StateKeyOf(f.ben.String()),
		Content:    map[string]any{"membership": "join"},
		PrevEvents: []ref.EventID{invite.ID},
		AuthEvents: []ref.EventID{r.createID, r.powerID, r.joinRulesID, invite.ID},
		Depth:      r.depth + 2,
	})

	_, err := f.engine.Submit(f.ctx, f.origin.Server, benJoin)
	if !reject.Is(err, reject.MissingDependency) {
		t.Fatalf("unfetchable dependency: got %v, want MissingDependency", err)
	}

	f.transport.serve(invite)
	if _, err := f.engine.Submit(f.ctx, f.origin.Server, benJoin); err != nil {
		t.Fatalf("resubmission after dependency arrived: %v", err)
	}
}

// An event whose content hash does not match its declared hashes is
// unverifiable and never reaches the store or any resolved state.
func TestContentHashMismatchDiscarded(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	name := r.build(t, f.origin, pdu.Template{
		Sender:     f.alice,
		Type:       ref.TypeName,
		StateKey:   pdu.StateKeyOf(""),
		Content:    map[string]any{"name": "honest"},
		PrevEvents: []ref.EventID{r.head},
		AuthEvents: []ref.EventID{r.createID, r.creatorJoinID, r.powerID},
		Depth:      r.depth + 1,
	})
	tampered := *name
	tampered.Content = json.RawMessage(`{"name":"forged"}`)

	_, err := f.engine.Submit(f.ctx, f.origin.Server, &tampered)
	if !reject.Is(err, reject.Unverifiable) {
		t.Fatalf("tampered event: got %v, want Unverifiable", err)
	}

	if stored, err := f.store.Event(f.ctx, tampered.ID); err != nil || stored != nil {
		t.Errorf("tampered event reached the store: %v, %v", stored, err)
	}

	r.append(t, f.origin, f.alice, ref.EventType("m.room.topic"), "",
		map[string]any{"topic": "moving on"},
		[]ref.EventID{r.createID, r.creatorJoinID, r.powerID})
	if _, ok := r.state.Lookup(stateres.Tuple{Type: ref.TypeName, StateKey: ""}); ok {
		t.Error("discarded event appears in resolved state")
	}
}

// Redelivery of an already-processed event is a cheap no-op.
func TestIdempotentRedelivery(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)
	_, benJoin := r.inviteAndJoin(t, f.ben, f.origin)

	before := f.store.EventCount()
	snapshot, err := f.engine.Submit(f.ctx, f.origin.Server, benJoin)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := stateID(t, snapshot, ref.TypeMember, f.ben.String()); got != benJoin.ID {
		t.Errorf("redelivery changed ben's membership to %s", got)
	}
	if f.store.EventCount() != before {
		t.Errorf("redelivery grew the store from %d to %d events", before, f.store.EventCount())
	}
}

func TestSubmitAfterClose(t *testing.T) {
	f := newFixture(t)
	r := f.newRoom(t)

	f.engine.Close()
	event := r.build(t, f.origin, pdu.Template{
		Sender:     f.alice,
		Type:       ref.TypeMessage,
		Content:    map[string]any{"msgtype": "m.text", "body": "too late"},
		PrevEvents: []ref.EventID{r.head},
		AuthEvents: []ref.EventID{r.createID, r.creatorJoinID, r.powerID},
		Depth:      r.depth + 1,
	})
	if _, err := f.engine.Submit(f.ctx, f.origin.Server, event); !errors.Is(err, engine.ErrClosed) {
		t.Fatalf("submit after close: got %v, want ErrClosed", err)
	}
}
