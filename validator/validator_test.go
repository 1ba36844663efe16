// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package validator_test

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/reject"
	"github.com/bureau-foundation/federation/roomversion"
	"github.com/bureau-foundation/federation/validator"
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

type harness struct {
	rules     roomversion.RuleSet
	signer    pdu.Signer
	validator *validator.Validator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rules, err := roomversion.Rules(roomversion.V10)
	if err != nil {
		t.Fatalf("Rules: %v", err)
	}
	signer, public, err := pdu.NewSigner(ref.MustParseServerName("origin.test"), "a1")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	directory := keyDirectory{"origin.test/" + signer.KeyID(): public}
	return &harness{rules: rules, signer: signer, validator: validator.New(directory)}
}

func (h *harness) message(t *testing.T, body string) *pdu.Event {
	t.Helper()
	event, err := pdu.Build(pdu.Template{
		RoomID:     ref.MustParseRoomID("!room:origin.test"),
		Sender:     ref.MustParseUserID("@alice:origin.test"),
		Type:       ref.TypeMessage,
		Content:    map[string]any{"msgtype": "m.text", "body": body},
		PrevEvents: []ref.EventID{ref.MustParseEventID("$prev")},
		AuthEvents: []ref.EventID{ref.MustParseEventID("$create")},
		Depth:      5,
		Timestamp:  1700000000000,
	}, h.signer, h.rules)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return event
}

func wantReason(t *testing.T, err error, reason reject.Reason) {
	t.Helper()
	if err == nil {
		t.Fatal("Validate accepted an event that should be rejected")
	}
	if !reject.Is(err, reason) {
		t.Fatalf("rejection reason = %v, want %s", err, reason)
	}
}

func TestValidateAcceptsWellFormedEvent(t *testing.T) {
	h := newHarness(t)
	event := h.message(t, "hello")
	if err := h.validator.Validate(context.Background(), event, h.rules, 4); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateStructuralFailures(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name   string
		mutate func(*pdu.Event)
	}{
		{"no derived ID", func(e *pdu.Event) { e.ID = ref.EventID{} }},
		{"no room", func(e *pdu.Event) { e.RoomID = ref.RoomID{} }},
		{"no sender", func(e *pdu.Event) { e.Sender = ref.UserID{} }},
		{"no type", func(e *pdu.Event) { e.Type = "" }},
		{"negative depth", func(e *pdu.Event) { e.Depth = -1 }},
		{"no prev_events", func(e *pdu.Event) { e.PrevEvents = nil }},
		{"no auth_events", func(e *pdu.Event) { e.AuthEvents = nil }},
		{"invalid content", func(e *pdu.Event) { e.Content = json.RawMessage(`{"body":`) }},
		{"oversized type", func(e *pdu.Event) { e.Type = ref.EventType(strings.Repeat("x", 300)) }},
		{"too many auth_events", func(e *pdu.Event) {
			for i := 0; i < 11; i++ {
				e.AuthEvents = append(e.AuthEvents, ref.MustParseEventID(fmt.Sprintf("$auth%d", i)))
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event := h.message(t, "hello")
			tc.mutate(event)
			err := h.validator.Validate(context.Background(), event, h.rules, 4)
			wantReason(t, err, reject.Malformed)
		})
	}
}

func TestValidateCreateEventCitesNoParents(t *testing.T) {
	h := newHarness(t)
	create, err := pdu.Build(pdu.Template{
		RoomID:    ref.MustParseRoomID("!room:origin.test"),
		Sender:    ref.MustParseUserID("@alice:origin.test"),
		Type:      ref.TypeCreate,
		StateKey:  pdu.StateKeyOf(""),
		Content:   map[string]any{"creator": "@alice:origin.test", "room_version": "10"},
		Timestamp: 1700000000000,
	}, h.signer, h.rules)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := h.validator.Validate(context.Background(), create, h.rules, 0); err != nil {
		t.Fatalf("Validate(create): %v", err)
	}

	create.PrevEvents = []ref.EventID{ref.MustParseEventID("$ghost")}
	err = h.validator.Validate(context.Background(), create, h.rules, 0)
	wantReason(t, err, reject.Malformed)
}

func TestValidateSizeCeiling(t *testing.T) {
	h := newHarness(t)
	event := h.message(t, strings.Repeat("a", validator.MaxEventBytes))
	err := h.validator.Validate(context.Background(), event, h.rules, 4)
	wantReason(t, err, reject.Malformed)
}

func TestValidateDepthBound(t *testing.T) {
	h := newHarness(t)
	h.validator.SetDepthSlack(10)

	event := h.message(t, "hello")
	if err := h.validator.Validate(context.Background(), event, h.rules, 0); err != nil {
		t.Fatalf("depth 5 against known depth 0 with slack 10: %v", err)
	}

	deep := h.message(t, "hello")
	deep.Depth = 1000
	// The depth check precedes the hash check, so the stale content
	// hash does not get in the way of what this test exercises.
	err := h.validator.Validate(context.Background(), deep, h.rules, 0)
	wantReason(t, err, reject.Malformed)
}

func TestValidateContentHashMismatch(t *testing.T) {
	h := newHarness(t)
	event := h.message(t, "hello")
	event.Content = json.RawMessage(`{"msgtype":"m.text","body":"tampered"}`)
	err := h.validator.Validate(context.Background(), event, h.rules, 4)
	wantReason(t, err, reject.Unverifiable)
}

func TestValidateMissingOriginSignature(t *testing.T) {
	h := newHarness(t)
	event := h.message(t, "hello")
	event.Signatures = nil
	err := h.validator.Validate(context.Background(), event, h.rules, 4)
	wantReason(t, err, reject.Unverifiable)
}

func TestValidateUnresolvableKey(t *testing.T) {
	h := newHarness(t)
	h.validator = validator.New(keyDirectory{}) // directory lost the key
	event := h.message(t, "hello")
	err := h.validator.Validate(context.Background(), event, h.rules, 4)
	wantReason(t, err, reject.Unverifiable)
}

func TestValidateForgedSignature(t *testing.T) {
	h := newHarness(t)
	// The directory serves a key the event was not signed with.
	wrongPublic, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	h.validator = validator.New(keyDirectory{"origin.test/" + h.signer.KeyID(): wrongPublic})

	event := h.message(t, "hello")
	err = h.validator.Validate(context.Background(), event, h.rules, 4)
	wantReason(t, err, reject.Unverifiable)
}

func TestValidateCancelledKeyFetchIsNotARejection(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	event := h.message(t, "hello")
	err := h.validator.Validate(ctx, event, h.rules, 4)
	if err == nil {
		t.Fatal("Validate succeeded with a cancelled context")
	}
	if reject.Is(err, reject.Unverifiable) || reject.Is(err, reject.Malformed) {
		t.Fatalf("cancellation misreported as a rejection: %v", err)
	}
}
