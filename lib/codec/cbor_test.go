// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec_test

import (
	"bytes"
	"testing"

	"github.com/bureau-foundation/federation/lib/codec"
	"github.com/bureau-foundation/federation/lib/ref"
)

func TestDeterministicMapEncoding(t *testing.T) {
	// Maps built in different insertion orders must encode to the
	// same bytes: eventstore deduplicates persisted state snapshots
	// by digest of the encoded form.
	first := map[string]int{"alpha": 1, "beta": 2, "gamma": 3}
	second := map[string]int{"gamma": 3, "alpha": 1, "beta": 2}

	firstBytes, err := codec.Marshal(first)
	if err != nil {
		t.Fatalf("Marshal first: %v", err)
	}
	secondBytes, err := codec.Marshal(second)
	if err != nil {
		t.Fatalf("Marshal second: %v", err)
	}
	if !bytes.Equal(firstBytes, secondBytes) {
		t.Errorf("same map encoded differently: %x vs %x", firstBytes, secondBytes)
	}
}

func TestRefTypesRoundTrip(t *testing.T) {
	type envelope struct {
		EventID ref.EventID `json:"event_id"`
		RoomID  ref.RoomID  `json:"room_id"`
		Sender  ref.UserID  `json:"sender"`
	}
	original := envelope{
		EventID: ref.MustParseEventID("$abc123"),
		RoomID:  ref.MustParseRoomID("!room:example.org"),
		Sender:  ref.MustParseUserID("@alice:example.org"),
	}
	data, err := codec.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded envelope
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestAnyTargetDecodesToStringKeyedMap(t *testing.T) {
	data, err := codec.Marshal(map[string]any{"content": map[string]any{"membership": "join"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	top, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded to %T, want map[string]any", decoded)
	}
	if _, ok := top["content"].(map[string]any); !ok {
		t.Errorf("nested value decoded to %T, want map[string]any", top["content"])
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	data, err := codec.Marshal(map[string]any{"known": 1, "unknown": "extra"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var target struct {
		Known int `json:"known"`
	}
	if err := codec.Unmarshal(data, &target); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if target.Known != 1 {
		t.Errorf("Known = %d, want 1", target.Known)
	}
}
