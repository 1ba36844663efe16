// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/federation/lib/ref"
)

// Hashes carries an event's declared content hash. SHA-256 is the
// only algorithm defined for the supported room versions.
type Hashes struct {
	SHA256 string `json:"sha256"`
}

// Signatures maps server name → key identifier ("ed25519:version") →
// unpadded-base64 detached signature over the event's signable form.
type Signatures map[string]map[string]string

// Event is a room event (PDU). Fields mirror the federation wire
// format; Content and Unsigned are carried opaquely and only parsed
// at the few points that need specific fields (lib/schema).
//
// ID is derived, not received: remote events arrive without an ID and
// get one from DeriveEventID during validation. It is excluded from
// JSON so it can never be forged on the wire.
type Event struct {
	ID ref.EventID `json:"-"`

	AuthEvents     []ref.EventID   `json:"auth_events"`
	Content        json.RawMessage `json:"content"`
	Depth          int64           `json:"depth"`
	Hashes         *Hashes         `json:"hashes,omitempty"`
	Origin         ref.ServerName  `json:"origin,omitzero"`
	OriginServerTS int64           `json:"origin_server_ts"`
	PrevEvents     []ref.EventID   `json:"prev_events"`
	Redacts        ref.EventID     `json:"redacts,omitzero"`
	RoomID         ref.RoomID      `json:"room_id"`
	Sender         ref.UserID      `json:"sender"`
	Signatures     Signatures      `json:"signatures,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Type           ref.EventType   `json:"type"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

// IsState reports whether the event is a state event (has a state
// key, possibly the empty string).
func (e *Event) IsState() bool { return e.StateKey != nil }

// StateKeyValue returns the state key, or "" for non-state events.
// Use IsState to distinguish "no state key" from an empty one.
func (e *Event) StateKeyValue() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// IsCreate reports whether the event is the room creation event.
func (e *Event) IsCreate() bool {
	return e.Type == ref.TypeCreate && e.IsState() && e.StateKeyValue() == ""
}

// envelope returns the event's wire form as a generic JSON map with
// numbers preserved as json.Number. All hashing and redaction
// operates on this shape so that field selection is by wire key, not
// Go field.
func (e *Event) envelope() (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("pdu: marshalling event: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var envelope map[string]any
	if err := decoder.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("pdu: decoding event envelope: %w", err)
	}
	return envelope, nil
}

// fromEnvelope rebuilds a typed Event from a generic JSON map. The
// derived ID is not part of the envelope and must be re-derived (or
// copied) by the caller if needed.
func fromEnvelope(envelope map[string]any) (*Event, error) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("pdu: marshalling envelope: %w", err)
	}
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("pdu: decoding envelope into event: %w", err)
	}
	return &event, nil
}
