// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType is a Matrix event type string (e.g., "m.room.member").
// Event types are freeform namespaced strings; the engine gives a
// handful of m.room.* types special authorization and redaction
// treatment and passes everything else through opaquely.
type EventType string

// Event types with engine-defined semantics.
const (
	// TypeCreate is the room creation event, the root of every auth
	// chain. State key is always "".
	TypeCreate EventType = "m.room.create"

	// TypeMember is a membership state event. State key is the user
	// ID whose membership is being set.
	TypeMember EventType = "m.room.member"

	// TypePowerLevels assigns power levels to users and required
	// levels to event types. State key is always "".
	TypePowerLevels EventType = "m.room.power_levels"

	// TypeJoinRules controls how users may join. State key is always "".
	TypeJoinRules EventType = "m.room.join_rules"

	// TypeHistoryVisibility controls backfill visibility. Retained
	// under redaction because servers make history decisions from it.
	TypeHistoryVisibility EventType = "m.room.history_visibility"

	// TypeThirdPartyInvite carries a third-party invite token.
	TypeThirdPartyInvite EventType = "m.room.third_party_invite"

	// TypeRedaction requests redaction of another event.
	TypeRedaction EventType = "m.room.redaction"

	// TypeName sets the human-readable room name.
	TypeName EventType = "m.room.name"

	// TypeMessage is an ordinary (non-state) message event.
	TypeMessage EventType = "m.room.message"
)

// String returns the event type string.
func (t EventType) String() string { return string(t) }

// IsZero reports whether the event type is empty.
func (t EventType) IsZero() bool { return t == "" }
