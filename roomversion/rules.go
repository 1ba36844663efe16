// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomversion

import (
	"fmt"

	"github.com/bureau-foundation/federation/lib/ref"
)

// Version is a Matrix room version tag (e.g., "10"). Versions are
// opaque strings, not integers — the Matrix spec reserves non-numeric tags
// for experimental versions, which this engine rejects.
type Version string

// Supported room versions, oldest first.
const (
	V6  Version = "6"
	V7  Version = "7"
	V8  Version = "8"
	V9  Version = "9"
	V10 Version = "10"
	V11 Version = "11"
)

// Default is the version assigned to locally created rooms when the
// caller doesn't specify one.
const Default = V10

// RuleSet is the resolved rule table for one room version. It is an
// immutable value selected once at room creation (or on first sight
// of a remote room) and threaded through every engine component.
type RuleSet struct {
	// Version is the tag this rule set was built from.
	Version Version

	// AllowKnocking enables the "knock" membership and the "knock"
	// join rule (version 7+).
	AllowKnocking bool

	// AllowRestrictedJoin enables the "restricted" join rule, where
	// membership in another room authorizes a join (version 8+).
	AllowRestrictedJoin bool

	// AllowKnockRestrictedJoin enables the "knock_restricted" join
	// rule combining both (version 10+).
	AllowKnockRestrictedJoin bool

	// IntegerPowerLevels requires power-level values to be JSON
	// integers, rejecting string forms (version 10+). Earlier
	// versions accept base-10 strings for compatibility.
	IntegerPowerLevels bool

	// UpdatedRedaction applies the version 11 redaction changes:
	// m.room.create content survives in full, the top-level origin /
	// membership / prev_state keys are dropped, redaction events keep
	// content.redacts instead of the top-level key, power levels keep
	// invite, and member events keep third_party_invite.signed.
	UpdatedRedaction bool

	// ImplicitRoomCreator derives the room creator from the create
	// event's sender rather than content.creator (version 11+).
	ImplicitRoomCreator bool
}

var ruleSets = map[Version]RuleSet{
	V6: {Version: V6},
	V7: {Version: V7, AllowKnocking: true},
	V8: {Version: V8, AllowKnocking: true, AllowRestrictedJoin: true},
	V9: {Version: V9, AllowKnocking: true, AllowRestrictedJoin: true},
	V10: {
		Version: V10, AllowKnocking: true, AllowRestrictedJoin: true,
		AllowKnockRestrictedJoin: true, IntegerPowerLevels: true,
	},
	V11: {
		Version: V11, AllowKnocking: true, AllowRestrictedJoin: true,
		AllowKnockRestrictedJoin: true, IntegerPowerLevels: true,
		UpdatedRedaction: true, ImplicitRoomCreator: true,
	},
}

// Rules returns the rule set for a room version. Unsupported versions
// (including the pre-hash-ID versions 1–5 and experimental tags) are
// an error: a server must never guess at another version's semantics.
func Rules(version Version) (RuleSet, error) {
	rules, ok := ruleSets[version]
	if !ok {
		return RuleSet{}, fmt.Errorf("roomversion: unsupported room version %q", version)
	}
	return rules, nil
}

// Supported returns the supported version tags, oldest first.
func Supported() []Version {
	return []Version{V6, V7, V8, V9, V10, V11}
}

// redactedTopLevel is the set of top-level event keys that survive
// redaction in versions 6–10. Everything else, unsigned included, is
// stripped before the reference hash is computed; this is why
// redacting an event never changes its event ID.
var redactedTopLevel = []string{
	"auth_events", "content", "depth", "event_id", "hashes", "membership",
	"origin", "origin_server_ts", "prev_events", "prev_state", "room_id",
	"sender", "signatures", "state_key", "type",
}

// redactedTopLevelV11 drops origin, membership, and prev_state.
var redactedTopLevelV11 = []string{
	"auth_events", "content", "depth", "event_id", "hashes",
	"origin_server_ts", "prev_events", "room_id",
	"sender", "signatures", "state_key", "type",
}

// KeepTopLevel returns the top-level keys that survive redaction. For
// m.room.redaction events in versions before 11, the top-level
// "redacts" key is additionally retained.
func (r RuleSet) KeepTopLevel(eventType ref.EventType) []string {
	base := redactedTopLevel
	if r.UpdatedRedaction {
		base = redactedTopLevelV11
	}
	if eventType == ref.TypeRedaction && !r.UpdatedRedaction {
		keys := make([]string, 0, len(base)+1)
		keys = append(keys, base...)
		keys = append(keys, "redacts")
		return keys
	}
	return base
}

// KeepContent returns the content keys that survive redaction for the
// given event type, or nil when the whole content is stripped. A
// returned key of the form "a.b" retains only sub-key b of object a
// (used for third_party_invite.signed in version 11).
//
// The special return keepAll means the entire content survives
// (m.room.create in version 11).
func (r RuleSet) KeepContent(eventType ref.EventType) []string {
	switch eventType {
	case ref.TypeCreate:
		if r.UpdatedRedaction {
			return keepAll
		}
		return []string{"creator"}
	case ref.TypeMember:
		keys := []string{"membership"}
		if r.AllowRestrictedJoin {
			keys = append(keys, "join_authorised_via_users_server")
		}
		if r.UpdatedRedaction {
			keys = append(keys, "third_party_invite.signed")
		}
		return keys
	case ref.TypeJoinRules:
		if r.AllowRestrictedJoin {
			return []string{"join_rule", "allow"}
		}
		return []string{"join_rule"}
	case ref.TypePowerLevels:
		keys := []string{
			"ban", "events", "events_default", "kick", "redact",
			"state_default", "users", "users_default",
		}
		if r.UpdatedRedaction {
			keys = append(keys, "invite")
		}
		return keys
	case ref.TypeHistoryVisibility:
		return []string{"history_visibility"}
	case ref.TypeRedaction:
		if r.UpdatedRedaction {
			return []string{"redacts"}
		}
		return nil
	default:
		return nil
	}
}

// keepAll is the KeepContent sentinel for "retain the whole content".
var keepAll = []string{"*"}

// KeepsAllContent reports whether a KeepContent result is the
// retain-everything sentinel.
func KeepsAllContent(keys []string) bool {
	return len(keys) == 1 && keys[0] == "*"
}
