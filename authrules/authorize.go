// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authrules

import (
	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/lib/schema"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/reject"
	"github.com/bureau-foundation/federation/roomversion"
)

// StateFetcher returns the auth-state event for a (type, state key)
// tuple, or nil when that tuple has no event in the state snapshot
// being authorized against.
type StateFetcher func(eventType ref.EventType, stateKey string) *pdu.Event

// Authorize checks the event against the given auth state under the
// room version's rules. A nil return means the event is permitted;
// otherwise the error is a *reject.RejectionError with reason
// Unauthorized describing which rule denied it.
func Authorize(rules roomversion.RuleSet, event *pdu.Event, fetch StateFetcher) error {
	if rej := authorize(rules, event, fetch); rej != nil {
		rej.EventID = event.ID
		return rej
	}
	return nil
}

func authorize(rules roomversion.RuleSet, event *pdu.Event, fetch StateFetcher) *reject.RejectionError {
	if event.Type == ref.TypeCreate {
		return checkCreate(rules, event)
	}

	createEvent := fetch(ref.TypeCreate, "")
	if createEvent == nil {
		return reject.Errorf(reject.Unauthorized, "auth state has no create event")
	}
	if createEvent.RoomID != event.RoomID {
		return reject.Errorf(reject.Unauthorized,
			"create event belongs to room %s, not %s", createEvent.RoomID, event.RoomID)
	}
	createContent, err := schema.ParseCreateContent(createEvent.Content)
	if err != nil {
		return reject.Errorf(reject.Unauthorized, "create event content: %v", err)
	}
	creator, err := createContent.CreatorID(rules, createEvent.Sender)
	if err != nil {
		return reject.Errorf(reject.Unauthorized, "create event content: %v", err)
	}
	if !createContent.Federated() && event.Sender.Server() != createEvent.Sender.Server() {
		return reject.Errorf(reject.Unauthorized,
			"room does not federate and sender %s is not on the creating server", event.Sender)
	}

	plEvent := fetch(ref.TypePowerLevels, "")
	var levels *schema.PowerLevels
	if plEvent != nil {
		levels, err = schema.ParsePowerLevels(plEvent.Content, rules)
		if err != nil {
			return reject.Errorf(reject.Unauthorized, "power levels content: %v", err)
		}
	}
	havePL := plEvent != nil

	if event.Type == ref.TypeMember {
		return checkMembership(rules, event, fetch, createEvent, creator, havePL, levels)
	}

	if membershipOf(fetch, event.Sender) != schema.MembershipJoin {
		return reject.Errorf(reject.Unauthorized,
			"sender %s is not joined to the room", event.Sender)
	}

	// With no power-levels event the creator gets 100 and everyone
	// else 0.
	var senderLevel int64
	if havePL {
		senderLevel = levels.UserLevel(event.Sender)
	} else if event.Sender == creator {
		senderLevel = schema.CreatorLevel
	}

	if event.Type == ref.TypeThirdPartyInvite {
		if senderLevel < levels.InviteLevel() {
			return reject.Errorf(reject.Unauthorized,
				"sender %s has level %d, below the invite level %d",
				event.Sender, senderLevel, levels.InviteLevel())
		}
		return nil
	}

	required := levels.SendLevel(event.Type, event.IsState())
	if senderLevel < required {
		return reject.Errorf(reject.Unauthorized,
			"sender %s has level %d, below the %d required to send %s",
			event.Sender, senderLevel, required, event.Type)
	}
	if key := event.StateKeyValue(); len(key) > 0 && key[0] == '@' && key != event.Sender.String() {
		return reject.Errorf(reject.Unauthorized,
			"state key %s names a user other than the sender %s", key, event.Sender)
	}

	if event.Type == ref.TypePowerLevels {
		return checkPowerLevelsChange(rules, event, levels, havePL, senderLevel)
	}
	return nil
}

// checkCreate authorizes the room creation event itself: no previous
// events, sender on the room's origin server, a recognized room
// version, and an explicit creator before version 11.
func checkCreate(rules roomversion.RuleSet, event *pdu.Event) *reject.RejectionError {
	if len(event.PrevEvents) != 0 {
		return reject.Errorf(reject.Unauthorized, "create event has prev_events")
	}
	if event.RoomID.Server() != event.Sender.Server() {
		return reject.Errorf(reject.Unauthorized,
			"room %s was not created on the sender's server %s", event.RoomID, event.Sender.Server())
	}
	content, err := schema.ParseCreateContent(event.Content)
	if err != nil {
		return reject.Errorf(reject.Unauthorized, "create content: %v", err)
	}
	if _, err := roomversion.Rules(content.Version()); err != nil {
		return reject.Errorf(reject.Unauthorized, "create content: %v", err)
	}
	if _, err := content.CreatorID(rules, event.Sender); err != nil {
		return reject.Errorf(reject.Unauthorized, "create content: %v", err)
	}
	return nil
}

// checkPowerLevelsChange applies the alteration rules for a new
// power-levels event against the one it replaces: the sender may not
// touch levels above their own, may not demote a user at their own
// level, and the new content must itself parse cleanly.
func checkPowerLevelsChange(rules roomversion.RuleSet, event *pdu.Event, current *schema.PowerLevels, haveCurrent bool, senderLevel int64) *reject.RejectionError {
	if !event.IsState() || event.StateKeyValue() != "" {
		return reject.Errorf(reject.Unauthorized, "power-levels event must have an empty state key")
	}
	proposed, err := schema.ParsePowerLevels(event.Content, rules)
	if err != nil {
		return reject.Errorf(reject.Unauthorized, "proposed power levels: %v", err)
	}

	// The first power-levels event in a room is unconstrained.
	if !haveCurrent {
		return nil
	}

	sender := event.Sender.String()
	for _, user := range unionKeys(current.Users, proposed.Users) {
		oldLevel, hadOld := current.Users[user]
		newLevel, hasNew := proposed.Users[user]
		if hadOld && hasNew && oldLevel == newLevel {
			continue
		}
		if user != sender && hadOld && oldLevel == senderLevel {
			return reject.Errorf(reject.Unauthorized,
				"cannot change the level of %s, who is at the sender's own level %d", user, senderLevel)
		}
		if hadOld && oldLevel > senderLevel {
			return reject.Errorf(reject.Unauthorized,
				"cannot change the level of %s, whose level %d exceeds the sender's %d", user, oldLevel, senderLevel)
		}
		if hasNew && newLevel > senderLevel {
			return reject.Errorf(reject.Unauthorized,
				"cannot raise %s to level %d, above the sender's %d", user, newLevel, senderLevel)
		}
	}

	for _, eventType := range unionKeys(current.Events, proposed.Events) {
		oldLevel, hadOld := current.Events[eventType]
		newLevel, hasNew := proposed.Events[eventType]
		if hadOld && hasNew && oldLevel == newLevel {
			continue
		}
		if hadOld && oldLevel > senderLevel {
			return reject.Errorf(reject.Unauthorized,
				"cannot change the send level for %s, currently %d, above the sender's %d", eventType, oldLevel, senderLevel)
		}
		if hasNew && newLevel > senderLevel {
			return reject.Errorf(reject.Unauthorized,
				"cannot set the send level for %s to %d, above the sender's %d", eventType, newLevel, senderLevel)
		}
	}

	if oldRoom, newRoom := current.RoomNotificationLevel(), proposed.RoomNotificationLevel(); oldRoom != newRoom {
		if oldRoom > senderLevel || newRoom > senderLevel {
			return reject.Errorf(reject.Unauthorized,
				"cannot change the room notification level between %d and %d, above the sender's %d", oldRoom, newRoom, senderLevel)
		}
	}

	scalars := []struct {
		name     string
		old, new int64
	}{
		{"users_default", deref(current.UsersDefault, schema.DefaultUserLevel), deref(proposed.UsersDefault, schema.DefaultUserLevel)},
		{"events_default", deref(current.EventsDefault, schema.DefaultEventLevel), deref(proposed.EventsDefault, schema.DefaultEventLevel)},
		{"state_default", deref(current.StateDefault, schema.DefaultStateLevel), deref(proposed.StateDefault, schema.DefaultStateLevel)},
		{"ban", current.BanLevel(), proposed.BanLevel()},
		{"redact", current.RedactLevel(), proposed.RedactLevel()},
		{"kick", current.KickLevel(), proposed.KickLevel()},
		{"invite", current.InviteLevel(), proposed.InviteLevel()},
	}
	for _, s := range scalars {
		if s.old == s.new {
			continue
		}
		if s.old > senderLevel || s.new > senderLevel {
			return reject.Errorf(reject.Unauthorized,
				"cannot change %s between %d and %d, above the sender's %d", s.name, s.old, s.new, senderLevel)
		}
	}
	return nil
}

// membershipOf returns the user's membership in the auth state,
// treating a missing or unparseable member event as leave.
func membershipOf(fetch StateFetcher, user ref.UserID) schema.Membership {
	memberEvent := fetch(ref.TypeMember, user.String())
	if memberEvent == nil {
		return schema.MembershipLeave
	}
	content, err := schema.ParseMemberContent(memberEvent.Content)
	if err != nil {
		return schema.MembershipLeave
	}
	return content.Membership
}

func unionKeys(a, b map[string]int64) []string {
	keys := make([]string, 0, len(a)+len(b))
	for key := range a {
		keys = append(keys, key)
	}
	for key := range b {
		if _, ok := a[key]; !ok {
			keys = append(keys, key)
		}
	}
	return keys
}

func deref(p *int64, fallback int64) int64 {
	if p != nil {
		return *p
	}
	return fallback
}
