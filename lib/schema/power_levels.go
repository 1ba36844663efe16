// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/roomversion"
)

// Spec-mandated defaults applied when a power-levels event omits a
// field, and when a room has no power-levels event at all (in that
// case the room creator additionally gets CreatorLevel, handled by
// the authorization rules, not here).
const (
	DefaultUserLevel   = 0
	DefaultEventLevel  = 0
	DefaultStateLevel  = 50
	DefaultBanLevel    = 50
	DefaultKickLevel   = 50
	DefaultRedactLevel = 50
	DefaultInviteLevel = 0

	DefaultNotificationLevel = 50

	// CreatorLevel is the implicit power level of the room creator
	// when no power-levels event exists yet.
	CreatorLevel = 100
)

// PowerLevels is a typed representation of m.room.power_levels
// content. Pointer fields distinguish "not set" (nil, spec default
// applies) from "explicitly set to 0".
//
// All read accessors are nil-receiver safe: a nil *PowerLevels
// behaves as a room with no power-levels event, returning spec
// defaults. This keeps the authorization rules free of existence
// checks at every lookup.
type PowerLevels struct {
	Ban           *int64              `json:"ban,omitempty"`
	Events        map[string]int64    `json:"events,omitempty"`
	EventsDefault *int64              `json:"events_default,omitempty"`
	Invite        *int64              `json:"invite,omitempty"`
	Kick          *int64              `json:"kick,omitempty"`
	Notifications *NotificationLevels `json:"notifications,omitempty"`
	Redact        *int64              `json:"redact,omitempty"`
	StateDefault  *int64              `json:"state_default,omitempty"`
	Users         map[string]int64    `json:"users,omitempty"`
	UsersDefault  *int64              `json:"users_default,omitempty"`
}

// NotificationLevels holds the power levels required to trigger room
// notifications. The only defined key is "room" (@room mentions).
type NotificationLevels struct {
	Room *int64 `json:"room,omitempty"`
}

// ParsePowerLevels decodes m.room.power_levels content under the
// given room version's rules. Versions before 10 accept base-10
// string values anywhere an integer is expected; version 10 and later
// reject them.
func ParsePowerLevels(raw json.RawMessage, rules roomversion.RuleSet) (*PowerLevels, error) {
	var loose struct {
		Ban           json.RawMessage            `json:"ban"`
		Events        map[string]json.RawMessage `json:"events"`
		EventsDefault json.RawMessage            `json:"events_default"`
		Invite        json.RawMessage            `json:"invite"`
		Kick          json.RawMessage            `json:"kick"`
		Notifications *struct {
			Room json.RawMessage `json:"room"`
		} `json:"notifications"`
		Redact       json.RawMessage            `json:"redact"`
		StateDefault json.RawMessage            `json:"state_default"`
		Users        map[string]json.RawMessage `json:"users"`
		UsersDefault json.RawMessage            `json:"users_default"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, fmt.Errorf("schema: parsing power levels: %w", err)
	}

	result := &PowerLevels{}
	var err error
	if result.Ban, err = parseOptionalLevel(loose.Ban, rules, "ban"); err != nil {
		return nil, err
	}
	if result.EventsDefault, err = parseOptionalLevel(loose.EventsDefault, rules, "events_default"); err != nil {
		return nil, err
	}
	if result.Invite, err = parseOptionalLevel(loose.Invite, rules, "invite"); err != nil {
		return nil, err
	}
	if result.Kick, err = parseOptionalLevel(loose.Kick, rules, "kick"); err != nil {
		return nil, err
	}
	if result.Redact, err = parseOptionalLevel(loose.Redact, rules, "redact"); err != nil {
		return nil, err
	}
	if result.StateDefault, err = parseOptionalLevel(loose.StateDefault, rules, "state_default"); err != nil {
		return nil, err
	}
	if result.UsersDefault, err = parseOptionalLevel(loose.UsersDefault, rules, "users_default"); err != nil {
		return nil, err
	}
	if loose.Notifications != nil {
		room, err := parseOptionalLevel(loose.Notifications.Room, rules, "notifications.room")
		if err != nil {
			return nil, err
		}
		result.Notifications = &NotificationLevels{Room: room}
	}

	if loose.Events != nil {
		result.Events = make(map[string]int64, len(loose.Events))
		for eventType, value := range loose.Events {
			level, err := parseLevel(value, rules, "events["+eventType+"]")
			if err != nil {
				return nil, err
			}
			result.Events[eventType] = level
		}
	}
	if loose.Users != nil {
		result.Users = make(map[string]int64, len(loose.Users))
		for user, value := range loose.Users {
			// User keys must be valid user IDs; a power-levels event
			// granting levels to malformed IDs is rejected wholesale.
			if _, err := ref.ParseUserID(user); err != nil {
				return nil, fmt.Errorf("schema: power levels users key: %w", err)
			}
			level, err := parseLevel(value, rules, "users["+user+"]")
			if err != nil {
				return nil, err
			}
			result.Users[user] = level
		}
	}
	return result, nil
}

func parseOptionalLevel(raw json.RawMessage, rules roomversion.RuleSet, field string) (*int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	level, err := parseLevel(raw, rules, field)
	if err != nil {
		return nil, err
	}
	return &level, nil
}

// parseLevel decodes one power-level value. Integer JSON numbers are
// always accepted; base-10 strings only before version 10.
func parseLevel(raw json.RawMessage, rules roomversion.RuleSet, field string) (int64, error) {
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		level, err := strconv.ParseInt(number.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("schema: power level %s: %q is not an integer", field, number)
		}
		return level, nil
	}
	if rules.IntegerPowerLevels {
		return 0, fmt.Errorf("schema: power level %s: non-integer value %s (room version %s requires integers)", field, raw, rules.Version)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, fmt.Errorf("schema: power level %s: unparseable value %s", field, raw)
	}
	level, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("schema: power level %s: string %q is not base-10", field, text)
	}
	return level, nil
}

// UserLevel returns the power level for a user, falling back to
// users_default and then the protocol default of 0.
func (p *PowerLevels) UserLevel(user ref.UserID) int64 {
	if p == nil {
		return DefaultUserLevel
	}
	if level, ok := p.Users[user.String()]; ok {
		return level
	}
	if p.UsersDefault != nil {
		return *p.UsersDefault
	}
	return DefaultUserLevel
}

// SendLevel returns the level required to send an event of the given
// type: the events-map entry if present, otherwise state_default for
// state events (spec default 50) and events_default for others (spec
// default 0).
func (p *PowerLevels) SendLevel(eventType ref.EventType, isState bool) int64 {
	if p != nil {
		if level, ok := p.Events[string(eventType)]; ok {
			return level
		}
	}
	if isState {
		if p != nil && p.StateDefault != nil {
			return *p.StateDefault
		}
		return DefaultStateLevel
	}
	if p != nil && p.EventsDefault != nil {
		return *p.EventsDefault
	}
	return DefaultEventLevel
}

// BanLevel returns the level required to ban, defaulting to 50.
func (p *PowerLevels) BanLevel() int64 {
	if p != nil && p.Ban != nil {
		return *p.Ban
	}
	return DefaultBanLevel
}

// KickLevel returns the level required to kick, defaulting to 50.
func (p *PowerLevels) KickLevel() int64 {
	if p != nil && p.Kick != nil {
		return *p.Kick
	}
	return DefaultKickLevel
}

// RedactLevel returns the level required to redact, defaulting to 50.
func (p *PowerLevels) RedactLevel() int64 {
	if p != nil && p.Redact != nil {
		return *p.Redact
	}
	return DefaultRedactLevel
}

// RoomNotificationLevel returns the level required to trigger an
// @room notification, defaulting to 50.
func (p *PowerLevels) RoomNotificationLevel() int64 {
	if p != nil && p.Notifications != nil && p.Notifications.Room != nil {
		return *p.Notifications.Room
	}
	return DefaultNotificationLevel
}

// InviteLevel returns the level required to invite, defaulting to 0.
func (p *PowerLevels) InviteLevel() int64 {
	if p != nil && p.Invite != nil {
		return *p.Invite
	}
	return DefaultInviteLevel
}
