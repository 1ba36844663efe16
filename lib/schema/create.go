// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/roomversion"
)

// CreateContent is a typed representation of m.room.create content.
type CreateContent struct {
	// Creator is the room creator's user ID. Present in content for
	// versions before 11; version 11 derives it from the event's
	// sender instead, so the field may be absent there.
	Creator string `json:"creator,omitempty"`

	// RoomVersion selects the rule tables for the room. Absent means
	// version "1", which this engine does not support.
	RoomVersion *roomversion.Version `json:"room_version,omitempty"`

	// Federate, the "m.federate" key, defaults to true. When false,
	// only users from the creating server may participate.
	Federate *bool `json:"m.federate,omitempty"`
}

// ParseCreateContent decodes m.room.create content.
func ParseCreateContent(raw json.RawMessage) (CreateContent, error) {
	var content CreateContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return CreateContent{}, fmt.Errorf("schema: parsing create content: %w", err)
	}
	return content, nil
}

// Version returns the declared room version, defaulting to "1" when
// absent per the protocol. ("1" is then rejected by roomversion.Rules.)
func (c CreateContent) Version() roomversion.Version {
	if c.RoomVersion == nil {
		return roomversion.Version("1")
	}
	return *c.RoomVersion
}

// Federated reports whether the room allows users from other servers.
func (c CreateContent) Federated() bool {
	return c.Federate == nil || *c.Federate
}

// CreatorID returns the room creator under the given rules: the
// create event's sender for version 11+, content.creator before that.
func (c CreateContent) CreatorID(rules roomversion.RuleSet, sender ref.UserID) (ref.UserID, error) {
	if rules.ImplicitRoomCreator {
		return sender, nil
	}
	if c.Creator == "" {
		return ref.UserID{}, fmt.Errorf("schema: create content missing creator")
	}
	creator, err := ref.ParseUserID(c.Creator)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("schema: create content creator: %w", err)
	}
	return creator, nil
}
