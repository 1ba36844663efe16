// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"fmt"
)

// JoinRule is an m.room.join_rules join_rule value.
type JoinRule string

const (
	JoinRulePublic          JoinRule = "public"
	JoinRuleInvite          JoinRule = "invite"
	JoinRuleKnock           JoinRule = "knock"
	JoinRulePrivate         JoinRule = "private"
	JoinRuleRestricted      JoinRule = "restricted"
	JoinRuleKnockRestricted JoinRule = "knock_restricted"
)

// JoinRulesContent is a typed representation of m.room.join_rules
// content.
type JoinRulesContent struct {
	JoinRule JoinRule `json:"join_rule"`

	// Allow lists the conditions under which a restricted join is
	// permitted (room version 8+).
	Allow []AllowCondition `json:"allow,omitempty"`
}

// AllowCondition is one entry of a restricted join rule's allow list.
type AllowCondition struct {
	// Type is the condition kind; the only defined value is
	// "m.room_membership".
	Type string `json:"type"`

	// RoomID is the room whose membership satisfies the condition.
	RoomID string `json:"room_id,omitempty"`
}

// ParseJoinRulesContent decodes m.room.join_rules content. The
// join_rule field is required; unknown values parse successfully and
// behave as private (deny) in the membership rules.
func ParseJoinRulesContent(raw json.RawMessage) (JoinRulesContent, error) {
	var content JoinRulesContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return JoinRulesContent{}, fmt.Errorf("schema: parsing join rules: %w", err)
	}
	if content.JoinRule == "" {
		return JoinRulesContent{}, fmt.Errorf("schema: join rules missing join_rule field")
	}
	return content, nil
}

// Restricted reports whether the rule is one of the restricted
// variants whose allow list matters.
func (c JoinRulesContent) Restricted() bool {
	return c.JoinRule == JoinRuleRestricted || c.JoinRule == JoinRuleKnockRestricted
}
