// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"fmt"
)

// Membership is an m.room.member membership value.
type Membership string

// The five membership states. Leave doubles as "never joined": a user
// with no membership event is treated as Leave by every rule.
const (
	MembershipBan    Membership = "ban"
	MembershipInvite Membership = "invite"
	MembershipJoin   Membership = "join"
	MembershipKnock  Membership = "knock"
	MembershipLeave  Membership = "leave"
)

// KnownMembership reports whether m is one of the five defined states.
func KnownMembership(m Membership) bool {
	switch m {
	case MembershipBan, MembershipInvite, MembershipJoin, MembershipKnock, MembershipLeave:
		return true
	}
	return false
}

// MemberContent is a typed representation of m.room.member content.
// Only the fields with authorization semantics are decoded; display
// names, avatars, and reasons stay in the raw content.
type MemberContent struct {
	Membership Membership `json:"membership"`

	// JoinAuthorisedViaUsersServer names the user whose membership
	// authorized a restricted-rule join (room version 8+). The named
	// user's server must have signed the event.
	JoinAuthorisedViaUsersServer string `json:"join_authorised_via_users_server,omitempty"`

	// ThirdPartyInvite is present when this membership claims an
	// m.room.third_party_invite as its authorization.
	ThirdPartyInvite *ThirdPartyInviteClaim `json:"third_party_invite,omitempty"`
}

// ThirdPartyInviteClaim is the signed token reference inside an
// invite-via-3pid membership event.
type ThirdPartyInviteClaim struct {
	Signed json.RawMessage `json:"signed"`
}

// ParseMemberContent decodes m.room.member content. The membership
// field is required and must be a known state.
func ParseMemberContent(raw json.RawMessage) (MemberContent, error) {
	var content MemberContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return MemberContent{}, fmt.Errorf("schema: parsing member content: %w", err)
	}
	if content.Membership == "" {
		return MemberContent{}, fmt.Errorf("schema: member content missing membership field")
	}
	if !KnownMembership(content.Membership) {
		return MemberContent{}, fmt.Errorf("schema: unknown membership %q", content.Membership)
	}
	return content, nil
}
