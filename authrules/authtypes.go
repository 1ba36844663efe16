// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authrules

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/lib/schema"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/roomversion"
)

// StateNeed is one (event type, state key) tuple an event must cite
// in its auth_events.
type StateNeed struct {
	Type     ref.EventType
	StateKey string
}

// AuthTypesForEvent returns the state tuples whose current events
// form the auth_events of the given event, in citation order. The
// create event needs nothing; every other event needs the create
// event, the power levels, and the sender's membership, with
// membership events adding the target's membership, the join rules,
// and (for restricted joins) the authorising user's membership.
func AuthTypesForEvent(event *pdu.Event, rules roomversion.RuleSet) ([]StateNeed, error) {
	if event.Type == ref.TypeCreate {
		return nil, nil
	}

	needs := []StateNeed{
		{Type: ref.TypePowerLevels, StateKey: ""},
		{Type: ref.TypeMember, StateKey: event.Sender.String()},
		{Type: ref.TypeCreate, StateKey: ""},
	}
	add := func(need StateNeed) {
		for _, existing := range needs {
			if existing == need {
				return
			}
		}
		needs = append(needs, need)
	}

	if event.Type != ref.TypeMember {
		return needs, nil
	}
	if !event.IsState() {
		return nil, fmt.Errorf("authrules: member event without state key")
	}

	var content struct {
		Membership                   schema.Membership `json:"membership"`
		JoinAuthorisedViaUsersServer string            `json:"join_authorised_via_users_server"`
		ThirdPartyInvite             *struct {
			Signed struct {
				Token string `json:"token"`
			} `json:"signed"`
		} `json:"third_party_invite"`
	}
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return nil, fmt.Errorf("authrules: parsing member content: %w", err)
	}

	switch content.Membership {
	case schema.MembershipJoin, schema.MembershipInvite, schema.MembershipKnock:
		add(StateNeed{Type: ref.TypeJoinRules, StateKey: ""})
		if rules.AllowRestrictedJoin && content.JoinAuthorisedViaUsersServer != "" {
			add(StateNeed{Type: ref.TypeMember, StateKey: content.JoinAuthorisedViaUsersServer})
		}
	}

	add(StateNeed{Type: ref.TypeMember, StateKey: event.StateKeyValue()})

	if content.Membership == schema.MembershipInvite && content.ThirdPartyInvite != nil {
		add(StateNeed{Type: ref.TypeThirdPartyInvite, StateKey: content.ThirdPartyInvite.Signed.Token})
	}
	return needs, nil
}
