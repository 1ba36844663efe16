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

// checkMembership applies the membership transition rules: whether
// the sender may set the target user's membership to the value the
// event declares, given the join rules, power levels, and both users'
// current memberships.
func checkMembership(rules roomversion.RuleSet, event *pdu.Event, fetch StateFetcher, createEvent *pdu.Event, creator ref.UserID, havePL bool, levels *schema.PowerLevels) *reject.RejectionError {
	if !event.IsState() {
		return reject.Errorf(reject.Unauthorized, "member event without a state key")
	}
	target, err := ref.ParseUserID(event.StateKeyValue())
	if err != nil {
		return reject.Errorf(reject.Unauthorized, "member event state key: %v", err)
	}
	content, err := schema.ParseMemberContent(event.Content)
	if err != nil {
		return reject.Errorf(reject.Unauthorized, "member content: %v", err)
	}
	if content.ThirdPartyInvite != nil && content.Membership == schema.MembershipInvite {
		return reject.Errorf(reject.Unauthorized, "third-party invites are not supported")
	}

	sender := event.Sender
	senderMembership := membershipOf(fetch, sender)
	senderJoined := senderMembership == schema.MembershipJoin
	targetCurrent := membershipOf(fetch, target)

	// Creator shortcuts apply only while the room has no
	// power-levels event; once one exists, the users map governs.
	senderCreator := !havePL && sender == creator
	targetCreator := !havePL && target == creator

	senderPower := userPower(levels, sender, senderJoined)
	targetPower := userPower(levels, target, content.Membership == schema.MembershipJoin)

	joinRule := schema.JoinRuleInvite
	if jrEvent := fetch(ref.TypeJoinRules, ""); jrEvent != nil {
		jr, err := schema.ParseJoinRulesContent(jrEvent.Content)
		if err != nil {
			return reject.Errorf(reject.Unauthorized, "join rules content: %v", err)
		}
		joinRule = jr.JoinRule
	}

	switch content.Membership {
	case schema.MembershipJoin:
		return checkJoin(rules, event, fetch, createEvent, creator, havePL, levels,
			content, sender, target, targetCurrent, joinRule, senderCreator, targetCreator)

	case schema.MembershipInvite:
		if !senderJoined {
			return reject.Errorf(reject.Unauthorized,
				"sender %s cannot invite without being joined", sender)
		}
		if targetCurrent == schema.MembershipJoin || targetCurrent == schema.MembershipBan {
			return reject.Errorf(reject.Unauthorized,
				"cannot invite %s, whose membership is %s", target, targetCurrent)
		}
		if senderCreator || (senderPower != nil && *senderPower >= levels.InviteLevel()) {
			return nil
		}
		return reject.Errorf(reject.Unauthorized,
			"sender %s lacks the level %d required to invite", sender, levels.InviteLevel())

	case schema.MembershipLeave:
		if sender == target {
			switch targetCurrent {
			case schema.MembershipJoin, schema.MembershipInvite, schema.MembershipKnock:
				return nil
			}
			return reject.Errorf(reject.Unauthorized,
				"sender %s cannot leave a room they are not in (membership %s)", sender, targetCurrent)
		}
		if !senderJoined {
			return reject.Errorf(reject.Unauthorized,
				"sender %s cannot kick without being joined", sender)
		}
		if targetCurrent == schema.MembershipBan {
			if !senderCreator && (senderPower == nil || *senderPower < levels.BanLevel()) {
				return reject.Errorf(reject.Unauthorized,
					"sender %s lacks the level %d required to unban", sender, levels.BanLevel())
			}
			return nil
		}
		if targetCurrent == schema.MembershipLeave {
			return nil
		}
		if senderCreator {
			return nil
		}
		if senderPower == nil || *senderPower < levels.KickLevel() {
			return reject.Errorf(reject.Unauthorized,
				"sender %s lacks the level %d required to kick", sender, levels.KickLevel())
		}
		if targetPower != nil && *targetPower >= *senderPower {
			return reject.Errorf(reject.Unauthorized,
				"sender %s (level %d) cannot kick %s (level %d)", sender, *senderPower, target, *targetPower)
		}
		return nil

	case schema.MembershipBan:
		if !senderJoined {
			return reject.Errorf(reject.Unauthorized,
				"sender %s cannot ban without being joined", sender)
		}
		if senderCreator {
			return nil
		}
		if senderPower == nil || *senderPower < levels.BanLevel() {
			return reject.Errorf(reject.Unauthorized,
				"sender %s lacks the level %d required to ban", sender, levels.BanLevel())
		}
		if targetPower != nil && *targetPower >= *senderPower {
			return reject.Errorf(reject.Unauthorized,
				"sender %s (level %d) cannot ban %s (level %d)", sender, *senderPower, target, *targetPower)
		}
		return nil

	case schema.MembershipKnock:
		if !rules.AllowKnocking {
			return reject.Errorf(reject.Unauthorized,
				"room version %s does not allow knocking", rules.Version)
		}
		if joinRule != schema.JoinRuleKnock && joinRule != schema.JoinRuleKnockRestricted {
			return reject.Errorf(reject.Unauthorized,
				"join rule %s does not allow knocking", joinRule)
		}
		if joinRule == schema.JoinRuleKnockRestricted && !rules.AllowKnockRestrictedJoin {
			return reject.Errorf(reject.Unauthorized,
				"room version %s does not support the knock_restricted join rule", rules.Version)
		}
		if sender != target {
			return reject.Errorf(reject.Unauthorized,
				"sender %s cannot knock on behalf of %s", sender, target)
		}
		switch senderMembership {
		case schema.MembershipBan, schema.MembershipInvite, schema.MembershipJoin:
			return reject.Errorf(reject.Unauthorized,
				"sender %s cannot knock with membership %s", sender, senderMembership)
		}
		return nil
	}

	return reject.Errorf(reject.Unauthorized,
		"invalid membership transition %s -> %s for %s", targetCurrent, content.Membership, target)
}

func checkJoin(rules roomversion.RuleSet, event *pdu.Event, fetch StateFetcher, createEvent *pdu.Event, creator ref.UserID, havePL bool, levels *schema.PowerLevels, content schema.MemberContent, sender, target ref.UserID, targetCurrent schema.Membership, joinRule schema.JoinRule, senderCreator, targetCreator bool) *reject.RejectionError {
	// A creator joining their fresh room: the sole previous event is
	// the create event itself.
	if len(event.PrevEvents) == 1 && event.PrevEvents[0] == createEvent.ID &&
		senderCreator && targetCreator {
		return nil
	}

	if sender != target {
		return reject.Errorf(reject.Unauthorized,
			"sender %s cannot join on behalf of %s", sender, target)
	}
	if targetCurrent == schema.MembershipBan {
		return reject.Errorf(reject.Unauthorized,
			"sender %s is banned from the room", sender)
	}

	invitedOrJoined := targetCurrent == schema.MembershipJoin || targetCurrent == schema.MembershipInvite

	switch joinRule {
	case schema.JoinRulePublic:
		return nil

	case schema.JoinRuleInvite:
		if invitedOrJoined {
			return nil
		}
		return reject.Errorf(reject.Unauthorized,
			"sender %s is not invited to the invite-only room", sender)

	case schema.JoinRuleKnock:
		if !rules.AllowKnocking {
			return reject.Errorf(reject.Unauthorized,
				"room version %s does not allow the knock join rule", rules.Version)
		}
		if invitedOrJoined {
			return nil
		}
		return reject.Errorf(reject.Unauthorized,
			"sender %s must be invited to join a knock room", sender)

	case schema.JoinRuleRestricted, schema.JoinRuleKnockRestricted:
		if joinRule == schema.JoinRuleRestricted && !rules.AllowRestrictedJoin {
			return reject.Errorf(reject.Unauthorized,
				"room version %s does not support the restricted join rule", rules.Version)
		}
		if joinRule == schema.JoinRuleKnockRestricted && !rules.AllowKnockRestrictedJoin {
			return reject.Errorf(reject.Unauthorized,
				"room version %s does not support the knock_restricted join rule", rules.Version)
		}
		if invitedOrJoined {
			return nil
		}
		if authorisingUserValid(fetch, creator, havePL, levels, content.JoinAuthorisedViaUsersServer) {
			return nil
		}
		return reject.Errorf(reject.Unauthorized,
			"sender %s is neither invited nor authorized by a resident member", sender)
	}

	return reject.Errorf(reject.Unauthorized, "unknown join rule %q", joinRule)
}

// authorisingUserValid reports whether join_authorised_via_users_server
// names a user who is joined to the room and permitted to invite,
// satisfying a restricted join.
func authorisingUserValid(fetch StateFetcher, creator ref.UserID, havePL bool, levels *schema.PowerLevels, raw string) bool {
	if raw == "" {
		return false
	}
	authUser, err := ref.ParseUserID(raw)
	if err != nil {
		return false
	}
	if membershipOf(fetch, authUser) != schema.MembershipJoin {
		return false
	}
	if !havePL && authUser == creator {
		return true
	}
	return levels.UserLevel(authUser) >= levels.InviteLevel()
}

// userPower is the power level used in membership comparisons: the
// users-map entry if present, falling back to users_default only when
// the user is (or is joining as) a member, and absent otherwise. An
// absent level fails every gate for the sender and never outranks
// the sender when it belongs to the target.
func userPower(levels *schema.PowerLevels, user ref.UserID, member bool) *int64 {
	if levels != nil {
		if level, ok := levels.Users[user.String()]; ok {
			return &level
		}
	}
	if !member {
		return nil
	}
	level := int64(schema.DefaultUserLevel)
	if levels != nil && levels.UsersDefault != nil {
		level = *levels.UsersDefault
	}
	return &level
}
