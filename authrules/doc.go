// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package authrules implements the per-event authorization rules for
// room versions 6 through 11: which state tuples an event must cite
// as auth_events, and whether the event is permitted given that state.
//
// Authorize is a pure function of the event, the room version rule
// set, and a snapshot of auth state. It holds no room state of its
// own; the validator and the state resolver both call it, against the
// event's declared auth_events and against candidate resolved state
// respectively. A denial is a *reject.RejectionError with reason
// Unauthorized, never a plain error, so callers can distinguish
// rule denials from infrastructure failures.
package authrules
