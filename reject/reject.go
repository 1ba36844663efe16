// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reject defines the structured rejection error shared by the
// validator, the authorization rules, and the engine. Every event that
// fails processing carries a Reason so callers can tell terminal
// failures (discard, never retry) from recoverable ones (defer and
// backfill).
package reject

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/federation/lib/ref"
)

// Reason classifies a rejection.
type Reason string

const (
	// Malformed covers structural failures: missing or oversized
	// fields, invalid identifiers, depth bounds. Terminal.
	Malformed Reason = "malformed"

	// Unverifiable covers content-hash mismatches and signature
	// failures, including signing keys that could not be fetched.
	// Terminal, treated as adversarial.
	Unverifiable Reason = "unverifiable"

	// Unauthorized means the event fails the authorization rules
	// against its declared auth state. Terminal for that event.
	Unauthorized Reason = "unauthorized"

	// MissingDependency means an ancestor needed for authorization
	// or resolution is not locally available. Recoverable: the
	// engine backfills and retries.
	MissingDependency Reason = "missing_dependency"

	// ResolutionIndeterminate means state resolution could not
	// produce an answer (e.g. a cycle in the declared graph). The
	// offending branch is dropped as malformed; this reason exists
	// so the condition is visible rather than silent.
	ResolutionIndeterminate Reason = "resolution_indeterminate"
)

// Recoverable reports whether an event rejected for this reason may
// succeed on retry once missing inputs arrive. Only MissingDependency
// qualifies; every other reason is terminal.
func (r Reason) Recoverable() bool {
	return r == MissingDependency
}

// RejectionError is the structured rejection result. Callers use
// errors.As to extract it:
//
//	var rej *reject.RejectionError
//	if errors.As(err, &rej) {
//	    if rej.Reason.Recoverable() { ... }
//	}
type RejectionError struct {
	// Reason is the rejection class.
	Reason Reason

	// EventID identifies the rejected event. May be zero when the
	// event was too malformed to derive an ID.
	EventID ref.EventID

	// Message is a human-readable description of the failure.
	Message string

	// Missing lists the event IDs that must be backfilled before a
	// retry can succeed. Set only for MissingDependency.
	Missing []ref.EventID
}

func (e *RejectionError) Error() string {
	var b strings.Builder
	b.WriteString("rejected (")
	b.WriteString(string(e.Reason))
	b.WriteString(")")
	if !e.EventID.IsZero() {
		b.WriteString(" ")
		b.WriteString(e.EventID.String())
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Errorf builds a RejectionError with a formatted message. The event
// ID is stamped by whichever layer knows it.
func Errorf(reason Reason, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// MissingDeps builds a MissingDependency rejection listing the event
// IDs that must be fetched before retry.
func MissingDeps(ids ...ref.EventID) *RejectionError {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	return &RejectionError{
		Reason:  MissingDependency,
		Message: "missing " + strings.Join(strs, ", "),
		Missing: ids,
	}
}

// Is reports whether err is (or wraps) a RejectionError with the
// given reason.
func Is(err error, reason Reason) bool {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason == reason
	}
	return false
}
