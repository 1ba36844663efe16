// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated, immutable identifier types for the
// federation engine: event IDs, room IDs, user IDs, server names,
// event types, and room versions.
//
// Identifiers arrive from remote homeservers and from local callers as
// raw strings. They are validated once at the boundary (ParseX) and
// passed through the engine as typed values, so interior code never
// re-checks syntax and can never confuse a room ID with an event ID.
//
// All types are immutable value types with a zero value that is not a
// valid identifier; use IsZero to check. All implement
// encoding.TextMarshaler / TextUnmarshaler so they round-trip through
// JSON and CBOR as plain strings.
package ref
