// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pdu defines the engine's event type (the Persistent Data
// Unit) and the content-addressing operations over it: redaction,
// content hashes, reference hashes, event ID derivation, and Ed25519
// signing and verification.
//
// Events are immutable once created. The event ID is the SHA-256
// reference hash of the redacted canonical-JSON form, so an event's
// identity survives redaction and any mutation invalidates it. The
// declared content hash covers the unredacted form, letting a server
// detect whether the content it holds for an ID is the original or a
// redacted remnant.
//
// Nothing in this package consults room state; it is pure data and
// crypto. Authorization lives in authrules, graph structure in graph.
package pdu
