// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomversion pins the per-room-version rule tables: which
// authorization rules apply, which membership transitions exist, and
// which fields survive redaction.
//
// A room's version is fixed in its m.room.create event and never
// changes. Rule sets evolve between versions — the engine selects a
// RuleSet once per room and threads it through validation,
// authorization, redaction, and resolution, so no component ever
// consults a global "current version".
//
// The tables here are authoritative per version. They are data, not
// policy: an unsupported version is rejected at the boundary rather
// than approximated with a neighboring version's rules.
package roomversion
