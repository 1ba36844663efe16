// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema provides typed representations of the m.room.* state
// event contents the engine gives authorization semantics: power
// levels, membership, room creation, and join rules.
//
// Event content travels through the engine as opaque json.RawMessage;
// these types exist only at the points where authorization rules must
// read specific fields. Parsing is room-version aware where the wire
// format differs between versions (string-typed power levels before
// version 10).
package schema
