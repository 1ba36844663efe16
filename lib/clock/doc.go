// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability.
//
// The engine touches the wall clock in exactly two places: stamping
// origin_server_ts on locally created events, and judging signing-key
// expiry (valid_until / not_after) in keycache. Production code
// injects Real(); tests inject Fake() and advance time explicitly so
// key-expiry behavior is deterministic.
package clock
