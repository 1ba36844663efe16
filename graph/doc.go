// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package graph maintains the per-room event DAG: adjacency over
// prev_events (causal parents) and auth_events (authorization
// parents), forward-extremity tracking, auth-chain closures, and the
// two deterministic orderings state resolution relies on.
//
// A Graph holds one room's events and is not safe for concurrent
// use; the engine serializes all access per room. Traversals are
// iterative with explicit visited sets, never recursive, so deep
// histories cannot exhaust the stack.
package graph
