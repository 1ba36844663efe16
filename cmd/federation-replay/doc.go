// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Federation-replay checks state-resolution determinism for a
// scenario file. The scenario (JSONC) describes a room's events by
// label; the tool builds and signs them, replays them through a fresh
// engine in the file's order and in shuffled orders, prints the
// resolved room state, and verifies every order converges on the same
// state group.
//
// Exit codes:
//
//	0  all orders converge
//	1  divergence detected (a determinism bug)
//	2  error (bad scenario, bad arguments)
package main
