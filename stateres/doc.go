// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stateres implements state resolution: given two or more
// state maps that diverge at some (event type, state key) tuples, it
// computes the single merged state every server arrives at
// independently. The algorithm partitions conflicts into power events
// and the rest, orders each partition deterministically (reverse
// topological power ordering, then mainline ordering), and re-applies
// the authorization rules incrementally, dropping candidates that
// fail against the state resolved so far.
//
// Resolution never fails on a bad candidate; a candidate that cannot
// be authorized simply loses. The only errors are missing local
// events (a MissingDependency rejection naming what to backfill) and
// declared-graph cycles (ResolutionIndeterminate).
package stateres
