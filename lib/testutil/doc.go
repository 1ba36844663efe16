// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides small helpers shared across the engine's
// tests: channel receive/close assertions with timeouts so that a
// stuck engine fails a test with a message instead of hanging the run.
package testutil
