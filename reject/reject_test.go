// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reject

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/bureau-foundation/federation/lib/ref"
)

func TestErrorfCarriesReason(t *testing.T) {
	err := Errorf(Unauthorized, "sender %s is not joined", "@bob:remote.test")
	if !Is(err, Unauthorized) {
		t.Fatalf("Is(err, Unauthorized) = false, want true")
	}
	if Is(err, Malformed) {
		t.Fatalf("Is(err, Malformed) = true, want false")
	}
	if !strings.Contains(err.Error(), "@bob:remote.test") {
		t.Fatalf("error message missing detail: %q", err.Error())
	}
}

func TestIsThroughWrapping(t *testing.T) {
	inner := Errorf(Unverifiable, "content hash mismatch")
	wrapped := fmt.Errorf("processing event: %w", inner)
	if !Is(wrapped, Unverifiable) {
		t.Fatalf("Is should see through fmt.Errorf wrapping")
	}
	var rej *RejectionError
	if !errors.As(wrapped, &rej) {
		t.Fatalf("errors.As failed on wrapped rejection")
	}
	if rej.Reason != Unverifiable {
		t.Fatalf("Reason = %q, want %q", rej.Reason, Unverifiable)
	}
}

func TestMissingDeps(t *testing.T) {
	a := ref.MustParseEventID("$aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := ref.MustParseEventID("$bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	err := MissingDeps(a, b)
	if err.Reason != MissingDependency {
		t.Fatalf("Reason = %q, want %q", err.Reason, MissingDependency)
	}
	if !err.Reason.Recoverable() {
		t.Fatalf("MissingDependency must be recoverable")
	}
	if len(err.Missing) != 2 || err.Missing[0] != a || err.Missing[1] != b {
		t.Fatalf("Missing = %v, want [%s %s]", err.Missing, a, b)
	}
}

func TestTerminalReasons(t *testing.T) {
	for _, reason := range []Reason{Malformed, Unverifiable, Unauthorized, ResolutionIndeterminate} {
		if reason.Recoverable() {
			t.Errorf("%s.Recoverable() = true, want false", reason)
		}
	}
}

func TestErrorIncludesEventID(t *testing.T) {
	id := ref.MustParseEventID("$cccccccccccccccccccccccccccccccccccccccccc")
	err := Errorf(Malformed, "depth out of range")
	err.EventID = id
	if !strings.Contains(err.Error(), id.String()) {
		t.Fatalf("error message missing event ID: %q", err.Error())
	}
}
