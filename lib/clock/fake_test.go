// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock_test

import (
	"testing"
	"time"

	"github.com/bureau-foundation/federation/lib/clock"
)

func TestFakeNowAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := clock.Fake(start)
	if !fake.Now().Equal(start) {
		t.Errorf("Now() = %v, want %v", fake.Now(), start)
	}
	fake.Advance(time.Hour)
	if !fake.Now().Equal(start.Add(time.Hour)) {
		t.Errorf("Now() after Advance = %v, want %v", fake.Now(), start.Add(time.Hour))
	}
}

func TestFakeAfter(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ch := fake.After(10 * time.Minute)
	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}
	fake.Advance(5 * time.Minute)
	select {
	case <-ch:
		t.Fatal("After fired before deadline")
	default:
	}
	fake.Advance(5 * time.Minute)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire at deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}
