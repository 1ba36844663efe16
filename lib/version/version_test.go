// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	defer func(dirty string) { GitDirty = dirty }(GitDirty)

	GitDirty = "false"
	if strings.Contains(Info(), "-dirty") {
		t.Errorf("clean build reported dirty: %q", Info())
	}
	GitDirty = "true"
	if !strings.Contains(Info(), "-dirty") {
		t.Errorf("dirty build not marked: %q", Info())
	}
}

func TestFullNamesTheComponent(t *testing.T) {
	defer func(component string) { Component = component }(Component)

	Component = "federation-replay"
	full := Full()
	if !strings.HasPrefix(full, "federation-replay ") {
		t.Errorf("Full() = %q, want the component name first", full)
	}
	if !strings.Contains(full, Version) {
		t.Errorf("Full() = %q, missing version %q", full, Version)
	}
}
