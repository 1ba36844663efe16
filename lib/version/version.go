// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries the build stamp for federation binaries.
//
// The stamp is injected at build time via -ldflags, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/federation/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

// These variables are set via -ldflags at build time.
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty indicates whether there were uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version. This is set manually for releases.
	Version = "0.1.0-dev"
)

// Component is the binary's own name, stamped so shared tooling can
// tell federation binaries apart in logs and crash reports. Binaries
// that do not override it report as the module itself.
var Component = "federation"

// Info returns a formatted version string suitable for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full returns the component, the stamp, and the build platform.
func Full() string {
	return fmt.Sprintf("%s %s\n  Go: %s\n  Platform: %s/%s",
		Component, Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns just the version number.
func Short() string {
	return Version
}
