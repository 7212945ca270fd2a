// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package common provides shared tool metadata used across packages.
package common

import "fmt"

// ToolName identifies this tool in exported documents and HTTP headers.
const ToolName = "depvet"

// Version is the release version, overridden at build time via
// -ldflags "-X github.com/depvet/depvet/internal/common.Version=...".
var Version = "dev"

// Commit is the git revision the binary was built from, set like Version.
var Commit = ""

// UserAgent returns the HTTP User-Agent string for outbound requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", ToolName, Version)
}

// VersionString returns the human-readable version line for --version output.
func VersionString() string {
	if Commit == "" {
		return fmt.Sprintf("%s %s", ToolName, Version)
	}
	return fmt.Sprintf("%s %s (%s)", ToolName, Version, Commit)
}
