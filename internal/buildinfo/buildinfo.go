// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package buildinfo carries the version identifiers stamped in at link
// time.
package buildinfo

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// Populated via -ldflags at release build time.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// UserAgent identifies fetcharr in outbound HTTP requests.
var UserAgent string

func init() {
	UserAgent = fmt.Sprintf("fetcharr/%s (%s %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String renders the build info for CLI output.
func String() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuild date: %s\n", Version, Commit, Date)
}

// JSON renders the build info for the API.
func JSON() ([]byte, error) {
	return json.Marshal(struct {
		Version string `json:"version"`
		Commit  string `json:"commit"`
		Date    string `json:"date"`
	}{
		Version: Version,
		Commit:  Commit,
		Date:    Date,
	})
}
