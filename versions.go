// Copyright (c) 2025 Michael D Henderson. All rights reserved.

// Package photoxfer moves batches of photos to a remote import host and
// reconciles what the host reports back.
package photoxfer

import (
	"github.com/maloquacious/semver"
)

var (
	version = semver.Version{
		Major: 0,
		Minor: 3,
		Patch: 0,
		Build: semver.Commit(),
	}
)

func Version() semver.Version {
	return version
}
