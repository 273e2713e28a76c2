package main

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// BuildVersion is the release this binary speaks. Set at link time with
// -ldflags "-X main.BuildVersion=x.y.z".
var BuildVersion = "1.0.0"

// DevVersion marks an unreleased build; it talks to any client version.
// It is only in effect when configured explicitly.
const DevVersion = "DEVELOPMENT"

// versionsCompatible reports whether a client may join a server. Versions
// must match exactly; "1.2" and "1.2.0" are different releases.
func versionsCompatible(server, client string) bool {
	if server == DevVersion {
		return true
	}
	return server == client
}

// checkServerVersion rejects a configured version that is neither a strict
// x.y.z release (optionally with a prerelease) nor DevVersion.
func checkServerVersion(v string) error {
	if v == DevVersion {
		return nil
	}
	sv, err := semver.StrictNewVersion(v)
	if err != nil {
		return fmt.Errorf("server version %q: %w", v, err)
	}
	if sv.Metadata() != "" {
		return fmt.Errorf("server version %q: build metadata is not allowed", v)
	}
	return nil
}
