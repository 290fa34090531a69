// Package version provides version information for tdswire.
package version

import (
	"strconv"
	"strings"
)

// Version is the current version of the driver core.
const Version = "0.1.0"

// String returns the version string.
func String() string {
	return Version
}

// Full returns a full version string with the package name.
func Full() string {
	return "tdswire version " + Version
}

// Parts returns the numeric major and minor components, for use in wire
// fields like the PRELOGIN VERSION option.
func Parts() (major, minor uint8) {
	fields := strings.SplitN(Version, ".", 3)
	if len(fields) > 0 {
		if n, err := strconv.Atoi(fields[0]); err == nil {
			major = uint8(n)
		}
	}
	if len(fields) > 1 {
		if n, err := strconv.Atoi(fields[1]); err == nil {
			minor = uint8(n)
		}
	}
	return major, minor
}
