// Package version holds the manager version and the MAJOR.MINOR
// compatibility check applied to runner registrations.
package version

import (
	"fmt"
	"regexp"
	"strconv"
)

// Version is the manager release version. Overridden via LDFLAGS at
// build time.
var Version = "0.9.0"

var majorMinorRe = regexp.MustCompile(`^v?(0|[1-9]\d*)\.(0|[1-9]\d*)(?:\.(0|[1-9]\d*))?`)

// Info is a parsed MAJOR.MINOR.PATCH triple.
type Info struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// Parse extracts version components from a semver-ish string.
// Accepts values like "0.9.0", "0.9", "v0.9.1" and "0.9.0-alpha+1".
func Parse(v string) (Info, error) {
	m := majorMinorRe.FindStringSubmatch(v)
	if m == nil {
		return Info{}, fmt.Errorf("invalid version format: %q", v)
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch := 0
	if m[3] != "" {
		patch, _ = strconv.Atoi(m[3])
	}
	return Info{Major: major, Minor: minor, Patch: patch}, nil
}

// Compatible reports whether a runner version matches the manager
// version at the MAJOR.MINOR level. PATCH is free.
func Compatible(runnerVersion, managerVersion string) (bool, error) {
	r, err := Parse(runnerVersion)
	if err != nil {
		return false, err
	}
	m, err := Parse(managerVersion)
	if err != nil {
		return false, fmt.Errorf("manager version: %w", err)
	}
	return r.Major == m.Major && r.Minor == m.Minor, nil
}
