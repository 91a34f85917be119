// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver"
)

// Version is a normalized simulator runtime version. The zero value means unknown.
type Version struct {
	v *semver.Version
}

// ParseVersion accepts "10", "10.0", "10.3.1" and runtime identifiers such as
// "iOS 10.0" or "com.apple.CoreSimulator.SimRuntime.iOS-17-2".
func ParseVersion(raw string) (Version, error) {
	s := runtimeVersionString(raw)
	if s == "" {
		return Version{}, fmt.Errorf("no version in %q", raw)
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		return Version{}, fmt.Errorf("parse version %q: %w", raw, err)
	}
	return Version{v: v}, nil
}

// MustVersion is ParseVersion for literals.
func MustVersion(raw string) Version {
	v, err := ParseVersion(raw)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) IsZero() bool { return v.v == nil }

// Key is the "major.minor" form used by the lookup tables.
func (v Version) Key() string {
	if v.v == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d", v.v.Major(), v.v.Minor())
}

func (v Version) String() string { return v.Key() }

func (v Version) LessThan(o Version) bool {
	if v.v == nil || o.v == nil {
		return false
	}
	return v.v.LessThan(o.v)
}

var legacyEra = MustVersion("8.0")

// legacyLayout reports the flat Applications/ layout of the 7.x runtimes.
func (v Version) legacyLayout() bool {
	return !v.IsZero() && v.LessThan(legacyEra)
}

// runtimeVersionString extracts a dotted version from a runtime key.
// e.g., "com.apple.CoreSimulator.SimRuntime.iOS-17-2" → "17.2", "iOS 10.0" → "10.0"
func runtimeVersionString(runtime string) string {
	runtime = strings.TrimSpace(runtime)
	for _, prefix := range []string{"iOS-", "watchOS-", "tvOS-", "xrOS-"} {
		if idx := strings.LastIndex(runtime, prefix); idx != -1 {
			return strings.ReplaceAll(runtime[idx+len(prefix):], "-", ".")
		}
	}
	for _, prefix := range []string{"iOS ", "watchOS ", "tvOS ", "visionOS "} {
		if strings.HasPrefix(runtime, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(runtime, prefix))
		}
	}
	if runtime != "" && runtime[0] >= '0' && runtime[0] <= '9' {
		return runtime
	}
	return ""
}
