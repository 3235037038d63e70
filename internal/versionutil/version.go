// Package versionutil normalizes build-injected version strings for display.
package versionutil

import "strings"

// Normalize renders a version string for display. Release pipelines inject
// bare semver ("1.4.0") while git describe keeps the v prefix; both come out
// as "v1.4.0". Empty and "dev" values stay "dev".
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "dev" {
		return "dev"
	}
	if !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}
