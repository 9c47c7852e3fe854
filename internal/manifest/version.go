package manifest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Policy selects which component of a semantic version to increment.
type Policy string

const (
	PolicyPatch Policy = "patch"
	PolicyMinor Policy = "minor"
	PolicyMajor Policy = "major"
)

// ParsePolicy validates a policy token from user input.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyPatch, PolicyMinor, PolicyMajor:
		return Policy(s), nil
	}
	return "", fmt.Errorf("invalid bump policy %q (must be patch, minor, or major)", s)
}

// versionPatterns match a module-level version declaration, either a plain
// string literal or one wrapped in a const() folding call. First match wins.
var versionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`__version__\s*=\s*["']([^"']+)["']`),
	regexp.MustCompile(`__version__\s*=\s*const\s*\(\s*["']([^"']+)["']\s*\)`),
}

// ExtractVersion scans source text for a version declaration. Absence is
// not an error; it yields VersionUnknown.
func ExtractVersion(source []byte) string {
	for _, pattern := range versionPatterns {
		if m := pattern.FindSubmatch(source); m != nil {
			return string(m[1])
		}
	}
	return VersionUnknown
}

// versionDecl captures the declaration around the version value so the
// value can be replaced without disturbing the quoting or const() wrapper.
var versionDecl = regexp.MustCompile(`(__version__\s*=\s*(?:const\s*\()?["'])([^"']+)(["'](?:\s*\))?)`)

// RewriteVersion replaces the value of the version declaration in source
// text. The second return value reports whether a declaration was found.
func RewriteVersion(source []byte, newVersion string) ([]byte, bool) {
	if !versionDecl.Match(source) {
		return source, false
	}
	out := versionDecl.ReplaceAll(source, []byte("${1}"+newVersion+"${3}"))
	return out, true
}

// Increment bumps a "major.minor.patch" version string according to policy.
//
// The minor policy leaves the patch component unchanged instead of
// resetting it ("1.2.3" -> "1.3.3"). This mirrors the established release
// history of the manifests this tool manages and must not be changed to
// conventional semver reset behavior without sign-off.
//
// Strings that are not three numeric dot-separated components are returned
// unchanged; arbitrary tags pass through the ledger untouched.
func Increment(version string, policy Policy) string {
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return version
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return version
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return version
	}
	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return version
	}

	switch policy {
	case PolicyPatch:
		patch++
	case PolicyMajor:
		major++
		minor = 0
		patch = 0
	default: // minor
		minor++
		// patch is kept
	}

	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}
