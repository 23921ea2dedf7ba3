package index

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver"
)

// ReleaseType classifies a version string by its suffix.
type ReleaseType string

const (
	// ReleaseTypeRelease is a stable version with no pre-release suffix.
	ReleaseTypeRelease ReleaseType = "release"
	// ReleaseTypeSnapshot is a Maven-style -SNAPSHOT version.
	ReleaseTypeSnapshot ReleaseType = "snapshot"
	// ReleaseTypeAlpha, ReleaseTypeBeta and ReleaseTypeRC are pre-release
	// stages.
	ReleaseTypeAlpha ReleaseType = "alpha"
	ReleaseTypeBeta  ReleaseType = "beta"
	ReleaseTypeRC    ReleaseType = "rc"
)

var (
	alphaPattern = regexp.MustCompile(`(?i)[.-]alpha([.-]?\d+)?$`)
	betaPattern  = regexp.MustCompile(`(?i)[.-]beta([.-]?\d+)?$`)
	rcPattern    = regexp.MustCompile(`(?i)[.-]rc([.-]?\d+)?$`)
)

// ClassifyVersion maps a version string to its release type. The decision
// runs on the suffix: -SNAPSHOT wins over everything, then alpha/beta/rc
// markers, everything else is a release.
func ClassifyVersion(version string) ReleaseType {
	lower := strings.ToLower(version)
	switch {
	case strings.HasSuffix(lower, "-snapshot"):
		return ReleaseTypeSnapshot
	case alphaPattern.MatchString(version):
		return ReleaseTypeAlpha
	case betaPattern.MatchString(version):
		return ReleaseTypeBeta
	case rcPattern.MatchString(version):
		return ReleaseTypeRC
	default:
		return ReleaseTypeRelease
	}
}

// IsRelease reports whether the type is a stable release.
func (t ReleaseType) IsRelease() bool { return t == ReleaseTypeRelease }

// versionGreater reports whether a is a newer version than b. Semver
// comparison when both sides parse, lexicographic otherwise.
func versionGreater(a, b string) bool {
	av, aerr := semver.NewVersion(a)
	bv, berr := semver.NewVersion(b)
	if aerr == nil && berr == nil {
		return av.GreaterThan(bv)
	}
	return a > b
}
