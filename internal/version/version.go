package version

import (
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

// String returns the build version for the current binary.
func String() string {
	return version
}

// ForTesting overrides the version string and returns a cleanup function
// that restores the original value. Must not be called concurrently.
func ForTesting(v string) func() {
	original := version
	version = v
	return func() { version = original }
}

// gitDescribeSuffix matches the trailing "-N-gHASH" added by git describe
// (e.g., "0.3.0-5-gabcdef" → strip "-5-gabcdef").
var gitDescribeSuffix = regexp.MustCompile(`-\d+-g[0-9a-f]+$`)

var semverPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(?:-([0-9A-Za-z.-]+))?(?:\+([0-9A-Za-z.-]+))?$`)

// normalizeVersion strips the "v" prefix and any git-describe suffix so that
// versions like "v0.3.0-5-gabcdef" and "0.3.0" compare as equal.
func normalizeVersion(v string) string {
	v = strings.TrimPrefix(v, "v")
	return gitDescribeSuffix.ReplaceAllString(v, "")
}

// FormatVersion returns a display-friendly version string. For normal versions
// it ensures a "v" prefix (e.g. "0.3.0" → "v0.3.0"). Special values like
// "dev" and empty strings are returned as-is.
func FormatVersion(v string) string {
	if v == "" || v == "dev" {
		return v
	}
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// Semver is a parsed build version. Unparseable versions keep only Semver.
type Semver struct {
	Semver     string `json:"semver"`
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Patch      int    `json:"patch"`
	PreRelease string `json:"preRelease,omitempty"`
	Build      string `json:"build,omitempty"`
}

// Parse splits v into its semantic version parts.
func Parse(v string) Semver {
	out := Semver{Semver: v}
	m := semverPattern.FindStringSubmatch(normalizeVersion(v))
	if m == nil {
		return out
	}
	out.Major, _ = strconv.Atoi(m[1])
	out.Minor, _ = strconv.Atoi(m[2])
	out.Patch, _ = strconv.Atoi(m[3])
	out.PreRelease = m[4]
	out.Build = m[5]
	return out
}

// Git identifies the commit the binary was built from.
type Git struct {
	Commit string `json:"commit"`
}

// Info describes the running build.
type Info struct {
	Version   Semver `json:"version"`
	BuildTime string `json:"buildTime,omitempty"`
	Git       Git    `json:"git"`
	Go        string `json:"go"`
}

// Current reports the running build.
func Current() Info {
	return Info{
		Version:   Parse(version),
		BuildTime: buildTime,
		Git:       Git{Commit: commit},
		Go:        runtime.Version(),
	}
}
