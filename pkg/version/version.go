package version

import (
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/platinummonkey/berth/pkg/plugins"
)

// Parse parses a version string. A leading "v" and missing minor or patch
// components are accepted.
func Parse(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, plugins.Wrap(plugins.ValidationFailure, "parse version", err, "invalid version %q", s)
	}
	return v, nil
}

// MustParse is like Parse but panics on error
func MustParse(s string) *semver.Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1, 0 or 1 following SemVer precedence. Build metadata
// is ignored and a release is greater than any of its prereleases.
func Compare(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

// IsPrerelease reports whether the version carries a prerelease tag
func IsPrerelease(s string) bool {
	v, err := Parse(s)
	if err != nil {
		return false
	}
	return v.Prerelease() != ""
}

// Sort orders version strings ascending. Unparseable entries sort first in
// their original relative order.
func Sort(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		vi, erri := semver.NewVersion(versions[i])
		vj, errj := semver.NewVersion(versions[j])
		switch {
		case erri != nil && errj != nil:
			return false
		case erri != nil:
			return true
		case errj != nil:
			return false
		}
		return vi.LessThan(vj)
	})
}

// Latest returns the highest valid version, or "" when none parse
func Latest(versions []string) string {
	var best *semver.Version
	bestRaw := ""
	for _, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best, bestRaw = v, raw
		}
	}
	return bestRaw
}
