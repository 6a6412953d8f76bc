package release

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ScopeLatest is the label of the unconditional tracking scope.
const ScopeLatest = "latest"

// Version is a parsed semantic version tag. RawTag keeps the tag exactly as
// published upstream (including any "v" prefix); comparisons only ever look
// at the numeric components.
type Version struct {
	Major  uint64
	Minor  uint64
	Patch  uint64
	RawTag string
}

// ParseTag parses an upstream release tag into a Version. Tags must be of
// the form X.Y.Z with an optional "v" prefix; anything else (partial
// versions, prereleases, build metadata) is rejected so a single bad tag
// never derails a sync pass.
func ParseTag(tag string) (Version, error) {
	trimmed := strings.TrimPrefix(tag, "v")

	sv, err := semver.StrictNewVersion(trimmed)
	if err != nil {
		return Version{}, fmt.Errorf("invalid version tag %q: %w", tag, err)
	}
	if sv.Prerelease() != "" || sv.Metadata() != "" {
		return Version{}, fmt.Errorf("invalid version tag %q: prerelease and build metadata are not mirrored", tag)
	}

	return Version{
		Major:  sv.Major(),
		Minor:  sv.Minor(),
		Patch:  sv.Patch(),
		RawTag: tag,
	}, nil
}

// String returns the canonical X.Y.Z form, which is also the name of the
// version's directory on disk.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 ordering by (major, minor, patch).
func (v Version) Compare(o Version) int {
	pairs := [][2]uint64{
		{v.Major, o.Major},
		{v.Minor, o.Minor},
		{v.Patch, o.Patch},
	}
	for _, p := range pairs {
		if p[0] < p[1] {
			return -1
		}
		if p[0] > p[1] {
			return 1
		}
	}
	return 0
}

// Less reports whether v orders before o.
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

// MajorKey returns the version's per-major scope label, e.g. "2".
func (v Version) MajorKey() string {
	return fmt.Sprintf("%d", v.Major)
}

// MinorKey returns the version's per-minor scope label, e.g. "2.1".
func (v Version) MinorKey() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// SortDescending orders versions newest first, in place.
func SortDescending(versions []Version) {
	sort.Slice(versions, func(i, j int) bool {
		return versions[j].Less(versions[i])
	})
}

// TrackingScopes computes, for every tracking scope satisfied by the given
// versions, the version that scope should point at: the maximum version
// overall for "latest" and the maximum within each major and major.minor
// group. An empty input yields an empty map (no scope directories at all).
func TrackingScopes(versions []Version) map[string]Version {
	scopes := make(map[string]Version, 2*len(versions)+1)

	sorted := make([]Version, len(versions))
	copy(sorted, versions)
	SortDescending(sorted)

	for i, v := range sorted {
		if i == 0 {
			scopes[ScopeLatest] = v
		}
		if _, ok := scopes[v.MajorKey()]; !ok {
			scopes[v.MajorKey()] = v
		}
		if _, ok := scopes[v.MinorKey()]; !ok {
			scopes[v.MinorKey()] = v
		}
	}

	return scopes
}

// StripVersion removes the version token from an asset filename, together
// with the separator joining it to the rest of the name, so that
// "tool-1.2.3.tar.gz" tracked under "/1" appears as "tool.tar.gz". Both the
// raw tag and the canonical X.Y.Z form are stripped. Filenames that do not
// contain the version are returned unchanged.
func StripVersion(name string, v Version) string {
	tokens := []string{}
	seen := map[string]bool{}
	for _, t := range []string{v.RawTag, "v" + v.String(), v.String()} {
		if t != "" && !seen[t] {
			tokens = append(tokens, t)
			seen[t] = true
		}
	}

	for _, token := range tokens {
		for _, sep := range []string{"-", "_"} {
			name = strings.ReplaceAll(name, sep+token, "")
		}
		// Leading token, e.g. "1.2.3-tool.tar.gz".
		for _, sep := range []string{"-", "_"} {
			name = strings.ReplaceAll(name, token+sep, "")
		}
		name = strings.ReplaceAll(name, token, "")
	}

	return name
}
