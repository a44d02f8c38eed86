// Package resolve picks the highest version satisfying a dependency
// range from a list of candidate versions, connecting
// internal/semverrange's canonicalized comparator lists to
// Masterminds/semver/v3's constraint matching. This supplements
// spec.md's core components (which assume resolution already happened)
// with the version-selection step a complete implementation needs,
// grounded on _examples/original_source/resolver.rs's range semantics.
package resolve

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/pacm/pacm/internal/semverrange"
)

// Select returns the highest version in candidates that satisfies range.
// range is first canonicalized with semverrange.Canonicalize; an
// uncanonicalizable or otherwise invalid range never matches, per
// spec.md §4.1 ("the planner will treat it as no-match").
func Select(rangeStr string, candidates []string) (string, error) {
	canon := semverrange.Canonicalize(rangeStr)

	constraint, err := semver.NewConstraint(canon)
	if err != nil {
		return "", fmt.Errorf("resolve: invalid range %q (canonicalized %q): %w", rangeStr, canon, err)
	}

	versions := make([]*semver.Version, 0, len(candidates))
	byString := map[*semver.Version]string{}
	for _, c := range candidates {
		v, err := semver.NewVersion(c)
		if err != nil {
			continue
		}
		versions = append(versions, v)
		byString[v] = c
	}

	sort.Sort(sort.Reverse(semver.Collection(versions)))

	for _, v := range versions {
		if constraint.Check(v) {
			return byString[v], nil
		}
	}
	return "", fmt.Errorf("resolve: no version among %d candidates satisfies %q", len(candidates), rangeStr)
}
