// Package specifier splits a dependency specifier such as "lodash@^4.17.0"
// or "@scope/pkg@^1.2.3" into a package name and a range string, per
// spec.md §4.8. Grounded on _examples/original_source/manifest_updates.rs.
package specifier

import "strings"

// Parse splits spec into (name, range). A scoped name ("@scope/pkg") is
// split at its second "@"; an unscoped name is split at its first "@".
// A specifier with no "@" separator (besides a leading scope marker) has
// no explicit range and defaults to "*".
func Parse(spec string) (name, rangeStr string) {
	if strings.HasPrefix(spec, "@") {
		rest := spec[1:]
		if idx := strings.Index(rest, "@"); idx >= 0 {
			return spec[:idx+1], rest[idx+1:]
		}
		return spec, "*"
	}

	if idx := strings.Index(spec, "@"); idx >= 0 {
		return spec[:idx], spec[idx+1:]
	}
	return spec, "*"
}
