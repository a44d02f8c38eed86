// Package semverrange canonicalizes npm-style version range expressions
// into a comma-joined list of plain SemVer comparators, per spec.md §4.1.
// Canonical comparators are validated with Masterminds/semver/v3; the
// wildcard/hyphen/caret/tilde grammar itself has no stdlib or third-party
// equivalent in the example corpus and is hand-rolled here, grounded on
// _examples/original_source/resolver.rs's canonicalize_npm_range tests.
package semverrange

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	xRangeRe      = regexp.MustCompile(`^(\d+)\.([xX*]|(\d+)\.([xX*]))$`)
	partialRe     = regexp.MustCompile(`^(\d+)(?:\.(\d+))?$`)
	hyphenRe      = regexp.MustCompile(`^\s*(\S+)\s+-\s+(\S+)\s*$`)
	caretRe       = regexp.MustCompile(`^\^(\d+)\.(\d+)\.(\d+)(.*)$`)
	tildeFullRe   = regexp.MustCompile(`^~(\d+)\.(\d+)\.(\d+)(.*)$`)
	tildePartialRe = regexp.MustCompile(`^~(\d+)\.(\d+)$`)
	comparatorRe  = regexp.MustCompile(`^(>=|<=|>|<|=)?\s*(\S+)$`)
)

// Canonicalize parses a user-visible npm range string into a canonical,
// comma-joined comparator list. On syntactic failure it returns the input
// unchanged, per spec.md §4.1 ("the planner will treat it as no-match").
func Canonicalize(input string) string {
	s := strings.TrimSpace(input)
	if s == "" || s == "*" {
		return "*"
	}

	if m := hyphenRe.FindStringSubmatch(s); m != nil {
		return fmt.Sprintf(">=%s, <=%s", m[1], m[2])
	}

	if out, ok := canonicalizeSingle(s); ok {
		return out
	}

	// Multiple comparators separated by whitespace or commas.
	parts := splitComparators(s)
	if len(parts) > 1 {
		var out []string
		for _, p := range parts {
			c, ok := normalizeComparator(p)
			if !ok {
				return input
			}
			out = append(out, c)
		}
		return strings.Join(out, ", ")
	}

	return input
}

// canonicalizeSingle handles the single-token forms: x-ranges, caret,
// tilde, and bare comparators. ok is false when s doesn't match any of
// these and the caller should fall back to comparator-list splitting.
func canonicalizeSingle(s string) (string, bool) {
	if m := xRangeRe.FindStringSubmatch(s); m != nil {
		major, _ := strconv.Atoi(m[1])
		if m[3] != "" {
			// N.M.x
			minor, _ := strconv.Atoi(m[3])
			return fmt.Sprintf(">=%d.%d.0, <%d.%d.0", major, minor, major, minor+1), true
		}
		// N.x
		return fmt.Sprintf(">=%d.0.0, <%d.0.0", major, major+1), true
	}

	if m := caretRe.FindStringSubmatch(s); m != nil && strings.TrimSpace(m[4]) == "" {
		major, _ := strconv.Atoi(m[1])
		minor, _ := strconv.Atoi(m[2])
		patch, _ := strconv.Atoi(m[3])
		version := fmt.Sprintf("%d.%d.%d", major, minor, patch)
		var upper string
		switch {
		case major > 0:
			upper = fmt.Sprintf("%d.0.0", major+1)
		case minor > 0:
			upper = fmt.Sprintf("0.%d.0", minor+1)
		default:
			upper = fmt.Sprintf("0.0.%d", patch+1)
		}
		return fmt.Sprintf(">=%s, <%s", version, upper), true
	}

	if m := tildeFullRe.FindStringSubmatch(s); m != nil && strings.TrimSpace(m[4]) == "" {
		major, _ := strconv.Atoi(m[1])
		minor, _ := strconv.Atoi(m[2])
		patch, _ := strconv.Atoi(m[3])
		return fmt.Sprintf(">=%d.%d.%d, <%d.%d.0", major, minor, patch, major, minor+1), true
	}

	if m := tildePartialRe.FindStringSubmatch(s); m != nil {
		major, _ := strconv.Atoi(m[1])
		minor, _ := strconv.Atoi(m[2])
		return fmt.Sprintf(">=%d.%d.0, <%d.%d.0", major, minor, major, minor+1), true
	}

	if c, ok := normalizeComparator(s); ok {
		return c, true
	}

	return "", false
}

// splitComparators splits on commas or runs of whitespace that separate
// distinct comparator tokens, while keeping an operator glued to the
// version that follows it (">= 2.1.2" stays one token during the split,
// then normalizeComparator removes the inner space).
func splitComparators(s string) []string {
	s = strings.ReplaceAll(s, ",", " ")
	fields := strings.Fields(s)

	var tokens []string
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if isBareOperator(f) && i+1 < len(fields) {
			tokens = append(tokens, f+fields[i+1])
			i++
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

func isBareOperator(s string) bool {
	switch s {
	case ">=", "<=", ">", "<", "=":
		return true
	default:
		return false
	}
}

// normalizeComparator validates a single "<op><version>" token (removing
// any space between operator and version) using Masterminds/semver/v3 to
// confirm the version part parses, and returns it in tight form.
func normalizeComparator(tok string) (string, bool) {
	tok = strings.TrimSpace(tok)
	m := comparatorRe.FindStringSubmatch(tok)
	if m == nil {
		return "", false
	}
	op := m[1]
	verPart := m[2]

	version := completeVersion(verPart)
	if _, err := semver.NewVersion(version); err != nil {
		return "", false
	}

	if op == "" {
		return verPart, true
	}
	return op + verPart, true
}

// completeVersion fills in missing minor/patch components so partial
// versions like "2" or "2.1" validate against Masterminds/semver, which
// requires a full major.minor.patch.
func completeVersion(v string) string {
	if m := partialRe.FindStringSubmatch(v); m != nil {
		minor := m[2]
		if minor == "" {
			minor = "0"
		}
		return fmt.Sprintf("%s.%s.0", m[1], minor)
	}
	return v
}
