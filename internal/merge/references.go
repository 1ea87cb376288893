// Package merge builds the exact text payload sent to the backend for a new
// user turn. It applies, in strict priority order: explicit @path references,
// full-context injection for a freshly loaded project, pending delta
// injection, and finally the plain text rule. Reference parsing is kept as a
// pure function so it is testable without a session.
package merge

import (
	"regexp"
	"strings"
)

var refPattern = regexp.MustCompile(`@([\w.\-/]+)`)

// ParseRefs scans text for @path reference tokens and resolves them against
// the known project file paths. A bare path must match a file exactly; a
// token with a trailing slash matches every file under that directory
// prefix. It returns the matched paths in order of first appearance and the
// question text with all reference tokens stripped and whitespace collapsed.
// ok is false when no token resolved to at least one file.
func ParseRefs(text string, knownPaths []string) (matched []string, stripped string, ok bool) {
	tokens := refPattern.FindAllStringSubmatch(text, -1)
	if len(tokens) == 0 {
		return nil, text, false
	}

	seen := make(map[string]bool)
	for _, tok := range tokens {
		for _, path := range resolveToken(tok[1], knownPaths) {
			if !seen[path] {
				seen[path] = true
				matched = append(matched, path)
			}
		}
	}
	if len(matched) == 0 {
		return nil, text, false
	}

	stripped = strings.Join(strings.Fields(refPattern.ReplaceAllString(text, " ")), " ")
	return matched, stripped, true
}

// resolveToken maps one reference token to project file paths. Tokens that
// fail to resolve are retried with trailing sentence punctuation trimmed, so
// "@main.go." at the end of a question still resolves.
func resolveToken(token string, knownPaths []string) []string {
	for _, candidate := range []string{token, strings.TrimRight(token, ".,;:!?")} {
		if candidate == "" {
			continue
		}
		if strings.HasSuffix(candidate, "/") {
			var paths []string
			for _, p := range knownPaths {
				if strings.HasPrefix(p, candidate) {
					paths = append(paths, p)
				}
			}
			if len(paths) > 0 {
				return paths
			}
			continue
		}
		for _, p := range knownPaths {
			if p == candidate {
				return []string{p}
			}
		}
	}
	return nil
}
