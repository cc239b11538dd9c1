// Package keys implements the hierarchical grade-key namespace: slash-path
// external form, dot-path internal form, and the query dialect used to
// select keys (wildcards with counts, negation, alternation, prefix and
// word-prefix component matches).
package keys

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidKey reports a malformed key path.
	ErrInvalidKey = errors.New("invalid key")
	// ErrInvalidQuery reports a malformed key query pattern.
	ErrInvalidQuery = errors.New("invalid key query")
)

// Root is the internal form of the root key "/".
const Root = ""

var (
	pathRegex  = regexp.MustCompile(`^(/|(/[\w-]+)+)$`)
	queryRegex = regexp.MustCompile(`^(/|(/(!?[\w-]+[%*]?(\|[\w-]+[%*]?)*|\*))+)$`)
	labelRegex = regexp.MustCompile(`^\w+$`)
)

// Normalize converts an external slash path to the internal dot form used
// for storage indexing: "/test/alpha-1" becomes "test.alpha_1". The root
// path "/" maps to the empty string.
func Normalize(path string) (string, error) {
	if !pathRegex.MatchString(path) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, path)
	}
	if path == "/" {
		return Root, nil
	}
	k := strings.ReplaceAll(path, "-", "_")
	k = strings.TrimPrefix(k, "/")
	return strings.ReplaceAll(k, "/", "."), nil
}

// Denormalize converts an internal dot key back to its external slash path.
func Denormalize(key string) string {
	if key == Root {
		return "/"
	}
	return "/" + strings.ReplaceAll(strings.ReplaceAll(key, "_", "-"), ".", "/")
}

// NormalizeQuery converts an external query path to internal form, folding
// runs of bare "*" segments into counted wildcards: "/a/*/*" becomes
// "a.*{2}".
func NormalizeQuery(q string) (string, error) {
	if !queryRegex.MatchString(q) {
		return "", fmt.Errorf("%w: %q", ErrInvalidQuery, q)
	}
	if q == "/" {
		return Root, nil
	}
	s := strings.ReplaceAll(q, "-", "_")
	s = strings.TrimPrefix(s, "/")
	segs := strings.Split(s, "/")
	out := make([]string, 0, len(segs))
	run := 0
	flush := func() {
		if run == 1 {
			out = append(out, "*")
		} else if run > 1 {
			out = append(out, fmt.Sprintf("*{%d}", run))
		}
		run = 0
	}
	for _, seg := range segs {
		if seg == "*" {
			run++
			continue
		}
		flush()
		out = append(out, seg)
	}
	flush()
	return strings.Join(out, "."), nil
}

// DenormalizeQuery converts an internal query to external slash form,
// unfolding counted wildcards back into repeated "*" segments. Unbounded
// counts have no external rendering and are passed through verbatim.
func DenormalizeQuery(q string) string {
	if q == Root {
		return "/"
	}
	parts := strings.Split(q, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		var n int
		if _, err := fmt.Sscanf(p, "*{%d}", &n); err == nil && p == fmt.Sprintf("*{%d}", n) {
			for i := 0; i < n; i++ {
				out = append(out, "*")
			}
			continue
		}
		out = append(out, strings.ReplaceAll(p, "_", "-"))
	}
	return "/" + strings.Join(out, "/")
}

// Labels splits an internal key into its component labels. The root key
// has no labels.
func Labels(key string) []string {
	if key == Root {
		return nil
	}
	return strings.Split(key, ".")
}

// Join assembles labels into an internal key.
func Join(labels []string) string {
	return strings.Join(labels, ".")
}

// Parent returns the internal key one level up, and false for the root.
func Parent(key string) (string, bool) {
	if key == Root {
		return Root, false
	}
	i := strings.LastIndexByte(key, '.')
	if i < 0 {
		return Root, true
	}
	return key[:i], true
}

// Depth returns the number of labels in an internal key.
func Depth(key string) int {
	return len(Labels(key))
}

// Children returns the internal query matching exactly the keys one level
// below key.
func Children(key string) string {
	if key == Root {
		return "*"
	}
	return key + ".*"
}

// IsUnder reports whether key is key or a descendant of ancestor.
func IsUnder(key, ancestor string) bool {
	if ancestor == Root {
		return true
	}
	return key == ancestor || strings.HasPrefix(key, ancestor+".")
}

// ValidLabel reports whether s is a single well-formed internal label.
func ValidLabel(s string) bool {
	return labelRegex.MatchString(s)
}
