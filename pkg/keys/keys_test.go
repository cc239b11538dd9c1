package keys

import (
	"errors"
	"testing"
)

// TestNormalizeRoundTrip verifies external paths survive the round trip
// through internal form.
func TestNormalizeRoundTrip(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/", ""},
		{"/test", "test"},
		{"/test/alpha", "test.alpha"},
		{"/test/alpha-1", "test.alpha_1"},
		{"/a/b/c/d", "a.b.c.d"},
	}
	for _, c := range cases {
		got, err := Normalize(c.path)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", c.path, err)
		}
		if got != c.want {
			t.Fatalf("Normalize(%q) = %q, want %q", c.path, got, c.want)
		}
		back := Denormalize(got)
		// dashes normalize to underscores, so the round trip restores the
		// dashed form
		if c.path == "/test/alpha-1" {
			if back != "/test/alpha-1" {
				t.Fatalf("Denormalize(%q) = %q", got, back)
			}
			continue
		}
		if back != c.path {
			t.Fatalf("Denormalize(%q) = %q, want %q", got, back, c.path)
		}
	}
}

// TestNormalizeRejects verifies malformed paths fail with ErrInvalidKey.
func TestNormalizeRejects(t *testing.T) {
	for _, p := range []string{"", "test", "/test/", "//a", "/te st", "/a/b!", "/a/*"} {
		if _, err := Normalize(p); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Normalize(%q) err = %v, want ErrInvalidKey", p, err)
		}
	}
}

// TestNormalizeQueryFoldsWildcards verifies runs of bare stars fold into
// counted wildcards.
func TestNormalizeQueryFoldsWildcards(t *testing.T) {
	cases := []struct {
		q    string
		want string
	}{
		{"/", ""},
		{"/test/*", "test.*"},
		{"/test/*/*", "test.*{2}"},
		{"/*/*/*/grade", "*{3}.grade"},
		{"/a|b/c%", "a|b.c%"},
		{"/!draft/x*", "!draft.x*"},
	}
	for _, c := range cases {
		got, err := NormalizeQuery(c.q)
		if err != nil {
			t.Fatalf("NormalizeQuery(%q): %v", c.q, err)
		}
		if got != c.want {
			t.Fatalf("NormalizeQuery(%q) = %q, want %q", c.q, got, c.want)
		}
	}
}

// TestDenormalizeQueryUnfolds verifies counted wildcards render back to
// repeated star segments.
func TestDenormalizeQueryUnfolds(t *testing.T) {
	if got := DenormalizeQuery("test.*{2}"); got != "/test/*/*" {
		t.Fatalf("DenormalizeQuery = %q", got)
	}
	if got := DenormalizeQuery(""); got != "/" {
		t.Fatalf("DenormalizeQuery root = %q", got)
	}
}

// TestQueryMatch exercises the component dialect against concrete keys.
func TestQueryMatch(t *testing.T) {
	cases := []struct {
		query string
		key   string
		want  bool
	}{
		{"test.alpha", "test.alpha", true},
		{"test.alpha", "test.beta", false},
		{"test.*", "test.alpha", true},
		{"test.*", "test.alpha.grade", false},
		{"test.*{2}", "test.alpha.grade", true},
		{"test.*{0}", "test", true},
		{"test.*{2,}", "test.a.b", true},
		{"test.*{2,}", "test.a.b.c.d", true},
		{"test.*{2,}", "test.a", false},
		{"a|b.grade", "a.grade", true},
		{"a|b.grade", "b.grade", true},
		{"a|b.grade", "c.grade", false},
		{"!draft.grade", "final.grade", true},
		{"!draft.grade", "draft.grade", false},
		{"lab*.grade", "lab3.grade", true},
		{"lab*.grade", "lecture.grade", false},
		{"lab%.grade", "lab.grade", true},
		{"lab%.grade", "lab_3.grade", true},
		{"lab%.grade", "lab3.grade", false},
		{"", "", true},
		{"", "a", false},
	}
	for _, c := range cases {
		got, err := Matches(c.key, c.query)
		if err != nil {
			t.Fatalf("Matches(%q, %q): %v", c.key, c.query, err)
		}
		if got != c.want {
			t.Fatalf("Matches(%q, %q) = %v, want %v", c.key, c.query, got, c.want)
		}
	}
}

// TestMatchPrefix verifies prefix matching reports every satisfying cut.
func TestMatchPrefix(t *testing.T) {
	q, err := CompileQuery("test.*{1,}")
	if err != nil {
		t.Fatalf("CompileQuery: %v", err)
	}
	got := q.MatchPrefix("test.a.b.c")
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("MatchPrefix = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("MatchPrefix = %v, want %v", got, want)
		}
	}
}

// TestIsConcrete verifies only single-exact-label patterns count as
// concrete.
func TestIsConcrete(t *testing.T) {
	cases := map[string]bool{
		"test.alpha":   true,
		"test.*":       false,
		"a|b.grade":    false,
		"!draft.grade": false,
		"lab*.grade":   false,
		"":             true,
	}
	for src, want := range cases {
		q, err := CompileQuery(src)
		if err != nil {
			t.Fatalf("CompileQuery(%q): %v", src, err)
		}
		if q.IsConcrete() != want {
			t.Fatalf("IsConcrete(%q) = %v, want %v", src, !want, want)
		}
	}
}

// TestHasWildcard verifies wildcard detection ignores alternation and
// label prefixes.
func TestHasWildcard(t *testing.T) {
	cases := map[string]bool{
		"test.alpha": false,
		"a|b.grade":  false,
		"lab*.grade": false,
		"!draft.x":   false,
		"test.*":     true,
		"*{2}.grade": true,
		"test.*{0}":  true,
	}
	for src, want := range cases {
		q, err := CompileQuery(src)
		if err != nil {
			t.Fatalf("CompileQuery(%q): %v", src, err)
		}
		if q.HasWildcard() != want {
			t.Fatalf("HasWildcard(%q) = %v, want %v", src, !want, want)
		}
	}
}

// TestParentChildrenDepth covers the small namespace helpers.
func TestParentChildrenDepth(t *testing.T) {
	if p, ok := Parent("a.b.c"); !ok || p != "a.b" {
		t.Fatalf("Parent(a.b.c) = %q, %v", p, ok)
	}
	if p, ok := Parent("a"); !ok || p != Root {
		t.Fatalf("Parent(a) = %q, %v", p, ok)
	}
	if _, ok := Parent(Root); ok {
		t.Fatalf("Parent(root) should report false")
	}
	if Children("a.b") != "a.b.*" {
		t.Fatalf("Children(a.b) = %q", Children("a.b"))
	}
	if Children(Root) != "*" {
		t.Fatalf("Children(root) = %q", Children(Root))
	}
	if Depth("a.b.c") != 3 || Depth(Root) != 0 {
		t.Fatalf("Depth wrong")
	}
	if !IsUnder("a.b.c", "a.b") || IsUnder("a.bc", "a.b") {
		t.Fatalf("IsUnder wrong")
	}
}
