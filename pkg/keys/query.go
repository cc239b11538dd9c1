package keys

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// componentKind discriminates parsed query components.
type componentKind int

const (
	compLabels   componentKind = iota // alternation of label matchers
	compWildcard                      // counted wildcard
)

// labelMod is the per-item match modifier.
type labelMod int

const (
	modExact      labelMod = iota
	modPrefix              // item* : any label starting with item
	modWordPrefix          // item% : item itself or item followed by "_"
)

type labelItem struct {
	word string
	mod  labelMod
}

type component struct {
	kind   componentKind
	negate bool
	items  []labelItem
	min    int // wildcard lower bound
	max    int // wildcard upper bound, -1 for unbounded
}

// Query is a compiled key query pattern in internal dot form.
type Query struct {
	src   string
	comps []component
}

var queryCache sync.Map // internal source -> *Query

// CompileQuery parses an internal-form query pattern. Compiled patterns
// are cached by source text.
func CompileQuery(q string) (*Query, error) {
	if cached, ok := queryCache.Load(q); ok {
		return cached.(*Query), nil
	}
	parsed, err := parseQuery(q)
	if err != nil {
		return nil, err
	}
	actual, _ := queryCache.LoadOrStore(q, parsed)
	return actual.(*Query), nil
}

func parseQuery(q string) (*Query, error) {
	out := &Query{src: q}
	if q == Root {
		return out, nil
	}
	for _, part := range strings.Split(q, ".") {
		comp, err := parseComponent(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidQuery, q, err)
		}
		out.comps = append(out.comps, comp)
	}
	return out, nil
}

func parseComponent(part string) (component, error) {
	if part == "" {
		return component{}, fmt.Errorf("empty component")
	}
	if part == "*" {
		return component{kind: compWildcard, min: 1, max: 1}, nil
	}
	if strings.HasPrefix(part, "*{") && strings.HasSuffix(part, "}") {
		body := part[2 : len(part)-1]
		unbounded := strings.HasSuffix(body, ",")
		body = strings.TrimSuffix(body, ",")
		n, err := strconv.Atoi(body)
		if err != nil || n < 0 {
			return component{}, fmt.Errorf("bad wildcard count %q", part)
		}
		c := component{kind: compWildcard, min: n, max: n}
		if unbounded {
			c.max = -1
		}
		return c, nil
	}
	c := component{kind: compLabels}
	rest := part
	if strings.HasPrefix(rest, "!") {
		c.negate = true
		rest = rest[1:]
	}
	for _, item := range strings.Split(rest, "|") {
		li := labelItem{word: item}
		if strings.HasSuffix(item, "*") {
			li = labelItem{word: strings.TrimSuffix(item, "*"), mod: modPrefix}
		} else if strings.HasSuffix(item, "%") {
			li = labelItem{word: strings.TrimSuffix(item, "%"), mod: modWordPrefix}
		}
		if !ValidLabel(li.word) {
			return component{}, fmt.Errorf("bad label %q", item)
		}
		c.items = append(c.items, li)
	}
	return c, nil
}

// String returns the internal source pattern.
func (q *Query) String() string { return q.src }

// IsConcrete reports whether the pattern selects exactly one key: every
// component is a single exact, non-negated label.
func (q *Query) IsConcrete() bool {
	for _, c := range q.comps {
		if c.kind != compLabels || c.negate || len(c.items) != 1 || c.items[0].mod != modExact {
			return false
		}
	}
	return true
}

// HasWildcard reports whether the pattern contains a counted wildcard
// component. Wildcard-free patterns bind as scalar computation inputs.
func (q *Query) HasWildcard() bool {
	for _, c := range q.comps {
		if c.kind == compWildcard {
			return true
		}
	}
	return false
}

// Match reports whether the concrete internal key satisfies the pattern.
func (q *Query) Match(key string) bool {
	return matchComps(q.comps, Labels(key))
}

// MatchPrefix returns the label counts at which a prefix of key satisfies
// the whole pattern, in increasing order.
func (q *Query) MatchPrefix(key string) []int {
	labels := Labels(key)
	var out []int
	for n := 0; n <= len(labels); n++ {
		if matchComps(q.comps, labels[:n]) {
			out = append(out, n)
		}
	}
	return out
}

func matchComps(comps []component, labels []string) bool {
	if len(comps) == 0 {
		return len(labels) == 0
	}
	c := comps[0]
	switch c.kind {
	case compLabels:
		if len(labels) == 0 || !matchLabel(c, labels[0]) {
			return false
		}
		return matchComps(comps[1:], labels[1:])
	default: // compWildcard
		if len(labels) < c.min {
			return false
		}
		max := c.max
		if max < 0 || max > len(labels) {
			max = len(labels)
		}
		for n := c.min; n <= max; n++ {
			if matchComps(comps[1:], labels[n:]) {
				return true
			}
		}
		return false
	}
}

func matchLabel(c component, label string) bool {
	hit := false
	for _, item := range c.items {
		switch item.mod {
		case modExact:
			hit = label == item.word
		case modPrefix:
			hit = strings.HasPrefix(label, item.word)
		case modWordPrefix:
			hit = label == item.word || strings.HasPrefix(label, item.word+"_")
		}
		if hit {
			break
		}
	}
	if c.negate {
		return !hit
	}
	return hit
}

// Matches compiles query and tests it against the concrete internal key.
func Matches(key, query string) (bool, error) {
	q, err := CompileQuery(query)
	if err != nil {
		return false, err
	}
	return q.Match(key), nil
}
