// Package query is the projection layer over the engine: it translates
// high-level requests into namespace scans plus resolver invocations and
// reshapes the results (grouping by user, pivoting by key, surfacing
// promoted subtrees).
package query

import (
	"sort"
	"time"

	"gradedb/pkg/keys"
	"gradedb/pkg/models"
	"gradedb/pkg/resolver"
	"gradedb/pkg/rules"
	"gradedb/pkg/store"
)

// Spec selects rows: a key (internal form), optionally one user, and
// whether non-visible rows are included. Enforcing who may set Hidden is
// the caller's concern.
type Spec struct {
	User   string
	Key    string
	Hidden bool
}

func (s Spec) users() ([]string, error) {
	if s.User != "" {
		return []string{s.User}, nil
	}
	return store.ListUsers()
}

// Get returns the resolved row(s) for spec.Key, one per user.
func Get(spec Spec) ([]models.Row, error) {
	return resolveKeys(spec, []string{spec.Key})
}

// Multiget returns, for each user, the resolved row per requested key,
// pivoted into one map per user.
func Multiget(keyList []string, spec Spec) ([]map[string]models.Row, error) {
	users, err := spec.users()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []map[string]models.Row
	for _, user := range users {
		visible := filterVisible(keyList, spec, now)
		res, err := resolver.ResolveAll(user, visible, now)
		if err != nil {
			return nil, err
		}
		byKey := make(map[string]models.Row, len(visible))
		for _, k := range visible {
			byKey[k] = buildRow(user, k, now, res)
		}
		out = append(out, byKey)
	}
	return out, nil
}

// Children returns resolved rows for the keys one level below spec.Key.
func Children(spec Spec) ([]models.Row, error) {
	kids, err := childKeys(spec.Key)
	if err != nil {
		return nil, err
	}
	return resolveKeys(spec, kids)
}

// Grandchildren surfaces the subtree two levels below spec.Key, lifting
// deeper keys whose promotion metadata raises them to grandchild level.
// Rows are ordered by promotion depth, then declared key order, then key.
func Grandchildren(spec Spec) ([]models.Row, error) {
	baseDepth := keys.Depth(spec.Key)
	var picked []string
	err := store.ScanKeys(func(meta store.KeyMeta) bool {
		if !keys.IsUnder(meta.Key, spec.Key) || meta.Key == spec.Key {
			return true
		}
		depth := keys.Depth(meta.Key)
		if depth-rules.Promotion(meta.Key) == baseDepth+2 {
			picked = append(picked, meta.Key)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(picked, func(i, j int) bool {
		pi, pj := rules.Promotion(picked[i]), rules.Promotion(picked[j])
		if pi != pj {
			return pi < pj
		}
		oi, oj := rules.Order(picked[i]), rules.Order(picked[j])
		if oi != oj {
			return oi < oj
		}
		return picked[i] < picked[j]
	})
	return resolveKeys(spec, picked)
}

// Dirs returns metadata rows for the children of spec.Key that have
// children themselves.
func Dirs(spec Spec) ([]models.Row, error) {
	kids, err := childKeys(spec.Key)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []models.Row
	for _, k := range kids {
		hasKids, err := hasChildren(k)
		if err != nil {
			return nil, err
		}
		if !hasKids {
			continue
		}
		if !spec.Hidden && !rules.IsVisible(k, now) {
			continue
		}
		out = append(out, buildRow(spec.User, k, now, nil))
	}
	return out, nil
}

// Leaves returns resolved rows for every leaf key under spec.Key.
func Leaves(spec Spec) ([]models.Row, error) {
	var leaves []string
	err := store.ScanKeys(func(meta store.KeyMeta) bool {
		if keys.IsUnder(meta.Key, spec.Key) && meta.Key != spec.Key {
			leaves = append(leaves, meta.Key)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range leaves {
		hasKids, err := hasChildren(k)
		if err != nil {
			return nil, err
		}
		if !hasKids {
			out = append(out, k)
		}
	}
	return resolveKeys(spec, out)
}

// History returns every raw data point for (user, key) in timestamp
// order, subject to visibility.
func History(spec Spec) ([]models.Row, error) {
	now := time.Now().UTC()
	if !spec.Hidden && !rules.IsVisible(spec.Key, now) {
		return nil, nil
	}
	users, err := spec.users()
	if err != nil {
		return nil, err
	}
	var out []models.Row
	for _, user := range users {
		hist, err := store.RawHistory(user, spec.Key)
		if err != nil {
			return nil, err
		}
		for i := range hist {
			e := hist[i]
			ts := e.TS
			out = append(out, models.Row{
				User:    e.User,
				Key:     e.Key,
				TS:      &ts,
				Value:   e.Value,
				Raw:     true,
				Active:  rules.IsActive(e.Key, now),
				Visible: rules.IsVisible(e.Key, now),
			})
		}
	}
	return out, nil
}

// Inputs returns the resolved input rows feeding spec.Key's computation.
func Inputs(spec Spec) ([]models.Row, error) {
	rule, base, ok := rules.ComputationFor(spec.Key)
	if !ok {
		return nil, nil
	}
	now := time.Now().UTC()
	var all []string
	for _, qsrc := range rule.InputQueries(base) {
		q, err := keys.CompileQuery(qsrc)
		if err != nil {
			return nil, err
		}
		err = store.ScanKeys(func(meta store.KeyMeta) bool {
			if q.Match(meta.Key) && rules.IsActive(meta.Key, now) {
				all = append(all, meta.Key)
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return resolveKeys(spec, all)
}

// Outputs returns the resolved rows computed from spec.Key.
func Outputs(spec Spec) ([]models.Row, error) {
	var outs []string
	for _, out := range rules.OutputsForInput(spec.Key) {
		if _, exists, err := store.GetKeyMeta(out); err != nil {
			return nil, err
		} else if exists {
			outs = append(outs, out)
		}
	}
	return resolveKeys(spec, outs)
}

// FindKeys returns resolved rows for every stored key matching the query
// pattern.
func FindKeys(pattern string, spec Spec) ([]models.Row, error) {
	q, err := keys.CompileQuery(pattern)
	if err != nil {
		return nil, err
	}
	var matched []string
	err = store.ScanKeys(func(meta store.KeyMeta) bool {
		if q.Match(meta.Key) {
			matched = append(matched, meta.Key)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return resolveKeys(spec, matched)
}

// resolveKeys resolves keyList for every selected user and builds rows,
// dropping non-visible keys unless spec.Hidden.
func resolveKeys(spec Spec, keyList []string) ([]models.Row, error) {
	users, err := spec.users()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	visible := filterVisible(keyList, spec, now)
	var out []models.Row
	for _, user := range users {
		res, err := resolver.ResolveAll(user, visible, now)
		if err != nil {
			return nil, err
		}
		for _, k := range visible {
			out = append(out, buildRow(user, k, now, res))
		}
	}
	return out, nil
}

func filterVisible(keyList []string, spec Spec, now time.Time) []string {
	if spec.Hidden {
		return keyList
	}
	out := make([]string, 0, len(keyList))
	for _, k := range keyList {
		if rules.IsVisible(k, now) {
			out = append(out, k)
		}
	}
	return out
}

// buildRow assembles the projection row for (user, key) from the
// resolved set and the rule store's flags.
func buildRow(user, key string, now time.Time, resolved map[string]models.Current) models.Row {
	row := models.Row{
		User:    user,
		Key:     key,
		Active:  rules.IsActive(key, now),
		Visible: rules.IsVisible(key, now),
	}
	if _, _, ok := rules.ComputationFor(key); ok {
		row.Compute = true
	}
	if d, ok := rules.DeadlineFor(key); ok {
		due := d.Due
		row.Deadline = &due
	}
	meta := rules.MetaFor(key)
	row.Promotion = meta.Promotion
	row.Order = meta.KeyOrder
	if hasKids, err := hasChildren(key); err == nil {
		row.Children = hasKids
		row.Leaf = !hasKids
	}
	if cur, ok := resolved[key]; ok && cur.User == user {
		ts := cur.TS
		row.TS = &ts
		row.Value = cur.Value
		row.Computed = cur.Computed
		row.Raw = !cur.Computed
		row.Penalized = cur.Penalized
	}
	return row
}

func childKeys(parent string) ([]string, error) {
	var out []string
	err := store.ScanKeys(func(meta store.KeyMeta) bool {
		if meta.Key != "" && meta.Parent == parent && meta.Key != parent {
			out = append(out, meta.Key)
		}
		return true
	})
	return out, err
}

func hasChildren(key string) (bool, error) {
	found := false
	err := store.ScanKeys(func(meta store.KeyMeta) bool {
		if meta.Key != "" && meta.Parent == key && meta.Key != key {
			found = true
			return false
		}
		return true
	})
	return found, err
}
