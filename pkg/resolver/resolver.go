// Package resolver materializes current values. Given a (user, key) pair
// lacking a cached current value it decides among three paths: raw (the
// latest applicable data point, penalty-adjusted), computed (recursive
// resolution of the rule's inputs, then the sandboxed compute function,
// then penalty), or pass-through (no data, no rule). Materializations for
// one top-level request are staged in memory and committed in a single
// atomic store batch; concurrent resolutions of the same row are merged
// in flight, and the store's insert-if-absent on cache rows is the final
// tie-breaker.
package resolver

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"gradedb/pkg/evaluator"
	"gradedb/pkg/keys"
	"gradedb/pkg/logger"
	"gradedb/pkg/models"
	"gradedb/pkg/rules"
	"gradedb/pkg/store"
)

// ErrAmbiguousInput reports a non-wildcard input query matching more than
// one active key: a rule-authoring defect, fatal for the resolution.
var ErrAmbiguousInput = errors.New("ambiguous input: non-wildcard query matched multiple active keys")

var flights singleflight.Group

// resolution is the per-request state: staged cache rows and the cycle
// guard for the depth-first input walk.
type resolution struct {
	now      time.Time
	staged   map[string]models.Current
	missing  map[string]bool
	visiting map[string]bool
}

func newResolution(now time.Time) *resolution {
	return &resolution{
		now:      now,
		staged:   make(map[string]models.Current),
		missing:  make(map[string]bool),
		visiting: make(map[string]bool),
	}
}

func pairKey(user, key string) string { return user + "\x00" + key }

// Resolve materializes the current value for one (user, key), committing
// in its own batch. ok is false for pass-through rows.
func Resolve(user, key string, now time.Time) (models.Current, bool, error) {
	res, err := ResolveAll(user, []string{key}, now)
	if err != nil {
		return models.Current{}, false, err
	}
	cur, ok := res[key]
	return cur, ok, nil
}

// ResolveAll materializes current values for several keys of one user as
// a single all-or-nothing batch. The returned map omits pass-through
// keys. Any storage or evaluation error aborts the whole batch with
// nothing committed.
func ResolveAll(user string, keyList []string, now time.Time) (map[string]models.Current, error) {
	r := newResolution(now)
	for _, k := range keyList {
		if _, _, err := r.resolve(user, k); err != nil {
			return nil, err
		}
	}
	return r.commit()
}

// commit applies every staged row atomically and rereads rows that lost
// an insert race, so callers observe the canonical stored values.
func (r *resolution) commit() (map[string]models.Current, error) {
	if len(r.staged) == 0 {
		return map[string]models.Current{}, nil
	}
	curs := make([]models.Current, 0, len(r.staged))
	for _, cur := range r.staged {
		curs = append(curs, cur)
	}
	applied, err := store.ApplyCurrents(curs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Current, len(applied))
	for _, cur := range applied {
		out[cur.Key] = cur
	}
	return out, nil
}

// resolve returns the current value for (user, key), materializing it
// into the staged set if needed. ok is false for pass-through rows.
func (r *resolution) resolve(user, key string) (models.Current, bool, error) {
	pk := pairKey(user, key)
	if cur, ok := r.staged[pk]; ok {
		return cur, true, nil
	}
	if r.missing[pk] {
		return models.Current{}, false, nil
	}
	if cur, ok, err := store.GetCurrent(user, key); err != nil {
		return models.Current{}, false, err
	} else if ok {
		return cur, true, nil
	}
	if r.visiting[pk] {
		return models.Current{}, false, fmt.Errorf("dataflow cycle at %s for %s", keys.Denormalize(key), user)
	}
	r.visiting[pk] = true
	defer delete(r.visiting, pk)

	type outcome struct {
		cur models.Current
		ok  bool
	}
	v, err, _ := flights.Do(pk, func() (interface{}, error) {
		cur, ok, err := r.materialize(user, key)
		return outcome{cur, ok}, err
	})
	if err != nil {
		return models.Current{}, false, err
	}
	o := v.(outcome)
	if o.ok {
		r.staged[pk] = o.cur
	} else {
		r.missing[pk] = true
	}
	return o.cur, o.ok, nil
}

// materialize computes (but does not persist) the current value.
func (r *resolution) materialize(user, key string) (models.Current, bool, error) {
	var due *time.Time
	if d, ok := rules.DeadlineFor(key); ok {
		due = &d.Due
	}
	raw, found, err := store.LatestRaw(user, key, r.now, due)
	if err != nil {
		return models.Current{}, false, err
	}
	if found {
		value, penalized, err := applyPenalty(key, raw.TS, raw.Value)
		if err != nil {
			return models.Current{}, false, err
		}
		return models.Current{
			User:      user,
			Key:       key,
			TS:        raw.TS,
			Value:     value,
			Computed:  false,
			Penalized: penalized,
			CreatedAt: time.Now().UTC(),
		}, true, nil
	}

	rule, base, ok := rules.ComputationFor(key)
	if !ok {
		return models.Current{}, false, nil
	}
	cur, err := r.compute(user, key, rule, base)
	if err != nil {
		return models.Current{}, false, err
	}
	return cur, true, nil
}

// compute resolves the rule's inputs depth-first, runs the sandboxed
// function and stamps the output with the max input timestamp.
func (r *resolution) compute(user, key string, rule rules.Computation, base string) (models.Current, error) {
	queries := rule.InputQueries(base)
	args := make([]models.Value, 0, len(queries))
	rowsByQuery := make(map[string][]evaluator.Row, len(queries))
	var maxTS time.Time

	for _, qsrc := range queries {
		q, err := keys.CompileQuery(qsrc)
		if err != nil {
			return models.Current{}, err
		}
		matched, err := activeKeysMatching(q, r.now)
		if err != nil {
			return models.Current{}, err
		}
		inRows := make([]evaluator.Row, 0, len(matched))
		vals := make([]models.Value, 0, len(matched))
		for _, ik := range matched {
			cur, ok, err := r.resolve(user, ik)
			if err != nil {
				return models.Current{}, err
			}
			row := evaluator.Row{User: user, Key: ik}
			if ok {
				ts := cur.TS
				row.TS = &ts
				row.Value = cur.Value
				if ts.After(maxTS) {
					maxTS = ts
				}
			}
			inRows = append(inRows, row)
			vals = append(vals, row.Value)
		}
		rowsByQuery[qsrc] = inRows
		if !q.HasWildcard() {
			switch len(vals) {
			case 0:
				args = append(args, nil)
			case 1:
				args = append(args, vals[0])
			default:
				logger.Error("ambiguous_input", "query", qsrc, "matches", len(matched))
				return models.Current{}, fmt.Errorf("%w: %s", ErrAmbiguousInput, keys.DenormalizeQuery(qsrc))
			}
		} else {
			args = append(args, vals)
		}
	}

	compiled, err := evaluator.Prepare(rule.Fn)
	if err != nil {
		return models.Current{}, err
	}
	value, err := compiled.Invoke(args, rowsByQuery)
	if err != nil {
		return models.Current{}, fmt.Errorf("compute %s for %s: %w", keys.Denormalize(key), user, err)
	}

	ts := maxTS
	if ts.IsZero() {
		ts = r.now
	}
	value, penalized, err := applyPenalty(key, ts, value)
	if err != nil {
		return models.Current{}, err
	}
	return models.Current{
		User:      user,
		Key:       key,
		TS:        ts.UTC(),
		Value:     value,
		Computed:  true,
		Penalized: penalized,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// activeKeysMatching enumerates stored keys satisfying q that are active
// at now, in the store's natural key order.
func activeKeysMatching(q *keys.Query, now time.Time) ([]string, error) {
	var out []string
	err := store.ScanKeys(func(meta store.KeyMeta) bool {
		if q.Match(meta.Key) && rules.IsActive(meta.Key, now) {
			out = append(out, meta.Key)
		}
		return true
	})
	return out, err
}

// applyPenalty passes value through the governing deadline's penalty
// function when ts falls after the deadline.
func applyPenalty(key string, ts time.Time, value models.Value) (models.Value, bool, error) {
	d, ok := rules.DeadlineFor(key)
	if !ok || !ts.After(d.Due) {
		return value, false, nil
	}
	p, ok := rules.GetPenalty(d.Penalty)
	if !ok {
		return nil, false, fmt.Errorf("deadline for %s names unknown penalty %q", keys.Denormalize(key), d.Penalty)
	}
	adjusted, err := evaluator.InvokePenalty(p.Fn, d.Due, ts, value)
	if err != nil {
		return nil, false, fmt.Errorf("penalty %s: %w", p.ID, err)
	}
	return adjusted, true, nil
}

// Invalidated returns the (user, key) cache rows that must be dropped
// when a raw point lands on key for user: the key itself plus its
// transitive computed outputs.
func Invalidated(user, key string) [][2]string {
	seen := map[string]bool{key: true}
	queue := []string{key}
	out := [][2]string{{user, key}}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		for _, outKey := range rules.OutputsForInput(k) {
			if seen[outKey] {
				continue
			}
			seen[outKey] = true
			out = append(out, [2]string{user, outKey})
			queue = append(queue, outKey)
		}
	}
	return out
}
