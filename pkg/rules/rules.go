// Package rules is the declarative rule store: computation rules wiring
// output keys to input key queries, deadline penalty windows, time-gated
// active/visible flags, presentation metadata and agent capabilities.
// Rules are append-only, persisted through the store and indexed in
// memory for lookup.
package rules

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gradedb/pkg/keys"
	"gradedb/pkg/logger"
	"gradedb/pkg/models"
	"gradedb/pkg/store"
)

// Computation maps output keys of shape base.output to an evaluator
// function over the rows matched by base.input queries.
type Computation struct {
	Base   string   `json:"base"`
	Output string   `json:"output"`
	Inputs []string `json:"inputs"`
	Fn     string   `json:"fn"`
}

// Deadline applies a named penalty to raw points later than Due.
type Deadline struct {
	Pattern string    `json:"pattern"`
	Due     time.Time `json:"due"`
	Penalty string    `json:"penalty"`
}

// TimeGate flips a flag (active or visible) once now reaches After.
type TimeGate struct {
	Pattern string    `json:"pattern"`
	After   time.Time `json:"after"`
}

// Penalty is a named evaluator function (due, ts, value) -> value.
type Penalty struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Fn          string `json:"fn"`
}

// Meta carries presentation metadata for keys matching Pattern. Numeric
// conflicts between overlapping rules resolve by maximizing the value.
type Meta struct {
	Pattern       string `json:"pattern"`
	Promotion     int    `json:"promotion,omitempty"`
	KeyOrder      int    `json:"key_order,omitempty"`
	KeyComment    string `json:"key_comment,omitempty"`
	ValuesComment string `json:"values_comment,omitempty"`
}

type registry struct {
	mu           sync.RWMutex
	n            uint64
	computations []Computation
	deadlines    []Deadline
	actives      []TimeGate
	visibles     []TimeGate
	penalties    map[string]Penalty
	metas        []Meta
	agents       map[string]models.Agent
}

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{
		penalties: make(map[string]Penalty),
		agents:    make(map[string]models.Agent),
	}
}

// Reset drops the in-memory registry. Intended for tests; persisted rules
// are untouched.
func Reset() {
	reg = newRegistry()
}

// Load replays persisted rules into the in-memory index.
func Load() error {
	kinds := map[string]func(data []byte) error{
		"compute":  func(d []byte) error { var r Computation; return replay(d, &r, func() { reg.computations = append(reg.computations, r) }) },
		"deadline": func(d []byte) error { var r Deadline; return replay(d, &r, func() { reg.deadlines = append(reg.deadlines, r) }) },
		"active":   func(d []byte) error { var r TimeGate; return replay(d, &r, func() { reg.actives = append(reg.actives, r) }) },
		"visible":  func(d []byte) error { var r TimeGate; return replay(d, &r, func() { reg.visibles = append(reg.visibles, r) }) },
		"penalty":  func(d []byte) error { var r Penalty; return replay(d, &r, func() { reg.penalties[r.ID] = r }) },
		"meta":     func(d []byte) error { var r Meta; return replay(d, &r, func() { reg.metas = append(reg.metas, r) }) },
		"agent":    func(d []byte) error { var r models.Agent; return replay(d, &r, func() { reg.agents[r.ID] = r }) },
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for kind, fn := range kinds {
		if err := store.ScanRules(kind, fn); err != nil {
			return fmt.Errorf("load %s rules: %w", kind, err)
		}
	}
	return nil
}

func replay(data []byte, into interface{}, commit func()) error {
	if err := json.Unmarshal(data, into); err != nil {
		return err
	}
	commit()
	reg.n++
	return nil
}

func persist(kind string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	reg.n++
	return store.PutRule(kind, reg.n, data)
}

// AddComputation registers a computation rule. A rule with no inputs must
// have a fully concrete base, since there is no input key to instantiate
// wildcard components from.
func AddComputation(base, output string, inputs []string, fn string) error {
	bq, err := keys.CompileQuery(base)
	if err != nil {
		return err
	}
	if len(inputs) == 0 && !bq.IsConcrete() {
		return fmt.Errorf("%w: zero-input rule needs concrete base %q", keys.ErrInvalidQuery, base)
	}
	for _, l := range keys.Labels(output) {
		if !keys.ValidLabel(l) {
			return fmt.Errorf("%w: output suffix %q", keys.ErrInvalidKey, output)
		}
	}
	for _, in := range inputs {
		if _, err := keys.CompileQuery(joinQuery(base, in)); err != nil {
			return err
		}
	}
	r := Computation{Base: base, Output: output, Inputs: inputs, Fn: fn}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if err := persist("compute", r); err != nil {
		return err
	}
	reg.computations = append(reg.computations, r)
	logger.Info("rule_added", "kind", "compute", "base", base, "output", output)
	return nil
}

// AddDeadline registers a deadline rule referencing a named penalty.
func AddDeadline(pattern string, due time.Time, penaltyID string) error {
	if _, err := keys.CompileQuery(pattern); err != nil {
		return err
	}
	r := Deadline{Pattern: pattern, Due: due.UTC(), Penalty: penaltyID}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if err := persist("deadline", r); err != nil {
		return err
	}
	reg.deadlines = append(reg.deadlines, r)
	logger.Info("rule_added", "kind", "deadline", "pattern", pattern, "due", r.Due)
	return nil
}

// AddActive registers an active gate. Re-registering a pattern with a
// later effective time downgrades matching keys until that time passes.
func AddActive(pattern string, after time.Time) error {
	return addGate("active", pattern, after, &reg.actives)
}

// AddVisible registers a visible gate.
func AddVisible(pattern string, after time.Time) error {
	return addGate("visible", pattern, after, &reg.visibles)
}

func addGate(kind, pattern string, after time.Time, into *[]TimeGate) error {
	if _, err := keys.CompileQuery(pattern); err != nil {
		return err
	}
	r := TimeGate{Pattern: pattern, After: after.UTC()}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if err := persist(kind, r); err != nil {
		return err
	}
	*into = append(*into, r)
	logger.Info("rule_added", "kind", kind, "pattern", pattern, "after", r.After)
	return nil
}

// AddPenalty registers a named penalty function.
func AddPenalty(id, description, fn string) error {
	r := Penalty{ID: id, Description: description, Fn: fn}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if err := persist("penalty", r); err != nil {
		return err
	}
	reg.penalties[id] = r
	return nil
}

// AddMeta registers presentation metadata.
func AddMeta(m Meta) error {
	if _, err := keys.CompileQuery(m.Pattern); err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if err := persist("meta", m); err != nil {
		return err
	}
	reg.metas = append(reg.metas, m)
	return nil
}

// SetAgent registers (or replaces) an agent identity.
func SetAgent(a models.Agent) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if err := persist("agent", a); err != nil {
		return err
	}
	reg.agents[a.ID] = a
	return nil
}

// Agent returns a registered agent by id.
func Agent(id string) (models.Agent, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	a, ok := reg.agents[id]
	return a, ok
}

// GetPenalty returns a named penalty function.
func GetPenalty(id string) (Penalty, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	p, ok := reg.penalties[id]
	return p, ok
}

// IsActive reports whether key's value feeds computations at now. The
// most recent matching gate governs.
func IsActive(key string, now time.Time) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return gateOpen(reg.actives, key, now)
}

// IsVisible reports whether key is answerable to non-staff callers at now.
func IsVisible(key string, now time.Time) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return gateOpen(reg.visibles, key, now)
}

func gateOpen(gates []TimeGate, key string, now time.Time) bool {
	governing, ok := lastGate(gates, key)
	return ok && !now.Before(governing.After)
}

func lastGate(gates []TimeGate, key string) (TimeGate, bool) {
	var out TimeGate
	found := false
	for _, g := range gates {
		if ok, _ := keys.Matches(key, g.Pattern); ok {
			out = g
			found = true
		}
	}
	return out, found
}

// DeadlineFor returns the governing deadline rule for key, if any. The
// most recent matching registration wins.
func DeadlineFor(key string) (Deadline, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	var out Deadline
	found := false
	for _, d := range reg.deadlines {
		if ok, _ := keys.Matches(key, d.Pattern); ok {
			out = d
			found = true
		}
	}
	return out, found
}

// ComputationFor returns the rule computing key together with the matched
// base prefix, or false when no rule's output shape covers key.
func ComputationFor(key string) (Computation, string, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	labels := keys.Labels(key)
	for _, r := range reg.computations {
		out := keys.Labels(r.Output)
		if len(labels) < len(out) {
			continue
		}
		cut := len(labels) - len(out)
		if keys.Join(labels[cut:]) != r.Output {
			continue
		}
		base := keys.Join(labels[:cut])
		bq, err := keys.CompileQuery(r.Base)
		if err != nil {
			continue
		}
		if bq.Match(base) {
			return r, base, true
		}
	}
	return Computation{}, "", false
}

// OutputsForInput returns the output keys instantiated by a write to key:
// for every rule input query key satisfies, the rule's output under the
// matched base prefix.
func OutputsForInput(key string) []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	var out []string
	labels := keys.Labels(key)
	for _, r := range reg.computations {
		bq, err := keys.CompileQuery(r.Base)
		if err != nil {
			continue
		}
		for _, in := range r.Inputs {
			for _, n := range bq.MatchPrefix(key) {
				suffix := keys.Join(labels[n:])
				if ok, err := keys.Matches(suffix, in); err != nil || !ok {
					continue
				}
				out = append(out, joinQuery(keys.Join(labels[:n]), r.Output))
			}
		}
	}
	return out
}

// InputQueries returns the fully-qualified input queries of a computation
// rule instantiated at base.
func (r Computation) InputQueries(base string) []string {
	out := make([]string, len(r.Inputs))
	for i, in := range r.Inputs {
		out[i] = joinQuery(base, in)
	}
	return out
}

// Promotion returns the maximum promotion among matching metadata rules.
func Promotion(key string) int {
	return maxMeta(key, func(m Meta) int { return m.Promotion })
}

// Order returns the maximum declared key order among matching metadata.
func Order(key string) int {
	return maxMeta(key, func(m Meta) int { return m.KeyOrder })
}

// MetaFor merges every matching metadata rule, maximizing numeric fields
// and keeping the latest non-empty comments.
func MetaFor(key string) Meta {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := Meta{}
	for _, m := range reg.metas {
		if ok, _ := keys.Matches(key, m.Pattern); !ok {
			continue
		}
		if m.Promotion > out.Promotion {
			out.Promotion = m.Promotion
		}
		if m.KeyOrder > out.KeyOrder {
			out.KeyOrder = m.KeyOrder
		}
		if m.KeyComment != "" {
			out.KeyComment = m.KeyComment
		}
		if m.ValuesComment != "" {
			out.ValuesComment = m.ValuesComment
		}
	}
	return out
}

func maxMeta(key string, field func(Meta) int) int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := 0
	for _, m := range reg.metas {
		if ok, _ := keys.Matches(key, m.Pattern); ok && field(m) > out {
			out = field(m)
		}
	}
	return out
}

// Computations returns a snapshot of registered computation rules.
func Computations() []Computation {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return append([]Computation(nil), reg.computations...)
}

// Gates returns snapshots of the active and visible gates, in
// registration order.
func Gates() (active, visible []TimeGate) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return append([]TimeGate(nil), reg.actives...), append([]TimeGate(nil), reg.visibles...)
}

// joinQuery appends a suffix query to a base prefix, handling the root.
func joinQuery(base, suffix string) string {
	if base == keys.Root {
		return suffix
	}
	if suffix == "" {
		return base
	}
	return base + "." + suffix
}

// JoinQuery is joinQuery for callers outside the package.
func JoinQuery(base, suffix string) string { return joinQuery(base, suffix) }
