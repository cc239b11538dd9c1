package rules

import (
	"testing"
	"time"

	"gradedb/pkg/store"
)

func setup(t *testing.T) {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	Reset()
	t.Cleanup(func() {
		Reset()
		if err := store.Close(); err != nil {
			t.Fatalf("store.Close: %v", err)
		}
	})
}

// TestComputationForSuffixMatch verifies the output shape is matched as a
// key suffix and the base prefix must satisfy the rule's base query.
func TestComputationForSuffixMatch(t *testing.T) {
	setup(t)
	if err := AddComputation("test.*", "grade", []string{"raw"}, "return function(r) return 0 end"); err != nil {
		t.Fatalf("AddComputation: %v", err)
	}
	r, base, ok := ComputationFor("test.alpha.grade")
	if !ok {
		t.Fatalf("no rule matched")
	}
	if base != "test.alpha" || r.Output != "grade" {
		t.Fatalf("base = %q, output = %q", base, r.Output)
	}
	if _, _, ok := ComputationFor("exam.alpha.grade"); ok {
		t.Fatalf("base outside the rule's query matched")
	}
	if _, _, ok := ComputationFor("test.alpha.score"); ok {
		t.Fatalf("wrong output suffix matched")
	}
}

// TestZeroInputNeedsConcreteBase verifies a rule without inputs rejects a
// wildcard base.
func TestZeroInputNeedsConcreteBase(t *testing.T) {
	setup(t)
	if err := AddComputation("test.*", "bonus", nil, "return function() return 1 end"); err == nil {
		t.Fatalf("wildcard base with zero inputs accepted")
	}
	if err := AddComputation("test.alpha", "bonus", nil, "return function() return 1 end"); err != nil {
		t.Fatalf("concrete base rejected: %v", err)
	}
}

// TestOutputsForInput verifies a raw write is mapped to every output key
// it can invalidate.
func TestOutputsForInput(t *testing.T) {
	setup(t)
	if err := AddComputation("test.*", "grade", []string{"raw", "late"}, "f"); err != nil {
		t.Fatalf("AddComputation: %v", err)
	}
	if err := AddComputation("test", "total", []string{"*.grade"}, "f"); err != nil {
		t.Fatalf("AddComputation: %v", err)
	}
	out := OutputsForInput("test.alpha.raw")
	if len(out) != 1 || out[0] != "test.alpha.grade" {
		t.Fatalf("outputs for raw = %v", out)
	}
	out = OutputsForInput("test.alpha.grade")
	if len(out) != 1 || out[0] != "test.total" {
		t.Fatalf("outputs for grade = %v", out)
	}
	if out := OutputsForInput("exam.alpha.raw"); len(out) != 0 {
		t.Fatalf("unrelated key produced outputs %v", out)
	}
}

// TestGateLastWins verifies the most recently registered matching gate
// governs, even when it moves the boundary into the future.
func TestGateLastWins(t *testing.T) {
	setup(t)
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if IsActive("test.alpha", now) {
		t.Fatalf("ungated key reported active")
	}
	if err := AddActive("test.*", now.Add(-time.Hour)); err != nil {
		t.Fatalf("AddActive: %v", err)
	}
	if !IsActive("test.alpha", now) {
		t.Fatalf("open gate reported inactive")
	}
	// re-register with a future boundary
	if err := AddActive("test.alpha", now.Add(time.Hour)); err != nil {
		t.Fatalf("AddActive: %v", err)
	}
	if IsActive("test.alpha", now) {
		t.Fatalf("later gate did not govern")
	}
	if !IsActive("test.beta", now) {
		t.Fatalf("sibling key affected by narrower gate")
	}
	if IsVisible("test.alpha", now) {
		t.Fatalf("visible gate leaked from active registrations")
	}
}

// TestDeadlineLastWins verifies the latest matching deadline registration
// governs.
func TestDeadlineLastWins(t *testing.T) {
	setup(t)
	due1 := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	due2 := due1.Add(72 * time.Hour)
	if err := AddDeadline("test.*.raw", due1, "halve"); err != nil {
		t.Fatalf("AddDeadline: %v", err)
	}
	if err := AddDeadline("test.alpha.raw", due2, "zero"); err != nil {
		t.Fatalf("AddDeadline: %v", err)
	}
	d, ok := DeadlineFor("test.alpha.raw")
	if !ok || !d.Due.Equal(due2) || d.Penalty != "zero" {
		t.Fatalf("governing deadline = %+v, %v", d, ok)
	}
	d, ok = DeadlineFor("test.beta.raw")
	if !ok || !d.Due.Equal(due1) {
		t.Fatalf("sibling deadline = %+v, %v", d, ok)
	}
	if _, ok := DeadlineFor("exam.raw"); ok {
		t.Fatalf("unmatched key got a deadline")
	}
}

// TestMetaForMaximizes verifies overlapping metadata rules merge by
// maximizing numeric fields.
func TestMetaForMaximizes(t *testing.T) {
	setup(t)
	if err := AddMeta(Meta{Pattern: "test.*", Promotion: 1, KeyComment: "weekly"}); err != nil {
		t.Fatalf("AddMeta: %v", err)
	}
	if err := AddMeta(Meta{Pattern: "test.alpha", Promotion: 3, KeyOrder: 7}); err != nil {
		t.Fatalf("AddMeta: %v", err)
	}
	m := MetaFor("test.alpha")
	if m.Promotion != 3 || m.KeyOrder != 7 || m.KeyComment != "weekly" {
		t.Fatalf("merged meta = %+v", m)
	}
	if Promotion("test.beta") != 1 {
		t.Fatalf("Promotion(test.beta) = %d", Promotion("test.beta"))
	}
}

// TestLoadReplaysPersisted verifies a fresh registry rebuilds itself from
// the store.
func TestLoadReplaysPersisted(t *testing.T) {
	setup(t)
	due := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := AddComputation("test.alpha", "grade", []string{"raw"}, "f"); err != nil {
		t.Fatalf("AddComputation: %v", err)
	}
	if err := AddPenalty("halve", "half credit", "return function(d,t,v) return v/2 end"); err != nil {
		t.Fatalf("AddPenalty: %v", err)
	}
	if err := AddDeadline("test.alpha.raw", due, "halve"); err != nil {
		t.Fatalf("AddDeadline: %v", err)
	}
	Reset()
	if _, _, ok := ComputationFor("test.alpha.grade"); ok {
		t.Fatalf("reset registry still answers")
	}
	if err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, _, ok := ComputationFor("test.alpha.grade"); !ok {
		t.Fatalf("computation not replayed")
	}
	if p, ok := GetPenalty("halve"); !ok || p.Description != "half credit" {
		t.Fatalf("penalty not replayed: %+v, %v", p, ok)
	}
	if d, ok := DeadlineFor("test.alpha.raw"); !ok || !d.Due.Equal(due) {
		t.Fatalf("deadline not replayed: %+v, %v", d, ok)
	}
}
