package ingest

import (
	"errors"
	"testing"
	"time"

	"gradedb/pkg/models"
	"gradedb/pkg/rules"
	"gradedb/pkg/store"
)

func setup(t *testing.T) {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	rules.Reset()
	t.Cleanup(func() {
		rules.Reset()
		if err := store.Close(); err != nil {
			t.Fatalf("store.Close: %v", err)
		}
	})
	if err := rules.SetAgent(models.Agent{ID: "grader", Add: []string{"test.*{1,}"}, Write: []string{"test.*{1,}"}}); err != nil {
		t.Fatalf("SetAgent: %v", err)
	}
}

// TestAddCreatesKeyChain verifies an add lands the raw point and
// instantiates the key with its ancestors.
func TestAddCreatesKeyChain(t *testing.T) {
	setup(t)
	ts := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if err := Add("grader", "u1", "test.hw.h1", ts, 90.0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if found, _ := store.HasRaw("u1", "test.hw.h1"); !found {
		t.Fatalf("raw point missing")
	}
	for _, k := range []string{"test", "test.hw", "test.hw.h1"} {
		if _, ok, _ := store.GetKeyMeta(k); !ok {
			t.Fatalf("key %q not created", k)
		}
	}
}

// TestUnknownAgent verifies writes from unregistered agents are refused.
func TestUnknownAgent(t *testing.T) {
	setup(t)
	err := Add("ghost", "u1", "test.hw", time.Now(), 1.0)
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("err = %v, want ErrPermission", err)
	}
}

// TestAddVersusWriteCapability verifies add patterns only create keys
// while write patterns govern existing ones.
func TestAddVersusWriteCapability(t *testing.T) {
	setup(t)
	if err := rules.SetAgent(models.Agent{ID: "creator", Add: []string{"new.*"}}); err != nil {
		t.Fatalf("SetAgent: %v", err)
	}
	ts := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	// creating a fresh key is covered by the add capability
	if err := Add("creator", "u1", "new.thing", ts, 1.0); err != nil {
		t.Fatalf("Add to fresh key: %v", err)
	}
	// the key now exists, so a second write needs the write capability
	err := Add("creator", "u1", "new.thing", ts.Add(time.Hour), 2.0)
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("err = %v, want ErrPermission", err)
	}
	// a key outside every pattern is refused outright
	err = Add("creator", "u1", "other.thing", ts, 1.0)
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("err = %v, want ErrPermission", err)
	}
}

// TestMultiaddAllOrNothing verifies a permission failure late in the
// batch keeps earlier entries out of the store.
func TestMultiaddAllOrNothing(t *testing.T) {
	setup(t)
	ts := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	err := Multiadd("grader", []Entry{
		{User: "u1", Key: "test.hw", TS: ts, Value: 90.0},
		{User: "u1", Key: "secret.hw", TS: ts, Value: 1.0},
	})
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("err = %v, want ErrPermission", err)
	}
	if found, _ := store.HasRaw("u1", "test.hw"); found {
		t.Fatalf("failed batch leaked an entry")
	}
}

// TestAddIdempotentAndConflict verifies duplicate detection at identical
// timestamps.
func TestAddIdempotentAndConflict(t *testing.T) {
	setup(t)
	ts := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if err := Add("grader", "u1", "test.hw", ts, 90.0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := Add("grader", "u1", "test.hw", ts, 90.0); err != nil {
		t.Fatalf("identical re-add: %v", err)
	}
	if err := Add("grader", "u1", "test.hw", ts, 50.0); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	hist, err := store.RawHistory("u1", "test.hw")
	if err != nil {
		t.Fatalf("RawHistory: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
}

// TestAddInvalidatesDownstream verifies a write drops stale cache rows
// for the key and its computed outputs.
func TestAddInvalidatesDownstream(t *testing.T) {
	setup(t)
	if err := rules.AddComputation("test", "total", []string{"hw"}, "f"); err != nil {
		t.Fatalf("AddComputation: %v", err)
	}
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	stale := []models.Current{
		{User: "u1", Key: "test.hw", TS: now, Value: 1.0, CreatedAt: now},
		{User: "u1", Key: "test.total", TS: now, Value: 1.0, CreatedAt: now},
	}
	if _, err := store.ApplyCurrents(stale); err != nil {
		t.Fatalf("ApplyCurrents: %v", err)
	}
	if err := Add("grader", "u1", "test.hw", now.Add(time.Hour), 2.0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, found, _ := store.GetCurrent("u1", "test.hw"); found {
		t.Fatalf("written key kept its cache row")
	}
	if _, found, _ := store.GetCurrent("u1", "test.total"); found {
		t.Fatalf("downstream output kept its cache row")
	}
}

// TestAddExtendsDataflow verifies computed output keys are instantiated
// transitively when an input lands.
func TestAddExtendsDataflow(t *testing.T) {
	setup(t)
	if err := rules.AddComputation("test", "total", []string{"hw"}, "f"); err != nil {
		t.Fatalf("AddComputation: %v", err)
	}
	if err := rules.AddComputation("", "overall", []string{"test.total"}, "f"); err != nil {
		t.Fatalf("AddComputation: %v", err)
	}
	ts := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if err := Add("grader", "u1", "test.hw", ts, 90.0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for _, k := range []string{"test.total", "overall"} {
		if _, ok, _ := store.GetKeyMeta(k); !ok {
			t.Fatalf("output key %q not instantiated", k)
		}
	}
}

// TestMultiaddDataflowAtomic verifies output keys are instantiated with
// the raw commit, so a failed batch instantiates nothing.
func TestMultiaddDataflowAtomic(t *testing.T) {
	setup(t)
	if err := rules.AddComputation("test", "total", []string{"hw"}, "f"); err != nil {
		t.Fatalf("AddComputation: %v", err)
	}
	ts := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if err := Add("grader", "u1", "test.other", ts, 1.0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := Multiadd("grader", []Entry{
		{User: "u1", Key: "test.hw", TS: ts, Value: 90.0},
		{User: "u1", Key: "test.other", TS: ts, Value: 2.0},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if found, _ := store.HasRaw("u1", "test.hw"); found {
		t.Fatalf("failed batch leaked a raw point")
	}
	if _, ok, _ := store.GetKeyMeta("test.total"); ok {
		t.Fatalf("failed batch instantiated an output key")
	}
}

// TestAddRejectsBadValue verifies non-scalar values are refused before
// anything commits.
func TestAddRejectsBadValue(t *testing.T) {
	setup(t)
	err := Add("grader", "u1", "test.hw", time.Now(), map[string]int{"a": 1})
	if err == nil {
		t.Fatalf("non-scalar value accepted")
	}
	if found, _ := store.HasRaw("u1", "test.hw"); found {
		t.Fatalf("bad value landed")
	}
}
