package store

import (
	"errors"
	"testing"
	"time"

	"gradedb/pkg/models"
)

func openTestStore(t *testing.T) {
	t.Helper()
	if err := Open(t.TempDir()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	})
}

// TestEnsureKeyCreatesAncestors verifies the whole key chain is
// instantiated, root included.
func TestEnsureKeyCreatesAncestors(t *testing.T) {
	openTestStore(t)
	if err := EnsureKey("course.hw.h1.grade"); err != nil {
		t.Fatalf("EnsureKey: %v", err)
	}
	for _, k := range []string{"", "course", "course.hw", "course.hw.h1", "course.hw.h1.grade"} {
		meta, ok, err := GetKeyMeta(k)
		if err != nil {
			t.Fatalf("GetKeyMeta(%q): %v", k, err)
		}
		if !ok {
			t.Fatalf("key %q missing", k)
		}
		if meta.Key != k {
			t.Fatalf("meta.Key = %q, want %q", meta.Key, k)
		}
	}
	meta, _, _ := GetKeyMeta("course.hw.h1")
	if meta.Parent != "course.hw" {
		t.Fatalf("parent = %q", meta.Parent)
	}
}

// TestAppendRawIdempotent verifies re-adding an identical point is a
// silent no-op.
func TestAppendRawIdempotent(t *testing.T) {
	openTestStore(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := models.RawEntry{User: "u1", Key: "course.hw", TS: ts, Value: 90.0, Agent: "grader"}
	for i := 0; i < 2; i++ {
		if err := AppendRaw(e, nil); err != nil {
			t.Fatalf("AppendRaw #%d: %v", i, err)
		}
	}
	hist, err := RawHistory("u1", "course.hw")
	if err != nil {
		t.Fatalf("RawHistory: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
}

// TestAppendRawConflict verifies a differing value at an identical
// timestamp fails the whole batch with ErrConflict.
func TestAppendRawConflict(t *testing.T) {
	openTestStore(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := AppendRaw(models.RawEntry{User: "u1", Key: "k", TS: ts, Value: 90.0}, nil); err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}
	err := ApplyRawBatch([]models.RawEntry{
		{User: "u1", Key: "other", TS: ts, Value: 1.0},
		{User: "u1", Key: "k", TS: ts, Value: 50.0},
	}, nil, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	// nothing from the failed batch may have landed
	if found, _ := HasRaw("u1", "other"); found {
		t.Fatalf("failed batch leaked a raw point")
	}
}

// TestLatestRawOrdering verifies latest-timestamp-wins with insertion
// order breaking exact ties.
func TestLatestRawOrdering(t *testing.T) {
	openTestStore(t)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	early := now.Add(-48 * time.Hour)
	late := now.Add(-1 * time.Hour)
	future := now.Add(24 * time.Hour)
	for _, e := range []models.RawEntry{
		{User: "u1", Key: "k", TS: early, Value: 10.0},
		{User: "u1", Key: "k", TS: late, Value: 20.0},
		{User: "u1", Key: "k", TS: future, Value: 99.0},
	} {
		if err := AppendRaw(e, nil); err != nil {
			t.Fatalf("AppendRaw: %v", err)
		}
	}
	best, found, err := LatestRaw("u1", "k", now, nil)
	if err != nil || !found {
		t.Fatalf("LatestRaw: %v found=%v", err, found)
	}
	if best.Value != 20.0 {
		t.Fatalf("latest value = %v, want 20 (future points excluded)", best.Value)
	}
}

// TestLatestRawDeadlineSelection verifies deadline-aware selection: the
// latest on-time point beats any later late point, and with only late
// points the earliest one is current.
func TestLatestRawDeadlineSelection(t *testing.T) {
	openTestStore(t)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	due := now.Add(-72 * time.Hour)
	for _, e := range []models.RawEntry{
		{User: "u1", Key: "k", TS: due.Add(-2 * time.Hour), Value: "draft"},
		{User: "u1", Key: "k", TS: due.Add(-time.Hour), Value: "work"},
		{User: "u1", Key: "k", TS: due.Add(24 * time.Hour), Value: "late work"},
	} {
		if err := AppendRaw(e, nil); err != nil {
			t.Fatalf("AppendRaw: %v", err)
		}
	}
	best, found, err := LatestRaw("u1", "k", now, &due)
	if err != nil || !found {
		t.Fatalf("LatestRaw: %v found=%v", err, found)
	}
	if best.Value != "work" {
		t.Fatalf("current = %v, want latest on-time point", best.Value)
	}

	for _, e := range []models.RawEntry{
		{User: "u2", Key: "k", TS: due.Add(24 * time.Hour), Value: "first late"},
		{User: "u2", Key: "k", TS: due.Add(48 * time.Hour), Value: "second late"},
	} {
		if err := AppendRaw(e, nil); err != nil {
			t.Fatalf("AppendRaw: %v", err)
		}
	}
	best, found, err = LatestRaw("u2", "k", now, &due)
	if err != nil || !found {
		t.Fatalf("LatestRaw: %v found=%v", err, found)
	}
	if best.Value != "first late" {
		t.Fatalf("current = %v, want earliest late point", best.Value)
	}
}

// TestApplyRawBatchEnsuresExtraKeys verifies ensure-listed key chains land
// with the batch and stay out when it fails.
func TestApplyRawBatchEnsuresExtraKeys(t *testing.T) {
	openTestStore(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []models.RawEntry{{User: "u1", Key: "course.hw", TS: ts, Value: 90.0}}
	if err := ApplyRawBatch(entries, []string{"course.total"}, nil); err != nil {
		t.Fatalf("ApplyRawBatch: %v", err)
	}
	if _, ok, _ := GetKeyMeta("course.total"); !ok {
		t.Fatalf("ensured key missing")
	}

	bad := []models.RawEntry{{User: "u1", Key: "course.hw", TS: ts, Value: 50.0}}
	err := ApplyRawBatch(bad, []string{"course.extra"}, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if _, ok, _ := GetKeyMeta("course.extra"); ok {
		t.Fatalf("failed batch instantiated its ensure list")
	}
}

// TestApplyCurrentsInsertIfAbsent verifies a row losing the insert race
// is replaced by the stored row on reread.
func TestApplyCurrentsInsertIfAbsent(t *testing.T) {
	openTestStore(t)
	ts := time.Now().UTC()
	first := models.Current{User: "u1", Key: "k", TS: ts, Value: 1.0, CreatedAt: ts}
	if _, err := ApplyCurrents([]models.Current{first}); err != nil {
		t.Fatalf("ApplyCurrents: %v", err)
	}
	second := models.Current{User: "u1", Key: "k", TS: ts, Value: 2.0, CreatedAt: ts}
	out, err := ApplyCurrents([]models.Current{second})
	if err != nil {
		t.Fatalf("ApplyCurrents: %v", err)
	}
	if len(out) != 1 || out[0].Value != 1.0 {
		t.Fatalf("race loser got %v, want stored value 1", out)
	}
	if err := DeleteCurrents([][2]string{{"u1", "k"}}); err != nil {
		t.Fatalf("DeleteCurrents: %v", err)
	}
	if _, ok, _ := GetCurrent("u1", "k"); ok {
		t.Fatalf("current row survived delete")
	}
}

// TestRulePersistence verifies rules replay in insertion order per kind.
func TestRulePersistence(t *testing.T) {
	openTestStore(t)
	for i, data := range []string{`{"a":1}`, `{"a":2}`, `{"a":3}`} {
		if err := PutRule("compute", uint64(i+1), []byte(data)); err != nil {
			t.Fatalf("PutRule: %v", err)
		}
	}
	var got []string
	err := ScanRules("compute", func(data []byte) error {
		got = append(got, string(data))
		return nil
	})
	if err != nil {
		t.Fatalf("ScanRules: %v", err)
	}
	if len(got) != 3 || got[0] != `{"a":1}` || got[2] != `{"a":3}` {
		t.Fatalf("replayed rules = %v", got)
	}
}

// TestListUsers verifies distinct users are reported once each.
func TestListUsers(t *testing.T) {
	openTestStore(t)
	ts := time.Now().UTC()
	for _, u := range []string{"alice", "bob", "alice"} {
		e := models.RawEntry{User: u, Key: "k", TS: ts, Value: 1.0}
		if err := AppendRaw(e, nil); err != nil {
			t.Fatalf("AppendRaw: %v", err)
		}
		ts = ts.Add(time.Second)
	}
	users, err := ListUsers()
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("users = %v", users)
	}
}

// TestMarkPrecompute verifies the sweep queue round-trips.
func TestMarkPrecompute(t *testing.T) {
	openTestStore(t)
	if err := MarkPrecompute("course.total"); err != nil {
		t.Fatalf("MarkPrecompute: %v", err)
	}
	out, err := ListPrecompute()
	if err != nil {
		t.Fatalf("ListPrecompute: %v", err)
	}
	if len(out) != 1 || out[0] != "course.total" {
		t.Fatalf("precompute = %v", out)
	}
}
