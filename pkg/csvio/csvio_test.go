package csvio

import (
	"bytes"
	"strings"
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
	past := time.Now().UTC().Add(-24 * time.Hour)
	if err := rules.AddActive("*{1,}", past); err != nil {
		t.Fatalf("AddActive: %v", err)
	}
	if err := rules.AddVisible("*{1,}", past); err != nil {
		t.Fatalf("AddVisible: %v", err)
	}
	if err := rules.SetAgent(models.Agent{ID: "importer", Add: []string{"*{1,}"}, Write: []string{"*{1,}"}}); err != nil {
		t.Fatalf("SetAgent: %v", err)
	}
}

// TestImportExportRoundTrip verifies a table survives import and export
// with cell coercion applied.
func TestImportExportRoundTrip(t *testing.T) {
	setup(t)
	in := strings.Join([]string{
		"user,/hw/h1,/hw/h2,/hw/passed",
		"alice,90,85.5,true",
		"bob,70,,false",
	}, "\n") + "\n"

	ts := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	n, err := Import(strings.NewReader(in), "importer", ts)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 5 {
		t.Fatalf("imported %d entries, want 5 (empty cell skipped)", n)
	}

	e, found, err := store.LatestRaw("alice", "hw.h2", ts.Add(time.Hour), nil)
	if err != nil || !found {
		t.Fatalf("LatestRaw: %v found=%v", err, found)
	}
	if e.Value != 85.5 {
		t.Fatalf("hw.h2 = %v (%T), want float 85.5", e.Value, e.Value)
	}
	e, _, _ = store.LatestRaw("bob", "hw.passed", ts.Add(time.Hour), nil)
	if e.Value != false {
		t.Fatalf("hw.passed = %v (%T), want bool false", e.Value, e.Value)
	}
	if found, _ := store.HasRaw("bob", "hw.h2"); found {
		t.Fatalf("empty cell produced a raw point")
	}

	var out bytes.Buffer
	if err := Export(&out, []string{"/hw/h1", "/hw/h2", "/hw/passed"}, false); err != nil {
		t.Fatalf("Export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("export = %q", out.String())
	}
	if lines[0] != "user,/hw/h1,/hw/h2,/hw/passed" {
		t.Fatalf("header = %q", lines[0])
	}
	if lines[1] != "alice,90,85.5,true" {
		t.Fatalf("alice row = %q", lines[1])
	}
	if lines[2] != "bob,70,,false" {
		t.Fatalf("bob row = %q", lines[2])
	}
}

// TestImportRejectsBadHeader verifies the first header cell must be the
// user column.
func TestImportRejectsBadHeader(t *testing.T) {
	setup(t)
	if _, err := Import(strings.NewReader("name,/hw/h1\nalice,1\n"), "importer", time.Now()); err == nil {
		t.Fatalf("bad header accepted")
	}
	if _, err := Import(strings.NewReader("user,not-a-path\nalice,1\n"), "importer", time.Now()); err == nil {
		t.Fatalf("bad key path accepted")
	}
}

// TestImportRejectsRaggedRow verifies cell-count mismatches abort the
// import.
func TestImportRejectsRaggedRow(t *testing.T) {
	setup(t)
	in := "user,/hw/h1,/hw/h2\nalice,1\n"
	if _, err := Import(strings.NewReader(in), "importer", time.Now()); err == nil {
		t.Fatalf("ragged row accepted")
	}
	if found, _ := store.HasRaw("alice", "hw.h1"); found {
		t.Fatalf("failed import leaked a raw point")
	}
}

// TestImportPermissionAllOrNothing verifies an agent without coverage for
// one column keeps the whole import out.
func TestImportPermissionAllOrNothing(t *testing.T) {
	setup(t)
	if err := rules.SetAgent(models.Agent{ID: "narrow", Add: []string{"hw.h1"}}); err != nil {
		t.Fatalf("SetAgent: %v", err)
	}
	in := "user,/hw/h1,/hw/h2\nalice,1,2\n"
	if _, err := Import(strings.NewReader(in), "narrow", time.Now()); err == nil {
		t.Fatalf("out-of-scope column accepted")
	}
	if found, _ := store.HasRaw("alice", "hw.h1"); found {
		t.Fatalf("failed import leaked a raw point")
	}
}

// TestImportEmptyTable verifies a header-only table is a no-op.
func TestImportEmptyTable(t *testing.T) {
	setup(t)
	n, err := Import(strings.NewReader("user,/hw/h1\n"), "importer", time.Now())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 0 {
		t.Fatalf("imported %d entries from empty table", n)
	}
}
