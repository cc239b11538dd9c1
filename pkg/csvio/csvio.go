// Package csvio moves grade tables in and out as CSV: one row per user,
// one column per key path.
package csvio

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"gradedb/pkg/ingest"
	"gradedb/pkg/keys"
	"gradedb/pkg/models"
	"gradedb/pkg/query"
)

// Export writes a CSV table for the given external key paths, one row per
// user. The first column is the user id, the header carries the key paths
// verbatim.
func Export(w io.Writer, paths []string, hidden bool) error {
	internal := make([]string, 0, len(paths))
	for _, p := range paths {
		k, err := keys.Normalize(p)
		if err != nil {
			return err
		}
		internal = append(internal, k)
	}
	pivoted, err := query.Multiget(internal, query.Spec{Hidden: hidden})
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	header := append([]string{"user"}, paths...)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, byKey := range pivoted {
		user := ""
		for _, row := range byKey {
			user = row.User
			break
		}
		rec := make([]string, 0, len(internal)+1)
		rec = append(rec, user)
		for _, k := range internal {
			rec = append(rec, models.ToCSV(byKey[k].Value))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Import reads a CSV table in the Export layout and adds every non-empty
// cell as a raw data point through the agent's capabilities. ts applies to
// every entry. Returns the number of entries added.
func Import(r io.Reader, agentID string, ts time.Time) (int, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("csv header: %w", err)
	}
	if len(header) < 2 || header[0] != "user" {
		return 0, fmt.Errorf("csv header must start with \"user\"")
	}
	cols := make([]string, 0, len(header)-1)
	for _, p := range header[1:] {
		k, err := keys.Normalize(p)
		if err != nil {
			return 0, fmt.Errorf("csv header %q: %w", p, err)
		}
		cols = append(cols, k)
	}

	var entries []ingest.Entry
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("csv line %d: %w", line, err)
		}
		if len(rec) != len(cols)+1 {
			return 0, fmt.Errorf("csv line %d: %d cells, want %d", line, len(rec), len(cols)+1)
		}
		user := rec[0]
		if user == "" {
			return 0, fmt.Errorf("csv line %d: empty user", line)
		}
		for i, cell := range rec[1:] {
			v := models.FromCSV(cell)
			if v == nil {
				continue
			}
			entries = append(entries, ingest.Entry{User: user, Key: cols[i], TS: ts, Value: v})
		}
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := ingest.Multiadd(agentID, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}
