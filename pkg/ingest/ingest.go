// Package ingest accepts raw grade facts: capability-checked, key-chain
// creating, dataflow-extending, transactional add and multiadd.
package ingest

import (
	"errors"
	"fmt"
	"time"

	"gradedb/pkg/keys"
	"gradedb/pkg/logger"
	"gradedb/pkg/models"
	"gradedb/pkg/resolver"
	"gradedb/pkg/rules"
	"gradedb/pkg/store"
)

// ErrPermission reports an agent whose capabilities do not cover the
// written key.
var ErrPermission = errors.New("agent not permitted for key")

// Entry is one fact to add, with the key in internal form.
type Entry struct {
	User  string       `json:"user"`
	Key   string       `json:"key"`
	TS    time.Time    `json:"ts"`
	Value models.Value `json:"value"`
}

// Add inserts a single raw data point on behalf of agent.
func Add(agent, user, key string, ts time.Time, value models.Value) error {
	return Multiadd(agent, []Entry{{User: user, Key: key, TS: ts, Value: value}})
}

// Multiadd inserts a set of raw data points all-or-nothing: every entry
// is permission-checked and conflict-checked before anything commits.
// The batch also instantiates the computed output keys the written keys
// feed, transitively, and drops the affected current-value cache rows,
// so a failed batch leaves neither data nor dataflow behind.
func Multiadd(agent string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	raws := make([]models.RawEntry, 0, len(entries))
	var ensure []string
	var invalidate [][2]string
	seen := make(map[string]bool)
	for _, e := range entries {
		value, err := models.NormalizeValue(e.Value)
		if err != nil {
			return err
		}
		if err := checkPermission(agent, e.Key); err != nil {
			return err
		}
		raws = append(raws, models.RawEntry{
			User:  e.User,
			Key:   e.Key,
			TS:    e.TS.UTC(),
			Value: value,
			Agent: agent,
		})
		for _, uk := range resolver.Invalidated(e.User, e.Key) {
			invalidate = append(invalidate, uk)
			if !seen[uk[1]] {
				seen[uk[1]] = true
				ensure = append(ensure, uk[1])
			}
		}
	}
	if err := store.ApplyRawBatch(raws, ensure, invalidate); err != nil {
		return err
	}
	for _, e := range entries {
		logger.Info("raw_added", "agent", agent, "user", e.User, "key", keys.Denormalize(e.Key))
	}
	return nil
}

// checkPermission verifies the agent may touch key: write capability for
// existing keys, add capability to create new ones.
func checkPermission(agent, key string) error {
	a, ok := rules.Agent(agent)
	if !ok {
		return fmt.Errorf("%w: unknown agent %q", ErrPermission, agent)
	}
	_, exists, err := store.GetKeyMeta(key)
	if err != nil {
		return err
	}
	patterns := a.Write
	if !exists {
		patterns = append(append([]string(nil), a.Add...), a.Write...)
	}
	for _, p := range patterns {
		if ok, err := keys.Matches(key, p); err == nil && ok {
			return nil
		}
	}
	logger.Warn("permission_denied", "agent", agent, "key", keys.Denormalize(key))
	return fmt.Errorf("%w: agent %q, key %s", ErrPermission, agent, keys.Denormalize(key))
}

