package query

import (
	"time"

	"gradedb/pkg/logger"
	"gradedb/pkg/models"
	"gradedb/pkg/resolver"
	"gradedb/pkg/store"
)

// Batch is one incremental delivery: freshly resolved rows, or the
// terminal error that aborted the stream.
type Batch struct {
	Rows []models.Row
	Err  error
}

// Stream splits the rows selected by spec into those already carrying a
// cached current value, returned immediately, and those still requiring
// resolution, delivered one at a time on the returned channel. The
// channel is nil when everything was already resolved; otherwise it is
// closed after the last batch.
func Stream(spec Spec) ([]models.Row, <-chan Batch, error) {
	kids, err := childKeys(spec.Key)
	if err != nil {
		return nil, nil, err
	}
	users, err := spec.users()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	visible := filterVisible(kids, spec, now)

	type pending struct {
		user string
		key  string
	}
	var ready []models.Row
	var todo []pending
	for _, user := range users {
		for _, k := range visible {
			cur, ok, err := store.GetCurrent(user, k)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				res := map[string]models.Current{k: cur}
				ready = append(ready, buildRow(user, k, now, res))
				continue
			}
			todo = append(todo, pending{user, k})
		}
	}
	if len(todo) == 0 {
		return ready, nil, nil
	}

	ch := make(chan Batch)
	go func() {
		defer close(ch)
		for _, p := range todo {
			res, err := resolver.ResolveAll(p.user, []string{p.key}, now)
			if err != nil {
				logger.Error("stream_resolve_failed", "user", p.user, "key", p.key, "error", err)
				ch <- Batch{Err: err}
				return
			}
			ch <- Batch{Rows: []models.Row{buildRow(p.user, p.key, now, res)}}
		}
	}()
	return ready, ch, nil
}
