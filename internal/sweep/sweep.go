// Package sweep is the scheduled promotion runner: on each cron tick it
// drops cached values invalidated by gate boundaries that have passed
// since the previous run, then warms the cache for keys marked for
// precomputation.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"gradedb/pkg/config"
	"gradedb/pkg/keys"
	"gradedb/pkg/logger"
	"gradedb/pkg/resolver"
	"gradedb/pkg/rules"
	"gradedb/pkg/store"
)

// Start starts the sweep scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg config.SweepConfig) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("sweep_disabled")
		return func() {}, nil
	}

	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "*/30 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("sweep_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid sweep cron expression: %s", cfg.Cron)
	}

	logger.Info("sweep_enabled", "cron", cronExpr)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cronExpr)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured
// cron expression and sleeps until that time.
func runScheduler(ctx context.Context, cronExpr string) {
	last := time.Now().UTC()
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweep_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("sweep_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if err := RunOnce(last, next); err != nil {
				logger.Error("sweep_run_error", "error", err)
			}
			last = next
		case <-ctx.Done():
			logger.Info("sweep_scheduler_stopping")
			return
		}
	}
}

// RunOnce performs one sweep pass covering the (since, now] window.
func RunOnce(since, now time.Time) error {
	crossed, err := promoteGates(since, now)
	if err != nil {
		return err
	}
	warmed, err := precompute(now)
	if err != nil {
		return err
	}
	logger.Info("sweep_done", "gates_crossed", crossed, "keys_warmed", warmed)
	return nil
}

// promoteGates drops cached values downstream of keys whose active gate
// boundary fell inside the window, so the next read recomputes with the
// newly admitted inputs.
func promoteGates(since, now time.Time) (int, error) {
	active, _ := rules.Gates()
	crossed := 0
	for _, g := range active {
		if !g.After.After(since) || g.After.After(now) {
			continue
		}
		crossed++
		q, err := keys.CompileQuery(g.Pattern)
		if err != nil {
			continue
		}
		var matched []string
		err = store.ScanKeys(func(meta store.KeyMeta) bool {
			if q.Match(meta.Key) {
				matched = append(matched, meta.Key)
			}
			return true
		})
		if err != nil {
			return crossed, err
		}
		users, err := store.ListUsers()
		if err != nil {
			return crossed, err
		}
		var stale [][2]string
		for _, user := range users {
			for _, k := range matched {
				stale = append(stale, resolver.Invalidated(user, k)...)
			}
		}
		if err := store.DeleteCurrents(stale); err != nil {
			return crossed, err
		}
		logger.Info("sweep_gate_promoted", "pattern", keys.DenormalizeQuery(g.Pattern), "keys", len(matched))
	}
	return crossed, nil
}

// precompute resolves every marked key for every user so reads hit warm
// cache.
func precompute(now time.Time) (int, error) {
	marked, err := store.ListPrecompute()
	if err != nil {
		return 0, err
	}
	if len(marked) == 0 {
		return 0, nil
	}
	users, err := store.ListUsers()
	if err != nil {
		return 0, err
	}
	warmed := 0
	for _, user := range users {
		if _, err := resolver.ResolveAll(user, marked, now); err != nil {
			logger.Warn("sweep_precompute_failed", "user", user, "error", err)
			continue
		}
		warmed += len(marked)
	}
	return warmed, nil
}
