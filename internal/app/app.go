// Package app wires the server together: config validation, store and
// rule bootstrap, agent registration, the sweep scheduler and the HTTP
// server lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"

	"gradedb/internal/sweep"
	"gradedb/pkg/config"
	"gradedb/pkg/keys"
	"gradedb/pkg/models"
	"gradedb/pkg/rules"
	"gradedb/pkg/store"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	sweepCancel context.CancelFunc
	srv         *http.Server
}

// New initializes resources that do not require a running context (DB,
// runtime keys, persisted rules, configured agents). It does not start
// the sweep scheduler or the HTTP server; call Run to start those and
// block until shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	runtimeCfg := &config.RuntimeConfig{
		BackendKeys:  map[string]struct{}{},
		FrontendKeys: map[string]struct{}{},
		AdminKeys:    map[string]struct{}{},
	}
	for _, k := range eff.Config.Security.APIKeys.Backend {
		runtimeCfg.BackendKeys[k] = struct{}{}
	}
	for _, k := range eff.Config.Security.APIKeys.Frontend {
		runtimeCfg.FrontendKeys[k] = struct{}{}
	}
	for _, k := range eff.Config.Security.APIKeys.Admin {
		runtimeCfg.AdminKeys[k] = struct{}{}
	}
	config.SetRuntime(runtimeCfg)

	if err := store.Open(eff.DBPath); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", eff.DBPath, err)
	}
	if err := rules.Load(); err != nil {
		return nil, fmt.Errorf("replay persisted rules: %w", err)
	}
	if err := registerAgents(eff.Config.Agents); err != nil {
		return nil, err
	}

	return &App{eff: eff, version: version, commit: commit, buildDate: buildDate}, nil
}

// Run starts the sweep scheduler and the HTTP server, and blocks until
// ctx is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	cancel, err := sweep.Start(ctx, a.eff.Config.Sweep)
	if err != nil {
		return err
	}
	a.sweepCancel = cancel

	a.printBanner()

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

func (a *App) shutdown() {
	if a.sweepCancel != nil {
		a.sweepCancel()
	}
	if a.srv != nil {
		_ = a.srv.Close()
	}
	_ = store.Close()
}

// registerAgents installs configured agents into the rule store. Config
// agents overwrite same-id agents registered over the API.
func registerAgents(agents []config.AgentConfig) error {
	resolved, err := config.ReadAgentKeys(agents)
	if err != nil {
		return err
	}
	for _, a := range resolved {
		add, err := normalizePatterns(a.Add)
		if err != nil {
			return fmt.Errorf("agent %q add patterns: %w", a.ID, err)
		}
		write, err := normalizePatterns(a.Write)
		if err != nil {
			return fmt.Errorf("agent %q write patterns: %w", a.ID, err)
		}
		err = rules.SetAgent(models.Agent{
			ID:           a.ID,
			PublicKeyPEM: a.PublicKeyPEM,
			Add:          add,
			Write:        write,
		})
		if err != nil {
			return fmt.Errorf("register agent %q: %w", a.ID, err)
		}
	}
	return nil
}

func normalizePatterns(patterns []string) ([]string, error) {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		q, err := keys.NormalizeQuery(p)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}
