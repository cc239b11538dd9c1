// Package config loads the server configuration from flags, environment
// variables and a YAML file, merging them into one effective config.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig holds derived runtime values that other packages may
// query while the server is running.
type RuntimeConfig struct {
	BackendKeys  map[string]struct{}
	FrontendKeys map[string]struct{}
	AdminKeys    map[string]struct{}
}

var (
	runtimeMu  sync.RWMutex
	runtimeCfg *RuntimeConfig
)

// SetRuntime sets the canonical runtime config used by the running server.
func SetRuntime(rc *RuntimeConfig) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	runtimeCfg = rc
}

// GetBackendKeys returns a copy of configured backend keys.
func GetBackendKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	out := map[string]struct{}{}
	if runtimeCfg == nil {
		return out
	}
	for k := range runtimeCfg.BackendKeys {
		out[k] = struct{}{}
	}
	return out
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// Load parses the YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and the environment variable `GRADEDB_CONFIG` when the flag was
// not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("GRADEDB_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// ReadAgentKeys resolves each agent's public key material, reading
// PublicKeyFile when inline PEM is absent.
func ReadAgentKeys(agents []AgentConfig) ([]AgentConfig, error) {
	out := make([]AgentConfig, len(agents))
	copy(out, agents)
	for i := range out {
		if out[i].PublicKeyPEM != "" || out[i].PublicKeyFile == "" {
			continue
		}
		b, err := os.ReadFile(out[i].PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("agent %q public key: %w", out[i].ID, err)
		}
		out[i].PublicKeyPEM = string(b)
	}
	return out, nil
}
