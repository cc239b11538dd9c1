package app

import (
	"fmt"
	"os"

	"github.com/adhocore/gronx"

	"gradedb/pkg/config"
)

// validateConfig performs quick, fail-fast validation of the effective
// configuration before starting long-running services. Keep checks light
// and focused so callers can surface user-friendly errors.
func validateConfig(eff config.EffectiveConfigResult) error {
	// DB path must be present
	if p := eff.DBPath; p == "" {
		return fmt.Errorf("database path is empty: set --db flag, GRADEDB_DB_PATH env, or storage.db_path in config")
	}

	// TLS cert/key presence check if one is set
	cert := eff.Config.Server.TLS.CertFile
	key := eff.Config.Server.TLS.KeyFile
	if (cert != "" && key == "") || (cert == "" && key != "") {
		return fmt.Errorf("incomplete TLS configuration: both server.tls.cert_file and server.tls.key_file must be set")
	}
	if cert != "" {
		if _, err := os.Stat(cert); err != nil {
			return fmt.Errorf("tls cert file not accessible: %w", err)
		}
		if _, err := os.Stat(key); err != nil {
			return fmt.Errorf("tls key file not accessible: %w", err)
		}
	}

	if eff.Config.Sweep.Enabled && eff.Config.Sweep.Cron != "" {
		if !gronx.IsValid(eff.Config.Sweep.Cron) {
			return fmt.Errorf("invalid sweep.cron expression: %s", eff.Config.Sweep.Cron)
		}
	}

	for _, a := range eff.Config.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id in config")
		}
		if a.PublicKeyFile == "" && a.PublicKeyPEM == "" {
			return fmt.Errorf("agent %q has no public key material", a.ID)
		}
	}

	return nil
}
