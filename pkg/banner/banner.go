package banner

import (
	"fmt"

	"gradedb/pkg/config"
)

const banner = `
 ██████╗ ██████╗  █████╗ ██████╗ ███████╗██████╗ ██████╗
██╔════╝ ██╔══██╗██╔══██╗██╔══██╗██╔════╝██╔══██╗██╔══██╗
██║  ███╗██████╔╝███████║██║  ██║█████╗  ██║  ██║██████╔╝
██║   ██║██╔══██╗██╔══██║██║  ██║██╔══╝  ██║  ██║██╔══██╗
╚██████╔╝██║  ██║██║  ██║██████╔╝███████╗██████╔╝██████╔╝
 ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚═════╝ ╚══════╝╚═════╝ ╚═════╝
`

// PrintWithEff prints the banner using an EffectiveConfigResult which
// provides richer context (config, addr, dbpath, source).
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	addr := eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	dbPath := eff.DBPath
	if dbPath == "" && eff.Config != nil {
		dbPath = eff.Config.Storage.DBPath
	}
	src := eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config: %s\n", src)

	fmt.Println("\n== Examples ===================================================")
	fmt.Println("curl -H 'X-API-Key: <key>' 'http://<host>:<port>/v1/grades?key=/class/alpha'")
	fmt.Println("curl -H 'X-API-Key: <key>' -H 'X-Agent-ID: <agent>' -X POST 'http://<host>:<port>/v1/grades' -d '{\"user\":\"u1\",\"key\":\"/class/alpha\",\"value\":90}'")

	fmt.Println("\n== Production? =================================================")
	be, fe, ak := 0, 0, 0
	if eff.Config != nil {
		be = len(eff.Config.Security.APIKeys.Backend)
		fe = len(eff.Config.Security.APIKeys.Frontend)
		ak = len(eff.Config.Security.APIKeys.Admin)
	}
	if be > 0 {
		fmt.Printf("- Backend API keys: OK (%d)\n", be)
	} else {
		fmt.Println("- Backend API keys: MISSING (required for backend services)")
	}
	if fe > 0 {
		fmt.Printf("- Frontend API keys: OK (%d)\n", fe)
	} else {
		fmt.Println("- Frontend API keys: MISSING (required for client access)")
	}
	if ak > 0 {
		fmt.Printf("- Admin API keys: OK (%d)\n", ak)
	} else {
		fmt.Println("- Admin API keys: MISSING (required for admin tooling)")
	}

	if eff.Config != nil && eff.Config.Server.TLS.CertFile != "" && eff.Config.Server.TLS.KeyFile != "" {
		fmt.Println("- TLS: configured")
	} else {
		fmt.Println("- TLS: unconfigured")
	}

	if eff.DBPath != "" {
		fmt.Printf("- DB Path: %s\n", eff.DBPath)
	} else {
		fmt.Println("- DB Path: not set (use --db or GRADEDB_DB_PATH)")
	}

	if eff.Config != nil && eff.Config.Sweep.Enabled {
		cron := eff.Config.Sweep.Cron
		if cron == "" {
			cron = "*/30 * * * *"
		}
		fmt.Printf("- Sweep: enabled (cron=%s)\n", cron)
	} else {
		fmt.Println("- Sweep: disabled")
	}

	if eff.Config != nil {
		fmt.Printf("- Agents: %d registered in config\n", len(eff.Config.Agents))
	}

	fmt.Println("\n== Logs: =================================================")
}
