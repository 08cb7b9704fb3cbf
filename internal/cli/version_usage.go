package cli

import (
	"fmt"
	"runtime/debug"
	"strings"
)

func (a *app) printUsage() {
	fmt.Fprintln(a.out, `turbovpn - split-tunnel VLESS client and subscription manager

Usage:
  turbovpn activate --user ID --subscription ID [--trial] [--days N | --plan NAME]
                                          Provision or renew a credential, print its URI
  turbovpn deactivate --user ID --subscription ID
                                          Remove the user's credential from the panel
  turbovpn status [--user ID]             Show the user's URI, expiry and traffic
  turbovpn sweep                          Deactivate every expired local subscription once
  turbovpn reset --user ID                Delete every panel client of the user
  turbovpn run [--uri URI]                Start the tunnel, the split proxy and the sweeper
  turbovpn proxy --uri URI                Start only the tunnel and the split proxy
  turbovpn pac [--proxy ADDR]             Print a proxy auto-config script
  turbovpn keygen [--private KEY]         Generate (or derive) an x25519 reality key pair
  turbovpn plans                          List subscription plans
  turbovpn panel check                    Check that the panel answers
  turbovpn panel inbounds                 List panel inbounds and their clients
  turbovpn panel delete-inbound --id N --yes
                                          Delete a whole inbound
  turbovpn version                        Print version
  turbovpn help                           Show this help

Common flags:
  --config FILE     YAML config file (or TURBOVPN_CONFIG)
  --env-file FILE   dotenv file with TURBOVPN_* variables (default: .env)

Environment Variables:
  TURBOVPN_PANEL_URL        Admin panel base URL
  TURBOVPN_PANEL_USERNAME   Admin panel username
  TURBOVPN_PANEL_PASSWORD   Admin panel password
  TURBOVPN_SERVER           Tunnel endpoint host written into issued URIs
  TURBOVPN_PUBLIC_KEY       Reality public key written into issued URIs
  TURBOVPN_PROXY_LISTEN     Split proxy listen address (default: 127.0.0.1:8888)
  TURBOVPN_BLOCKED_DOMAINS  Comma separated rules routed through the tunnel
  TURBOVPN_DB_PATH          SQLite database path (default: ./turbovpn.db)
  TURBOVPN_SWEEP_INTERVAL   Expiry sweep interval (default: 900s)
  TURBOVPN_LOG_LEVEL        Log level: debug|info|warn|error (default: info)`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func resolvedVersion() string {
	v := strings.TrimSpace(Version)
	if v == "" || v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		} else {
			return "dev"
		}
	}
	// GoReleaser strips the "v" that git tags carry.
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func (a *app) printVersion() {
	fmt.Fprintln(a.out, "turbovpn", resolvedVersion())
}
