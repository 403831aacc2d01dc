package startup

import (
	"fmt"
	"os"

	"github.com/thatsimonsguy/clima-controller/internal/env"
)

// InstallService writes the systemd unit for the controller. Enabling and
// starting the unit is left to the operator.
func InstallService() error {
	unit := fmt.Sprintf(`[Unit]
Description=Clima multi-area climate controller
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=%s
WorkingDirectory=/var/lib/clima-controller
ExecStart=/usr/local/bin/clima-controller -config-file config.json -db data/clima.db -hub-config hub.yaml
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, env.Cfg.ServiceUser)

	return os.WriteFile(env.Cfg.ServicePath, []byte(unit), 0644)
}
