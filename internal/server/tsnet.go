// Package server provides Tailscale tsnet integration for exposing the
// exporter inside a tailnet.
package server

import (
	"fmt"
	"log/slog"
	"net"

	"tailscale.com/tsnet"

	"github.com/tbuchboeck/EcoFlowMon/internal/config"
)

// listenTsnet joins the tailnet as cfg.TsnetHostname and listens on the
// metrics port there. The caller closes the returned server.
func listenTsnet(cfg config.Config) (*tsnet.Server, net.Listener, error) {
	stateDir := config.SetupTsnetStateDir(cfg.TsnetStateDir)

	server := &tsnet.Server{
		Hostname: cfg.TsnetHostname,
		Dir:      stateDir,
		Logf: func(format string, args ...any) {
			slog.Debug(fmt.Sprintf(format, args...), "component", "tsnet")
		},
	}

	if cfg.TsnetAuthKey != "" {
		server.AuthKey = cfg.TsnetAuthKey
		slog.Info("Tailscale authentication configured", "mode", "auth_key")
	} else {
		slog.Info("Tailscale authentication pending", "note", "check the log for a login URL on first start")
	}

	slog.Info("Tailscale connection establishing", "hostname", cfg.TsnetHostname)

	listener, err := server.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		_ = server.Close()
		return nil, nil, fmt.Errorf("tsnet listen failed: %w", err)
	}

	return server, listener, nil
}
