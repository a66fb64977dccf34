//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// initTailscale serves the gateway mux on a tsnet listener alongside
// the regular one, so the control plane is reachable over the tailnet
// without exposing a public port. Returns a cleanup func; a disabled
// or failed listener yields a no-op.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	tc := cfg.Gateway.Tailscale
	if tc.Hostname == "" {
		return func() {}
	}

	srv := &tsnet.Server{
		Hostname:  tc.Hostname,
		Dir:       config.ExpandHome(tc.StateDir),
		AuthKey:   tc.AuthKey,
		Ephemeral: tc.Ephemeral,
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		slog.Error("tsnet listen failed", "hostname", tc.Hostname, "error", err)
		srv.Close()
		return func() {}
	}
	slog.Info("tsnet listener up", "hostname", tc.Hostname)

	httpSrv := &http.Server{Handler: mux}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("tsnet server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()

	return func() {
		httpSrv.Close()
		srv.Close()
	}
}
