package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/turbovpn/tunnelcore/internal/config"
	"github.com/turbovpn/tunnelcore/internal/debughttp"
	"github.com/turbovpn/tunnelcore/internal/domain"
	"github.com/turbovpn/tunnelcore/internal/vpn"
)

// runTunnel brings the tunnel and split proxy up until the context is
// canceled.  With sweep set it also runs the expiry sweeper, and a missing
// --uri is resolved from this install's active subscription.
func (a *app) runTunnel(ctx context.Context, name string, args []string, sweep bool) int {
	fs, cfg, err := a.newFlagSet(name, args)
	if err != nil {
		a.fail(name, err)
		return 2
	}
	config.RegisterProxyFlags(fs, cfg)
	uri := strings.TrimSpace(os.Getenv("TURBOVPN_URI"))
	fs.StringVar(&uri, "uri", uri, "Tunnel URI (vless://...) (or TURBOVPN_URI)")
	if code, ok := a.parse(fs, cfg, args); !ok {
		return code
	}
	if uri == "" && !sweep {
		a.fail(name, errors.New("missing --uri (or TURBOVPN_URI)"))
		return 2
	}

	logger := a.logger(cfg)
	var svc *services
	if sweep {
		svc, err = openServices(cfg, logger)
		switch {
		case err != nil && uri == "":
			a.fail(name, err)
			return 2
		case err != nil:
			logger.Warn("expiry sweeper disabled", "err", err)
		default:
			defer func() { _ = svc.Close() }()
		}
	}
	if uri == "" {
		uri, err = activeURI(ctx, svc)
		if err != nil {
			a.fail(name, err)
			return 1
		}
	}

	ctrl := vpn.New(vpnOptions(cfg), logger)
	if err := ctrl.Up(ctx, uri); err != nil {
		a.fail(name, err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	if _, err := debughttp.StartServer(gctx, cfg.Debug.Listen, logger, name, func() any {
		return statusSnapshot(ctrl.Status())
	}); err != nil {
		_ = ctrl.Down()
		a.fail(name, err)
		return 1
	}
	fmt.Fprintln(a.out, "proxy listening on", ctrl.ProxyAddr())

	g.Go(func() error {
		<-gctx.Done()
		return ctrl.Down()
	})
	if svc != nil {
		g.Go(func() error {
			return svc.manager.Run(gctx, cfg.Sweep.Interval)
		})
	}
	if err := g.Wait(); err != nil {
		a.fail(name, err)
		return 1
	}
	return 0
}

func activeURI(ctx context.Context, svc *services) (string, error) {
	userID, err := svc.userID(ctx, "")
	if err != nil {
		return "", err
	}
	st, found, err := svc.manager.CheckStatus(ctx, userID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("no active subscription for %s; run `turbovpn activate` or pass --uri", domain.ClientEmail(userID))
	}
	return st.URI, nil
}

func statusSnapshot(st vpn.Status) map[string]any {
	return map[string]any{
		"up":           st.Up,
		"tunnel_state": st.TunnelState.String(),
		"endpoint":     st.Endpoint,
		"label":        st.Label,
		"proxy":        st.ProxyAddr,
	}
}
