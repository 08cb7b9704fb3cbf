package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"

	"github.com/turbovpn/tunnelcore/internal/config"
	ilog "github.com/turbovpn/tunnelcore/internal/log"
	"github.com/turbovpn/tunnelcore/internal/panel"
	"github.com/turbovpn/tunnelcore/internal/splitproxy"
	"github.com/turbovpn/tunnelcore/internal/store/sqlite"
	"github.com/turbovpn/tunnelcore/internal/subscription"
	"github.com/turbovpn/tunnelcore/internal/vless"
	"github.com/turbovpn/tunnelcore/internal/vpn"
)

const defaultEnvFile = ".env"

// newFlagSet loads the layered configuration and binds the shared flags on
// top of it, so flag defaults show the effective values.  --config and
// --env-file are looked up before parsing because they feed the defaults.
func (a *app) newFlagSet(name string, args []string) (*flag.FlagSet, *config.Config, error) {
	envFile := lookupFlag(args, "env-file")
	if envFile == "" {
		envFile = defaultEnvFile
	}
	cfg, err := config.Load(config.LoadOptions{
		ConfigPath: lookupFlag(args, "config"),
		EnvFile:    envFile,
	})
	if err != nil {
		return nil, nil, err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	fs.String("config", "", "YAML config file (or TURBOVPN_CONFIG)")
	fs.String("env-file", defaultEnvFile, "dotenv file with TURBOVPN_* variables")
	config.RegisterFlags(fs, &cfg)
	return fs, &cfg, nil
}

// parse parses args into fs and validates cfg.  ok is false when the
// command must stop; code is then the exit code.
func (a *app) parse(fs *flag.FlagSet, cfg *config.Config, args []string) (code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	if err := cfg.Validate(); err != nil {
		a.fail(fs.Name(), err)
		return 2, false
	}
	return 0, true
}

func (a *app) logger(cfg *config.Config) *slog.Logger {
	return ilog.NewWithFormat(cfg.LogLevel, cfg.LogFormat, a.errOut)
}

// lookupFlag returns the value of --name or --name=value in args.
func lookupFlag(args []string, name string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		trimmed := strings.TrimLeft(arg, "-")
		if trimmed == arg {
			continue
		}
		if v, ok := strings.CutPrefix(trimmed, name+"="); ok {
			return strings.TrimSpace(v)
		}
		if trimmed == name && i+1 < len(args) {
			return strings.TrimSpace(args[i+1])
		}
	}
	return ""
}

// services bundles the panel client, the local store and the manager.
type services struct {
	panel   *panel.Client
	store   *sqlite.Store
	manager *subscription.Manager
}

func newPanelClient(cfg *config.Config, logger *slog.Logger) (*panel.Client, error) {
	return panel.New(panel.Options{
		BaseURL:           cfg.Panel.URL,
		Timeout:           cfg.Panel.Timeout,
		RequestsPerSecond: cfg.Panel.RequestsPerSecond,
		Burst:             cfg.Panel.Burst,
		Flow:              cfg.Panel.Flow,
	}, logger)
}

func openServices(cfg *config.Config, logger *slog.Logger) (*services, error) {
	if err := cfg.ValidatePanel(); err != nil {
		return nil, err
	}
	pc, err := newPanelClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	st, err := sqlite.OpenWithOptions(cfg.Store.Path, sqlite.OpenOptions{MaxOpenConns: cfg.Store.MaxOpenConns})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	mgr := subscription.NewManager(pc, st, providerFrom(cfg.Provider), subscription.Credentials{
		Username: cfg.Panel.Username,
		Password: cfg.Panel.Password,
	}, logger)
	return &services{panel: pc, store: st, manager: mgr}, nil
}

func (s *services) Close() error {
	return s.store.Close()
}

// userID returns explicit, or the install-wide identity when empty.
func (s *services) userID(ctx context.Context, explicit string) (string, error) {
	if v := strings.TrimSpace(explicit); v != "" {
		return v, nil
	}
	return s.store.EnsureUserID(ctx)
}

func providerFrom(p config.ProviderConfig) subscription.Provider {
	return subscription.Provider{
		Host:        p.Host,
		Port:        p.Port,
		Network:     p.Network,
		Security:    p.Security,
		PublicKey:   p.PublicKey,
		Fingerprint: p.Fingerprint,
		ServerName:  p.ServerName,
		ShortID:     p.ShortID,
		SpiderX:     p.SpiderX,
		Path:        p.Path,
		LabelPrefix: p.LabelPrefix,
	}
}

func ruleSet(cfg *config.Config) splitproxy.RuleSet {
	if len(cfg.Proxy.BlockedDomains) > 0 {
		return splitproxy.NewRuleSet(cfg.Proxy.BlockedDomains...)
	}
	return splitproxy.NewRuleSet(splitproxy.DefaultBlockedDomains()...)
}

func vpnOptions(cfg *config.Config) vpn.Options {
	return vpn.Options{
		Proxy: splitproxy.Options{
			ListenAddr:  cfg.Proxy.Listen,
			MaxConns:    cfg.Proxy.MaxConns,
			ReadTimeout: cfg.Proxy.ReadTimeout,
			DialTimeout: cfg.Proxy.DialTimeout,
			Bypass:      splitproxy.BypassMode(strings.ToLower(strings.TrimSpace(cfg.Proxy.BypassMode))),
		},
		Rules: ruleSet(cfg),
		Client: []vless.Option{
			vless.WithDialer(vless.NetDialer{Timeout: cfg.Provider.DialTimeout}),
			vless.WithRelayTimeout(cfg.Proxy.RelayTimeout),
		},
	}
}
