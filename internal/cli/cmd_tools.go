package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/turbovpn/tunnelcore/internal/domain"
	"github.com/turbovpn/tunnelcore/internal/reality"
	"github.com/turbovpn/tunnelcore/internal/splitproxy"
)

func (a *app) runPAC(args []string) int {
	fs, cfg, err := a.newFlagSet("pac", args)
	if err != nil {
		a.fail("pac", err)
		return 2
	}
	proxyAddr := ""
	fs.StringVar(&proxyAddr, "proxy", "", "Proxy address written into the script (default: proxy listen address)")
	if code, ok := a.parse(fs, cfg, args); !ok {
		return code
	}
	if proxyAddr == "" {
		proxyAddr = cfg.Proxy.Listen
	}
	fmt.Fprint(a.out, splitproxy.PACScript(ruleSet(cfg), proxyAddr))
	return 0
}

func (a *app) runKeygen(args []string) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	private := ""
	fs.StringVar(&private, "private", "", "Derive the public key of this private key instead of generating one")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	var kp reality.KeyPair
	if private != "" {
		pub, err := reality.PublicKeyFromPrivate(private)
		if err != nil {
			a.fail("keygen", err)
			return 2
		}
		kp = reality.KeyPair{PrivateKey: private, PublicKey: pub}
	} else {
		var err error
		kp, err = reality.GenerateKeyPair()
		if err != nil {
			a.fail("keygen", err)
			return 1
		}
	}
	fmt.Fprintln(a.out, "Private key:", kp.PrivateKey)
	fmt.Fprintln(a.out, "Public key:", kp.PublicKey)
	return 0
}

func (a *app) runPlans() int {
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDAYS")
	for _, p := range domain.Plans {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", p.ID, p.Name, p.Days)
	}
	_ = tw.Flush()
	return 0
}

func (a *app) runPanel(ctx context.Context, args []string) int {
	if len(args) == 0 {
		a.fail("panel", errors.New("expected one of: check, inbounds, delete-inbound"))
		return 2
	}
	sub, rest := args[0], args[1:]
	name := "panel " + sub
	switch sub {
	case "check", "inbounds", "delete-inbound":
	default:
		a.fail("panel", fmt.Errorf("unknown panel command %q", sub))
		return 2
	}

	fs, cfg, err := a.newFlagSet(name, rest)
	if err != nil {
		a.fail(name, err)
		return 2
	}
	var (
		id  int
		yes bool
	)
	if sub == "delete-inbound" {
		fs.IntVar(&id, "id", 0, "Inbound id")
		fs.BoolVar(&yes, "yes", false, "Confirm deleting the inbound and every client on it")
	}
	if code, ok := a.parse(fs, cfg, rest); !ok {
		return code
	}

	logger := a.logger(cfg)
	if sub == "check" {
		if cfg.Panel.URL == "" {
			a.fail(name, errors.New("missing --panel-url or TURBOVPN_PANEL_URL"))
			return 2
		}
		pc, err := newPanelClient(cfg, logger)
		if err != nil {
			a.fail(name, err)
			return 2
		}
		if err := pc.CheckConnection(ctx); err != nil {
			a.fail(name, err)
			return 1
		}
		fmt.Fprintln(a.out, "panel reachable:", cfg.Panel.URL)
		return 0
	}

	if err := cfg.ValidatePanel(); err != nil {
		a.fail(name, err)
		return 2
	}
	if sub == "delete-inbound" {
		if id <= 0 {
			a.fail(name, errors.New("missing --id"))
			return 2
		}
		if !yes {
			a.fail(name, errors.New("refusing to delete inbound without --yes"))
			return 2
		}
	}
	pc, err := newPanelClient(cfg, logger)
	if err != nil {
		a.fail(name, err)
		return 2
	}
	session, err := pc.Login(ctx, cfg.Panel.Username, cfg.Panel.Password)
	if err != nil {
		a.fail(name, err)
		return 1
	}

	if sub == "delete-inbound" {
		if err := pc.DeleteInbound(ctx, session, id); err != nil {
			a.fail(name, err)
			return 1
		}
		fmt.Fprintln(a.out, "deleted inbound", id)
		return 0
	}

	inbounds, err := pc.ListInbounds(ctx, session)
	if err != nil {
		a.fail(name, err)
		return 1
	}
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPORT\tPROTOCOL\tREMARK\tCLIENTS")
	for _, in := range inbounds {
		clients := "?"
		if settings, err := domain.ParseInboundSettings(in.Settings); err == nil {
			clients = strconv.Itoa(len(settings.Clients))
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", in.ID, in.Port, in.Protocol, in.Remark, clients)
	}
	_ = tw.Flush()
	return 0
}
