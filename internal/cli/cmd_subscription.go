package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/turbovpn/tunnelcore/internal/domain"
	"github.com/turbovpn/tunnelcore/internal/subscription"
)

func (a *app) runActivate(ctx context.Context, args []string) int {
	fs, cfg, err := a.newFlagSet("activate", args)
	if err != nil {
		a.fail("activate", err)
		return 2
	}
	var (
		userID, subID, email, plan string
		trial                      bool
		days                       int
	)
	fs.StringVar(&userID, "user", "", "User id (default: this install's id)")
	fs.StringVar(&subID, "subscription", "", "Subscription or payment id (default: random)")
	fs.StringVar(&email, "email", "", "Expected client email (must be user_<id>)")
	fs.StringVar(&plan, "plan", "", "Plan id, see `turbovpn plans`")
	fs.BoolVar(&trial, "trial", false, "Activate the one-time trial")
	fs.IntVar(&days, "days", 0, "Duration in days (default: provider duration_days)")
	if code, ok := a.parse(fs, cfg, args); !ok {
		return code
	}

	if plan != "" {
		if days != 0 {
			a.fail("activate", errors.New("use either --days or --plan"))
			return 2
		}
		p, ok := domain.PlanByID(plan)
		if !ok {
			a.fail("activate", fmt.Errorf("unknown plan %q", plan))
			return 2
		}
		days = p.Days
		trial = trial || p.ID == "trial"
	}
	if days == 0 {
		days = cfg.Provider.DurationDays
	}

	logger := a.logger(cfg)
	svc, err := openServices(cfg, logger)
	if err != nil {
		a.fail("activate", err)
		return 2
	}
	defer func() { _ = svc.Close() }()

	userID, err = svc.userID(ctx, userID)
	if err != nil {
		a.fail("activate", err)
		return 1
	}
	if strings.TrimSpace(subID) == "" {
		subID = uuid.NewString()
	}
	uri, err := svc.manager.Activate(ctx, subscription.ActivateRequest{
		UserID:         userID,
		SubscriptionID: subID,
		IsTrial:        trial,
		DurationDays:   days,
		Email:          email,
	})
	if err != nil {
		a.fail("activate", err)
		return 1
	}
	fmt.Fprintln(a.out, uri)
	return 0
}

func (a *app) runDeactivate(ctx context.Context, args []string) int {
	fs, cfg, err := a.newFlagSet("deactivate", args)
	if err != nil {
		a.fail("deactivate", err)
		return 2
	}
	var userID, subID string
	fs.StringVar(&userID, "user", "", "User id (default: this install's id)")
	fs.StringVar(&subID, "subscription", "", "Subscription id")
	if code, ok := a.parse(fs, cfg, args); !ok {
		return code
	}
	if strings.TrimSpace(subID) == "" {
		a.fail("deactivate", errors.New("missing --subscription"))
		return 2
	}

	svc, err := openServices(cfg, a.logger(cfg))
	if err != nil {
		a.fail("deactivate", err)
		return 2
	}
	defer func() { _ = svc.Close() }()

	userID, err = svc.userID(ctx, userID)
	if err != nil {
		a.fail("deactivate", err)
		return 1
	}
	if err := svc.manager.Deactivate(ctx, userID, subID); err != nil {
		a.fail("deactivate", err)
		return 1
	}
	fmt.Fprintln(a.out, "deactivated:", domain.ClientEmail(userID))
	return 0
}

func (a *app) runStatus(ctx context.Context, args []string) int {
	fs, cfg, err := a.newFlagSet("status", args)
	if err != nil {
		a.fail("status", err)
		return 2
	}
	var userID string
	fs.StringVar(&userID, "user", "", "User id (default: this install's id)")
	if code, ok := a.parse(fs, cfg, args); !ok {
		return code
	}

	svc, err := openServices(cfg, a.logger(cfg))
	if err != nil {
		a.fail("status", err)
		return 2
	}
	defer func() { _ = svc.Close() }()

	userID, err = svc.userID(ctx, userID)
	if err != nil {
		a.fail("status", err)
		return 1
	}
	st, found, err := svc.manager.CheckStatus(ctx, userID)
	if err != nil {
		a.fail("status", err)
		return 1
	}
	if !found {
		fmt.Fprintln(a.out, "no active subscription for", domain.ClientEmail(userID))
		return 1
	}

	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "user:\t%s\n", userID)
	fmt.Fprintf(tw, "uri:\t%s\n", st.URI)
	fmt.Fprintf(tw, "expires:\t%s (%s)\n", st.ExpiresAt.Format(time.RFC3339), humanize.Time(st.ExpiresAt))
	fmt.Fprintf(tw, "traffic:\t%s\n", humanize.IBytes(uint64(max(st.TrafficBytes, 0))))
	fmt.Fprintf(tw, "enabled:\t%t\n", st.Enabled)
	_ = tw.Flush()

	local, err := svc.manager.Subscriptions(ctx, userID)
	if err != nil {
		a.fail("status", err)
		return 1
	}
	for _, s := range local {
		fmt.Fprintf(a.out, "subscription %s expires %s\n", s.SubscriptionID, s.ExpiresAt.Format(time.RFC3339))
	}
	return 0
}

func (a *app) runSweep(ctx context.Context, args []string) int {
	fs, cfg, err := a.newFlagSet("sweep", args)
	if err != nil {
		a.fail("sweep", err)
		return 2
	}
	if code, ok := a.parse(fs, cfg, args); !ok {
		return code
	}

	svc, err := openServices(cfg, a.logger(cfg))
	if err != nil {
		a.fail("sweep", err)
		return 2
	}
	defer func() { _ = svc.Close() }()

	res, err := svc.manager.Sweep(ctx)
	if err != nil {
		a.fail("sweep", err)
		return 1
	}
	fmt.Fprintf(a.out, "expired=%d deactivated=%d dropped=%d failed=%d\n", res.Expired, res.Deactivated, res.Dropped, res.Failed)
	if res.Failed > 0 {
		return 1
	}
	return 0
}

func (a *app) runReset(ctx context.Context, args []string) int {
	fs, cfg, err := a.newFlagSet("reset", args)
	if err != nil {
		a.fail("reset", err)
		return 2
	}
	var userID string
	fs.StringVar(&userID, "user", "", "User id")
	if code, ok := a.parse(fs, cfg, args); !ok {
		return code
	}
	if strings.TrimSpace(userID) == "" {
		a.fail("reset", errors.New("missing --user"))
		return 2
	}

	svc, err := openServices(cfg, a.logger(cfg))
	if err != nil {
		a.fail("reset", err)
		return 2
	}
	defer func() { _ = svc.Close() }()

	removed, err := svc.manager.ResetUser(ctx, userID)
	if err != nil {
		a.fail("reset", err)
		return 1
	}
	fmt.Fprintf(a.out, "removed %d panel client(s) for %s\n", removed, domain.ClientEmail(userID))
	return 0
}
