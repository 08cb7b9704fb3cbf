// Package subscription ties a user identity to a provisioned tunnel
// credential with a lifetime: activation, renewal, revocation, status
// queries and the periodic expiry sweep.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/turbovpn/tunnelcore/internal/domain"
	"github.com/turbovpn/tunnelcore/internal/panel"
	"github.com/turbovpn/tunnelcore/internal/vless"
)

// Panel is the subset of the panel client the manager drives.
type Panel interface {
	Login(ctx context.Context, username, password string) (panel.Session, error)
	UpsertClient(ctx context.Context, s panel.Session, port int, email string, days int) (domain.ClientRecord, error)
	FindClient(ctx context.Context, s panel.Session, needle string) (domain.ClientRecord, domain.Inbound, error)
	RemoveClient(ctx context.Context, s panel.Session, inboundID int, clientID string) error
	DeleteClientsMatching(ctx context.Context, s panel.Session, substr string) (int, error)
}

// Store persists subscription states and install flags.
type Store interface {
	SaveSubscription(ctx context.Context, st domain.SubscriptionState) (domain.SubscriptionState, error)
	GetSubscription(ctx context.Context, subscriptionID string) (domain.SubscriptionState, error)
	ListSubscriptions(ctx context.Context, userID string) ([]domain.SubscriptionState, error)
	ListExpiredSubscriptions(ctx context.Context, now time.Time) ([]domain.SubscriptionState, error)
	DeleteSubscription(ctx context.Context, subscriptionID string) error
	DeleteSubscriptionsByUser(ctx context.Context, userID string) (int, error)
	HasUsedTrial(ctx context.Context) (bool, error)
	MarkTrialUsed(ctx context.Context) error
}

// Provider holds the fixed endpoint parameters written into every issued
// tunnel URI.
type Provider struct {
	Host        string
	Port        int
	Network     string
	Security    string
	PublicKey   string
	Fingerprint string
	ServerName  string
	ShortID     string
	SpiderX     string
	Path        string
	LabelPrefix string
}

// Credentials authenticate the manager against the panel.
type Credentials struct {
	Username string
	Password string
}

// ActivateRequest describes one paid or trial activation.
type ActivateRequest struct {
	UserID         string
	SubscriptionID string
	IsTrial        bool
	// DurationDays defaults to [domain.DefaultDurationDays] when zero.
	DurationDays int
	// Email, when set, must equal the derived "user_<UserID>".
	Email string
}

// Status is the result of a status query.
type Status struct {
	URI          string
	ExpiresAt    time.Time
	TrafficBytes int64
	Enabled      bool
}

// Manager orchestrates the subscription lifecycle.
type Manager struct {
	panel    Panel
	store    Store
	provider Provider
	creds    Credentials
	log      *slog.Logger
	now      func() time.Time
}

// NewManager wires a manager.
func NewManager(p Panel, store Store, provider Provider, creds Credentials, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		panel:    p,
		store:    store,
		provider: provider,
		creds:    creds,
		log:      logger,
		now:      time.Now,
	}
}

// Activate provisions or renews the user's credential and returns its
// tunnel URI.  Every failure matches [domain.ErrActivationFailed].
func (m *Manager) Activate(ctx context.Context, req ActivateRequest) (string, error) {
	const op = "activate"
	userID := strings.TrimSpace(req.UserID)
	subID := strings.TrimSpace(req.SubscriptionID)
	if userID == "" || subID == "" {
		return "", domain.NewActivationError(op, errors.New("user id and subscription id are required"))
	}
	email := domain.ClientEmail(userID)
	if e := strings.TrimSpace(req.Email); e != "" && e != email {
		return "", domain.NewActivationError(op, fmt.Errorf("email %q does not belong to user %q", e, userID))
	}
	days := req.DurationDays
	if days == 0 {
		days = domain.DefaultDurationDays
	}
	if days < 0 {
		return "", domain.NewActivationError(op, fmt.Errorf("duration must be positive, got %d days", days))
	}

	if req.IsTrial {
		used, err := m.store.HasUsedTrial(ctx)
		if err != nil {
			return "", domain.NewActivationError(op, err)
		}
		if used {
			return "", domain.NewActivationError(op, domain.ErrTrialAlreadyUsed)
		}
	}

	session, err := m.panel.Login(ctx, m.creds.Username, m.creds.Password)
	if err != nil {
		return "", domain.NewActivationError(op, err)
	}
	rec, err := m.panel.UpsertClient(ctx, session, m.provider.Port, email, days)
	if err != nil {
		var ae *domain.ActivationError
		if errors.As(err, &ae) {
			return "", err
		}
		return "", domain.NewActivationError(op, err)
	}

	cfg := m.tunnelConfig(rec.ID, email, m.provider.Port)
	if _, err := m.store.SaveSubscription(ctx, domain.SubscriptionState{
		UserID:         userID,
		SubscriptionID: subID,
		Email:          email,
		CredentialID:   rec.ID,
		ExpiresAt:      time.UnixMilli(rec.ExpiryTime).UTC(),
	}); err != nil {
		return "", domain.NewActivationError(op, err)
	}
	if req.IsTrial {
		if err := m.store.MarkTrialUsed(ctx); err != nil {
			m.log.Warn("failed to record trial use", "user", userID, "err", err)
		}
	}
	m.log.Info("subscription activated", "user", userID, "subscription", subID, "days", days, "trial", req.IsTrial, "expires", time.UnixMilli(rec.ExpiryTime).UTC())
	return cfg.String(), nil
}

// Deactivate removes the user's credential from the panel and clears the
// local state of subscriptionID.  A missing panel client fails with an
// error matching both [domain.ErrActivationFailed] and
// [domain.ErrClientNotFound].
func (m *Manager) Deactivate(ctx context.Context, userID, subscriptionID string) error {
	const op = "deactivate"
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.NewActivationError(op, errors.New("user id is required"))
	}
	session, err := m.panel.Login(ctx, m.creds.Username, m.creds.Password)
	if err != nil {
		return domain.NewActivationError(op, err)
	}
	rec, in, err := m.panel.FindClient(ctx, session, domain.ClientEmail(userID))
	if err != nil {
		return domain.NewActivationError(op, err)
	}
	if err := m.panel.RemoveClient(ctx, session, in.ID, rec.ID); err != nil {
		return domain.NewActivationError(op, err)
	}
	if subscriptionID = strings.TrimSpace(subscriptionID); subscriptionID != "" {
		if err := m.store.DeleteSubscription(ctx, subscriptionID); err != nil {
			return domain.NewActivationError(op, err)
		}
	}
	m.log.Info("subscription deactivated", "user", userID, "subscription", subscriptionID, "inbound", in.ID)
	return nil
}

// CheckStatus reports the user's current credential.  found is false when
// the panel holds no client for the user.
func (m *Manager) CheckStatus(ctx context.Context, userID string) (Status, bool, error) {
	session, err := m.panel.Login(ctx, m.creds.Username, m.creds.Password)
	if err != nil {
		return Status{}, false, err
	}
	email := domain.ClientEmail(userID)
	rec, in, err := m.panel.FindClient(ctx, session, email)
	if errors.Is(err, domain.ErrClientNotFound) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, err
	}
	port := in.Port
	if port == 0 {
		port = m.provider.Port
	}
	traffic := rec.TotalTraffic()
	if ct, ok := in.Traffic(rec.Email); ok && traffic == 0 {
		traffic = ct.Up + ct.Down
	}
	return Status{
		URI:          m.tunnelConfig(rec.ID, rec.Email, port).String(),
		ExpiresAt:    time.UnixMilli(rec.ExpiryTime).UTC(),
		TrafficBytes: traffic,
		Enabled:      rec.Enable,
	}, true, nil
}

// ResetUser removes every panel client of the user and all local states.
func (m *Manager) ResetUser(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errors.New("user id is required")
	}
	session, err := m.panel.Login(ctx, m.creds.Username, m.creds.Password)
	if err != nil {
		return 0, err
	}
	removed, err := m.panel.DeleteClientsMatching(ctx, session, domain.ClientEmail(userID))
	if err != nil {
		return removed, err
	}
	local, err := m.store.DeleteSubscriptionsByUser(ctx, userID)
	if err != nil {
		return removed, err
	}
	m.log.Info("user reset", "user", userID, "panel_clients", removed, "local_states", local)
	return removed, nil
}

// Subscriptions lists local states, optionally restricted to one user.
func (m *Manager) Subscriptions(ctx context.Context, userID string) ([]domain.SubscriptionState, error) {
	return m.store.ListSubscriptions(ctx, userID)
}

func (m *Manager) tunnelConfig(id, email string, port int) vless.TunnelConfig {
	p := m.provider
	label := email
	if p.LabelPrefix != "" {
		label = p.LabelPrefix + "-" + email
	}
	return vless.TunnelConfig{
		ID:          id,
		Host:        p.Host,
		Port:        port,
		Network:     p.Network,
		Security:    p.Security,
		PublicKey:   p.PublicKey,
		Fingerprint: p.Fingerprint,
		ServerName:  p.ServerName,
		ShortID:     p.ShortID,
		SpiderX:     p.SpiderX,
		Path:        p.Path,
		Label:       label,
	}
}
