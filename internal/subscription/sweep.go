package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/turbovpn/tunnelcore/internal/domain"
)

// DefaultSweepInterval is the period between expiry sweeps.
const DefaultSweepInterval = 900 * time.Second

const sweepEntryTimeout = 30 * time.Second

// SweepResult summarizes one expiry sweep.
type SweepResult struct {
	Expired     int
	Deactivated int
	Dropped     int
	Failed      int
}

// Sweep deactivates every locally persisted subscription whose expiry has
// passed.  A failure on one entry is logged and the entry kept for the next
// sweep; the remaining entries are still processed.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	now := m.now()
	expired, err := m.store.ListExpiredSubscriptions(ctx, now)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Expired: len(expired)}
	for _, st := range expired {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if m.supersededLocally(ctx, st, now) {
			// A newer subscription of the same user owns the panel client.
			if err := m.store.DeleteSubscription(ctx, st.SubscriptionID); err != nil {
				m.log.Error("failed to drop superseded subscription", "subscription", st.SubscriptionID, "err", err)
				res.Failed++
				continue
			}
			res.Dropped++
			continue
		}

		entryCtx, cancel := context.WithTimeout(ctx, sweepEntryTimeout)
		err := m.Deactivate(entryCtx, st.UserID, st.SubscriptionID)
		cancel()
		switch {
		case err == nil:
			res.Deactivated++
		case errors.Is(err, domain.ErrClientNotFound):
			if err := m.store.DeleteSubscription(ctx, st.SubscriptionID); err != nil {
				m.log.Error("failed to drop orphaned subscription", "subscription", st.SubscriptionID, "err", err)
				res.Failed++
				continue
			}
			m.log.Info("expired subscription had no panel client", "user", st.UserID, "subscription", st.SubscriptionID)
			res.Dropped++
		default:
			m.log.Error("expiry sweep failed to deactivate", "user", st.UserID, "subscription", st.SubscriptionID, "err", err)
			res.Failed++
		}
	}
	if res.Expired > 0 {
		m.log.Info("expiry sweep finished", "expired", res.Expired, "deactivated", res.Deactivated, "dropped", res.Dropped, "failed", res.Failed)
	}
	return res, nil
}

func (m *Manager) supersededLocally(ctx context.Context, st domain.SubscriptionState, now time.Time) bool {
	states, err := m.store.ListSubscriptions(ctx, st.UserID)
	if err != nil {
		return false
	}
	for _, other := range states {
		if other.SubscriptionID != st.SubscriptionID && other.Email == st.Email && !other.Expired(now) {
			return true
		}
	}
	return false
}

// Run sweeps once immediately and then every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	m.sweepOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
		m.log.Error("expiry sweep failed", "err", err)
	}
}
