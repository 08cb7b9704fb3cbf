package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/turbovpn/tunnelcore/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (domain.SubscriptionState, error) {
	var st domain.SubscriptionState
	var expiresAt int64
	if err := row.Scan(&st.SubscriptionID, &st.UserID, &st.Email, &st.CredentialID, &expiresAt, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return domain.SubscriptionState{}, err
	}
	st.ExpiresAt = fromMillis(expiresAt)
	st.CreatedAt = st.CreatedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

// SaveSubscription inserts or replaces the state keyed by its
// SubscriptionID.  CreatedAt of an existing row is kept.
func (s *Store) SaveSubscription(ctx context.Context, st domain.SubscriptionState) (domain.SubscriptionState, error) {
	st.SubscriptionID = strings.TrimSpace(st.SubscriptionID)
	if st.SubscriptionID == "" {
		return domain.SubscriptionState{}, errors.New("subscription id is required")
	}
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
INSERT INTO subscriptions(subscription_id, user_id, email, credential_id, expires_at, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(subscription_id) DO UPDATE SET
	user_id = excluded.user_id,
	email = excluded.email,
	credential_id = excluded.credential_id,
	expires_at = excluded.expires_at,
	updated_at = excluded.updated_at`,
		st.SubscriptionID, st.UserID, st.Email, st.CredentialID, toMillis(st.ExpiresAt), st.CreatedAt.UTC(), st.UpdatedAt)
	if err != nil {
		return domain.SubscriptionState{}, err
	}
	return s.GetSubscription(ctx, st.SubscriptionID)
}

// GetSubscription returns the state for subscriptionID or
// [domain.ErrSubscriptionNotFound].
func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (domain.SubscriptionState, error) {
	st, err := scanSubscription(s.getSubscriptionStmt.QueryRowContext(ctx, subscriptionID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SubscriptionState{}, domain.ErrSubscriptionNotFound
	}
	return st, err
}

// ListSubscriptions returns every state ordered by expiry.  A non-empty
// userID restricts the result to that user.
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]domain.SubscriptionState, error) {
	query := `
SELECT subscription_id, user_id, email, credential_id, expires_at, created_at, updated_at
FROM subscriptions`
	var args []any
	if userID = strings.TrimSpace(userID); userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY expires_at ASC, subscription_id ASC`
	return s.querySubscriptions(ctx, query, args...)
}

// ListExpiredSubscriptions returns states whose expiry is not after now.
func (s *Store) ListExpiredSubscriptions(ctx context.Context, now time.Time) ([]domain.SubscriptionState, error) {
	return s.querySubscriptions(ctx, `
SELECT subscription_id, user_id, email, credential_id, expires_at, created_at, updated_at
FROM subscriptions
WHERE expires_at <= ?
ORDER BY expires_at ASC, subscription_id ASC`, now.UnixMilli())
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...any) ([]domain.SubscriptionState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.SubscriptionState
	for rows.Next() {
		st, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSubscription removes one state.  Deleting a missing state is not an
// error.
func (s *Store) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE subscription_id = ?`, subscriptionID)
	return err
}

// DeleteSubscriptionsByUser removes every state of userID and reports how
// many were removed.
func (s *Store) DeleteSubscriptionsByUser(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
