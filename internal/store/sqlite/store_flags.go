package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/turbovpn/tunnelcore/internal/domain"
)

// GetFlag returns the value stored under key.
func (s *Store) GetFlag(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.getFlagStmt.QueryRowContext(ctx, key).Scan(&value)
	if err == nil {
		return value, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return "", false, err
}

// SetFlag stores value under key, replacing any previous value.
func (s *Store) SetFlag(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO flags(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// EnsureUserID returns the persisted install user id, generating and storing
// one on first use.  Concurrent callers observe the same id.
func (s *Store) EnsureUserID(ctx context.Context) (string, error) {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO flags(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value WHERE trim(flags.value) = ''`,
		domain.FlagUserID, uuid.NewString()); err != nil {
		return "", err
	}
	id, ok, err := s.GetFlag(ctx, domain.FlagUserID)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(id) == "" {
		return "", errors.New("user id flag was not stored")
	}
	return id, nil
}

// HasUsedTrial reports whether a trial activation already succeeded.
func (s *Store) HasUsedTrial(ctx context.Context) (bool, error) {
	v, ok, err := s.GetFlag(ctx, domain.FlagHasUsedTrial)
	if err != nil || !ok {
		return false, err
	}
	return v == "true", nil
}

// MarkTrialUsed records a successful trial activation.
func (s *Store) MarkTrialUsed(ctx context.Context) error {
	return s.SetFlag(ctx, domain.FlagHasUsedTrial, "true")
}
