package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/turbovpn/tunnelcore/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "turbovpn.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndGetSubscription(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	expires := time.Date(2025, 4, 1, 10, 30, 0, 0, time.UTC)

	saved, err := store.SaveSubscription(ctx, domain.SubscriptionState{
		UserID:         "u1",
		SubscriptionID: "s1",
		Email:          "user_u1",
		CredentialID:   "cred-1",
		ExpiresAt:      expires,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.CreatedAt.IsZero() || saved.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps to be set, got %+v", saved)
	}

	got, err := store.GetSubscription(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "u1" || got.Email != "user_u1" || got.CredentialID != "cred-1" || !got.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected state: %+v", got)
	}
}

func TestSaveSubscriptionReplacesByID(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	first, err := store.SaveSubscription(ctx, domain.SubscriptionState{UserID: "u1", SubscriptionID: "s1", Email: "user_u1", CredentialID: "a", ExpiresAt: time.UnixMilli(1000)})
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.SaveSubscription(ctx, domain.SubscriptionState{UserID: "u1", SubscriptionID: "s1", Email: "user_u1", CredentialID: "b", ExpiresAt: time.UnixMilli(2000)})
	if err != nil {
		t.Fatal(err)
	}
	if second.CredentialID != "b" || second.ExpiresAt.UnixMilli() != 2000 {
		t.Fatalf("expected replacement, got %+v", second)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected created_at to be kept: %s vs %s", first.CreatedAt, second.CreatedAt)
	}
	all, err := store.ListSubscriptions(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 state, got %d", len(all))
	}
}

func TestSaveSubscriptionRequiresID(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	if _, err := store.SaveSubscription(context.Background(), domain.SubscriptionState{UserID: "u1"}); err == nil {
		t.Fatal("expected error for empty subscription id")
	}
}

func TestGetMissingSubscription(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	_, err := store.GetSubscription(context.Background(), "nope")
	if !errors.Is(err, domain.ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestListAndDeleteSubscriptions(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	states := []domain.SubscriptionState{
		{UserID: "u1", SubscriptionID: "s1", Email: "user_u1", CredentialID: "c1", ExpiresAt: now.Add(-time.Hour)},
		{UserID: "u1", SubscriptionID: "s2", Email: "user_u1", CredentialID: "c2", ExpiresAt: now.Add(time.Hour)},
		{UserID: "u2", SubscriptionID: "s3", Email: "user_u2", CredentialID: "c3", ExpiresAt: now},
	}
	for _, st := range states {
		if _, err := store.SaveSubscription(ctx, st); err != nil {
			t.Fatal(err)
		}
	}

	mine, err := store.ListSubscriptions(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 2 || mine[0].SubscriptionID != "s1" || mine[1].SubscriptionID != "s2" {
		t.Fatalf("unexpected user listing: %+v", mine)
	}

	expired, err := store.ListExpiredSubscriptions(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 2 || expired[0].SubscriptionID != "s1" || expired[1].SubscriptionID != "s3" {
		t.Fatalf("unexpected expired listing: %+v", expired)
	}

	if err := store.DeleteSubscription(ctx, "s3"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteSubscription(ctx, "s3"); err != nil {
		t.Fatalf("expected deleting a missing state to succeed, got %v", err)
	}
	n, err := store.DeleteSubscriptionsByUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	all, err := store.ListSubscriptions(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty store, got %+v", all)
	}
}

func TestFlags(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.GetFlag(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing flag, got ok=%v err=%v", ok, err)
	}
	used, err := store.HasUsedTrial(ctx)
	if err != nil || used {
		t.Fatalf("expected no trial used, got %v %v", used, err)
	}
	if err := store.MarkTrialUsed(ctx); err != nil {
		t.Fatal(err)
	}
	used, err = store.HasUsedTrial(ctx)
	if err != nil || !used {
		t.Fatalf("expected trial used, got %v %v", used, err)
	}
	if err := store.SetFlag(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetFlag(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := store.GetFlag(ctx, "k"); !ok || v != "v2" {
		t.Fatalf("expected v2, got %q", v)
	}
}

func TestEnsureUserIDIsStable(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := store.EnsureUserID(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = id
		}()
	}
	wg.Wait()

	stored, ok, err := store.GetFlag(ctx, domain.FlagUserID)
	if err != nil || !ok {
		t.Fatalf("expected stored user id, got ok=%v err=%v", ok, err)
	}
	again, err := store.EnsureUserID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again != stored {
		t.Fatalf("expected stable id %q, got %q", stored, again)
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "path", "turbovpn.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected db file to exist at %s: %v", dbPath, err)
	}
}

func TestOpenInMemory(t *testing.T) {
	store, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := store.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}
