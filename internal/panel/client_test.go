package panel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/turbovpn/tunnelcore/internal/domain"
	"github.com/turbovpn/tunnelcore/internal/panel/paneltest"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Options{BaseURL: baseURL, Timeout: 5 * time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.now = func() time.Time { return fixedNow }
	return c
}

func loggedIn(t *testing.T, srv *paneltest.Server) (*Client, Session) {
	t.Helper()
	c := newTestClient(t, srv.URL)
	s, err := c.Login(context.Background(), "admin", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	return c, s
}

func TestNewRejectsBadURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "ftp://panel", "panel.example.com", "http://"} {
		if _, err := New(Options{BaseURL: raw}, nil); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestLoginReturnsSessionCookie(t *testing.T) {
	t.Parallel()

	srv := paneltest.New(t, "admin", "secret")
	c := newTestClient(t, srv.URL+"/")
	s, err := c.Login(context.Background(), "admin", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if s.Cookie != paneltest.CookieName+"=fake-session" {
		t.Fatalf("unexpected cookie %q", s.Cookie)
	}
	if srv.Logins() != 1 {
		t.Fatalf("expected 1 login, got %d", srv.Logins())
	}
}

func TestLoginWrongPasswordIsAuthFailed(t *testing.T) {
	t.Parallel()

	srv := paneltest.New(t, "admin", "secret")
	c := newTestClient(t, srv.URL)
	_, err := c.Login(context.Background(), "admin", "nope")
	if !errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestLoginStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, domain.ErrAuthFailed},
		{http.StatusForbidden, domain.ErrAuthFailed},
		{http.StatusFound, domain.ErrAuthFailed},
		{http.StatusInternalServerError, domain.ErrInvalidResponse},
		{http.StatusNotFound, domain.ErrInvalidResponse},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusFound {
					http.Redirect(w, r, "/elsewhere", tt.status)
					return
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Login(context.Background(), "a", "b")
			if !errors.Is(err, tt.want) {
				t.Fatalf("status %d: expected %v, got %v", tt.status, tt.want, err)
			}
			var pe *domain.PanelError
			if !errors.As(err, &pe) || pe.StatusCode != tt.status {
				t.Fatalf("expected PanelError with status %d, got %#v", tt.status, err)
			}
		})
	}
}

func TestLoginFallbacks(t *testing.T) {
	t.Parallel()

	t.Run("cookie header", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Cookie", "session=abc")
			_, _ = io.WriteString(w, "ok")
		}))
		defer srv.Close()
		s, err := newTestClient(t, srv.URL).Login(context.Background(), "a", "b")
		if err != nil || s.Cookie != "session=abc" {
			t.Fatalf("got %q, %v", s.Cookie, err)
		}
	})

	t.Run("success without cookie", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"success":true,"msg":""}`)
		}))
		defer srv.Close()
		s, err := newTestClient(t, srv.URL).Login(context.Background(), "a", "b")
		if err != nil || s.Cookie != "" {
			t.Fatalf("got %q, %v", s.Cookie, err)
		}
	})

	t.Run("set-cookie beats success false", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
			_, _ = io.WriteString(w, `{"success":false,"msg":"x"}`)
		}))
		defer srv.Close()
		s, err := newTestClient(t, srv.URL).Login(context.Background(), "a", "b")
		if err != nil || s.Cookie != "session=abc" {
			t.Fatalf("expected session=abc, got %q, %v", s.Cookie, err)
		}
	})

	t.Run("set-cookie on non-200", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()
		s, err := newTestClient(t, srv.URL).Login(context.Background(), "a", "b")
		if err != nil || s.Cookie != "session=abc" {
			t.Fatalf("expected session=abc, got %q, %v", s.Cookie, err)
		}
	})

	t.Run("success false without cookie", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"success":false,"msg":"x"}`)
		}))
		defer srv.Close()
		_, err := newTestClient(t, srv.URL).Login(context.Background(), "a", "b")
		if !errors.Is(err, domain.ErrAuthFailed) {
			t.Fatalf("expected ErrAuthFailed, got %v", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "<html>")
		}))
		defer srv.Close()
		_, err := newTestClient(t, srv.URL).Login(context.Background(), "a", "b")
		if !errors.Is(err, domain.ErrInvalidResponse) {
			t.Fatalf("expected ErrInvalidResponse, got %v", err)
		}
	})
}

func TestListInboundsRequiresSession(t *testing.T) {
	t.Parallel()

	srv := paneltest.New(t, "admin", "secret")
	srv.AddInbound(1, 443, "main")
	c := newTestClient(t, srv.URL)
	_, err := c.ListInbounds(context.Background(), Session{})
	if !errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed for missing session, got %v", err)
	}
}

func TestListInboundsInvalidJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"success":true,"obj":"nope"}`)
	}))
	defer srv.Close()
	_, err := newTestClient(t, srv.URL).ListInbounds(context.Background(), Session{Cookie: "x=y"})
	if !errors.Is(err, domain.ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestListInboundsSendsCookie(t *testing.T) {
	t.Parallel()

	srv := paneltest.New(t, "admin", "secret")
	srv.AddInbound(1, 443, "main", domain.ClientRecord{ID: "c1", Email: "user_a", Enable: true})
	srv.AddInbound(2, 8443, "alt")
	c, s := loggedIn(t, srv)

	inbounds, err := c.ListInbounds(context.Background(), s)
	if err != nil {
		t.Fatalf("ListInbounds() error = %v", err)
	}
	if len(inbounds) != 2 || inbounds[0].Port != 443 || inbounds[1].Port != 8443 {
		t.Fatalf("unexpected inbounds: %+v", inbounds)
	}
}

func TestUpsertClientCreatesNewClient(t *testing.T) {
	t.Parallel()

	srv := paneltest.New(t, "admin", "secret")
	srv.AddInbound(7, 443, "main")
	c, s := loggedIn(t, srv)
	c.newID = func() string { return "11111111-2222-3333-4444-555555555555" }

	rec, err := c.UpsertClient(context.Background(), s, 443, "user_a", 30)
	if err != nil {
		t.Fatalf("UpsertClient() error = %v", err)
	}
	want := fixedNow.UnixMilli() + 30*domain.MillisPerDay
	if rec.ExpiryTime != want {
		t.Fatalf("expected expiry %d, got %d", want, rec.ExpiryTime)
	}
	clients := srv.Clients(7)
	if len(clients) != 1 {
		t.Fatalf("expected 1 client, got %d", len(clients))
	}
	got := clients[0]
	if got.ID != rec.ID || got.Email != "user_a" || !got.Enable || got.Flow != "" || got.LimitIP != 0 || got.TotalGB != 0 {
		t.Fatalf("unexpected stored client: %+v", got)
	}
}

func TestUpsertClientExtendsFromLaterOfNowAndExpiry(t *testing.T) {
	t.Parallel()

	future := fixedNow.Add(10 * 24 * time.Hour).UnixMilli()
	past := fixedNow.Add(-5 * 24 * time.Hour).UnixMilli()

	tests := []struct {
		name   string
		expiry int64
		want   int64
	}{
		{"active", future, future + 3*domain.MillisPerDay},
		{"expired", past, fixedNow.UnixMilli() + 3*domain.MillisPerDay},
		{"no expiry", 0, fixedNow.UnixMilli() + 3*domain.MillisPerDay},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := paneltest.New(t, "admin", "secret")
			srv.AddInbound(1, 443, "main", domain.ClientRecord{ID: "keep-id", Email: "user_a", ExpiryTime: tt.expiry, Enable: false, LimitIP: 2})
			c, s := loggedIn(t, srv)

			rec, err := c.UpsertClient(context.Background(), s, 443, "user_a", 3)
			if err != nil {
				t.Fatalf("UpsertClient() error = %v", err)
			}
			if rec.ExpiryTime != tt.want {
				t.Fatalf("expected expiry %d, got %d", tt.want, rec.ExpiryTime)
			}
			clients := srv.Clients(1)
			if len(clients) != 1 {
				t.Fatalf("expected renewal in place, got %d clients", len(clients))
			}
			if clients[0].ID != "keep-id" || clients[0].LimitIP != 2 || !clients[0].Enable {
				t.Fatalf("unexpected renewed client: %+v", clients[0])
			}
		})
	}
}

func TestUpsertClientNoInboundForPort(t *testing.T) {
	t.Parallel()

	srv := paneltest.New(t, "admin", "secret")
	srv.AddInbound(1, 8443, "alt")
	c, s := loggedIn(t, srv)

	_, err := c.UpsertClient(context.Background(), s, 443, "user_a", 3)
	if !errors.Is(err, domain.ErrNoInboundForPort) {
		t.Fatalf("expected ErrNoInboundForPort, got %v", err)
	}
}

func TestUpsertClientUpdateRejected(t *testing.T) {
	t.Parallel()

	srv := paneltest.New(t, "admin", "secret")
	srv.AddInbound(1, 443, "main")
	srv.FailUpdates(true)
	c, s := loggedIn(t, srv)

	_, err := c.UpsertClient(context.Background(), s, 443, "user_a", 3)
	if !errors.Is(err, domain.ErrActivationFailed) {
		t.Fatalf("expected ErrActivationFailed, got %v", err)
	}
	if !errors.Is(err, domain.ErrInvalidResponse) {
		t.Fatalf("expected cause to be kept, got %v", err)
	}
}

func TestUpsertClientPreservesUnknownFields(t *testing.T) {
	t.Parallel()

	srv := paneltest.New(t, "admin", "secret")
	srv.AddRawInbound(3, []byte(`{"id":3,"port":443,"remark":"main","protocol":"vless","enable":true,`+
		`"streamSettings":"{\"network\":\"tcp\"}","tag":"inbound-443",`+
		`"settings":"{\"clients\":[{\"id\":\"x\",\"email\":\"other\",\"subId\":\"abc\",\"tgId\":\"\"}],\"decryption\":\"none\"}"}`))
	c, s := loggedIn(t, srv)

	if _, err := c.UpsertClient(context.Background(), s, 443, "user_a", 3); err != nil {
		t.Fatalf("UpsertClient() error = %v", err)
	}
	raw := string(srv.RawInbound(3))
	for _, want := range []string{`"streamSettings"`, `"tag":"inbound-443"`, `decryption`, `subId`} {
		if !strings.Contains(raw, want) {
			t.Fatalf("expected %s to survive update, got %s", want, raw)
		}
	}
	if got := len(srv.Clients(3)); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}
}

func TestConcurrentUpsertsKeepEveryClient(t *testing.T) {
	t.Parallel()

	srv := paneltest.New(t, "admin", "secret")
	srv.AddInbound(1, 443, "main")
	c, s := loggedIn(t, srv)

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.UpsertClient(context.Background(), s, 443, fmt.Sprintf("user_%d", i), 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("UpsertClient() error = %v", err)
		}
	}
	if got := len(srv.Clients(1)); got != n {
		t.Fatalf("expected %d clients after concurrent upserts, got %d", n, got)
	}
}

func TestFindAndRemoveClient(t *testing.T) {
	t.Parallel()

	srv := paneltest.New(t, "admin", "secret")
	srv.AddInbound(1, 8443, "alt", domain.ClientRecord{ID: "a", Email: "someone"})
	srv.AddInbound(2, 443, "main",
		domain.ClientRecord{ID: "b", Email: "user_42"},
		domain.ClientRecord{ID: "c", Email: "user_43"},
	)
	c, s := loggedIn(t, srv)

	rec, in, err := c.FindClient(context.Background(), s, "user_42")
	if err != nil {
		t.Fatalf("FindClient() error = %v", err)
	}
	if rec.ID != "b" || in.ID != 2 {
		t.Fatalf("unexpected match %+v in inbound %d", rec, in.ID)
	}

	if err := c.RemoveClient(context.Background(), s, in.ID, rec.ID); err != nil {
		t.Fatalf("RemoveClient() error = %v", err)
	}
	clients := srv.Clients(2)
	if len(clients) != 1 || clients[0].ID != "c" {
		t.Fatalf("unexpected clients after removal: %+v", clients)
	}

	_, _, err = c.FindClient(context.Background(), s, "user_42")
	if !errors.Is(err, domain.ErrClientNotFound) {
		t.Fatalf("expected ErrClientNotFound, got %v", err)
	}
	if err := c.RemoveClient(context.Background(), s, 2, "b"); !errors.Is(err, domain.ErrClientNotFound) {
		t.Fatalf("expected ErrClientNotFound on second removal, got %v", err)
	}
}

func TestFindClientMatchesSubstring(t *testing.T) {
	t.Parallel()

	srv := paneltest.New(t, "admin", "secret")
	srv.AddInbound(1, 443, "main", domain.ClientRecord{ID: "z", Email: "promo_user_9"})
	c, s := loggedIn(t, srv)

	rec, _, err := c.FindClient(context.Background(), s, "user_9")
	if err != nil || rec.ID != "z" {
		t.Fatalf("got %+v, %v", rec, err)
	}
	if _, _, err := c.FindClient(context.Background(), s, " "); err == nil {
		t.Fatal("expected error for empty needle")
	}
}

func TestDeleteClientsMatching(t *testing.T) {
	t.Parallel()

	srv := paneltest.New(t, "admin", "secret")
	srv.AddInbound(1, 443, "main",
		domain.ClientRecord{ID: "1", Email: "test_a"},
		domain.ClientRecord{ID: "2", Email: "user_b"},
	)
	srv.AddInbound(2, 8443, "alt", domain.ClientRecord{ID: "3", Email: "test_c"})
	c, s := loggedIn(t, srv)

	n, err := c.DeleteClientsMatching(context.Background(), s, "test_")
	if err != nil {
		t.Fatalf("DeleteClientsMatching() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if got := srv.Clients(1); len(got) != 1 || got[0].Email != "user_b" {
		t.Fatalf("unexpected clients: %+v", got)
	}
	if got := srv.Clients(2); len(got) != 0 {
		t.Fatalf("expected empty inbound, got %+v", got)
	}
	if _, err := c.DeleteClientsMatching(context.Background(), s, ""); err == nil {
		t.Fatal("expected error for empty match")
	}
}

func TestDeleteInbound(t *testing.T) {
	t.Parallel()

	srv := paneltest.New(t, "admin", "secret")
	srv.AddInbound(5, 443, "main")
	c, s := loggedIn(t, srv)

	if err := c.DeleteInbound(context.Background(), s, 5); err != nil {
		t.Fatalf("DeleteInbound() error = %v", err)
	}
	if _, ok := srv.Inbound(5); ok {
		t.Fatal("expected inbound to be gone")
	}
	if err := c.DeleteInbound(context.Background(), s, 5); !errors.Is(err, domain.ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse deleting a missing inbound, got %v", err)
	}
}

func TestCheckConnection(t *testing.T) {
	t.Parallel()

	srv := paneltest.New(t, "admin", "secret")
	if err := newTestClient(t, srv.URL).CheckConnection(context.Background()); err != nil {
		t.Fatalf("CheckConnection() error = %v", err)
	}

	redirect := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer redirect.Close()
	if err := newTestClient(t, redirect.URL).CheckConnection(context.Background()); err != nil {
		t.Fatalf("expected 302 to count as reachable, got %v", err)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()
	if err := newTestClient(t, broken.URL).CheckConnection(context.Background()); err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestRateLimiterHonoursContext(t *testing.T) {
	t.Parallel()

	srv := paneltest.New(t, "admin", "secret")
	c, err := New(Options{BaseURL: srv.URL, RequestsPerSecond: 0.001, Burst: 1}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.CheckConnection(context.Background()); err != nil {
		t.Fatalf("first call should use the burst token: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.CheckConnection(ctx); err == nil {
		t.Fatal("expected paced call to fail once the context expires")
	}
}
