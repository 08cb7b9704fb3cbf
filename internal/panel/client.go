// Package panel implements a client for the remote multi-tenant admin panel
// that stores per-user tunnel credentials inside "inbound" records.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/turbovpn/tunnelcore/internal/domain"
)

const (
	defaultTimeout       = 15 * time.Second
	connectionCheckLimit = 10 * time.Second
	maxResponseBytes     = 16 << 20
	maxErrorBodyBytes    = 4096
)

// Session is the opaque cookie string returned by login.  An empty Cookie
// is valid when the panel accepted the login without setting one.
type Session struct {
	Cookie string
}

// Options configures a [Client].
type Options struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond paces outbound calls; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	// Flow is written on newly created client records.
	Flow string
	// HTTPClient overrides the default client; its redirect policy is kept.
	HTTPClient *http.Client
}

// Client talks to the panel HTTP API.  Mutations of one inbound are
// serialized within the process.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
	flow    string

	now   func() time.Time
	newID func() string

	locksMu sync.Mutex
	locks   map[int]*sync.Mutex
}

// New validates opts and creates a client.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid panel url %q", opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:    base,
		http:    hc,
		limiter: limiter,
		log:     logger,
		flow:    opts.Flow,
		now:     time.Now,
		newID:   uuid.NewString,
		locks:   make(map[int]*sync.Mutex),
	}, nil
}

// Login posts credentials and returns the session cookie.  A Set-Cookie
// (or Cookie) header is accepted whatever the status and body say; without
// one, a body reporting success yields an empty session.
func (c *Client) Login(ctx context.Context, username, password string) (Session, error) {
	const op = "login"
	body, err := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	if err != nil {
		return Session{}, &domain.PanelError{Op: op, Err: err}
	}
	resp, err := c.do(ctx, http.MethodPost, "/login", Session{}, body)
	if err != nil {
		return Session{}, &domain.PanelError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	// A session header wins over the status and body.
	if cookie := sessionCookie(resp); cookie != "" {
		return Session{Cookie: cookie}, nil
	}
	if cookie := strings.TrimSpace(resp.Header.Get("Cookie")); cookie != "" {
		return Session{Cookie: cookie}, nil
	}

	if err := statusError(op, resp); err != nil {
		return Session{}, err
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	var env domain.PanelResponse
	if json.Unmarshal(raw, &env) != nil {
		return Session{}, &domain.PanelError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: no session cookie", domain.ErrInvalidResponse)}
	}
	if !env.Success {
		msg := env.Msg
		if msg == "" {
			msg = "success=false"
		}
		return Session{}, &domain.PanelError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %s", domain.ErrAuthFailed, msg)}
	}
	return Session{}, nil
}

func sessionCookie(resp *http.Response) string {
	cookies := resp.Cookies()
	parts := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		if ck.Name == "" || ck.MaxAge < 0 {
			continue
		}
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}

// ListInbounds returns every inbound visible to the session.
func (c *Client) ListInbounds(ctx context.Context, s Session) ([]domain.Inbound, error) {
	const op = "list inbounds"
	var inbounds []domain.Inbound
	if err := c.call(ctx, op, http.MethodGet, "/panel/api/inbounds/list", s, nil, &inbounds); err != nil {
		return nil, err
	}
	return inbounds, nil
}

// UpdateInbound replaces the whole inbound object on the panel.
func (c *Client) UpdateInbound(ctx context.Context, s Session, in domain.Inbound) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &domain.PanelError{Op: "update inbound", Err: err}
	}
	return c.call(ctx, "update inbound", http.MethodPost, "/panel/api/inbounds/update/"+strconv.Itoa(in.ID), s, body, nil)
}

// DeleteInbound removes an inbound with all of its clients.
func (c *Client) DeleteInbound(ctx context.Context, s Session, id int) error {
	return c.call(ctx, "delete inbound", http.MethodPost, "/panel/api/inbounds/del/"+strconv.Itoa(id), s, nil, nil)
}

// CheckConnection requests the panel web root.  200 and 302 count as
// reachable.
func (c *Client) CheckConnection(ctx context.Context) error {
	const op = "check connection"
	ctx, cancel := context.WithTimeout(ctx, connectionCheckLimit)
	defer cancel()
	resp, err := c.do(ctx, http.MethodGet, "/xui/", Session{}, nil)
	if err != nil {
		return &domain.PanelError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusFound {
		return &domain.PanelError{Op: op, StatusCode: resp.StatusCode, Err: domain.ErrInvalidResponse}
	}
	return nil
}

// call performs an API request and decodes the envelope's obj into out
// (when non-nil).
func (c *Client) call(ctx context.Context, op, method, path string, s Session, body []byte, out any) error {
	resp, err := c.do(ctx, method, path, s, body)
	if err != nil {
		return &domain.PanelError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(op, resp); err != nil {
		return err
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &domain.PanelError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if len(bytes.TrimSpace(raw)) == 0 && out == nil {
		return nil
	}
	var env domain.PanelResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return &domain.PanelError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %v", domain.ErrInvalidResponse, err)}
	}
	if !env.Success {
		msg := env.Msg
		if msg == "" {
			msg = "success=false"
		}
		return &domain.PanelError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %s", domain.ErrInvalidResponse, msg)}
	}
	if out == nil || len(env.Obj) == 0 || string(env.Obj) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Obj, out); err != nil {
		return &domain.PanelError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %v", domain.ErrInvalidResponse, err)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, s Session, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.Cookie != "" {
		req.Header.Set("Cookie", s.Cookie)
	}
	c.log.Debug("panel request", "method", method, "path", path)
	return c.http.Do(req)
}

// statusError maps non-200 statuses.  Redirects and 401/403 mean the
// session was rejected.
func statusError(op string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	var base error = domain.ErrInvalidResponse
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
		resp.StatusCode >= 300 && resp.StatusCode < 400:
		base = domain.ErrAuthFailed
	}
	if text := strings.TrimSpace(string(msg)); text != "" {
		return &domain.PanelError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %s", base, text)}
	}
	return &domain.PanelError{Op: op, StatusCode: resp.StatusCode, Err: base}
}

// lockInbound serializes read-modify-write cycles on one inbound.
func (c *Client) lockInbound(id int) func() {
	c.locksMu.Lock()
	mu, ok := c.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[id] = mu
	}
	c.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

var errEmptyMatch = errors.New("empty client match")
