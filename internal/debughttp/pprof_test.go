package debughttp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDebugMuxServesPprofIndex(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rr := httptest.NewRecorder()

	newDebugMux(nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "profile?debug=1") {
		t.Fatalf("expected pprof index body, got %q", rr.Body.String())
	}
}

func TestDebugMuxServesStatus(t *testing.T) {
	t.Parallel()

	mux := newDebugMux(func() any {
		return map[string]any{"up": true, "proxy": "127.0.0.1:8888"}
	})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["up"] != true || got["proxy"] != "127.0.0.1:8888" {
		t.Fatalf("unexpected status %v", got)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/debug/status", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestStartServer(t *testing.T) {
	t.Parallel()

	addr, err := StartServer(context.Background(), "", nil, "test", nil)
	if err != nil || addr != nil {
		t.Fatalf("expected disabled server, got %v, %v", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err = StartServer(ctx, "127.0.0.1:0", nil, "test", func() any { return "ok" })
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get("http://" + addr.String() + "/debug/status")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if _, err := StartServer(ctx, addr.String(), nil, "test", nil); err == nil {
		t.Fatal("expected bind conflict")
	} else if _, ok := err.(*net.OpError); !ok {
		t.Fatalf("expected *net.OpError, got %T", err)
	}
}
