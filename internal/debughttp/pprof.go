// Package debughttp serves the optional debug listener: pprof profiles and a
// JSON status snapshot of the running process.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"
)

const shutdownTimeout = 5 * time.Second

// StatusFunc returns a JSON-encodable snapshot served at /debug/status.
type StatusFunc func() any

// StartServer starts the debug HTTP server on addr and shuts it down when
// ctx is canceled.  It returns the bound address once the listener is up so
// address conflicts fail fast.  An empty addr disables the server.
func StartServer(ctx context.Context, addr string, log *slog.Logger, component string, status StatusFunc) (net.Addr, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           newDebugMux(status),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if log != nil {
			log.Info("debug listening", "component", strings.TrimSpace(component), "addr", ln.Addr().String())
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && log != nil {
			log.Error("debug server error", "component", strings.TrimSpace(component), "err", err)
		}
	}()

	return ln.Addr(), nil
}

func newDebugMux(status StatusFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)
	mux.HandleFunc("/debug/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body any = map[string]string{}
		if status != nil {
			body = status()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	return mux
}
