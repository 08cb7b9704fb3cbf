// Package paneltest provides an in-process fake of the admin panel API for
// tests.
package paneltest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	"github.com/turbovpn/tunnelcore/internal/domain"
)

const (
	// CookieName is the session cookie set on successful login.
	CookieName  = "3x-ui"
	cookieValue = "fake-session"
)

// Server is a fake panel.  Inbounds are kept as raw JSON so that fields
// the client does not model survive round trips.
type Server struct {
	*httptest.Server

	username string
	password string

	mu          sync.Mutex
	order       []int
	inbounds    map[int]json.RawMessage
	failUpdates bool
	updates     int
	logins      int
}

// New starts a fake panel that accepts the given credentials.  It is closed
// when the test ends.
func New(t testing.TB, username, password string) *Server {
	t.Helper()
	s := &Server{
		username: username,
		password: password,
		inbounds: make(map[int]json.RawMessage),
	}
	s.Server = httptest.NewServer(s.router())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/xui/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/panel/api/inbounds").Subrouter()
	api.Use(s.requireSession)
	api.HandleFunc("/list", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/update/{id:[0-9]+}", s.handleUpdate).Methods(http.MethodPost)
	api.HandleFunc("/del/{id:[0-9]+}", s.handleDelete).Methods(http.MethodPost)
	return r
}

// AddInbound registers an inbound holding clients.
func (s *Server) AddInbound(id, port int, remark string, clients ...domain.ClientRecord) {
	settings := domain.InboundSettings{Clients: clients}
	text, err := settings.Encode()
	if err != nil {
		panic(err)
	}
	in := domain.Inbound{ID: id, Port: port, Remark: remark, Protocol: "vless", Enable: true, Settings: text}
	raw, err := json.Marshal(in)
	if err != nil {
		panic(err)
	}
	s.AddRawInbound(id, raw)
}

// AddRawInbound registers an inbound from its JSON form.
func (s *Server) AddRawInbound(id int, raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbounds[id]; !ok {
		s.order = append(s.order, id)
	}
	s.inbounds[id] = raw
}

// Inbound returns the stored inbound decoded.
func (s *Server) Inbound(id int) (domain.Inbound, bool) {
	s.mu.Lock()
	raw, ok := s.inbounds[id]
	s.mu.Unlock()
	if !ok {
		return domain.Inbound{}, false
	}
	var in domain.Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		panic(err)
	}
	return in, true
}

// RawInbound returns the stored JSON of an inbound.
func (s *Server) RawInbound(id int) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbounds[id]
}

// Clients returns the clients stored on an inbound.
func (s *Server) Clients(id int) []domain.ClientRecord {
	in, ok := s.Inbound(id)
	if !ok {
		return nil
	}
	settings, err := domain.ParseInboundSettings(in.Settings)
	if err != nil {
		panic(err)
	}
	return settings.Clients
}

// FailUpdates makes update calls answer success=false.
func (s *Server) FailUpdates(fail bool) {
	s.mu.Lock()
	s.failUpdates = fail
	s.mu.Unlock()
}

// Updates reports how many update calls were applied.
func (s *Server) Updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

// Logins reports how many logins succeeded.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, domain.PanelResponse{Success: false, Msg: "bad request"})
		return
	}
	if req.Username != s.username || req.Password != s.password {
		writeJSON(w, domain.PanelResponse{Success: false, Msg: "wrong username or password"})
		return
	}
	s.mu.Lock()
	s.logins++
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: CookieName, Value: cookieValue, Path: "/", HttpOnly: true})
	writeJSON(w, domain.PanelResponse{Success: true, Msg: "login ok"})
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie(CookieName)
		if err != nil || ck.Value != cookieValue {
			http.Redirect(w, r, "/login", http.StatusTemporaryRedirect)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	list := make([]json.RawMessage, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, s.inbounds[id])
	}
	s.mu.Unlock()
	obj, _ := json.Marshal(list)
	writeJSON(w, domain.PanelResponse{Success: true, Obj: obj})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var in domain.Inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.ID != id {
		writeJSON(w, domain.PanelResponse{Success: false, Msg: "invalid inbound"})
		return
	}
	if _, err := domain.ParseInboundSettings(in.Settings); err != nil {
		writeJSON(w, domain.PanelResponse{Success: false, Msg: "invalid settings"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates {
		writeJSON(w, domain.PanelResponse{Success: false, Msg: "update rejected"})
		return
	}
	if _, ok := s.inbounds[id]; !ok {
		writeJSON(w, domain.PanelResponse{Success: false, Msg: fmt.Sprintf("inbound %d not found", id)})
		return
	}
	s.inbounds[id] = raw
	s.updates++
	writeJSON(w, domain.PanelResponse{Success: true, Msg: "updated"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbounds[id]; !ok {
		writeJSON(w, domain.PanelResponse{Success: false, Msg: "not found"})
		return
	}
	delete(s.inbounds, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	writeJSON(w, domain.PanelResponse{Success: true, Msg: "deleted"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
