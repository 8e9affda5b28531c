// Package consoletest runs an in-process console backend speaking the
// {err, dat} envelope protocol. Tests point clients at Server.URL and shape
// responses through the exported fields and Handle.
package consoletest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Default endpoint paths served by the backend.
const (
	LoginPath   = "/api/auth/login"
	LogoutPath  = "/api/auth/logout"
	ProfilePath = "/api/self/profile"
	UsersPath   = "/api/users"
	TeamsPath   = "/api/teams"
	HostsPath   = "/api/hosts"
)

// Envelope is the wire form of every response.
type Envelope struct {
	Err string `json:"err"`
	Dat any    `json:"dat"`
}

// PageDat is the server-paginated list convention.
type PageDat struct {
	List  []map[string]any `json:"list"`
	Total int              `json:"total"`
}

// RecordedRequest is a request seen by the backend.
type RecordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Server is the fake backend.
type Server struct {
	*httptest.Server
	Router chi.Router

	mu       sync.Mutex
	users    map[string]string // username -> password
	tokens   map[string]string // token -> username
	profiles map[string]map[string]any
	Users    []map[string]any
	Teams    []map[string]any
	Hosts    []map[string]any
	requests []RecordedRequest
	counter  int
}

// New starts a backend with one root user "root"/"root.2020" and a few
// users, teams and hosts.
func New() *Server {
	s := &Server{
		Router:   chi.NewRouter(),
		users:    map[string]string{"root": "root.2020"},
		tokens:   map[string]string{},
		profiles: map[string]map[string]any{},
	}
	s.profiles["root"] = map[string]any{
		"id": 1, "username": "root", "nickname": "Administrator",
		"email": "root@example.com", "phone": "", "is_root": 1,
	}
	for i := 1; i <= 25; i++ {
		s.Users = append(s.Users, map[string]any{"id": i, "username": fmt.Sprintf("user%02d", i)})
	}
	for i := 1; i <= 3; i++ {
		s.Teams = append(s.Teams, map[string]any{"id": i, "name": fmt.Sprintf("team-%d", i)})
	}
	for i := 1; i <= 12; i++ {
		batch := "b1"
		if i > 6 {
			batch = "b2"
		}
		s.Hosts = append(s.Hosts, map[string]any{"id": i, "ident": fmt.Sprintf("host-%02d", i), "batch": batch})
	}

	s.Router.Use(requestLogger, panicHandler, s.record)
	s.Router.Post(LoginPath, s.login)
	s.Router.Post(LogoutPath, s.logout)
	s.Router.Get(ProfilePath, s.authorized(s.profile))
	s.Router.Get(UsersPath, s.authorized(s.list(func() []map[string]any { return s.Users }, "username")))
	s.Router.Get(HostsPath, s.authorized(s.list(func() []map[string]any { return s.Hosts }, "ident")))
	s.Router.Get(TeamsPath, s.authorized(s.teams))

	s.Server = httptest.NewServer(s.Router)
	return s
}

// Handle mounts a custom handler, replacing any existing route.
func (s *Server) Handle(method, pattern string, h http.HandlerFunc) {
	s.Router.Method(method, pattern, h)
}

// AddUser registers credentials and a profile.
func (s *Server) AddUser(username, password string, isRoot bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root := 0
	if isRoot {
		root = 1
	}
	s.users[username] = password
	s.profiles[username] = map[string]any{"id": len(s.profiles) + 1, "username": username, "nickname": username, "is_root": root}
}

// IssueToken returns a valid token for username without a login call.
func (s *Server) IssueToken(username string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issue(username)
}

// ExpireTokens invalidates every issued token.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = map[string]string{}
}

// Requests returns the requests seen so far.
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// LastRequest returns the most recent request for path.
func (s *Server) LastRequest(path string) (RecordedRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		if s.requests[i].Path == path {
			return s.requests[i], true
		}
	}
	return RecordedRequest{}, false
}

// WriteEnvelope writes {err, dat} with the given status.
func WriteEnvelope(w http.ResponseWriter, status int, errMsg string, dat any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Err: errMsg, Dat: dat})
}

func (s *Server) issue(username string) string {
	s.counter++
	tok := fmt.Sprintf("token-%d", s.counter)
	s.tokens[tok] = username
	return tok
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
		}
		s.mu.Lock()
		s.requests = append(s.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			Body:   body,
		})
		s.mu.Unlock()
		r.Body = http.NoBody
		if len(body) > 0 {
			r.Body = newBody(body)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		_, ok := s.tokens[tok]
		s.mu.Unlock()
		if !ok {
			WriteEnvelope(w, http.StatusOK, "unauthorized", nil)
			return
		}
		next(w, r)
	}
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		WriteEnvelope(w, http.StatusOK, "invalid request body", nil)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pw, ok := s.users[creds.Username]; !ok || pw != creds.Password {
		WriteEnvelope(w, http.StatusOK, "invalid username or password", nil)
		return
	}
	WriteEnvelope(w, http.StatusOK, "", map[string]any{"token": s.issue(creds.Username)})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	delete(s.tokens, tok)
	s.mu.Unlock()
	WriteEnvelope(w, http.StatusOK, "", "logout successfully")
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	p := s.profiles[s.tokens[tok]]
	s.mu.Unlock()
	WriteEnvelope(w, http.StatusOK, "", p)
}

func (s *Server) teams(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	teams := append([]map[string]any{}, s.Teams...)
	s.mu.Unlock()
	WriteEnvelope(w, http.StatusOK, "", teams)
}

// list serves a server-paginated collection filtered by the query parameter
// against field, and by batch when present.
func (s *Server) list(rows func() []map[string]any, field string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, err := strconv.Atoi(q.Get("limit"))
		if err != nil || limit <= 0 {
			limit = 20
		}
		page, err := strconv.Atoi(q.Get("p"))
		if err != nil || page <= 0 {
			page = 1
		}
		filter := q.Get("query")
		batch := q.Get("batch")

		s.mu.Lock()
		all := rows()
		matched := make([]map[string]any, 0, len(all))
		for _, row := range all {
			if filter != "" && !strings.Contains(fmt.Sprint(row[field]), filter) {
				continue
			}
			if batch != "" && fmt.Sprint(row["batch"]) != batch {
				continue
			}
			matched = append(matched, row)
		}
		s.mu.Unlock()

		start := (page - 1) * limit
		if start > len(matched) {
			start = len(matched)
		}
		end := start + limit
		if end > len(matched) {
			end = len(matched)
		}
		WriteEnvelope(w, http.StatusOK, "", PageDat{List: matched[start:end], Total: len(matched)})
	}
}
