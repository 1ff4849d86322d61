// Package postingtest provides an in-process posting service for tests,
// implementing the fixed downstream contract with scriptable failures.
package postingtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/copperline/txrelay/posting"
	"github.com/gorilla/mux"
)

// Record is a transaction as held by the posting service.
type Record struct {
	ID          string    `json:"id"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

type failureMode int

const (
	modeNone failureMode = iota
	// POSTs fail and nothing is committed (a pre-write failure).
	modeFailPost
	// POSTs fail after committing the record (a post-write failure).
	modeFailPostButCommit
)

// Server is an in-process posting service. The zero behavior accepts every
// well-formed POST, rejects duplicate ids with 400, and serves GETs from
// its record map. Failure modes script the partial-failure scenarios the
// delivery state machine must survive.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	records  map[string]Record
	mode     failureMode
	failNext int
	posts    int
}

// NewServer starts a posting service fixture, closed with the test.
func NewServer(t *testing.T) *Server {
	var s = &Server{records: make(map[string]Record)}

	var r = mux.NewRouter()
	r.HandleFunc("/transactions", s.servePost).Methods("POST")
	r.HandleFunc("/transactions/{id}", s.serveGet).Methods("GET")
	r.HandleFunc("/transactions", s.serveList).Methods("GET")
	r.HandleFunc("/cleanup", s.serveCleanup).Methods("POST")
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)

	return s
}

// Client returns a posting.Client dialed at this fixture.
func (s *Server) Client() *posting.Client { return posting.NewClient(s.URL) }

// FailPosts scripts every POST to fail without committing.
func (s *Server) FailPosts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = modeFailPost
}

// FailPostsButCommit scripts every POST to fail after committing its record.
func (s *Server) FailPostsButCommit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = modeFailPostButCommit
}

// FailNextPosts scripts the next |n| POSTs to fail without committing,
// after which behavior returns to normal.
func (s *Server) FailNextPosts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Restore clears any scripted failure mode.
func (s *Server) Restore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = modeNone
	s.failNext = 0
}

// Exists reports whether a record of |id| is held.
func (s *Server) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var _, ok = s.records[id]
	return ok
}

// Count returns the number of records held.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Posts returns the total POSTs received, including failed ones.
func (s *Server) Posts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts
}

// Seed installs a record directly, bypassing POST accounting.
func (s *Server) Seed(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
}

func (s *Server) servePost(w http.ResponseWriter, r *http.Request) {
	var rec Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil || rec.ID == "" {
		http.Error(w, "malformed transaction", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts++

	switch {
	case s.failNext > 0:
		s.failNext--
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
	case s.mode == modeFailPost:
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
	case s.mode == modeFailPostButCommit:
		s.records[rec.ID] = rec
		http.Error(w, "injected post-write failure", http.StatusServiceUnavailable)
	default:
		if _, ok := s.records[rec.ID]; ok {
			http.Error(w, "transaction id already exists", http.StatusBadRequest)
			return
		}
		s.records[rec.ID] = rec
		w.WriteHeader(http.StatusCreated)
	}
}

func (s *Server) serveGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var rec, ok = s.records[mux.Vars(r)["id"]]
	s.mu.Unlock()

	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

func (s *Server) serveList(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	var out = make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"count":        len(out),
		"transactions": out,
	})
}

func (s *Server) serveCleanup(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	var n = len(s.records)
	s.records = make(map[string]Record)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"deleted": n})
}
