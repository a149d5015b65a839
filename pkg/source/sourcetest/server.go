// Package sourcetest provides an in-process fake of the item API.
package sourcetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jdziat/simple-backfill/pkg/source"
)

// Server serves generated items for IDs 1..MaxID and null above it.
// Every third ID is a comment whose parent is the previous ID; the rest are
// stories.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	maxID    int64
	nulls    map[int64]bool
	failures map[int64]int
	requests map[int64]int
	total    int
	delay    time.Duration
	stalls   map[int64]stall
}

type stall struct {
	remaining int
	delay     time.Duration
}

// NewServer starts a fake API whose maxitem is maxID.
func NewServer(maxID int64) *Server {
	s := &Server{
		maxID:    maxID,
		nulls:    map[int64]bool{},
		failures: map[int64]int{},
		requests: map[int64]int{},
		stalls:   map[int64]stall{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Client returns a source client pointed at the fake with fast timeouts.
func (s *Server) Client() *source.Client {
	return s.ClientWithTimeout(5 * time.Second)
}

// ClientWithTimeout is Client with a custom per-request timeout.
func (s *Server) ClientWithTimeout(timeout time.Duration) *source.Client {
	opts := source.DefaultOptions()
	opts.BaseURL = s.URL
	opts.Timeout = timeout
	opts.RetryAttempts = 2
	opts.RetryBackoff = time.Millisecond
	opts.RetryMaxBackoff = 5 * time.Millisecond
	return source.NewClient(opts)
}

// SetMaxID changes the reported maxitem.
func (s *Server) SetMaxID(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxID = id
}

// Null makes the given IDs return null.
func (s *Server) Null(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.nulls[id] = true
	}
}

// FailTimes makes the next n requests for id return 503. A negative n fails
// every request.
func (s *Server) FailTimes(id int64, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id] = n
}

// SetDelay slows every item response down.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// StallTimes delays the next n responses for id by d.
func (s *Server) StallTimes(id int64, n int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalls[id] = stall{remaining: n, delay: d}
}

// Requests returns how often id was requested.
func (s *Server) Requests(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[id]
}

// TotalRequests returns the number of item requests served.
func (s *Server) TotalRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/maxitem.json":
		s.mu.Lock()
		maxID := s.maxID
		s.mu.Unlock()
		writeJSON(w, maxID)
	case strings.HasPrefix(path, "/item/") && strings.HasSuffix(path, ".json"):
		raw := strings.TrimSuffix(strings.TrimPrefix(path, "/item/"), ".json")
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		s.serveItem(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveItem(w http.ResponseWriter, r *http.Request, id int64) {
	s.mu.Lock()
	s.requests[id]++
	s.total++
	delay := s.delay
	if st, ok := s.stalls[id]; ok && st.remaining > 0 {
		delay += st.delay
		st.remaining--
		s.stalls[id] = st
	}
	fail := false
	if n, ok := s.failures[id]; ok && n != 0 {
		fail = true
		if n > 0 {
			s.failures[id] = n - 1
		}
	}
	null := s.nulls[id] || id > s.maxID
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if null {
		writeJSON(w, nil)
		return
	}
	writeJSON(w, Item(id))
}

// Item returns the generated payload served for id.
func Item(id int64) map[string]any {
	base := map[string]any{
		"id":   id,
		"by":   fmt.Sprintf("user%d", id%97),
		"time": 1160418111 + id,
	}
	if id%3 == 0 {
		base["type"] = "comment"
		base["parent"] = id - 1
		base["text"] = fmt.Sprintf("comment %d", id)
		return base
	}
	base["type"] = "story"
	base["title"] = fmt.Sprintf("Story %d", id)
	base["url"] = fmt.Sprintf("https://example.com/%d", id)
	base["score"] = id % 500
	if (id+1)%3 == 0 {
		base["kids"] = []int64{id + 1}
		base["descendants"] = 1
	}
	return base
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
