package saveapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/draftsync/draftsync/internal/document"
)

// ServerConfig tunes the reference Save API server. The zero value
// disables rate limiting and auth.
type ServerConfig struct {
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server is the in-process reference implementation of the Save API,
// used by the engine's tests and the `draftsync serve` command.
type Server struct {
	cfg     ServerConfig
	mu      sync.RWMutex
	docs    map[string]*document.Document
	limiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	return &Server{
		cfg:  cfg,
		docs: map[string]*document.Document{},
		limiter: &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		},
	}
}

// SetDocument installs or replaces a server-side record. Intended for
// seeding state in tests and the CLI.
func (s *Server) SetDocument(doc document.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := doc
	copied.Blocks = document.CloneBlocks(doc.Blocks)
	s.docs[doc.ID] = &copied
}

// Document returns a snapshot of the server's current record.
func (s *Server) Document(id string) (document.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return document.Document{}, false
	}
	copied := *doc
	copied.Blocks = document.CloneBlocks(doc.Blocks)
	return copied, true
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutPrefix(r.URL.Path, "/documents/")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if s.cfg.Token != "" {
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
	}
	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, id)
	case http.MethodPut:
		s.handlePut(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGet(w http.ResponseWriter, id string) {
	doc, ok := s.Document(id)
	if !ok {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, id string) {
	if retryAfter, limited := s.limiter.check(id); limited {
		seconds := int(retryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", time.Now().UTC().Add(retryAfter).Format(time.RFC1123))
		writeJSON(w, http.StatusTooManyRequests, rateLimitPayload{RetryAfter: seconds})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var raw struct {
		BaseVersion int64           `json:"baseVersion"`
		Content     json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	content, err := document.DecodeBlocks(raw.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if raw.BaseVersion != doc.Version {
		writeJSON(w, http.StatusConflict, conflictPayload{
			Conflict: true,
			Latest: latestPayload{
				Version:   doc.Version,
				Content:   document.CloneBlocks(doc.Blocks),
				UpdatedAt: doc.UpdatedAt,
			},
		})
		return
	}
	doc.Version++
	doc.Blocks = content
	doc.UpdatedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, SaveResult{Version: doc.Version, UpdatedAt: doc.UpdatedAt})
}

func (l *rateLimiter) check(key string) (time.Duration, bool) {
	if l.max <= 0 {
		return 0, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return 0, false
	}
	if entry.count >= l.max {
		return time.Until(entry.resetAt), true
	}
	entry.count++
	l.entries[key] = entry
	return 0, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
