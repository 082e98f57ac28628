// Package session keeps per-document reader state for the server.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-qanetxl/internal/reader"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session: not found")

// Session is one document being read segment by segment. Its mutex
// serialises segments so memory is threaded in order.
type Session struct {
	mu       sync.Mutex
	ID       string
	Question string
	Doc      *reader.Document
	lastUsed time.Time
}

// Store maps session ids to sessions and evicts idle ones.
type Store struct {
	mu   sync.RWMutex
	data map[string]*Session
	ttl  time.Duration
	now  func() time.Time
}

// NewStore creates a store evicting sessions idle for longer than ttl. A
// non-positive ttl keeps sessions forever.
func NewStore(ttl time.Duration) *Store {
	return &Store{data: make(map[string]*Session), ttl: ttl, now: time.Now}
}

// Starter opens a new document for question.
type Starter func(question string) (*reader.Document, error)

// With runs fn with the session id locked, creating it when missing. The
// document is restarted when reset is set or the question changed.
func (s *Store) With(id, question string, reset bool, start Starter, fn func(*Session) error) error {
	sess := s.session(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastUsed = s.now()

	if sess.Doc == nil || reset || sess.Question != question {
		if sess.Doc != nil {
			log.Debug().Str("session", id).Bool("reset", reset).Msg("restarting document")
		}
		doc, err := start(question)
		if err != nil {
			if sess.Doc == nil {
				s.Delete(id)
			}
			return err
		}
		sess.Doc, sess.Question = doc, question
	}
	return fn(sess)
}

// session returns the session for id, creating it unlocked. A new
// session counts as used now so Evict cannot take it before With locks it.
func (s *Store) session(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.data[id]
	if !ok {
		sess = &Session{ID: id, lastUsed: s.now()}
		s.data[id] = sess
		sessionsActive.Set(float64(len(s.data)))
	}
	return sess
}

// View runs fn on an existing session without creating one.
func (s *Store) View(id string, fn func(*Session) error) error {
	s.mu.RLock()
	sess, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.Doc == nil {
		return ErrNotFound
	}
	return fn(sess)
}

// Delete drops a session.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	sessionsActive.Set(float64(len(s.data)))
}

// Size returns the number of sessions.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes sessions idle past the TTL and returns how many went.
func (s *Store) Evict() int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.data {
		// busy sessions are skipped
		if !sess.mu.TryLock() {
			continue
		}
		if sess.lastUsed.Before(cutoff) {
			delete(s.data, id)
			n++
		}
		sess.mu.Unlock()
	}
	if n > 0 {
		sessionsEvicted.Add(float64(n))
		sessionsActive.Set(float64(len(s.data)))
		log.Info().Int("evicted", n).Int("remaining", len(s.data)).Msg("evicted idle sessions")
	}
	return n
}

// Run evicts every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evict()
		}
	}
}
