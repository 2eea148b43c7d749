// Package memory keeps per-session query history for the HTTP front end.
package memory

import (
	"context"
	"sync"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single turn in a session.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	QueryID   string    `json:"query_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session holds the message history for one X-Session-ID.
type Session struct {
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store provides in-memory session storage with an inactivity TTL.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxMessages int           // Max messages per session
	ttl         time.Duration // Time-to-live after the last update
	now         func() time.Time
}

// NewStore creates a session store. maxMessages <= 0 keeps everything; ttl <= 0 never expires.
func NewStore(maxMessages int, ttl time.Duration) *Store {
	return &Store{
		sessions:    make(map[string]*Session),
		maxMessages: maxMessages,
		ttl:         ttl,
		now:         time.Now,
	}
}

// Run removes expired sessions every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// AddUserMessage records a query.
func (s *Store) AddUserMessage(sessionID, queryID, content string) {
	s.addMessage(sessionID, RoleUser, queryID, content)
}

// AddAssistantMessage records an answer.
func (s *Store) AddAssistantMessage(sessionID, queryID, content string) {
	s.addMessage(sessionID, RoleAssistant, queryID, content)
}

func (s *Store) addMessage(sessionID, role, queryID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess, exists := s.sessions[sessionID]
	if !exists || s.expired(sess, now) {
		sess = &Session{CreatedAt: now}
		s.sessions[sessionID] = sess
	}

	sess.Messages = append(sess.Messages, Message{
		Role:      role,
		Content:   content,
		QueryID:   queryID,
		Timestamp: now,
	})
	sess.UpdatedAt = now

	// Keep the most recent messages
	if s.maxMessages > 0 && len(sess.Messages) > s.maxMessages {
		sess.Messages = append([]Message(nil), sess.Messages[len(sess.Messages)-s.maxMessages:]...)
	}
}

// History returns a copy of the session's messages, or nil if the session is unknown or expired.
func (s *Store) History(sessionID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[sessionID]
	if !exists || s.expired(sess, s.now()) {
		return nil
	}

	messages := make([]Message, len(sess.Messages))
	copy(messages, sess.Messages)
	return messages
}

// Clear removes a session and reports whether it existed.
func (s *Store) Clear(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	return ok
}

// Len returns the number of stored sessions, expired ones included until the next Cleanup.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Cleanup drops expired sessions and returns how many were removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *Store) expired(sess *Session, now time.Time) bool {
	return s.ttl > 0 && now.Sub(sess.UpdatedAt) > s.ttl
}
