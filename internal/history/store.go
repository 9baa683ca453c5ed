// Package history persists per-session conversation turns so follow-up
// questions carry context.
package history

import (
	"context"
	"sync"

	"github.com/chatrelay/chatrelay/internal/backend"
)

// Store keeps the rolling transcript of a session.
type Store interface {
	// GetHistory returns the stored turns, oldest first.
	GetHistory(ctx context.Context, sessionKey string) ([]backend.Message, error)
	// AppendMessage adds one turn to the end of the transcript.
	AppendMessage(ctx context.Context, sessionKey string, msg backend.Message) error
	// ClearHistory drops the whole transcript.
	ClearHistory(ctx context.Context, sessionKey string) error
}

// MemoryStore is the in-process fallback used when no redis is configured.
// Transcripts live for the process lifetime only.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]backend.Message
	maxTurns int
}

// NewMemoryStore keeps at most maxTurns turns per session.
func NewMemoryStore(maxTurns int) *MemoryStore {
	if maxTurns <= 0 {
		maxTurns = 40
	}
	return &MemoryStore{
		sessions: make(map[string][]backend.Message),
		maxTurns: maxTurns,
	}
}

func (s *MemoryStore) GetHistory(_ context.Context, sessionKey string) ([]backend.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.sessions[sessionKey]
	out := make([]backend.Message, len(stored))
	copy(out, stored)
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, sessionKey string, msg backend.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := append(s.sessions[sessionKey], msg)
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}
	s.sessions[sessionKey] = turns
	return nil
}

func (s *MemoryStore) ClearHistory(_ context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey)
	return nil
}
