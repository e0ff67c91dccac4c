package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/z-relay/internal/model/chat"
)

// DefaultMaxHistory is the number of turns kept per conversation.
const DefaultMaxHistory = 10

// Store keeps the bounded short-term memory of every conversation.
//
// It lives only in process memory: it is created empty at startup and a restart
// drops all history. Conversations are created lazily on the first Append and only
// ever shrink through FIFO eviction.
//
// The internal lock protects the map, not a caller's read-then-append sequence.
// Callers that need that sequence to be atomic for one conversation must serialize
// it themselves (the relay does this through the worker pool).
type Store struct {
	mu         sync.RWMutex
	maxHistory int
	turns      map[chat.ConversationID][]chat.Turn
	now        func() time.Time
}

// NewStore returns an empty Store keeping at most maxHistory turns per conversation.
func NewStore(maxHistory int) *Store {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Store{
		maxHistory: maxHistory,
		turns:      make(map[chat.ConversationID][]chat.Turn),
		now:        time.Now,
	}
}

// MaxHistory reports the per-conversation bound.
func (s *Store) MaxHistory() int {
	return s.maxHistory
}

// Append records a turn, creating the conversation if needed and evicting the
// oldest turns once the bound is exceeded.
func (s *Store) Append(id chat.ConversationID, role chat.Role, content string) {
	turn := chat.Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.turns[id], turn)
	if overflow := len(history) - s.maxHistory; overflow > 0 {
		// copy into a fresh slice so evicted turns are not pinned by the backing array
		trimmed := make([]chat.Turn, s.maxHistory, s.maxHistory+1)
		copy(trimmed, history[overflow:])
		history = trimmed
	}
	s.turns[id] = history
}

// History returns a snapshot of the conversation, oldest turn first. The result
// is a copy and may be empty.
func (s *Store) History(id chat.ConversationID) []chat.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.turns[id]
	copied := make([]chat.Turn, len(turns))
	copy(copied, turns)
	return copied
}

// Len returns the number of turns currently held for a conversation.
func (s *Store) Len(id chat.ConversationID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns[id])
}
