package memory

import (
	"sync"
	"time"

	"github.com/mnemo-ai/mnemo-core/internal/store"
)

// Message is one turn of conversation history: a rolling short-term
// buffer the agent loop reads every turn, distinct from the long-term
// Entry/Relation memory this package otherwise manages. Persisted to C1
// as session_messages rows, keyed by the agent loop's conversationID.
type Message struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// SQLiteStore implements agent.MemoryStore over internal/store's session
// tables, so conversation history survives process restarts the same way
// long-term facts do. One conversationID maps to one store.Session; Clear
// starts a fresh session rather than deleting rows, preserving the old
// session for the gardener's sleep-tick summarization pass.
type SQLiteStore struct {
	db *store.DB

	mu       sync.Mutex
	sessions map[string]string // conversationID -> active store session ID
}

// NewSQLiteStore wraps db as a conversation message store.
func NewSQLiteStore(db *store.DB) *SQLiteStore {
	return &SQLiteStore{db: db, sessions: make(map[string]string)}
}

func (s *SQLiteStore) ensureSession(conversationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.sessions[conversationID]; ok {
		return id, nil
	}
	sess, err := s.db.CreateSession(store.SingleUser)
	if err != nil {
		return "", err
	}
	s.sessions[conversationID] = sess.ID
	return sess.ID, nil
}

// GetMessages returns the conversation's messages in order, or nil if no
// session has been started yet.
func (s *SQLiteStore) GetMessages(conversationID string) []Message {
	s.mu.Lock()
	sessionID, ok := s.sessions[conversationID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	rows, err := s.db.GetSessionMessages(sessionID)
	if err != nil {
		return nil
	}
	out := make([]Message, len(rows))
	for i, r := range rows {
		out[i] = Message{Role: r.Role, Content: r.Content, Timestamp: r.CreatedAt}
	}
	return out
}

// AddMessage appends a message to the conversation, starting a session on
// first use.
func (s *SQLiteStore) AddMessage(conversationID, role, content string) error {
	sessionID, err := s.ensureSession(conversationID)
	if err != nil {
		return err
	}
	_, err = s.db.AppendSessionMessage(sessionID, role, content)
	return err
}

// GetTokenCount returns a rough char/4 token estimate for the
// conversation's current history.
func (s *SQLiteStore) GetTokenCount(conversationID string) int {
	total := 0
	for _, m := range s.GetMessages(conversationID) {
		total += len(m.Content) / 4
	}
	return total
}

// Clear ends the conversation's active session; the next AddMessage call
// starts a new one, so history resets without destroying the old
// transcript.
func (s *SQLiteStore) Clear(conversationID string) error {
	s.mu.Lock()
	sessionID, ok := s.sessions[conversationID]
	delete(s.sessions, conversationID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.db.EndSession(sessionID)
}

// Stats reports the number of active in-memory conversation sessions.
func (s *SQLiteStore) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"active_conversations": len(s.sessions)}
}
