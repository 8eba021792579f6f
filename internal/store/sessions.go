package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session carries metadata and cumulative token counts for one
// conversation session.
type Session struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	StartedAt    time.Time      `json:"startedAt"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`
	InputTokens  int64          `json:"inputTokens"`
	OutputTokens int64          `json:"outputTokens"`
	Metadata     map[string]any `json:"metadata"`
}

// SessionMessage is one ordered turn in a session; Content holds either
// plain text or a JSON-encoded list of typed content blocks.
type SessionMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionSummary is an LLM-produced digest of a completed session, with
// its own embedding for cross-session retrieval.
type SessionSummary struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Summary   string    `json:"summary"`
	Embedding []float32 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateSession inserts a new session row.
func (d *DB) CreateSession(userID string) (*Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	if userID == "" {
		userID = SingleUser
	}
	now := time.Now().UTC()
	s := &Session{ID: id.String(), UserID: userID, StartedAt: now, Metadata: map[string]any{}}

	_, err = d.db.Exec(`INSERT INTO sessions (id, user_id, started_at, metadata) VALUES (?,?,?,?)`,
		s.ID, s.UserID, now.Format(time.RFC3339Nano), "{}")
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// GetSession retrieves a session by id.
func (d *DB) GetSession(id string) (*Session, error) {
	row := d.db.QueryRow(`SELECT id, user_id, started_at, ended_at, input_tokens, output_tokens, metadata FROM sessions WHERE id = ?`, id)
	var s Session
	var startedStr string
	var endedStr sql.NullString
	var metaRaw string
	err := row.Scan(&s.ID, &s.UserID, &startedStr, &endedStr, &s.InputTokens, &s.OutputTokens, &metaRaw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	if endedStr.Valid {
		t, _ := time.Parse(time.RFC3339Nano, endedStr.String)
		s.EndedAt = &t
	}
	_ = json.Unmarshal([]byte(metaRaw), &s.Metadata)
	return &s, nil
}

// RecordSessionUsage adds to a session's cumulative token counts.
func (d *DB) RecordSessionUsage(sessionID string, inputTokens, outputTokens int64) error {
	_, err := d.db.Exec(`
		UPDATE sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ? WHERE id = ?
	`, inputTokens, outputTokens, sessionID)
	return err
}

// EndSession stamps ended_at on a session.
func (d *DB) EndSession(sessionID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := d.db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`, now, sessionID)
	return err
}

// AppendSessionMessage inserts the next message in sequence order for a
// session. Seq is assigned as max(seq)+1 under the same connection, which
// is serialized by the single-writer pool.
func (d *DB) AppendSessionMessage(sessionID, role, content string) (*SessionMessage, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	var maxSeq sql.NullInt64
	if err := d.db.QueryRow(`SELECT MAX(seq) FROM session_messages WHERE session_id = ?`, sessionID).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("compute next seq: %w", err)
	}
	seq := int64(1)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}
	now := time.Now().UTC()
	msg := &SessionMessage{ID: id.String(), SessionID: sessionID, Seq: seq, Role: role, Content: content, CreatedAt: now}

	_, err = d.db.Exec(`
		INSERT INTO session_messages (id, session_id, seq, role, content, created_at) VALUES (?,?,?,?,?,?)
	`, msg.ID, msg.SessionID, msg.Seq, msg.Role, msg.Content, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert session message: %w", err)
	}
	return msg, nil
}

// GetSessionMessages returns all messages for a session in insertion order.
func (d *DB) GetSessionMessages(sessionID string) ([]SessionMessage, error) {
	rows, err := d.db.Query(`
		SELECT id, session_id, seq, role, content, created_at FROM session_messages
		WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session messages: %w", err)
	}
	defer rows.Close()

	var out []SessionMessage
	for rows.Next() {
		var m SessionMessage
		var createdStr string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &createdStr); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, m)
	}
	return out, rows.Err()
}

// PutSessionSummary inserts a session summary with its embedding.
func (d *DB) PutSessionSummary(sessionID, summary string, embedding []float32) (*SessionSummary, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate summary id: %w", err)
	}
	now := time.Now().UTC()
	s := &SessionSummary{ID: id.String(), SessionID: sessionID, Summary: summary, Embedding: embedding, CreatedAt: now}

	_, err = d.db.Exec(`
		INSERT INTO session_summaries (id, session_id, summary, embedding, created_at) VALUES (?,?,?,?,?)
	`, s.ID, s.SessionID, s.Summary, encodeEmbedding(embedding), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert session summary: %w", err)
	}
	return s, nil
}

// GetSessionSummary returns the stored summary for sessionID, or nil if
// none has been generated yet (e.g. the session hasn't ended, or the
// gardener's sleep tick hasn't reached it).
func (d *DB) GetSessionSummary(sessionID string) (*SessionSummary, error) {
	row := d.db.QueryRow(`
		SELECT id, session_id, summary, embedding, created_at FROM session_summaries
		WHERE session_id = ?
	`, sessionID)
	var s SessionSummary
	var embRaw []byte
	var createdStr string
	err := row.Scan(&s.ID, &s.SessionID, &s.Summary, &embRaw, &createdStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session summary: %w", err)
	}
	s.Embedding = decodeEmbedding(embRaw)
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return &s, nil
}

// SessionsWithoutSummary returns ended sessions that have no summary row
// yet, for the gardener's sleep tick.
func (d *DB) SessionsWithoutSummary(limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := d.db.Query(`
		SELECT s.id, s.user_id, s.started_at, s.ended_at, s.input_tokens, s.output_tokens, s.metadata
		FROM sessions s
		WHERE s.ended_at IS NOT NULL AND NOT EXISTS (
			SELECT 1 FROM session_summaries ss WHERE ss.session_id = s.id
		)
		ORDER BY s.ended_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sessions without summary: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var s Session
		var startedStr string
		var endedStr sql.NullString
		var metaRaw string
		if err := rows.Scan(&s.ID, &s.UserID, &startedStr, &endedStr, &s.InputTokens, &s.OutputTokens, &metaRaw); err != nil {
			return nil, err
		}
		s.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
		if endedStr.Valid {
			t, _ := time.Parse(time.RFC3339Nano, endedStr.String)
			s.EndedAt = &t
		}
		_ = json.Unmarshal([]byte(metaRaw), &s.Metadata)
		out = append(out, &s)
	}
	return out, rows.Err()
}
