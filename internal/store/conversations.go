package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MainConversation returns the single main conversation, creating it on first
// use. Every bridge and the primary chat surface share this row.
func (s *Store) MainConversation() (*Conversation, error) {
	c, err := s.mainConversation()
	if err == nil {
		return c, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	_, err = s.db.Exec(`INSERT INTO conversations (id, is_main, status, created_at, updated_at)
		VALUES (?, 1, ?, ?, ?)`, id, ConversationIdle, now, now)
	if err != nil {
		// Lost a race against another creator; the unique index on is_main
		// guarantees a single row, so re-read it.
		if existing, rerr := s.mainConversation(); rerr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("creating main conversation: %w", err)
	}
	return s.mainConversation()
}

func (s *Store) mainConversation() (*Conversation, error) {
	row := s.db.QueryRow(`SELECT id, is_main, session_id, status, total_cost_usd,
		message_count, created_at, updated_at
		FROM conversations WHERE is_main = 1`)
	return scanConversation(row)
}

// GetConversation returns a conversation by id.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	row := s.db.QueryRow(`SELECT id, is_main, session_id, status, total_cost_usd,
		message_count, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// SetConversationStatus updates only the running status.
func (s *Store) SetConversationStatus(id, status string) error {
	return s.execExpectingRow(`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
}

// FinishConversationTurn records a completed exchange: new session id, idle
// status, accumulated cost and message count.
func (s *Store) FinishConversationTurn(id, sessionID string, addCost float64, addMessages int) error {
	return s.execExpectingRow(`UPDATE conversations
		SET status = ?, session_id = ?, total_cost_usd = total_cost_usd + ?,
		    message_count = message_count + ?, updated_at = ?
		WHERE id = ?`,
		ConversationIdle, sessionID, addCost, addMessages, time.Now().UTC(), id)
}

// ResetConversationSession clears the resumable session id so the next
// completion call starts fresh.
func (s *Store) ResetConversationSession(id string) error {
	return s.execExpectingRow(`UPDATE conversations SET session_id = '', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
}

// AppendConversationMessage adds one turn. Turns are append-only.
func (s *Store) AppendConversationMessage(m *ConversationMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO conversation_messages
		(id, conversation_id, role, content, source, cost_usd, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.Source, m.CostUSD, m.DurationMS, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting conversation message: %w", err)
	}
	return nil
}

// ListConversationMessages returns a conversation's turns, oldest first.
func (s *Store) ListConversationMessages(conversationID string, limit int) ([]*ConversationMessage, error) {
	q := `SELECT id, conversation_id, role, content, source, cost_usd, duration_ms, created_at
		FROM conversation_messages WHERE conversation_id = ? ORDER BY created_at`
	args := []any{conversationID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing conversation messages: %w", err)
	}
	defer rows.Close()

	var out []*ConversationMessage
	for rows.Next() {
		m := &ConversationMessage{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Source,
			&m.CostUSD, &m.DurationMS, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanConversation(row rowScanner) (*Conversation, error) {
	c := &Conversation{}
	var isMain int
	err := row.Scan(&c.ID, &isMain, &c.SessionID, &c.Status, &c.TotalCostUSD,
		&c.MessageCount, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	c.IsMain = isMain != 0
	return c, nil
}
