package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed record store for bridges, messages, conversations,
// secrets and usage telemetry.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	slog.Info("store opened", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS bridges (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			name TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 0,
			config TEXT NOT NULL DEFAULT '{}',
			secret_keys TEXT NOT NULL DEFAULT '[]',
			health_status TEXT NOT NULL DEFAULT 'disconnected',
			health_message TEXT NOT NULL DEFAULT '',
			health_checked_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS bridge_messages (
			id TEXT PRIMARY KEY,
			bridge_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			platform TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			attachments TEXT NOT NULL DEFAULT '',
			platform_message_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			conversation_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_bridge_messages_bridge
			ON bridge_messages(bridge_id, created_at);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			is_main INTEGER NOT NULL DEFAULT 0,
			session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'idle',
			total_cost_usd REAL NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_main
			ON conversations(is_main) WHERE is_main = 1;

		CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			cost_usd REAL NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_conversation_messages_conversation
			ON conversation_messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS secrets (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS usage (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			backend TEXT NOT NULL DEFAULT '',
			cost_usd REAL NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			num_turns INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- bridges ---

// CreateBridge inserts a new bridge configuration. A missing ID is generated.
func (s *Store) CreateBridge(b *Bridge) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.HealthStatus == "" {
		b.HealthStatus = HealthDisconnected
	}
	keys, err := json.Marshal(b.SecretKeys)
	if err != nil {
		return fmt.Errorf("marshaling secret keys: %w", err)
	}
	cfg := b.Config
	if cfg == "" {
		cfg = "{}"
	}
	_, err = s.db.Exec(`INSERT INTO bridges
		(id, platform, name, enabled, config, secret_keys, health_status, health_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Platform, b.Name, boolInt(b.Enabled), cfg, string(keys),
		b.HealthStatus, b.HealthMessage, now, now)
	if err != nil {
		return fmt.Errorf("inserting bridge: %w", err)
	}
	return nil
}

// GetBridge returns the bridge with the given id, or ErrNotFound.
func (s *Store) GetBridge(id string) (*Bridge, error) {
	row := s.db.QueryRow(`SELECT id, platform, name, enabled, config, secret_keys,
		health_status, health_message, health_checked_at, created_at, updated_at
		FROM bridges WHERE id = ?`, id)
	return scanBridge(row)
}

// ListBridges returns all bridges; if enabledOnly is set, only enabled ones.
func (s *Store) ListBridges(enabledOnly bool) ([]*Bridge, error) {
	q := `SELECT id, platform, name, enabled, config, secret_keys,
		health_status, health_message, health_checked_at, created_at, updated_at
		FROM bridges`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("listing bridges: %w", err)
	}
	defer rows.Close()

	var out []*Bridge
	for rows.Next() {
		b, err := scanBridge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetBridgeEnabled flips the enabled flag.
func (s *Store) SetBridgeEnabled(id string, enabled bool) error {
	return s.execExpectingRow(`UPDATE bridges SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), time.Now().UTC(), id)
}

// SetBridgeHealth records the result of a health check or lifecycle transition.
func (s *Store) SetBridgeHealth(id, status, message string) error {
	now := time.Now().UTC()
	return s.execExpectingRow(`UPDATE bridges
		SET health_status = ?, health_message = ?, health_checked_at = ?, updated_at = ?
		WHERE id = ?`, status, message, now, now, id)
}

// AddBridgeSecretKey records that a secret with the given key belongs to the
// bridge. Adding an already-present key is a no-op.
func (s *Store) AddBridgeSecretKey(id, key string) error {
	b, err := s.GetBridge(id)
	if err != nil {
		return err
	}
	for _, k := range b.SecretKeys {
		if k == key {
			return nil
		}
	}
	keys, err := json.Marshal(append(b.SecretKeys, key))
	if err != nil {
		return fmt.Errorf("marshaling secret keys: %w", err)
	}
	return s.execExpectingRow(`UPDATE bridges SET secret_keys = ?, updated_at = ? WHERE id = ?`,
		string(keys), time.Now().UTC(), id)
}

// DeleteBridge removes a bridge configuration. Messages are kept for history.
func (s *Store) DeleteBridge(id string) error {
	return s.execExpectingRow(`DELETE FROM bridges WHERE id = ?`, id)
}

// --- bridge messages ---

// InsertMessage persists a bridge message row. A missing ID is generated.
func (s *Store) InsertMessage(m *BridgeMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO bridge_messages
		(id, bridge_id, direction, platform, sender, sender_name, content, attachments,
		 platform_message_id, status, error, attempts, conversation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.BridgeID, m.Direction, m.Platform, m.Sender, m.SenderName, m.Content,
		m.Attachments, m.PlatformMessageID, m.Status, m.Error, m.Attempts,
		m.ConversationID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting bridge message: %w", err)
	}
	return nil
}

// UpdateMessageStatus moves a message to a terminal status, recording the
// platform message id or error and bumping the attempt counter.
func (s *Store) UpdateMessageStatus(id, status, platformMessageID, errText string) error {
	return s.execExpectingRow(`UPDATE bridge_messages
		SET status = ?, platform_message_id = ?, error = ?, attempts = attempts + 1
		WHERE id = ?`, status, platformMessageID, errText, id)
}

// GetMessage returns one bridge message row.
func (s *Store) GetMessage(id string) (*BridgeMessage, error) {
	row := s.db.QueryRow(`SELECT id, bridge_id, direction, platform, sender, sender_name,
		content, attachments, platform_message_id, status, error, attempts,
		conversation_id, created_at
		FROM bridge_messages WHERE id = ?`, id)
	m := &BridgeMessage{}
	err := row.Scan(&m.ID, &m.BridgeID, &m.Direction, &m.Platform, &m.Sender,
		&m.SenderName, &m.Content, &m.Attachments, &m.PlatformMessageID, &m.Status,
		&m.Error, &m.Attempts, &m.ConversationID, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning bridge message: %w", err)
	}
	return m, nil
}

// ListMessages returns the most recent messages for a bridge, newest first.
func (s *Store) ListMessages(bridgeID string, limit int) ([]*BridgeMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, bridge_id, direction, platform, sender,
		sender_name, content, attachments, platform_message_id, status, error, attempts,
		conversation_id, created_at
		FROM bridge_messages WHERE bridge_id = ?
		ORDER BY created_at DESC LIMIT ?`, bridgeID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing bridge messages: %w", err)
	}
	defer rows.Close()

	var out []*BridgeMessage
	for rows.Next() {
		m := &BridgeMessage{}
		if err := rows.Scan(&m.ID, &m.BridgeID, &m.Direction, &m.Platform, &m.Sender,
			&m.SenderName, &m.Content, &m.Attachments, &m.PlatformMessageID, &m.Status,
			&m.Error, &m.Attempts, &m.ConversationID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning bridge message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- helpers ---

func (s *Store) execExpectingRow(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBridge(row rowScanner) (*Bridge, error) {
	b := &Bridge{}
	var enabled int
	var keys string
	var checkedAt sql.NullTime
	err := row.Scan(&b.ID, &b.Platform, &b.Name, &enabled, &b.Config, &keys,
		&b.HealthStatus, &b.HealthMessage, &checkedAt, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning bridge: %w", err)
	}
	b.Enabled = enabled != 0
	if checkedAt.Valid {
		b.HealthCheckedAt = checkedAt.Time
	}
	if err := json.Unmarshal([]byte(keys), &b.SecretKeys); err != nil {
		return nil, fmt.Errorf("parsing secret keys: %w", err)
	}
	return b, nil
}
