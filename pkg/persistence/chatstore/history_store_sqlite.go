package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteHistoryStore struct {
	db *sql.DB
}

var _ HistoryStore = &SQLiteHistoryStore{}

func NewSQLiteHistoryStore(dsn string) (*SQLiteHistoryStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite history store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteHistoryStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteHistoryStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteHistoryStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite history store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
		  session_id TEXT PRIMARY KEY,
		  message_count INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  messages_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_sessions_by_updated
		  ON chat_sessions(updated_at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite history store: migrate")
		}
	}
	return nil
}

func (s *SQLiteHistoryStore) Load(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return nil, err
	}
	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT messages_json FROM chat_sessions WHERE session_id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite history store: load")
	}
	return decodeHistory([]byte(raw)), nil
}

func (s *SQLiteHistoryStore) Save(ctx context.Context, sessionID string, msgs []ChatMessage) error {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return err
	}
	raw, err := encodeHistory(msgs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (session_id, message_count, updated_at_ms, messages_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			message_count = excluded.message_count,
			updated_at_ms = excluded.updated_at_ms,
			messages_json = excluded.messages_json
	`, id, min(len(msgs), MaxHistory), time.Now().UnixMilli(), string(raw))
	if err != nil {
		return errors.Wrap(err, "sqlite history store: save")
	}
	return nil
}

func (s *SQLiteHistoryStore) Delete(ctx context.Context, sessionID string) error {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE session_id = ?`, id); err != nil {
		return errors.Wrap(err, "sqlite history store: delete")
	}
	return nil
}

func (s *SQLiteHistoryStore) List(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, message_count, updated_at_ms
		FROM chat_sessions
		ORDER BY updated_at_ms DESC, session_id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite history store: list")
	}
	defer func() { _ = rows.Close() }()

	var out []SessionInfo
	for rows.Next() {
		var (
			info      SessionInfo
			updatedMs int64
		)
		if err := rows.Scan(&info.SessionID, &info.Messages, &updatedMs); err != nil {
			return nil, errors.Wrap(err, "sqlite history store: scan")
		}
		info.UpdatedAt = time.UnixMilli(updatedMs)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite history store: list")
	}
	return out, nil
}

// setRaw writes a payload without encoding; tests use it to store corrupt state.
func (s *SQLiteHistoryStore) setRaw(ctx context.Context, sessionID, raw string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO chat_sessions (session_id, message_count, updated_at_ms, messages_json)
		VALUES (?, 0, ?, ?)
	`, sessionID, time.Now().UnixMilli(), raw)
	return err
}

func SQLiteHistoryDSNForFile(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("sqlite history store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
