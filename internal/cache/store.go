// Package cache keeps a local copy of conversation state so a chat renders
// instantly on reopen and failed sends survive a restart.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"classchat/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteCache implements domain.MessageCache using SQLite.
type SQLiteCache struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.MessageCache = (*SQLiteCache)(nil)

func NewSQLiteCache(dbPath string, logger *slog.Logger) (*SQLiteCache, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	cache := &SQLiteCache{db: db, logger: logger}

	if err := cache.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return cache, nil
}

func (s *SQLiteCache) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		author_id       TEXT,
		author_name     TEXT,
		content         TEXT,
		attachments     TEXT,
		reply_to        TEXT,
		reactions       TEXT,
		created_at      DATETIME NOT NULL,
		edited          INTEGER DEFAULT 0,
		position        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, position);

	CREATE TABLE IF NOT EXISTS outbox (
		temp_id         TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		draft           TEXT NOT NULL,
		fail_reason     TEXT,
		created_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_conv ON outbox(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveMessages replaces the cached snapshot for one conversation. Pending
// entries are skipped; the outbox carries those. Row position preserves the
// timeline's arrival order, which is not a timestamp order.
func (s *SQLiteCache) SaveMessages(ctx context.Context, conversationID string, msgs []domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID,
	); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO messages
		 (id, conversation_id, author_id, author_name, content, attachments, reply_to, reactions, created_at, edited, position)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	pos := 0
	for _, m := range msgs {
		if m.ID == "" || m.State != domain.StateConfirmed {
			continue
		}
		attachments, err := jsonColumn(m.Attachments, len(m.Attachments) > 0)
		if err != nil {
			return err
		}
		replyTo, err := jsonColumn(m.ReplyTo, m.ReplyTo != nil)
		if err != nil {
			return err
		}
		reactions, err := jsonColumn(m.Reactions, len(m.Reactions) > 0)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, conversationID, m.Author.ID, m.Author.Name, m.Content,
			attachments, replyTo, reactions, m.CreatedAt, m.Edited, pos,
		); err != nil {
			return err
		}
		pos++
	}

	return tx.Commit()
}

// RecentMessages returns the newest cached messages, oldest first.
func (s *SQLiteCache) RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author_id, author_name, content, attachments, reply_to, reactions, created_at, edited
		 FROM messages WHERE conversation_id = ?
		 ORDER BY position DESC LIMIT ?`, conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var attachments, replyTo, reactions sql.NullString
		if err := rows.Scan(&m.ID, &m.Author.ID, &m.Author.Name, &m.Content,
			&attachments, &replyTo, &reactions, &m.CreatedAt, &m.Edited); err != nil {
			return nil, err
		}
		if attachments.Valid {
			if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
				s.logger.Warn("dropping unreadable cached attachments", "message", m.ID, "error", err)
			}
		}
		if replyTo.Valid {
			if err := json.Unmarshal([]byte(replyTo.String), &m.ReplyTo); err != nil {
				s.logger.Warn("dropping unreadable cached reply ref", "message", m.ID, "error", err)
			}
		}
		if reactions.Valid {
			if err := json.Unmarshal([]byte(reactions.String), &m.Reactions); err != nil {
				s.logger.Warn("dropping unreadable cached reactions", "message", m.ID, "error", err)
			}
		}
		m.Conversation = conversationID
		m.State = domain.StateConfirmed
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to timeline order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SaveDraft stores or refreshes one failed send in the outbox.
func (s *SQLiteCache) SaveDraft(ctx context.Context, conversationID, tempID string, draft domain.Draft, failReason string) error {
	body, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO outbox (temp_id, conversation_id, draft, fail_reason, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		tempID, conversationID, string(body), failReason, time.Now(),
	)
	return err
}

// Drafts lists the outbox for one conversation, oldest first.
func (s *SQLiteCache) Drafts(ctx context.Context, conversationID string) ([]domain.FailedDraft, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT temp_id, conversation_id, draft, fail_reason
		 FROM outbox WHERE conversation_id = ?
		 ORDER BY created_at, temp_id`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drafts []domain.FailedDraft
	for rows.Next() {
		var d domain.FailedDraft
		var body string
		if err := rows.Scan(&d.TempID, &d.ConversationID, &body, &d.FailReason); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(body), &d.Draft); err != nil {
			s.logger.Warn("dropping unreadable outbox row", "temp_id", d.TempID, "error", err)
			continue
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

// DeleteDraft removes one outbox row; deleting a missing row is not an error.
func (s *SQLiteCache) DeleteDraft(ctx context.Context, tempID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE temp_id = ?`, tempID)
	return err
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}

// jsonColumn encodes an optional field as a nullable TEXT column.
func jsonColumn(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode column: %w", err)
	}
	return sql.NullString{String: string(body), Valid: true}, nil
}
