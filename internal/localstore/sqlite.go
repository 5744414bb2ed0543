// Package localstore 本地 SQLite 持久层 (modernc.org/sqlite, 无 cgo)。
//
// 同时充当缓存的持久层级与会话目录的存储:
//   - snapshots: conversation_id → 快照 JSON
//   - conversations: 会话元数据与置顶序号
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/multi-agent/go-chat-core/internal/model"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
	"github.com/multi-agent/go-chat-core/pkg/logger"
)

const schemaVersion = 1

// SQLiteStore 本地持久化。
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Open 打开 (必要时创建) 数据库文件。path 为 ":memory:" 时使用内存库。
func Open(path string) (*SQLiteStore, error) {
	const op = "SQLiteStore.Open"
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "missing db path")
	}
	if p != ":memory:" {
		p = filepath.Clean(p)
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, pkgerr.WithCode(err, op, pkgerr.CodeStorage, "create db dir")
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, pkgerr.WithCode(err, op, pkgerr.CodeStorage, "open db")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, pkgerr.WithCode(err, op, pkgerr.CodeStorage, "init schema")
	}
	logger.Info("localstore: opened", logger.FieldPath, p)
	return &SQLiteStore{db: db, path: p}, nil
}

// Close 关闭数据库。
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return err
	}
	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return err
	}
	if v >= schemaVersion {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			conversation_id TEXT PRIMARY KEY,
			payload         TEXT NOT NULL,
			saved_at_ms     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			title         TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			pin_seq       INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at_ms DESC)`,
		`PRAGMA user_version = 1`,
	}
	for _, q := range stmts {
		if _, err := tx.Exec(q); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ========================================
// 缓存层级
// ========================================

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Snapshot, bool, error) {
	const op = "SQLiteStore.Get"
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE conversation_id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, pkgerr.WithCode(err, op, pkgerr.CodeStorage, "query snapshot")
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return model.Snapshot{}, false, pkgerr.WithCode(err, op, pkgerr.CodeStorage, "decode snapshot")
	}
	return snap, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, snap model.Snapshot) error {
	const op = "SQLiteStore.Set"
	payload, err := json.Marshal(snap)
	if err != nil {
		return pkgerr.Wrap(err, op, "marshal snapshot")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (conversation_id, payload, saved_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			payload = excluded.payload,
			saved_at_ms = excluded.saved_at_ms`,
		snap.ConversationID, string(payload), snap.SavedAt.UnixMilli())
	if err != nil {
		return pkgerr.WithCode(err, op, pkgerr.CodeStorage, "upsert snapshot")
	}
	return nil
}

func (s *SQLiteStore) Has(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM snapshots WHERE conversation_id = ?`, id).Scan(&n)
	if err != nil {
		return false, pkgerr.WithCode(err, "SQLiteStore.Has", pkgerr.CodeStorage, "count snapshot")
	}
	return n > 0, nil
}

// ========================================
// 会话目录
// ========================================

// ListConversations 全部会话 (未排序, 由目录负责排序)。
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	const op = "SQLiteStore.ListConversations"
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, created_at_ms, updated_at_ms, pin_seq FROM conversations`)
	if err != nil {
		return nil, pkgerr.WithCode(err, op, pkgerr.CodeStorage, "query conversations")
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		var (
			c                model.Conversation
			createdMS, updMS int64
			pin              sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.Title, &createdMS, &updMS, &pin); err != nil {
			return nil, pkgerr.WithCode(err, op, pkgerr.CodeStorage, "scan conversation")
		}
		c.CreatedAt = time.UnixMilli(createdMS)
		c.UpdatedAt = time.UnixMilli(updMS)
		if pin.Valid {
			seq := pin.Int64
			c.PinSeq = &seq
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerr.WithCode(err, op, pkgerr.CodeStorage, "iterate conversations")
	}
	return out, nil
}

// UpsertConversation 插入或覆盖会话元数据。
func (s *SQLiteStore) UpsertConversation(ctx context.Context, c model.Conversation) error {
	var pin sql.NullInt64
	if c.PinSeq != nil {
		pin = sql.NullInt64{Int64: *c.PinSeq, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at_ms, updated_at_ms, pin_seq) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			created_at_ms = excluded.created_at_ms,
			updated_at_ms = excluded.updated_at_ms,
			pin_seq = excluded.pin_seq`,
		c.ID, c.Title, c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(), pin)
	if err != nil {
		return pkgerr.WithCode(err, "SQLiteStore.UpsertConversation", pkgerr.CodeStorage, "upsert conversation")
	}
	return nil
}

// DeleteConversation 删除会话及其快照。
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	const op = "SQLiteStore.DeleteConversation"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerr.WithCode(err, op, pkgerr.CodeStorage, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return pkgerr.WithCode(err, op, pkgerr.CodeStorage, "delete conversation")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE conversation_id = ?`, id); err != nil {
		return pkgerr.WithCode(err, op, pkgerr.CodeStorage, "delete snapshot")
	}
	if err := tx.Commit(); err != nil {
		return pkgerr.WithCode(err, op, pkgerr.CodeStorage, "commit")
	}
	return nil
}
