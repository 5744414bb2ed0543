// Package store PostgreSQL 持久层: 会话快照与会话目录。
//
// Go struct 的 db tag 直接对应 PostgreSQL 列名, 由 pgx.RowToStructByName 扫描。
package store

import (
	"encoding/json"
	"time"

	"github.com/multi-agent/go-chat-core/internal/model"
)

// ========================================
// 会话快照 — 表 conversation_snapshots
// ========================================

// SnapshotRow 快照行。Payload 为 model.Snapshot 的 JSON。
type SnapshotRow struct {
	ConversationID string          `db:"conversation_id"`
	Payload        json.RawMessage `db:"payload"`
	SavedAt        time.Time       `db:"saved_at"`
}

// ========================================
// 会话目录 — 表 conversations
// ========================================

// ConversationRow 会话元数据行。
type ConversationRow struct {
	ID        string    `db:"id"`
	Title     string    `db:"title"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	PinSeq    *int64    `db:"pin_seq"`
}

// Model 转为领域模型。
func (r ConversationRow) Model() model.Conversation {
	return model.Conversation{
		ID:        r.ID,
		Title:     r.Title,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		PinSeq:    r.PinSeq,
	}
}
