package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-chat-core/internal/model"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
)

// SnapshotStore 会话快照的 PostgreSQL 持久层级。
type SnapshotStore struct{ BaseStore }

// NewSnapshotStore 创建 SnapshotStore。
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{NewBaseStore(pool)}
}

// Name 层级名称。
func (s *SnapshotStore) Name() string { return "postgres" }

// byConversation 按会话 id 过滤。空 id 不会生成条件, 调用方需先拦截。
func byConversation(id string) *QueryBuilder {
	return NewQueryBuilder().Eq("conversation_id", id)
}

// Get 读取快照。不存在返回 ok=false。
func (s *SnapshotStore) Get(ctx context.Context, id string) (model.Snapshot, bool, error) {
	const op = "SnapshotStore.Get"
	if id == "" {
		return model.Snapshot{}, false, nil
	}
	sql, args := byConversation(id).Build(`SELECT conversation_id, payload, saved_at FROM conversation_snapshots`, "", 1)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return model.Snapshot{}, false, pkgerr.WithCode(err, op, pkgerr.CodeStorage, "query snapshot")
	}
	row, err := collectOne[SnapshotRow](rows)
	if err != nil {
		return model.Snapshot{}, false, pkgerr.WithCode(err, op, pkgerr.CodeStorage, "scan snapshot")
	}
	if row == nil {
		return model.Snapshot{}, false, nil
	}
	var snap model.Snapshot
	if err := json.Unmarshal(row.Payload, &snap); err != nil {
		return model.Snapshot{}, false, pkgerr.WithCode(err, op, pkgerr.CodeStorage, "decode snapshot")
	}
	return snap, true, nil
}

// Set 整体覆盖快照。
func (s *SnapshotStore) Set(ctx context.Context, snap model.Snapshot) error {
	const op = "SnapshotStore.Set"
	payload, err := json.Marshal(snap)
	if err != nil {
		return pkgerr.Wrap(err, op, "marshal snapshot")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversation_snapshots (conversation_id, payload, saved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			saved_at = EXCLUDED.saved_at
	`, snap.ConversationID, payload, snap.SavedAt)
	if err != nil {
		return pkgerr.WithCode(err, op, pkgerr.CodeStorage, "upsert snapshot")
	}
	return nil
}

// Has 快照是否存在。
func (s *SnapshotStore) Has(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	qb := byConversation(id)
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversation_snapshots`+qb.WhereClause()+`)`, qb.Params()...).Scan(&exists)
	if err != nil {
		return false, pkgerr.WithCode(err, "SnapshotStore.Has", pkgerr.CodeStorage, "query snapshot")
	}
	return exists, nil
}
