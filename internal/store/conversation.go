package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-chat-core/internal/model"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
)

const conversationColumns = `SELECT id, title, created_at, updated_at, pin_seq FROM conversations`

// ConversationStore 会话目录的 PostgreSQL 存储。
type ConversationStore struct{ BaseStore }

// NewConversationStore 创建 ConversationStore。
func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{NewBaseStore(pool)}
}

// ListConversations 按创建时间倒序列出会话 (最多 2000 条)。
func (s *ConversationStore) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	return s.query(ctx, NewQueryBuilder(), 2000)
}

// SearchConversations 标题关键词检索 (大小写不敏感)。
func (s *ConversationStore) SearchConversations(ctx context.Context, keyword string, limit int) ([]model.Conversation, error) {
	return s.query(ctx, NewQueryBuilder().KeywordLike(keyword, "title"), limit)
}

func (s *ConversationStore) query(ctx context.Context, qb *QueryBuilder, limit int) ([]model.Conversation, error) {
	const op = "ConversationStore.List"
	sql, params := qb.Build(conversationColumns, "created_at DESC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, pkgerr.WithCode(err, op, pkgerr.CodeStorage, "query conversations")
	}
	items, err := collectRows[ConversationRow](rows)
	if err != nil {
		return nil, pkgerr.WithCode(err, op, pkgerr.CodeStorage, "scan conversations")
	}
	out := make([]model.Conversation, len(items))
	for i, r := range items {
		out[i] = r.Model()
	}
	return out, nil
}

// UpsertConversation 插入或覆盖会话元数据。
func (s *ConversationStore) UpsertConversation(ctx context.Context, c model.Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at, pin_seq)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			pin_seq = EXCLUDED.pin_seq
	`, c.ID, c.Title, c.CreatedAt, c.UpdatedAt, c.PinSeq)
	if err != nil {
		return pkgerr.WithCode(err, "ConversationStore.UpsertConversation", pkgerr.CodeStorage, "upsert conversation")
	}
	return nil
}

// DeleteConversation 删除会话及其快照。
func (s *ConversationStore) DeleteConversation(ctx context.Context, id string) error {
	const op = "ConversationStore.DeleteConversation"
	if err := DeleteByKey(ctx, s.pool, "conversation_snapshots", "conversation_id", id); err != nil {
		return pkgerr.WithCode(err, op, pkgerr.CodeStorage, "delete snapshot")
	}
	if err := DeleteByKey(ctx, s.pool, "conversations", "id", id); err != nil {
		return pkgerr.WithCode(err, op, pkgerr.CodeStorage, "delete conversation")
	}
	return nil
}
