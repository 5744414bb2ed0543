package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-chat-core/internal/database"
	"github.com/multi-agent/go-chat-core/internal/model"
	"github.com/multi-agent/go-chat-core/migrations"
)

func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	connStr := os.Getenv("POSTGRES_CONNECTION_STRING")
	if connStr == "" {
		t.Skip("POSTGRES_CONNECTION_STRING not set")
	}
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		t.Fatalf("connect to db: %v", err)
	}
	if err := database.Migrate(context.Background(), pool, migrations.FS); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func TestSnapshotStore(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()
	ctx := context.Background()
	s := NewSnapshotStore(pool)
	id := "test.snap." + time.Now().Format("150405.000000")
	defer DeleteByKey(ctx, pool, "conversation_snapshots", "conversation_id", id)

	if _, ok, err := s.Get(ctx, id); err != nil || ok {
		t.Fatalf("Get missing = ok %v err %v", ok, err)
	}
	snap := model.Snapshot{
		ConversationID: id,
		Messages:       []model.Message{{Key: "k", Role: model.RoleUser, Text: "hi"}},
		SavedAt:        time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.Set(ctx, snap); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get(ctx, id)
	if err != nil || !ok || len(got.Messages) != 1 || got.Messages[0].Text != "hi" {
		t.Fatalf("Get = %+v ok %v err %v", got, ok, err)
	}
	if has, err := s.Has(ctx, id); err != nil || !has {
		t.Fatalf("Has = %v err %v", has, err)
	}
	if _, ok, err := s.Get(ctx, ""); ok || err != nil {
		t.Fatalf("Get(\"\") = ok %v err %v, want a miss", ok, err)
	}
}

func TestConversationStore(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()
	ctx := context.Background()
	s := NewConversationStore(pool)
	now := time.Now().UTC().Truncate(time.Millisecond)
	pin := int64(1)
	id := "test.conv." + now.Format("150405.000000")

	c := model.Conversation{ID: id, Title: "Quarterly_Report 100%", CreatedAt: now, UpdatedAt: now, PinSeq: &pin}
	if err := s.UpsertConversation(ctx, c); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	defer s.DeleteConversation(ctx, id)

	found, err := s.SearchConversations(ctx, "report 100%", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	var hit *model.Conversation
	for i := range found {
		if found[i].ID == id {
			hit = &found[i]
		}
	}
	if hit == nil || hit.PinSeq == nil || *hit.PinSeq != 1 {
		t.Fatalf("search result = %+v", found)
	}

	if err := s.DeleteConversation(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	all, err := s.ListConversations(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, x := range all {
		if x.ID == id {
			t.Fatal("deleted conversation still listed")
		}
	}
}

func TestConversationRowModel(t *testing.T) {
	pin := int64(7)
	r := ConversationRow{ID: "a", Title: "t", PinSeq: &pin}
	m := r.Model()
	if m.ID != "a" || !m.Pinned() || *m.PinSeq != 7 {
		t.Fatalf("Model() = %+v", m)
	}
}
