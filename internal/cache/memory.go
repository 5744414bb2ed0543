package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/multi-agent/go-chat-core/internal/model"
)

// MemoryTier 有界 LRU 内存层。存取均复制快照, 调用方修改不会影响缓存内容。
type MemoryTier struct {
	items *lru.Cache[string, model.Snapshot]
}

// NewMemoryTier 创建容量为 capacity 的内存层 (最小 1)。
func NewMemoryTier(capacity int) *MemoryTier {
	if capacity < 1 {
		capacity = 1
	}
	// 容量为正时 lru.New 不返回错误
	items, _ := lru.New[string, model.Snapshot](capacity)
	return &MemoryTier{items: items}
}

func (m *MemoryTier) Name() string { return "memory" }

func (m *MemoryTier) Get(_ context.Context, id string) (model.Snapshot, bool, error) {
	snap, ok := m.items.Get(id)
	if !ok {
		return model.Snapshot{}, false, nil
	}
	return snap.Clone(), true, nil
}

func (m *MemoryTier) Set(_ context.Context, snap model.Snapshot) error {
	snap = snap.Clone()
	m.items.Add(snap.ConversationID, snap)
	return nil
}

// Has 不改变淘汰顺序。
func (m *MemoryTier) Has(_ context.Context, id string) (bool, error) {
	return m.items.Contains(id), nil
}

// Len 当前条目数。
func (m *MemoryTier) Len() int { return m.items.Len() }
