// Package conversation 会话目录: 元数据、置顶与检索。
package conversation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/multi-agent/go-chat-core/internal/model"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
	"github.com/multi-agent/go-chat-core/pkg/logger"
)

// Store 目录持久化。localstore.SQLiteStore 与 store.ConversationStore 均实现。
type Store interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	UpsertConversation(ctx context.Context, c model.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
}

// Directory 会话目录。store 为 nil 时仅驻留内存。
type Directory struct {
	store Store
	now   func() time.Time

	writeMu sync.Mutex // 串行化写入 (含持久化)
	mu      sync.RWMutex
	items   map[string]model.Conversation
}

// NewDirectory 创建目录。
func NewDirectory(store Store) *Directory {
	return &Directory{store: store, now: time.Now, items: make(map[string]model.Conversation)}
}

// Load 从 store 加载全部会话, 覆盖内存内容。
func (d *Directory) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	list, err := d.store.ListConversations(ctx)
	if err != nil {
		return pkgerr.Wrap(err, "Directory.Load", "list conversations")
	}
	items := make(map[string]model.Conversation, len(list))
	for _, c := range list {
		items[c.ID] = c
	}
	d.mu.Lock()
	d.items = items
	d.mu.Unlock()
	logger.Info("conversation: directory loaded", logger.FieldCount, len(items))
	return nil
}

// List 置顶会话在前 (PinSeq 升序), 其余按 CreatedAt 倒序。
func (d *Directory) List() []model.Conversation {
	d.mu.RLock()
	out := make([]model.Conversation, 0, len(d.items))
	for _, c := range d.items {
		out = append(out, c)
	}
	d.mu.RUnlock()
	sortConversations(out)
	return out
}

func sortConversations(cs []model.Conversation) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Pinned() != b.Pinned() {
			return a.Pinned()
		}
		if a.Pinned() && *a.PinSeq != *b.PinSeq {
			return *a.PinSeq < *b.PinSeq
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Get 按 ID 查找。
func (d *Directory) Get(id string) (model.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.items[id]
	return c, ok
}

// Upsert 插入或更新。缺省的时间戳以当前时间补齐; 更新时保留原有置顶状态。
func (d *Directory) Upsert(ctx context.Context, c model.Conversation) (model.Conversation, error) {
	if strings.TrimSpace(c.ID) == "" {
		return model.Conversation{}, pkgerr.Wrap(pkgerr.ErrInvalidInput, "Directory.Upsert", "conversation id is required")
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	now := d.now()
	if prev, ok := d.Get(c.ID); ok {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = prev.CreatedAt
		}
		if c.PinSeq == nil {
			c.PinSeq = prev.PinSeq
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	return c, d.commit(ctx, "Directory.Upsert", c)
}

// Remove 删除会话。不存在时返回 ErrNotFound。
func (d *Directory) Remove(ctx context.Context, id string) error {
	const op = "Directory.Remove"
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if _, ok := d.Get(id); !ok {
		return pkgerr.Wrapf(pkgerr.ErrNotFound, op, "conversation %s", id)
	}
	if d.store != nil {
		if err := d.store.DeleteConversation(ctx, id); err != nil {
			return pkgerr.Wrap(err, op, "delete conversation")
		}
	}
	d.mu.Lock()
	delete(d.items, id)
	d.mu.Unlock()
	return nil
}

// Pin 置顶。新置顶的会话排在已置顶会话之后; 已置顶则不变。
func (d *Directory) Pin(ctx context.Context, id string) (model.Conversation, error) {
	return d.update(ctx, "Directory.Pin", id, func(c *model.Conversation) bool {
		if c.Pinned() {
			return false
		}
		seq := d.nextPinSeq()
		c.PinSeq = &seq
		return true
	})
}

// Unpin 取消置顶。
func (d *Directory) Unpin(ctx context.Context, id string) (model.Conversation, error) {
	return d.update(ctx, "Directory.Unpin", id, func(c *model.Conversation) bool {
		if !c.Pinned() {
			return false
		}
		c.PinSeq = nil
		return true
	})
}

// Touch 刷新 UpdatedAt。
func (d *Directory) Touch(ctx context.Context, id string) (model.Conversation, error) {
	return d.update(ctx, "Directory.Touch", id, func(c *model.Conversation) bool {
		c.UpdatedAt = d.now()
		return true
	})
}

// Search 标题模糊匹配, 最佳匹配在前。空查询等同 List。
func (d *Directory) Search(query string) []model.Conversation {
	all := d.List()
	query = strings.TrimSpace(query)
	if query == "" {
		return all
	}
	targets := make([]string, len(all))
	for i, c := range all {
		targets[i] = c.Title
	}
	matches := fuzzy.Find(query, targets)
	out := make([]model.Conversation, len(matches))
	for i, m := range matches {
		out[i] = all[m.Index]
	}
	return out
}

// ========================================
// 内部
// ========================================

func (d *Directory) update(ctx context.Context, op, id string, fn func(*model.Conversation) bool) (model.Conversation, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	c, ok := d.Get(id)
	if !ok {
		return model.Conversation{}, pkgerr.Wrapf(pkgerr.ErrNotFound, op, "conversation %s", id)
	}
	if !fn(&c) {
		return c, nil
	}
	return c, d.commit(ctx, op, c)
}

// commit 先持久化再更新内存。调用方持有 writeMu。
func (d *Directory) commit(ctx context.Context, op string, c model.Conversation) error {
	if d.store != nil {
		if err := d.store.UpsertConversation(ctx, c); err != nil {
			return pkgerr.Wrap(err, op, "persist conversation")
		}
	}
	d.mu.Lock()
	d.items[c.ID] = c
	d.mu.Unlock()
	return nil
}

func (d *Directory) nextPinSeq() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var max int64
	for _, c := range d.items {
		if c.PinSeq != nil && *c.PinSeq > max {
			max = *c.PinSeq
		}
	}
	return max + 1
}
