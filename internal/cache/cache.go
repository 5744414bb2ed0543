package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/multi-agent/go-chat-core/internal/model"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
	"github.com/multi-agent/go-chat-core/pkg/logger"
)

// Option 构造选项。
type Option func(*Cache)

// WithTier 追加一个层级。先追加的层级先被查询。
func WithTier(t Tier) Option {
	return func(c *Cache) {
		if t != nil {
			c.tiers = append(c.tiers, t)
		}
	}
}

// WithFetcher 设置网络回源。
func WithFetcher(f Fetcher) Option {
	return func(c *Cache) { c.fetcher = f }
}

// WithCloser 登记 Close 时需要释放的资源 (按登记的逆序关闭)。
func WithCloser(cl io.Closer) Option {
	return func(c *Cache) {
		if cl != nil {
			c.closers = append(c.closers, cl)
		}
	}
}

// Cache 多级缓存。
type Cache struct {
	tiers   []Tier
	fetcher Fetcher
	closers []io.Closer

	loads singleflight.Group
	locks keyedMutex

	closed atomic.Bool
}

// New 创建缓存。
func New(opts ...Option) *Cache {
	c := &Cache{}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Tiers 层级名称 (查询顺序)。
func (c *Cache) Tiers() []string {
	names := make([]string, len(c.tiers))
	for i, t := range c.tiers {
		names[i] = t.Name()
	}
	return names
}

type loadResult struct {
	snap model.Snapshot
	ok   bool
}

// Get 按层级查找, 全部未命中时回源。未命中 (含后端 404) 返回 ok=false, err=nil。
// 同一会话的并发未命中共享一次加载。
func (c *Cache) Get(ctx context.Context, conversationID string) (model.Snapshot, bool, error) {
	if c.closed.Load() {
		return model.Snapshot{}, false, pkgerr.ErrClosed
	}
	ch := c.loads.DoChan(conversationID, func() (any, error) {
		// 共享加载不随单个调用方取消
		return c.load(context.WithoutCancel(ctx), conversationID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return model.Snapshot{}, false, res.Err
		}
		lr := res.Val.(loadResult)
		return lr.snap.Clone(), lr.ok, nil
	case <-ctx.Done():
		return model.Snapshot{}, false, pkgerr.Wrap(ctx.Err(), "Cache.Get", "wait for load")
	}
}

func (c *Cache) load(ctx context.Context, id string) (loadResult, error) {
	for i, t := range c.tiers {
		snap, ok, err := t.Get(ctx, id)
		if err != nil {
			logger.Warn("cache: tier read failed",
				logger.FieldTier, t.Name(),
				logger.FieldConversationID, id,
				logger.FieldError, err)
			continue
		}
		if !ok {
			continue
		}
		logger.Debug("cache: hit", logger.FieldTier, t.Name(), logger.FieldConversationID, id)
		c.populate(ctx, c.tiers[:i], snap)
		return loadResult{snap: snap, ok: true}, nil
	}

	if c.fetcher == nil {
		return loadResult{}, nil
	}
	snap, err := c.fetcher.Fetch(ctx, id)
	if errors.Is(err, pkgerr.ErrNotFound) {
		return loadResult{}, nil
	}
	if err != nil {
		return loadResult{}, err
	}
	logger.Debug("cache: fetched", logger.FieldConversationID, id, logger.FieldCount, len(snap.Messages))
	c.populate(ctx, c.tiers, snap)
	return loadResult{snap: snap, ok: true}, nil
}

// populate 回填更快的层级。与 Set 共用会话锁, 避免覆盖并发写入的新快照。
func (c *Cache) populate(ctx context.Context, tiers []Tier, snap model.Snapshot) {
	if len(tiers) == 0 {
		return
	}
	unlock := c.locks.Lock(snap.ConversationID)
	defer unlock()
	for _, t := range tiers {
		if cur, ok, _ := t.Get(ctx, snap.ConversationID); ok && cur.SavedAt.After(snap.SavedAt) {
			continue
		}
		if err := t.Set(ctx, snap); err != nil {
			logger.Warn("cache: populate failed",
				logger.FieldTier, t.Name(),
				logger.FieldConversationID, snap.ConversationID,
				logger.FieldError, err)
		}
	}
}

// Set 整体覆盖会话快照并写穿所有层级。同一会话的写入串行执行, 后写者生效。
func (c *Cache) Set(ctx context.Context, snap model.Snapshot) error {
	const op = "Cache.Set"
	if c.closed.Load() {
		return pkgerr.ErrClosed
	}
	if snap.ConversationID == "" {
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "conversation id is required")
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	unlock := c.locks.Lock(snap.ConversationID)
	defer unlock()

	var errs []error
	for _, t := range c.tiers {
		if err := t.Set(ctx, snap); err != nil {
			errs = append(errs, pkgerr.Wrapf(err, op, "tier %s", t.Name()))
		}
	}
	return errors.Join(errs...)
}

// Has 任一层级存在即为 true。不触发回源。
func (c *Cache) Has(ctx context.Context, conversationID string) bool {
	for _, t := range c.tiers {
		ok, err := t.Has(ctx, conversationID)
		if err != nil {
			logger.Debug("cache: tier has failed", logger.FieldTier, t.Name(), logger.FieldError, err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// Close 释放登记的资源。幂等。
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ========================================
// keyedMutex: 按会话 ID 串行化写入
// ========================================

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock 获取 key 对应的锁, 返回解锁函数。无人持有时条目被回收。
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
