// Package cache 会话快照的多级缓存。
//
// 读取按层级顺序 (内存 → 会话临时目录 → 持久层) 查找, 全部未命中时走网络 Fetcher;
// 命中后回填所有更快的层级。写入按会话 ID 串行化, 整体覆盖, 写穿所有层级。
package cache

import (
	"context"

	"github.com/multi-agent/go-chat-core/internal/model"
)

// Tier 单个缓存层级。未命中返回 ok=false 且 err=nil。
type Tier interface {
	Name() string
	Get(ctx context.Context, conversationID string) (snap model.Snapshot, ok bool, err error)
	Set(ctx context.Context, snap model.Snapshot) error
	Has(ctx context.Context, conversationID string) (bool, error)
}

// Fetcher 网络回源。会话不存在时返回 pkgerr.ErrNotFound。
type Fetcher interface {
	Fetch(ctx context.Context, conversationID string) (model.Snapshot, error)
}
