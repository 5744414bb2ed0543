package cache

import (
	"io"

	"github.com/multi-agent/go-chat-core/internal/config"
	"github.com/multi-agent/go-chat-core/pkg/logger"
)

// FromConfig 按配置组装: 内存 LRU → 会话临时目录 → durable (可为 nil) → HTTP 回源。
// durable 若实现 io.Closer, 会随 Cache.Close 一起关闭。
func FromConfig(cfg *config.Config, durable Tier) (*Cache, error) {
	file, err := NewFileTier(cfg.SessionCacheDir)
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithTier(NewMemoryTier(cfg.MemoryCacheEntries)),
		WithTier(file),
	}
	if durable != nil {
		opts = append(opts, WithTier(durable))
		if cl, ok := durable.(io.Closer); ok {
			opts = append(opts, WithCloser(cl))
		}
	}
	opts = append(opts,
		WithCloser(file),
		WithFetcher(NewHTTPFetcher(cfg.BackendURL, cfg.DialTimeout())),
	)
	c := New(opts...)
	logger.Info("cache: ready",
		logger.FieldTier, c.Tiers(),
		logger.FieldPath, file.Dir())
	return c, nil
}
