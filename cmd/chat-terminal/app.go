package main

import (
	"context"
	"errors"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-chat-core/internal/cache"
	"github.com/multi-agent/go-chat-core/internal/config"
	"github.com/multi-agent/go-chat-core/internal/conversation"
	"github.com/multi-agent/go-chat-core/internal/database"
	"github.com/multi-agent/go-chat-core/internal/localstore"
	"github.com/multi-agent/go-chat-core/internal/session"
	"github.com/multi-agent/go-chat-core/internal/store"
	"github.com/multi-agent/go-chat-core/internal/transport"
	"github.com/multi-agent/go-chat-core/migrations"
	"github.com/multi-agent/go-chat-core/pkg/logger"
)

// app 组装好的运行时依赖。
type app struct {
	cfg       *config.Config
	pool      *pgxpool.Pool
	cache     *cache.Cache
	channel   transport.Channel
	directory *conversation.Directory
	session   *session.Manager
}

// loadConfig 读取配置并初始化日志。
func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		path = os.Getenv(config.EnvConfigFile)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir, cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// openApp 按配置组装: durable 层 → 缓存 → 传输 → 目录 → 会话。
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	var durable cache.Tier
	var dirStore conversation.Store
	switch cfg.DurableBackend {
	case config.DurableSQLite:
		st, err := localstore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		durable, dirStore = st, st
	case config.DurablePostgres:
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		if err := database.Migrate(ctx, pool, migrations.FS); err != nil {
			pool.Close()
			return nil, err
		}
		durable, dirStore = store.NewSnapshotStore(pool), store.NewConversationStore(pool)
	}

	if a.cache, err = cache.FromConfig(cfg, durable); err != nil {
		a.Close()
		return nil, err
	}
	if a.channel, err = transport.New(cfg); err != nil {
		a.Close()
		return nil, err
	}
	a.directory = conversation.NewDirectory(dirStore)
	if err := a.directory.Load(ctx); err != nil {
		logger.Warn("chat-terminal: directory load failed", logger.FieldError, err)
	}
	a.session = session.New(session.Options{
		Channel:                a.channel,
		Cache:                  a.cache,
		Directory:              a.directory,
		FlushThreshold:         cfg.FlushThreshold,
		PositionalPairing:      cfg.PositionalPairing,
		SynthesizeLegacyTraces: cfg.SynthesizeLegacyTraces,
		TimelineWindow:         cfg.TimelineWindow,
	})
	return a, nil
}

// Close 按依赖逆序关闭。
func (a *app) Close() error {
	var errs []error
	if a.session != nil {
		errs = append(errs, a.session.Close())
	}
	if a.channel != nil {
		errs = append(errs, a.channel.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	logger.ShutdownFileHandler()
	return errors.Join(errs...)
}
