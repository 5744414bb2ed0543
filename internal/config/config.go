// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明默认值、TOML 键与环境变量映射:
//
//	`toml:"key" env:"VAR_NAME" default:"value" min:"0"`
//
// 加载顺序: default tag → TOML 文件 (CHAT_CONFIG_FILE) → 环境变量。后者覆盖前者。
package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
	"github.com/multi-agent/go-chat-core/pkg/logger"
	"github.com/multi-agent/go-chat-core/pkg/util"
)

// EnvConfigFile 指定 TOML 配置文件路径的环境变量。
const EnvConfigFile = "CHAT_CONFIG_FILE"

// 传输实现。
const (
	TransportWS  = "ws"
	TransportSSE = "sse"
)

// 持久层实现。
const (
	DurableSQLite   = "sqlite"
	DurablePostgres = "postgres"
	DurableNone     = "none"
)

// Config 应用全局配置。
type Config struct {
	// 后端
	BackendURL     string `toml:"backend_url" env:"CHAT_BACKEND_URL" default:"http://127.0.0.1:8000"`
	Transport      string `toml:"transport" env:"CHAT_TRANSPORT" default:"ws"`
	WSPath         string `toml:"ws_path" env:"CHAT_WS_PATH" default:"/ws/chat"`
	ReconnectDelay int    `toml:"reconnect_delay_ms" env:"CHAT_RECONNECT_DELAY_MS" default:"2000" min:"100"`
	DialTimeoutSec int    `toml:"dial_timeout_sec" env:"CHAT_DIAL_TIMEOUT_SEC" default:"10" min:"1"`

	// 转录与时间线
	FlushThreshold         int  `toml:"flush_threshold" env:"CHAT_FLUSH_THRESHOLD" default:"1000" min:"1"`
	PositionalPairing      bool `toml:"positional_pairing" env:"CHAT_POSITIONAL_PAIRING" default:"true"`
	SynthesizeLegacyTraces bool `toml:"synthesize_legacy_traces" env:"CHAT_SYNTHESIZE_LEGACY_TRACES" default:"true"`
	TimelineWindow         int  `toml:"timeline_window" env:"CHAT_TIMELINE_WINDOW" default:"5" min:"1"`

	// 缓存
	MemoryCacheEntries int    `toml:"memory_cache_entries" env:"CHAT_MEMORY_CACHE_ENTRIES" default:"32" min:"1"`
	SessionCacheDir    string `toml:"session_cache_dir" env:"CHAT_SESSION_CACHE_DIR"`
	DurableBackend     string `toml:"durable_backend" env:"CHAT_DURABLE_BACKEND" default:"sqlite"`
	SQLitePath         string `toml:"sqlite_path" env:"CHAT_SQLITE_PATH" default:".chat-core/cache.db"`

	// PostgreSQL
	PostgresConnStr        string `toml:"postgres_connection_string" env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `toml:"postgres_schema" env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `toml:"postgres_pool_min_size" env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `toml:"postgres_pool_max_size" env:"POSTGRES_POOL_MAX_SIZE" default:"5" min:"1"`
	PostgresPoolTimeoutSec int    `toml:"postgres_pool_timeout_sec" env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`

	// 视图服务
	ViewAddr string `toml:"view_addr" env:"CHAT_VIEW_ADDR" default:"127.0.0.1:8787"`

	// 日志
	LogLevel  string `toml:"log_level" env:"LOG_LEVEL" default:"INFO"`
	LogFormat string `toml:"log_format" env:"LOG_FORMAT" default:"text"`
	LogDir    string `toml:"log_dir" env:"LOG_DIR"`
}

// Load 按 default → CHAT_CONFIG_FILE → 环境变量 的顺序加载配置。
func Load() (*Config, error) {
	return LoadFile(os.Getenv(EnvConfigFile))
}

// LoadFile 同 Load, 但显式指定配置文件 (空字符串表示不读文件)。
func LoadFile(path string) (*Config, error) {
	var cfg Config
	util.ApplyDefaults(&cfg)

	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, pkgerr.Wrapf(err, "Config.Load", "decode %s", path)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			logger.Warn("config: unknown keys ignored", logger.FieldPath, path, logger.FieldKey, strings.Join(keys, ","))
		}
	}

	util.LoadFromEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验枚举字段。
func (c *Config) Validate() error {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch c.Transport {
	case TransportWS, TransportSSE:
	default:
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, "Config.Validate", "transport %q (want ws|sse)", c.Transport)
	}
	c.DurableBackend = strings.ToLower(strings.TrimSpace(c.DurableBackend))
	switch c.DurableBackend {
	case DurableSQLite, DurableNone:
	case DurablePostgres:
		if c.PostgresConnStr == "" {
			return pkgerr.Wrap(pkgerr.ErrInvalidInput, "Config.Validate", "durable_backend=postgres requires POSTGRES_CONNECTION_STRING")
		}
	default:
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, "Config.Validate", "durable_backend %q (want sqlite|postgres|none)", c.DurableBackend)
	}
	if c.PostgresPoolMaxSize < c.PostgresPoolMinSize {
		c.PostgresPoolMaxSize = c.PostgresPoolMinSize
	}
	return nil
}

// ReconnectInterval 重连固定间隔。
func (c *Config) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectDelay) * time.Millisecond
}

// DialTimeout 建连超时。
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSec) * time.Second
}
