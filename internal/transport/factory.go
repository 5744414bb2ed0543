// factory.go — 按配置构造传输通道。
package transport

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/multi-agent/go-chat-core/internal/config"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
	"github.com/multi-agent/go-chat-core/pkg/logger"
)

// New 根据 cfg.Transport 创建 WSChannel 或 SSEChannel。
func New(cfg *config.Config) (Channel, error) {
	switch cfg.Transport {
	case config.TransportSSE:
		logger.Info("transport: sse", logger.FieldURL, cfg.BackendURL)
		return NewSSEChannel(SSEOptions{
			BaseURL:        cfg.BackendURL,
			Client:         &http.Client{Transport: http.DefaultTransport},
			ReconnectDelay: cfg.ReconnectInterval(),
		}), nil
	case config.TransportWS, "":
		wsURL, err := WebSocketURL(cfg.BackendURL, cfg.WSPath)
		if err != nil {
			return nil, err
		}
		logger.Info("transport: websocket", logger.FieldURL, wsURL)
		return NewWSChannel(WSOptions{
			URL:            wsURL,
			DialTimeout:    cfg.DialTimeout(),
			ReconnectDelay: cfg.ReconnectInterval(),
		}), nil
	default:
		return nil, pkgerr.Newf("transport.New", "unknown transport %q", cfg.Transport)
	}
}

// WebSocketURL 将 http(s) 后端地址转换为 ws(s) 地址并拼接路径。
func WebSocketURL(backend, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(backend))
	if err != nil {
		return "", pkgerr.Wrapf(pkgerr.ErrInvalidInput, "transport.WebSocketURL", "parse %q: %v", backend, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", pkgerr.Wrapf(pkgerr.ErrInvalidInput, "transport.WebSocketURL", "unsupported scheme %q", u.Scheme)
	}
	if path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	}
	return u.String(), nil
}
