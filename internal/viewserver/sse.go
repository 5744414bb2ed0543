// sse.go — 视图更新的 SSE 推送。
package viewserver

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/multi-agent/go-chat-core/pkg/logger"
)

// sseHandler 先推送当前视图, 之后每次更新推送一个 view 事件, 空闲时发送 ping。
func (s *Server) sseHandler(c *gin.Context) {
	clientID := uuid.NewString()
	updates, cancel := s.session.Watch()
	defer func() {
		cancel()
		logger.Info("viewserver: SSE client disconnected", "client_id", clientID)
	}()
	logger.Info("viewserver: SSE client connected", "client_id", clientID)

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("view", s.session.View())
	c.Writer.Flush()

	keepalive := time.NewTimer(s.keepalive)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case v, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("view", v)
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(s.keepalive)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", "keepalive")
			keepalive.Reset(s.keepalive)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
