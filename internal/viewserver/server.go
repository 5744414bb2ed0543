// Package viewserver 通过 HTTP 暴露会话视图与最小控制面。
package viewserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/go-chat-core/internal/model"
	"github.com/multi-agent/go-chat-core/internal/session"
	"github.com/multi-agent/go-chat-core/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// Session 活动会话 (session.Manager 实现)。
type Session interface {
	Open(ctx context.Context, conversationID string) error
	SubmitText(ctx context.Context, text string) error
	Stop(ctx context.Context)
	View() session.View
	Watch() (<-chan session.View, func())
	DismissNotice(id int) bool
}

// Conversations 会话目录 (conversation.Directory 实现)。
type Conversations interface {
	List() []model.Conversation
	Search(query string) []model.Conversation
	Remove(ctx context.Context, id string) error
	Pin(ctx context.Context, id string) (model.Conversation, error)
	Unpin(ctx context.Context, id string) (model.Conversation, error)
}

// Server 视图 HTTP 服务。
type Server struct {
	router        *gin.Engine
	session       Session
	conversations Conversations
	keepalive     time.Duration
}

// NewServer 创建服务并注册路由。
func NewServer(sess Session, conversations Conversations) *Server {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	s := &Server{router: r, session: sess, conversations: conversations, keepalive: 30 * time.Second}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// Run 监听 addr 直到 ctx 结束, 然后优雅关闭。
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("viewserver: listening", logger.FieldAddr, addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestLogger 用包级 logger 记录请求。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("viewserver: request",
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, c.FullPath(),
			logger.FieldStatus, c.Writer.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	}
}
