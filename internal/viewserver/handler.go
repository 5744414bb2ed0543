// handler.go — REST API handlers。
package viewserver

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// registerRoutes 注册 API 路由。
func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.GET("/conversations", s.listConversations)
	api.GET("/conversations/search", s.searchConversations)
	api.DELETE("/conversations/:id", s.removeConversation)
	api.POST("/conversations/:id/open", s.openConversation)
	api.POST("/conversations/:id/pin", s.pinConversation)
	api.DELETE("/conversations/:id/pin", s.unpinConversation)

	api.GET("/view", s.getView)
	api.GET("/view/messages", s.getMessages)
	api.GET("/view/operations", s.getOperations)

	api.POST("/messages", s.postMessage)
	api.POST("/stop", s.stop)
	api.DELETE("/notices/:id", s.dismissNotice)

	api.GET("/events", s.sseHandler)
}

// ========================================
// 会话目录
// ========================================

func (s *Server) listConversations(c *gin.Context) {
	success(c, s.conversations.List())
}

func (s *Server) searchConversations(c *gin.Context) {
	success(c, s.conversations.Search(c.Query("q")))
}

func (s *Server) removeConversation(c *gin.Context) {
	if err := s.conversations.Remove(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"id": c.Param("id")})
}

func (s *Server) openConversation(c *gin.Context) {
	if err := s.session.Open(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	success(c, s.session.View())
}

func (s *Server) pinConversation(c *gin.Context) {
	conv, err := s.conversations.Pin(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, conv)
}

func (s *Server) unpinConversation(c *gin.Context) {
	conv, err := s.conversations.Unpin(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, conv)
}

// ========================================
// 视图
// ========================================

func (s *Server) getView(c *gin.Context) {
	success(c, s.session.View())
}

func (s *Server) getMessages(c *gin.Context) {
	v := s.session.View()
	success(c, gin.H{
		"conversation_id":  v.ConversationID,
		"messages":         v.Messages,
		"pairs":            v.Pairs,
		"getting_response": v.GettingResponse,
	})
}

func (s *Server) getOperations(c *gin.Context) {
	v := s.session.View()
	if id := c.Query("tool_call_id"); id != "" {
		tl, ok := v.Timelines[id]
		if !ok {
			notFound(c, "unknown tool call: "+id)
			return
		}
		success(c, gin.H{"operations": v.Operations[id], "timeline": tl})
		return
	}
	success(c, gin.H{"operations": v.Operations, "timelines": v.Timelines})
}

// ========================================
// 控制
// ========================================

type postMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		badRequest(c, "text is required")
		return
	}
	if err := s.session.SubmitText(c.Request.Context(), req.Text); err != nil {
		respondError(c, err)
		return
	}
	v := s.session.View()
	accepted(c, gin.H{"queued": v.Queued, "getting_response": v.GettingResponse})
}

func (s *Server) stop(c *gin.Context) {
	s.session.Stop(c.Request.Context())
	success(c, gin.H{"getting_response": s.session.View().GettingResponse})
}

func (s *Server) dismissNotice(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid notice id")
		return
	}
	if !s.session.DismissNotice(id) {
		notFound(c, "notice not found")
		return
	}
	success(c, gin.H{"id": id})
}
