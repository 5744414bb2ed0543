package viewserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
	"github.com/multi-agent/go-chat-core/pkg/logger"
)

// 统一响应辅助, 所有 handler 共用。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func badRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, "invalid_input", message)
}

func notFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, "not_found", message)
}

// respondError 按错误分类映射状态码。内部细节只写日志。
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pkgerr.ErrNotFound):
		notFound(c, err.Error())
	case errors.Is(err, pkgerr.ErrInvalidInput), errors.Is(err, pkgerr.ErrNotSubmittable):
		badRequest(c, err.Error())
	case errors.Is(err, pkgerr.ErrSendFailed):
		fail(c, http.StatusBadGateway, "send_failed", "message could not be sent")
	case errors.Is(err, pkgerr.ErrClosed):
		fail(c, http.StatusServiceUnavailable, "closed", "session closed")
	default:
		logger.FromContext(c.Request.Context()).Error("viewserver: internal error", logger.FieldError, err)
		fail(c, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
