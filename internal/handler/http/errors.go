package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"codecollab/internal/service"
)

// HandleServiceError 把 Service 层的业务错误翻译为 HTTP 状态码。
func HandleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrAuthenticationFailed):
		ErrorResponse(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrForbidden):
		ErrorResponse(c, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrRegistrationFailed), errors.Is(err, service.ErrInvalidRequest):
		ErrorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrRoomNotFound), errors.Is(err, service.ErrUserNotFound):
		ErrorResponse(c, http.StatusNotFound, err.Error())
	default:
		// 内部错误记录日志，对外只返回笼统信息
		logrus.WithError(err).Error("Unhandled internal server error")
		ErrorResponse(c, http.StatusInternalServerError, "An unexpected error occurred")
	}
}

// authenticatedUserID 从 Gin 上下文取出认证中间件写入的用户 ID。
func authenticatedUserID(c *gin.Context) (uint, bool) {
	userIDAny, exists := c.Get("user_id")
	if !exists {
		logrus.Warn("Handler: User ID not found in context, middleware missing or failed?")
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
		return 0, false
	}
	userID, ok := userIDAny.(uint)
	if !ok {
		logrus.Error("Handler: User ID in context is not uint")
		ErrorResponse(c, http.StatusInternalServerError, "Internal server error processing user ID")
		return 0, false
	}
	return userID, true
}
