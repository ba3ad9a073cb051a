package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"codecollab/internal/hub"
	"codecollab/internal/service"
)

// WebSocketHandler 负责处理 WebSocket 升级请求和客户端注册
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	hub         *hub.Hub
	authService *service.AuthService
}

// NewWebSocketHandler 创建 WebSocketHandler 实例
func NewWebSocketHandler(h *hub.Hub, authService *service.AuthService) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}
	if authService == nil {
		panic("AuthService cannot be nil for WebSocketHandler")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// 允许所有来源连接 (生产环境应配置具体的允许来源)
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return &WebSocketHandler{
		upgrader:    upgrader,
		hub:         h,
		authService: authService,
	}
}

// HandleConnection 处理 /ws 的连接请求。
// 浏览器的 WebSocket API 不支持自定义请求头，因此凭证通过
// ?token= 查询参数携带，升级前完成校验，失败直接返回 HTTP 错误。
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	// 1. 升级前的凭证校验
	token := c.Query("token")
	if token == "" {
		logrus.Warn("WS Handler: Missing token query parameter")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication token required"})
		return
	}

	userID, err := h.authService.VerifyToken(token)
	if err != nil {
		logrus.WithError(err).Warn("WS Handler: Token verification failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
		return
	}
	logCtx := logrus.WithField("user_id", userID)

	// 2. 升级 HTTP 连接到 WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经向客户端发送了 HTTP 错误响应，这里只记录日志
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		return
	}

	// 3. 创建 Client 并交给 Hub 注册，之后的通信由读写泵接管
	client := hub.NewClient(h.hub, conn, userID)
	logCtx = logCtx.WithField("client_id", client.ClientID)

	h.hub.QueueMessage(hub.HubMessage{Type: hub.HubRegister, Client: client})
	client.Run()

	logCtx.Info("WS Handler: Connection established")
}
