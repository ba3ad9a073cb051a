package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"codecollab/internal/service"
)

// RoomHandler 封装了与房间管理相关的 HTTP 处理逻辑
type RoomHandler struct {
	roomService *service.RoomService
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(roomService *service.RoomService) *RoomHandler {
	if roomService == nil {
		panic("RoomService cannot be nil for RoomHandler")
	}
	return &RoomHandler{roomService: roomService}
}

// CreateRoomRequest 定义创建房间请求的结构体
type CreateRoomRequest struct {
	Name string `json:"name" binding:"required,min=1,max=100"`
}

// CreateRoomResponse 定义创建房间成功的响应结构体
type CreateRoomResponse struct {
	Message string `json:"message"`
	RoomID  string `json:"roomId"`
	Name    string `json:"name"`
}

// CreateRoom 处理创建新房间的请求
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	// 1. 获取认证用户 ID（由 Auth 中间件设置）
	userID, ok := authenticatedUserID(c)
	if !ok {
		return
	}
	logCtx := logrus.WithField("user_id", userID)

	// 2. 绑定请求体
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logCtx.WithError(err).Warn("Handler.CreateRoom: Invalid input format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: name is required"})
		return
	}

	// 3. 调用 Service 层创建房间
	newRoom, err := h.roomService.CreateRoom(c.Request.Context(), userID, req.Name)
	if err != nil {
		logCtx.WithError(err).Error("Handler.CreateRoom: Failed to create room via service")
		HandleServiceError(c, err)
		return
	}

	// 4. 成功响应
	logCtx.WithField("room_id", newRoom.RoomID).Info("Handler.CreateRoom: Room created successfully")
	c.JSON(http.StatusOK, CreateRoomResponse{
		Message: "Room created successfully",
		RoomID:  newRoom.RoomID,
		Name:    newRoom.Name,
	})
}

// RoomDetailsResponse 定义房间详情的响应结构体
type RoomDetailsResponse struct {
	RoomID       string `json:"roomId"`
	Name         string `json:"name"`
	OwnerID      uint   `json:"ownerId"`
	Content      string `json:"content"`
	LastModified int64  `json:"lastModified"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// GetRoom 返回房间详情，仅房主与受邀用户可见
func (h *RoomHandler) GetRoom(c *gin.Context) {
	userID, ok := authenticatedUserID(c)
	if !ok {
		return
	}
	roomID := c.Param("roomId")
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "room_id": roomID})

	room, err := h.roomService.AuthorizeAccess(c.Request.Context(), roomID, userID)
	if err != nil {
		logCtx.WithError(err).Warn("Handler.GetRoom: Access denied or lookup failed")
		HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, RoomDetailsResponse{
		RoomID:       room.RoomID,
		Name:         room.Name,
		OwnerID:      room.OwnerID,
		Content:      room.Content,
		LastModified: room.LastModified.UnixMilli(),
		ExpiresAt:    room.ExpiresAt.UnixMilli(),
	})
}

// JoinRoomRequest 定义加入房间请求的结构体
type JoinRoomRequest struct {
	RoomID string `json:"roomId" binding:"required"`
}

// JoinRoom 校验用户对房间的访问权，返回房间详情。
// 实时订阅走 WebSocket，这里只做进入前的握手确认。
func (h *RoomHandler) JoinRoom(c *gin.Context) {
	userID, ok := authenticatedUserID(c)
	if !ok {
		return
	}
	logCtx := logrus.WithField("user_id", userID)

	var req JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logCtx.WithError(err).Warn("Handler.JoinRoom: Invalid input format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: roomId is required"})
		return
	}
	logCtx = logCtx.WithField("room_id", req.RoomID)

	room, err := h.roomService.AuthorizeAccess(c.Request.Context(), req.RoomID, userID)
	if err != nil {
		logCtx.WithError(err).Warn("Handler.JoinRoom: Failed to join room via service")
		HandleServiceError(c, err)
		return
	}

	logCtx.Info("Handler.JoinRoom: User joined room successfully")
	c.JSON(http.StatusOK, gin.H{
		"message": "Joined room successfully",
		"roomId":  room.RoomID,
		"name":    room.Name,
	})
}

// InviteRequest 定义邀请协作者请求的结构体
type InviteRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// Invite 由房主向指定邮箱发出协作邀请
func (h *RoomHandler) Invite(c *gin.Context) {
	userID, ok := authenticatedUserID(c)
	if !ok {
		return
	}
	roomID := c.Param("roomId")
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "room_id": roomID})

	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logCtx.WithError(err).Warn("Handler.Invite: Invalid input format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: email is required"})
		return
	}

	if err := h.roomService.Invite(c.Request.Context(), roomID, userID, req.Email); err != nil {
		logCtx.WithError(err).Warn("Handler.Invite: Failed to send invite")
		HandleServiceError(c, err)
		return
	}

	logCtx.WithField("email", req.Email).Info("Handler.Invite: Invite sent")
	c.JSON(http.StatusOK, gin.H{"message": "Invite sent successfully"})
}
