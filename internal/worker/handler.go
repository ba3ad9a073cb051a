package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"codecollab/internal/mailer"
	"codecollab/internal/repository"
	"codecollab/internal/tasks"
)

// ContentPersistHandler 把房间内容的内存变更写回数据库
type ContentPersistHandler struct {
	roomRepo repository.RoomRepository
}

// NewContentPersistHandler 创建 Handler 实例
func NewContentPersistHandler(roomRepo repository.RoomRepository) *ContentPersistHandler {
	return &ContentPersistHandler{roomRepo: roomRepo}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *ContentPersistHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload tasks.ContentPersistPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.WithError(err).Error("Failed to unmarshal content persist payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	logCtx := logrus.WithField("room_id", payload.RoomID)

	if err := h.roomRepo.UpdateContent(ctx, payload.RoomID, payload.Content, payload.ModifiedAt); err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			// 房间已被清理，重试不可能成功
			logCtx.Warn("Room gone before content persisted, dropping task")
			return fmt.Errorf("room not found: %w", asynq.SkipRetry)
		}
		logCtx.WithError(err).Error("Failed to persist room content")
		return fmt.Errorf("persist room %s: %w", payload.RoomID, err)
	}

	logCtx.Debug("Room content persisted")
	return nil
}

// InviteEmailHandler 投递协作邀请邮件
type InviteEmailHandler struct {
	mailer mailer.Mailer
}

// NewInviteEmailHandler 创建 Handler 实例
func NewInviteEmailHandler(m mailer.Mailer) *InviteEmailHandler {
	return &InviteEmailHandler{mailer: m}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *InviteEmailHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload tasks.InviteEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.WithError(err).Error("Failed to unmarshal invite email payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	logCtx := logrus.WithFields(logrus.Fields{"to": payload.To, "room_id": payload.RoomID})

	if err := h.mailer.SendInvite(ctx, payload.To, payload.SenderName, payload.RoomID, payload.InviteLink); err != nil {
		logCtx.WithError(err).Error("Failed to send invite email")
		return fmt.Errorf("send invite email: %w", err)
	}

	logCtx.Info("Invite email task processed successfully")
	return nil
}

// RoomPurgeHandler 删除超过保留期的房间及其邀请记录
type RoomPurgeHandler struct {
	roomRepo repository.RoomRepository
}

// NewRoomPurgeHandler 创建 Handler 实例
func NewRoomPurgeHandler(roomRepo repository.RoomRepository) *RoomPurgeHandler {
	return &RoomPurgeHandler{roomRepo: roomRepo}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *RoomPurgeHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	deleted, err := h.roomRepo.DeleteExpired(ctx, time.Now())
	if err != nil {
		logrus.WithError(err).Error("Failed to purge expired rooms")
		return fmt.Errorf("purge expired rooms: %w", err)
	}
	if deleted > 0 {
		logrus.WithField("deleted", deleted).Info("Expired rooms purged")
	}
	return nil
}
