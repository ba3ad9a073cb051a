package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"codecollab/internal/domain"
	"codecollab/internal/repository"
	"codecollab/internal/tasks"
)

// RoomService 负责房间管理相关的业务逻辑：创建、准入授权、邀请。
// 它是中继与持久化房间存储之间的唯一通道。
type RoomService struct {
	roomRepo    repository.RoomRepository
	userRepo    repository.UserRepository
	enqueuer    tasks.Enqueuer // 邀请邮件经任务队列投递，失败不阻塞 API 响应
	frontendURL string         // 邀请链接的前端地址前缀
}

// NewRoomService 创建 RoomService 实例。
func NewRoomService(roomRepo repository.RoomRepository, userRepo repository.UserRepository, enqueuer tasks.Enqueuer, frontendURL string) *RoomService {
	if roomRepo == nil {
		panic("RoomRepository cannot be nil for RoomService")
	}
	if userRepo == nil {
		panic("UserRepository cannot be nil for RoomService")
	}
	return &RoomService{
		roomRepo:    roomRepo,
		userRepo:    userRepo,
		enqueuer:    enqueuer,
		frontendURL: frontendURL,
	}
}

// CreateRoom 创建一个新房间。房间 ID 为 UUID，初始内容为默认模板，
// 持久化记录带 7 天过期时间。
func (s *RoomService) CreateRoom(ctx context.Context, ownerID uint, name string) (*domain.Room, error) {
	logCtx := logrus.WithField("owner_id", ownerID)

	if name == "" {
		return nil, ErrInvalidRequest
	}

	now := time.Now()
	room := &domain.Room{
		RoomID:       uuid.NewString(),
		OwnerID:      ownerID,
		Name:         name,
		Content:      domain.DefaultContent,
		LastModified: now,
		ExpiresAt:    now.Add(domain.RoomTTL),
	}

	if err := s.roomRepo.Save(ctx, room); err != nil {
		logCtx.WithError(err).Error("Failed to save new room to database")
		return nil, ErrInternalServer
	}

	logCtx.WithField("room_id", room.RoomID).Info("Room created successfully")
	return room, nil
}

// FindRoomByID 查找房间。已过期但尚未被清理的记录视同不存在。
func (s *RoomService) FindRoomByID(ctx context.Context, roomID string) (*domain.Room, error) {
	logCtx := logrus.WithField("room_id", roomID)
	room, err := s.roomRepo.FindByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			logCtx.Warn("FindRoomByID: Room not found")
			return nil, ErrRoomNotFound
		}
		logCtx.WithError(err).Error("FindRoomByID: Repository error")
		return nil, ErrInternalServer
	}
	// 防御性检查
	if room == nil {
		logCtx.Warn("FindRoomByID: Repository returned nil room without error")
		return nil, ErrRoomNotFound
	}
	if room.Expired(time.Now()) {
		logCtx.Warn("FindRoomByID: Room record expired")
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// AuthorizeAccess 检查用户是否可进入房间：房主或邀请集合中的成员。
// 通过时返回房间记录；未授权返回 ErrForbidden，房间缺失返回 ErrRoomNotFound。
func (s *RoomService) AuthorizeAccess(ctx context.Context, roomID string, userID uint) (*domain.Room, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID})

	room, err := s.FindRoomByID(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if room.OwnerID == userID {
		return room, nil
	}

	invited, err := s.roomRepo.ListInvitedUserIDs(ctx, roomID)
	if err != nil {
		logCtx.WithError(err).Error("AuthorizeAccess: Failed to list invited users")
		return nil, ErrInternalServer
	}
	for _, id := range invited {
		if id == userID {
			return room, nil
		}
	}

	logCtx.Warn("AuthorizeAccess: User is neither owner nor invited")
	return nil, ErrForbidden
}

// Invite 处理房主向某邮箱发出的协作邀请。
// 仅房主可邀请；收件人已注册时记入邀请集合。邮件投递交给任务队列，
// 入队失败只记日志，不影响邀请结果。
func (s *RoomService) Invite(ctx context.Context, roomID string, senderID uint, receiverEmail string) error {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "sender_id": senderID, "receiver_email": receiverEmail})

	if receiverEmail == "" {
		return ErrInvalidRequest
	}

	// 1. 房间必须存在且发起人是房主
	room, err := s.FindRoomByID(ctx, roomID)
	if err != nil {
		return err
	}
	if room.OwnerID != senderID {
		logCtx.Warn("Invite: Only the room owner can invite users")
		return ErrForbidden
	}

	// 2. 取邀请人显示名，用于邮件正文
	sender, err := s.userRepo.FindByID(ctx, senderID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrUserNotFound
		}
		logCtx.WithError(err).Error("Invite: Failed to load sender")
		return ErrInternalServer
	}

	// 3. 收件人已注册则加入邀请集合；未注册只发邮件，注册后凭链接加入
	receiver, err := s.userRepo.FindByEmail(ctx, receiverEmail)
	switch {
	case err == nil && receiver != nil:
		if err := s.roomRepo.AddInvite(ctx, roomID, receiver.ID); err != nil {
			logCtx.WithError(err).Error("Invite: Failed to record invite")
			return ErrInternalServer
		}
	case errors.Is(err, repository.ErrUserNotFound):
		logCtx.Debug("Invite: Receiver not registered yet, sending signup invite")
	default:
		logCtx.WithError(err).Error("Invite: Failed to look up receiver")
		return ErrInternalServer
	}

	// 4. 邮件发送走后台任务，重试由队列负责
	s.enqueueInviteEmail(roomID, sender.Username, receiverEmail, logCtx)
	return nil
}

// enqueueInviteEmail 入队邀请邮件任务（尽力而为）
func (s *RoomService) enqueueInviteEmail(roomID, senderName, receiverEmail string, logCtx *logrus.Entry) {
	if s.enqueuer == nil {
		logCtx.Warn("Invite: No task enqueuer configured, skipping invite email")
		return
	}
	task, err := tasks.NewInviteEmailTask(tasks.InviteEmailPayload{
		To:         receiverEmail,
		SenderName: senderName,
		RoomID:     roomID,
		InviteLink: fmt.Sprintf("%s/join-room?roomId=%s", s.frontendURL, roomID),
	})
	if err != nil {
		logCtx.WithError(err).Error("Invite: Failed to build invite email task")
		return
	}
	if _, err := s.enqueuer.Enqueue(task, asynq.MaxRetry(3), asynq.Queue("low")); err != nil {
		logCtx.WithError(err).Error("Invite: Failed to enqueue invite email task")
		return
	}
	logCtx.Info("Invite email task enqueued")
}
