package repository

import (
	"context"
	"time"

	"codecollab/internal/domain"
)

// RoomRepository 定义了房间持久化记录的存储和检索操作。
// 这是中继的"持久化房间存储"：内存注册表在首次加入时从这里读取，
// 之后通过写回任务异步更新。
type RoomRepository interface {
	// FindByID 根据房间 ID 查找房间。
	// 如果房间不存在，返回 repository.ErrRoomNotFound。
	FindByID(ctx context.Context, roomID string) (*domain.Room, error)

	// Save 保存房间信息。已存在 (基于 RoomID) 则更新，否则创建。
	Save(ctx context.Context, room *domain.Room) error

	// UpdateContent 替换房间的缓冲区落盘值并更新 last_modified。
	// 仅当 modifiedAt 不早于当前 last_modified 时才写入，更旧的写入
	// 静默丢弃（落盘任务可能乱序到达）。房间不存在时返回
	// ErrRoomNotFound（记录可能已过期被清理）。
	UpdateContent(ctx context.Context, roomID string, content string, modifiedAt time.Time) error

	// AddInvite 将用户加入房间的邀请集合。重复邀请是幂等的。
	AddInvite(ctx context.Context, roomID string, userID uint) error

	// ListInvitedUserIDs 返回房间邀请集合中的全部用户 ID。
	ListInvitedUserIDs(ctx context.Context, roomID string) ([]uint, error)

	// DeleteExpired 删除 expires_at 早于 now 的房间记录及其邀请，
	// 返回删除的房间数。由周期性清理任务调用。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
