package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"codecollab/internal/domain"
	"codecollab/internal/repository"
)

// GormRoomRepository 是 RoomRepository 接口的 GORM 实现
type GormRoomRepository struct {
	db *gorm.DB
}

// NewGormRoomRepository 创建 GormRoomRepository 实例
func NewGormRoomRepository(db *gorm.DB) *GormRoomRepository {
	if db == nil {
		panic("database connection cannot be nil for GormRoomRepository")
	}
	return &GormRoomRepository{db: db}
}

// FindByID 实现根据房间 ID 查找房间
func (r *GormRoomRepository) FindByID(ctx context.Context, roomID string) (*domain.Room, error) {
	var roomData domain.Room
	err := r.db.WithContext(ctx).Where("room_id = ?", roomID).First(&roomData).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: find room by id %q: %w", roomID, err)
	}
	return &roomData, nil
}

// Save 实现保存房间信息（创建或更新）
func (r *GormRoomRepository) Save(ctx context.Context, roomData *domain.Room) error {
	result := r.db.WithContext(ctx).Save(roomData)
	if err := result.Error; err != nil {
		// --- 健壮的唯一约束检查 (以 MySQL 为例) ---
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: save room %q: %w", roomData.RoomID, err)
	}
	return nil
}

// UpdateContent 实现替换缓冲区落盘值并更新 last_modified
// 落盘任务可能乱序到达（并发 worker 加重试），时间戳较旧的写入直接丢弃
func (r *GormRoomRepository) UpdateContent(ctx context.Context, roomID string, content string, modifiedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&domain.Room{}).
		Where("room_id = ? AND last_modified <= ?", roomID, modifiedAt).
		Updates(map[string]interface{}{
			"content":       content,
			"last_modified": modifiedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("gorm: update room %q content: %w", roomID, result.Error)
	}
	if result.RowsAffected == 0 {
		// 未命中有两种情况：记录已被清理，或已有更新的写入落盘
		var count int64
		if err := r.db.WithContext(ctx).Model(&domain.Room{}).
			Where("room_id = ?", roomID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("gorm: check room %q exists: %w", roomID, err)
		}
		if count == 0 {
			return repository.ErrRoomNotFound
		}
		// 过期写入，静默丢弃
	}
	return nil
}

// AddInvite 实现将用户加入邀请集合（幂等）
func (r *GormRoomRepository) AddInvite(ctx context.Context, roomID string, userID uint) error {
	invite := domain.RoomInvite{RoomID: roomID, UserID: userID}
	// 重复邀请直接忽略，(room_id, user_id) 有唯一索引
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&invite).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return fmt.Errorf("gorm: add invite (room %q, user %d): %w", roomID, userID, err)
	}
	return nil
}

// ListInvitedUserIDs 实现返回房间邀请集合中的全部用户 ID
func (r *GormRoomRepository) ListInvitedUserIDs(ctx context.Context, roomID string) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&domain.RoomInvite{}).
		Where("room_id = ?", roomID).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list invited users for room %q: %w", roomID, err)
	}
	return ids, nil
}

// DeleteExpired 实现删除过期房间记录及其邀请
func (r *GormRoomRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var expiredIDs []string
		if err := tx.Model(&domain.Room{}).
			Where("expires_at < ?", now).
			Pluck("room_id", &expiredIDs).Error; err != nil {
			return fmt.Errorf("gorm: list expired rooms: %w", err)
		}
		if len(expiredIDs) == 0 {
			return nil
		}
		if err := tx.Where("room_id IN ?", expiredIDs).Delete(&domain.RoomInvite{}).Error; err != nil {
			return fmt.Errorf("gorm: delete invites of expired rooms: %w", err)
		}
		result := tx.Where("room_id IN ?", expiredIDs).Delete(&domain.Room{})
		if result.Error != nil {
			return fmt.Errorf("gorm: delete expired rooms: %w", result.Error)
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
