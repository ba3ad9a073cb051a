package domain

import "time"

// DefaultContent 是新房间编辑器缓冲区的初始内容。
const DefaultContent = "// Start coding here..."

// RoomTTL 是持久化房间记录的存活窗口。到期后记录可被后台清理任务回收，
// 与内存中的活跃状态（订阅者是否在线）完全解耦。
const RoomTTL = 7 * 24 * time.Hour

// Room 表示一个协作代码编辑房间的持久化记录。
// RoomID 是对外暴露的不透明标识（UUID），Content 是权威文本缓冲区的
// 最近一次落盘值；实时的权威值由 hub 的内存注册表持有。
type Room struct {
	RoomID       string    `gorm:"primaryKey;size:191"` // 房间唯一标识 (UUID)
	OwnerID      uint      `gorm:"index;not null"`      // 创建该房间的用户 ID
	Name         string    `gorm:"size:191;not null"`   // 房间名（通常为文件名）
	Content      string    `gorm:"type:longtext"`       // 缓冲区内容（写回落盘值）
	LastModified time.Time `gorm:"index"`               // 内容最后一次被替换的时间
	CreatedAt    time.Time `gorm:"autoCreateTime"`      // 记录创建时间 (GORM 自动填充)
	ExpiresAt    time.Time `gorm:"index;not null"`      // 绝对过期时间，过期后记录可被回收
}

// TableName 指定 GORM 使用的表名。
func (Room) TableName() string { return "rooms" }

// Expired 判断房间的持久化记录是否已超过其生存期。
func (r *Room) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// RoomInvite 记录某用户被邀请进入某房间。
// (room_id, user_id) 组合唯一，邀请集合无序、不重复。
type RoomInvite struct {
	ID        uint      `gorm:"primaryKey"`
	RoomID    string    `gorm:"uniqueIndex:idx_room_user;size:191;not null"` // 被邀请进入的房间
	UserID    uint      `gorm:"uniqueIndex:idx_room_user;not null"`          // 被邀请的用户
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName 指定 GORM 使用的表名。
func (RoomInvite) TableName() string { return "room_invites" }
