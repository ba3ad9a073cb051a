package gormpersistence

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"codecollab/internal/domain"
	"codecollab/internal/repository"
)

// newTestDB 打开一个内存 SQLite 库并建好表，用于仓储层测试
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "打开内存数据库不应失败")
	require.NoError(t, db.AutoMigrate(&domain.Room{}, &domain.RoomInvite{}), "建表不应失败")
	return db
}

func seedRoom(t *testing.T, db *gorm.DB, roomID, content string, lastModified time.Time) {
	t.Helper()
	room := &domain.Room{
		RoomID:       roomID,
		OwnerID:      1,
		Name:         "main.go",
		Content:      content,
		LastModified: lastModified,
		ExpiresAt:    lastModified.Add(domain.RoomTTL),
	}
	require.NoError(t, db.Create(room).Error)
}

func TestGormRoomRepository_UpdateContent_NewerWriteLands(t *testing.T) {
	// Arrange
	db := newTestDB(t)
	repo := NewGormRoomRepository(db)
	base := time.Now().UTC().Truncate(time.Second)
	seedRoom(t, db, "room-1", "v1", base)

	// Act
	err := repo.UpdateContent(context.Background(), "room-1", "v2", base.Add(time.Second))

	// Assert
	require.NoError(t, err)
	got, err := repo.FindByID(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content, "较新的写入应该落盘")
}

func TestGormRoomRepository_UpdateContent_StaleWriteDropped(t *testing.T) {
	// Arrange: 记录里已经是较新的内容
	db := newTestDB(t)
	repo := NewGormRoomRepository(db)
	base := time.Now().UTC().Truncate(time.Second)
	seedRoom(t, db, "room-1", "v2", base)

	// Act: 携带更早时间戳的写入（重试乱序到达）
	err := repo.UpdateContent(context.Background(), "room-1", "v1", base.Add(-time.Second))

	// Assert: 不报错，但内容保持较新的值
	require.NoError(t, err, "过期写入应被当作成功丢弃而不是报错")
	got, findErr := repo.FindByID(context.Background(), "room-1")
	require.NoError(t, findErr)
	assert.Equal(t, "v2", got.Content, "过期写入不应覆盖较新的内容")
	assert.True(t, got.LastModified.Equal(base), "last_modified 不应被回拨")
}

func TestGormRoomRepository_UpdateContent_EqualTimestampLands(t *testing.T) {
	// 相同时间戳的写入仍然生效 (last_modified <= modifiedAt)
	db := newTestDB(t)
	repo := NewGormRoomRepository(db)
	base := time.Now().UTC().Truncate(time.Second)
	seedRoom(t, db, "room-1", "v1", base)

	err := repo.UpdateContent(context.Background(), "room-1", "v1b", base)

	require.NoError(t, err)
	got, findErr := repo.FindByID(context.Background(), "room-1")
	require.NoError(t, findErr)
	assert.Equal(t, "v1b", got.Content)
}

func TestGormRoomRepository_UpdateContent_RoomGone(t *testing.T) {
	// Arrange
	db := newTestDB(t)
	repo := NewGormRoomRepository(db)

	// Act
	err := repo.UpdateContent(context.Background(), "no-such-room", "v1", time.Now())

	// Assert: 记录确实不存在时才返回 ErrRoomNotFound
	assert.ErrorIs(t, err, repository.ErrRoomNotFound)
}
