// Package mocks 提供 repository 接口的 testify Mock 实现，供 Service 层测试使用。
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"codecollab/internal/domain"
)

// RoomRepository 是 repository.RoomRepository 的 Mock 实现。
type RoomRepository struct {
	mock.Mock
}

func (m *RoomRepository) FindByID(ctx context.Context, roomID string) (*domain.Room, error) {
	args := m.Called(ctx, roomID)
	var room *domain.Room
	if args.Get(0) != nil {
		room = args.Get(0).(*domain.Room)
	}
	return room, args.Error(1)
}

func (m *RoomRepository) Save(ctx context.Context, room *domain.Room) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

func (m *RoomRepository) UpdateContent(ctx context.Context, roomID string, content string, modifiedAt time.Time) error {
	args := m.Called(ctx, roomID, content, modifiedAt)
	return args.Error(0)
}

func (m *RoomRepository) AddInvite(ctx context.Context, roomID string, userID uint) error {
	args := m.Called(ctx, roomID, userID)
	return args.Error(0)
}

func (m *RoomRepository) ListInvitedUserIDs(ctx context.Context, roomID string) ([]uint, error) {
	args := m.Called(ctx, roomID)
	var ids []uint
	if args.Get(0) != nil {
		ids = args.Get(0).([]uint)
	}
	return ids, args.Error(1)
}

func (m *RoomRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}
