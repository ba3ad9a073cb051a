package repository

import (
	"context"

	"codecollab/internal/domain"
)

// UserRepository 定义了用户数据的存储和检索操作。
type UserRepository interface {
	// FindByUsername 根据用户名查找用户。
	// 如果用户不存在，返回 repository.ErrUserNotFound。
	FindByUsername(ctx context.Context, username string) (*domain.User, error)

	// FindByEmail 根据邮箱查找用户。邀请流程用它解析收件人。
	// 如果用户不存在，返回 repository.ErrUserNotFound。
	FindByEmail(ctx context.Context, email string) (*domain.User, error)

	// FindByID 根据用户 ID 查找用户。
	// 如果用户不存在，返回 repository.ErrUserNotFound。
	FindByID(ctx context.Context, id uint) (*domain.User, error)

	// Save 保存用户信息。已存在 (基于 ID) 则更新，否则创建。
	Save(ctx context.Context, user *domain.User) error
}
