package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"codecollab/internal/domain"
)

// MigrateDB handles all database migrations using the provided GORM DB instance.
// users 表使用自定义 SQL 创建，避免 TEXT 列索引长度问题；其余模型走 AutoMigrate。
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}

	if err := migrateUsersTable(db); err != nil {
		return fmt.Errorf("failed to migrate users table: %w", err)
	}

	if err := db.AutoMigrate(
		&domain.Room{},
		&domain.RoomInvite{},
	); err != nil {
		logrus.Errorf("Failed to auto-migrate tables: %v", err)
		return fmt.Errorf("failed to auto-migrate tables: %w", err)
	}

	logrus.Info("Database migration completed successfully")
	return nil
}

// migrateUsersTable 创建或保持 users 表
func migrateUsersTable(db *gorm.DB) error {
	var count int64
	db.Raw("SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = 'users'").Count(&count)

	if count == 0 {
		return createUsersTable(db)
	}
	// 表已存在，让 AutoMigrate 补齐缺失的列/索引
	return db.AutoMigrate(&domain.User{})
}

// createUsersTable 使用自定义 SQL 创建 users 表
func createUsersTable(db *gorm.DB) error {
	sql := `
	CREATE TABLE users (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		username VARCHAR(191) NOT NULL,
		password TEXT NOT NULL,
		email VARCHAR(191),
		created_at DATETIME(3),
		updated_at DATETIME(3),
		UNIQUE INDEX idx_username (username),
		UNIQUE INDEX idx_email (email)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_general_ci;
	`
	if err := db.Exec(sql).Error; err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	logrus.Info("Users table created")
	return nil
}
