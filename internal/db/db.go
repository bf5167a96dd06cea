package db

import (
	"fmt"
	"time"

	"github.com/OzzMkl/backend-serverless-chat/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const connectAttempts = 10

// Connect 建立到 Postgres 的连接，带退避重试以等待数据库就绪。
func Connect(dsn string) (*gorm.DB, error) {
	var lastErr error
	for i := 0; i < connectAttempts; i++ {
		gdb, err := open(dsn)
		if err == nil {
			return gdb, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", i+1).Msg("postgres not ready")
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, fmt.Errorf("connect postgres after %d attempts: %w", connectAttempts, lastErr)
}

func open(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	// 在线连接表写入频繁但行数少，连接池不需要很大。
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return gdb, nil
}

// Migrate 迁移在线连接表与消息表。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.Connection{}, &models.Message{})
}

// Close 释放底层连接池。
func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
