package registry

import (
	"context"
	"errors"

	"github.com/OzzMkl/backend-serverless-chat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Postgres 把在线连接表放在 connections 表中，主键与昵称唯一索引共同保证条件写入。
type Postgres struct {
	db *gorm.DB
}

func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db}
}

// Register 使用 ON CONFLICT DO NOTHING，任一唯一约束冲突都表现为 0 行写入。
func (p *Postgres) Register(ctx context.Context, conn models.Connection) error {
	res := p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&conn)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (p *Postgres) Unregister(ctx context.Context, connectionID string) error {
	return p.db.WithContext(ctx).Where("connection_id = ?", connectionID).Delete(&models.Connection{}).Error
}

func (p *Postgres) Get(ctx context.Context, connectionID string) (*models.Connection, error) {
	var conn models.Connection
	if err := p.db.WithContext(ctx).Where("connection_id = ?", connectionID).First(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conn, nil
}

func (p *Postgres) FindByNickname(ctx context.Context, nickname string) (*models.Connection, error) {
	var conn models.Connection
	if err := p.db.WithContext(ctx).Where("nickname = ?", nickname).First(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conn, nil
}

func (p *Postgres) ListAll(ctx context.Context) ([]models.Connection, error) {
	var conns []models.Connection
	if err := p.db.WithContext(ctx).Order("nickname").Find(&conns).Error; err != nil {
		return nil, err
	}
	return conns, nil
}
