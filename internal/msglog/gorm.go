package msglog

import (
	"context"

	"github.com/OzzMkl/backend-serverless-chat/internal/models"

	"gorm.io/gorm"
)

type Postgres struct {
	db *gorm.DB
}

func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Append(ctx context.Context, msg *models.Message) error {
	return p.db.WithContext(ctx).Create(msg).Error
}

// Query 走 (conversation_key, created_at) 复合索引，倒序多取一条用于判断下一页。
func (p *Postgres) Query(ctx context.Context, conversationKey string, limit int, after *Cursor) (Page, error) {
	q := p.db.WithContext(ctx).Where("conversation_key = ?", conversationKey)
	if after != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND message_id < ?))", after.CreatedAt, after.CreatedAt, after.MessageID)
	}
	var msgs []models.Message
	if err := q.Order("created_at desc").Order("message_id desc").Limit(limit + 1).Find(&msgs).Error; err != nil {
		return Page{}, err
	}
	return paginate(msgs, limit), nil
}
