// Package registry 保存 connectionId → nickname 的在线连接表。
package registry

import (
	"context"
	"errors"

	"github.com/OzzMkl/backend-serverless-chat/internal/models"
)

var (
	ErrAlreadyExists = errors.New("registry: connection already exists")
	ErrNotFound      = errors.New("registry: connection not found")
)

// Registry 的每个操作单独原子，但跨键不具备事务性。
// Register 必须是条件写入：昵称或连接 ID 已被占用时返回 ErrAlreadyExists。
type Registry interface {
	Register(ctx context.Context, conn models.Connection) error
	Unregister(ctx context.Context, connectionID string) error
	Get(ctx context.Context, connectionID string) (*models.Connection, error)
	FindByNickname(ctx context.Context, nickname string) (*models.Connection, error)
	ListAll(ctx context.Context) ([]models.Connection, error)
}
