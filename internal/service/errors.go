package service

import (
	"errors"

	"github.com/OzzMkl/backend-serverless-chat/internal/msglog"
)

// 业务层通用错误，边界层据此决定回推 error 事件还是作为故障上抛。
var (
	ErrNicknameRequired = errors.New("nickname is required")
	ErrNicknameTaken    = errors.New("nickname is already taken")
	ErrNotRegistered    = errors.New("connection is not registered")
	ErrInvalidPayload   = errors.New("invalid payload")
)

type Kind int

const (
	// KindInternal 是基础设施故障，不在本地恢复。
	KindInternal Kind = iota
	// KindValidation 是请求体格式或字段不合法。
	KindValidation
	// KindProtocol 是状态不允许的动作，例如未登记连接发消息或昵称被占用。
	KindProtocol
)

// Classify 把错误映射到类别；未知错误一律视为内部故障。
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, msglog.ErrInvalidCursor):
		return KindValidation
	case errors.Is(err, ErrNicknameRequired), errors.Is(err, ErrNicknameTaken), errors.Is(err, ErrNotRegistered):
		return KindProtocol
	default:
		return KindInternal
	}
}
