package msglog

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type cursorClaims struct {
	ConversationKey string `json:"ck"`
	CreatedAtMillis int64  `json:"ts"`
	MessageID       string `json:"mid"`
	jwt.RegisteredClaims
}

// CursorCodec 把 Cursor 编码为 HS256 签名的续传令牌。
// 令牌绑定会话键，不能在别的会话中重放。
type CursorCodec struct {
	secret []byte
}

func NewCursorCodec(secret string) *CursorCodec {
	return &CursorCodec{secret: []byte(secret)}
}

func (c *CursorCodec) Encode(conversationKey string, cur *Cursor) (string, error) {
	if cur == nil {
		return "", nil
	}
	claims := cursorClaims{
		ConversationKey: conversationKey,
		CreatedAtMillis: cur.CreatedAt.UnixMilli(),
		MessageID:       cur.MessageID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Decode 对空令牌返回 nil，表示从最新一条开始。
func (c *CursorCodec) Decode(conversationKey, token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	var claims cursorClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if claims.ConversationKey != conversationKey || claims.MessageID == "" {
		return nil, fmt.Errorf("%w: conversation mismatch", ErrInvalidCursor)
	}
	return &Cursor{CreatedAt: time.UnixMilli(claims.CreatedAtMillis).UTC(), MessageID: claims.MessageID}, nil
}
