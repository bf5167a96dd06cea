// Package msglog 是只追加的会话消息日志，按会话键倒序分页查询。
package msglog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/OzzMkl/backend-serverless-chat/internal/models"
)

// KeySeparator 连接两个昵称，昵称本身不允许包含它。
const KeySeparator = "#"

var ErrInvalidCursor = errors.New("msglog: invalid continuation token")

// ConversationKey 与参与者顺序无关：ConversationKey(a, b) == ConversationKey(b, a)。
func ConversationKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, KeySeparator)
}

// Cursor 标记上一页最后一条消息，下一页严格从它之后（更旧）开始。
type Cursor struct {
	CreatedAt time.Time
	MessageID string
}

// Page 中的消息按 createdAt 倒序；Next 为空表示没有更多。
type Page struct {
	Messages []models.Message
	Next     *Cursor
}

// Log 由消息日志独占消息记录，只提供追加和查询。
type Log interface {
	Append(ctx context.Context, msg *models.Message) error
	Query(ctx context.Context, conversationKey string, limit int, after *Cursor) (Page, error)
}

// newer 定义日志的全序：先比较时间，再以 messageId 打破平局。
func newer(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.MessageID > b.MessageID
}

func before(m models.Message, c *Cursor) bool {
	if c == nil {
		return true
	}
	return newer(models.Message{CreatedAt: c.CreatedAt, MessageID: c.MessageID}, m)
}

// paginate 期望按倒序多取一条，用来判断是否还有下一页。
func paginate(msgs []models.Message, limit int) Page {
	if len(msgs) <= limit {
		return Page{Messages: msgs}
	}
	msgs = msgs[:limit]
	last := msgs[len(msgs)-1]
	return Page{Messages: msgs, Next: &Cursor{CreatedAt: last.CreatedAt, MessageID: last.MessageID}}
}
