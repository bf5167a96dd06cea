package msglog

import (
	"context"
	"sort"
	"sync"

	"github.com/OzzMkl/backend-serverless-chat/internal/models"
)

type Memory struct {
	mu     sync.RWMutex
	byConv map[string][]models.Message
}

func NewMemory() *Memory {
	return &Memory{byConv: make(map[string][]models.Message)}
}

func (m *Memory) Append(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byConv[msg.ConversationKey] = append(m.byConv[msg.ConversationKey], *msg)
	return nil
}

func (m *Memory) Query(_ context.Context, conversationKey string, limit int, after *Cursor) (Page, error) {
	m.mu.RLock()
	all := m.byConv[conversationKey]
	out := make([]models.Message, 0, len(all))
	for _, msg := range all {
		if before(msg, after) {
			out = append(out, msg)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	if len(out) > limit+1 {
		out = out[:limit+1]
	}
	return paginate(out, limit), nil
}
