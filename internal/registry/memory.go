package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/OzzMkl/backend-serverless-chat/internal/models"
)

// Memory 是进程内实现，供测试与单实例部署使用。
type Memory struct {
	mu     sync.RWMutex
	byConn map[string]models.Connection
	byNick map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		byConn: make(map[string]models.Connection),
		byNick: make(map[string]string),
	}
}

func (m *Memory) Register(_ context.Context, conn models.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byConn[conn.ConnectionID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.byNick[conn.Nickname]; ok {
		return ErrAlreadyExists
	}
	m.byConn[conn.ConnectionID] = conn
	m.byNick[conn.Nickname] = conn.ConnectionID
	return nil
}

func (m *Memory) Unregister(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.byConn[connectionID]
	if !ok {
		return nil
	}
	delete(m.byConn, connectionID)
	if m.byNick[conn.Nickname] == connectionID {
		delete(m.byNick, conn.Nickname)
	}
	return nil
}

func (m *Memory) Get(_ context.Context, connectionID string) (*models.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.byConn[connectionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &conn, nil
}

func (m *Memory) FindByNickname(_ context.Context, nickname string) (*models.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byNick[nickname]
	if !ok {
		return nil, ErrNotFound
	}
	conn := m.byConn[id]
	return &conn, nil
}

// ListAll 按昵称排序返回，便于名单展示稳定。
func (m *Memory) ListAll(_ context.Context) ([]models.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Connection, 0, len(m.byConn))
	for _, c := range m.byConn {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nickname < out[j].Nickname })
	return out, nil
}
