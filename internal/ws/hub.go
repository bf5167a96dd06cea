package ws

import (
	"context"
	"sync"
	"time"

	"github.com/OzzMkl/backend-serverless-chat/internal/gateway"
)

// Hub 按连接 ID 管理本进程内的 WebSocket 客户端，并实现 gateway.Transport。
// 握手完成前客户端处于 Pending，推给它的数据先缓存在发送队列里。
// 不在本进程中的连接一律视为 Gone，因此共享的 Registry 只能由单个服务进程使用。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	closing bool
	active  sync.WaitGroup
}

func NewHub() *Hub { return &Hub{clients: make(map[string]*Client)} }

// Reserve 为即将握手的连接占一个 Pending 槽位；CloseAll 开始后返回 nil。
func (h *Hub) Reserve(connectionID string) *Client {
	c := newClient(h, connectionID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return nil
	}
	h.clients[connectionID] = c
	return c
}

// admit 在 CloseAll 开始前登记一个活跃连接，之后一律拒绝。
func (h *Hub) admit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.active.Add(1)
	return true
}

// Push 把 payload 放入连接的发送队列。连接不存在、已关闭或队列已满都视为 Gone。
func (h *Hub) Push(ctx context.Context, connectionID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	c := h.clients[connectionID]
	h.mu.RUnlock()
	if c == nil {
		return gateway.ErrGone
	}
	return c.enqueue(payload)
}

// Remove 关闭并移除连接，可重复调用。
func (h *Hub) Remove(connectionID string) bool {
	h.mu.Lock()
	c := h.clients[connectionID]
	delete(h.clients, connectionID)
	h.mu.Unlock()
	if c == nil {
		return false
	}
	c.close()
	return true
}

// Online 返回已完成握手且仍在线的连接数。
func (h *Hub) Online() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.State() == StateConnected {
			n++
		}
	}
	return n
}

// CloseAll 关闭所有连接并等待它们的断开事件处理完毕，超时则放弃等待。
// 此后不再接受新的握手。
func (h *Hub) CloseAll(timeout time.Duration) {
	h.mu.Lock()
	h.closing = true
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.Remove(id)
	}

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
