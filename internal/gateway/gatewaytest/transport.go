// Package gatewaytest 提供记录推送的内存传输层，供各层测试使用。
package gatewaytest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/OzzMkl/backend-serverless-chat/internal/gateway"
)

// Push 是一次被记录的推送，无论成败。
type Push struct {
	ConnectionID string
	Payload      []byte
}

// Type 返回信封的 type 字段。
func (p Push) Type() string {
	var env struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(p.Payload, &env)
	return env.Type
}

// Transport 默认所有连接都已断开；Connect 之后推送才会成功。
type Transport struct {
	// Delay 让每次推送阻塞一段时间，用于观察并发度。
	Delay time.Duration

	mu       sync.Mutex
	live     map[string]bool
	failing  map[string]error
	pushes   []Push
	inFlight int
	maxSeen  int
}

func New(live ...string) *Transport {
	t := &Transport{live: make(map[string]bool), failing: make(map[string]error)}
	for _, id := range live {
		t.live[id] = true
	}
	return t
}

func (t *Transport) Connect(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live[id] = true
}

// Kill 模拟客户端未发送关闭帧就消失。
func (t *Transport) Kill(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, id)
}

// Fail 让发往 id 的推送返回 err，而不是 Gone。
func (t *Transport) Fail(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failing[id] = err
}

func (t *Transport) Push(ctx context.Context, connectionID string, payload []byte) error {
	t.mu.Lock()
	t.pushes = append(t.pushes, Push{ConnectionID: connectionID, Payload: append([]byte(nil), payload...)})
	t.inFlight++
	if t.inFlight > t.maxSeen {
		t.maxSeen = t.inFlight
	}
	err, failing := t.failing[connectionID]
	live := t.live[connectionID]
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.inFlight--
		t.mu.Unlock()
	}()

	if t.Delay > 0 {
		select {
		case <-time.After(t.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failing {
		return err
	}
	if !live {
		return gateway.ErrGone
	}
	return nil
}

func (t *Transport) Pushes() []Push {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Push(nil), t.pushes...)
}

func (t *Transport) PushesTo(id string) []Push {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Push
	for _, p := range t.pushes {
		if p.ConnectionID == id {
			out = append(out, p)
		}
	}
	return out
}

// Types 返回推送给 id 的信封类型序列。
func (t *Transport) Types(id string) []string {
	var out []string
	for _, p := range t.PushesTo(id) {
		out = append(out, p.Type())
	}
	return out
}

func (t *Transport) MaxInFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxSeen
}

func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pushes = nil
	t.maxSeen = 0
}
