package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/OzzMkl/backend-serverless-chat/internal/gateway"
	"github.com/OzzMkl/backend-serverless-chat/internal/metrics"
	"github.com/OzzMkl/backend-serverless-chat/internal/protocol"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	sendBuffer   = 256
	maxFrameSize = 64 << 10
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	writeWait    = 10 * time.Second
)

// State 是单个连接的生命周期：Pending -> Connected -> Disconnected（终态）。
type State int32

const (
	StatePending State = iota
	StateConnected
	StateDisconnected
)

// EventHandler 处理传输层产生的事件，由 server.Dispatcher 实现。
type EventHandler interface {
	Handle(ctx context.Context, ev protocol.Event) protocol.Response
	HandleFrame(ctx context.Context, connectionID string, data []byte) protocol.Response
}

type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu    sync.Mutex
	state State
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func newClient(h *Hub, id string) *Client {
	return &Client{
		id:      id,
		hub:     h,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(rate.Every(time.Second/10), 20),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// enqueue 不阻塞：队列满说明对端消费太慢，直接断开并报告 Gone。
func (c *Client) enqueue(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return gateway.ErrGone
	}
	select {
	case c.send <- payload:
		return nil
	default:
		log.Warn().Str("connection_id", c.id).Msg("send buffer full, dropping slow client")
		c.closeLocked()
		return gateway.ErrGone
	}
}

func (c *Client) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePending {
		return false
	}
	c.conn = conn
	c.state = StateConnected
	return true
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.state == StateDisconnected {
		return
	}
	c.state = StateDisconnected
	close(c.send)
}

// Serve 完成握手：先以 Pending 身份执行 connect 事件，被拒绝时直接返回 HTTP 错误而不升级。
func Serve(h *Hub, handler EventHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		client := h.Reserve(id)
		if client == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
			return
		}

		resp := handler.Handle(c.Request.Context(), protocol.Event{
			ConnectionID: id,
			Action:       protocol.ActionConnect,
			Nickname:     c.Query("nickname"),
		})
		if resp.Status != protocol.StatusOK {
			h.Remove(id)
			if resp.Status == protocol.StatusUnhandled {
				// 故障可能发生在登记之后，按断开处理以撤销登记并刷新名单。
				handler.Handle(context.Background(), protocol.Event{ConnectionID: id, Action: protocol.ActionDisconnect})
			}
			c.JSON(resp.Status.HTTPStatus(), gin.H{"error": resp.Message})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("connection_id", id).Msg("websocket upgrade failed")
			h.Remove(id)
			handler.Handle(context.Background(), protocol.Event{ConnectionID: id, Action: protocol.ActionDisconnect})
			return
		}
		if !client.attach(conn) {
			// 握手期间已被判定为 Gone（例如发送队列溢出）。
			h.Remove(id)
			_ = conn.Close()
			handler.Handle(context.Background(), protocol.Event{ConnectionID: id, Action: protocol.ActionDisconnect})
			return
		}

		if !h.admit() {
			h.Remove(id)
			_ = conn.Close()
			handler.Handle(context.Background(), protocol.Event{ConnectionID: id, Action: protocol.ActionDisconnect})
			return
		}
		metrics.WsConnections.Inc()
		go client.writePump()
		client.readPump(handler)
	}
}

func (c *Client) readPump(handler EventHandler) {
	defer func() {
		c.hub.Remove(c.id)
		_ = c.conn.Close()
		metrics.WsConnections.Dec()
		handler.Handle(context.Background(), protocol.Event{ConnectionID: c.id, Action: protocol.ActionDisconnect})
		c.hub.active.Done()
	}()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("websocket read")
			}
			return
		}
		if !c.limiter.Allow() {
			c.fault(http.StatusTooManyRequests, "too many requests")
			continue
		}
		resp := handler.HandleFrame(context.Background(), c.id, data)
		if resp.Status != protocol.StatusOK {
			c.fault(resp.Status.HTTPStatus(), resp.Message)
		}
	}
}

// fault 写回传输层故障帧；连接已断开时忽略。
func (c *Client) fault(status int, msg string) {
	b, err := json.Marshal(protocol.Fault{Status: status, Message: msg})
	if err != nil {
		return
	}
	_ = c.enqueue(b)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
