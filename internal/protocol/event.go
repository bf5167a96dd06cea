package protocol

import (
	"encoding/json"
	"net/http"
)

// Event 是一次入站事件：连接 ID 由传输层分配，Action 决定由谁处理。
type Event struct {
	ConnectionID string
	Action       string
	Nickname     string
	Body         json.RawMessage
}

type Status int

const (
	StatusOK Status = iota
	StatusForbidden
	StatusUnhandled
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusForbidden:
		return "forbidden"
	default:
		return "unhandled"
	}
}

// HTTPStatus 用于握手阶段把结果映射为 HTTP 状态码。
func (s Status) HTTPStatus() int {
	switch s {
	case StatusOK:
		return http.StatusOK
	case StatusForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Response 是对触发事件本身的应答；领域错误已作为 error 事件推送，不在这里体现。
type Response struct {
	Status  Status
	Message string
}

// Fault 是传输层故障帧，与带 type 的业务事件区分。
type Fault struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}
