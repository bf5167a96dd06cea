// Package protocol 定义客户端与服务端之间的 JSON 帧。
package protocol

import (
	"encoding/json"

	"github.com/OzzMkl/backend-serverless-chat/internal/models"
)

// 入站动作。
const (
	ActionConnect     = "connect"
	ActionDisconnect  = "disconnect"
	ActionListClients = "listClients"
	ActionSendMessage = "sendMessage"
	ActionGetHistory  = "getHistory"
)

// 出站事件类型。
const (
	TypePing     = "ping"
	TypeClients  = "clients"
	TypeMessage  = "message"
	TypeMessages = "messages"
	TypeError    = "error"
)

// Frame 是客户端通过 WebSocket 发送的一帧。
type Frame struct {
	Action string          `json:"action"`
	Body   json.RawMessage `json:"body,omitempty"`
}

type SendMessageBody struct {
	Message           string `json:"message"`
	RecipientNickname string `json:"recipientNickname"`
}

type GetHistoryBody struct {
	TargetNickname    string `json:"targetNickname"`
	Limit             int    `json:"limit"`
	ContinuationToken string `json:"continuationToken,omitempty"`
}

// Envelope 是服务端推送的统一信封，Value 与 Message 按类型二选一。
type Envelope struct {
	Type    string      `json:"type"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message,omitempty"`
}

type ClientInfo struct {
	ConnectionID string `json:"connectionId"`
	Nickname     string `json:"nickname"`
}

type ClientsValue struct {
	Clients []ClientInfo `json:"clients"`
}

type MessageValue struct {
	Message models.Message `json:"message"`
}

type MessagesValue struct {
	Messages          []models.Message `json:"messages"`
	ContinuationToken string           `json:"continuationToken,omitempty"`
}

func Ping() Envelope { return Envelope{Type: TypePing} }

func Error(msg string) Envelope { return Envelope{Type: TypeError, Message: msg} }

func Message(m models.Message) Envelope {
	return Envelope{Type: TypeMessage, Value: MessageValue{Message: m}}
}

// Messages 保证空结果编码为 []，而不是 null。
func Messages(msgs []models.Message, continuationToken string) Envelope {
	if msgs == nil {
		msgs = []models.Message{}
	}
	return Envelope{Type: TypeMessages, Value: MessagesValue{Messages: msgs, ContinuationToken: continuationToken}}
}

func Clients(conns []models.Connection) Envelope {
	out := make([]ClientInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, ClientInfo{ConnectionID: c.ConnectionID, Nickname: c.Nickname})
	}
	return Envelope{Type: TypeClients, Value: ClientsValue{Clients: out}}
}
