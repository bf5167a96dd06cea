// Package client 实现终端客户端的输入解析与事件渲染。
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/OzzMkl/backend-serverless-chat/internal/protocol"
)

const Usage = "commands: @nick message | /list | /history nick [limit] [token] | /quit"

var (
	ErrQuit    = errors.New("quit")
	ErrUsage   = errors.New(Usage)
	errNoInput = errors.New("empty input")
)

// Parse 把一行输入转换成要发送的帧。
func Parse(line string) (protocol.Frame, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return protocol.Frame{}, errNoInput
	case line == "/quit":
		return protocol.Frame{}, ErrQuit
	case line == "/list":
		return protocol.Frame{Action: protocol.ActionListClients}, nil
	case strings.HasPrefix(line, "/history"):
		fields := strings.Fields(line)
		if fields[0] != "/history" || len(fields) < 2 || len(fields) > 4 {
			return protocol.Frame{}, ErrUsage
		}
		body := protocol.GetHistoryBody{TargetNickname: fields[1]}
		if len(fields) >= 3 {
			n, err := strconv.Atoi(fields[2])
			if err != nil || n <= 0 {
				return protocol.Frame{}, ErrUsage
			}
			body.Limit = n
		}
		if len(fields) == 4 {
			body.ContinuationToken = fields[3]
		}
		return frame(protocol.ActionGetHistory, body)
	case strings.HasPrefix(line, "@"):
		parts := strings.SplitN(line[1:], " ", 2)
		if len(parts) < 2 || parts[0] == "" || strings.TrimSpace(parts[1]) == "" {
			return protocol.Frame{}, ErrUsage
		}
		return frame(protocol.ActionSendMessage, protocol.SendMessageBody{RecipientNickname: parts[0], Message: parts[1]})
	default:
		return protocol.Frame{}, ErrUsage
	}
}

// IsEmpty 表示输入为空行，调用方应直接忽略。
func IsEmpty(err error) bool { return errors.Is(err, errNoInput) }

func frame(action string, body interface{}) (protocol.Frame, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.Frame{Action: action, Body: raw}, nil
}

type inbound struct {
	Type    string          `json:"type"`
	Value   json.RawMessage `json:"value"`
	Message string          `json:"message"`
	Status  int             `json:"status"`
}

// Render 把服务端推送的一帧格式化为一行或多行文本；ping 返回空串。
func Render(data []byte) string {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Sprintf("[UNKNOWN] %s", data)
	}
	switch in.Type {
	case protocol.TypePing:
		return ""
	case protocol.TypeError:
		return fmt.Sprintf("[ERROR] %s", in.Message)
	case protocol.TypeClients:
		var v protocol.ClientsValue
		_ = json.Unmarshal(in.Value, &v)
		names := make([]string, 0, len(v.Clients))
		for _, c := range v.Clients {
			names = append(names, c.Nickname)
		}
		return fmt.Sprintf("[ONLINE] %s", strings.Join(names, ", "))
	case protocol.TypeMessage:
		var v protocol.MessageValue
		_ = json.Unmarshal(in.Value, &v)
		return fmt.Sprintf("[%s] %s: %s", v.Message.CreatedAt.Local().Format(time.TimeOnly), v.Message.Sender, v.Message.Body)
	case protocol.TypeMessages:
		var v protocol.MessagesValue
		_ = json.Unmarshal(in.Value, &v)
		if len(v.Messages) == 0 {
			return "[HISTORY] no messages"
		}
		lines := make([]string, 0, len(v.Messages)+1)
		// 服务端倒序返回，按时间正序打印。
		for i := len(v.Messages) - 1; i >= 0; i-- {
			m := v.Messages[i]
			lines = append(lines, fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format(time.DateTime), m.Sender, m.Body))
		}
		if v.ContinuationToken != "" {
			lines = append(lines, "[HISTORY] more: "+v.ContinuationToken)
		}
		return strings.Join(lines, "\n")
	case "":
		if in.Status != 0 {
			return fmt.Sprintf("[SERVER %d] %s", in.Status, in.Message)
		}
	}
	return fmt.Sprintf("[UNKNOWN] %s", data)
}
