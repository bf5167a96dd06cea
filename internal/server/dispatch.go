package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/OzzMkl/backend-serverless-chat/internal/gateway"
	"github.com/OzzMkl/backend-serverless-chat/internal/metrics"
	"github.com/OzzMkl/backend-serverless-chat/internal/protocol"
	"github.com/OzzMkl/backend-serverless-chat/internal/service"

	"github.com/rs/zerolog/log"
)

const internalErrorMessage = "internal server error"

// Dispatcher 按 action 把入站事件路由到对应的 service，并在这里统一完成错误翻译：
// 校验/协议错误以 error 事件推回来源连接，基础设施故障以 unhandled 上抛给传输层。
type Dispatcher struct {
	presence *service.PresenceService
	messages *service.MessageService
	gateway  *gateway.Gateway
	timeout  time.Duration
}

func NewDispatcher(presence *service.PresenceService, messages *service.MessageService, gw *gateway.Gateway, timeout time.Duration) *Dispatcher {
	return &Dispatcher{presence: presence, messages: messages, gateway: gw, timeout: timeout}
}

// HandleFrame 解析客户端发来的一帧。无法解析的帧按校验错误处理。
func (d *Dispatcher) HandleFrame(ctx context.Context, connectionID string, data []byte) protocol.Response {
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Action == "" {
		return d.finish(ctx, protocol.Event{ConnectionID: connectionID, Action: "invalid"},
			fmt.Errorf("%w: malformed frame", service.ErrInvalidPayload))
	}
	// connect 与 disconnect 只能由传输层产生。
	if f.Action == protocol.ActionConnect || f.Action == protocol.ActionDisconnect {
		return d.finish(ctx, protocol.Event{ConnectionID: connectionID, Action: "invalid"},
			fmt.Errorf("%w: action %q is reserved", service.ErrInvalidPayload, f.Action))
	}
	return d.Handle(ctx, protocol.Event{ConnectionID: connectionID, Action: f.Action, Body: f.Body})
}

// Handle 处理一次事件，每个事件都有独立的超时。
func (d *Dispatcher) Handle(ctx context.Context, ev protocol.Event) protocol.Response {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	var err error
	switch ev.Action {
	case protocol.ActionConnect:
		err = d.presence.Connect(ctx, ev.ConnectionID, ev.Nickname)
	case protocol.ActionDisconnect:
		err = d.presence.Disconnect(ctx, ev.ConnectionID)
	case protocol.ActionListClients:
		err = d.presence.ListClients(ctx, ev.ConnectionID)
	case protocol.ActionSendMessage:
		var body protocol.SendMessageBody
		if err = decodeBody(ev.Body, &body); err == nil {
			_, err = d.messages.Send(ctx, ev.ConnectionID, body)
		}
	case protocol.ActionGetHistory:
		var body protocol.GetHistoryBody
		if err = decodeBody(ev.Body, &body); err == nil {
			_, err = d.messages.History(ctx, ev.ConnectionID, body)
		}
	default:
		log.Warn().Str("connection_id", ev.ConnectionID).Str("action", ev.Action).Msg("unrecognized action")
		return d.record(protocol.Event{Action: "unknown"}, protocol.Response{Status: protocol.StatusUnhandled, Message: "unrecognized action"})
	}
	return d.finish(ctx, ev, err)
}

func (d *Dispatcher) finish(ctx context.Context, ev protocol.Event, err error) protocol.Response {
	if err == nil {
		return d.record(ev, protocol.Response{Status: protocol.StatusOK})
	}

	if service.Classify(err) == service.KindInternal {
		log.Error().Err(err).Str("connection_id", ev.ConnectionID).Str("action", ev.Action).Msg("event failed")
		return d.record(ev, protocol.Response{Status: protocol.StatusUnhandled, Message: internalErrorMessage})
	}

	// 握手阶段连接尚未建立，拒绝原因直接作为响应返回。
	if ev.Action == protocol.ActionConnect {
		log.Info().Err(err).Str("connection_id", ev.ConnectionID).Str("nickname", ev.Nickname).Msg("connect rejected")
		return d.record(ev, protocol.Response{Status: protocol.StatusForbidden, Message: err.Error()})
	}

	log.Debug().Err(err).Str("connection_id", ev.ConnectionID).Str("action", ev.Action).Msg("request rejected")
	if _, perr := d.gateway.Push(ctx, ev.ConnectionID, protocol.Error(err.Error())); perr != nil {
		log.Error().Err(perr).Str("connection_id", ev.ConnectionID).Msg("push error event")
		return d.record(ev, protocol.Response{Status: protocol.StatusUnhandled, Message: internalErrorMessage})
	}
	return d.record(ev, protocol.Response{Status: protocol.StatusOK})
}

func (d *Dispatcher) record(ev protocol.Event, resp protocol.Response) protocol.Response {
	metrics.EventsTotal.WithLabelValues(ev.Action, resp.Status.String()).Inc()
	return resp
}

func decodeBody(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: body is required", service.ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", service.ErrInvalidPayload, err)
	}
	return nil
}
