package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OzzMkl/backend-serverless-chat/internal/gateway"
	"github.com/OzzMkl/backend-serverless-chat/internal/metrics"
	"github.com/OzzMkl/backend-serverless-chat/internal/models"
	"github.com/OzzMkl/backend-serverless-chat/internal/msglog"
	"github.com/OzzMkl/backend-serverless-chat/internal/protocol"
	"github.com/OzzMkl/backend-serverless-chat/internal/registry"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	maxBodyLen          = 4096
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// MessageService 负责私信发送与历史查询。
type MessageService struct {
	registry registry.Registry
	log      msglog.Log
	gateway  *gateway.Gateway
	cursors  *msglog.CursorCodec
	now      func() time.Time
}

func NewMessageService(reg registry.Registry, l msglog.Log, gw *gateway.Gateway, cursors *msglog.CursorCodec) *MessageService {
	return &MessageService{registry: reg, log: l, gateway: gw, cursors: cursors, now: time.Now}
}

// Send 先持久化再尝试投递：收件人不在线或投递失败都不影响已存储的消息。
// 存储好的消息同时推回给发送方作为确认。
func (s *MessageService) Send(ctx context.Context, senderConnectionID string, req protocol.SendMessageBody) (*models.Message, error) {
	req.RecipientNickname = strings.TrimSpace(req.RecipientNickname)
	if req.RecipientNickname == "" {
		return nil, fmt.Errorf("%w: recipientNickname is required", ErrInvalidPayload)
	}
	if err := validateNickname("recipientNickname", req.RecipientNickname); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidPayload)
	}
	if len(req.Message) > maxBodyLen {
		return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidPayload, maxBodyLen)
	}

	sender, err := s.resolve(ctx, senderConnectionID)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	msg := &models.Message{
		MessageID:       id.String(),
		CreatedAt:       s.now().UTC().Truncate(time.Millisecond),
		ConversationKey: msglog.ConversationKey(sender.Nickname, req.RecipientNickname),
		Sender:          sender.Nickname,
		Body:            req.Message,
	}
	if err := s.log.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	metrics.MessagesTotal.Inc()

	env := protocol.Message(*msg)
	recipient, err := s.registry.FindByNickname(ctx, req.RecipientNickname)
	switch {
	case errors.Is(err, registry.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("find recipient: %w", err)
	case recipient.ConnectionID != senderConnectionID:
		if _, err := s.gateway.Push(ctx, recipient.ConnectionID, env); err != nil {
			log.Warn().Err(err).Str("message_id", msg.MessageID).Str("recipient", req.RecipientNickname).Msg("message delivery failed")
		}
	}

	if _, err := s.gateway.Push(ctx, senderConnectionID, env); err != nil {
		return nil, fmt.Errorf("confirm to sender: %w", err)
	}
	return msg, nil
}

// History 倒序返回调用方与 TargetNickname 之间的消息，空结果同样推送。
func (s *MessageService) History(ctx context.Context, connectionID string, req protocol.GetHistoryBody) ([]models.Message, error) {
	req.TargetNickname = strings.TrimSpace(req.TargetNickname)
	if req.TargetNickname == "" {
		return nil, fmt.Errorf("%w: targetNickname is required", ErrInvalidPayload)
	}
	if err := validateNickname("targetNickname", req.TargetNickname); err != nil {
		return nil, err
	}
	if req.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrInvalidPayload)
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	caller, err := s.resolve(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	key := msglog.ConversationKey(caller.Nickname, req.TargetNickname)
	after, err := s.cursors.Decode(key, req.ContinuationToken)
	if err != nil {
		return nil, err
	}

	page, err := s.log.Query(ctx, key, limit, after)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	token, err := s.cursors.Encode(key, page.Next)
	if err != nil {
		return nil, fmt.Errorf("encode continuation token: %w", err)
	}

	if _, err := s.gateway.Push(ctx, connectionID, protocol.Messages(page.Messages, token)); err != nil {
		return nil, err
	}
	return page.Messages, nil
}

func (s *MessageService) resolve(ctx context.Context, connectionID string) (*models.Connection, error) {
	conn, err := s.registry.Get(ctx, connectionID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("resolve connection: %w", err)
	}
	return conn, nil
}
