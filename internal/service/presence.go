package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OzzMkl/backend-serverless-chat/internal/gateway"
	"github.com/OzzMkl/backend-serverless-chat/internal/models"
	"github.com/OzzMkl/backend-serverless-chat/internal/msglog"
	"github.com/OzzMkl/backend-serverless-chat/internal/protocol"
	"github.com/OzzMkl/backend-serverless-chat/internal/registry"

	"github.com/rs/zerolog/log"
)

const maxNicknameLen = 64

// PresenceService 负责连接与断开：昵称唯一、探测并驱逐失效占用者、广播名单。
// 它不持有可变状态，所有共享状态都在 Registry 中。
type PresenceService struct {
	registry registry.Registry
	gateway  *gateway.Gateway
}

func NewPresenceService(reg registry.Registry, gw *gateway.Gateway) *PresenceService {
	return &PresenceService{registry: reg, gateway: gw}
}

// Connect 为 connectionID 占用昵称。
// 昵称已有在线占用者时先推送 ping 探测：送达则拒绝，Gone 则旧登记已被网关删除，继续占用。
// 最终写入是条件写入，并发抢占同一昵称的失败方得到 ErrNicknameTaken。
func (s *PresenceService) Connect(ctx context.Context, connectionID, nickname string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return ErrNicknameRequired
	}
	if err := validateNickname("nickname", nickname); err != nil {
		return err
	}

	owner, err := s.registry.FindByNickname(ctx, nickname)
	switch {
	case errors.Is(err, registry.ErrNotFound):
	case err != nil:
		return fmt.Errorf("find nickname owner: %w", err)
	default:
		res, err := s.gateway.Push(ctx, owner.ConnectionID, protocol.Ping())
		if err != nil {
			return fmt.Errorf("probe nickname owner: %w", err)
		}
		if res == gateway.Delivered {
			return ErrNicknameTaken
		}
		log.Info().Str("nickname", nickname).Str("stale_connection_id", owner.ConnectionID).Msg("stale nickname owner evicted")
	}

	conn := models.Connection{ConnectionID: connectionID, Nickname: nickname, ConnectedAt: time.Now().UTC()}
	if err := s.registry.Register(ctx, conn); err != nil {
		if errors.Is(err, registry.ErrAlreadyExists) {
			return ErrNicknameTaken
		}
		return fmt.Errorf("register connection: %w", err)
	}
	log.Info().Str("connection_id", connectionID).Str("nickname", nickname).Msg("connected")

	if err := s.broadcastRoster(ctx, connectionID); err != nil {
		// 连接会被拒绝，撤销登记。
		if uerr := s.registry.Unregister(context.WithoutCancel(ctx), connectionID); uerr != nil {
			log.Error().Err(uerr).Str("connection_id", connectionID).Msg("rollback registration failed")
		}
		return err
	}
	return nil
}

// Disconnect 无条件删除登记，然后向剩余连接广播名单。
func (s *PresenceService) Disconnect(ctx context.Context, connectionID string) error {
	if err := s.registry.Unregister(ctx, connectionID); err != nil {
		return fmt.Errorf("unregister connection: %w", err)
	}
	log.Info().Str("connection_id", connectionID).Msg("disconnected")
	return s.broadcastRoster(ctx, connectionID)
}

// ListClients 把完整名单推送给调用方。
func (s *PresenceService) ListClients(ctx context.Context, connectionID string) error {
	conns, err := s.registry.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}
	if _, err := s.gateway.Push(ctx, connectionID, protocol.Clients(conns)); err != nil {
		return err
	}
	return nil
}

// Roster 返回当前在线名单。
func (s *PresenceService) Roster(ctx context.Context) ([]models.Connection, error) {
	return s.registry.ListAll(ctx)
}

// validateNickname 检查已去除首尾空白的非空昵称：长度上限与会话键分隔符。
func validateNickname(field, nickname string) error {
	if len(nickname) > maxNicknameLen || strings.Contains(nickname, msglog.KeySeparator) {
		return fmt.Errorf("%w: %s must be at most %d bytes and must not contain %q", ErrInvalidPayload, field, maxNicknameLen, msglog.KeySeparator)
	}
	return nil
}

// broadcastRoster 把完整名单逐个推送给除 exclude 外的所有连接。
// 推送中发现的失效对端由网关自行清理。
func (s *PresenceService) broadcastRoster(ctx context.Context, exclude string) error {
	conns, err := s.registry.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}
	targets := make([]string, 0, len(conns))
	for _, c := range conns {
		if c.ConnectionID != exclude {
			targets = append(targets, c.ConnectionID)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	outcomes, err := s.gateway.Broadcast(ctx, targets, protocol.Clients(conns))
	gone := 0
	for _, o := range outcomes {
		if o.Result == gateway.Gone {
			gone++
		}
	}
	log.Debug().Int("peers", len(targets)).Int("gone", gone).Msg("roster broadcast")
	if err != nil {
		return fmt.Errorf("broadcast roster: %w", err)
	}
	return nil
}
