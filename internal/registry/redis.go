package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/OzzMkl/backend-serverless-chat/internal/models"

	r "gopkg.in/redis.v5"
)

const (
	prefix         = "_CHAT_"
	connectionsKey = prefix + "connections"
	nicknamePrefix = prefix + "nick:"
)

// 昵称键与连接哈希在同一脚本内写入，任一已存在则整体放弃。
const registerScript = `
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
	return 0
end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
	redis.call('DEL', KEYS[1])
	return 0
end
return 1
`

// 仅当昵称键仍指向本连接时才释放，避免误删新连接的占用。
const unregisterScript = `
local nick = redis.call('HGET', KEYS[1], ARGV[1])
if not nick then
	return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
local nickKey = ARGV[2] .. nick
if redis.call('GET', nickKey) == ARGV[1] then
	redis.call('DEL', nickKey)
end
return 1
`

// Redis 用 SETNX 抢占昵称，用哈希保存 connectionId → nickname。
// redis.v5 客户端不支持 context，ctx 仅用于接口一致。
type Redis struct {
	client *r.Client
}

func NewRedis(url string) (*Redis, error) {
	opts, err := r.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := r.NewClient(opts)
	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (s *Redis) Close() error { return s.client.Close() }

func (s *Redis) Register(_ context.Context, conn models.Connection) error {
	res, err := s.client.Eval(registerScript, []string{nicknamePrefix + conn.Nickname, connectionsKey}, conn.ConnectionID, conn.Nickname).Result()
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *Redis) Unregister(_ context.Context, connectionID string) error {
	return s.client.Eval(unregisterScript, []string{connectionsKey}, connectionID, nicknamePrefix).Err()
}

func (s *Redis) Get(_ context.Context, connectionID string) (*models.Connection, error) {
	nick, err := s.client.HGet(connectionsKey, connectionID).Result()
	if err == r.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &models.Connection{ConnectionID: connectionID, Nickname: nick}, nil
}

func (s *Redis) FindByNickname(_ context.Context, nickname string) (*models.Connection, error) {
	id, err := s.client.Get(nicknamePrefix + nickname).Result()
	if err == r.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &models.Connection{ConnectionID: id, Nickname: nickname}, nil
}

func (s *Redis) ListAll(_ context.Context) ([]models.Connection, error) {
	all, err := s.client.HGetAll(connectionsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Connection, 0, len(all))
	for id, nick := range all {
		out = append(out, models.Connection{ConnectionID: id, Nickname: nick})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nickname < out[j].Nickname })
	return out, nil
}
