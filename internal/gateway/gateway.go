// Package gateway 是向连接推送数据的唯一出口。
//
// 传输层报告 ErrGone 时，网关在返回前同步删除该连接的登记，
// 因此调用方无需各自处理清理。除显式断开外，这是唯一删除登记的路径。
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OzzMkl/backend-serverless-chat/internal/metrics"
	"github.com/OzzMkl/backend-serverless-chat/internal/protocol"
	"github.com/OzzMkl/backend-serverless-chat/internal/registry"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrGone 表示目标连接已不存在，传输层实现必须返回它（或包装它）。
var ErrGone = errors.New("gateway: connection gone")

// Transport 向指定连接推送字节。
type Transport interface {
	Push(ctx context.Context, connectionID string, payload []byte) error
}

type Result int

const (
	Delivered Result = iota
	Gone
	Failed
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Gone:
		return "gone"
	default:
		return "failed"
	}
}

// Outcome 是广播中单个对端的结果。
type Outcome struct {
	ConnectionID string
	Result       Result
	Err          error
}

type Gateway struct {
	transport   Transport
	registry    registry.Registry
	pushTimeout time.Duration
	parallelism int
}

type Option func(*Gateway)

// WithPushTimeout 限制单次推送耗时，d <= 0 时保留默认值。
func WithPushTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.pushTimeout = d
		}
	}
}

// WithParallelism 限制广播的并发推送数，n <= 0 表示不限制。
func WithParallelism(n int) Option {
	return func(g *Gateway) { g.parallelism = n }
}

func New(t Transport, reg registry.Registry, opts ...Option) *Gateway {
	g := &Gateway{transport: t, registry: reg, pushTimeout: 2 * time.Second, parallelism: 32}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Push 编码信封并推送给单个连接。
func (g *Gateway) Push(ctx context.Context, connectionID string, env protocol.Envelope) (Result, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return Failed, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return g.PushRaw(ctx, connectionID, payload)
}

// PushRaw 推送已编码的数据。Gone 不是错误；其余传输错误原样向上传播。
func (g *Gateway) PushRaw(ctx context.Context, connectionID string, payload []byte) (Result, error) {
	pushCtx, cancel := context.WithTimeout(ctx, g.pushTimeout)
	err := g.transport.Push(pushCtx, connectionID, payload)
	cancel()

	switch {
	case err == nil:
		metrics.PushesTotal.WithLabelValues(Delivered.String()).Inc()
		return Delivered, nil
	case errors.Is(err, ErrGone):
		metrics.PushesTotal.WithLabelValues(Gone.String()).Inc()
		if err := g.registry.Unregister(ctx, connectionID); err != nil {
			return Gone, fmt.Errorf("evict stale connection %s: %w", connectionID, err)
		}
		metrics.EvictionsTotal.Inc()
		log.Debug().Str("connection_id", connectionID).Msg("stale connection evicted")
		return Gone, nil
	default:
		metrics.PushesTotal.WithLabelValues(Failed.String()).Inc()
		return Failed, fmt.Errorf("push to %s: %w", connectionID, err)
	}
}

// Broadcast 并发推送给所有目标并等待全部完成，单个对端失败不会取消其他推送。
// 返回每个目标的结果，以及除 Gone 以外所有失败的合并错误。
func (g *Gateway) Broadcast(ctx context.Context, connectionIDs []string, env protocol.Envelope) ([]Outcome, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}

	targets := dedupe(connectionIDs)
	outcomes := make([]Outcome, len(targets))
	var eg errgroup.Group
	if g.parallelism > 0 {
		eg.SetLimit(g.parallelism)
	}
	for i, id := range targets {
		i, id := i, id
		eg.Go(func() error {
			res, err := g.PushRaw(ctx, id, payload)
			outcomes[i] = Outcome{ConnectionID: id, Result: res, Err: err}
			return nil
		})
	}
	_ = eg.Wait()

	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return outcomes, errors.Join(errs...)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
