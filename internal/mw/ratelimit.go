package mw

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type keyLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiters 按 key 维护令牌桶，长时间未出现的 key 会被回收。
type Limiters struct {
	mu  sync.Mutex
	m   map[string]*keyLimiter
	r   rate.Limit
	b   int
	ttl time.Duration
}

func NewLimiters(r rate.Limit, burst int, ttl time.Duration) *Limiters {
	return &Limiters{m: make(map[string]*keyLimiter), r: r, b: burst, ttl: ttl}
}

// Allow 消耗 key 对应桶中的一个令牌。
func (l *Limiters) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	kl, ok := l.m[key]
	if !ok {
		kl = &keyLimiter{lim: rate.NewLimiter(l.r, l.b)}
		l.m[key] = kl
	}
	kl.seen = now
	l.mu.Unlock()
	return kl.lim.AllowN(now, 1)
}

// Len 返回当前跟踪的 key 数量。
func (l *Limiters) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *Limiters) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.m {
		if now.Sub(v.seen) > l.ttl {
			delete(l.m, k)
		}
	}
}

// Run 周期性回收过期 key，直到 ctx 结束。
func (l *Limiters) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

// RateLimit 返回基于 IP+路由的限速中间件。
func RateLimit(l *Limiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !l.Allow(clientIP(c.Request.RemoteAddr) + "|" + path) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
