package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/OzzMkl/backend-serverless-chat/internal/config"
	"github.com/OzzMkl/backend-serverless-chat/internal/gateway"
	clog "github.com/OzzMkl/backend-serverless-chat/internal/log"
	"github.com/OzzMkl/backend-serverless-chat/internal/metrics"
	"github.com/OzzMkl/backend-serverless-chat/internal/msglog"
	"github.com/OzzMkl/backend-serverless-chat/internal/mw"
	"github.com/OzzMkl/backend-serverless-chat/internal/protocol"
	"github.com/OzzMkl/backend-serverless-chat/internal/registry"
	"github.com/OzzMkl/backend-serverless-chat/internal/service"
	"github.com/OzzMkl/backend-serverless-chat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// App 持有一次运行所需的全部组件，存储后端由调用方注入。
type App struct {
	Hub        *ws.Hub
	Gateway    *gateway.Gateway
	Presence   *service.PresenceService
	Messages   *service.MessageService
	Dispatcher *Dispatcher
	Limiters   *mw.Limiters
}

func NewApp(cfg config.Config, reg registry.Registry, l msglog.Log) *App {
	hub := ws.NewHub()
	gw := gateway.New(hub, reg,
		gateway.WithPushTimeout(cfg.PushTimeout),
		gateway.WithParallelism(cfg.BroadcastParallelism),
	)
	presence := service.NewPresenceService(reg, gw)
	messages := service.NewMessageService(reg, l, gw, msglog.NewCursorCodec(cfg.CursorSecret))
	return &App{
		Hub:        hub,
		Gateway:    gw,
		Presence:   presence,
		Messages:   messages,
		Dispatcher: NewDispatcher(presence, messages, gw, cfg.RequestTimeout),
		Limiters:   mw.NewLimiters(rate.Every(time.Second/20), 40, 2*time.Minute),
	}
}

// SetupRouter 统一初始化 Gin 中间件、管理 API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, app *App) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(clog.AccessLog())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	r.Use(mw.RateLimit(app.Limiters))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online": app.Hub.Online()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", ws.Serve(app.Hub, app.Dispatcher))

	api := r.Group("/api/v1")
	api.GET("/clients", app.listClients)
	api.POST("/connections/:id", app.pushToConnection)
	api.DELETE("/connections/:id", app.closeConnection)
	return r
}

func (a *App) listClients(c *gin.Context) {
	conns, err := a.Presence.Roster(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("list clients")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list clients"})
		return
	}
	c.JSON(http.StatusOK, protocol.Clients(conns).Value)
}

// pushToConnection 把请求体原样推送给一个连接；连接已失效时返回 410 并清理登记。
func (a *App) pushToConnection(c *gin.Context) {
	id := c.Param("id")
	payload, err := c.GetRawData()
	if err != nil || !json.Valid(payload) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	res, err := a.Gateway.PushRaw(c.Request.Context(), id, payload)
	if err != nil {
		log.Error().Err(err).Str("connection_id", id).Msg("management push")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "push failed"})
		return
	}
	if res == gateway.Gone {
		c.JSON(http.StatusGone, gin.H{"error": "connection gone"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res.String()})
}

// closeConnection 强制断开连接。本进程持有的连接经由正常断开流程清理，否则直接删除登记。
func (a *App) closeConnection(c *gin.Context) {
	id := c.Param("id")
	if a.Hub.Remove(id) {
		c.Status(http.StatusNoContent)
		return
	}
	if err := a.Presence.Disconnect(c.Request.Context(), id); err != nil {
		log.Error().Err(err).Str("connection_id", id).Msg("force disconnect")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to disconnect"})
		return
	}
	c.Status(http.StatusNoContent)
}
