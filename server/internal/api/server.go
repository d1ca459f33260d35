package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"noteflow/server/internal/config"
	"noteflow/server/internal/gateway"
	"noteflow/server/internal/metrics"
	"noteflow/server/internal/model"
	"noteflow/server/internal/service"
)

type Server struct {
	config   *config.Config
	svc      *service.Service
	metrics  *metrics.Metrics
	limiters *limiterPool
	logger   zerolog.Logger

	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, svc *service.Service, m *metrics.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		config:   cfg,
		svc:      svc,
		metrics:  m,
		limiters: newLimiterPool(cfg.Server.PublishRate, cfg.Server.PublishBurst),
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return sameHost(origin, r.Host) || originAllowed(origin, cfg.Server.AllowedOrigins)
		},
	}
	return s
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := engine.Group("/api")
	api.POST("/timelines", s.handleOpenTimeline)
	api.GET("/timelines", s.handleListTimelines)
	api.GET("/timelines/:id", s.handleGetTimeline)
	api.DELETE("/timelines/:id", s.handleCloseTimeline)
	api.POST("/timelines/:id/advance", s.handleAdvance)
	api.POST("/timelines/:id/visible", s.handleVisible)
	api.GET("/timelines/:id/stream", s.handleTimelineStream)

	api.POST("/publish", s.limiters.rateLimit(), s.handlePublish)
	api.GET("/publish", s.handleListPublishes)
	api.GET("/publish/:id", s.handlePublishStatus)
	api.DELETE("/publish/:id", s.handleAbandonPublish)
	api.GET("/publish/:id/stream", s.handlePublishStream)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleOpenTimeline 打开（或按 key 复用）一个 timeline。
func (s *Server) handleOpenTimeline(c *gin.Context) {
	var req service.TimelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	l, reused, err := s.svc.OpenTimeline(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"timeline": l.Snapshot(), "reused": reused})
}

func (s *Server) handleListTimelines(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"timelines": s.svc.Timelines()})
}

func (s *Server) handleGetTimeline(c *gin.Context) {
	l, err := s.svc.Timeline(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l.Snapshot())
}

func (s *Server) handleCloseTimeline(c *gin.Context) {
	if err := s.svc.CloseTimeline(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleAdvance 显式请求翻页；正在加载或已到底时返回 advanced=false。
func (s *Server) handleAdvance(c *gin.Context) {
	advanced, err := s.svc.Advance(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"advanced": advanced})
}

type visibleRequest struct {
	IDs []string `json:"ids"`
}

// handleVisible 接收客户端当前可见的事件 id，由调度器决定是否翻页。
func (s *Server) handleVisible(c *gin.Context) {
	var req visibleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	advanced, err := s.svc.Observe(c.Request.Context(), c.Param("id"), req.IDs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"advanced": advanced})
}

// handleTimelineStream 把 timeline 快照推到 WebSocket，同时接收 visible / advance。
func (s *Server) handleTimelineStream(c *gin.Context) {
	id := c.Param("id")
	l, err := s.svc.Timeline(id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("timeline", id).Msg("upgrade websocket failed")
		return
	}

	stream := s.newStream(conn)
	stream.SetHandler(func(ctx context.Context, msg *gateway.ClientMessage) (*gateway.ServerMessage, error) {
		var (
			advanced bool
			err      error
		)
		switch msg.Type {
		case gateway.MsgVisible:
			advanced, err = s.svc.Observe(ctx, id, msg.IDs)
		case gateway.MsgAdvance:
			advanced, err = s.svc.Advance(ctx, id)
		default:
			return nil, errors.New("unsupported message type: " + string(msg.Type))
		}
		if err != nil {
			return nil, err
		}
		return &gateway.ServerMessage{Type: gateway.MsgAck, Advanced: &advanced}, nil
	})
	stream.Start()

	updates, unsubscribe := l.Subscribe()
	defer unsubscribe()
	go stream.ForwardTimeline(updates)

	<-stream.Done()
	s.logger.Debug().Str("timeline", id).Msg("timeline stream finished")
}

type publishRequest struct {
	Event      *nostr.Event `json:"event" binding:"required"`
	Relays     []string     `json:"relays"`
	TimeoutMS  int          `json:"timeout_ms" binding:"gte=0"`
	MaxRetries *int         `json:"max_retries" binding:"omitempty,gte=0,lte=10"`
	Label      string       `json:"label"`
}

// handlePublish 校验并开始发布，立即返回初始状态，之后通过轮询或推送流观察。
func (s *Server) handlePublish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	act, err := s.svc.Publish(c.Request.Context(), service.PublishRequest{
		Event:      req.Event,
		Relays:     req.Relays,
		Timeout:    time.Duration(req.TimeoutMS) * time.Millisecond,
		MaxRetries: req.MaxRetries,
		Label:      req.Label,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, act.Status())
}

func (s *Server) handleListPublishes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"publishes": s.svc.Publishes()})
}

// handlePublishStatus 返回发布状态；终态被读取一次后即从注册表移除。
func (s *Server) handlePublishStatus(c *gin.Context) {
	st, err := s.svc.PublishStatus(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleAbandonPublish(c *gin.Context) {
	st, err := s.svc.AbandonPublish(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// handlePublishStream 推送发布状态直到所有中继到终态
func (s *Server) handlePublishStream(c *gin.Context) {
	id := c.Param("id")
	act, err := s.svc.PublishAction(id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("publish", id).Msg("upgrade websocket failed")
		return
	}

	stream := s.newStream(conn)
	stream.Start()

	updates, unsubscribe := act.Subscribe()
	defer unsubscribe()
	go stream.ForwardPublish(updates)

	<-stream.Done()
	// 客户端在终态前断开视为放弃，剩余的重试不再继续
	select {
	case <-act.Done():
	default:
		if _, err := s.svc.AbandonPublish(id); err == nil {
			s.logger.Info().Str("publish", id).Msg("stream closed before publish finished, abandoned")
		}
	}
}

func (s *Server) newStream(conn *websocket.Conn) *gateway.Stream {
	return gateway.NewStream(uuid.NewString(), conn, gateway.Config{
		PingInterval: s.config.Gateway.PingInterval,
		WriteTimeout: s.config.Gateway.WriteTimeout,
		Logger:       s.logger,
	})
}

// writeError 把哨兵错误映射为状态码，其它错误只在日志里保留细节
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrInvalidEvent), errors.Is(err, model.ErrNoRelays):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrClosed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && originAllowed(origin, s.config.Server.AllowedOrigins) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == host
}
