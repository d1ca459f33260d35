// Package service 把连接池、timeline、翻页调度和发布组合成对外的门面。
//
// 职责与契约：
// - 调用方误用（关闭后翻页、空中继集合发布、缺字段事件）同步返回哨兵错误。
// - 中继侧故障只作为数据出现在快照和裁决表里，不会变成这里的错误。
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"noteflow/server/internal/metrics"
	"noteflow/server/internal/model"
	"noteflow/server/internal/pagination"
	"noteflow/server/internal/publish"
	"noteflow/server/internal/relay"
	"noteflow/server/internal/timeline"
)

// LinkSource 把中继 URL 解析为 Link，生产环境是 *relay.Pool
type LinkSource interface {
	Links(urls []string) ([]relay.Link, error)
}

// Config 门面使用的默认值
type Config struct {
	DefaultRelays []string

	PageSize     int
	EOSETimeout  time.Duration
	LowWaterMark int

	PublishTimeout time.Duration
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	// PublishRetention 是已结束的发布在未被读取时保留的时长
	PublishRetention time.Duration
}

type Service struct {
	links     LinkSource
	cfg       Config
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	timelines *timeline.Registry
	publishes *publish.Registry

	schedMu    sync.Mutex
	schedulers map[string]*pagination.Scheduler

	// 发布的生命周期不跟随单次请求，挂在服务自己的 context 上
	ctx    context.Context
	cancel context.CancelFunc
}

func New(links LinkSource, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		links:      links,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
		timelines:  timeline.NewRegistry(),
		publishes:  publish.NewRegistry(cfg.PublishRetention),
		schedulers: make(map[string]*pagination.Scheduler),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// TimelineRequest 打开 timeline 的参数；零值字段使用 Config 中的默认值
type TimelineRequest struct {
	Key          string       `json:"key,omitempty"`
	Relays       []string     `json:"relays,omitempty"`
	Filter       nostr.Filter `json:"filter"`
	PageSize     int          `json:"page_size,omitempty"`
	LowWaterMark int          `json:"low_water_mark,omitempty"`
}

// OpenTimeline 打开（或按 key 复用）一个 timeline。第二个返回值表示是否复用了已有的。
func (s *Service) OpenTimeline(ctx context.Context, req TimelineRequest) (*timeline.Loader, bool, error) {
	if existing, ok := s.timelines.GetByKey(req.Key); ok {
		return existing, true, nil
	}

	urls := req.Relays
	if len(urls) == 0 {
		urls = s.cfg.DefaultRelays
	}
	links, err := s.links.Links(urls)
	if err != nil {
		return nil, false, fmt.Errorf("resolve relays: %w", err)
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = s.cfg.PageSize
	}
	l, err := timeline.Open(ctx, req.Filter, links, timeline.Options{
		Key:         req.Key,
		PageSize:    pageSize,
		EOSETimeout: s.cfg.EOSETimeout,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
	if err != nil {
		return nil, false, err
	}

	if existing, added := s.timelines.Put(l); !added {
		// 并发打开同一个 key，保留先登记的那个
		_ = l.Close()
		return existing, true, nil
	}

	low := req.LowWaterMark
	if low <= 0 {
		low = s.cfg.LowWaterMark
	}
	s.schedMu.Lock()
	s.schedulers[l.ID()] = pagination.New(l, pagination.Options{LowWaterMark: low, Logger: s.logger})
	s.schedMu.Unlock()

	s.logger.Info().Str("timeline", l.ID()).Str("key", req.Key).Strs("relays", urls).Msg("timeline registered")
	return l, false, nil
}

// Timeline 根据 ID 查找 timeline
func (s *Service) Timeline(id string) (*timeline.Loader, error) {
	return s.timelines.Get(id)
}

// Timelines 返回所有打开中的 timeline 快照
func (s *Service) Timelines() []timeline.Snapshot {
	loaders := s.timelines.List()
	out := make([]timeline.Snapshot, 0, len(loaders))
	for _, l := range loaders {
		out = append(out, l.Snapshot())
	}
	return out
}

// Advance 直接请求翻页
func (s *Service) Advance(ctx context.Context, id string) (bool, error) {
	l, err := s.timelines.Get(id)
	if err != nil {
		return false, err
	}
	return l.Advance(ctx)
}

// Observe 把可见性信号交给该 timeline 的调度器
func (s *Service) Observe(ctx context.Context, id string, visible []string) (bool, error) {
	s.schedMu.Lock()
	sched, ok := s.schedulers[id]
	s.schedMu.Unlock()
	if !ok {
		return false, model.ErrNotFound
	}
	return sched.Observe(ctx, visible)
}

// CloseTimeline 关闭并注销 timeline
func (s *Service) CloseTimeline(id string) error {
	l, err := s.timelines.Delete(id)
	if err != nil {
		return err
	}
	s.schedMu.Lock()
	delete(s.schedulers, id)
	s.schedMu.Unlock()

	return l.Close()
}

// PublishRequest 发布参数；MaxRetries 为 nil 时使用默认值
type PublishRequest struct {
	Event      *nostr.Event  `json:"event"`
	Relays     []string      `json:"relays,omitempty"`
	Timeout    time.Duration `json:"-"`
	MaxRetries *int          `json:"max_retries,omitempty"`
	Label      string        `json:"label,omitempty"`
}

// Publish 校验事件并开始发布，立即返回。
func (s *Service) Publish(ctx context.Context, req PublishRequest) (*publish.Action, error) {
	if err := model.ValidateSigned(req.Event); err != nil {
		return nil, err
	}

	urls := req.Relays
	if len(urls) == 0 {
		urls = s.cfg.DefaultRelays
	}
	if len(urls) == 0 {
		return nil, model.ErrNoRelays
	}
	links, err := s.links.Links(urls)
	if err != nil {
		return nil, fmt.Errorf("resolve relays: %w", err)
	}
	if len(links) == 0 {
		return nil, model.ErrNoRelays
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.PublishTimeout
	}
	retries := s.cfg.MaxRetries
	if req.MaxRetries != nil {
		retries = *req.MaxRetries
	}

	act := publish.Start(s.ctx, req.Event, links, publish.Options{
		Label:       req.Label,
		Timeout:     timeout,
		MaxRetries:  retries,
		BaseBackoff: s.cfg.BaseBackoff,
		MaxBackoff:  s.cfg.MaxBackoff,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
	s.publishes.Put(act)
	return act, nil
}

// PublishStatus 读取发布状态；终态被读取后该发布从注册表移除
func (s *Service) PublishStatus(id string) (model.PublishStatus, error) {
	return s.publishes.Consume(id)
}

// PublishAction 返回发布句柄（用于推送流）
func (s *Service) PublishAction(id string) (*publish.Action, error) {
	return s.publishes.Get(id)
}

// AbandonPublish 放弃发布：取消进行中的尝试和后续重试
func (s *Service) AbandonPublish(id string) (model.PublishStatus, error) {
	return s.publishes.Abandon(id)
}

// Publishes 返回所有登记中的发布状态
func (s *Service) Publishes() []model.PublishStatus {
	return s.publishes.List()
}

// Close 关闭所有 timeline 并放弃所有发布
func (s *Service) Close() {
	s.cancel()
	s.publishes.AbandonAll()

	for _, l := range s.timelines.List() {
		if _, err := s.timelines.Delete(l.ID()); err == nil {
			_ = l.Close()
		}
	}
	s.schedMu.Lock()
	s.schedulers = make(map[string]*pagination.Scheduler)
	s.schedMu.Unlock()

	s.logger.Info().Msg("service closed")
}
