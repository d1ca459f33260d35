// Package pagination 根据展示层上报的可见事件决定何时翻页。
package pagination

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"noteflow/server/internal/model"
	"noteflow/server/internal/timeline"
)

// DefaultLowWaterMark 可见区域距离序列末尾少于这么多条时翻页
const DefaultLowWaterMark = 10

// Loader 是调度器对 timeline 的依赖；调用方向只有 scheduler -> loader。
type Loader interface {
	Snapshot() timeline.Snapshot
	Advance(ctx context.Context) (bool, error)
}

type Options struct {
	LowWaterMark int
	Logger       zerolog.Logger
}

// Scheduler 每个窗口完成周期（Snapshot.Cycle）最多触发一次 Advance，
// 快速滚动时同一帧里的大量可见性信号不会变成请求风暴。
type Scheduler struct {
	loader Loader
	low    int
	logger zerolog.Logger

	mu        sync.Mutex
	lastCycle int // 上一次调用 Advance 时的周期，-1 表示从未触发
	triggers  int
	lastRank  int
}

func New(loader Loader, opts Options) *Scheduler {
	if opts.LowWaterMark <= 0 {
		opts.LowWaterMark = DefaultLowWaterMark
	}
	return &Scheduler{
		loader:    loader,
		low:       opts.LowWaterMark,
		logger:    opts.Logger,
		lastCycle: -1,
		lastRank:  -1,
	}
}

// Observe 接收一组当前可见的事件 ID。
// 不在当前序列中的 ID（比如 filter 变了）会被忽略。返回是否触发了翻页。
func (s *Scheduler) Observe(ctx context.Context, visible []string) (bool, error) {
	snap := s.loader.Snapshot()
	if snap.Closed {
		return false, model.ErrClosed
	}

	rank := oldestVisible(snap, visible)

	s.mu.Lock()
	defer s.mu.Unlock()

	if rank < 0 {
		return false, nil
	}
	s.lastRank = rank

	remaining := len(snap.Events) - 1 - rank
	if remaining >= s.low {
		return false, nil
	}
	if snap.Loading || snap.Complete {
		return false, nil
	}
	if snap.Cycle == s.lastCycle {
		return false, nil
	}

	started, err := s.loader.Advance(ctx)
	if err != nil {
		return false, err
	}
	s.lastCycle = snap.Cycle
	if started {
		s.triggers++
		s.logger.Debug().Int("rank", rank).Int("remaining", remaining).Int("cycle", snap.Cycle).Msg("advance triggered")
	}
	return started, nil
}

// Triggers 返回已触发的翻页次数
func (s *Scheduler) Triggers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggers
}

// LastRank 返回最近一次观测到的最旧可见事件的位置，-1 表示没有
func (s *Scheduler) LastRank() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRank
}

func oldestVisible(snap timeline.Snapshot, visible []string) int {
	if len(visible) == 0 || len(snap.Events) == 0 {
		return -1
	}
	want := make(map[string]struct{}, len(visible))
	for _, id := range visible {
		want[id] = struct{}{}
	}
	rank := -1
	for i, evt := range snap.Events {
		if _, ok := want[evt.ID]; ok {
			rank = i
		}
	}
	return rank
}
