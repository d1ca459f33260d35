package timeline

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"noteflow/server/internal/relay"
)

type updateKind int

const (
	updEvent updateKind = iota
	updEOSE
	updError
	updStall
	updSubscribed
	updSubscribeFailed
	updAdvance
)

func (k updateKind) String() string {
	switch k {
	case updEvent:
		return "event"
	case updEOSE:
		return "eose"
	case updError:
		return "error"
	case updStall:
		return "stall"
	case updSubscribed:
		return "subscribed"
	case updSubscribeFailed:
		return "subscribe_failed"
	case updAdvance:
		return "advance"
	default:
		return "unknown"
	}
}

// update 是 owner 协程处理的唯一输入。
// 中继 pump、订阅协程、stall 定时器和 Advance 调用方都只往队列里投递 update。
type update struct {
	kind   updateKind
	relay  string
	window int
	event  *nostr.Event
	sub    relay.Subscription
	err    error
	reply  chan bool // 仅 updAdvance 使用
	queued time.Time
}

// updateQueue 为单个 Loader 提供串行处理（Actor Model）：
// 所有对 Loader 状态的修改都发生在 processLoop 这一个协程里。
type updateQueue struct {
	ch     chan *update
	ctx    context.Context
	handle func(*update) bool
	flush  func()
	done   chan struct{}
	logger zerolog.Logger

	mu        sync.Mutex
	total     int64
	processed int64
}

const defaultQueueCapacity = 1024

func newUpdateQueue(ctx context.Context, capacity int, handle func(*update) bool, flush func(), logger zerolog.Logger) *updateQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &updateQueue{
		ch:     make(chan *update, capacity),
		ctx:    ctx,
		handle: handle,
		flush:  flush,
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.processLoop()
	return q
}

// enqueue 投递一个 update；队列满时阻塞（背压传到中继 pump），loader 关闭时返回 false。
// 中继事件不允许丢弃。
func (q *updateQueue) enqueue(u *update) bool {
	if q.ctx.Err() != nil {
		return false
	}
	u.queued = time.Now()
	select {
	case q.ch <- u:
		q.mu.Lock()
		q.total++
		q.mu.Unlock()
		return true
	case <-q.ctx.Done():
		return false
	}
}

// processLoop 串行处理 update；队列暂时排空时调用 flush 发布一次快照，
// 一批事件只产生一次推送。
func (q *updateQueue) processLoop() {
	defer close(q.done)

	dirty := false
	for {
		select {
		case <-q.ctx.Done():
			q.logger.Debug().Msg("process loop stopped")
			return
		case u := <-q.ch:
			// ctx 与 ch 同时就绪时 select 随机选择，这里再检查一次保证关闭后不再修改状态
			if q.ctx.Err() != nil {
				return
			}
			if q.handle(u) {
				dirty = true
			}
			q.mu.Lock()
			q.processed++
			q.mu.Unlock()

			if latency := time.Since(u.queued); latency > time.Second {
				q.logger.Warn().Str("kind", u.kind.String()).Str("relay", u.relay).
					Dur("queue_latency", latency).Msg("slow update processing")
			}

			if dirty && len(q.ch) == 0 {
				q.flush()
				dirty = false
			}
		}
	}
}

// wait 等待 processLoop 退出
func (q *updateQueue) wait() {
	<-q.done
}

// QueueStats 队列统计
type QueueStats struct {
	Total     int64 `json:"total"`
	Processed int64 `json:"processed"`
	Pending   int   `json:"pending"`
	Capacity  int   `json:"capacity"`
}

func (q *updateQueue) stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Total:     q.total,
		Processed: q.processed,
		Pending:   len(q.ch),
		Capacity:  cap(q.ch),
	}
}
