// Package timeline 把多个中继的订阅合并成一条去重、按时间倒序的事件序列，
// 并按需向更早的时间分页。
package timeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"noteflow/server/internal/metrics"
	"noteflow/server/internal/model"
	"noteflow/server/internal/relay"
)

// RelayStatus 单个中继在当前窗口中的状态
type RelayStatus string

const (
	RelayLoading   RelayStatus = "loading"
	RelayIdle      RelayStatus = "idle"
	RelayStalled   RelayStatus = "stalled"
	RelayExhausted RelayStatus = "exhausted"
)

const (
	DefaultPageSize    = 100
	DefaultEOSETimeout = 10 * time.Second
)

// Options 打开 timeline 的选项
type Options struct {
	ID  string
	Key string
	// PageSize 是每个分页窗口的 limit；初始窗口在 filter 未指定 limit 时也使用它
	PageSize    int
	EOSETimeout time.Duration
	QueueSize   int
	// EventFilter 在 filter 匹配之外再做一次客户端过滤，返回 false 的事件被丢弃
	EventFilter func(*nostr.Event) bool

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// RelayState 快照中的单中继游标
type RelayState struct {
	URL    string      `json:"url"`
	Status RelayStatus `json:"status"`
	Window int         `json:"window"`
	// Oldest 是从该中继接受过的最早 created_at（0 表示还没有）
	Oldest nostr.Timestamp `json:"oldest"`
	// Confirmed 是 EOSE 覆盖到的最早 created_at（0 表示还没有确认过）
	Confirmed nostr.Timestamp `json:"confirmed"`
	Received  int             `json:"received"`
	Accepted  int             `json:"accepted"`
	LastError string          `json:"last_error,omitempty"`
}

// Stats 合并计数
type Stats struct {
	Received   int `json:"received"`
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Malformed  int `json:"malformed"`
}

// Snapshot 是某一时刻 timeline 的只读视图。
// Events 与 Relays 每次重建都是新切片，调用方可以随意持有但不应修改其中的事件。
type Snapshot struct {
	ID        string          `json:"id"`
	Key       string          `json:"key,omitempty"`
	Events    []*nostr.Event  `json:"events"`
	Relays    []RelayState    `json:"relays"`
	Watermark nostr.Timestamp `json:"watermark"`
	Loading   bool            `json:"loading"`
	Complete  bool            `json:"complete"`
	// Cycle 在每次“所有中继都不再 loading”时加一
	Cycle     int       `json:"cycle"`
	Stats     Stats     `json:"stats"`
	Closed    bool      `json:"closed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IndexOf 返回事件在序列中的位置，不存在返回 -1
func (s Snapshot) IndexOf(id string) int {
	for i, evt := range s.Events {
		if evt.ID == id {
			return i
		}
	}
	return -1
}

// IDs 返回序列中的事件 ID
func (s Snapshot) IDs() []string {
	ids := make([]string, len(s.Events))
	for i, evt := range s.Events {
		ids[i] = evt.ID
	}
	return ids
}

type relayState struct {
	url    string
	link   relay.Link
	status RelayStatus
	window int

	live  relay.Subscription // 实时窗口：EOSE 后继续接收新事件
	page  relay.Subscription // 当前分页窗口
	timer *time.Timer

	// liveWindow 是当前实时订阅所在的窗口号（打开时为 0，重新订阅后递增）
	liveWindow int
	// liveDown 表示实时订阅已断开，下一次 Advance 时重新订阅
	liveDown bool
	// resubscribe 表示中继因订阅故障（而不是 EOSE 超时）被标记 stalled，下一次 Advance 时重试
	resubscribe bool

	oldest      nostr.Timestamp
	confirmed   nostr.Timestamp
	windowFresh int
	received    int
	accepted    int
	lastErr     string
}

// Loader 维护一条多中继合并的 timeline。
// 所有状态只由 owner 协程（updateQueue.processLoop）修改；读方通过快照访问。
type Loader struct {
	id      string
	key     string
	filter  nostr.Filter
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	queue  *updateQueue
	wg     sync.WaitGroup // pump 与订阅协程

	// 以下字段只在 owner 协程中修改，mu 仅用于保护读方（SeenOn）
	mu        sync.RWMutex
	relays    map[string]*relayState
	order     []string
	dedup     *DedupSet
	events    []*nostr.Event
	stats     Stats
	watermark nostr.Timestamp
	cycle     int

	snapMu sync.RWMutex
	snap   Snapshot

	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
	closed  bool

	closeOnce sync.Once
}

// Open 为每个中继打开一个订阅并开始合并。
// 订阅失败的中继直接标记为 stalled，不影响其它中继。
func Open(ctx context.Context, filter nostr.Filter, links []relay.Link, opts Options) (*Loader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.EOSETimeout <= 0 {
		opts.EOSETimeout = DefaultEOSETimeout
	}
	if filter.Limit <= 0 {
		filter.Limit = opts.PageSize
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		id:      opts.ID,
		key:     opts.Key,
		filter:  filter,
		opts:    opts,
		logger:  opts.Logger.With().Str("timeline", opts.ID).Logger(),
		metrics: opts.Metrics,
		ctx:     lctx,
		cancel:  cancel,
		relays:  make(map[string]*relayState),
		dedup:   NewDedupSet(),
		subs:    make(map[int]chan Snapshot),
	}

	for _, link := range links {
		url := link.URL()
		if _, dup := l.relays[url]; dup {
			continue
		}
		l.relays[url] = &relayState{url: url, link: link, status: RelayLoading}
		l.order = append(l.order, url)
	}

	if len(l.order) == 0 {
		l.cycle++
	}
	// 初始快照必须在 owner 启动前生成，否则可能覆盖 owner 已发布的更新
	l.rebuild()

	l.queue = newUpdateQueue(lctx, opts.QueueSize, l.apply, l.publish, l.logger)

	// 窗口 0 的订阅在 owner 启动后异步建立，拨号慢的中继不阻塞 Open
	l.mu.Lock()
	for _, url := range l.order {
		l.openWindow(l.relays[url], l.filter)
	}
	l.mu.Unlock()

	l.metrics.TimelineOpened()
	l.logger.Info().Int("relays", len(l.order)).Int("page_size", opts.PageSize).Msg("timeline opened")
	return l, nil
}

func (l *Loader) ID() string  { return l.id }
func (l *Loader) Key() string { return l.key }

// Filter 返回打开时使用的 filter
func (l *Loader) Filter() nostr.Filter { return l.filter }

// Snapshot 返回当前快照，不会阻塞在任何中继上
func (l *Loader) Snapshot() Snapshot {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	return l.snap
}

// Results 返回当前有序、去重的事件序列
func (l *Loader) Results() []*nostr.Event {
	return l.Snapshot().Events
}

// SeenOn 返回投递过某事件的中继
func (l *Loader) SeenOn(id string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dedup.SeenOn(id)
}

// QueueStats 返回 owner 队列的统计
func (l *Loader) QueueStats() QueueStats {
	return l.queue.stats()
}

// Advance 请求向更早的时间再取一页。
// 任意中继仍处于 loading 时不做任何事，返回 false；句柄已关闭返回 model.ErrClosed。
func (l *Loader) Advance(ctx context.Context) (bool, error) {
	reply := make(chan bool, 1)
	if !l.queue.enqueue(&update{kind: updAdvance, reply: reply}) {
		return false, model.ErrClosed
	}
	select {
	case started := <-reply:
		return started, nil
	case <-l.ctx.Done():
		return false, model.ErrClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Subscribe 注册一个快照订阅。通道容量为 1，慢消费者只会看到最新快照。
// 返回的 cancel 可重复调用；Close 时通道会被关闭。
func (l *Loader) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	l.subsMu.Lock()
	if l.closed {
		l.subsMu.Unlock()
		ch <- l.Snapshot()
		close(ch)
		return ch, func() {}
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	ch <- l.Snapshot()
	l.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subsMu.Lock()
			defer l.subsMu.Unlock()
			if c, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(c)
			}
		})
	}
}

// Close 停止合并并释放所有订阅。幂等。
func (l *Loader) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.queue.wait()
		l.wg.Wait()

		// owner 与 pump 都已退出，可以直接操作状态
		for _, url := range l.order {
			rs := l.relays[url]
			if rs.timer != nil {
				rs.timer.Stop()
			}
			if rs.live != nil {
				rs.live.Unsubscribe()
			}
			if rs.page != nil {
				rs.page.Unsubscribe()
			}
		}

		l.snapMu.Lock()
		l.snap.Closed = true
		l.snap.UpdatedAt = time.Now()
		final := l.snap
		l.snapMu.Unlock()

		l.subsMu.Lock()
		l.closed = true
		for id, ch := range l.subs {
			select {
			case <-ch:
			default:
			}
			ch <- final
			close(ch)
			delete(l.subs, id)
		}
		l.subsMu.Unlock()

		l.metrics.TimelineClosed()
		stats := l.queue.stats()
		l.logger.Info().Int("events", len(final.Events)).Int64("updates", stats.Processed).Msg("timeline closed")
	})
	return nil
}

// openWindow 在 owner 协程（或 Open 中 owner 尚未处理任何 update 时）调用。
func (l *Loader) openWindow(rs *relayState, filter nostr.Filter) {
	rs.status = RelayLoading
	rs.windowFresh = 0
	window := rs.window
	url := rs.url

	rs.timer = time.AfterFunc(l.opts.EOSETimeout, func() {
		l.queue.enqueue(&update{kind: updStall, relay: url, window: window})
	})

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		sub, err := rs.link.Subscribe(l.ctx, filter)
		if err != nil {
			l.queue.enqueue(&update{kind: updSubscribeFailed, relay: url, window: window, err: err})
			return
		}
		if !l.queue.enqueue(&update{kind: updSubscribed, relay: url, window: window, sub: sub}) {
			sub.Unsubscribe()
		}
	}()
}

// pump 把一个订阅的输出转成 update。EOSE 之后先排空已缓冲的事件再投递 EOSE，
// 保证 owner 看到的顺序与中继发送顺序一致。
func (l *Loader) pump(url string, window int, live bool, sub relay.Subscription) {
	defer l.wg.Done()

	events := sub.Events()
	eose := sub.EOSE()
	errs := sub.Err()
	send := func(evt *nostr.Event) bool {
		return l.queue.enqueue(&update{kind: updEvent, relay: url, window: window, event: evt})
	}
	drain := func() bool {
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					return false
				}
				if !send(evt) {
					return false
				}
			default:
				return true
			}
		}
	}

	for {
		select {
		case <-l.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !send(evt) {
				return
			}
		case <-eose:
			eose = nil
			if !drain() {
				return
			}
			if !l.queue.enqueue(&update{kind: updEOSE, relay: url, window: window}) {
				return
			}
			if !live {
				// 分页窗口在 EOSE 后结束，由 owner 取消订阅
				return
			}
		case err := <-errs:
			drain()
			l.queue.enqueue(&update{kind: updError, relay: url, window: window, err: err})
			return
		}
	}
}

// apply 是 owner 协程的处理函数，返回状态是否有变化
func (l *Loader) apply(u *update) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if u.kind == updAdvance {
		started := l.advance()
		u.reply <- started
		return started
	}

	rs, ok := l.relays[u.relay]
	if !ok {
		return false
	}

	switch u.kind {
	case updEvent:
		return l.merge(rs, u.window, u.event)

	case updSubscribed:
		if u.window != rs.window {
			u.sub.Unsubscribe()
			return false
		}
		live := u.window == rs.liveWindow
		if live {
			if rs.live != nil {
				rs.live.Unsubscribe()
			}
			rs.live = u.sub
			rs.liveDown = false
		} else {
			rs.page = u.sub
		}
		l.wg.Add(1)
		go l.pump(rs.url, u.window, live, u.sub)
		return false

	case updSubscribeFailed:
		if u.window != rs.window {
			return false
		}
		if u.window == rs.liveWindow {
			rs.liveDown = true
		}
		rs.resubscribe = true
		l.logger.Warn().Err(u.err).Str("relay", rs.url).Int("window", u.window).Msg("subscribe failed, relay stalled")
		return l.stall(rs, u.err.Error())

	case updStall:
		if u.window != rs.window || rs.status != RelayLoading {
			return false
		}
		l.logger.Warn().Str("relay", rs.url).Int("window", u.window).Dur("timeout", l.opts.EOSETimeout).Msg("no EOSE before timeout, relay stalled")
		return l.stall(rs, "eose timeout")

	case updEOSE:
		return l.settle(rs, u.window)

	case updError:
		live := u.window == rs.liveWindow
		if !live && u.window != rs.window {
			return false
		}
		if live {
			rs.live = nil
			rs.liveDown = true
		} else {
			rs.page = nil
		}
		rs.resubscribe = true
		l.logger.Warn().Err(u.err).Str("relay", rs.url).Int("window", u.window).Msg("subscription error, relay stalled")
		msg := "subscription error"
		if u.err != nil {
			msg = u.err.Error()
		}
		return l.stall(rs, msg)
	}
	return false
}

// merge 校验并合并一个事件
func (l *Loader) merge(rs *relayState, window int, evt *nostr.Event) bool {
	l.stats.Received++
	rs.received++

	if !l.admit(evt) {
		l.stats.Malformed++
		l.metrics.TimelineEvent(metrics.ResultMalformed)
		return false
	}

	first, fresh := l.dedup.Add(evt.ID, rs.url)
	if fresh && window == rs.window {
		rs.windowFresh++
	}
	if fresh && (rs.oldest == 0 || evt.CreatedAt < rs.oldest) {
		rs.oldest = evt.CreatedAt
	}
	if !first {
		l.stats.Duplicates++
		l.metrics.TimelineEvent(metrics.ResultDuplicate)
		return false
	}

	i := sort.Search(len(l.events), func(i int) bool {
		return !model.Newer(l.events[i], evt)
	})
	l.events = append(l.events, nil)
	copy(l.events[i+1:], l.events[i:])
	l.events[i] = evt

	l.stats.Accepted++
	rs.accepted++
	l.metrics.TimelineEvent(metrics.ResultAccepted)
	return true
}

func (l *Loader) admit(evt *nostr.Event) bool {
	if evt == nil || evt.ID == "" {
		return false
	}
	if !l.filter.Matches(evt) {
		return false
	}
	if l.opts.EventFilter != nil && !l.opts.EventFilter(evt) {
		return false
	}
	return true
}

// settle 处理 EOSE：结束当前窗口。stalled 的中继收到迟到的 EOSE 会恢复。
func (l *Loader) settle(rs *relayState, window int) bool {
	if window != rs.window {
		return false
	}
	if rs.status != RelayLoading && rs.status != RelayStalled {
		return false
	}
	wasStalled := rs.status == RelayStalled
	if rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
	reconnect := window > 0 && window == rs.liveWindow
	if window != rs.liveWindow && rs.page != nil {
		rs.page.Unsubscribe()
		rs.page = nil
	}

	// 重新订阅的实时窗口只是补上断开期间的数据，不据此判断到底
	if rs.windowFresh == 0 && !(reconnect && rs.oldest != 0) {
		rs.status = RelayExhausted
	} else {
		rs.status = RelayIdle
	}
	rs.resubscribe = false
	rs.lastErr = ""
	if rs.oldest != 0 {
		rs.confirmed = rs.oldest
	}
	if wasStalled {
		l.logger.Info().Str("relay", rs.url).Int("window", window).Msg("late EOSE, relay resumed")
	}
	l.logger.Debug().Str("relay", rs.url).Int("window", window).Int("fresh", rs.windowFresh).
		Str("status", string(rs.status)).Msg("window settled")

	l.updateWatermark()
	if !l.anyLoading() {
		l.cycle++
	}
	return true
}

func (l *Loader) stall(rs *relayState, reason string) bool {
	if rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
	if rs.status == RelayStalled {
		rs.lastErr = reason
		return true
	}
	wasLoading := rs.status == RelayLoading
	rs.status = RelayStalled
	rs.lastErr = reason
	l.metrics.RelayStalled()
	l.updateWatermark()

	if wasLoading && !l.anyLoading() {
		l.cycle++
	}
	return true
}

// advance 为每个 idle 中继打开下一页窗口：until = 该中继已接受的最早时间戳（含），
// 重叠的那一秒由去重吸收。实时订阅断开的中继改为重新订阅，
// 分页订阅出错的中继重试同一页。
func (l *Loader) advance() bool {
	if l.anyLoading() {
		return false
	}
	started := false
	for _, url := range l.order {
		rs := l.relays[url]
		if rs.liveDown {
			rs.window++
			rs.liveWindow = rs.window
			l.openWindow(rs, l.filter)
			started = true
			l.logger.Info().Str("relay", url).Int("window", rs.window).Msg("resubscribing live window")
			continue
		}
		if rs.status != RelayIdle && !(rs.status == RelayStalled && rs.resubscribe) {
			continue
		}
		if rs.oldest == 0 {
			rs.status = RelayExhausted
			continue
		}

		f := l.filter
		until := rs.oldest
		if f.Until != nil && *f.Until < until {
			until = *f.Until
		}
		f.Until = &until
		f.Limit = l.opts.PageSize

		rs.window++
		l.openWindow(rs, f)
		started = true
		l.logger.Debug().Str("relay", url).Int("window", rs.window).Int64("until", int64(until)).Msg("window opened")
	}
	return started
}

func (l *Loader) anyLoading() bool {
	for _, rs := range l.relays {
		if rs.status == RelayLoading {
			return true
		}
	}
	return false
}

// updateWatermark 水位 = 未 stalled 且已确认过的中继中最小的确认时间戳，只降不升。
func (l *Loader) updateWatermark() {
	var candidate nostr.Timestamp
	for _, rs := range l.relays {
		if rs.status == RelayStalled || rs.confirmed == 0 {
			continue
		}
		if candidate == 0 || rs.confirmed < candidate {
			candidate = rs.confirmed
		}
	}
	if candidate != 0 && (l.watermark == 0 || candidate < l.watermark) {
		l.watermark = candidate
	}
}

// publish 是队列排空后的 flush 回调
func (l *Loader) publish() {
	snap := l.rebuild()

	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- snap:
		default:
			// latest-wins：丢弃旧快照再放入新的
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// rebuild 从 owner 状态生成新快照
func (l *Loader) rebuild() Snapshot {
	l.mu.RLock()
	snap := Snapshot{
		ID:        l.id,
		Key:       l.key,
		Events:    append([]*nostr.Event(nil), l.events...),
		Relays:    make([]RelayState, 0, len(l.order)),
		Watermark: l.watermark,
		Loading:   l.anyLoading(),
		Cycle:     l.cycle,
		Stats:     l.stats,
		UpdatedAt: time.Now(),
	}
	complete := true
	for _, url := range l.order {
		rs := l.relays[url]
		snap.Relays = append(snap.Relays, RelayState{
			URL:       rs.url,
			Status:    rs.status,
			Window:    rs.window,
			Oldest:    rs.oldest,
			Confirmed: rs.confirmed,
			Received:  rs.received,
			Accepted:  rs.accepted,
			LastError: rs.lastErr,
		})
		if (rs.status != RelayExhausted && rs.status != RelayStalled) || rs.liveDown || rs.resubscribe {
			complete = false
		}
	}
	snap.Complete = complete
	l.mu.RUnlock()

	l.snapMu.Lock()
	l.snap = snap
	l.snapMu.Unlock()
	return snap
}
