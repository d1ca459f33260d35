// Package publish 把一个已签名事件并发发布到一组中继，跟踪每个中继的裁决并对瞬时故障重试。
package publish

import (
	"context"
	"errors"
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

// Options 单次发布的选项
type Options struct {
	ID    string
	Label string
	// Timeout 是每次尝试等待 OK 的上限
	Timeout time.Duration
	// MaxRetries 是超时/连接错误之后的最大重试次数，0 表示不重试
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type transition struct {
	relay   string
	state   model.VerdictState
	reason  string
	attempt int
	final   bool
}

// Action 是一次发布。每个中继一个 worker 协程，
// 裁决表只由 owner 协程（loop）修改，worker 通过 transitions 通道上报。
type Action struct {
	id      string
	evt     *nostr.Event
	links   []relay.Link
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	ctx         context.Context
	cancel      context.CancelFunc
	transitions chan transition
	wg          sync.WaitGroup
	done        chan struct{}

	// owner 私有
	status model.PublishStatus

	snapMu sync.RWMutex
	snap   model.PublishStatus

	updates chan model.PublishStatus

	subsMu  sync.Mutex
	subs    map[int]chan model.PublishStatus
	nextSub int
	closed  bool
}

// Start 立即返回；发布在后台进行。ctx 被取消等同于 Abandon。
// 目标集合为空时 Action 直接以失败结束。
func Start(ctx context.Context, evt *nostr.Event, links []relay.Link, opts Options) *Action {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	links = uniqueLinks(links)

	actx, cancel := context.WithCancel(ctx)
	a := &Action{
		id:          opts.ID,
		evt:         evt,
		links:       links,
		opts:        opts,
		logger:      opts.Logger.With().Str("publish", opts.ID).Str("event", evt.ID).Logger(),
		metrics:     opts.Metrics,
		ctx:         actx,
		cancel:      cancel,
		transitions: make(chan transition, len(links)),
		done:        make(chan struct{}),
		subs:        make(map[int]chan model.PublishStatus),
		// 每个中继每轮最多两次迁移（回到 pending、得到结果），再加首尾两份快照，
		// 单个消费者即使不读也不会让 owner 阻塞
		updates: make(chan model.PublishStatus, 2+len(links)*2*(opts.MaxRetries+1)),
	}

	now := time.Now()
	a.status = model.PublishStatus{
		ID:       a.id,
		EventID:  evt.ID,
		Label:    opts.Label,
		Total:    len(links),
		PerRelay: make(map[string]model.Verdict, len(links)),
	}
	for _, link := range links {
		a.status.PerRelay[link.URL()] = model.Verdict{
			Relay:     link.URL(),
			State:     model.VerdictPending,
			Attempt:   1,
			UpdatedAt: now,
		}
	}

	a.metrics.PublishStarted()
	a.logger.Info().Int("relays", len(links)).Dur("timeout", opts.Timeout).Int("max_retries", opts.MaxRetries).Msg("publish started")

	if len(links) == 0 {
		a.status.Settled = true
		a.emit()
		a.finish(false)
		return a
	}

	a.emit()
	for _, link := range links {
		a.wg.Add(1)
		go a.run(link)
	}
	go a.loop()
	return a
}

func (a *Action) ID() string { return a.id }

// Event 返回被发布的事件
func (a *Action) Event() *nostr.Event { return a.evt }

// Status 返回当前聚合快照
func (a *Action) Status() model.PublishStatus {
	a.snapMu.RLock()
	defer a.snapMu.RUnlock()
	return a.snap.Clone()
}

// Updates 返回完整的状态流：每次中继迁移一份快照，结束后关闭。
// 只适合单个消费者；多个观察者请用 Subscribe。
func (a *Action) Updates() <-chan model.PublishStatus {
	return a.updates
}

// Done 在所有中继到达终态或发布被放弃后关闭
func (a *Action) Done() <-chan struct{} {
	return a.done
}

// Wait 等待发布结束并返回最终状态
func (a *Action) Wait(ctx context.Context) (model.PublishStatus, error) {
	select {
	case <-a.done:
		return a.Status(), nil
	case <-ctx.Done():
		return a.Status(), ctx.Err()
	}
}

// Subscribe 注册一个 latest-wins 的状态订阅，结束后通道关闭
func (a *Action) Subscribe() (<-chan model.PublishStatus, func()) {
	ch := make(chan model.PublishStatus, 1)

	a.subsMu.Lock()
	ch <- a.Status()
	if a.closed {
		a.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	a.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.subsMu.Lock()
			defer a.subsMu.Unlock()
			if c, ok := a.subs[id]; ok {
				delete(a.subs, id)
				close(c)
			}
		})
	}
}

// Abandon 取消进行中的尝试和尚未开始的重试。返回时不再有任何后台重试。
func (a *Action) Abandon() {
	a.cancel()
	<-a.done
	a.wg.Wait()
}

// run 是单个中继的 worker：pending → accepted | rejected | timed_out | failed，
// timed_out / failed 在次数允许时退避后回到 pending。
func (a *Action) run(link relay.Link) {
	defer a.wg.Done()
	url := link.URL()

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if !a.report(transition{relay: url, state: model.VerdictPending, attempt: attempt}) {
				return
			}
		}

		actx, cancel := context.WithTimeout(a.ctx, a.opts.Timeout)
		ack, err := link.Publish(actx, a.evt)
		cancel()
		if a.ctx.Err() != nil {
			return
		}

		t := transition{relay: url, attempt: attempt}
		switch {
		case err == nil && ack.OK:
			t.state = model.VerdictAccepted
			t.reason = ack.Reason
		case err == nil:
			t.state = model.VerdictRejected
			t.reason = ack.Reason
		case errors.Is(err, context.DeadlineExceeded):
			t.state = model.VerdictTimedOut
			t.reason = "no response within " + a.opts.Timeout.String()
		default:
			t.state = model.VerdictFailed
			t.reason = err.Error()
		}

		retryable := (t.state == model.VerdictTimedOut || t.state == model.VerdictFailed) && attempt <= a.opts.MaxRetries
		t.final = !retryable
		if !a.report(t) || !retryable {
			return
		}

		delay := Backoff(attempt, a.opts.BaseBackoff, a.opts.MaxBackoff)
		a.metrics.PublishRetry()
		a.logger.Debug().Str("relay", url).Str("state", string(t.state)).Int("attempt", attempt).Dur("backoff", delay).Msg("retrying publish")

		timer := time.NewTimer(delay)
		select {
		case <-a.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (a *Action) report(t transition) bool {
	select {
	case a.transitions <- t:
		return true
	case <-a.ctx.Done():
		return false
	}
}

// loop 是 owner 协程
func (a *Action) loop() {
	for {
		select {
		case t := <-a.transitions:
			a.apply(t)
			a.emit()
			if a.allFinal() {
				a.finish(false)
				return
			}
		case <-a.ctx.Done():
			a.finish(true)
			return
		}
	}
}

func (a *Action) apply(t transition) {
	v := a.status.PerRelay[t.relay]
	v.State = t.state
	v.Reason = t.reason
	v.Attempt = t.attempt
	v.Final = t.final
	v.UpdatedAt = time.Now()
	a.status.PerRelay[t.relay] = v

	a.metrics.PublishVerdict(string(t.state))

	accepted := 0
	for _, pv := range a.status.PerRelay {
		if pv.State == model.VerdictAccepted {
			accepted++
		}
	}
	a.status.Accepted = accepted

	// 成功一旦成立就不再回退；全部终态且无人接受才算失败
	if accepted > 0 {
		if !a.status.Success {
			a.logger.Info().Str("relay", t.relay).Int("attempt", t.attempt).Msg("publish settled: success")
		}
		a.status.Settled = true
		a.status.Success = true
	} else if a.allFinal() {
		a.status.Settled = true
		a.logger.Warn().Msg("publish settled: failure")
	}

	switch t.state {
	case model.VerdictRejected:
		a.logger.Info().Str("relay", t.relay).Str("reason", t.reason).Msg("relay rejected event")
	case model.VerdictTimedOut, model.VerdictFailed:
		a.logger.Warn().Str("relay", t.relay).Str("state", string(t.state)).Str("reason", t.reason).
			Int("attempt", t.attempt).Bool("final", t.final).Msg("publish attempt failed")
	}
}

func (a *Action) allFinal() bool {
	for _, v := range a.status.PerRelay {
		if !v.Final {
			return false
		}
	}
	return true
}

// emit 发布一份快照：写入 Updates（有界、不会满）并推给 latest-wins 订阅者
func (a *Action) emit() {
	snap := a.status.Clone()

	a.snapMu.Lock()
	a.snap = snap
	a.snapMu.Unlock()

	select {
	case a.updates <- snap.Clone():
	default:
	}

	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	for _, ch := range a.subs {
		pushLatest(ch, snap.Clone())
	}
}

func (a *Action) finish(abandoned bool) {
	a.status.Done = true
	a.status.Abandoned = abandoned
	a.emit()

	a.cancel()
	close(a.updates)

	a.subsMu.Lock()
	a.closed = true
	for id, ch := range a.subs {
		close(ch)
		delete(a.subs, id)
	}
	a.subsMu.Unlock()

	close(a.done)
	a.metrics.PublishFinished()

	st := a.status
	a.logger.Info().Bool("success", st.Success).Int("accepted", st.Accepted).Int("total", st.Total).
		Bool("abandoned", abandoned).Msg("publish finished")
}

func pushLatest(ch chan model.PublishStatus, snap model.PublishStatus) {
	select {
	case ch <- snap:
	default:
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

func uniqueLinks(links []relay.Link) []relay.Link {
	seen := make(map[string]struct{}, len(links))
	out := make([]relay.Link, 0, len(links))
	for _, l := range links {
		if _, ok := seen[l.URL()]; ok {
			continue
		}
		seen[l.URL()] = struct{}{}
		out = append(out, l)
	}
	return out
}

// Relays 返回目标中继（排序后）
func (a *Action) Relays() []string {
	out := make([]string, 0, len(a.links))
	for _, l := range a.links {
		out = append(out, l.URL())
	}
	sort.Strings(out)
	return out
}
