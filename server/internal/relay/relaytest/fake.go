// Package relaytest 提供可脚本化的 relay.Link 实现，供上层组件的测试使用。
package relaytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"noteflow/server/internal/relay"
)

// PublishFunc 决定第 attempt 次（从 1 开始）发布的结果
type PublishFunc func(ctx context.Context, evt *nostr.Event, attempt int) (relay.Ack, error)

// Accept 总是接受
func Accept() PublishFunc {
	return func(context.Context, *nostr.Event, int) (relay.Ack, error) {
		return relay.Ack{OK: true}, nil
	}
}

// Reject 总是以 reason 拒绝
func Reject(reason string) PublishFunc {
	return func(context.Context, *nostr.Event, int) (relay.Ack, error) {
		return relay.Ack{OK: false, Reason: reason}, nil
	}
}

// Hang 永不应答，直到 ctx 结束
func Hang() PublishFunc {
	return func(ctx context.Context, _ *nostr.Event, _ int) (relay.Ack, error) {
		<-ctx.Done()
		return relay.Ack{}, ctx.Err()
	}
}

// Fail 返回连接错误
func Fail(err error) PublishFunc {
	return func(context.Context, *nostr.Event, int) (relay.Ack, error) {
		return relay.Ack{}, err
	}
}

// Sequence 第 n 次调用使用 fns[n-1]，超出后重复最后一个
func Sequence(fns ...PublishFunc) PublishFunc {
	return func(ctx context.Context, evt *nostr.Event, attempt int) (relay.Ack, error) {
		i := attempt - 1
		if i >= len(fns) {
			i = len(fns) - 1
		}
		return fns[i](ctx, evt, attempt)
	}
}

// Link 是内存中的假中继
type Link struct {
	url string

	mu           sync.Mutex
	subs         []*Subscription
	subscribeErr error
	publish      PublishFunc
	publishCalls int
	published    []*nostr.Event
}

func NewLink(url string) *Link {
	return &Link{url: url, publish: Accept()}
}

func (l *Link) URL() string {
	return l.url
}

// FailSubscribe 让之后的 Subscribe 返回 err
func (l *Link) FailSubscribe(err error) *Link {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribeErr = err
	return l
}

// OnPublish 设置发布行为
func (l *Link) OnPublish(fn PublishFunc) *Link {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publish = fn
	return l
}

func (l *Link) Subscribe(ctx context.Context, filter nostr.Filter) (relay.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.subscribeErr != nil {
		return nil, l.subscribeErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := newSubscription(filter)
	l.subs = append(l.subs, sub)
	return sub, nil
}

func (l *Link) Publish(ctx context.Context, evt *nostr.Event) (relay.Ack, error) {
	l.mu.Lock()
	l.publishCalls++
	attempt := l.publishCalls
	l.published = append(l.published, evt)
	fn := l.publish
	l.mu.Unlock()

	return fn(ctx, evt, attempt)
}

// PublishCalls 返回 Publish 被调用的次数
func (l *Link) PublishCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.publishCalls
}

// Subscriptions 返回已建立的订阅（按建立顺序）
func (l *Link) Subscriptions() []*Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Subscription(nil), l.subs...)
}

// WaitSubscription 等待第 n 个订阅（从 1 开始）建立
func (l *Link) WaitSubscription(n int, timeout time.Duration) (*Subscription, error) {
	deadline := time.Now().Add(timeout)
	for {
		subs := l.Subscriptions()
		if len(subs) >= n {
			return subs[n-1], nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%s: subscription #%d not opened within %v (have %d)", l.url, n, timeout, len(subs))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Subscription 是可由测试驱动的订阅
type Subscription struct {
	Filter nostr.Filter

	events chan *nostr.Event
	eose   chan struct{}
	errc   chan error
	done   chan struct{}

	eoseOnce sync.Once
	errOnce  sync.Once
	doneOnce sync.Once
}

func newSubscription(filter nostr.Filter) *Subscription {
	return &Subscription{
		Filter: filter,
		events: make(chan *nostr.Event, 1024),
		eose:   make(chan struct{}),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Send 投递事件；订阅已取消时静默丢弃
func (s *Subscription) Send(evts ...*nostr.Event) {
	for _, evt := range evts {
		select {
		case <-s.done:
			return
		case s.events <- evt:
		}
	}
}

// EndOfStored 发送 EOSE
func (s *Subscription) EndOfStored() {
	s.eoseOnce.Do(func() { close(s.eose) })
}

// Fail 让订阅以 err 结束
func (s *Subscription) Fail(err error) {
	s.errOnce.Do(func() { s.errc <- err })
}

// Unsubscribed 报告订阅是否已被取消
func (s *Subscription) Unsubscribed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscription) Events() <-chan *nostr.Event { return s.events }
func (s *Subscription) EOSE() <-chan struct{}       { return s.eose }
func (s *Subscription) Err() <-chan error           { return s.errc }

func (s *Subscription) Unsubscribe() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Event 构造一个 kind 1 的测试事件
func Event(id string, ts int64) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    "pubkey",
		CreatedAt: nostr.Timestamp(ts),
		Kind:      1,
		Tags:      nostr.Tags{},
		Content:   "note " + id,
		Sig:       "sig",
	}
}
