// Package relay 封装与单个中继的连接。
//
// 引擎（timeline / publish）只依赖 Link 接口；Conn 是基于 WebSocket 的实现，
// Pool 按 URL 复用 Conn。测试里用假的 Link 驱动引擎。
package relay

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Link 是对一个中继连接的抽象。
type Link interface {
	// URL 返回规范化后的中继地址，作为中继的唯一标识。
	URL() string
	// Subscribe 按 filter 打开一个订阅。返回 error 表示订阅没能发出（例如拨号失败）。
	Subscribe(ctx context.Context, filter nostr.Filter) (Subscription, error)
	// Publish 发送一个已签名事件并等待中继的 OK 回执。
	// 返回 error 表示连接层故障或 ctx 到期；显式拒绝通过 Ack.OK=false 表达。
	Publish(ctx context.Context, evt *nostr.Event) (Ack, error)
}

// Subscription 是一次 REQ 的结果流。
//
// 约定：EOSE 之前到达的事件在 EOSE 关闭前已经进入 Events 的缓冲，
// 消费方在看到 EOSE 后应先把 Events 里剩余的事件取完。
type Subscription interface {
	Events() <-chan *nostr.Event
	// EOSE 在 end-of-stored-events 到达时关闭（最多一次）。
	EOSE() <-chan struct{}
	// Err 最多产出一个值：中继 CLOSED 或连接断开。
	Err() <-chan error
	// Unsubscribe 释放订阅，可重复调用。
	Unsubscribe()
}

// Ack 是中继对 EVENT 的 OK 回执。
type Ack struct {
	OK     bool
	Reason string
}
