package model

import "errors"

// 调用方误用（caller-misuse）类错误：同步返回给调用方。
// 中继侧故障（超时、断线、拒绝）不走这里，它们以数据形式出现在快照/裁决表里。
var (
	// ErrClosed 表示对已关闭的 timeline 句柄继续操作。
	ErrClosed = errors.New("timeline closed")
	// ErrNoRelays 表示发布时目标中继集合为空。
	ErrNoRelays = errors.New("no relays to publish to")
	// ErrNotFound 表示句柄不存在（未打开或已回收）。
	ErrNotFound = errors.New("not found")
	// ErrInvalidEvent 表示待发布事件缺少必填字段（id / pubkey / sig）。
	ErrInvalidEvent = errors.New("invalid event")
)
