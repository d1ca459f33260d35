package gateway

import (
	"time"

	"noteflow/server/internal/model"
	"noteflow/server/internal/timeline"
)

// MessageType 定义了推送通道上的消息类型
type MessageType string

const (
	// 客户端 → 服务端
	MsgVisible MessageType = "visible" // 可见事件集合（驱动翻页调度）
	MsgAdvance MessageType = "advance" // 显式翻页
	MsgPing    MessageType = "ping"

	// 服务端 → 客户端
	MsgTimeline MessageType = "timeline" // timeline 快照
	MsgPublish  MessageType = "publish"  // 发布状态快照
	MsgAck      MessageType = "ack"      // 对客户端请求的应答
	MsgPong     MessageType = "pong"
	MsgError    MessageType = "error"
	MsgClosed   MessageType = "closed" // 上游句柄已关闭，随后断开
)

// ClientMessage 客户端发来的消息（WebSocket 文本帧）
type ClientMessage struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"` // 应答时原样带回
	IDs       []string    `json:"ids,omitempty"`        // visible 使用
}

// ServerMessage 推送给客户端的消息
type ServerMessage struct {
	Type      MessageType          `json:"type"`
	Seq       int64                `json:"seq"` // 连接内单调递增
	RequestID string               `json:"request_id,omitempty"`
	Timeline  *timeline.Snapshot   `json:"timeline,omitempty"`
	Publish   *model.PublishStatus `json:"publish,omitempty"`
	Advanced  *bool                `json:"advanced,omitempty"`
	Error     string               `json:"error,omitempty"`
	ServerTS  time.Time            `json:"server_ts"`
}
