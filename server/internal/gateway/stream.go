// Package gateway 维护服务端 → 展示层的 WebSocket 推送通道。
//
// 职责：
// 1. 把 timeline 快照 / 发布状态推给客户端（带连接内序号）。
// 2. 读取客户端的可见性信号和翻页请求，交给注入的 Handler。
// 3. 心跳与关闭；上游句柄结束时通知客户端后断开。
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"noteflow/server/internal/model"
	"noteflow/server/internal/timeline"
)

// Handler 处理一条客户端消息，返回的 ServerMessage（可为 nil）会回写给客户端
type Handler func(ctx context.Context, msg *ClientMessage) (*ServerMessage, error)

// Config 推送通道配置
type Config struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// Stream 是一条客户端推送连接
type Stream struct {
	id string

	conn     *websocket.Conn
	connLock sync.Mutex

	handler Handler

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeChan chan struct{}

	seqCounter int64
	seqLock    sync.Mutex

	config Config
	logger zerolog.Logger
}

// NewStream 包装一条已升级的客户端连接
func NewStream(id string, conn *websocket.Conn, config Config) *Stream {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		id:        id,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		closeChan: make(chan struct{}),
		config:    config,
		logger:    config.Logger.With().Str("stream", id).Logger(),
	}
}

// SetHandler 注入客户端消息处理器，需在 Start 前调用
func (s *Stream) SetHandler(h Handler) {
	s.handler = h
}

// Start 启动读循环与心跳
func (s *Stream) Start() {
	go s.readLoop(s.conn)
	go s.pingLoop()
	s.logger.Debug().Msg("stream started")
}

// Done 在连接关闭后关闭
func (s *Stream) Done() <-chan struct{} {
	return s.closeChan
}

// readLoop 读取客户端消息，逐条交给 handler
func (s *Stream) readLoop(conn *websocket.Conn) {
	defer s.Close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-s.closeChan:
				default:
					s.logger.Debug().Err(err).Msg("client read error")
				}
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := s.handleClientMessage(data); err != nil {
			// 回错误但不断开
			s.logger.Warn().Err(err).Msg("handle client message failed")
			_ = s.SendError(err.Error())
		}
	}
}

func (s *Stream) handleClientMessage(data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("unmarshal client message: %w", err)
	}

	if msg.Type == MsgPing {
		return s.Send(&ServerMessage{Type: MsgPong, RequestID: msg.RequestID})
	}
	if s.handler == nil {
		return fmt.Errorf("unsupported message type: %s", msg.Type)
	}

	resp, err := s.handler(s.ctx, &msg)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	if resp.RequestID == "" {
		resp.RequestID = msg.RequestID
	}
	return s.Send(resp)
}

// Send 发送一条消息（分配序号、补时间戳）
func (s *Stream) Send(msg *ServerMessage) error {
	s.seqLock.Lock()
	s.seqCounter++
	msg.Seq = s.seqCounter
	s.seqLock.Unlock()

	if msg.ServerTS.IsZero() {
		msg.ServerTS = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message: %w", err)
	}

	s.connLock.Lock()
	defer s.connLock.Unlock()

	if s.conn == nil {
		return errors.New("client connection is closed")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

// SendError 发送错误消息
func (s *Stream) SendError(errMsg string) error {
	return s.Send(&ServerMessage{Type: MsgError, Error: errMsg})
}

// ForwardTimeline 把快照流推给客户端，直到流结束或连接关闭。
// 快照流结束（timeline 被关闭）后发送 closed 并断开。
func (s *Stream) ForwardTimeline(updates <-chan timeline.Snapshot) {
	for {
		select {
		case <-s.closeChan:
			return
		case snap, ok := <-updates:
			if !ok {
				_ = s.Send(&ServerMessage{Type: MsgClosed})
				_ = s.Close()
				return
			}
			if err := s.Send(&ServerMessage{Type: MsgTimeline, Timeline: &snap}); err != nil {
				s.logger.Debug().Err(err).Msg("push timeline failed")
				_ = s.Close()
				return
			}
		}
	}
}

// ForwardPublish 把发布状态推给客户端，发布结束后断开
func (s *Stream) ForwardPublish(updates <-chan model.PublishStatus) {
	for {
		select {
		case <-s.closeChan:
			return
		case st, ok := <-updates:
			if !ok {
				_ = s.Send(&ServerMessage{Type: MsgClosed})
				_ = s.Close()
				return
			}
			if err := s.Send(&ServerMessage{Type: MsgPublish, Publish: &st}); err != nil {
				s.logger.Debug().Err(err).Msg("push publish status failed")
				_ = s.Close()
				return
			}
		}
	}
}

// pingLoop 定期发送 ping 保持连接
func (s *Stream) pingLoop() {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeChan:
			return
		case <-ticker.C:
			s.connLock.Lock()
			if s.conn != nil {
				_ = s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			}
			s.connLock.Unlock()
		}
	}
}

// Close 关闭连接。幂等。
func (s *Stream) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.closeChan)

		s.connLock.Lock()
		defer s.connLock.Unlock()
		if s.conn == nil {
			return
		}
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		closeErr = s.conn.Close()
		s.conn = nil
		s.logger.Debug().Msg("stream closed")
	})
	return closeErr
}
