package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

var (
	// ErrConnClosed 表示 Conn 已被 Close，不会再重连。
	ErrConnClosed = errors.New("relay connection closed")
	// ErrDisconnected 表示读循环退出（中继断开），进行中的订阅/发布都会收到它。
	ErrDisconnected = errors.New("relay disconnected")
	// ErrSlowConsumer 表示订阅的事件缓冲已满，订阅被丢弃以免阻塞整条连接。
	ErrSlowConsumer = errors.New("subscription buffer overflow")
)

// ClosedError 是中继用 CLOSED 主动结束订阅时的错误。
type ClosedError struct {
	Reason string
}

func (e *ClosedError) Error() string {
	return "subscription closed by relay: " + e.Reason
}

// ConnConfig 单个中继连接的配置
type ConnConfig struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	// EventBuffer 是每个订阅的事件缓冲大小
	EventBuffer int
	Logger      zerolog.Logger
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	return c
}

// Conn 代表到一个中继的 WebSocket 连接。
// 首次 Subscribe/Publish 时才拨号；读循环退出后下一次调用会重新拨号。
type Conn struct {
	url string

	conn     *websocket.Conn
	connLock sync.Mutex // 保护 conn 以及所有写操作

	subs   map[string]*subscription
	acks   map[string][]chan ackResult // event id -> 等待 OK 的发布方
	mapsMu sync.Mutex

	closeOnce sync.Once
	closeChan chan struct{}

	config ConnConfig
	logger zerolog.Logger
}

type ackResult struct {
	ack Ack
	err error
}

// NewConn 创建一个尚未拨号的中继连接
func NewConn(url string, config ConnConfig) *Conn {
	config = config.withDefaults()
	return &Conn{
		url:       url,
		subs:      make(map[string]*subscription),
		acks:      make(map[string][]chan ackResult),
		closeChan: make(chan struct{}),
		config:    config,
		logger:    config.Logger.With().Str("relay", url).Logger(),
	}
}

// URL 返回中继地址
func (c *Conn) URL() string {
	return c.url
}

// Connected 报告当前是否持有活跃连接
func (c *Conn) Connected() bool {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	return c.conn != nil
}

// ensureConnected 保证存在活跃连接，必要时拨号
func (c *Conn) ensureConnected(ctx context.Context) (*websocket.Conn, error) {
	select {
	case <-c.closeChan:
		return nil, ErrConnClosed
	default:
	}

	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}

	c.logger.Debug().Msg("dialing relay")
	ws, resp, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay %s: status=%d err=%w", c.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial relay %s: %w", c.url, err)
	}

	c.conn = ws
	go c.readLoop(ws)
	go c.pingLoop(ws)

	c.logger.Info().Msg("relay connected")
	return ws, nil
}

// send 写入一帧文本消息
func (c *Conn) send(ws *websocket.Conn, data []byte) error {
	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.conn != ws || ws == nil {
		return ErrDisconnected
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Subscribe 发送 REQ 并返回订阅
func (c *Conn) Subscribe(ctx context.Context, filter nostr.Filter) (Subscription, error) {
	ws, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		id:     uuid.NewString(),
		conn:   c,
		events: make(chan *nostr.Event, c.config.EventBuffer),
		eose:   make(chan struct{}),
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}

	c.mapsMu.Lock()
	c.subs[sub.id] = sub
	c.mapsMu.Unlock()

	req := nostr.ReqEnvelope{SubscriptionID: sub.id, Filters: nostr.Filters{filter}}
	data, err := req.MarshalJSON()
	if err != nil {
		c.dropSub(sub.id)
		return nil, fmt.Errorf("marshal REQ: %w", err)
	}
	if err := c.send(ws, data); err != nil {
		c.dropSub(sub.id)
		return nil, err
	}

	c.logger.Debug().Str("sub", sub.id).Msg("subscription opened")
	return sub, nil
}

// Publish 发送 EVENT 并等待 OK
func (c *Conn) Publish(ctx context.Context, evt *nostr.Event) (Ack, error) {
	ws, err := c.ensureConnected(ctx)
	if err != nil {
		return Ack{}, err
	}

	waiter := make(chan ackResult, 1)
	c.mapsMu.Lock()
	c.acks[evt.ID] = append(c.acks[evt.ID], waiter)
	c.mapsMu.Unlock()
	defer c.dropAck(evt.ID, waiter)

	env := nostr.EventEnvelope{Event: *evt}
	data, err := env.MarshalJSON()
	if err != nil {
		return Ack{}, fmt.Errorf("marshal EVENT: %w", err)
	}
	if err := c.send(ws, data); err != nil {
		return Ack{}, err
	}

	select {
	case res := <-waiter:
		return res.ack, res.err
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	case <-c.closeChan:
		return Ack{}, ErrConnClosed
	}
}

// readLoop 读取中继消息并分发给订阅/发布方
func (c *Conn) readLoop(ws *websocket.Conn) {
	defer c.disconnect(ws)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.closeChan:
				default:
					c.logger.Warn().Err(err).Msg("relay read error")
				}
			}
			return
		}
		c.handleMessage(data)
	}
}

// handleMessage 按 envelope 类型分发
func (c *Conn) handleMessage(data []byte) {
	switch env := nostr.ParseMessage(data).(type) {
	case *nostr.EventEnvelope:
		if env.SubscriptionID == nil {
			return
		}
		if sub := c.lookupSub(*env.SubscriptionID); sub != nil {
			evt := env.Event
			if !sub.deliver(&evt) {
				// 读循环同时承载 OK 帧，不能等慢消费者
				c.dropSub(sub.id)
				sub.fail(ErrSlowConsumer)
				go sub.Unsubscribe()
				c.logger.Warn().Str("sub", sub.id).Int("buffer", cap(sub.events)).Msg("subscription buffer full, dropped")
			}
		}

	case *nostr.EOSEEnvelope:
		if sub := c.lookupSub(string(*env)); sub != nil {
			sub.markEOSE()
		}

	case *nostr.ClosedEnvelope:
		if sub := c.lookupSub(env.SubscriptionID); sub != nil {
			c.dropSub(sub.id)
			sub.fail(&ClosedError{Reason: env.Reason})
		}

	case *nostr.OKEnvelope:
		c.resolveAck(env.EventID, ackResult{ack: Ack{OK: env.OK, Reason: env.Reason}})

	case *nostr.NoticeEnvelope:
		c.logger.Info().Str("notice", string(*env)).Msg("relay notice")

	case nil:
		c.logger.Debug().Int("bytes", len(data)).Msg("unparseable relay message")

	default:
		// AUTH / COUNT 等暂不处理
	}
}

// disconnect 在读循环退出时清理连接，并通知所有订阅和发布方
func (c *Conn) disconnect(ws *websocket.Conn) {
	c.connLock.Lock()
	if c.conn == ws {
		c.conn = nil
	}
	c.connLock.Unlock()
	_ = ws.Close()

	c.mapsMu.Lock()
	subs := c.subs
	acks := c.acks
	c.subs = make(map[string]*subscription)
	c.acks = make(map[string][]chan ackResult)
	c.mapsMu.Unlock()

	for _, sub := range subs {
		sub.fail(ErrDisconnected)
	}
	for _, waiters := range acks {
		for _, w := range waiters {
			select {
			case w <- ackResult{err: ErrDisconnected}:
			default:
			}
		}
	}
	c.logger.Info().Int("subs", len(subs)).Msg("relay disconnected")
}

// pingLoop 定期发送 ping 保持连接
func (c *Conn) pingLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-ticker.C:
			c.connLock.Lock()
			if c.conn != ws {
				c.connLock.Unlock()
				return
			}
			err := ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			c.connLock.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
			}
		}
	}
}

func (c *Conn) lookupSub(id string) *subscription {
	c.mapsMu.Lock()
	defer c.mapsMu.Unlock()
	return c.subs[id]
}

func (c *Conn) dropSub(id string) {
	c.mapsMu.Lock()
	delete(c.subs, id)
	c.mapsMu.Unlock()
}

func (c *Conn) resolveAck(eventID string, res ackResult) {
	c.mapsMu.Lock()
	waiters := c.acks[eventID]
	delete(c.acks, eventID)
	c.mapsMu.Unlock()

	for _, w := range waiters {
		select {
		case w <- res:
		default:
		}
	}
}

func (c *Conn) dropAck(eventID string, waiter chan ackResult) {
	c.mapsMu.Lock()
	defer c.mapsMu.Unlock()

	waiters := c.acks[eventID]
	for i, w := range waiters {
		if w == waiter {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(c.acks, eventID)
	} else {
		c.acks[eventID] = waiters
	}
}

// unsubscribe 发送 CLOSE 并移除订阅
func (c *Conn) unsubscribe(id string) {
	c.dropSub(id)

	c.connLock.Lock()
	ws := c.conn
	c.connLock.Unlock()
	if ws == nil {
		return
	}

	closeEnv := nostr.CloseEnvelope(id)
	data, err := closeEnv.MarshalJSON()
	if err != nil {
		return
	}
	if err := c.send(ws, data); err != nil {
		c.logger.Debug().Err(err).Str("sub", id).Msg("send CLOSE failed")
	}
}

// Close 关闭连接，之后不再重连
func (c *Conn) Close() error {
	var closeErr error

	c.closeOnce.Do(func() {
		close(c.closeChan)

		c.connLock.Lock()
		ws := c.conn
		c.conn = nil
		if ws != nil {
			_ = ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			closeErr = ws.Close()
		}
		c.connLock.Unlock()
	})

	return closeErr
}

// Done 返回一个在 Close 后关闭的 channel
func (c *Conn) Done() <-chan struct{} {
	return c.closeChan
}

// subscription 是 Conn 上的一个 REQ
type subscription struct {
	id   string
	conn *Conn

	events chan *nostr.Event
	eose   chan struct{}
	errCh  chan error
	done   chan struct{}

	eoseOnce sync.Once
	errOnce  sync.Once
	doneOnce sync.Once
}

func (s *subscription) Events() <-chan *nostr.Event { return s.events }
func (s *subscription) EOSE() <-chan struct{}       { return s.eose }
func (s *subscription) Err() <-chan error           { return s.errCh }

// deliver 由读循环调用，从不阻塞；缓冲已满时返回 false
func (s *subscription) deliver(evt *nostr.Event) bool {
	select {
	case s.events <- evt:
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscription) markEOSE() {
	s.eoseOnce.Do(func() { close(s.eose) })
}

func (s *subscription) fail(err error) {
	s.errOnce.Do(func() { s.errCh <- err })
}

func (s *subscription) Unsubscribe() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.conn.unsubscribe(s.id)
	})
}
