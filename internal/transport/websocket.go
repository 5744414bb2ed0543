// websocket.go — 多路复用 WebSocket 通道: 懒连接、固定间隔重连、ping 保活。
package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/multi-agent/go-chat-core/internal/event"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
	"github.com/multi-agent/go-chat-core/pkg/logger"
	"github.com/multi-agent/go-chat-core/pkg/util"
)

const (
	defaultReconnectDelay = 2 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultPingInterval   = 25 * time.Second
	wsWriteTimeout        = 10 * time.Second
)

// 出站帧类型。
const (
	wsFrameMessage = "message"
	wsFrameStop    = "stop"
)

type wsOutbound struct {
	Type           string                 `json:"type"`
	ConversationID string                 `json:"conversation_id"`
	Message        *event.OutboundMessage `json:"message,omitempty"`
}

// WSOptions WebSocket 通道配置。
type WSOptions struct {
	URL            string
	Header         http.Header
	DialTimeout    time.Duration
	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

// WSChannel 单连接多路复用通道。
type WSChannel struct {
	opts WSOptions
	hub  *Hub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
	closed atomic.Bool

	wake chan struct{}

	connMu       sync.Mutex
	conn         *websocket.Conn
	connReady    chan struct{}       // 下一次连接建立时关闭
	pendingStops map[string]struct{} // 未连接期间的 Abort, 建连后补发

	writeMu sync.Mutex
}

// NewWSChannel 创建通道。连接在首次订阅时建立。
func NewWSChannel(opts WSOptions) *WSChannel {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSChannel{
		opts:      opts,
		hub:       NewHub(),
		ctx:       ctx,
		cancel:    cancel,
		wake:         make(chan struct{}, 1),
		connReady:    make(chan struct{}),
		pendingStops: make(map[string]struct{}),
	}
}

// Subscribe 实现 Channel。
func (c *WSChannel) Subscribe(conversationID string, h Handler) func() {
	id, _ := c.hub.Add(conversationID, h)
	if !c.closed.Load() {
		c.start.Do(func() {
			c.wg.Add(1)
			util.SafeGoNamed("ws.run", func() {
				defer c.wg.Done()
				c.run()
			})
		})
		c.signal()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if _, total := c.hub.Remove(conversationID, id); total == 0 {
				// 无订阅者: 断开且不重连
				c.dropConn(nil)
			}
		})
	}
}

// Send 实现 Channel。连接尚未就绪时等待至 ctx 结束。
func (c *WSChannel) Send(ctx context.Context, conversationID string, p event.SendPayload) error {
	const op = "WSChannel.Send"
	if c.closed.Load() {
		return pkgerr.WithCode(pkgerr.ErrClosed, op, pkgerr.CodeTransport, "channel closed")
	}
	conn, err := c.waitConn(ctx)
	if err != nil {
		return pkgerr.WithCode(err, op, pkgerr.CodeTransport, "no connection")
	}
	msg := p.Message
	if err := c.write(conn, wsOutbound{Type: wsFrameMessage, ConversationID: conversationID, Message: &msg}); err != nil {
		return pkgerr.WithCode(err, op, pkgerr.CodeTransport, "write frame")
	}
	return nil
}

// Abort 实现 Channel: 发送 stop 帧并在本地投递 Closed。
// 尚未连接时 stop 帧记入待发集合, 在下一次建连后立即补发。
func (c *WSChannel) Abort(conversationID string) {
	c.connMu.Lock()
	conn := c.conn
	if conn == nil && !c.closed.Load() {
		c.pendingStops[conversationID] = struct{}{}
	}
	c.connMu.Unlock()

	if conn != nil {
		c.sendStop(conn, conversationID)
	} else {
		logger.Info("ws: stop deferred until connected", logger.FieldConversationID, conversationID)
	}
	c.hub.Deliver(conversationID, event.Closed{})
}

func (c *WSChannel) sendStop(conn *websocket.Conn, conversationID string) {
	if err := c.write(conn, wsOutbound{Type: wsFrameStop, ConversationID: conversationID}); err != nil {
		logger.Warn("ws: stop frame failed", logger.FieldConversationID, conversationID, logger.FieldError, err)
	}
}

// State 实现 Channel。
func (c *WSChannel) State() ConnState { return c.hub.State() }

// OnStateChange 实现 Channel。
func (c *WSChannel) OnStateChange(fn func(ConnState)) func() { return c.hub.OnStateChange(fn) }

// Close 实现 Channel。幂等。
func (c *WSChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.dropConn(nil)
	c.wg.Wait()
	c.hub.SetState(StateClosed)
	return nil
}

// ========================================
// 连接生命周期
// ========================================

func (c *WSChannel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// run 连接管理循环: 有订阅者时建连, 断线后投递 Closed 并按固定间隔重连。
func (c *WSChannel) run() {
	attempt := 0
	for c.ctx.Err() == nil {
		if c.hub.Count() == 0 {
			c.hub.SetState(StateIdle)
			select {
			case <-c.wake:
				continue
			case <-c.ctx.Done():
				return
			}
		}

		attempt++
		if attempt == 1 {
			c.hub.SetState(StateConnecting)
		} else {
			c.hub.SetState(StateReconnecting)
		}
		conn, err := c.dial()
		if err != nil {
			logger.Warn("ws: dial failed",
				logger.FieldURL, c.opts.URL,
				logger.FieldAttempt, attempt,
				logger.FieldError, err)
			if attempt == 1 {
				// 首次建连失败: 让等待中的会话退出流式状态
				c.hub.Broadcast(event.Closed{Err: err})
			}
			if !sleepWithContext(c.ctx, c.opts.ReconnectDelay) {
				return
			}
			continue
		}

		for _, id := range c.setConn(conn) {
			c.sendStop(conn, id)
		}
		if c.hub.Count() == 0 {
			// 建连期间最后一个订阅者已退订
			logger.Info("ws: connected with no subscribers, dropping", logger.FieldURL, c.opts.URL)
			c.dropConn(conn)
			attempt = 0
			continue
		}
		c.hub.SetState(StateConnected)
		logger.Info("ws: connected", logger.FieldURL, c.opts.URL, logger.FieldAttempt, attempt)
		attempt = 0

		pingDone := make(chan struct{})
		c.wg.Add(1)
		util.SafeGoNamed("ws.ping", func() {
			defer c.wg.Done()
			c.pingLoop(conn, pingDone)
		})
		readErr := c.readLoop(conn)
		close(pingDone)
		c.dropConn(conn)

		if c.ctx.Err() != nil {
			return
		}
		if c.hub.Count() == 0 {
			logger.Info("ws: disconnected with no subscribers", logger.FieldURL, c.opts.URL)
			continue
		}

		logger.Warn("ws: connection lost",
			logger.FieldURL, c.opts.URL,
			logger.FieldDelayMS, c.opts.ReconnectDelay.Milliseconds(),
			logger.FieldError, readErr)
		c.hub.Broadcast(event.Closed{Err: readErr})
		c.hub.SetState(StateReconnecting)
		if !sleepWithContext(c.ctx, c.opts.ReconnectDelay) {
			return
		}
		attempt = 1
	}
}

func (c *WSChannel) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.DialTimeout,
		NetDialContext:   (&net.Dialer{Timeout: c.opts.DialTimeout}).DialContext,
	}
	conn, _, err := dialer.DialContext(c.ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return nil, pkgerr.Wrap(err, "WSChannel.dial", "ws connect")
	}
	idle := 2*c.opts.PingInterval + wsWriteTimeout
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})
	return conn, nil
}

// readLoop 读取并分发帧, 直到连接出错。
func (c *WSChannel) readLoop(conn *websocket.Conn) error {
	idle := 2*c.opts.PingInterval + wsWriteTimeout
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		frame, err := event.ParseFrame(raw)
		if err != nil {
			logger.Warn("ws: malformed frame skipped",
				logger.FieldError, err,
				logger.FieldLen, len(raw),
				logger.FieldRaw, util.Truncate(string(raw), 200))
			continue
		}
		c.dispatch(frame)
	}
}

// dispatch 按 conversation_id 投递。缺少 id 时仅在恰有一个会话订阅时投递给它。
func (c *WSChannel) dispatch(frame event.Frame) {
	convID := frame.ConversationID
	if convID == "" {
		convs := c.hub.Conversations()
		if len(convs) != 1 {
			logger.Warn("ws: frame without conversation_id dropped", logger.FieldCount, len(convs))
			return
		}
		convID = convs[0]
	}
	for _, ev := range frame.Events {
		c.hub.Deliver(convID, ev)
	}
}

func (c *WSChannel) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *WSChannel) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

// ========================================
// 连接持有
// ========================================

// setConn 设置当前连接并取走待补发的 stop 会话。
func (c *WSChannel) setConn(conn *websocket.Conn) []string {
	c.connMu.Lock()
	c.conn = conn
	ready := c.connReady
	c.connReady = make(chan struct{})
	stops := make([]string, 0, len(c.pendingStops))
	for id := range c.pendingStops {
		stops = append(stops, id)
	}
	clear(c.pendingStops)
	c.connMu.Unlock()
	close(ready)
	return stops
}

// dropConn 关闭并清除连接。target 非 nil 时仅当仍为当前连接才清除。
func (c *WSChannel) dropConn(target *websocket.Conn) {
	c.connMu.Lock()
	conn := c.conn
	if target != nil && conn != target {
		c.connMu.Unlock()
		_ = target.Close()
		return
	}
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// waitConn 返回当前连接; 尚未连接时等待下一次建连。
func (c *WSChannel) waitConn(ctx context.Context) (*websocket.Conn, error) {
	for {
		c.connMu.Lock()
		conn, ready := c.conn, c.connReady
		c.connMu.Unlock()
		if conn != nil {
			return conn, nil
		}
		if c.hub.Count() == 0 {
			return nil, pkgerr.ErrNotConnected
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, pkgerr.Wrap(pkgerr.ErrNotConnected, "WSChannel.waitConn", ctx.Err().Error())
		case <-c.ctx.Done():
			return nil, pkgerr.ErrClosed
		}
	}
}
