// sse.go — 每会话一条 SSE 连接的通道实现。发送走 HTTP POST。
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multi-agent/go-chat-core/internal/event"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
	"github.com/multi-agent/go-chat-core/pkg/logger"
	"github.com/multi-agent/go-chat-core/pkg/util"
)

// sseDoneSentinel 部分后端以 data: [DONE] 结束流。
const sseDoneSentinel = "[DONE]"

// SSEOptions SSE 通道配置。
type SSEOptions struct {
	BaseURL        string
	Client         *http.Client
	Header         http.Header
	ReconnectDelay time.Duration
}

// SSEChannel 每会话独立连接的通道。
type SSEChannel struct {
	opts SSEOptions
	hub  *Hub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	mu        sync.Mutex
	streams   map[string]*sseStream
	connected int
}

// sseStream 单个会话的流。cancel 结束整个流; abortAttempt 只结束当前连接。
type sseStream struct {
	cancel context.CancelFunc

	mu           sync.Mutex
	abortAttempt context.CancelFunc
	aborted      bool
	live         bool
}

// NewSSEChannel 创建通道。
func NewSSEChannel(opts SSEOptions) *SSEChannel {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	ctx, cancel := context.WithCancel(context.Background())
	return &SSEChannel{
		opts:    opts,
		hub:     NewHub(),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]*sseStream),
	}
}

// Subscribe 实现 Channel。会话的第一个订阅者触发建连。
func (c *SSEChannel) Subscribe(conversationID string, h Handler) func() {
	id, first := c.hub.Add(conversationID, h)
	if first && !c.closed.Load() {
		c.startStream(conversationID)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if last, _ := c.hub.Remove(conversationID, id); last {
				c.stopStream(conversationID)
			}
		})
	}
}

// Send 实现 Channel: POST {base}/conversations/{id}/messages。
func (c *SSEChannel) Send(ctx context.Context, conversationID string, p event.SendPayload) error {
	const op = "SSEChannel.Send"
	if c.closed.Load() {
		return pkgerr.WithCode(pkgerr.ErrClosed, op, pkgerr.CodeTransport, "channel closed")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return pkgerr.Wrap(err, op, "marshal payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.conversationURL(conversationID, "messages"), bytes.NewReader(body))
	if err != nil {
		return pkgerr.Wrap(err, op, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyHeader(req)

	resp, err := c.opts.Client.Do(req)
	if err != nil {
		return pkgerr.WithCode(err, op, pkgerr.CodeTransport, "post message")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 != 2 {
		return pkgerr.WithCode(fmt.Errorf("status %d", resp.StatusCode), op, pkgerr.CodeTransport, "post message rejected")
	}
	return nil
}

// Abort 实现 Channel: 断开会话当前连接, 投递 Closed, 随后按间隔重新订阅。
func (c *SSEChannel) Abort(conversationID string) {
	c.mu.Lock()
	s := c.streams[conversationID]
	c.mu.Unlock()
	if s != nil {
		s.mu.Lock()
		s.aborted = true
		if s.abortAttempt != nil {
			s.abortAttempt()
		}
		s.mu.Unlock()
	}
	c.hub.Deliver(conversationID, event.Closed{})
}

// State 实现 Channel: 任一会话已连接即为 connected。
func (c *SSEChannel) State() ConnState { return c.hub.State() }

// OnStateChange 实现 Channel。
func (c *SSEChannel) OnStateChange(fn func(ConnState)) func() { return c.hub.OnStateChange(fn) }

// Close 实现 Channel。幂等。
func (c *SSEChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.hub.SetState(StateClosed)
	return nil
}

// ========================================
// 流生命周期
// ========================================

func (c *SSEChannel) startStream(conversationID string) {
	ctx, cancel := context.WithCancel(c.ctx)
	s := &sseStream{cancel: cancel}
	c.mu.Lock()
	if prev := c.streams[conversationID]; prev != nil {
		prev.cancel()
	}
	c.streams[conversationID] = s
	c.mu.Unlock()

	c.wg.Add(1)
	util.SafeGoNamed("sse.stream", func() {
		defer c.wg.Done()
		c.runStream(ctx, conversationID, s)
	})
}

func (c *SSEChannel) stopStream(conversationID string) {
	c.mu.Lock()
	s := c.streams[conversationID]
	delete(c.streams, conversationID)
	c.mu.Unlock()
	if s != nil {
		s.cancel()
	}
}

// runStream 连接 → 读取 → 断线后投递 Closed 并重连, 直到退订或 Close。
func (c *SSEChannel) runStream(ctx context.Context, conversationID string, s *sseStream) {
	attempt := 0
	for ctx.Err() == nil {
		attempt++
		attemptCtx, abort := context.WithCancel(ctx)
		s.mu.Lock()
		s.abortAttempt = abort
		s.aborted = false
		s.mu.Unlock()

		err := c.readStream(attemptCtx, conversationID, attempt, s)
		abort()
		s.mu.Lock()
		wasLive := s.live
		s.live = false
		s.mu.Unlock()
		if wasLive {
			c.markDisconnected()
		}

		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		aborted := s.aborted
		s.mu.Unlock()
		if !aborted {
			// Abort 已在本地投递过 Closed
			logger.Warn("sse: stream lost",
				logger.FieldConversationID, conversationID,
				logger.FieldAttempt, attempt,
				logger.FieldError, err)
			c.hub.Deliver(conversationID, event.Closed{Err: err})
		}
		c.hub.SetState(StateReconnecting)
		if !sleepWithContext(ctx, c.opts.ReconnectDelay) {
			return
		}
	}
}

// readStream 建立单次连接并分发事件, 返回断开原因。
func (c *SSEChannel) readStream(ctx context.Context, conversationID string, attempt int, s *sseStream) error {
	const op = "SSEChannel.readStream"
	if attempt == 1 {
		c.hub.SetState(StateConnecting)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.conversationURL(conversationID, "events"), nil)
	if err != nil {
		return pkgerr.Wrap(err, op, "build request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.applyHeader(req)

	resp, err := c.opts.Client.Do(req)
	if err != nil {
		return pkgerr.WithCode(err, op, pkgerr.CodeTransport, "connect")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return pkgerr.WithCode(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), op, pkgerr.CodeTransport, "stream rejected")
	}

	s.mu.Lock()
	s.live = true
	s.mu.Unlock()
	c.markConnected()
	logger.Info("sse: connected", logger.FieldConversationID, conversationID, logger.FieldAttempt, attempt)

	err = ReadSSE(resp.Body, func(name string, data []byte) {
		frame, perr := parseSSEEvent(name, data)
		if perr != nil {
			logger.Warn("sse: malformed event skipped",
				logger.FieldConversationID, conversationID,
				logger.FieldError, perr,
				logger.FieldRaw, util.Truncate(string(data), 200))
			return
		}
		for _, ev := range frame.Events {
			c.hub.Deliver(conversationID, ev)
		}
	})
	if err == nil {
		err = io.EOF
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return pkgerr.WithCode(err, op, pkgerr.CodeTransport, "stream ended")
}

func (c *SSEChannel) markConnected() {
	c.mu.Lock()
	c.connected++
	c.mu.Unlock()
	c.hub.SetState(StateConnected)
}

func (c *SSEChannel) markDisconnected() {
	c.mu.Lock()
	c.connected--
	if c.connected < 0 {
		c.connected = 0
	}
	none := c.connected == 0
	c.mu.Unlock()
	if none && !c.closed.Load() {
		c.hub.SetState(StateIdle)
	}
}

func (c *SSEChannel) conversationURL(conversationID, leaf string) string {
	return c.opts.BaseURL + "/conversations/" + url.PathEscape(conversationID) + "/" + leaf
}

func (c *SSEChannel) applyHeader(req *http.Request) {
	for k, vs := range c.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// parseSSEEvent data 为 [DONE] 时视为 done; 具名事件在 data 缺少 type 时以事件名补全。
func parseSSEEvent(name string, data []byte) (event.Frame, error) {
	if strings.TrimSpace(string(data)) == sseDoneSentinel {
		return event.Frame{Events: []event.Event{event.Terminal{Reason: event.TerminalDone}}}, nil
	}
	frame, err := event.ParseFrame(data)
	if err == nil || name == "" || name == "message" {
		return frame, err
	}
	wrapped, merr := json.Marshal(sseWrapped(name, data))
	if merr != nil {
		return frame, err
	}
	return event.ParseFrame(wrapped)
}

type sseEnvelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// sseWrapped 以事件名补全 type; 非 JSON 的 data 作为 message。
func sseWrapped(name string, data []byte) sseEnvelope {
	if json.Valid(data) {
		return sseEnvelope{Type: name, Data: data}
	}
	return sseEnvelope{Type: name, Message: strings.TrimSpace(string(data))}
}

// ReadSSE 按 text/event-stream 规则读取事件: event: / data: 行, 空行分隔, : 开头为注释。
func ReadSSE(r io.Reader, fn func(name string, data []byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var name string
	var dataLines []string
	flush := func() {
		if len(dataLines) > 0 {
			fn(name, []byte(strings.Join(dataLines, "\n")))
		}
		name = ""
		dataLines = nil
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
	return scanner.Err()
}
