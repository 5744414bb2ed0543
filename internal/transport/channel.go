// Package transport 抽象每个会话的双工事件流。
//
// 两种实现对上层等价:
//   - WSChannel: 一条 WebSocket 连接多路复用全部会话 (帧内带 conversation_id)
//   - SSEChannel: 每个会话一条 SSE 连接, 发送走 HTTP POST
//
// 共同约定:
//   - 同一会话的事件按到达顺序、在读 goroutine 中同步投递
//   - 无法解析的帧记录日志后跳过
//   - 意外断线时先向受影响会话投递 event.Closed, 再按固定间隔重连
//   - 仅在仍有订阅者时重连; 最后一个订阅者退订或 Close 后不再重连
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/multi-agent/go-chat-core/internal/event"
)

// Handler 事件回调。在读 goroutine 中同步调用, 不应长时间阻塞。
type Handler func(event.Event)

// ConnState 连接状态。
type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)

// Channel 传输通道。
type Channel interface {
	// Subscribe 订阅会话事件, 返回幂等的退订函数。
	Subscribe(conversationID string, h Handler) (unsubscribe func())
	// Send 发送用户消息。
	Send(ctx context.Context, conversationID string, p event.SendPayload) error
	// Abort 中止会话的在途响应, 并向订阅者投递 event.Closed。
	Abort(conversationID string)
	// State 当前连接状态 (SSE 为各会话连接的汇总)。
	State() ConnState
	// OnStateChange 注册状态变化回调, 返回注销函数。
	OnStateChange(fn func(ConnState)) (remove func())
	// Close 关闭通道。之后的 Send 返回 ErrClosed。
	Close() error
}

// ========================================
// Hub: 订阅者注册表 (两种实现共用)
// ========================================

// Hub 会话 → 订阅者集合, 以及连接状态广播。
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64

	stateMu   sync.RWMutex
	state     ConnState
	listeners map[uint64]func(ConnState)
	nextLisID uint64
}

// NewHub 创建 Hub。
func NewHub() *Hub {
	return &Hub{
		subs:      make(map[string]map[uint64]Handler),
		state:     StateIdle,
		listeners: make(map[uint64]func(ConnState)),
	}
}

// Add 注册订阅者。firstForConv 表示该会话此前没有订阅者。
func (h *Hub) Add(conversationID string, fn Handler) (id uint64, firstForConv bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[uint64]Handler)
		h.subs[conversationID] = set
	}
	set[h.nextID] = fn
	return h.nextID, !ok
}

// Remove 注销订阅者。返回该会话是否已无订阅者, 以及剩余订阅者总数。
func (h *Hub) Remove(conversationID string, id uint64) (lastForConv bool, total int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[conversationID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(h.subs, conversationID)
			lastForConv = true
		}
	}
	for _, set := range h.subs {
		total += len(set)
	}
	return lastForConv, total
}

// Has 会话是否有订阅者。
func (h *Hub) Has(conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID]) > 0
}

// Count 订阅者总数。
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Conversations 当前有订阅者的会话。
func (h *Hub) Conversations() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.subs))
	for id := range h.subs {
		out = append(out, id)
	}
	return out
}

// Deliver 向会话订阅者投递事件。在锁外调用回调, 回调内可安全退订。
func (h *Hub) Deliver(conversationID string, ev event.Event) int {
	h.mu.RLock()
	set := h.subs[conversationID]
	handlers := make([]Handler, 0, len(set))
	for _, fn := range set {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
	return len(handlers)
}

// Broadcast 向所有会话投递事件。
func (h *Hub) Broadcast(ev event.Event) {
	for _, id := range h.Conversations() {
		h.Deliver(id, ev)
	}
}

// State 当前状态。
func (h *Hub) State() ConnState {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.state
}

// SetState 更新状态, 变化时通知监听者。
func (h *Hub) SetState(s ConnState) {
	h.stateMu.Lock()
	if h.state == s {
		h.stateMu.Unlock()
		return
	}
	h.state = s
	fns := make([]func(ConnState), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.stateMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// OnStateChange 注册状态监听。
func (h *Hub) OnStateChange(fn func(ConnState)) func() {
	h.stateMu.Lock()
	h.nextLisID++
	id := h.nextLisID
	h.listeners[id] = fn
	h.stateMu.Unlock()
	return func() {
		h.stateMu.Lock()
		delete(h.listeners, id)
		h.stateMu.Unlock()
	}
}

// sleepWithContext 等待 delay 或 ctx 结束。返回 false 表示 ctx 已结束。
func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
