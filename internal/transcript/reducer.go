// Package transcript 将入站事件折叠为有序消息列表。
//
// 状态: 消息列表 + gettingResponse 标志 + 待发送队列 (FIFO)。
// 所有修改都以 "新值替换旧元素" 的方式进行: 同一逻辑槽位 Key 不变, Revision 递增。
package transcript

import (
	"strings"
	"time"

	"github.com/multi-agent/go-chat-core/internal/event"
	"github.com/multi-agent/go-chat-core/internal/model"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
	"github.com/multi-agent/go-chat-core/pkg/logger"
)

// queueSeparator 合并排队消息时使用的分隔 (空行)。
const queueSeparator = "\n\n"

// Options reducer 配置。
type Options struct {
	// PositionalPairing 按 id / 名称都无法配对时, 允许与紧邻的前一条临时 tool_call 配对。
	PositionalPairing bool
	// Now 时钟, 测试可替换。
	Now func() time.Time
}

// Submission 一次提交的结果。
//
// Queued 为 true 时消息只进入队列, 无需发送。
// 否则调用方应发送 Payload, 发送失败时调用 Rollback。
type Submission struct {
	Payload event.SendPayload
	Queued  bool
	Text    string

	userKey, asstKey string
	userRev, asstRev int
	// restore 本次提交合并掉的排队批次, 回滚时放回队列
	restore [][]model.ContentItem
}

// Reducer 单个会话的转录状态机。非并发安全, 由持有者串行调用。
type Reducer struct {
	opts Options

	msgs            []model.Message
	gettingResponse bool
	accepting       bool
	queue           [][]model.ContentItem
	optimistic      *Submission
}

// New 创建空 reducer。
func New(opts Options) *Reducer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reducer{opts: opts, accepting: true}
}

// ========================================
// 只读访问
// ========================================

// Messages 返回消息列表副本。
func (r *Reducer) Messages() []model.Message {
	return append([]model.Message(nil), r.msgs...)
}

// GettingResponse 是否有响应在途。
func (r *Reducer) GettingResponse() bool { return r.gettingResponse }

// Queued 队列中的待发送条数。
func (r *Reducer) Queued() int { return len(r.queue) }

// Last 返回最后一条消息。
func (r *Reducer) Last() (model.Message, bool) {
	if len(r.msgs) == 0 {
		return model.Message{}, false
	}
	return r.msgs[len(r.msgs)-1], true
}

// ========================================
// 生命周期
// ========================================

// Load 用缓存中的消息重建状态。
func (r *Reducer) Load(msgs []model.Message) {
	r.msgs = append([]model.Message(nil), msgs...)
	r.gettingResponse = false
	r.accepting = true
	r.queue = nil
	r.optimistic = nil
}

// Reset 清空会话。
func (r *Reducer) Reset() { r.Load(nil) }

// Stop 用户中止: 结束在途响应并停止接收流内容。没有在途响应时不做任何事并返回 false。
func (r *Reducer) Stop() bool {
	if !r.gettingResponse {
		return false
	}
	r.endResponse()
	return true
}

func (r *Reducer) endResponse() {
	r.gettingResponse = false
	r.accepting = false
	r.optimistic = nil
}

// ========================================
// 提交与回滚
// ========================================

// Submit 提交用户输入。
//
// 响应在途时入队; 否则立即追加用户消息和空的助手占位消息, 并返回待发送载荷。
// 之前因断线遗留的队列内容会合并到本次提交的前面。
func (r *Reducer) Submit(items []model.ContentItem) (*Submission, error) {
	if !model.AllSubmittable(items) {
		return nil, pkgerr.Wrap(pkgerr.ErrNotSubmittable, "Transcript.Submit", "empty input or upload in progress")
	}
	if r.gettingResponse {
		r.queue = append(r.queue, append([]model.ContentItem(nil), items...))
		return &Submission{Queued: true, Text: joinText(items)}, nil
	}
	if len(r.queue) == 0 {
		return r.submit(items)
	}
	drained := r.queue
	sub, err := r.submit(mergeQueued(append(append([][]model.ContentItem(nil), drained...), items)))
	if err != nil {
		return nil, err
	}
	r.queue = nil
	sub.restore = drained
	return sub, nil
}

func (r *Reducer) submit(items []model.ContentItem) (*Submission, error) {
	payload, err := event.UserPayload(items)
	if err != nil {
		return nil, err
	}
	now := r.opts.Now()

	user := model.Message{Key: model.NewKey(), Revision: 1, Role: model.RoleUser, CreatedAt: now}
	if len(items) == 1 && items[0].IsText() {
		user.Text = items[0].Text
	} else {
		user.Items = append([]model.ContentItem(nil), items...)
	}
	asst := model.Message{Key: model.NewKey(), Revision: 1, Role: model.RoleAssistant, CreatedAt: now}
	r.msgs = append(r.msgs, user, asst)

	r.gettingResponse = true
	r.accepting = true
	sub := &Submission{
		Payload: payload,
		Text:    joinText(items),
		userKey: user.Key, userRev: user.Revision,
		asstKey: asst.Key, asstRev: asst.Revision,
	}
	r.optimistic = sub
	return sub, nil
}

// Rollback 发送失败时撤销 sub 追加的用户消息与占位消息, 并把合并进来的排队批次放回队首。
// 仅当二者均未被修改且之后没有流事件到达时生效。
func (r *Reducer) Rollback(sub *Submission) bool {
	if sub == nil || sub.Queued || r.optimistic != sub {
		return false
	}
	ui, ai := r.indexOf(sub.userKey), r.indexOf(sub.asstKey)
	if ui < 0 || ai < 0 || r.msgs[ui].Revision != sub.userRev || r.msgs[ai].Revision != sub.asstRev {
		return false
	}
	kept := make([]model.Message, 0, len(r.msgs)-2)
	for i, m := range r.msgs {
		if i != ui && i != ai {
			kept = append(kept, m)
		}
	}
	r.msgs = kept
	if len(sub.restore) > 0 {
		r.queue = append(append([][]model.ContentItem(nil), sub.restore...), r.queue...)
	}
	r.endResponse()
	r.accepting = true
	return true
}

// ========================================
// 事件折叠
// ========================================

// Apply 折叠一个事件。Terminal 且队列非空时返回自动重新提交的 Submission。
func (r *Reducer) Apply(ev event.Event) *Submission {
	switch e := ev.(type) {
	case event.TextDelta:
		if r.acceptContent(ev) {
			r.appendAssistant(e.Text, "")
		}
	case event.ReasoningDelta:
		if r.acceptContent(ev) {
			r.appendAssistant("", e.Text)
		}
	case event.ToolCallAnnounced:
		if r.acceptContent(ev) {
			r.announceCall(e)
		}
	case event.ToolResultAnnounced:
		if r.acceptContent(ev) {
			r.announceResult(e)
		}
	case event.Terminal:
		r.endResponse()
		return r.flushQueue()
	case event.Closed:
		r.endResponse()
	case event.Trace:
		// 轨迹由 trace 聚合器处理
	}
	return nil
}

func (r *Reducer) acceptContent(ev event.Event) bool {
	if !r.accepting {
		logger.Debug("transcript: late event dropped", logger.FieldEventType, string(ev.Kind()))
		return false
	}
	r.optimistic = nil
	return true
}

func (r *Reducer) flushQueue() *Submission {
	if len(r.queue) == 0 {
		return nil
	}
	drained := r.queue
	sub, err := r.submit(mergeQueued(drained))
	if err != nil {
		logger.Warn("transcript: queued resubmit rejected", logger.FieldError, err)
		return nil
	}
	r.queue = nil
	sub.restore = drained
	return sub
}

// appendAssistant 追加到末尾助手消息 (替换为新值), 末尾不是助手消息时新建。
func (r *Reducer) appendAssistant(text, reasoning string) {
	last, ok := r.Last()
	if !ok || last.Role != model.RoleAssistant {
		r.msgs = append(r.msgs, model.Message{
			Key:       model.NewKey(),
			Revision:  1,
			Role:      model.RoleAssistant,
			Text:      text,
			Reasoning: reasoning,
			CreatedAt: r.opts.Now(),
		})
		return
	}
	next := last
	next.Revision++
	next.Reasoning += reasoning
	if text != "" {
		if len(last.Items) > 0 {
			next.Items = appendItemText(last.Items, text)
		} else {
			next.Text += text
		}
	}
	r.msgs[len(r.msgs)-1] = next
}

func (r *Reducer) announceCall(e event.ToolCallAnnounced) {
	id := e.ID
	if id == "" {
		id = model.NewTempToolCallID()
	} else if !model.IsTemporaryToolCallID(id) && r.findCall(id) >= 0 {
		// 重放的同一调用
		return
	}
	r.msgs = append(r.msgs, model.Message{
		Key:       model.NewKey(),
		Revision:  1,
		Role:      model.RoleToolCall,
		ToolCall:  &model.ToolCallContent{Name: e.Name, Args: e.Args, ToolCallID: id},
		CreatedAt: r.opts.Now(),
	})
}

// announceResult 配对顺序: 精确 id → 同名最近临时调用 → 紧邻临时调用 (可选) → 孤立结果。
func (r *Reducer) announceResult(e event.ToolResultAnnounced) {
	finalID := e.ID
	idx := -1
	if e.ID != "" {
		idx = r.findCall(e.ID)
	}
	if idx < 0 {
		idx = r.findTempCallByName(e.Name)
	}
	if idx < 0 && r.opts.PositionalPairing {
		if last, ok := r.Last(); ok && isCall(last) && last.ToolCall.Temporary() && !r.hasResult(last.ToolCall.ToolCallID) {
			idx = len(r.msgs) - 1
		}
	}

	if idx >= 0 {
		call := r.msgs[idx]
		if finalID == "" {
			finalID = call.ToolCall.ToolCallID
		} else if call.ToolCall.ToolCallID != finalID {
			r.rewriteCallID(idx, finalID)
		}
	} else {
		logger.Debug("transcript: orphan tool result",
			logger.FieldToolName, e.Name,
			logger.FieldToolCallID, e.ID)
	}

	r.msgs = append(r.msgs, model.Message{
		Key:        model.NewKey(),
		Revision:   1,
		Role:       model.RoleToolResult,
		ToolResult: &model.ToolResultContent{Name: e.Name, Content: e.Content, ToolCallID: finalID},
		CreatedAt:  r.opts.Now(),
	})
}

// rewriteCallID 在原槽位上替换 tool_call 的 id。
func (r *Reducer) rewriteCallID(idx int, id string) {
	old := r.msgs[idx]
	tc := *old.ToolCall
	tc.ToolCallID = id
	next := old
	next.ToolCall = &tc
	next.Revision++
	r.msgs[idx] = next
}

func (r *Reducer) findCall(id string) int {
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if m := r.msgs[i]; isCall(m) && m.ToolCall.ToolCallID == id {
			return i
		}
	}
	return -1
}

func (r *Reducer) findTempCallByName(name string) int {
	for i := len(r.msgs) - 1; i >= 0; i-- {
		m := r.msgs[i]
		if isCall(m) && m.ToolCall.Name == name && m.ToolCall.Temporary() && !r.hasResult(m.ToolCall.ToolCallID) {
			return i
		}
	}
	return -1
}

func (r *Reducer) hasResult(id string) bool {
	for _, m := range r.msgs {
		if m.Role == model.RoleToolResult && m.ToolResult != nil && m.ToolResult.ToolCallID == id {
			return true
		}
	}
	return false
}

func (r *Reducer) indexOf(key string) int {
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].Key == key {
			return i
		}
	}
	return -1
}

// ========================================
// 辅助
// ========================================

func isCall(m model.Message) bool { return m.Role == model.RoleToolCall && m.ToolCall != nil }

// mergeQueued 合并多次排队的输入: 文本以空行连接成一项, 附件按原顺序跟随其后。
func mergeQueued(batches [][]model.ContentItem) []model.ContentItem {
	var texts []string
	var media []model.ContentItem
	for _, items := range batches {
		if t := joinText(items); t != "" {
			texts = append(texts, t)
		}
		for _, it := range items {
			if !it.IsText() {
				media = append(media, it)
			}
		}
	}
	out := make([]model.ContentItem, 0, 1+len(media))
	if len(texts) > 0 {
		out = append(out, model.TextItem(strings.Join(texts, queueSeparator)))
	}
	return append(out, media...)
}

func joinText(items []model.ContentItem) string {
	var parts []string
	for _, it := range items {
		if it.IsText() && strings.TrimSpace(it.Text) != "" {
			parts = append(parts, it.Text)
		}
	}
	return strings.Join(parts, queueSeparator)
}

func appendItemText(items []model.ContentItem, text string) []model.ContentItem {
	out := append([]model.ContentItem(nil), items...)
	if n := len(out); n > 0 && out[n-1].IsText() {
		out[n-1].Text += text
		return out
	}
	return append(out, model.TextItem(text))
}
