// Package event 定义入站事件的封闭集合, 以及两种线格式到该集合的一次性解析。
//
// 上游 (传输层) 只调用 ParseFrame; 下游 (reducer / aggregator) 只对 Event 做类型分派,
// 不再探测原始字段。
package event

import (
	"encoding/json"

	"github.com/multi-agent/go-chat-core/internal/model"
)

// Kind 事件类别, 用于日志与调试。
type Kind string

const (
	KindTextDelta      Kind = "text_delta"
	KindReasoningDelta Kind = "reasoning_delta"
	KindToolCall       Kind = "tool_call_announced"
	KindToolResult     Kind = "tool_result_announced"
	KindTrace          Kind = "execution_trace"
	KindTerminal       Kind = "terminal"
	KindClosed         Kind = "closed"
)

// Event 入站事件。实现者仅限本包内定义的类型。
type Event interface {
	Kind() Kind
	sealed()
}

// TextDelta 助手文本增量。
type TextDelta struct{ Text string }

// ReasoningDelta 推理文本增量。
type ReasoningDelta struct{ Text string }

// ToolCallAnnounced 工具调用公告。ID 为空表示服务端尚未分配。
type ToolCallAnnounced struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolResultAnnounced 工具结果公告。
type ToolResultAnnounced struct {
	ID      string
	Name    string
	Content string
}

// Trace 一条执行轨迹。
type Trace struct{ model.ExecutionTrace }

// TerminalReason 终止原因。
type TerminalReason string

const (
	TerminalDone    TerminalReason = "done"
	TerminalStopped TerminalReason = "stopped"
	TerminalError   TerminalReason = "error"
)

// Terminal 服务端终止信号。
type Terminal struct {
	Reason  TerminalReason
	Message string
}

// Closed 传输层断开 (由通道合成, 不来自服务端)。Err 为 nil 表示主动中止。
type Closed struct{ Err error }

func (TextDelta) Kind() Kind           { return KindTextDelta }
func (ReasoningDelta) Kind() Kind      { return KindReasoningDelta }
func (ToolCallAnnounced) Kind() Kind   { return KindToolCall }
func (ToolResultAnnounced) Kind() Kind { return KindToolResult }
func (Trace) Kind() Kind               { return KindTrace }
func (Terminal) Kind() Kind            { return KindTerminal }
func (Closed) Kind() Kind              { return KindClosed }

func (TextDelta) sealed()           {}
func (ReasoningDelta) sealed()      {}
func (ToolCallAnnounced) sealed()   {}
func (ToolResultAnnounced) sealed() {}
func (Trace) sealed()               {}
func (Terminal) sealed()            {}
func (Closed) sealed()              {}

// EndsResponse 是否结束当前响应 (Terminal 或 Closed)。
func EndsResponse(ev Event) bool {
	switch ev.(type) {
	case Terminal, Closed:
		return true
	}
	return false
}

// Frame 一个入站帧解析结果。一帧可包含多个事件, 顺序即线上顺序。
type Frame struct {
	ConversationID string
	Events         []Event
}
