package model

import "time"

// TraceStatus 执行轨迹阶段。
type TraceStatus string

const (
	TraceStart    TraceStatus = "start"
	TraceProgress TraceStatus = "progress"
	TraceEnd      TraceStatus = "end"
	TraceError    TraceStatus = "error"
)

// Terminal 是否为终止阶段 (end / error)。
func (s TraceStatus) Terminal() bool { return s == TraceEnd || s == TraceError }

// Valid 是否为已知阶段。
func (s TraceStatus) Valid() bool {
	switch s {
	case TraceStart, TraceProgress, TraceEnd, TraceError:
		return true
	}
	return false
}

// ExecutionTrace 工具调用中某个子操作的一个阶段记录。
// 同一 TraceID 通常有一条 start 和一条 end/error。
type ExecutionTrace struct {
	TraceID    string      `json:"trace_id"`
	ToolCallID string      `json:"tool_call_id"`
	Tool       string      `json:"tool"`
	Operation  string      `json:"operation,omitempty"`
	Status     TraceStatus `json:"status"`
	Label      string      `json:"label"`
	Timestamp  time.Time   `json:"timestamp"`
	DurationMS *int64      `json:"duration_ms,omitempty"`
}

// Conversation 会话元数据。PinSeq 非空表示已置顶, 数值越小越靠前。
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	PinSeq    *int64    `json:"pin_seq,omitempty"`
}

// Pinned 是否置顶。
func (c Conversation) Pinned() bool { return c.PinSeq != nil }
