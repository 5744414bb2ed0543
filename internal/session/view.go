package session

import (
	"time"

	"github.com/multi-agent/go-chat-core/internal/model"
	"github.com/multi-agent/go-chat-core/internal/trace"
	"github.com/multi-agent/go-chat-core/internal/transcript"
)

// RenderedMessage 渲染方消费的消息。
//
// Rendered 对流式中的助手消息为已刷新前缀, 其他消息为完整文本。
type RenderedMessage struct {
	Message   model.Message `json:"message"`
	Rendered  string        `json:"rendered"`
	Streaming bool          `json:"streaming"`
}

// Notice 可关闭的提示 (传输错误、发送失败等)。
type Notice struct {
	ID      int       `json:"id"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// View 当前会话的只读视图。
type View struct {
	ConversationID  string                              `json:"conversation_id"`
	Messages        []RenderedMessage                   `json:"messages"`
	Pairs           []transcript.ToolPair               `json:"pairs"`
	GettingResponse bool                                `json:"getting_response"`
	Queued          int                                 `json:"queued"`
	Operations      map[string][]trace.OperationDisplay `json:"operations"`
	Timelines       map[string]trace.Timeline           `json:"timelines"`
	Notices         []Notice                            `json:"notices"`
}
