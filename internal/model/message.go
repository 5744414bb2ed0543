// Package model 定义聊天核心的数据模型: Message / ContentItem / ExecutionTrace / Conversation。
//
// Message 是不可变值: 任何修改都以新 Revision 替换整个元素, Key 保持不变。
package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
)

// Role 消息角色。
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
)

// 临时 tool_call_id 前缀。客户端生成的一律使用 TempIDPrefix。
const (
	TempIDPrefix    = "temp_"
	altTempIDPrefix = "tmp_"
)

// NewTempToolCallID 生成客户端临时 tool_call_id。
func NewTempToolCallID() string { return TempIDPrefix + uuid.NewString() }

// IsTemporaryToolCallID 判断 id 是否为临时 id (空 id 也视为临时)。
func IsTemporaryToolCallID(id string) bool {
	return id == "" || strings.HasPrefix(id, TempIDPrefix) || strings.HasPrefix(id, altTempIDPrefix)
}

// NewKey 生成消息槽位 key。
func NewKey() string { return uuid.NewString() }

// ToolCallContent tool_call 消息内容。
type ToolCallContent struct {
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	ToolCallID string          `json:"tool_call_id"`
}

// Temporary 是否仍为临时 id。
func (c ToolCallContent) Temporary() bool { return IsTemporaryToolCallID(c.ToolCallID) }

// ToolResultContent tool_result 消息内容。
type ToolResultContent struct {
	Name       string `json:"name"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id"`
}

// Message 转录中的一条消息。
//
// 内容按角色存放在不同字段:
//   - user / assistant: Text 或 Items
//   - tool_call: ToolCall
//   - tool_result: ToolResult
type Message struct {
	Key        string
	Revision   int
	Role       Role
	Text       string
	Items      []ContentItem
	ToolCall   *ToolCallContent
	ToolResult *ToolResultContent
	Reasoning  string
	CreatedAt  time.Time
}

// PlainText 返回消息的纯文本 (list 内容只拼接文本项)。
func (m Message) PlainText() string {
	if len(m.Items) == 0 {
		return m.Text
	}
	var b strings.Builder
	for _, it := range m.Items {
		if it.IsText() {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(it.Text)
		}
	}
	return b.String()
}

// ToolCallID 返回 tool_call / tool_result 消息的 id, 其他角色为空。
func (m Message) ToolCallID() string {
	switch {
	case m.ToolCall != nil:
		return m.ToolCall.ToolCallID
	case m.ToolResult != nil:
		return m.ToolResult.ToolCallID
	}
	return ""
}

// SameSlot 判断是否为同一逻辑槽位的同一版本。
func (m Message) SameSlot(o Message) bool { return m.Key == o.Key && m.Revision == o.Revision }

// ========================================
// JSON 编解码 (content 为多态字段)
// ========================================

type messageJSON struct {
	Key       string          `json:"key,omitempty"`
	Revision  int             `json:"revision,omitempty"`
	Role      Role            `json:"role"`
	Content   json.RawMessage `json:"content"`
	Reasoning *string         `json:"reasoning,omitempty"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
}

// MarshalJSON 输出 {role, content, reasoning?}。assistant 消息总是带 reasoning。
func (m Message) MarshalJSON() ([]byte, error) {
	var content any
	switch m.Role {
	case RoleToolCall:
		content = m.ToolCall
	case RoleToolResult:
		content = m.ToolResult
	default:
		if len(m.Items) > 0 {
			content = m.Items
		} else {
			content = m.Text
		}
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	out := messageJSON{Key: m.Key, Revision: m.Revision, Role: m.Role, Content: raw}
	if m.Role == RoleAssistant || m.Reasoning != "" {
		r := m.Reasoning
		out.Reasoning = &r
	}
	if !m.CreatedAt.IsZero() {
		ts := m.CreatedAt
		out.CreatedAt = &ts
	}
	return json.Marshal(out)
}

// UnmarshalJSON 按 role 解析 content。缺少 key 的旧数据会补一个新 key。
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Message{Key: in.Key, Revision: in.Revision, Role: in.Role}
	if m.Key == "" {
		m.Key = NewKey()
	}
	if in.Reasoning != nil {
		m.Reasoning = *in.Reasoning
	}
	if in.CreatedAt != nil {
		m.CreatedAt = *in.CreatedAt
	}
	if len(in.Content) == 0 || string(in.Content) == "null" {
		return nil
	}

	switch in.Role {
	case RoleToolCall:
		var tc ToolCallContent
		if err := json.Unmarshal(in.Content, &tc); err != nil {
			return pkgerr.Wrap(err, "Message.UnmarshalJSON", "tool_call content")
		}
		m.ToolCall = &tc
	case RoleToolResult:
		var tr ToolResultContent
		if err := json.Unmarshal(in.Content, &tr); err != nil {
			return pkgerr.Wrap(err, "Message.UnmarshalJSON", "tool_result content")
		}
		m.ToolResult = &tr
	case RoleUser, RoleAssistant:
		switch in.Content[0] {
		case '"':
			return json.Unmarshal(in.Content, &m.Text)
		case '[':
			return json.Unmarshal(in.Content, &m.Items)
		default:
			return pkgerr.Newf("Message.UnmarshalJSON", "unsupported %s content", in.Role)
		}
	default:
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, "Message.UnmarshalJSON", "unknown role %q", in.Role)
	}
	return nil
}
