package transcript

import "github.com/multi-agent/go-chat-core/internal/model"

// ToolPair 从消息列表推导的调用/结果配对。下标为 -1 表示缺失:
// ResultIndex == -1 为尚无结果的调用, CallIndex == -1 为孤立结果。
type ToolPair struct {
	ToolCallID  string `json:"tool_call_id"`
	CallIndex   int    `json:"call_index"`
	ResultIndex int    `json:"result_index"`
}

// Orphan 是否为孤立结果。
func (p ToolPair) Orphan() bool { return p.CallIndex < 0 }

// Pending 调用是否仍在等待结果。
func (p ToolPair) Pending() bool { return p.ResultIndex < 0 }

// Pairs 由消息列表推导配对关系, 顺序为调用 (或孤立结果) 在列表中的出现顺序。
//
// 主规则按 tool_call_id 精确匹配; positional 为 true 时, 无法按 id 匹配的结果
// 与紧邻的前一条未配对调用配对。纯函数, 不修改输入。
func Pairs(msgs []model.Message, positional bool) []ToolPair {
	var pairs []ToolPair
	open := make(map[string]int) // tool_call_id → pairs 下标 (尚无结果)

	for i, m := range msgs {
		switch {
		case isCall(m):
			id := m.ToolCall.ToolCallID
			open[id] = len(pairs)
			pairs = append(pairs, ToolPair{ToolCallID: id, CallIndex: i, ResultIndex: -1})

		case m.Role == model.RoleToolResult && m.ToolResult != nil:
			id := m.ToolResult.ToolCallID
			if pi, ok := open[id]; ok {
				pairs[pi].ResultIndex = i
				delete(open, id)
				continue
			}
			if positional && i > 0 && isCall(msgs[i-1]) {
				prevID := msgs[i-1].ToolCall.ToolCallID
				if pi, ok := open[prevID]; ok {
					pairs[pi].ResultIndex = i
					delete(open, prevID)
					continue
				}
			}
			pairs = append(pairs, ToolPair{ToolCallID: id, CallIndex: -1, ResultIndex: i})
		}
	}
	return pairs
}
