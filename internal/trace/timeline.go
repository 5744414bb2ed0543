package trace

import (
	"github.com/multi-agent/go-chat-core/internal/model"
)

// Timeline 时间线渲染方消费的有界窗口。
type Timeline struct {
	Visible []OperationDisplay `json:"visible"`
	Hidden  int                `json:"hidden"`
	Active  bool               `json:"active"`
}

// Window 保留最新的 max 个操作, 其余计入 Hidden。max <= 0 表示不限。
func Window(ops []OperationDisplay, max int) Timeline {
	tl := Timeline{Visible: ops}
	if max > 0 && len(ops) > max {
		tl.Hidden = len(ops) - max
		tl.Visible = ops[tl.Hidden:]
	}
	for _, op := range ops {
		if op.Status == OpActive {
			tl.Active = true
			break
		}
	}
	return tl
}

// synthPrefix 合成轨迹的 trace_id 前缀。
const synthPrefix = "synth_"

// Synthesize 为缺少真实轨迹的历史工具调用, 由 tool_call / tool_result 对合成 start/end 轨迹。
// known 中已有真实轨迹的 tool_call_id 会被跳过。临时 id 不参与合成。
func Synthesize(msgs []model.Message, known State) []model.ExecutionTrace {
	results := make(map[string]model.Message)
	for _, m := range msgs {
		if m.Role == model.RoleToolResult && m.ToolResult != nil {
			results[m.ToolResult.ToolCallID] = m
		}
	}

	var out []model.ExecutionTrace
	for _, m := range msgs {
		if m.Role != model.RoleToolCall || m.ToolCall == nil || m.ToolCall.Temporary() {
			continue
		}
		id := m.ToolCall.ToolCallID
		if _, ok := known.Get(id); ok {
			continue
		}
		out = append(out, model.ExecutionTrace{
			TraceID:    synthPrefix + id,
			ToolCallID: id,
			Tool:       m.ToolCall.Name,
			Status:     model.TraceStart,
			Label:      m.ToolCall.Name,
			Timestamp:  m.CreatedAt,
		})
		if res, ok := results[id]; ok {
			out = append(out, model.ExecutionTrace{
				TraceID:    synthPrefix + id,
				ToolCallID: id,
				Tool:       m.ToolCall.Name,
				Status:     model.TraceEnd,
				Label:      "completed",
				Timestamp:  res.CreatedAt,
			})
		}
	}
	return out
}
