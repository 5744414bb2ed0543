package trace

import (
	"fmt"
	"sort"
	"time"

	"github.com/multi-agent/go-chat-core/internal/model"
)

// OpStatus 操作状态。
type OpStatus string

const (
	OpActive OpStatus = "active"
	OpEnd    OpStatus = "end"
	OpError  OpStatus = "error"
)

// OperationDisplay 一个子操作的完整生命周期视图。
type OperationDisplay struct {
	ID         string    `json:"id"`
	Tool       string    `json:"tool"`
	StartLabel string    `json:"start_label"`
	EndLabel   *string   `json:"end_label"`
	Status     OpStatus  `json:"status"`
	DurationMS *int64    `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Project 将单个工具调用的轨迹配对、去重并按 start 时间升序排列。
//
//   - start 与同 trace_id 的 end/error 配对
//   - 去重键: tool+label (end) 或 tool+label+"error" (error), 重复者丢弃
//   - 尚未配对的 start 输出为 active
//   - 没有 start 的 end/error 被忽略
func Project(b ToolCallTraces) []OperationDisplay {
	starts := make(map[string]model.ExecutionTrace)
	terminals := make(map[string]model.ExecutionTrace)
	var order []string
	for _, t := range b.Traces {
		switch {
		case t.Status == model.TraceStart:
			if _, ok := starts[t.TraceID]; !ok {
				starts[t.TraceID] = t
				order = append(order, t.TraceID)
			}
		case t.Status.Terminal():
			if _, ok := terminals[t.TraceID]; !ok {
				terminals[t.TraceID] = t
			}
		}
	}

	seen := make(map[string]bool)
	ops := make([]OperationDisplay, 0, len(order))
	for _, id := range order {
		start := starts[id]
		op := OperationDisplay{
			ID:         id,
			Tool:       start.Tool,
			StartLabel: start.Label,
			Status:     OpActive,
			Timestamp:  start.Timestamp,
		}
		if end, ok := terminals[id]; ok {
			key := start.Tool + "\x00" + start.Label
			op.Status = OpEnd
			if end.Status == model.TraceError {
				key += "\x00error"
				op.Status = OpError
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			label := end.Label
			op.EndLabel = &label
			op.DurationMS = duration(start, end)
		}
		ops = append(ops, op)
	}

	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Timestamp.Before(ops[j].Timestamp) })
	return ops
}

// ProjectToolCall 投影指定工具调用, 不存在时返回 nil。
func ProjectToolCall(s State, toolCallID string) []OperationDisplay {
	b, ok := s.Get(toolCallID)
	if !ok {
		return nil
	}
	return Project(b)
}

// ProjectAll 投影全部工具调用。
func ProjectAll(s State) map[string][]OperationDisplay {
	out := make(map[string][]OperationDisplay, s.Len())
	for _, id := range s.order {
		out[id] = Project(s.buckets[id])
	}
	return out
}

// duration 优先使用服务端 duration_ms, 否则取 end - start。
func duration(start, end model.ExecutionTrace) *int64 {
	if end.DurationMS != nil {
		d := *end.DurationMS
		return &d
	}
	if start.Timestamp.IsZero() || end.Timestamp.IsZero() || end.Timestamp.Before(start.Timestamp) {
		return nil
	}
	d := end.Timestamp.Sub(start.Timestamp).Milliseconds()
	return &d
}

// Elapsed 已结束操作返回其耗时; 活动操作返回相对 now 的已耗时。
func (o OperationDisplay) Elapsed(now time.Time) time.Duration {
	if o.DurationMS != nil {
		return time.Duration(*o.DurationMS) * time.Millisecond
	}
	if o.Status != OpActive || o.Timestamp.IsZero() || now.Before(o.Timestamp) {
		return 0
	}
	return now.Sub(o.Timestamp)
}

// FormatDuration 展示用的耗时文本: 350ms / 1.5s / 2m05s。
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		m := int(d / time.Minute)
		s := int((d % time.Minute) / time.Second)
		return fmt.Sprintf("%dm%02ds", m, s)
	}
}
