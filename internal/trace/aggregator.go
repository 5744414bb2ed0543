// Package trace 聚合 execution_trace 事件, 并投影为去重、按时间排序的操作列表。
//
// Reduce / Project 均为纯函数: 输入不被修改, 相同输入得到相同输出。
package trace

import (
	"strings"
	"time"

	"github.com/multi-agent/go-chat-core/internal/model"
)

// ToolCallTraces 单个 tool_call_id 下的全部轨迹。
type ToolCallTraces struct {
	Traces    []model.ExecutionTrace
	IsActive  bool
	StartTime time.Time
	EndTime   *time.Time
}

// State 轨迹聚合状态。零值可用。按写时复制更新, 旧值可安全共享。
type State struct {
	buckets map[string]ToolCallTraces
	order   []string
}

// Get 返回某个工具调用的轨迹桶。
func (s State) Get(toolCallID string) (ToolCallTraces, bool) {
	b, ok := s.buckets[toolCallID]
	return b, ok
}

// IDs 按首次出现顺序返回 tool_call_id。
func (s State) IDs() []string {
	return append([]string(nil), s.order...)
}

// Len 桶数量。
func (s State) Len() int { return len(s.order) }

// Reduce 追加一条轨迹并返回新状态。
//
// 桶按需创建; 已结束的工具调用收到新的 start 会重新变为活动状态。
func Reduce(s State, t model.ExecutionTrace) State {
	next := State{
		buckets: make(map[string]ToolCallTraces, len(s.buckets)+1),
		order:   s.order,
	}
	for k, v := range s.buckets {
		next.buckets[k] = v
	}

	b, ok := s.buckets[t.ToolCallID]
	if !ok {
		next.order = append(append([]string(nil), s.order...), t.ToolCallID)
		b.StartTime = t.Timestamp
	}

	traces := make([]model.ExecutionTrace, len(b.Traces), len(b.Traces)+1)
	copy(traces, b.Traces)
	b.Traces = append(traces, t)

	b.IsActive = hasOpenStart(b.Traces)
	switch {
	case b.IsActive:
		b.EndTime = nil
	case t.Status.Terminal():
		end := t.Timestamp
		b.EndTime = &end
	}

	next.buckets[t.ToolCallID] = b
	return next
}

// hasOpenStart 存在某个 trace_id 有 start 而没有 end/error。
func hasOpenStart(traces []model.ExecutionTrace) bool {
	started := make(map[string]bool)
	finished := make(map[string]bool)
	for _, t := range traces {
		switch {
		case t.Status == model.TraceStart:
			started[t.TraceID] = true
		case t.Status.Terminal():
			finished[t.TraceID] = true
		}
	}
	for id := range started {
		if !finished[id] {
			return true
		}
	}
	return false
}

// Aggregator 持有一个 State 的便捷封装。非并发安全。
type Aggregator struct {
	state State
}

// NewAggregator 创建空聚合器。
func NewAggregator() *Aggregator { return &Aggregator{} }

// Apply 追加一条轨迹。
func (a *Aggregator) Apply(t model.ExecutionTrace) { a.state = Reduce(a.state, t) }

// Seed 用一组轨迹重建状态 (用于历史回填)。
func (a *Aggregator) Seed(traces []model.ExecutionTrace) {
	for _, t := range traces {
		a.Apply(t)
	}
}

// State 当前状态快照。
func (a *Aggregator) State() State { return a.state }

// Reset 清空。
func (a *Aggregator) Reset() { a.state = State{} }

// Flatten 按工具调用的首次出现顺序展开全部轨迹, 跳过合成轨迹。用于持久化。
func Flatten(s State) []model.ExecutionTrace {
	var out []model.ExecutionTrace
	for _, id := range s.order {
		for _, t := range s.buckets[id].Traces {
			if !strings.HasPrefix(t.TraceID, synthPrefix) {
				out = append(out, t)
			}
		}
	}
	return out
}
