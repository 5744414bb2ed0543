package model

import "time"

// Snapshot 一个会话的完整缓存单元: 转录与执行轨迹。整体替换, 不做增量合并。
type Snapshot struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []Message        `json:"messages"`
	Traces         []ExecutionTrace `json:"traces,omitempty"`
	SavedAt        time.Time        `json:"saved_at"`
}

// Clone 浅拷贝切片, 使调用方后续 append 不影响缓存内的副本。
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Messages != nil {
		out.Messages = append([]Message(nil), s.Messages...)
	}
	if s.Traces != nil {
		out.Traces = append([]ExecutionTrace(nil), s.Traces...)
	}
	return out
}
