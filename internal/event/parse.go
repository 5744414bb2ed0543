package event

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/multi-agent/go-chat-core/internal/model"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
	"github.com/multi-agent/go-chat-core/pkg/util"
)

// 线格式中的 type 取值。
const (
	wirePartStart  = "part_start"
	wirePartDelta  = "part_delta"
	wireToolCall   = "tool_call"
	wireToolResult = "tool_result"
	wireTrace      = "execution_trace"
	wireDone       = "done"
	wireStopped    = "stopped"
	wireError      = "error"
	wirePing       = "ping"
)

// ========================================
// 线格式结构
// ========================================

type envelope struct {
	Type             string          `json:"type"`
	ConversationID   string          `json:"conversation_id"`
	ConversationIDv2 string          `json:"conversationId"`
	Data             json.RawMessage `json:"data"`
	Parts            []partJSON      `json:"parts"`
	Message          string          `json:"message"`
	Error            json.RawMessage `json:"error"`
	traceJSON
}

type dataJSON struct {
	Part       *textPartJSON   `json:"part"`
	Delta      *textPartJSON   `json:"delta"`
	ToolCall   *toolCallJSON   `json:"tool_call"`
	ToolResult *toolResultJSON `json:"tool_result"`
	Parts      []partJSON      `json:"parts"`
	Message    string          `json:"message"`
	traceJSON
}

type textPartJSON struct {
	PartKind     string `json:"part_kind"`
	Content      string `json:"content"`
	ContentDelta string `json:"content_delta"`
}

type toolCallJSON struct {
	Name       string          `json:"name"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args"`
	ToolCallID string          `json:"tool_call_id"`
	ID         string          `json:"id"`
}

type toolResultJSON struct {
	Name       string          `json:"name"`
	ToolName   string          `json:"tool_name"`
	Content    json.RawMessage `json:"content"`
	Response   json.RawMessage `json:"response"`
	ToolCallID string          `json:"tool_call_id"`
	ID         string          `json:"id"`
}

type partJSON struct {
	Text             *string         `json:"text"`
	Reasoning        *string         `json:"reasoning"`
	FunctionCall     *toolCallJSON   `json:"functionCall"`
	FunctionResponse *toolResultJSON `json:"function_response"`
	FunctionRespAlt  *toolResultJSON `json:"functionResponse"`
}

type traceJSON struct {
	TraceID    string          `json:"trace_id"`
	ToolCallID string          `json:"tool_call_id"`
	Tool       string          `json:"tool"`
	Operation  string          `json:"operation"`
	Status     string          `json:"status"`
	Label      string          `json:"label"`
	Timestamp  json.RawMessage `json:"timestamp"`
	DurationMS *float64        `json:"duration_ms"`
}

// ========================================
// 解析
// ========================================

// ParseFrame 将一个原始帧解析为 Frame。
//
// 支持两种线格式:
//   - 带 type 标签: part_start / part_delta / tool_call / tool_result / execution_trace / done / stopped / error
//   - parts 数组: {parts:[{text}|{reasoning}|{functionCall}|{function_response}]}
//
// 无法识别的帧返回 ErrMalformedEvent, 调用方记录日志后跳过。
// ping 帧返回空事件列表。
func ParseFrame(raw []byte) (Frame, error) {
	const op = "Event.ParseFrame"
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Frame{}, pkgerr.Wrap(pkgerr.ErrMalformedEvent, op, "empty frame")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, pkgerr.Wrap(pkgerr.ErrMalformedEvent, op, "invalid json: "+err.Error())
	}
	frame := Frame{ConversationID: util.FirstNonEmpty(env.ConversationID, env.ConversationIDv2)}

	var data dataJSON
	if len(env.Data) > 0 && env.Data[0] == '{' {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return frame, pkgerr.Wrapf(pkgerr.ErrMalformedEvent, op, "invalid data for %q: %v", env.Type, err)
		}
	}

	if env.Type == "" {
		parts := env.Parts
		if len(parts) == 0 {
			parts = data.Parts
		}
		if len(parts) == 0 {
			return frame, pkgerr.Wrap(pkgerr.ErrMalformedEvent, op, "frame has neither type nor parts")
		}
		evs, err := parseParts(parts)
		if err != nil {
			return frame, err
		}
		frame.Events = evs
		return frame, nil
	}

	ev, err := parseTagged(env, data)
	if err != nil {
		return frame, err
	}
	if ev != nil {
		frame.Events = []Event{ev}
	}
	return frame, nil
}

func parseTagged(env envelope, data dataJSON) (Event, error) {
	const op = "Event.parseTagged"
	switch env.Type {
	case wirePartStart, wirePartDelta:
		part := data.Part
		if part == nil {
			part = data.Delta
		}
		if part == nil {
			return nil, pkgerr.Wrapf(pkgerr.ErrMalformedEvent, op, "%s without part", env.Type)
		}
		text := part.Content
		if text == "" {
			text = part.ContentDelta
		}
		switch part.PartKind {
		case "text", "":
			return TextDelta{Text: text}, nil
		case "reasoning", "thinking":
			return ReasoningDelta{Text: text}, nil
		}
		return nil, pkgerr.Wrapf(pkgerr.ErrMalformedEvent, op, "unknown part_kind %q", part.PartKind)

	case wireToolCall:
		if data.ToolCall == nil {
			return nil, pkgerr.Wrap(pkgerr.ErrMalformedEvent, op, "tool_call without data.tool_call")
		}
		return toolCall(data.ToolCall), nil

	case wireToolResult:
		if data.ToolResult == nil {
			return nil, pkgerr.Wrap(pkgerr.ErrMalformedEvent, op, "tool_result without data.tool_result")
		}
		return toolResult(data.ToolResult), nil

	case wireTrace:
		tj := env.traceJSON
		if tj.TraceID == "" {
			tj = data.traceJSON
		}
		return parseTrace(tj)

	case wireDone:
		return Terminal{Reason: TerminalDone}, nil
	case wireStopped:
		return Terminal{Reason: TerminalStopped}, nil
	case wireError:
		return Terminal{Reason: TerminalError, Message: util.FirstNonEmpty(env.Message, data.Message, rawText(env.Error))}, nil
	case wirePing:
		return nil, nil
	}
	return nil, pkgerr.Wrapf(pkgerr.ErrMalformedEvent, op, "unknown type %q", env.Type)
}

func parseParts(parts []partJSON) ([]Event, error) {
	out := make([]Event, 0, len(parts))
	for i, p := range parts {
		switch {
		case p.Text != nil:
			out = append(out, TextDelta{Text: *p.Text})
		case p.Reasoning != nil:
			out = append(out, ReasoningDelta{Text: *p.Reasoning})
		case p.FunctionCall != nil:
			out = append(out, toolCall(p.FunctionCall))
		case p.FunctionResponse != nil:
			out = append(out, toolResult(p.FunctionResponse))
		case p.FunctionRespAlt != nil:
			out = append(out, toolResult(p.FunctionRespAlt))
		default:
			return nil, pkgerr.Wrapf(pkgerr.ErrMalformedEvent, "Event.parseParts", "part %d has no recognised key", i)
		}
	}
	return out, nil
}

func toolCall(tc *toolCallJSON) ToolCallAnnounced {
	ev := ToolCallAnnounced{
		ID:   util.FirstNonEmpty(tc.ToolCallID, tc.ID),
		Name: util.FirstNonEmpty(tc.Name, tc.ToolName),
	}
	if len(tc.Args) > 0 && string(tc.Args) != "null" {
		ev.Args = append(json.RawMessage(nil), tc.Args...)
	}
	return ev
}

func toolResult(tr *toolResultJSON) ToolResultAnnounced {
	content := tr.Content
	if len(content) == 0 {
		content = tr.Response
	}
	return ToolResultAnnounced{
		ID:      util.FirstNonEmpty(tr.ToolCallID, tr.ID),
		Name:    util.FirstNonEmpty(tr.Name, tr.ToolName),
		Content: rawText(content),
	}
}

func parseTrace(tj traceJSON) (Event, error) {
	const op = "Event.parseTrace"
	if tj.TraceID == "" || tj.ToolCallID == "" {
		return nil, pkgerr.Wrap(pkgerr.ErrMalformedEvent, op, "trace without trace_id/tool_call_id")
	}
	status := model.TraceStatus(strings.ToLower(tj.Status))
	if !status.Valid() {
		return nil, pkgerr.Wrapf(pkgerr.ErrMalformedEvent, op, "unknown trace status %q", tj.Status)
	}
	ts, err := parseTimestamp(tj.Timestamp)
	if err != nil {
		return nil, pkgerr.Wrap(pkgerr.ErrMalformedEvent, op, err.Error())
	}
	t := model.ExecutionTrace{
		TraceID:    tj.TraceID,
		ToolCallID: tj.ToolCallID,
		Tool:       tj.Tool,
		Operation:  tj.Operation,
		Status:     status,
		Label:      tj.Label,
		Timestamp:  ts,
	}
	if tj.DurationMS != nil {
		d := int64(*tj.DurationMS)
		t.DurationMS = &d
	}
	return Trace{t}, nil
}

// parseTimestamp 接受 RFC3339 字符串、毫秒时间戳 (数字或数字字符串), 缺失时返回零值。
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
	} else {
		s = string(raw)
	}
	ms, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, pkgerr.Newf("Event.parseTimestamp", "unsupported timestamp %s", raw)
	}
	return time.UnixMilli(int64(ms)), nil
}

// rawText JSON 字符串解码为文本, 其他值保留紧凑 JSON。
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
