// Package render 把会话视图渲染为终端文本。助手消息经 glamour 渲染 markdown。
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/multi-agent/go-chat-core/internal/model"
	"github.com/multi-agent/go-chat-core/internal/session"
	"github.com/multi-agent/go-chat-core/internal/trace"
	"github.com/multi-agent/go-chat-core/pkg/logger"
)

// StyleAuto 按终端背景自动选择样式。
const StyleAuto = "auto"

// Terminal 终端渲染器。非并发安全。
type Terminal struct {
	md  *glamour.TermRenderer
	now func() time.Time
}

// NewTerminal 创建渲染器。style 为 "auto" 或 glamour 内置样式名 (dark/light/notty ...)。
func NewTerminal(style string, width int) (*Terminal, error) {
	if width <= 0 {
		width = 80
	}
	styleOpt := glamour.WithAutoStyle()
	if style != "" && style != StyleAuto {
		styleOpt = glamour.WithStylePath(style)
	}
	md, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(width))
	if err != nil {
		return nil, err
	}
	return &Terminal{md: md, now: time.Now}, nil
}

// Markdown 渲染 markdown。失败时原样返回。
func (t *Terminal) Markdown(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	out, err := t.md.Render(text)
	if err != nil {
		logger.Debug("render: markdown failed", logger.FieldError, err)
		return text
	}
	return out
}

// Message 渲染单条消息。tool_call 消息附带其操作时间线。
func (t *Terminal) Message(rm session.RenderedMessage, tl *trace.Timeline) string {
	m := rm.Message
	switch m.Role {
	case model.RoleUser:
		return "> " + strings.ReplaceAll(rm.Rendered, "\n", "\n> ") + "\n"
	case model.RoleAssistant:
		var b strings.Builder
		if m.Reasoning != "" && !rm.Streaming {
			b.WriteString("(thinking) " + firstLine(m.Reasoning) + "\n")
		}
		b.WriteString(t.Markdown(rm.Rendered))
		return b.String()
	case model.RoleToolCall:
		if m.ToolCall == nil {
			return ""
		}
		var b strings.Builder
		fmt.Fprintf(&b, "⚙ %s\n", m.ToolCall.Name)
		if tl != nil {
			b.WriteString(t.Timeline(*tl))
		}
		return b.String()
	case model.RoleToolResult:
		if m.ToolResult == nil {
			return ""
		}
		return fmt.Sprintf("  ↳ %s: %s\n", m.ToolResult.Name, firstLine(m.ToolResult.Content))
	}
	return ""
}

// Timeline 渲染有界时间线。
func (t *Terminal) Timeline(tl trace.Timeline) string {
	var b strings.Builder
	if tl.Hidden > 0 {
		fmt.Fprintf(&b, "  … %d earlier\n", tl.Hidden)
	}
	now := t.now()
	for _, op := range tl.Visible {
		label := op.StartLabel
		if op.EndLabel != nil && *op.EndLabel != "" {
			label += " → " + *op.EndLabel
		}
		fmt.Fprintf(&b, "  %s %s %s (%s)\n", statusIcon(op.Status), op.Tool, label, trace.FormatDuration(op.Elapsed(now)))
	}
	return b.String()
}

// View 渲染整个视图: 消息、时间线与提示。
func (t *Terminal) View(v session.View) string {
	var b strings.Builder
	for _, rm := range v.Messages {
		var tl *trace.Timeline
		if id := rm.Message.ToolCallID(); id != "" && rm.Message.Role == model.RoleToolCall {
			if w, ok := v.Timelines[id]; ok {
				tl = &w
			}
		}
		b.WriteString(t.Message(rm, tl))
	}
	if v.Queued > 0 {
		fmt.Fprintf(&b, "(%d queued)\n", v.Queued)
	}
	for _, n := range v.Notices {
		fmt.Fprintf(&b, "! [%d] %s\n", n.ID, n.Message)
	}
	return b.String()
}

func statusIcon(s trace.OpStatus) string {
	switch s {
	case trace.OpEnd:
		return "✓"
	case trace.OpError:
		return "✗"
	default:
		return "…"
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
