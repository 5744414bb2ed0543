package event

import (
	"strings"

	"github.com/multi-agent/go-chat-core/internal/model"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
)

// SendPayload 发送给后端的用户消息:
//
//	{message:{role:"user", content:{parts:[{text}|{image_data}|{file_data}]}}}
type SendPayload struct {
	Message OutboundMessage `json:"message"`
}

// OutboundMessage 出站消息体。
type OutboundMessage struct {
	Role    string          `json:"role"`
	Content OutboundContent `json:"content"`
}

// OutboundContent 出站内容。
type OutboundContent struct {
	Parts []OutboundPart `json:"parts"`
}

// OutboundPart 三选一: Text / ImageData / FileData。
type OutboundPart struct {
	Text      string   `json:"text,omitempty"`
	ImageData *FileRef `json:"image_data,omitempty"`
	FileData  *FileRef `json:"file_data,omitempty"`
}

// FileRef 已上传附件的引用。
type FileRef struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}

// UserPayload 由内容项构造发送载荷。任一项不可提交时返回 ErrNotSubmittable。
func UserPayload(items []model.ContentItem) (SendPayload, error) {
	if !model.AllSubmittable(items) {
		return SendPayload{}, pkgerr.Wrap(pkgerr.ErrNotSubmittable, "Event.UserPayload", "empty input or upload in progress")
	}
	parts := make([]OutboundPart, 0, len(items))
	for _, it := range items {
		if it.Media == nil {
			if strings.TrimSpace(it.Text) == "" {
				continue
			}
			parts = append(parts, OutboundPart{Text: it.Text})
			continue
		}
		ref := &FileRef{URL: it.Media.ServerURL, MimeType: it.Media.MimeType, Name: it.Media.Name}
		if it.Type == model.ItemPDF {
			parts = append(parts, OutboundPart{FileData: ref})
		} else {
			parts = append(parts, OutboundPart{ImageData: ref})
		}
	}
	return SendPayload{Message: OutboundMessage{Role: string(model.RoleUser), Content: OutboundContent{Parts: parts}}}, nil
}

// TextPayload 纯文本载荷的便捷构造。
func TextPayload(text string) (SendPayload, error) {
	return UserPayload([]model.ContentItem{model.TextItem(text)})
}
