package model

import (
	"encoding/json"
	"strings"

	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
)

// 内容项类型。
const (
	ItemText  = "text"
	ItemImage = "image"
	ItemPDF   = "pdf"
)

// MediaData 图片 / PDF 附件。上传完成前 IsUploading 为 true 且 ServerURL 为空。
type MediaData struct {
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	IsUploading bool   `json:"isUploading"`
	ServerURL   string `json:"serverUrl,omitempty"`
}

// ContentItem list 形式消息内容中的一项。
type ContentItem struct {
	Text     string
	Media    *MediaData
	Type     string
	PartKind string
}

// TextItem 构造文本项。
func TextItem(s string) ContentItem { return ContentItem{Text: s, Type: ItemText} }

// ImageItem 构造图片项。
func ImageItem(m MediaData) ContentItem { return ContentItem{Media: &m, Type: ItemImage} }

// PDFItem 构造 PDF 项。
func PDFItem(m MediaData) ContentItem { return ContentItem{Media: &m, Type: ItemPDF} }

// IsText 是否为纯文本项。
func (c ContentItem) IsText() bool { return c.Media == nil }

// Submittable 纯文本, 或上传已完成且有 serverUrl 的附件。
func (c ContentItem) Submittable() bool {
	if c.Media == nil {
		return true
	}
	return !c.Media.IsUploading && c.Media.ServerURL != ""
}

// AllSubmittable 全部内容项可提交且至少有一项非空内容。
func AllSubmittable(items []ContentItem) bool {
	nonEmpty := false
	for _, it := range items {
		if !it.Submittable() {
			return false
		}
		if it.Media != nil || strings.TrimSpace(it.Text) != "" {
			nonEmpty = true
		}
	}
	return nonEmpty
}

type contentItemJSON struct {
	Content  json.RawMessage `json:"content"`
	Type     string          `json:"type,omitempty"`
	PartKind string          `json:"part_kind,omitempty"`
}

// MarshalJSON content 为字符串或附件对象。
func (c ContentItem) MarshalJSON() ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if c.Media != nil {
		raw, err = json.Marshal(c.Media)
	} else {
		raw, err = json.Marshal(c.Text)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(contentItemJSON{Content: raw, Type: c.Type, PartKind: c.PartKind})
}

// UnmarshalJSON 对象形式的 content 按 type 区分图片与 PDF (缺省为图片)。
func (c *ContentItem) UnmarshalJSON(data []byte) error {
	var in contentItemJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*c = ContentItem{Type: in.Type, PartKind: in.PartKind}
	if len(in.Content) == 0 || string(in.Content) == "null" {
		return nil
	}
	switch in.Content[0] {
	case '"':
		return json.Unmarshal(in.Content, &c.Text)
	case '{':
		var md MediaData
		if err := json.Unmarshal(in.Content, &md); err != nil {
			return err
		}
		c.Media = &md
		if c.Type == "" {
			c.Type = ItemImage
		}
		return nil
	}
	return pkgerr.New("ContentItem.UnmarshalJSON", "unsupported content shape")
}
