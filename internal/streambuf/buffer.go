// Package streambuf 决定流式助手文本何时推送给 markdown 渲染器。
//
// 刷新规则 (每次 Write 后按优先级评估):
//  1. 响应已完成 → 全部刷新
//  2. 已完成的表格块 (表头 + 分隔行 + 至少一行数据, 之后是空行或非表格行)
//  3. 已闭合的围栏代码块
//  4. 围栏外的空行 (段落边界)
//  5. 未刷新部分达到阈值 → 按阈值推进水位
//
// 水位只前进不后退; 任何字符都不会被丢弃。
package streambuf

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// DefaultThreshold 无结构边界时强制刷新的字符数。
const DefaultThreshold = 1000

// Buffer 单条助手消息的流式缓冲。非并发安全, 由持有者串行调用。
type Buffer struct {
	threshold int
	onFlush   func(flushed string)

	text      []byte
	watermark int // 已刷新字节数
	flushes   int
	completed bool

	sc scanner
}

// Option 可选配置。
type Option func(*Buffer)

// WithOnFlush 每次水位推进后回调, 参数为完整的已刷新前缀。
func WithOnFlush(fn func(flushed string)) Option {
	return func(b *Buffer) { b.onFlush = fn }
}

// New 创建缓冲。threshold <= 0 时使用 DefaultThreshold。
func New(threshold int, opts ...Option) *Buffer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	b := &Buffer{threshold: threshold}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Write 追加增量并评估刷新规则。返回本次是否推进了水位。
func (b *Buffer) Write(delta string) bool {
	if delta == "" {
		return false
	}
	b.text = append(b.text, delta...)
	if b.completed {
		return b.advance(len(b.text))
	}

	target := b.watermark
	if boundary := b.sc.scan(b.text); boundary > target {
		target = boundary
	}
	for b.unflushedRunes(target) >= b.threshold {
		target = b.skipRunes(target, b.threshold)
	}
	return b.advance(target)
}

// Sync 用完整文本同步: full 以当前文本为前缀时写入新增后缀。
// 不是前缀关系 (上游重写了内容) 时返回 false, 不做任何修改。
func (b *Buffer) Sync(full string) (ok bool, flushed bool) {
	cur := len(b.text)
	if len(full) < cur || full[:cur] != string(b.text) {
		return false, false
	}
	return true, b.Write(full[cur:])
}

// Complete 标记响应结束并刷新全部剩余文本。
func (b *Buffer) Complete() bool {
	b.completed = true
	return b.advance(len(b.text))
}

// Flushed 已刷新前缀。渲染方始终渲染它的完整内容。
func (b *Buffer) Flushed() string { return string(b.text[:b.watermark]) }

// Pending 尚未刷新的尾部。
func (b *Buffer) Pending() string { return string(b.text[b.watermark:]) }

// Text 全部已接收文本。
func (b *Buffer) Text() string { return string(b.text) }

// Watermark 已刷新字节数。
func (b *Buffer) Watermark() int { return b.watermark }

// Flushes 水位推进次数。
func (b *Buffer) Flushes() int { return b.flushes }

// Completed 是否已收到完成信号。
func (b *Buffer) Completed() bool { return b.completed }

func (b *Buffer) advance(target int) bool {
	if target <= b.watermark {
		return false
	}
	b.watermark = target
	b.flushes++
	if b.onFlush != nil {
		b.onFlush(b.Flushed())
	}
	return true
}

func (b *Buffer) unflushedRunes(from int) int {
	return utf8.RuneCount(b.text[from:])
}

// skipRunes 从 from 向后跳过 n 个 rune, 返回字节偏移。
func (b *Buffer) skipRunes(from, n int) int {
	i := from
	for ; n > 0 && i < len(b.text); n-- {
		_, size := utf8.DecodeRune(b.text[i:])
		i += size
	}
	return i
}

// ========================================
// 结构扫描
// ========================================

type tableState int

const (
	tableNone      tableState = iota
	tableHeader               // 见到表头候选行
	tableSeparator            // 表头 + 分隔行
	tableBody                 // 至少一行数据, 块已完整
)

// scanner 逐行扫描完整行, 记录最后一个结构边界的字节偏移。
type scanner struct {
	pos       int // 下一个未扫描行的起始偏移
	boundary  int
	inFence   bool
	fenceChar byte
	fenceLen  int
	table     tableState
}

// scan 处理 text 中新出现的完整行, 返回最后边界。
func (s *scanner) scan(text []byte) int {
	for {
		nl := indexNewline(text, s.pos)
		if nl < 0 {
			break
		}
		start, end := s.pos, nl+1
		s.line(strings.TrimSpace(string(text[start:end])), start, end)
		s.pos = end
	}
	// 尚未换行的尾行不参与判定: "```" 之后仍可能跟随信息串, 闭合围栏要等到换行或 Complete。
	return s.boundary
}

func (s *scanner) line(trimmed string, start, end int) {
	if s.inFence {
		if s.isClosingFence(trimmed) {
			s.inFence = false
			s.boundary = end
		}
		return
	}

	if ch, n, ok := openingFence(trimmed); ok {
		s.endTable(start)
		s.inFence, s.fenceChar, s.fenceLen = true, ch, n
		return
	}

	if trimmed == "" {
		s.table = tableNone
		s.boundary = end
		return
	}

	if !strings.Contains(trimmed, "|") {
		s.endTable(start)
		return
	}

	switch s.table {
	case tableNone:
		s.table = tableHeader
	case tableHeader:
		if isSeparatorRow(trimmed) {
			s.table = tableSeparator
		}
	case tableSeparator, tableBody:
		s.table = tableBody
	}
}

// endTable 非表格行到来: 完整表格块在该行之前结束。
func (s *scanner) endTable(at int) {
	if s.table == tableBody {
		s.boundary = at
	}
	s.table = tableNone
}

func (s *scanner) isClosingFence(trimmed string) bool {
	if len(trimmed) < s.fenceLen {
		return false
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] != s.fenceChar {
			return false
		}
	}
	return true
}

// openingFence 识别 ``` 或 ~~~ (至少三个) 开头的行。
func openingFence(trimmed string) (byte, int, bool) {
	if len(trimmed) < 3 || (trimmed[0] != '`' && trimmed[0] != '~') {
		return 0, 0, false
	}
	ch := trimmed[0]
	n := 0
	for n < len(trimmed) && trimmed[n] == ch {
		n++
	}
	if n < 3 {
		return 0, 0, false
	}
	// 反引号围栏的 info string 不能再含反引号
	if ch == '`' && strings.ContainsRune(trimmed[n:], '`') {
		return 0, 0, false
	}
	return ch, n, true
}

// isSeparatorRow 判断 |---|:--:| 形式的表格分隔行。
func isSeparatorRow(trimmed string) bool {
	inner := strings.TrimSuffix(strings.TrimPrefix(trimmed, "|"), "|")
	if inner == "" {
		return false
	}
	for _, cell := range strings.Split(inner, "|") {
		cell = strings.TrimSpace(cell)
		cell = strings.TrimSuffix(strings.TrimPrefix(cell, ":"), ":")
		if cell == "" || strings.Trim(cell, "-") != "" {
			return false
		}
	}
	return true
}

func indexNewline(text []byte, from int) int {
	if i := bytes.IndexByte(text[from:], '\n'); i >= 0 {
		return from + i
	}
	return -1
}
