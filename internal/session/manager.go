// Package session 把传输通道、转录 reducer、轨迹聚合、流式缓冲与缓存组合成单个活动会话。
//
// 所有状态转换在 Manager.mu 下串行执行且不等待 I/O; 发送、缓存读写、目录更新
// 都在锁外进行。切换会话时代号 (gen) 递增, 旧订阅迟到的事件一律丢弃。
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/multi-agent/go-chat-core/internal/event"
	"github.com/multi-agent/go-chat-core/internal/model"
	"github.com/multi-agent/go-chat-core/internal/streambuf"
	"github.com/multi-agent/go-chat-core/internal/trace"
	"github.com/multi-agent/go-chat-core/internal/transcript"
	"github.com/multi-agent/go-chat-core/internal/transport"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
	"github.com/multi-agent/go-chat-core/pkg/logger"
	"github.com/multi-agent/go-chat-core/pkg/util"
)

const (
	defaultSendTimeout    = 30 * time.Second
	defaultPersistTimeout = 10 * time.Second
	titleMaxRunes         = 60
)

// SnapshotCache 会话快照缓存 (cache.Cache 实现)。
type SnapshotCache interface {
	Get(ctx context.Context, conversationID string) (model.Snapshot, bool, error)
	Set(ctx context.Context, snap model.Snapshot) error
}

// Directory 会话目录 (conversation.Directory 实现)。
type Directory interface {
	Get(id string) (model.Conversation, bool)
	Upsert(ctx context.Context, c model.Conversation) (model.Conversation, error)
	Touch(ctx context.Context, id string) (model.Conversation, error)
}

// Options Manager 配置。Channel 必填, 其余可选。
type Options struct {
	Channel   transport.Channel
	Cache     SnapshotCache
	Directory Directory

	FlushThreshold         int
	PositionalPairing      bool
	SynthesizeLegacyTraces bool
	TimelineWindow         int
	SendTimeout            time.Duration
	Now                    func() time.Time
}

// streamState 正在流式输出的助手消息及其缓冲。
type streamState struct {
	key string
	buf *streambuf.Buffer
}

// Manager 单个活动会话的控制器。并发安全。
type Manager struct {
	opts Options

	mu          sync.Mutex
	convID      string
	gen         uint64
	reducer     *transcript.Reducer
	agg         *trace.Aggregator
	stream      *streamState
	unsubscribe func()
	notices     []Notice
	nextNotice  int
	closed      bool
	draining    bool

	watchMu  sync.Mutex
	watchers map[uint64]chan View
	nextW    uint64

	persistMu   sync.Mutex
	persistSeq  uint64
	persistedAt map[string]uint64

	wg sync.WaitGroup
}

// New 创建 Manager。
func New(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = streambuf.DefaultThreshold
	}
	return &Manager{
		opts:        opts,
		watchers:    make(map[uint64]chan View),
		persistedAt: make(map[string]uint64),
	}
}

// ConversationID 当前会话 ID。
func (m *Manager) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convID
}

// ========================================
// 打开会话
// ========================================

// Open 切换到 conversationID: 先退订旧会话并丢弃其状态, 再从缓存重建并订阅。
// 缓存未命中不是错误; 回源失败时以空转录打开并给出提示。
func (m *Manager) Open(ctx context.Context, conversationID string) error {
	const op = "Session.Open"
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "conversation id is required")
	}
	log := logger.FromContext(ctx).With(logger.FieldConversationID, conversationID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return pkgerr.ErrClosed
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	prev := m.snapshotLocked()
	m.gen++
	gen := m.gen
	m.convID = conversationID
	m.reducer = nil
	m.agg = nil
	m.stream = nil
	m.mu.Unlock()

	if prev != nil {
		m.persistAsync(*prev)
	}

	var snap model.Snapshot
	var loadErr error
	if m.opts.Cache != nil {
		var ok bool
		snap, ok, loadErr = m.opts.Cache.Get(ctx, conversationID)
		if loadErr != nil {
			log.Warn("session: history load failed", logger.FieldError, loadErr)
		} else if !ok {
			log.Debug("session: no cached history")
		}
	}

	m.mu.Lock()
	if m.gen != gen || m.closed {
		// 被更新的 Open 取代
		m.mu.Unlock()
		return nil
	}
	m.reducer = transcript.New(transcript.Options{PositionalPairing: m.opts.PositionalPairing, Now: m.opts.Now})
	m.reducer.Load(snap.Messages)
	m.agg = trace.NewAggregator()
	m.agg.Seed(snap.Traces)
	if m.opts.SynthesizeLegacyTraces {
		m.agg.Seed(trace.Synthesize(snap.Messages, m.agg.State()))
	}
	if loadErr != nil {
		m.addNoticeLocked(util.FirstNonEmpty(pkgerr.CodeOf(loadErr), pkgerr.CodeStorage), "history unavailable: "+loadErr.Error())
	}
	m.unsubscribe = m.opts.Channel.Subscribe(conversationID, func(ev event.Event) { m.handle(gen, ev) })
	m.mu.Unlock()

	log.Info("session: opened", logger.FieldCount, len(snap.Messages))
	m.notify()
	return nil
}

// ========================================
// 提交 / 停止
// ========================================

// Submit 提交用户输入。响应在途时入队并立即返回。
// 发送失败时回滚乐观追加的消息, 返回包装 ErrSendFailed 的错误。
func (m *Manager) Submit(ctx context.Context, items []model.ContentItem) error {
	const op = "Session.Submit"
	m.mu.Lock()
	if m.reducer == nil {
		m.mu.Unlock()
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "no conversation open")
	}
	sub, err := m.reducer.Submit(items)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	convID, gen := m.convID, m.gen
	if !sub.Queued {
		m.beginStreamLocked()
	}
	m.mu.Unlock()
	m.notify()

	if sub.Queued {
		logger.FromContext(ctx).Debug("session: input queued", logger.FieldConversationID, convID)
		return nil
	}
	if err := m.send(ctx, gen, convID, sub); err != nil {
		return err
	}
	m.recordActivity(ctx, convID, sub.Text)
	return nil
}

// SubmitText Submit 的纯文本便捷形式。
func (m *Manager) SubmitText(ctx context.Context, text string) error {
	return m.Submit(ctx, []model.ContentItem{model.TextItem(text)})
}

// send 发送并在失败时回滚。
func (m *Manager) send(ctx context.Context, gen uint64, convID string, sub *transcript.Submission) error {
	const op = "Session.send"
	sendCtx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
	defer cancel()
	err := m.opts.Channel.Send(sendCtx, convID, sub.Payload)
	if err == nil {
		return nil
	}

	logger.Warn("session: send failed",
		logger.FieldConversationID, convID,
		logger.FieldError, err)
	m.mu.Lock()
	if m.gen == gen && m.reducer != nil && m.reducer.Rollback(sub) {
		m.stream = nil
	}
	m.mu.Unlock()
	m.notify()
	return pkgerr.WithCode(pkgerr.ErrSendFailed, op, pkgerr.CodeTransport, err.Error())
}

// sendAsync 自动重新提交在后台发送, 失败时回滚并提示。
func (m *Manager) sendAsync(gen uint64, convID string, sub *transcript.Submission) {
	m.spawn("session.resubmit", func() {
		if err := m.send(context.Background(), gen, convID, sub); err != nil {
			m.mu.Lock()
			if m.gen == gen {
				m.addNoticeLocked(pkgerr.CodeTransport, "queued message not sent: "+err.Error())
			}
			m.mu.Unlock()
			m.notify()
			return
		}
		m.recordActivity(context.Background(), convID, sub.Text)
	})
}

// Stop 中止在途响应。没有在途响应时为空操作。
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.reducer == nil || !m.reducer.Stop() {
		m.mu.Unlock()
		return
	}
	m.endStreamLocked()
	convID := m.convID
	snap := m.snapshotLocked()
	m.mu.Unlock()

	logger.FromContext(ctx).Info("session: stopped", logger.FieldConversationID, convID)
	// Abort 会同步投递 Closed, 必须在锁外调用
	m.opts.Channel.Abort(convID)
	if snap != nil {
		m.persistAsync(*snap)
	}
	m.notify()
}

// ========================================
// 入站事件
// ========================================

func (m *Manager) handle(gen uint64, ev event.Event) {
	m.mu.Lock()
	if gen != m.gen || m.reducer == nil {
		m.mu.Unlock()
		logger.Debug("session: stale event dropped", logger.FieldEventType, string(ev.Kind()))
		return
	}

	changed := true
	var resub *transcript.Submission
	var snap *model.Snapshot

	switch e := ev.(type) {
	case event.Trace:
		m.agg.Apply(e.ExecutionTrace)
	case event.TextDelta, event.ReasoningDelta:
		m.reducer.Apply(ev)
		changed = m.syncStreamLocked()
		if _, reasoning := ev.(event.ReasoningDelta); reasoning {
			changed = true
		}
	case event.Terminal:
		m.endStreamLocked()
		resub = m.reducer.Apply(ev)
		if e.Reason == event.TerminalError {
			msg := e.Message
			if msg == "" {
				msg = "response failed"
			}
			m.addNoticeLocked(pkgerr.CodeTransport, msg)
		}
		snap = m.snapshotLocked()
		if resub != nil {
			m.beginStreamLocked()
		}
	case event.Closed:
		m.endStreamLocked()
		m.reducer.Apply(ev)
		if e.Err != nil {
			m.addNoticeLocked(pkgerr.CodeTransport, "connection lost: "+e.Err.Error())
		}
		snap = m.snapshotLocked()
	default:
		m.reducer.Apply(ev)
	}
	convID := m.convID
	m.mu.Unlock()

	if snap != nil {
		m.persistAsync(*snap)
	}
	if resub != nil {
		m.sendAsync(gen, convID, resub)
	}
	if changed {
		m.notify()
	}
}

// beginStreamLocked 为最后一条 (助手占位) 消息建立流式缓冲。
func (m *Manager) beginStreamLocked() {
	last, ok := m.reducer.Last()
	if !ok || last.Role != model.RoleAssistant {
		m.stream = nil
		return
	}
	buf := streambuf.New(m.opts.FlushThreshold)
	buf.Write(last.PlainText())
	m.stream = &streamState{key: last.Key, buf: buf}
}

// syncStreamLocked 把末尾助手消息的文本同步进缓冲, 返回水位是否推进。
func (m *Manager) syncStreamLocked() bool {
	last, ok := m.reducer.Last()
	if !ok || last.Role != model.RoleAssistant || !m.reducer.GettingResponse() {
		return false
	}
	if m.stream == nil || m.stream.key != last.Key {
		m.beginStreamLocked()
		return true
	}
	ok, flushed := m.stream.buf.Sync(last.PlainText())
	if !ok {
		m.beginStreamLocked()
		return true
	}
	return flushed
}

func (m *Manager) endStreamLocked() {
	if m.stream != nil {
		m.stream.buf.Complete()
		m.stream = nil
	}
}

// ========================================
// 视图
// ========================================

// View 当前视图。未打开会话时返回零值。
func (m *Manager) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked()
}

func (m *Manager) viewLocked() View {
	v := View{
		ConversationID: m.convID,
		Notices:        append([]Notice(nil), m.notices...),
	}
	if m.reducer == nil {
		return v
	}
	msgs := m.reducer.Messages()
	v.GettingResponse = m.reducer.GettingResponse()
	v.Queued = m.reducer.Queued()
	v.Pairs = transcript.Pairs(msgs, m.opts.PositionalPairing)
	v.Messages = make([]RenderedMessage, len(msgs))
	for i, msg := range msgs {
		rm := RenderedMessage{Message: msg, Rendered: msg.PlainText()}
		if m.stream != nil && msg.Key == m.stream.key {
			rm.Rendered = m.stream.buf.Flushed()
			rm.Streaming = true
		}
		v.Messages[i] = rm
	}
	v.Operations = trace.ProjectAll(m.agg.State())
	v.Timelines = make(map[string]trace.Timeline, len(v.Operations))
	for id, ops := range v.Operations {
		v.Timelines[id] = trace.Window(ops, m.opts.TimelineWindow)
	}
	return v
}

// Watch 订阅视图更新。通道容量为 1, 只保留最新视图。cancel 后通道被关闭。
func (m *Manager) Watch() (<-chan View, func()) {
	ch := make(chan View, 1)
	m.watchMu.Lock()
	m.nextW++
	id := m.nextW
	m.watchers[id] = ch
	m.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.watchMu.Lock()
			if _, ok := m.watchers[id]; ok {
				delete(m.watchers, id)
				close(ch)
			}
			m.watchMu.Unlock()
		})
	}
}

// notify 向所有 watcher 推送最新视图 (不阻塞)。
func (m *Manager) notify() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if len(m.watchers) == 0 {
		return
	}
	v := m.View()
	for _, ch := range m.watchers {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// ========================================
// 提示
// ========================================

func (m *Manager) addNoticeLocked(code, msg string) {
	m.nextNotice++
	m.notices = append(m.notices, Notice{ID: m.nextNotice, Code: code, Message: msg, At: m.opts.Now()})
}

// DismissNotice 关闭提示。返回是否存在。
func (m *Manager) DismissNotice(id int) bool {
	m.mu.Lock()
	found := false
	kept := m.notices[:0]
	for _, n := range m.notices {
		if n.ID == id {
			found = true
			continue
		}
		kept = append(kept, n)
	}
	m.notices = kept
	m.mu.Unlock()
	if found {
		m.notify()
	}
	return found
}

// ========================================
// 持久化
// ========================================

// snapshotLocked 当前会话快照; 未打开会话时返回 nil。
func (m *Manager) snapshotLocked() *model.Snapshot {
	if m.reducer == nil || m.convID == "" {
		return nil
	}
	return &model.Snapshot{
		ConversationID: m.convID,
		Messages:       m.reducer.Messages(),
		Traces:         trace.Flatten(m.agg.State()),
		SavedAt:        m.opts.Now(),
	}
}

// persistAsync 后台写入缓存。同一会话较早的快照不会覆盖较晚的快照。
func (m *Manager) persistAsync(snap model.Snapshot) {
	if m.opts.Cache == nil {
		return
	}
	m.persistMu.Lock()
	m.persistSeq++
	seq := m.persistSeq
	m.persistMu.Unlock()

	m.spawn("session.persist", func() {
		m.persistMu.Lock()
		defer m.persistMu.Unlock()
		if m.persistedAt[snap.ConversationID] > seq {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultPersistTimeout)
		defer cancel()
		if err := m.opts.Cache.Set(ctx, snap); err != nil {
			logger.Warn("session: persist failed",
				logger.FieldConversationID, snap.ConversationID,
				logger.FieldError, err)
			return
		}
		m.persistedAt[snap.ConversationID] = seq
	})
}

// spawn 登记并启动后台任务。Close 开始等待后不再接受新任务。
func (m *Manager) spawn(name string, fn func()) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		logger.Debug("session: background task dropped after close", logger.FieldComponent, name)
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	util.SafeGoNamed(name, func() {
		defer m.wg.Done()
		fn()
	})
}

// recordActivity 更新目录: 已存在则 Touch, 否则以首条输入为标题创建。
func (m *Manager) recordActivity(ctx context.Context, convID, text string) {
	if m.opts.Directory == nil {
		return
	}
	var err error
	if _, ok := m.opts.Directory.Get(convID); ok {
		_, err = m.opts.Directory.Touch(ctx, convID)
	} else {
		title := util.Truncate(strings.TrimSpace(strings.SplitN(text, "\n", 2)[0]), titleMaxRunes)
		_, err = m.opts.Directory.Upsert(ctx, model.Conversation{ID: convID, Title: util.FirstNonEmpty(title, convID)})
	}
	if err != nil {
		logger.Warn("session: directory update failed", logger.FieldConversationID, convID, logger.FieldError, err)
	}
}

// Close 退订、等待后台任务并写入最终快照。幂等。
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.gen++
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if snap != nil {
		m.persistAsync(*snap)
	}
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
	m.wg.Wait()

	m.watchMu.Lock()
	for id, ch := range m.watchers {
		delete(m.watchers, id)
		close(ch)
	}
	m.watchMu.Unlock()
	return nil
}
