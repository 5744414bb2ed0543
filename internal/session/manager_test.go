package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/multi-agent/go-chat-core/internal/event"
	"github.com/multi-agent/go-chat-core/internal/model"
	"github.com/multi-agent/go-chat-core/internal/transport"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
)

// ========================================
// fakes
// ========================================

type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string]map[int]transport.Handler
	nextID   int
	sent     []string
	aborts   []string
	sendErr  error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]map[int]transport.Handler)}
}

func (c *fakeChannel) Subscribe(id string, h transport.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	hid := c.nextID
	if c.handlers[id] == nil {
		c.handlers[id] = make(map[int]transport.Handler)
	}
	c.handlers[id][hid] = h
	return func() {
		c.mu.Lock()
		delete(c.handlers[id], hid)
		c.mu.Unlock()
	}
}

func (c *fakeChannel) Send(_ context.Context, id string, _ event.SendPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, id)
	return nil
}

func (c *fakeChannel) Abort(id string) {
	c.mu.Lock()
	c.aborts = append(c.aborts, id)
	c.mu.Unlock()
	c.deliver(id, event.Closed{})
}

func (c *fakeChannel) State() transport.ConnState                     { return transport.StateConnected }
func (c *fakeChannel) OnStateChange(func(transport.ConnState)) func() { return func() {} }
func (c *fakeChannel) Close() error                                   { return nil }

func (c *fakeChannel) deliver(id string, ev event.Event) {
	c.mu.Lock()
	hs := make([]transport.Handler, 0, len(c.handlers[id]))
	for _, h := range c.handlers[id] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// handlerFor 返回会话当前唯一的 handler, 用于模拟旧订阅迟到的事件。
func (c *fakeChannel) handlerFor(t *testing.T, id string) transport.Handler {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.handlers[id] {
		return h
	}
	t.Fatalf("no handler for %s", id)
	return nil
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeCache struct {
	mu     sync.Mutex
	snaps  map[string]model.Snapshot
	getErr error
	sets   chan model.Snapshot
}

func newFakeCache() *fakeCache {
	return &fakeCache{snaps: make(map[string]model.Snapshot), sets: make(chan model.Snapshot, 16)}
}

func (c *fakeCache) Get(_ context.Context, id string) (model.Snapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return model.Snapshot{}, false, c.getErr
	}
	s, ok := c.snaps[id]
	return s.Clone(), ok, nil
}

func (c *fakeCache) Set(_ context.Context, s model.Snapshot) error {
	c.mu.Lock()
	c.snaps[s.ConversationID] = s.Clone()
	c.mu.Unlock()
	select {
	case c.sets <- s:
	default:
	}
	return nil
}

func (c *fakeCache) waitSet(t *testing.T, pred func(model.Snapshot) bool) model.Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-c.sets:
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

type fakeDirectory struct {
	mu      sync.Mutex
	items   map[string]model.Conversation
	touched []string
}

func (d *fakeDirectory) Get(id string) (model.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.items[id]
	return c, ok
}

func (d *fakeDirectory) Upsert(_ context.Context, c model.Conversation) (model.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.items == nil {
		d.items = make(map[string]model.Conversation)
	}
	d.items[c.ID] = c
	return c, nil
}

func (d *fakeDirectory) Touch(_ context.Context, id string) (model.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touched = append(d.touched, id)
	return d.items[id], nil
}

type fixture struct {
	ch    *fakeChannel
	cache *fakeCache
	dir   *fakeDirectory
	m     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{ch: newFakeChannel(), cache: newFakeCache(), dir: &fakeDirectory{}}
	f.m = New(Options{
		Channel:                f.ch,
		Cache:                  f.cache,
		Directory:              f.dir,
		PositionalPairing:      true,
		SynthesizeLegacyTraces: true,
		TimelineWindow:         5,
	})
	t.Cleanup(func() { _ = f.m.Close() })
	return f
}

func (f *fixture) open(t *testing.T, id string) {
	t.Helper()
	if err := f.m.Open(context.Background(), id); err != nil {
		t.Fatalf("Open(%s): %v", id, err)
	}
}

// ========================================
// tests
// ========================================

func TestOpenHydratesAndSynthesizes(t *testing.T) {
	f := newFixture(t)
	f.cache.snaps["c1"] = model.Snapshot{
		ConversationID: "c1",
		Messages: []model.Message{
			{Key: "u", Role: model.RoleUser, Text: "hi"},
			{Key: "tc", Role: model.RoleToolCall, ToolCall: &model.ToolCallContent{Name: "Search", ToolCallID: "S1"}},
			{Key: "tr", Role: model.RoleToolResult, ToolResult: &model.ToolResultContent{Name: "Search", ToolCallID: "S1"}},
		},
	}
	f.open(t, "c1")

	v := f.m.View()
	if v.ConversationID != "c1" || len(v.Messages) != 3 {
		t.Fatalf("view = %+v", v)
	}
	if v.Messages[0].Rendered != "hi" || v.Messages[0].Streaming {
		t.Fatalf("first message = %+v", v.Messages[0])
	}
	if len(v.Pairs) != 1 || v.Pairs[0].ToolCallID != "S1" {
		t.Fatalf("pairs = %+v", v.Pairs)
	}
	if ops := v.Operations["S1"]; len(ops) != 1 {
		t.Fatalf("synthesized ops = %+v", ops)
	}
	if tl := v.Timelines["S1"]; tl.Active || len(tl.Visible) != 1 {
		t.Fatalf("timeline = %+v", tl)
	}
}

func TestOpenLoadErrorRaisesNotice(t *testing.T) {
	f := newFixture(t)
	f.cache.getErr = errors.New("backend down")
	f.open(t, "c1")

	v := f.m.View()
	if len(v.Messages) != 0 || len(v.Notices) != 1 {
		t.Fatalf("view = %+v", v)
	}
	if !f.m.DismissNotice(v.Notices[0].ID) || len(f.m.View().Notices) != 0 {
		t.Fatal("notice not dismissed")
	}
	if f.m.DismissNotice(999) {
		t.Fatal("unknown notice dismissed")
	}
}

func TestOpenRejectsEmptyID(t *testing.T) {
	f := newFixture(t)
	if err := f.m.Open(context.Background(), "  "); !errors.Is(err, pkgerr.ErrInvalidInput) {
		t.Fatalf("err = %v", err)
	}
	if err := f.m.SubmitText(context.Background(), "hi"); !errors.Is(err, pkgerr.ErrInvalidInput) {
		t.Fatalf("Submit without conversation: %v", err)
	}
}

func TestSubmitStreamsAndPersists(t *testing.T) {
	f := newFixture(t)
	f.open(t, "c1")
	ctx := context.Background()

	if err := f.m.SubmitText(ctx, "hello\nsecond line"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if f.ch.sentCount() != 1 {
		t.Fatalf("sent = %d", f.ch.sentCount())
	}
	c, ok := f.dir.Get("c1")
	if !ok || c.Title != "hello" {
		t.Fatalf("directory entry = %+v, ok=%v", c, ok)
	}

	f.ch.deliver("c1", event.TextDelta{Text: "partial"})
	v := f.m.View()
	if !v.GettingResponse || len(v.Messages) != 2 {
		t.Fatalf("view = %+v", v)
	}
	asst := v.Messages[1]
	if !asst.Streaming || asst.Rendered != "" || asst.Message.Text != "partial" {
		t.Fatalf("streaming message = %+v", asst)
	}

	f.ch.deliver("c1", event.TextDelta{Text: " answer"})
	f.ch.deliver("c1", event.Terminal{Reason: event.TerminalDone})

	v = f.m.View()
	if v.GettingResponse || v.Messages[1].Streaming || v.Messages[1].Rendered != "partial answer" {
		t.Fatalf("after terminal = %+v", v.Messages[1])
	}
	snap := f.cache.waitSet(t, func(s model.Snapshot) bool { return len(s.Messages) == 2 })
	if snap.ConversationID != "c1" || snap.Messages[1].Text != "partial answer" {
		t.Fatalf("persisted = %+v", snap)
	}

	if err := f.m.SubmitText(ctx, "again"); err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if len(f.dir.touched) != 1 {
		t.Fatalf("touched = %v", f.dir.touched)
	}
}

func TestSubmitSendFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.open(t, "c1")
	f.ch.sendErr = errors.New("connection refused")

	err := f.m.SubmitText(context.Background(), "hello")
	if !errors.Is(err, pkgerr.ErrSendFailed) || pkgerr.CodeOf(err) != pkgerr.CodeTransport {
		t.Fatalf("err = %v", err)
	}
	v := f.m.View()
	if len(v.Messages) != 0 || v.GettingResponse {
		t.Fatalf("rollback left %+v", v)
	}
	if _, ok := f.dir.Get("c1"); ok {
		t.Fatal("failed send should not create a directory entry")
	}
}

func TestStopAbortsOnce(t *testing.T) {
	f := newFixture(t)
	f.open(t, "c1")
	ctx := context.Background()
	if err := f.m.SubmitText(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	f.ch.deliver("c1", event.TextDelta{Text: "half"})

	f.m.Stop(ctx)
	f.m.Stop(ctx)
	if len(f.ch.aborts) != 1 {
		t.Fatalf("aborts = %v", f.ch.aborts)
	}
	v := f.m.View()
	if v.GettingResponse || v.Messages[1].Rendered != "half" || len(v.Notices) != 0 {
		t.Fatalf("after stop = %+v", v)
	}

	// 停止后迟到的增量被丢弃
	f.ch.deliver("c1", event.TextDelta{Text: " more"})
	if got := f.m.View().Messages[1].Message.Text; got != "half" {
		t.Fatalf("late delta applied: %q", got)
	}
}

func TestStopWithoutResponseDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	f.open(t, "c1")
	f.m.Stop(context.Background())
	if len(f.ch.aborts) != 0 {
		t.Fatalf("aborts = %v, want none", f.ch.aborts)
	}
}

func TestQueuedInputResubmittedAfterTerminal(t *testing.T) {
	f := newFixture(t)
	f.open(t, "c1")
	ctx := context.Background()
	if err := f.m.SubmitText(ctx, "first"); err != nil {
		t.Fatal(err)
	}
	if err := f.m.SubmitText(ctx, "second"); err != nil {
		t.Fatal(err)
	}
	if v := f.m.View(); v.Queued != 1 || len(v.Messages) != 2 {
		t.Fatalf("queued view = %+v", v)
	}

	f.ch.deliver("c1", event.TextDelta{Text: "reply"})
	f.ch.deliver("c1", event.Terminal{Reason: event.TerminalDone})
	_ = f.m.Close()

	if f.ch.sentCount() != 2 {
		t.Fatalf("sent = %d", f.ch.sentCount())
	}
	v := f.m.View()
	if v.Queued != 0 || len(v.Messages) != 4 || v.Messages[2].Rendered != "second" {
		t.Fatalf("after resubmit = %+v", v)
	}
	if !v.GettingResponse || !v.Messages[3].Streaming {
		t.Fatalf("resubmission should be streaming: %+v", v.Messages[3])
	}
}

func TestStaleEventsDroppedAfterSwitch(t *testing.T) {
	f := newFixture(t)
	f.open(t, "c1")
	if err := f.m.SubmitText(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	stale := f.ch.handlerFor(t, "c1")
	f.open(t, "c2")

	stale(event.TextDelta{Text: "from c1"})
	v := f.m.View()
	if v.ConversationID != "c2" || len(v.Messages) != 0 {
		t.Fatalf("stale event leaked: %+v", v)
	}
	f.ch.mu.Lock()
	left := len(f.ch.handlers["c1"])
	f.ch.mu.Unlock()
	if left != 0 {
		t.Fatal("previous subscription not released")
	}

	// 切换前的 c1 状态被写回缓存
	snap := f.cache.waitSet(t, func(s model.Snapshot) bool { return s.ConversationID == "c1" })
	if len(snap.Messages) != 2 {
		t.Fatalf("c1 snapshot = %+v", snap)
	}
}

func TestClosedWithErrorRaisesNotice(t *testing.T) {
	f := newFixture(t)
	f.open(t, "c1")
	if err := f.m.SubmitText(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	f.ch.deliver("c1", event.Closed{Err: errors.New("read: connection reset")})

	v := f.m.View()
	if v.GettingResponse || len(v.Notices) != 1 || v.Notices[0].Code != pkgerr.CodeTransport {
		t.Fatalf("view = %+v", v)
	}
	f.ch.deliver("c1", event.Terminal{Reason: event.TerminalError, Message: "quota exceeded"})
	if n := f.m.View().Notices; len(n) != 2 || n[1].Message != "quota exceeded" {
		t.Fatalf("notices = %+v", n)
	}
}

func TestTraceEventsProjected(t *testing.T) {
	f := newFixture(t)
	f.open(t, "c1")
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	f.ch.deliver("c1", event.Trace{ExecutionTrace: model.ExecutionTrace{
		TraceID: "t1", ToolCallID: "A", Tool: "grep", Status: model.TraceStart, Label: "searching", Timestamp: now,
	}})
	tl := f.m.View().Timelines["A"]
	if !tl.Active || len(tl.Visible) != 1 || tl.Visible[0].StartLabel != "searching" {
		t.Fatalf("timeline = %+v", tl)
	}
}

func TestWatchDeliversLatestView(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := &fixture{ch: newFakeChannel(), cache: newFakeCache()}
	f.m = New(Options{Channel: f.ch, Cache: f.cache})
	ch, cancel := f.m.Watch()
	f.open(t, "c1")
	f.open(t, "c2")

	select {
	case v := <-ch:
		if v.ConversationID != "c2" {
			t.Fatalf("watch got %q, want latest", v.ConversationID)
		}
	case <-time.After(time.Second):
		t.Fatal("no view delivered")
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	if err := f.m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Open(context.Background(), "c3"); !errors.Is(err, pkgerr.ErrClosed) {
		t.Fatalf("Open after Close: %v", err)
	}
}
