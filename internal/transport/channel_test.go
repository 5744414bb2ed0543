package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/multi-agent/go-chat-core/internal/config"
	"github.com/multi-agent/go-chat-core/internal/event"
)

// recorder 线程安全地收集事件。
type recorder struct {
	mu  sync.Mutex
	evs []event.Event
	ch  chan event.Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan event.Event, 64)}
}

func (r *recorder) handle(ev event.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
	select {
	case r.ch <- ev:
	default:
	}
}

func textPayload(t *testing.T, text string) event.SendPayload {
	t.Helper()
	p, err := event.TextPayload(text)
	if err != nil {
		t.Fatalf("TextPayload: %v", err)
	}
	return p
}

// next 等待下一个事件。
func (r *recorder) next(t *testing.T) event.Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// none 在 d 内不应收到事件。
func (r *recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(d):
	}
}

func TestHubAddRemove(t *testing.T) {
	h := NewHub()
	id1, first := h.Add("c1", func(event.Event) {})
	if !first {
		t.Fatal("first subscriber should report firstForConv")
	}
	id2, first := h.Add("c1", func(event.Event) {})
	if first {
		t.Fatal("second subscriber should not report firstForConv")
	}
	h.Add("c2", func(event.Event) {})

	if last, total := h.Remove("c1", id1); last || total != 2 {
		t.Fatalf("Remove id1 = (%v,%d), want (false,2)", last, total)
	}
	if last, total := h.Remove("c1", id2); !last || total != 1 {
		t.Fatalf("Remove id2 = (%v,%d), want (true,1)", last, total)
	}
	if h.Has("c1") {
		t.Fatal("c1 should have no subscribers")
	}
	if got := h.Count(); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}
}

func TestHubDeliverAllowsUnsubscribeInHandler(t *testing.T) {
	h := NewHub()
	var id uint64
	calls := 0
	id, _ = h.Add("c1", func(event.Event) {
		calls++
		h.Remove("c1", id)
	})
	h.Deliver("c1", event.TextDelta{Text: "a"})
	h.Deliver("c1", event.TextDelta{Text: "b"})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestHubStateListeners(t *testing.T) {
	h := NewHub()
	var got []ConnState
	remove := h.OnStateChange(func(s ConnState) { got = append(got, s) })
	h.SetState(StateConnecting)
	h.SetState(StateConnecting)
	h.SetState(StateConnected)
	remove()
	h.SetState(StateClosed)

	if len(got) != 2 || got[0] != StateConnecting || got[1] != StateConnected {
		t.Fatalf("states = %v", got)
	}
	if h.State() != StateClosed {
		t.Fatalf("State = %s", h.State())
	}
}

func TestSleepWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepWithContext(ctx, time.Hour) {
		t.Fatal("cancelled ctx should return false")
	}
	if !sleepWithContext(context.Background(), time.Millisecond) {
		t.Fatal("elapsed delay should return true")
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		backend, path, want string
		wantErr             bool
	}{
		{"http://localhost:8000", "/ws/chat", "ws://localhost:8000/ws/chat", false},
		{"https://api.example.com/base/", "ws/chat", "wss://api.example.com/base/ws/chat", false},
		{"ws://h:1", "", "ws://h:1", false},
		{"ftp://h", "/ws", "", true},
	}
	for _, tt := range tests {
		got, err := WebSocketURL(tt.backend, tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("WebSocketURL(%q) err = %v, wantErr %v", tt.backend, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("WebSocketURL(%q, %q) = %q, want %q", tt.backend, tt.path, got, tt.want)
		}
	}
}

func TestNewSelectsImplementation(t *testing.T) {
	cfg, err := config.LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	cfg.Transport = config.TransportWS
	ch, err := New(cfg)
	if err != nil {
		t.Fatalf("New ws: %v", err)
	}
	if _, ok := ch.(*WSChannel); !ok {
		t.Fatalf("ws transport = %T", ch)
	}
	_ = ch.Close()

	cfg.Transport = config.TransportSSE
	ch, err = New(cfg)
	if err != nil {
		t.Fatalf("New sse: %v", err)
	}
	if _, ok := ch.(*SSEChannel); !ok {
		t.Fatalf("sse transport = %T", ch)
	}
	_ = ch.Close()

	cfg.Transport = "carrier-pigeon"
	if _, err := New(cfg); err == nil {
		t.Fatal("unknown transport should fail")
	}
}
