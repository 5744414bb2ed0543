package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/multi-agent/go-chat-core/internal/model"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
)

func snap(id string, texts ...string) model.Snapshot {
	s := model.Snapshot{ConversationID: id, SavedAt: time.Now()}
	for i, tx := range texts {
		s.Messages = append(s.Messages, model.Message{Key: fmt.Sprintf("%s-%d", id, i), Role: model.RoleUser, Text: tx})
	}
	return s
}

// countingFetcher 记录回源次数, 可选阻塞直到 release 关闭。
type countingFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	result  map[string]model.Snapshot
	err     error
}

func (f *countingFetcher) Fetch(ctx context.Context, id string) (model.Snapshot, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return model.Snapshot{}, f.err
	}
	s, ok := f.result[id]
	if !ok {
		return model.Snapshot{}, pkgerr.ErrNotFound
	}
	return s, nil
}

func TestMemoryTierLRU(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryTier(2)
	_ = m.Set(ctx, snap("a"))
	_ = m.Set(ctx, snap("b"))
	if _, ok, _ := m.Get(ctx, "a"); !ok {
		t.Fatal("a missing")
	}
	_ = m.Set(ctx, snap("c"))

	if ok, _ := m.Has(ctx, "b"); ok {
		t.Fatal("b should have been evicted as least recently used")
	}
	for _, id := range []string{"a", "c"} {
		if ok, _ := m.Has(ctx, id); !ok {
			t.Fatalf("%s evicted", id)
		}
	}
	if m.Len() != 2 {
		t.Fatalf("Len = %d", m.Len())
	}
}

func TestMemoryTierHasKeepsEvictionOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryTier(2)
	_ = m.Set(ctx, snap("a"))
	_ = m.Set(ctx, snap("b"))
	if ok, _ := m.Has(ctx, "a"); !ok {
		t.Fatal("a missing")
	}
	_ = m.Set(ctx, snap("c"))
	if ok, _ := m.Has(ctx, "a"); ok {
		t.Fatal("Has must not refresh recency")
	}
}

func TestMemoryTierZeroCapacityHoldsOne(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryTier(0)
	_ = m.Set(ctx, snap("a"))
	_ = m.Set(ctx, snap("b"))
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
	if _, ok, _ := m.Get(ctx, "b"); !ok {
		t.Fatal("latest entry missing")
	}
}

func TestMemoryTierReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryTier(4)
	s := snap("a", "one")
	_ = m.Set(ctx, s)
	s.Messages[0].Text = "mutated"

	got, _, _ := m.Get(ctx, "a")
	if got.Messages[0].Text != "one" {
		t.Fatalf("cached message mutated through caller slice: %q", got.Messages[0].Text)
	}
}

func TestFileTierLifecycle(t *testing.T) {
	ctx := context.Background()
	f, err := NewFileTier(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileTier: %v", err)
	}
	info, err := os.Stat(f.Dir())
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Fatalf("dir perm = %o, want 700", perm)
	}

	if _, ok, err := f.Get(ctx, "x/../y"); ok || err != nil {
		t.Fatalf("Get missing = ok %v err %v", ok, err)
	}
	if err := f.Set(ctx, snap("x/../y", "hello")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := f.Get(ctx, "x/../y")
	if err != nil || !ok || got.Messages[0].Text != "hello" {
		t.Fatalf("Get = %+v ok %v err %v", got, ok, err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(f.Dir()); !os.IsNotExist(err) {
		t.Fatalf("session dir not removed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := f.Set(ctx, snap("z")); !errors.Is(err, pkgerr.ErrClosed) {
		t.Fatalf("Set after Close = %v", err)
	}
}

func TestGetPopulatesFasterTiers(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryTier(8)
	durable := NewMemoryTier(8)
	_ = durable.Set(ctx, snap("c1", "from durable"))

	c := New(WithTier(mem), WithTier(durable))
	got, ok, err := c.Get(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("Get = ok %v err %v", ok, err)
	}
	if got.Messages[0].Text != "from durable" {
		t.Fatalf("Get = %+v", got)
	}
	if ok, _ := mem.Has(ctx, "c1"); !ok {
		t.Fatal("memory tier not populated after durable hit")
	}
}

func TestGetFallsBackToFetcher(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryTier(8)
	file, err := NewFileTier(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f := &countingFetcher{result: map[string]model.Snapshot{"c1": snap("c1", "remote")}}
	c := New(WithTier(mem), WithTier(file), WithFetcher(f), WithCloser(file))
	defer c.Close()

	if _, ok, err := c.Get(ctx, "c1"); err != nil || !ok {
		t.Fatalf("Get = ok %v err %v", ok, err)
	}
	for _, tier := range []Tier{mem, file} {
		if ok, _ := tier.Has(ctx, "c1"); !ok {
			t.Fatalf("%s not populated after fetch", tier.Name())
		}
	}
	if _, _, _ = c.Get(ctx, "c1"); f.calls.Load() != 1 {
		t.Fatalf("fetch calls = %d, want 1", f.calls.Load())
	}

	// 后端 404 是未命中而不是错误
	if _, ok, err := c.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get missing = ok %v err %v", ok, err)
	}
}

func TestGetReturnsFetchError(t *testing.T) {
	boom := errors.New("boom")
	c := New(WithTier(NewMemoryTier(1)), WithFetcher(&countingFetcher{err: boom}))
	if _, _, err := c.Get(context.Background(), "c1"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	f := &countingFetcher{
		release: make(chan struct{}),
		result:  map[string]model.Snapshot{"c1": snap("c1", "x")},
	}
	c := New(WithTier(NewMemoryTier(4)), WithFetcher(f))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := c.Get(context.Background(), "c1"); !ok || err != nil {
				t.Errorf("Get = ok %v err %v", ok, err)
			}
		}()
	}
	for f.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(f.release)
	wg.Wait()

	if n := f.calls.Load(); n != 1 {
		t.Fatalf("fetch calls = %d, want 1", n)
	}
}

func TestGetHonoursCallerContext(t *testing.T) {
	f := &countingFetcher{release: make(chan struct{})}
	defer close(f.release)
	c := New(WithFetcher(f))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := c.Get(ctx, "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

// slowTier 记录写入顺序, Set 期间短暂阻塞以暴露并发写入。
type slowTier struct {
	*MemoryTier
	mu      sync.Mutex
	active  int
	overlap bool
}

func (s *slowTier) Set(ctx context.Context, sn model.Snapshot) error {
	s.mu.Lock()
	s.active++
	if s.active > 1 {
		s.overlap = true
	}
	s.mu.Unlock()
	time.Sleep(2 * time.Millisecond)
	err := s.MemoryTier.Set(ctx, sn)
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	return err
}

func TestSetSerializesPerConversation(t *testing.T) {
	tier := &slowTier{MemoryTier: NewMemoryTier(4)}
	c := New(WithTier(tier))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.Set(context.Background(), snap("c1", fmt.Sprint(i)))
		}(i)
	}
	wg.Wait()
	if tier.overlap {
		t.Fatal("writes for the same conversation overlapped")
	}
	if has := c.Has(context.Background(), "c1"); !has {
		t.Fatal("Has = false after Set")
	}
}

func TestSetValidatesAndClose(t *testing.T) {
	c := New(WithTier(NewMemoryTier(1)))
	if err := c.Set(context.Background(), model.Snapshot{}); !errors.Is(err, pkgerr.ErrInvalidInput) {
		t.Fatalf("Set empty id = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.Set(context.Background(), snap("c1")); !errors.Is(err, pkgerr.ErrClosed) {
		t.Fatalf("Set after Close = %v", err)
	}
	if _, _, err := c.Get(context.Background(), "c1"); !errors.Is(err, pkgerr.ErrClosed) {
		t.Fatalf("Get after Close = %v", err)
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conversations/arr/messages":
			_, _ = w.Write([]byte(`[{"role":"user","content":"hi"},{"role":"assistant","content":"hello","reasoning":""}]`))
		case "/conversations/obj/messages":
			_, _ = w.Write([]byte(`{"success":true,"data":{"messages":[{"role":"user","content":"q"}],"traces":[{"trace_id":"t1","tool_call_id":"S1","tool":"grep","status":"start","label":"go","timestamp":"2024-01-01T00:00:00Z"}]}}`))
		case "/conversations/bad/messages":
			_, _ = w.Write([]byte(`{not json`))
		case "/conversations/err/messages":
			http.Error(w, "down", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	f := NewHTTPFetcher(srv.URL+"/", time.Second)
	ctx := context.Background()

	s, err := f.Fetch(ctx, "arr")
	if err != nil || len(s.Messages) != 2 || s.ConversationID != "arr" {
		t.Fatalf("arr = %+v err %v", s, err)
	}
	s, err = f.Fetch(ctx, "obj")
	if err != nil || len(s.Messages) != 1 || len(s.Traces) != 1 {
		t.Fatalf("obj = %+v err %v", s, err)
	}
	if _, err := f.Fetch(ctx, "nope"); !errors.Is(err, pkgerr.ErrNotFound) {
		t.Fatalf("404 err = %v", err)
	}
	if _, err := f.Fetch(ctx, "bad"); pkgerr.CodeOf(err) != pkgerr.CodeMalformed {
		t.Fatalf("bad body code = %s (%v)", pkgerr.CodeOf(err), err)
	}
	if _, err := f.Fetch(ctx, "err"); pkgerr.CodeOf(err) != pkgerr.CodeTransport {
		t.Fatalf("500 code = %s (%v)", pkgerr.CodeOf(err), err)
	}
}
