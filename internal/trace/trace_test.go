package trace

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/multi-agent/go-chat-core/internal/model"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func tr(call, id, tool string, status model.TraceStatus, label string, sec int) model.ExecutionTrace {
	return model.ExecutionTrace{
		TraceID:    id,
		ToolCallID: call,
		Tool:       tool,
		Status:     status,
		Label:      label,
		Timestamp:  base.Add(time.Duration(sec) * time.Second),
	}
}

func reduceAll(traces ...model.ExecutionTrace) State {
	var s State
	for _, t := range traces {
		s = Reduce(s, t)
	}
	return s
}

func TestReduceActiveAndEndTime(t *testing.T) {
	s := reduceAll(
		tr("c1", "t1", "grep", model.TraceStart, "searching", 0),
		tr("c1", "t2", "read", model.TraceStart, "reading", 1),
		tr("c1", "t1", "grep", model.TraceEnd, "found 3", 2),
	)
	b, _ := s.Get("c1")
	if !b.IsActive || b.EndTime != nil {
		t.Fatalf("bucket should stay active while t2 open: %+v", b)
	}

	s = Reduce(s, tr("c1", "t2", "read", model.TraceError, "denied", 3))
	b, _ = s.Get("c1")
	if b.IsActive {
		t.Fatal("bucket should be inactive after all traces terminal")
	}
	if b.EndTime == nil || !b.EndTime.Equal(base.Add(3*time.Second)) {
		t.Fatalf("EndTime = %v", b.EndTime)
	}
	if !b.StartTime.Equal(base) {
		t.Fatalf("StartTime = %v", b.StartTime)
	}

	// 新一轮子操作重新激活
	s = Reduce(s, tr("c1", "t3", "grep", model.TraceStart, "again", 4))
	b, _ = s.Get("c1")
	if !b.IsActive || b.EndTime != nil {
		t.Fatalf("bucket should reopen on new start: %+v", b)
	}
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	s1 := reduceAll(tr("c1", "t1", "grep", model.TraceStart, "a", 0))
	s2 := Reduce(s1, tr("c1", "t1", "grep", model.TraceEnd, "b", 1))
	s3 := Reduce(s1, tr("c2", "t9", "ls", model.TraceStart, "x", 1))

	b1, _ := s1.Get("c1")
	if len(b1.Traces) != 1 || !b1.IsActive {
		t.Fatalf("s1 mutated: %+v", b1)
	}
	if _, ok := s1.Get("c2"); ok {
		t.Fatal("s1 gained bucket c2")
	}
	b2, _ := s2.Get("c1")
	if len(b2.Traces) != 2 || b2.IsActive {
		t.Fatalf("s2 wrong: %+v", b2)
	}
	if got := s3.IDs(); !cmp.Equal(got, []string{"c1", "c2"}) {
		t.Fatalf("s3 IDs = %v", got)
	}
}

func TestReduceLazyBucketFromEndOnly(t *testing.T) {
	s := reduceAll(tr("late", "t1", "grep", model.TraceEnd, "done", 0))
	b, ok := s.Get("late")
	if !ok || b.IsActive {
		t.Fatalf("lazy bucket = %+v, ok=%v", b, ok)
	}
	if ops := Project(b); len(ops) != 0 {
		t.Fatalf("orphan end must be ignored, got %+v", ops)
	}
}

func TestProjectPairsDedupesAndSorts(t *testing.T) {
	dur := int64(1500)
	replayEnd := tr("c1", "t1b", "grep", model.TraceEnd, "found 3", 6)
	errEnd := tr("c1", "t4", "grep", model.TraceError, "boom", 8)
	errEnd.DurationMS = &dur

	s := reduceAll(
		tr("c1", "t2", "read", model.TraceStart, "reading a.go", 3),
		tr("c1", "t1", "grep", model.TraceStart, "searching", 0),
		tr("c1", "t1", "grep", model.TraceEnd, "found 3", 2),
		// 重连后重放的同一操作
		tr("c1", "t1b", "grep", model.TraceStart, "searching", 5),
		replayEnd,
		tr("c1", "t4", "grep", model.TraceStart, "searching", 7),
		errEnd,
	)

	ops := ProjectToolCall(s, "c1")
	str := func(v string) *string { return &v }
	d2000 := int64(2000)
	want := []OperationDisplay{
		{ID: "t1", Tool: "grep", StartLabel: "searching", EndLabel: str("found 3"), Status: OpEnd, DurationMS: &d2000, Timestamp: base},
		{ID: "t2", Tool: "read", StartLabel: "reading a.go", Status: OpActive, Timestamp: base.Add(3 * time.Second)},
		{ID: "t4", Tool: "grep", StartLabel: "searching", EndLabel: str("boom"), Status: OpError, DurationMS: &dur, Timestamp: base.Add(7 * time.Second)},
	}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Fatalf("Project mismatch (-want +got):\n%s", diff)
	}
}

func TestProjectIdempotent(t *testing.T) {
	s := reduceAll(
		tr("c1", "t1", "grep", model.TraceStart, "a", 0),
		tr("c1", "t2", "grep", model.TraceStart, "b", 1),
		tr("c1", "t1", "grep", model.TraceEnd, "a done", 2),
		tr("c2", "t3", "ls", model.TraceStart, "c", 0),
	)
	first := ProjectAll(s)
	second := ProjectAll(s)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("projection not idempotent:\n%s", diff)
	}
	if ProjectToolCall(s, "missing") != nil {
		t.Fatal("unknown tool call should project to nil")
	}
}

func TestElapsedAndFormat(t *testing.T) {
	active := OperationDisplay{Status: OpActive, Timestamp: base}
	if got := active.Elapsed(base.Add(90 * time.Second)); got != 90*time.Second {
		t.Fatalf("Elapsed = %v", got)
	}
	tests := []struct {
		d    time.Duration
		want string
	}{
		{350 * time.Millisecond, "350ms"},
		{1500 * time.Millisecond, "1.5s"},
		{125 * time.Second, "2m05s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestWindow(t *testing.T) {
	ops := make([]OperationDisplay, 7)
	for i := range ops {
		ops[i] = OperationDisplay{ID: string(rune('a' + i)), Status: OpEnd}
	}
	ops[6].Status = OpActive

	tl := Window(ops, 5)
	if tl.Hidden != 2 || len(tl.Visible) != 5 || tl.Visible[0].ID != "c" || !tl.Active {
		t.Fatalf("Window = %+v", tl)
	}
	if tl := Window(ops[:3], 5); tl.Hidden != 0 || len(tl.Visible) != 3 {
		t.Fatalf("short Window = %+v", tl)
	}
}

func TestSynthesize(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleToolCall, ToolCall: &model.ToolCallContent{Name: "Search", ToolCallID: "S1"}, CreatedAt: base},
		{Role: model.RoleToolResult, ToolResult: &model.ToolResultContent{Name: "Search", ToolCallID: "S1"}, CreatedAt: base.Add(time.Second)},
		{Role: model.RoleToolCall, ToolCall: &model.ToolCallContent{Name: "Math", ToolCallID: "temp_x"}},
		{Role: model.RoleToolCall, ToolCall: &model.ToolCallContent{Name: "Read", ToolCallID: "R1"}},
		{Role: model.RoleToolCall, ToolCall: &model.ToolCallContent{Name: "Live", ToolCallID: "L1"}},
	}
	known := reduceAll(tr("L1", "real", "Live", model.TraceStart, "x", 0))

	var agg Aggregator
	agg.Seed(Synthesize(msgs, known))
	s := agg.State()

	if got := s.IDs(); !cmp.Equal(got, []string{"S1", "R1"}) {
		t.Fatalf("synthesized ids = %v", got)
	}
	ops := ProjectToolCall(s, "S1")
	if len(ops) != 1 || ops[0].Status != OpEnd || ops[0].DurationMS == nil || *ops[0].DurationMS != 1000 {
		t.Fatalf("S1 ops = %+v", ops)
	}
	if ops := ProjectToolCall(s, "R1"); len(ops) != 1 || ops[0].Status != OpActive {
		t.Fatalf("R1 ops = %+v", ops)
	}
}

func TestFlattenSkipsSynthetic(t *testing.T) {
	s := reduceAll(
		tr("A", "a1", "grep", model.TraceStart, "x", 0),
		tr("B", synthPrefix+"B", "Read", model.TraceStart, "Read", 1),
		tr("A", "a1", "grep", model.TraceEnd, "done", 2),
	)
	got := Flatten(s)
	if len(got) != 2 || got[0].Status != model.TraceStart || got[1].Status != model.TraceEnd {
		t.Fatalf("Flatten = %+v", got)
	}
	if len(Flatten(State{})) != 0 {
		t.Fatal("Flatten of empty state should be empty")
	}
}
