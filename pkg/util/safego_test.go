package util

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestSafeGo_Executes(t *testing.T) {
	var wg sync.WaitGroup
	var done atomic.Bool
	wg.Add(1)
	SafeGo(func() {
		defer wg.Done()
		done.Store(true)
	})
	wg.Wait()
	if !done.Load() {
		t.Error("SafeGo: function was not executed")
	}
}

func TestSafeGo_PanicDoesNotPropagate(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"string", "test panic"},
		{"int", 42},
		{"error", errSentinel{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var wg sync.WaitGroup
			wg.Add(1)
			SafeGoNamed("test."+tt.name, func() {
				defer wg.Done()
				panic(tt.value)
			})
			// 如果 panic 扩散，测试进程会崩溃
			wg.Wait()
		})
	}
}

func TestSafeGo_MultipleConcurrent(t *testing.T) {
	const n = 100
	var counter atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		SafeGo(func() {
			defer wg.Done()
			counter.Add(1)
		})
	}
	wg.Wait()
	if got := counter.Load(); got != n {
		t.Errorf("SafeGo concurrent: executed %d/%d", got, n)
	}
}

type errSentinel struct{}

func (errSentinel) Error() string { return "sentinel" }
