package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// 多个 goroutine 并发读写 defaultLogger, go test -race 下不应报 data race。
func TestDefaultLoggerConcurrentAccess(t *testing.T) {
	Init("INFO", "json")

	var wg sync.WaitGroup
	const goroutines = 100
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Info("concurrent log message", FieldKey, "value")
			_ = Get()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		Init("DEBUG", "text")
	}()
	wg.Wait()
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFromContextFallback(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext(background) returned nil")
	}
	custom := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := WithContext(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Fatal("FromContext did not return injected logger")
	}
}

func TestInitWithFile(t *testing.T) {
	dir := t.TempDir()
	if err := InitWithFile(dir, "INFO"); err != nil {
		t.Fatalf("InitWithFile: %v", err)
	}
	Info("hello file", FieldConversationID, "c1")
	ShutdownFileHandler()
	defer Init("INFO", "text")

	matches, _ := filepath.Glob(filepath.Join(dir, "chat-core-*.log"))
	if len(matches) != 1 {
		t.Fatalf("log files = %v, want 1", matches)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"conversation_id":"c1"`) {
		t.Fatalf("log content missing field: %s", data)
	}
}
