// file.go — 会话级层: 本次运行的私有临时目录, Close 时删除。
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/multi-agent/go-chat-core/internal/model"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
	"github.com/multi-agent/go-chat-core/pkg/logger"
)

// FileTier 每个会话一个 JSON 文件。
type FileTier struct {
	dir string

	mu     sync.RWMutex
	closed bool
}

// NewFileTier 在 parent 下创建私有目录 (parent 为空时使用系统临时目录)。
func NewFileTier(parent string) (*FileTier, error) {
	const op = "FileTier.New"
	if parent != "" {
		if err := os.MkdirAll(parent, 0o700); err != nil {
			return nil, pkgerr.WithCode(err, op, pkgerr.CodeStorage, "create parent dir")
		}
	}
	dir, err := os.MkdirTemp(parent, "chat-core-session-*")
	if err != nil {
		return nil, pkgerr.WithCode(err, op, pkgerr.CodeStorage, "create session dir")
	}
	return &FileTier{dir: dir}, nil
}

func (f *FileTier) Name() string { return "session" }

// Dir 目录路径。
func (f *FileTier) Dir() string { return f.dir }

func (f *FileTier) path(id string) string {
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:16])+".json")
}

func (f *FileTier) Get(_ context.Context, id string) (model.Snapshot, bool, error) {
	const op = "FileTier.Get"
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return model.Snapshot{}, false, pkgerr.ErrClosed
	}
	raw, err := os.ReadFile(f.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, pkgerr.WithCode(err, op, pkgerr.CodeStorage, "read snapshot")
	}
	var snap model.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// 损坏的文件按未命中处理
		logger.Warn("cache: corrupt session snapshot ignored", logger.FieldConversationID, id, logger.FieldError, err)
		return model.Snapshot{}, false, nil
	}
	return snap, true, nil
}

func (f *FileTier) Set(_ context.Context, snap model.Snapshot) error {
	const op = "FileTier.Set"
	raw, err := json.Marshal(snap)
	if err != nil {
		return pkgerr.Wrap(err, op, "marshal snapshot")
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return pkgerr.ErrClosed
	}
	tmp, err := os.CreateTemp(f.dir, ".snap-*")
	if err != nil {
		return pkgerr.WithCode(err, op, pkgerr.CodeStorage, "create temp file")
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return pkgerr.WithCode(err, op, pkgerr.CodeStorage, "write snapshot")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return pkgerr.WithCode(err, op, pkgerr.CodeStorage, "close snapshot")
	}
	if err := os.Rename(tmp.Name(), f.path(snap.ConversationID)); err != nil {
		_ = os.Remove(tmp.Name())
		return pkgerr.WithCode(err, op, pkgerr.CodeStorage, "rename snapshot")
	}
	return nil
}

func (f *FileTier) Has(_ context.Context, id string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false, pkgerr.ErrClosed
	}
	_, err := os.Stat(f.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Close 删除整个目录。幂等。
func (f *FileTier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if err := os.RemoveAll(f.dir); err != nil {
		return pkgerr.WithCode(err, "FileTier.Close", pkgerr.CodeStorage, "remove session dir")
	}
	return nil
}
