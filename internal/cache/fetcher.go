package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/multi-agent/go-chat-core/internal/model"
	pkgerr "github.com/multi-agent/go-chat-core/pkg/errors"
)

const maxFetchBody = 32 << 20

// HTTPFetcher 从后端拉取历史: GET {base}/conversations/{id}/messages。
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
	Header  http.Header
}

// NewHTTPFetcher 创建回源器。
func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

// fetchResponse 兼容 {messages, traces} 与 {success, data:{...}} 两种响应。
type fetchResponse struct {
	Messages []model.Message        `json:"messages"`
	Traces   []model.ExecutionTrace `json:"traces"`
	Data     *fetchResponse         `json:"data"`
}

// Fetch 实现 Fetcher。响应体可以是消息数组或对象。
func (f *HTTPFetcher) Fetch(ctx context.Context, conversationID string) (model.Snapshot, error) {
	const op = "HTTPFetcher.Fetch"
	endpoint := f.BaseURL + "/conversations/" + url.PathEscape(conversationID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.Snapshot{}, pkgerr.Wrap(err, op, "build request")
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range f.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return model.Snapshot{}, pkgerr.WithCode(err, op, pkgerr.CodeTransport, "fetch history")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return model.Snapshot{}, pkgerr.Wrapf(pkgerr.ErrNotFound, op, "conversation %s", conversationID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return model.Snapshot{}, pkgerr.WithCode(
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			op, pkgerr.CodeTransport, "fetch history")
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return model.Snapshot{}, pkgerr.WithCode(err, op, pkgerr.CodeTransport, "read body")
	}
	snap, err := decodeHistory(raw)
	if err != nil {
		return model.Snapshot{}, pkgerr.WithCode(err, op, pkgerr.CodeMalformed, "decode history")
	}
	snap.ConversationID = conversationID
	snap.SavedAt = time.Now()
	return snap, nil
}

func decodeHistory(raw []byte) (model.Snapshot, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var msgs []model.Message
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return model.Snapshot{}, err
		}
		return model.Snapshot{Messages: msgs}, nil
	}
	var body fetchResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return model.Snapshot{}, err
	}
	if body.Data != nil {
		body = *body.Data
	}
	return model.Snapshot{Messages: body.Messages, Traces: body.Traces}, nil
}
