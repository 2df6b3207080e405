package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"llmtag/pkg/contract"
)

// 响应模式。
const (
	// ModeFallback: 每个目标行输出一行 "index:<fallback>"（默认）。
	ModeFallback = "fallback"
	// ModeFixed: 原样返回 Response。
	ModeFixed = "fixed"
	// ModeEcho: 回显 user 段，用于检查提示词。
	ModeEcho = "echo"
)

// Options: 离线调试配置（可选），不发起任何网络请求。
type Options struct {
	// ResponseMode: 见 Mode* 常量；留空使用 "fallback"。
	ResponseMode string `json:"response_mode,omitempty"`
	// Response: fixed 模式下返回的文本。
	Response string `json:"response,omitempty"`
	// FallbackTag: fallback 模式下的 tag；默认 "unknown"。
	FallbackTag string `json:"fallback_tag,omitempty"`
}

// Client: 离线 LLM 客户端。
type Client struct {
	mode     string
	response string
	fallback string
	calls    atomic.Int32
}

// New 从原样 JSON 选项构造客户端（拒绝未知字段与未知模式）。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	return newClient(raw)
}

func newClient(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	mode := strings.TrimSpace(o.ResponseMode)
	switch mode {
	case "":
		mode = ModeFallback
	case ModeFallback, ModeFixed, ModeEcho:
	default:
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrInvalidInput, o.ResponseMode)
	}
	if o.FallbackTag == "" {
		o.FallbackTag = "unknown"
	}
	return &Client{mode: mode, response: o.Response, fallback: o.FallbackTag}, nil
}

// Calls 返回累计 Invoke 次数。
func (c *Client) Calls() int { return int(c.calls.Load()) }

// Invoke 按模式构造 Raw。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	c.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	switch c.mode {
	case ModeFixed:
		return contract.Raw{Text: c.response}, nil
	case ModeEcho:
		return contract.Raw{Text: p.User}, nil
	default:
		return contract.Raw{Text: FallbackLines(p.Targets, c.fallback)}, nil
	}
}

// FallbackLines 为每个目标索引生成一行 "index:tag"。
func FallbackLines(targets []contract.Index, tag string) string {
	var sb strings.Builder
	for i, idx := range targets {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(strconv.Itoa(int(idx)))
		sb.WriteByte(':')
		sb.WriteString(tag)
	}
	return sb.String()
}

var _ contract.LLMClient = (*Client)(nil)
