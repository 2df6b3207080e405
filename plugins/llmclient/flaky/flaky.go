package flaky

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"strings"
	"sync/atomic"

	"llmtag/pkg/contract"
	"llmtag/plugins/llmclient/mock"
)

// Options 定义可选项。
type Options struct {
	// FailCalls: 前 N 次 Invoke 返回网络类错误。默认 1；显式 0 表示不失败。
	FailCalls *int `json:"fail_calls,omitempty"`
	// FallbackTag: 成功应答中使用的 tag；默认 "unknown"。
	FallbackTag string `json:"fallback_tag,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的故障注入 LLM 实现：
// 前 FailCalls 次 Invoke 返回 *net.OpError（网络类错误）；
// 之后返回夹杂不合规行（标题、说明、非法索引、越界索引）的 fallback 应答。
type Client struct {
	fail     int32
	fallback string
	logPath  string
	count    atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	fail := 1
	if o.FailCalls != nil {
		fail = max(*o.FailCalls, 0)
	}
	if o.FallbackTag == "" {
		o.FallbackTag = "unknown"
	}
	return &Client{fail: int32(fail), fallback: o.FallbackTag, logPath: o.LogPath}, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// ErrInjected 为注入的底层网络错误。
var ErrInjected = errors.New("flaky: connection reset by peer")

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	if n := c.count.Add(1); n <= c.fail {
		c.log("network_error")
		return contract.Raw{}, &net.OpError{Op: "read", Net: "tcp", Err: ErrInjected}
	}
	c.log("ok")
	var sb strings.Builder
	sb.WriteString("Here are the tags:\n")
	sb.WriteString("index:tag\n")
	sb.WriteString(mock.FallbackLines(p.Targets, c.fallback))
	sb.WriteString("\nx:bad\n")
	sb.WriteString("-1:" + c.fallback + "\n")
	sb.WriteString("Hope this helps!")
	return contract.Raw{Text: sb.String()}, nil
}

var _ contract.LLMClient = (*Client)(nil)
