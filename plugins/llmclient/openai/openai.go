package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"llmtag/pkg/contract"
)

// Options: 最小必需配置。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1；为空使用 SDK 默认
	Model          string   `json:"model"`           // 为空则使用默认
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // 可选单请求超时（秒）；0 表示不设超时
	Temperature    *float64 `json:"temperature,omitempty"`
	// ExtraHeaders: 追加/覆盖请求头（用于 OpenAI 兼容服务，如 Azure/OpenRouter 等）。
	ExtraHeaders map[string]string `json:"extra_headers"`
}

// DefaultModel 为默认模型。
const DefaultModel = "gpt-4o-mini"

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.Temperature == nil {
		zero := 0.0
		o.Temperature = &zero
	}
}

// Client: 基于 openai-go 的 chat completions 客户端。
type Client struct {
	sdk   openai.Client
	model string
	temp  float64
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	c, err := NewWithHTTPClient(raw, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewWithHTTPClient 同 New，允许注入自定义 *http.Client（测试/代理）。
func NewWithHTTPClient(raw json.RawMessage, hc *http.Client) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrInvalidInput)
	}

	// 单次调用语义：关闭 SDK 内部重试
	ro := []option.RequestOption{option.WithAPIKey(key), option.WithMaxRetries(0)}
	if opts.BaseURL != "" {
		ro = append(ro, option.WithBaseURL(opts.BaseURL))
	}
	if opts.TimeoutSeconds > 0 {
		ro = append(ro, option.WithRequestTimeout(time.Duration(opts.TimeoutSeconds)*time.Second))
	}
	if hc != nil {
		ro = append(ro, option.WithHTTPClient(hc))
	}
	for k, v := range opts.ExtraHeaders {
		ro = append(ro, option.WithHeader(k, v))
	}
	return &Client{sdk: openai.NewClient(ro...), model: opts.Model, temp: *opts.Temperature}, nil
}

// Invoke 发送 system+user 两条消息并返回首个 choice 的内容。
// SDK 错误（*openai.Error 等）原样返回；无 choice 视为 ErrResponseInvalid。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	for _, m := range p.Messages() {
		switch m.Role {
		case contract.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	if len(msgs) == 0 {
		return contract.Raw{}, fmt.Errorf("openai: %w: empty prompt", contract.ErrInvalidInput)
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    msgs,
		Temperature: openai.Float(c.temp),
	})
	if err != nil {
		return contract.Raw{}, err
	}
	if len(resp.Choices) == 0 {
		return contract.Raw{}, fmt.Errorf("openai: %w: no choices", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: resp.Choices[0].Message.Content}, nil
}

var _ contract.LLMClient = (*Client)(nil)
