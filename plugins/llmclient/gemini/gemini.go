package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"google.golang.org/genai"

	"llmtag/pkg/contract"
)

// Options: Google Gemini API 最小必需配置。
type Options struct {
	BaseURL   string `json:"base_url"`    // 为空使用 SDK 默认（https://generativelanguage.googleapis.com/）
	Model     string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 单请求超时（秒）。<=0 表示不设超时。
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Temperature    *float32          `json:"temperature,omitempty"`
	ExtraHeaders   map[string]string `json:"extra_headers"`
}

// DefaultModel 为默认模型。
const DefaultModel = "gemini-2.5-flash"

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.Temperature == nil {
		o.Temperature = genai.Ptr[float32](0)
	}
}

// Client: 基于 google.golang.org/genai 的 GenerateContent 客户端。
type Client struct {
	sdk   *genai.Client
	model string
	temp  float32
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
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}

	httpOpts := genai.HTTPOptions{BaseURL: opts.BaseURL}
	if opts.TimeoutSeconds > 0 {
		httpOpts.Timeout = genai.Ptr(time.Duration(opts.TimeoutSeconds) * time.Second)
	}
	if len(opts.ExtraHeaders) > 0 {
		httpOpts.Headers = http.Header{}
		for k, v := range opts.ExtraHeaders {
			httpOpts.Headers.Set(k, v)
		}
	}
	sdk, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  hc,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Client{sdk: sdk, model: opts.Model, temp: *opts.Temperature}, nil
}

// Invoke 以 system instruction + 单条 user 内容调用 GenerateContent，返回全部文本 part 的拼接。
// SDK 错误（genai.APIError 等）原样返回；无候选视为 ErrResponseInvalid。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	if p.User == "" {
		return contract.Raw{}, fmt.Errorf("gemini: %w: empty user segment", contract.ErrInvalidInput)
	}
	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(c.temp)}
	if p.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(p.System, genai.RoleUser)
	}
	resp, err := c.sdk.Models.GenerateContent(ctx, c.model, []*genai.Content{
		genai.NewContentFromText(p.User, genai.RoleUser),
	}, cfg)
	if err != nil {
		return contract.Raw{}, err
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return contract.Raw{}, fmt.Errorf("gemini: %w: no candidates", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: resp.Text()}, nil
}

var _ contract.LLMClient = (*Client)(nil)
