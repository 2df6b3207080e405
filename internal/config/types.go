package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON/YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Reference: 已打标参考表源；Target: 待打标目标表源（"-" 表示 STDIN，二者不可同时为 "-"）。
	Reference string `json:"reference"`
	Target    string `json:"target"`
	// Output: 输出工件 id（相对 writer 的 output_dir）。
	Output string `json:"output"`
	// MaxTokens: 单次请求的 token 预算；0 表示不限制。
	MaxTokens int `json:"max_tokens"`
	// BytesPerToken: token 估算参数；0 使用默认 4。
	BytesPerToken int     `json:"bytes_per_token"`
	Logging       Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Codec         string `json:"codec"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
	Applier       string `json:"applier"`
	Writer        string `json:"writer"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader,omitempty"`
	Codec         json.RawMessage `json:"codec,omitempty"`
	PromptBuilder json.RawMessage `json:"prompt_builder,omitempty"`
	Decoder       json.RawMessage `json:"decoder,omitempty"`
	Applier       json.RawMessage `json:"applier,omitempty"`
	Writer        json.RawMessage `json:"writer,omitempty"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options,omitempty"`
	Limits  Limits          `json:"limits"`
}

// Limits: provider 侧的请求上限。
type Limits struct {
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}
