package config

import (
	"encoding/json"
	"strings"
)

// DefaultTemplateConfig 返回 init-config 生成的默认配置模板：
// - 参考表 tables/09_2025.csv，输出 tables/10_2025_tagged.csv；
// - 默认 provider 为 openai（gpt-4o-mini），同时列出 gemini/mock/flaky 便于切换；
// - 各组件 Options 列出全部键，值为安全中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Reference:     d.Reference,
		Output:        d.Output,
		MaxTokens:     0,
		BytesPerToken: 4,
		Logging:       Logging{Level: "info"},
		Components:    d.Components,
		LLM:           "openai",
		Provider: map[string]Provider{
			"openai": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "gpt-4o-mini",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 0,
  "temperature": 0,
  "extra_headers": {}
}`),
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "gemini-2.5-flash",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "timeout_seconds": 0,
  "temperature": 0,
  "extra_headers": {}
}`),
			},
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"response_mode":"fallback","response":"","fallback_tag":"unknown"}`),
			},
			"flaky": {
				Client:  "flaky",
				Options: json.RawMessage(`{"fail_calls":1,"fallback_tag":"unknown","log_path":""}`),
			},
		},
	}
	cfg.Options.Reader = json.RawMessage(`{"buf_size": 65536}`)
	cfg.Options.Codec = json.RawMessage(`{"delimiter": ",", "lazy_quotes": false}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "fallback_tag": "unknown",
  "format": "dump"
}`)
	cfg.Options.Decoder = json.RawMessage(`{"separator": ":"}`)
	cfg.Options.Applier = json.RawMessage(`{"column": "", "create_column": "Tag"}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": "tables",
  "atomic": true,
  "flat": true,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536
}`)
	return cfg
}

// DotEnvTemplate 返回 .env 模板内容：列出支持的覆盖项与常见供应商密钥。
func DotEnvTemplate() string {
	var b strings.Builder
	b.WriteString("# llmtag .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString(EnvPrefix + "CONFIG_FILE=\n")
	b.WriteString(EnvPrefix + "CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{"REFERENCE", "TARGET", "OUTPUT", "MAX_TOKENS", "BYTES_PER_TOKEN", "LLM", "LOG_LEVEL"} {
		b.WriteString(EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 组件选择\n")
	for _, k := range []string{"READER", "CODEC", "PROMPT_BUILDER", "DECODER", "APPLIER", "WRITER"} {
		b.WriteString(EnvPrefix + "COMPONENTS_" + k + "=\n")
	}
	for _, name := range []string{"openai", "gemini"} {
		b.WriteString("\n# Provider 覆盖（" + name + "）\n")
		for _, f := range []string{"CLIENT", "LIMITS_MAX_TOKENS_PER_REQ", "OPTIONS_JSON"} {
			b.WriteString(EnvPrefix + "PROVIDER__" + name + "__" + f + "=\n")
		}
	}
	// 由 Provider 客户端读取，不经 LLMTAG_ 前缀
	b.WriteString("\n# 常见供应商 API Key\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("GOOGLE_API_KEY=\n")
	return b.String()
}
