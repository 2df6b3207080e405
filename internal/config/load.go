package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 为本程序的环境变量前缀。
const EnvPrefix = "LLMTAG_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：Target 不设默认（由 CLI 参数/配置/ENV 或交互输入提供）。
func Defaults() Config {
	return Config{
		Reference: "tables/09_2025.csv",
		Output:    "10_2025_tagged.csv",
		Logging:   Logging{Level: "info"},
		Components: Components{
			Reader:        "fs",
			Codec:         "csv",
			PromptBuilder: "tagging",
			Decoder:       "linetag",
			Applier:       "column",
			Writer:        "fs",
		},
		LLM: "openai",
		Provider: map[string]Provider{
			"openai": {Client: "openai"},
			"gemini": {Client: "gemini"},
			"mock":   {Client: "mock"},
		},
		Options: Options{
			Writer: json.RawMessage(`{"output_dir":"tables"}`),
		},
	}
}

// LoadFile 按扩展名解析配置文件：.yaml/.yml 走 YAML，其余按 JSON。
func LoadFile(path string) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		return LoadYAML(b)
	default:
		return LoadJSON(path, nil)
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return Config{}, err
		}
		defer f.Close()
		r = f
	default:
		return Config{}, errors.New("no config source provided")
	}
	return decodeStrict(r)
}

// LoadYAML 将 YAML 文档转为 JSON 后严格解析，保证两种格式的字段集合一致。
func LoadYAML(raw []byte) (Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return Config{}, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return Config{}, fmt.Errorf("yaml: %w", err)
	}
	return decodeStrict(bytes.NewReader(b))
}

func decodeStrict(r io.Reader) (Config, error) {
	var cfg Config
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	out.Provider = maps.Clone(base.Provider)

	if s := strings.TrimSpace(over.Reference); s != "" {
		out.Reference = s
	}
	if s := strings.TrimSpace(over.Target); s != "" {
		out.Target = s
	}
	if s := strings.TrimSpace(over.Output); s != "" {
		out.Output = s
	}
	if over.MaxTokens != 0 {
		out.MaxTokens = over.MaxTokens
	}
	if over.BytesPerToken != 0 {
		out.BytesPerToken = over.BytesPerToken
	}
	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}

	// 组件名（空不覆盖）
	out.Components.Reader = pick(out.Components.Reader, over.Components.Reader)
	out.Components.Codec = pick(out.Components.Codec, over.Components.Codec)
	out.Components.PromptBuilder = pick(out.Components.PromptBuilder, over.Components.PromptBuilder)
	out.Components.Decoder = pick(out.Components.Decoder, over.Components.Decoder)
	out.Components.Applier = pick(out.Components.Applier, over.Components.Applier)
	out.Components.Writer = pick(out.Components.Writer, over.Components.Writer)

	// Provider（逐字段覆盖：空值不覆盖）
	if len(over.Provider) > 0 {
		if out.Provider == nil {
			out.Provider = make(map[string]Provider, len(over.Provider))
		}
		for k, v := range over.Provider {
			p := out.Provider[k]
			p.Client = pick(p.Client, v.Client)
			p.Options = pickRaw(p.Options, v.Options)
			if v.Limits.MaxTokensPerReq != 0 {
				p.Limits.MaxTokensPerReq = v.Limits.MaxTokensPerReq
			}
			out.Provider[k] = p
		}
	}

	// Options（完整替换对应键）
	out.Options.Reader = pickRaw(out.Options.Reader, over.Options.Reader)
	out.Options.Codec = pickRaw(out.Options.Codec, over.Options.Codec)
	out.Options.PromptBuilder = pickRaw(out.Options.PromptBuilder, over.Options.PromptBuilder)
	out.Options.Decoder = pickRaw(out.Options.Decoder, over.Options.Decoder)
	out.Options.Applier = pickRaw(out.Options.Applier, over.Options.Applier)
	out.Options.Writer = pickRaw(out.Options.Writer, over.Options.Writer)

	if s := strings.TrimSpace(over.LLM); s != "" {
		out.LLM = s
	}
	return out
}

type envComponents struct {
	Reader        string `env:"READER"`
	Codec         string `env:"CODEC"`
	PromptBuilder string `env:"PROMPT_BUILDER"`
	Decoder       string `env:"DECODER"`
	Applier       string `env:"APPLIER"`
	Writer        string `env:"WRITER"`
}

type envConfig struct {
	Reference     string        `env:"REFERENCE"`
	Target        string        `env:"TARGET"`
	Output        string        `env:"OUTPUT"`
	MaxTokens     int           `env:"MAX_TOKENS"`
	BytesPerToken int           `env:"BYTES_PER_TOKEN"`
	LLM           string        `env:"LLM"`
	LogLevel      string        `env:"LOG_LEVEL"`
	Components    envComponents `envPrefix:"COMPONENTS_"`
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（前缀 LLMTAG_）。
// 标量键经 caarlos0/env 解析：REFERENCE, TARGET, OUTPUT, MAX_TOKENS, BYTES_PER_TOKEN, LLM, LOG_LEVEL, COMPONENTS_*；
// 另支持 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_MAX_TOKENS_PER_REQ / PROVIDER__<name>__OPTIONS_JSON。
// 数值无法解析时返回错误。
func EnvOverlay(environ []string) (Config, error) {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		// 空值视为未设置（.env 模板中的占位键）
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix) && strings.TrimSpace(v) != "" {
			vars[k] = v
		}
	}

	var ec envConfig
	if err := env.ParseWithOptions(&ec, env.Options{Environment: vars, Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("env: %w", err)
	}
	over := Config{
		Reference:     ec.Reference,
		Target:        ec.Target,
		Output:        ec.Output,
		MaxTokens:     ec.MaxTokens,
		BytesPerToken: ec.BytesPerToken,
		LLM:           strings.TrimSpace(ec.LLM),
		Logging:       Logging{Level: ec.LogLevel},
		Components: Components{
			Reader:        strings.TrimSpace(ec.Components.Reader),
			Codec:         strings.TrimSpace(ec.Components.Codec),
			PromptBuilder: strings.TrimSpace(ec.Components.PromptBuilder),
			Decoder:       strings.TrimSpace(ec.Components.Decoder),
			Applier:       strings.TrimSpace(ec.Components.Applier),
			Writer:        strings.TrimSpace(ec.Components.Writer),
		},
	}

	prov := map[string]Provider{}
	for key, val := range vars {
		nk := strings.TrimPrefix(key, EnvPrefix)
		if !strings.HasPrefix(nk, "PROVIDER__") {
			continue
		}
		parts := strings.SplitN(nk, "__", 3)
		if len(parts) != 3 || strings.TrimSpace(parts[1]) == "" {
			continue
		}
		name, field := strings.TrimSpace(parts[1]), parts[2]
		val = strings.TrimSpace(val)
		p := prov[name]
		switch field {
		case "CLIENT":
			p.Client = val
		case "LIMITS_MAX_TOKENS_PER_REQ":
			n, err := strconv.Atoi(val)
			if err != nil {
				return Config{}, fmt.Errorf("env: %s: %w", key, err)
			}
			p.Limits.MaxTokensPerReq = n
		case "OPTIONS_JSON":
			if !json.Valid([]byte(val)) {
				return Config{}, fmt.Errorf("env: %s: invalid JSON", key)
			}
			p.Options = json.RawMessage(val)
		default:
			continue
		}
		prov[name] = p
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func pick(cur, over string) string {
	if s := strings.TrimSpace(over); s != "" {
		return s
	}
	return cur
}

func pickRaw(cur, over json.RawMessage) json.RawMessage {
	if len(over) > 0 {
		return cloneRaw(over)
	}
	return cur
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
