package config

import (
	"errors"
	"fmt"
	"strings"

	"llmtag/internal/pipeline"
	"llmtag/pkg/contract"
	"llmtag/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	ref, tgt := strings.TrimSpace(cfg.Reference), strings.TrimSpace(cfg.Target)
	if ref == "" {
		return errors.New("config: reference not set")
	}
	if tgt == "" {
		return errors.New("config: target not set")
	}
	if ref == "-" && tgt == "-" {
		return errors.New("config: reference and target cannot both read stdin")
	}
	if strings.TrimSpace(cfg.Output) == "" {
		return errors.New("config: output not set")
	}
	if cfg.MaxTokens < 0 {
		return errors.New("config: max_tokens must be >= 0")
	}
	if cfg.BytesPerToken < 0 {
		return errors.New("config: bytes_per_token must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: logging.level %q invalid (debug|info|warn|error)", cfg.Logging.Level)
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if prov.Limits.MaxTokensPerReq < 0 {
		return fmt.Errorf("config: provider %q max_tokens_per_req must be >= 0", cfg.LLM)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered (%s)", prov.Client, strings.Join(registry.Names(registry.LLMClient), ", "))
	}
	// 组件名为空时使用默认名
	d := Defaults().Components
	rn, cn := effName(cfg.Components.Reader, d.Reader), effName(cfg.Components.Codec, d.Codec)
	pn, dn := effName(cfg.Components.PromptBuilder, d.PromptBuilder), effName(cfg.Components.Decoder, d.Decoder)
	an, wn := effName(cfg.Components.Applier, d.Applier), effName(cfg.Components.Writer, d.Writer)
	for _, c := range []struct {
		kind, name string
		ok         bool
	}{
		{"reader", rn, registry.Reader[rn] != nil},
		{"codec", cn, registry.Codec[cn] != nil},
		{"prompt_builder", pn, registry.PromptBuilder[pn] != nil},
		{"decoder", dn, registry.Decoder[dn] != nil},
		{"applier", an, registry.Applier[an] != nil},
		{"writer", wn, registry.Writer[wn] != nil},
	} {
		if !c.ok {
			return fmt.Errorf("config: %s %q not registered", c.kind, c.name)
		}
	}
	return nil
}

// Assemble 构造 Components 与 Settings。LLM 客户端在此处构造一次并注入流水线。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	d := Defaults().Components
	var (
		comp pipeline.Components
		err  error
	)
	if comp.Reader, err = registry.Reader[effName(cfg.Components.Reader, d.Reader)](cfg.Options.Reader); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("reader options: %w", err)
	}
	if comp.Codec, err = registry.Codec[effName(cfg.Components.Codec, d.Codec)](cfg.Options.Codec); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("codec options: %w", err)
	}
	if comp.PromptBuilder, err = registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)](cfg.Options.PromptBuilder); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("prompt_builder options: %w", err)
	}
	if comp.Decoder, err = registry.Decoder[effName(cfg.Components.Decoder, d.Decoder)](cfg.Options.Decoder); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("decoder options: %w", err)
	}
	if comp.Applier, err = registry.Applier[effName(cfg.Components.Applier, d.Applier)](cfg.Options.Applier); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("applier options: %w", err)
	}
	if comp.Writer, err = registry.Writer[effName(cfg.Components.Writer, d.Writer)](cfg.Options.Writer); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("writer options: %w", err)
	}

	prov := cfg.Provider[cfg.LLM]
	if comp.LLM, err = registry.LLMClient[prov.Client](prov.Options); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("provider %q: %w", cfg.LLM, err)
	}

	set := pipeline.Settings{
		Reference:       strings.TrimSpace(cfg.Reference),
		Target:          strings.TrimSpace(cfg.Target),
		Output:          contract.ArtifactID(strings.TrimSpace(cfg.Output)),
		MaxTokens:       cfg.MaxTokens,
		MaxTokensPerReq: prov.Limits.MaxTokensPerReq,
		BytesPerToken:   cfg.BytesPerToken,
		LLM:             cfg.LLM,
	}
	return comp, set, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
