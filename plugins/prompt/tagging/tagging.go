package tagging

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"text/template"

	"llmtag/pkg/contract"
)

// Options 为“少样本表格打标” PromptBuilder 的最小配置。
// - InlineSystemTemplate / SystemTemplatePath: system 提示模板（二选一，均为空时使用内置默认模板）。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	// FallbackTag: 无语义匹配时要求 oracle 输出的字面值。默认 "unknown"。
	FallbackTag string `json:"fallback_tag"`
	// Format: 表格在提示词中的呈现方式。"dump"（默认，带索引对齐转储）或 "csv"（逗号分隔文本）。
	Format string `json:"format"`
}

// 表格呈现方式。
const (
	FormatDump = "dump"
	FormatCSV  = "csv"
)

// DefaultFallbackTag 为默认兜底 tag。
const DefaultFallbackTag = "unknown"

// Builder: 以参考表 + 目标表构造两段式 Prompt（system+user）。
// 运行期不做 I/O；模板在构造期解析。
type Builder struct {
	sysT     *template.Template
	fallback string
	format   string
}

// SystemData 为 system 模板可用的数据。
type SystemData struct {
	// Examples: 按 Format 渲染的参考表文本。
	Examples string
	// Tags: 参考表中出现过的 tag（去重、首次出现顺序）。
	Tags []string
	// Fallback: 兜底 tag 字面值。
	Fallback string
}

// New 创建打标 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}

	// 加载 system 模板（构造期 I/O）。
	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("system").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}

	fb := o.FallbackTag
	if fb == "" {
		fb = DefaultFallbackTag
	}
	format := o.Format
	switch format {
	case "":
		format = FormatDump
	case FormatDump, FormatCSV:
	default:
		return nil, fmt.Errorf("%w: unknown format %q", contract.ErrInvalidInput, o.Format)
	}
	return &Builder{sysT: tpl, fallback: fb, format: format}, nil
}

// Build: 基于参考表与目标表构造 Prompt。空表或参考表缺少 tag 列时返回 ErrInvalidInput。
func (b *Builder) Build(ctx context.Context, in contract.PromptInput) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return contract.Prompt{}, ctx.Err()
	default:
	}
	if in.Reference.Len() == 0 {
		return contract.Prompt{}, fmt.Errorf("prompt: %w: empty reference table", contract.ErrInvalidInput)
	}
	if in.Target.Len() == 0 {
		return contract.Prompt{}, fmt.Errorf("prompt: %w: empty target table", contract.ErrInvalidInput)
	}
	if contract.TagColumn(in.Reference.Columns) < 0 {
		return contract.Prompt{}, fmt.Errorf("prompt: %w: reference table has no tag column", contract.ErrInvalidInput)
	}
	tags := in.Reference.Tags()

	// system 渲染
	var sysBuf bytes.Buffer
	data := SystemData{Examples: b.render(in.Reference, true), Tags: tags, Fallback: b.fallback}
	if err := b.sysT.Execute(&sysBuf, data); err != nil {
		return contract.Prompt{}, fmt.Errorf("system render: %w: %v", contract.ErrInvalidInput, err)
	}

	// user 组装：目标表与输出约束
	var uw bytes.Buffer
	uw.Grow(1024)
	uw.WriteString("That is the untagged table:\n")
	uw.WriteString(b.render(in.Target, false))
	uw.WriteString("\n\nRules for tagging:\n")
	uw.WriteString("1) Output exactly one line per row of the untagged table, in this exact format: index:tag\n")
	uw.WriteString("2) Do not include any other text, headers, extra notes or explanations.\n")
	uw.WriteString("3) tag must match exactly a tag of the examples table. If no match is found, output '")
	uw.WriteString(b.fallback)
	uw.WriteString("' as tag.\n")
	uw.WriteString("allowed tags: [")
	for i, t := range tags {
		if i > 0 {
			uw.WriteString(", ")
		}
		uw.WriteString(t)
	}
	uw.WriteString("]\n")
	uw.WriteString("rows: ")
	uw.WriteString(strconv.Itoa(in.Target.Len()))
	uw.WriteString("\n")

	targets := make([]contract.Index, 0, in.Target.Len())
	for _, r := range in.Target.Rows {
		targets = append(targets, r.Index)
	}
	return contract.Prompt{System: sysBuf.String(), User: uw.String(), Targets: targets}, nil
}

// render 按呈现方式渲染表格。csv 形式下目标表省略 tag 列；dump 形式保留所有列（空值显示为 NaN）。
func (b *Builder) render(t contract.Table, reference bool) string {
	if b.format == FormatCSV {
		return contract.RenderCSV(t, reference)
	}
	return contract.RenderDump(t)
}

// 静态接口断言
var _ contract.PromptBuilder = (*Builder)(nil)

// 默认 system 模板。
const defaultSystemTemplate = `Analyse this table and use as base to tag future rows:
{{.Examples}}`
