package registry

import (
	"bytes"
	"encoding/json"
	"sort"

	"llmtag/pkg/contract"
	acol "llmtag/plugins/applier/column"
	ccsv "llmtag/plugins/codec/csv"
	dline "llmtag/plugins/decoder/linetag"
	flaky "llmtag/plugins/llmclient/flaky"
	gmi "llmtag/plugins/llmclient/gemini"
	mock "llmtag/plugins/llmclient/mock"
	oai "llmtag/plugins/llmclient/openai"
	ptag "llmtag/plugins/prompt/tagging"
	rfs "llmtag/plugins/reader/filesystem"
	wfs "llmtag/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewCodec 工厂签名：接收原样 JSON Options。
type NewCodec func(raw json.RawMessage) (contract.Codec, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.LLMClient, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// NewApplier 工厂签名：接收原样 JSON Options。
type NewApplier func(raw json.RawMessage) (contract.Applier, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Codec 工厂注册表。
var Codec = map[string]NewCodec{
	// csv: encoding/csv 分隔文本编解码
	"csv": func(raw json.RawMessage) (contract.Codec, error) {
		var opts ccsv.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ccsv.New(&opts)
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// tagging: 少样本表格打标（system 参考表 + user 目标表与输出约束）
	"tagging": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts ptag.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ptag.New(&opts)
	},
}

// LLMClient 工厂注册表。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage) (contract.LLMClient, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage) (contract.LLMClient, error) { return gmi.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.LLMClient, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// linetag: 逐行 "index:tag" 解码器（不合规行跳过）
	"linetag": func(raw json.RawMessage) (contract.Decoder, error) { return dline.New(raw) },
}

// Applier 工厂注册表。
var Applier = map[string]NewApplier{
	// column: 按行索引写入 tag 列，后写为准，越界丢弃
	"column": func(raw json.RawMessage) (contract.Applier, error) { return acol.New(raw) },
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}

// Names 返回注册表中的实现名（字典序），用于错误提示与 init-config 输出。
func Names[F any](m map[string]F) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
