package linetag

import (
	"bytes"
	"encoding/json"
	"iter"
	"strconv"
	"strings"

	"llmtag/pkg/contract"
)

// Options: 行格式解码器配置。
type Options struct {
	// Separator: index 与 tag 之间的分隔符，仅按首次出现切分。默认 ":"。
	Separator string `json:"separator"`
}

// DefaultSeparator 为默认分隔符。
const DefaultSeparator = ":"

type decoder struct {
	sep string
}

// New 从原样 JSON Options 创建解码器（拒绝未知字段）。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, err
		}
	}
	sep := opts.Separator
	if sep == "" {
		sep = DefaultSeparator
	}
	return &decoder{sep: sep}, nil
}

// Decode 对 Raw.Text 执行 ParseSep。
func (d *decoder) Decode(raw contract.Raw) iter.Seq2[contract.Assertion, error] {
	return ParseSep(raw.Text, d.sep)
}

// Parse 以默认分隔符解析 "index:tag" 行。
func Parse(text string) iter.Seq2[contract.Assertion, error] {
	return ParseSep(text, DefaultSeparator)
}

// ParseSep: 惰性逐行解析，可重复遍历。
// 每行：
//   - 不含 sep → (零值, *LineError{ErrLineMalformed})
//   - 仅按首个 sep 切分；左侧去空白后按十进制整数解析，失败 → (零值, *LineError{ErrIndexInvalid})
//   - 右侧去空白后原样作为 tag（不做大小写归一，允许为空）
func ParseSep(text, sep string) iter.Seq2[contract.Assertion, error] {
	return func(yield func(contract.Assertion, error) bool) {
		n := 0
		for line := range strings.Lines(text) {
			n++
			line = strings.TrimRight(line, "\r\n")
			left, right, ok := strings.Cut(line, sep)
			if !ok {
				if !yield(contract.Assertion{}, &contract.LineError{Line: n, Text: line, Err: contract.ErrLineMalformed}) {
					return
				}
				continue
			}
			idx, err := strconv.Atoi(strings.TrimSpace(left))
			if err != nil {
				if !yield(contract.Assertion{}, &contract.LineError{Line: n, Text: line, Err: contract.ErrIndexInvalid}) {
					return
				}
				continue
			}
			if !yield(contract.Assertion{Index: contract.Index(idx), Tag: strings.TrimSpace(right)}, nil) {
				return
			}
		}
	}
}
