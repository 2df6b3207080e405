package contract

import (
	"context"
	"fmt"
	"iter"
)

// LineError: 单行解析失败的诊断信息（可恢复，行被跳过）。
type LineError struct {
	Line int // 1 起始的行号
	Text string
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("line %d %q: %v", e.Line, e.Text, e.Err) }

func (e *LineError) Unwrap() error { return e.Err }

// Decoder: 将 Raw 解析为惰性、可重放的断言序列。
// 约束：
//  1. 纯函数语义：同一 Raw 多次遍历结果一致；
//  2. 不合规行以 (零值, *LineError) 产出，绝不 panic、绝不中止序列；
//  3. 按出现顺序产出，允许重复 index（由 Applier 以后写为准）。
type Decoder interface {
	Decode(raw Raw) iter.Seq2[Assertion, error]
}

// ApplyReport: 单次应用的结果摘要。
type ApplyReport struct {
	Applied     int
	Overwritten int         // 同批内重复 index 覆盖次数
	Dropped     []Assertion // 越界被丢弃的断言
}

// Applier: 将断言写入目标表的 tag 列。
// 约束：
//  1. 仅修改 tag 单元格；缺少 tag 列时追加；
//  2. 按序应用，同 index 后写为准；
//  3. 越界断言丢弃且不返回错误（fail-soft）；
//  4. 未命中的行保持原值。
type Applier interface {
	Apply(ctx context.Context, t *Table, as iter.Seq[Assertion]) (ApplyReport, error)
}
