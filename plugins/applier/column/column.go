package column

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"llmtag/pkg/contract"
)

// Options: tag 列写入配置。
type Options struct {
	// Column: 显式指定写入列名（精确匹配）；为空时按 contract.TagColumn 解析。
	Column string `json:"column"`
	// CreateColumn: 目标表缺少 tag 列时追加的列名。默认 contract.DefaultTagColumn。
	CreateColumn string `json:"create_column"`
}

type applier struct {
	column string
	create string
}

// New 从原样 JSON Options 创建 Applier（拒绝未知字段）。
func New(raw json.RawMessage) (contract.Applier, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, err
		}
	}
	create := opts.CreateColumn
	if create == "" {
		create = opts.Column
	}
	if create == "" {
		create = contract.DefaultTagColumn
	}
	return &applier{column: opts.Column, create: create}, nil
}

// Apply 按序把断言写入对应行的 tag 单元格；同 index 后写为准。
// 越界断言记录到 ApplyReport.Dropped，不修改表、不返回错误。
// 缺少 tag 列时在首个有效断言写入前追加；全部越界时表保持原样。
func (a *applier) Apply(ctx context.Context, t *contract.Table, as iter.Seq[contract.Assertion]) (contract.ApplyReport, error) {
	var rep contract.ApplyReport
	select {
	case <-ctx.Done():
		return rep, ctx.Err()
	default:
	}
	if t == nil {
		return rep, fmt.Errorf("apply: %w: nil table", contract.ErrInvalidInput)
	}
	if err := t.Check(); err != nil {
		return rep, err
	}
	col := a.lookup(t)

	assigned := make(map[contract.Index]struct{})
	for x := range as {
		if !t.InRange(x.Index) {
			rep.Dropped = append(rep.Dropped, x)
			continue
		}
		if col < 0 {
			col = a.appendColumn(t)
		}
		if _, dup := assigned[x.Index]; dup {
			rep.Overwritten++
		} else {
			assigned[x.Index] = struct{}{}
		}
		t.Rows[x.Index].Values[col] = x.Tag
		rep.Applied++
	}
	return rep, nil
}

// lookup 返回写入列位置；缺失时为 -1。
func (a *applier) lookup(t *contract.Table) int {
	if a.column != "" {
		return t.ColumnIndex(a.column)
	}
	return contract.TagColumn(t.Columns)
}

// appendColumn 在末尾追加新列并为每行补空值。
func (a *applier) appendColumn(t *contract.Table) int {
	t.Columns = append(t.Columns, a.create)
	for i := range t.Rows {
		t.Rows[i].Values = append(t.Rows[i].Values, "")
	}
	return len(t.Columns) - 1
}
