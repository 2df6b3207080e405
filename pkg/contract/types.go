package contract

import (
	"fmt"
	"strings"
)

// TableID: 逻辑表标识（通常为源路径，需规范化，跨平台一致）。
type TableID string

// Index: 单表内按位置分配的稳定行索引（0..n-1）。
type Index int

// Row: 表中一行。
// 约束：
// - Index 在加载时按位置分配，运行期不重排、不重新分配；
// - Values 与 Table.Columns 逐列对齐，空字符串即空值。
type Row struct {
	Index  Index
	Values []string
}

// Table: 有序行序列 + 列名顺序。
// 标量值保留源文本；规范文本形式即源文本本身。
type Table struct {
	ID      TableID
	Columns []string
	Rows    []Row
}

// Assertion: 解析得到的 (行索引, tag) 断言；仅在解析/应用期间存在。
type Assertion struct {
	Index Index
	Tag   string
}

// DefaultTagColumn 为目标表缺少 tag 列时追加的列名。
const DefaultTagColumn = "Tag"

// Len 返回行数。
func (t Table) Len() int { return len(t.Rows) }

// ColumnIndex 返回列名的位置（精确匹配）；不存在返回 -1。
func (t Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// TagColumn 解析 tag 列位置：优先精确名 "tag"，其次大小写不敏感匹配（如 "Tag"）；无则 -1。
func TagColumn(columns []string) int {
	for i, c := range columns {
		if c == "tag" {
			return i
		}
	}
	for i, c := range columns {
		if strings.EqualFold(strings.TrimSpace(c), "tag") {
			return i
		}
	}
	return -1
}

// InRange 报告 idx 是否为 t 的合法行位置 [0, Len)。
func (t Table) InRange(idx Index) bool {
	return idx >= 0 && int(idx) < len(t.Rows)
}

// Check 校验表不变量：行索引等于位置、值数与列数一致。
func (t Table) Check() error {
	for i, r := range t.Rows {
		if int(r.Index) != i {
			return fmt.Errorf("%w: row %d carries index %d", ErrInvariantViolation, i, r.Index)
		}
		if len(r.Values) != len(t.Columns) {
			return fmt.Errorf("%w: row %d has %d values for %d columns", ErrInvariantViolation, i, len(r.Values), len(t.Columns))
		}
	}
	return nil
}

// Clone 深拷贝，避免调用方之间共享底层切片。
func (t Table) Clone() Table {
	out := Table{ID: t.ID, Columns: append([]string(nil), t.Columns...)}
	if t.Rows != nil {
		out.Rows = make([]Row, len(t.Rows))
		for i, r := range t.Rows {
			out.Rows[i] = Row{Index: r.Index, Values: append([]string(nil), r.Values...)}
		}
	}
	return out
}

// Tags 返回 tag 列中出现过的非空 tag（按首次出现顺序去重）。
// 无 tag 列时返回 nil。
func (t Table) Tags() []string {
	col := TagColumn(t.Columns)
	if col < 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, r := range t.Rows {
		if col >= len(r.Values) {
			continue
		}
		v := r.Values[col]
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
