package contract

import (
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"
)

// dumpNull 为对齐转储中空值的显示文本。
const dumpNull = "NaN"

// RenderCSV 将表渲染为逗号分隔文本：首行为列名，其后每行一条记录（按行索引顺序）。
// includeTag=false 时省略已解析的 tag 列。行间以 "\n" 连接，无末尾换行。
func RenderCSV(t Table, includeTag bool) string {
	skip := -1
	if !includeTag {
		skip = TagColumn(t.Columns)
	}
	var b strings.Builder
	writeJoined(&b, t.Columns, skip)
	for _, r := range t.Rows {
		b.WriteByte('\n')
		writeJoined(&b, r.Values, skip)
	}
	return b.String()
}

func writeJoined(b *strings.Builder, cells []string, skip int) {
	first := true
	for i, c := range cells {
		if i == skip {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(c)
	}
}

// RenderDump 输出完整、不截断、带行索引的对齐转储。
// 形态：表头首格为空（与索引列等宽）；每行以行索引开头；各数据列按最宽单元格右对齐，列间两个空格；空值显示为 NaN。
func RenderDump(t Table) string {
	idx := make([]string, len(t.Rows))
	idxW := 0
	for i, r := range t.Rows {
		idx[i] = strconv.Itoa(int(r.Index))
		idxW = max(idxW, runewidth.StringWidth(idx[i]))
	}
	widths := make([]int, len(t.Columns))
	for c, name := range t.Columns {
		widths[c] = runewidth.StringWidth(name)
		for _, r := range t.Rows {
			widths[c] = max(widths[c], runewidth.StringWidth(cell(r, c)))
		}
	}

	var b strings.Builder
	b.WriteString(strings.Repeat(" ", idxW))
	for c, name := range t.Columns {
		b.WriteString("  ")
		b.WriteString(padLeft(name, widths[c]))
	}
	for i, r := range t.Rows {
		b.WriteByte('\n')
		b.WriteString(runewidth.FillRight(idx[i], idxW))
		for c := range t.Columns {
			b.WriteString("  ")
			b.WriteString(padLeft(cell(r, c), widths[c]))
		}
	}
	return b.String()
}

func cell(r Row, c int) string {
	if c >= len(r.Values) || r.Values[c] == "" {
		return dumpNull
	}
	return r.Values[c]
}

func padLeft(s string, w int) string {
	return runewidth.FillLeft(s, w)
}
