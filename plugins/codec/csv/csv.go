package csv

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"llmtag/pkg/contract"
)

// Options 为 CSV Codec 的可选配置。
type Options struct {
	// Delimiter: 字段分隔符。"," (默认) / ";" / "\t"（或 "tab"）/ "|" / "auto"（按表头行嗅探）。
	Delimiter string `json:"delimiter"`
	// LazyQuotes: 容忍非规范引号。
	LazyQuotes bool `json:"lazy_quotes"`
}

// Codec 基于 encoding/csv 的分隔文本编解码器。
type Codec struct {
	comma rune // 0 表示 auto
	lazy  bool
}

const (
	bom       = "\ufeff"
	sniffSize = 64 * 1024
	// ctxEvery: 每解码多少行检查一次 ctx。
	ctxEvery = 1024
)

var candidates = []rune{',', ';', '\t', '|'}

// New 校验选项并创建 Codec。
func New(opts *Options) (*Codec, error) {
	c := &Codec{comma: ','}
	if opts == nil {
		return c, nil
	}
	c.lazy = opts.LazyQuotes
	switch strings.ToLower(opts.Delimiter) {
	case "", ",":
		c.comma = ','
	case ";":
		c.comma = ';'
	case "\t", "tab", "\\t":
		c.comma = '\t'
	case "|":
		c.comma = '|'
	case "auto":
		c.comma = 0
	default:
		return nil, fmt.Errorf("%w: unsupported delimiter %q", contract.ErrInvalidInput, opts.Delimiter)
	}
	return c, nil
}

// Decode 读取表头与记录，按位置分配行索引。
// 短行以空值补齐；长行、空列名与重复列名视为加载错误。
func (c *Codec) Decode(ctx context.Context, id contract.TableID, r io.Reader) (contract.Table, error) {
	br := bufio.NewReaderSize(r, sniffSize)
	if head, err := br.Peek(len(bom)); err == nil && string(head) == bom {
		_, _ = br.Discard(len(bom))
	}
	comma := c.comma
	if comma == 0 {
		comma = sniff(id, br)
	}

	cr := csv.NewReader(br)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = c.lazy

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return contract.Table{}, fmt.Errorf("%w: %s has no header row", contract.ErrInvalidInput, id)
		}
		return contract.Table{}, fmt.Errorf("read header: %w", err)
	}
	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		if strings.TrimSpace(h) == "" {
			return contract.Table{}, fmt.Errorf("%w: %s column %d has an empty name", contract.ErrInvalidInput, id, i+1)
		}
		if _, dup := seen[h]; dup {
			return contract.Table{}, fmt.Errorf("%w: %s duplicate column %q", contract.ErrInvalidInput, id, h)
		}
		seen[h] = struct{}{}
	}

	t := contract.Table{ID: id, Columns: append([]string(nil), header...)}
	for n := 0; ; n++ {
		if n%ctxEvery == 0 {
			if err := ctx.Err(); err != nil {
				return contract.Table{}, err
			}
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return contract.Table{}, fmt.Errorf("read record %d: %w", n+1, err)
		}
		if len(rec) > len(header) {
			line, _ := cr.FieldPos(0)
			return contract.Table{}, fmt.Errorf("%w: %s line %d has %d fields for %d columns", contract.ErrInvalidInput, id, line, len(rec), len(header))
		}
		vals := make([]string, len(header))
		copy(vals, rec)
		t.Rows = append(t.Rows, contract.Row{Index: contract.Index(n), Values: vals})
	}
	return t, nil
}

// Encode 输出表头与记录（不含行索引），auto 模式下使用逗号。
func (c *Codec) Encode(ctx context.Context, w io.Writer, t contract.Table) error {
	if err := t.Check(); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if c.comma != 0 {
		cw.Comma = c.comma
	}
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	for i, r := range t.Rows {
		if i%ctxEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := cw.Write(r.Values); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// sniff 依据扩展名（.tsv）或表头行中候选分隔符的出现次数推断分隔符；并列时按候选顺序取先者。
func sniff(id contract.TableID, br *bufio.Reader) rune {
	if strings.HasSuffix(strings.ToLower(string(id)), ".tsv") {
		return '\t'
	}
	buf, _ := br.Peek(sniffSize)
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		buf = buf[:i]
	}
	best, bestN := ',', 0
	for _, d := range candidates {
		if n := bytes.Count(buf, []byte(string(d))); n > bestN {
			best, bestN = d, n
		}
	}
	return best
}
