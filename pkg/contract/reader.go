package contract

import (
	"context"
	"io"
)

// Reader: 输入源抽象（文件/STDIN）。
// 约束：
// 1) 仅打开字节流，不做解码/业务解析；
// 2) 返回的 TableID 稳定且去平台差异化；
// 3) 调用方负责 Close。
type Reader interface {
	Open(ctx context.Context, src string) (TableID, io.ReadCloser, error)
}

// Codec: 分隔文本 ↔ Table 的编解码。
// 约束：
// 1) Decode 需要表头行；行索引按位置分配（0..n-1）；
// 2) 不重排、不过滤、不去重；
// 3) Encode 仅输出列与值，不输出行索引。
type Codec interface {
	Decode(ctx context.Context, id TableID, r io.Reader) (Table, error)
	Encode(ctx context.Context, w io.Writer, t Table) error
}
