package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"llmtag/pkg/contract"
)

// Options 为 FileSystem Reader 的可选配置（最小必要）。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
}

// FileSystem 实现基于文件系统与 STDIN 的 Reader。
type FileSystem struct {
	bufSize int
}

const defaultBuf = 64 * 1024

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	b := defaultBuf
	if opts != nil && opts.BufSize > 0 {
		b = opts.BufSize
	}
	return &FileSystem{bufSize: b}
}

// Open 打开单个表源。src 为 "-" 时读取 STDIN（TableID 固定为 "stdin"）。
// 符号链接跟随到常规文件；目录与其他非常规文件返回 ErrInvalidInput。
func (r *FileSystem) Open(ctx context.Context, src string) (contract.TableID, io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	if src == "" {
		return "", nil, fmt.Errorf("%w: empty source", contract.ErrInvalidInput)
	}
	if src == "-" {
		// STDIN 不归调用方所有，Close 不关闭底层文件描述符
		return contract.TableID("stdin"), newBufferedCloser(io.NopCloser(os.Stdin), r.bufSize), nil
	}

	// os.Stat 跟随符号链接；失效链接在此返回错误
	info, err := os.Stat(src)
	if err != nil {
		return "", nil, err
	}
	if info.IsDir() {
		return "", nil, fmt.Errorf("%w: %s is a directory", contract.ErrInvalidInput, src)
	}
	if !info.Mode().IsRegular() {
		return "", nil, fmt.Errorf("%w: %s is not a regular file", contract.ErrInvalidInput, src)
	}
	f, err := os.Open(src)
	if err != nil {
		return "", nil, err
	}
	return contract.NormalizeTableID(src), newBufferedCloser(f, r.bufSize), nil
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = defaultBuf
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }
