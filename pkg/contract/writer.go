package contract

import (
	"context"
	"io"
)

// ArtifactID: 持久化工件标识（输出文件名或相对路径）。
type ArtifactID string

// Writer: 将编码后的目标表以流式方式持久化到目标介质。
// 约束：
//  1. 同一 ArtifactID 单写者，重复运行覆盖而非合并；
//  2. 流式写入，按字节透传，不读取/修改业务内容；
//  3. ctx 取消需尽快返回；
//  4. 错误直接上抛（不做重试/回退）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}
