package contract

import (
	"context"
	"errors"
)

// Raw: LLM 客户端返回的原始文本载荷。
// 约束：原样返回，不做清洗/截断/归一化（裁剪首尾空白由编排层负责）。
type Raw struct {
	Text string
}

// LLMClient: 以两段式 Prompt 为单位与标注 oracle 交互，返回原始文本 Raw。
// 约束：
//  1. 每次 Invoke 恰好一次外部调用，内部不重试；
//  2. 传输层错误原样上抛，不捕获、不重新解释；
//  3. 应尊重 ctx 取消并及时释放资源。
type LLMClient interface {
	Invoke(ctx context.Context, p Prompt) (Raw, error)
}

// 最小错误分类（用于上层策略判定）。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
)
