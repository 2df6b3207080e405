package prompt

import (
	"fmt"

	"llmtag/pkg/contract"
)

// DefaultBytesPerToken 为估算器默认的每 token 字节数。
const DefaultBytesPerToken = 4

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = DefaultBytesPerToken
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// PromptTokens 估算整个 Prompt（system + user）的 token 数。
func PromptTokens(p contract.Prompt, est contract.TokenEstimator) int {
	if est == nil {
		est = MakeEstimator(0)
	}
	return est(p.System) + est(p.User)
}

// Budget: 单次请求的 token 上限组合。0 表示不限制。
type Budget struct {
	MaxTokens       int // 全局 max_tokens
	MaxTokensPerReq int // provider limits.max_tokens_per_req
}

// Limit 返回生效上限（两者中较小的正值）；均为 0 时返回 0。
func (b Budget) Limit() int {
	switch {
	case b.MaxTokens <= 0:
		return max(b.MaxTokensPerReq, 0)
	case b.MaxTokensPerReq <= 0:
		return b.MaxTokens
	default:
		return min(b.MaxTokens, b.MaxTokensPerReq)
	}
}

// CheckBudget 估算 Prompt 并与预算比较；超出时返回包装 ErrBudgetExceeded 的错误。
// 返回估算的 token 数（无论是否超出）。
func CheckBudget(p contract.Prompt, bytesPerToken int, b Budget) (int, error) {
	n := PromptTokens(p, MakeEstimator(bytesPerToken))
	if limit := b.Limit(); limit > 0 && n > limit {
		return n, fmt.Errorf("%w: prompt ~%d tokens exceeds limit %d", contract.ErrBudgetExceeded, n, limit)
	}
	return n, nil
}
