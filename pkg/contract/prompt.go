package contract

import "context"

// 会话角色。
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message: 最小会话消息形状。
type Message struct {
	Role    string
	Content string
}

// Prompt: 两段式提示词（system 段 + user 段）。
type Prompt struct {
	System string
	User   string
	// Targets: 目标表行索引（只读）。真实 provider 忽略；离线客户端（mock/flaky）据此构造应答。
	Targets []Index
}

// Messages 以 system→user 的顺序展开为会话消息。空段跳过。
func (p Prompt) Messages() []Message {
	out := make([]Message, 0, 2)
	if p.System != "" {
		out = append(out, Message{Role: RoleSystem, Content: p.System})
	}
	if p.User != "" {
		out = append(out, Message{Role: RoleUser, Content: p.User})
	}
	return out
}

// PromptInput: 构造提示词所需的两张表（只读视图）。
type PromptInput struct {
	Reference Table
	Target    Table
}

// PromptBuilder: 基于参考表与目标表构造确定性的 Prompt。
// 约束：
//   - 纯计算，不做 I/O（模板在构造期加载）；
//   - 同样输入必须得到逐字节相同的输出；
//   - 失败快速返回错误。
type PromptBuilder interface {
	Build(ctx context.Context, in PromptInput) (Prompt, error)
}

// TokenEstimator: 文本→token 的近似估算函数。
// 典型实现：ceil(len(utf8_bytes)/BytesPerToken)。
type TokenEstimator func(s string) int
