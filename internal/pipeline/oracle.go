package pipeline

import (
	"context"
	"strings"

	"llmtag/pkg/contract"
)

// invokeOracle 发起本次运行唯一的一次 LLM 调用：不重试，错误原样返回；
// 成功时去除应答首尾空白。
func invokeOracle(ctx context.Context, c contract.LLMClient, p contract.Prompt) (string, error) {
	raw, err := c.Invoke(ctx, p)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw.Text), nil
}
