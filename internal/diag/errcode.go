package diag

import (
	"context"
	"encoding/csv"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/openai/openai-go/v3"
	"google.golang.org/genai"

	"llmtag/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeBudget    Code = "budget"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
	CodeAuth      Code = "auth"
	CodeRange     Code = "range"
)

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误、标准库错误类型与 SDK 错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrBudgetExceeded) || errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	if status, ok := StatusCode(err); ok {
		return classifyStatus(status)
	}
	if errors.Is(err, contract.ErrResponseInvalid) ||
		errors.Is(err, contract.ErrLineMalformed) ||
		errors.Is(err, contract.ErrIndexInvalid) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrIndexOutOfRange) {
		return CodeRange
	}
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	// I/O（含表格解析失败）
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	var cerr *csv.ParseError
	if errors.As(err, &cerr) {
		return CodeIO
	}
	// 网络（连接/超时等）
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

func classifyStatus(status int) Code {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuth
	case status == http.StatusTooManyRequests:
		return CodeBudget
	case status == http.StatusRequestTimeout || status >= 500:
		return CodeNetwork
	default:
		return CodeProtocol
	}
}

// StatusCode 提取上游 SDK 错误携带的 HTTP 状态码（openai / genai）。
func StatusCode(err error) (int, bool) {
	var oerr *openai.Error
	if errors.As(err, &oerr) && oerr != nil {
		return oerr.StatusCode, true
	}
	var gerr genai.APIError
	if errors.As(err, &gerr) {
		return gerr.Code, true
	}
	var gperr *genai.APIError
	if errors.As(err, &gperr) && gperr != nil {
		return gperr.Code, true
	}
	return 0, false
}

// NowUTC 返回 RFC3339 UTC 时间字符串（用于结构化日志字段 ts）。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
