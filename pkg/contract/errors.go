package contract

import "errors"

// 路径/预算/不变量相关最小错误分类。
var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 提示词估算 token 超出预算（配置或 provider 单请求上限）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// 应答解析/应用阶段的可恢复错误（仅用于诊断，不中止运行）。
var (
	// ErrLineMalformed: 行中不含 ':' 分隔符。
	ErrLineMalformed = errors.New("line malformed")
	// ErrIndexInvalid: ':' 左侧无法解析为整数行索引。
	ErrIndexInvalid = errors.New("index invalid")
	// ErrIndexOutOfRange: 行索引不在目标表 [0, rowCount) 内。
	ErrIndexOutOfRange = errors.New("index out of range")
)
