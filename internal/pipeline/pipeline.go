package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"

	"llmtag/internal/diag"
	"llmtag/internal/prompt"
	"llmtag/pkg/contract"
)

// - 单次单线：整个运行只有一个 goroutine，阶段严格顺序执行。
// - 唯一远程调用：oracle 每次运行恰好调用一次，不重试。
// - 软失败：应答中的不合规行与越界索引只记 warn，不中断运行。
// - 先成后写：所有阶段成功后才编码并写出工件；失败的运行不产生新输出。

// Components 聚合运行所需的原子组件。
type Components struct {
	Reader        contract.Reader
	Codec         contract.Codec
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Decoder       contract.Decoder
	Applier       contract.Applier
	Writer        contract.Writer
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	// Reference / Target 为 Reader 源（路径或 "-"）。
	Reference string
	Target    string
	// Output 为写出工件 id（相对 Writer 的输出根）。
	Output contract.ArtifactID
	// 预算：<=0 关闭对应限制；BytesPerToken<=0 时估算器取默认 4。
	MaxTokens       int
	MaxTokensPerReq int
	BytesPerToken   int
	// LLM 为 provider 名，仅用于日志。
	LLM string
}

// Report 为一次运行的统计。
type Report struct {
	ReferenceRows int
	TargetRows    int
	PromptTokens  int
	Applied       int
	Overwritten   int
	SkippedLines  int
	Dropped       int
	Output        string
}

// Run 执行完整流水线：Reader → Codec.Decode(参考/目标) → 校验 → Prompt → 预算 → LLM → Decoder → Applier → Codec.Encode → Writer。
// 约束：
// - 任一致命错误立即返回，错误以 "阶段: %w" 包装，保留哨兵与 SDK 错误链；
// - 参考表缺少 tag 列为致命错误；参考表 tag 全空只记 warn；
// - 目标表仅 tag 列被修改，其余单元格与行序保持不变。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Report, error) {
	var rep Report
	if err := sanity(comp, set); err != nil {
		return rep, fmt.Errorf("sanity: %w", err)
	}
	term := diag.GetTerminal()

	term.StageStart("load")
	ref, err := loadTable(ctx, comp, set.Reference, logger)
	if err != nil {
		return rep, fmt.Errorf("load reference: %w", err)
	}
	tgt, err := loadTable(ctx, comp, set.Target, logger)
	if err != nil {
		return rep, fmt.Errorf("load target: %w", err)
	}
	rep.ReferenceRows, rep.TargetRows = ref.Len(), tgt.Len()
	table := string(tgt.ID)

	if contract.TagColumn(ref.Columns) < 0 {
		err := fmt.Errorf("%w: reference %s has no tag column", contract.ErrInvalidInput, ref.ID)
		return rep, fmt.Errorf("validate: %w", stageError(logger, "pipeline", "validate failed", string(ref.ID), nil, err))
	}
	if len(ref.Tags()) == 0 {
		logger.Warn("pipeline", string(diag.CodeInvariant), "reference has no tag values", string(ref.ID), nil)
	}

	term.StageStart("prompt")
	tm := logger.StartWith("prompt_builder", "build", table)
	p, err := comp.PromptBuilder.Build(ctx, contract.PromptInput{Reference: ref, Target: tgt})
	if err != nil {
		return rep, fmt.Errorf("prompt build: %w", stageError(logger, "prompt_builder", "build failed", table, tm, err))
	}
	finish(tm, "prompt_builder", "build", int64(len(p.Targets)))

	term.StageStart("budget")
	budget := prompt.Budget{MaxTokens: set.MaxTokens, MaxTokensPerReq: set.MaxTokensPerReq}
	rep.PromptTokens, err = prompt.CheckBudget(p, set.BytesPerToken, budget)
	logger.DebugStart("prompt_builder", "estimate", table, map[string]string{
		"tokens": strconv.Itoa(rep.PromptTokens),
		"limit":  strconv.Itoa(budget.Limit()),
	})
	if err != nil {
		return rep, fmt.Errorf("budget: %w", stageError(logger, "prompt_builder", "budget exceeded", table, nil, err))
	}

	term.StageStart("oracle")
	tm = logger.StartWithKV("llm", "invoke", table, map[string]string{"llm": set.LLM})
	text, err := invokeOracle(ctx, comp.LLM, p)
	if err != nil {
		return rep, fmt.Errorf("llm invoke: %w", stageError(logger, "llm", "invoke failed", table, tm, err))
	}
	finish(tm, "llm", "invoke", int64(len(text)))
	logger.DebugStart("llm", "response", table, map[string]string{"head": clip(text, 200)})

	term.StageStart("decode")
	tm = logger.StartWith("decoder", "decode", table)
	as, skipped := collect(comp.Decoder.Decode(contract.Raw{Text: text}), table, logger)
	rep.SkippedLines = skipped
	finish(tm, "decoder", "decode", int64(len(as)))
	if skipped > 0 {
		term.Warn(fmt.Sprintf("skipped %d non-compliant response line(s)", skipped))
	}

	term.StageStart("apply")
	tm = logger.StartWith("applier", "apply", table)
	ar, err := comp.Applier.Apply(ctx, &tgt, slices.Values(as))
	if err != nil {
		return rep, fmt.Errorf("apply: %w", stageError(logger, "applier", "apply failed", table, tm, err))
	}
	finish(tm, "applier", "apply", int64(ar.Applied))
	rep.Applied, rep.Overwritten, rep.Dropped = ar.Applied, ar.Overwritten, len(ar.Dropped)
	for _, d := range ar.Dropped {
		logger.Warn("applier", string(diag.CodeRange), "index out of range", table, map[string]string{
			"index": strconv.Itoa(int(d.Index)),
			"tag":   clip(d.Tag, 80),
			"rows":  strconv.Itoa(tgt.Len()),
		})
		diag.IncError("applier", string(diag.CodeRange))
	}
	if len(ar.Dropped) > 0 {
		term.Warn(fmt.Sprintf("dropped %d out-of-range assertion(s)", len(ar.Dropped)))
	}

	term.StageStart("write")
	var buf bytes.Buffer
	tm = logger.StartWith("codec", "encode", table)
	if err := comp.Codec.Encode(ctx, &buf, tgt); err != nil {
		return rep, fmt.Errorf("encode: %w", stageError(logger, "codec", "encode failed", table, tm, err))
	}
	finish(tm, "codec", "encode", int64(tgt.Len()))
	tm = logger.StartWith("writer", "write", string(set.Output))
	if err := comp.Writer.Write(ctx, set.Output, &buf); err != nil {
		return rep, fmt.Errorf("writer write: %w", stageError(logger, "writer", "write failed", string(set.Output), tm, err))
	}
	finish(tm, "writer", "write", 0)
	rep.Output = string(set.Output)
	return rep, nil
}

// loadTable 打开并解码一个表源。
func loadTable(ctx context.Context, comp Components, src string, logger *diag.Logger) (contract.Table, error) {
	tm := logger.StartWith("reader", "open", src)
	id, rc, err := comp.Reader.Open(ctx, src)
	if err != nil {
		return contract.Table{}, fmt.Errorf("reader open: %w", stageError(logger, "reader", "open failed", src, tm, err))
	}
	defer rc.Close()
	finish(tm, "reader", "open", 0)

	tm = logger.StartWith("codec", "decode", string(id))
	t, err := comp.Codec.Decode(ctx, id, rc)
	if err != nil {
		return contract.Table{}, fmt.Errorf("codec decode: %w", stageError(logger, "codec", "decode failed", string(id), tm, err))
	}
	finish(tm, "codec", "decode", int64(t.Len()))
	return t, nil
}

// collect 消费解码序列：合规断言按出现顺序收集，不合规行记 warn 并计数；
// 重复 index 记 warn（应用阶段后写为准）。
func collect(seq iter.Seq2[contract.Assertion, error], table string, logger *diag.Logger) ([]contract.Assertion, int) {
	var (
		out     []contract.Assertion
		skipped int
		seen    = map[contract.Index]struct{}{}
	)
	for a, err := range seq {
		if err != nil {
			skipped++
			code := diag.Classify(err)
			kv := map[string]string{"err": clip(err.Error(), 200)}
			var le *contract.LineError
			if errors.As(err, &le) {
				kv["line"] = strconv.Itoa(le.Line)
				kv["text"] = clip(le.Text, 120)
			}
			logger.Warn("decoder", string(code), "line skipped", table, kv)
			diag.IncError("decoder", string(code))
			continue
		}
		if _, dup := seen[a.Index]; dup {
			logger.Warn("decoder", "", "duplicate index, later assertion wins", table, map[string]string{
				"index": strconv.Itoa(int(a.Index)),
				"tag":   clip(a.Tag, 80),
			})
		}
		seen[a.Index] = struct{}{}
		out = append(out, a)
	}
	return out, skipped
}

func finish(tm *diag.Timer, comp, stage string, count int64) {
	tm.Finish(stage, count)
	diag.IncOp(comp, stage, "success")
}

// stageError 记录 error 事件与指标，原样返回 err。
func stageError(logger *diag.Logger, comp, msg, table string, tm *diag.Timer, err error) error {
	code := diag.Classify(err)
	var kv map[string]string
	if st, ok := diag.StatusCode(err); ok {
		kv = map[string]string{"http_status": strconv.Itoa(st)}
	}
	logger.ErrorWithKV(comp, string(code), msg, tm.Since(), table, kv)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
	return err
}

func sanity(comp Components, set Settings) error {
	switch {
	case comp.Reader == nil || comp.Codec == nil || comp.PromptBuilder == nil || comp.LLM == nil ||
		comp.Decoder == nil || comp.Applier == nil || comp.Writer == nil:
		return fmt.Errorf("%w: missing component", contract.ErrInvalidInput)
	case set.Reference == "":
		return fmt.Errorf("%w: reference source empty", contract.ErrInvalidInput)
	case set.Target == "":
		return fmt.Errorf("%w: target source empty", contract.ErrInvalidInput)
	case set.Output == "":
		return fmt.Errorf("%w: output artifact empty", contract.ErrInvalidInput)
	}
	return nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
