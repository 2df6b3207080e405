package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	cfgpkg "llmtag/internal/config"
	"llmtag/internal/diag"
	"llmtag/internal/pipeline"
	"llmtag/pkg/registry"
)

var pipelineRun = pipeline.Run

// 退出码：0 成功；1 运行失败（加载/传输/预算/写出）；3 配置错误。
const (
	exitOK     = 0
	exitRun    = 1
	exitConfig = 3
)

// exitCode 作为 cobra RunE 的错误返回，携带进程退出码。
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

type flags struct {
	config    string
	reference string
	output    string
	llm       string
	logLevel  string
	maxTokens int
	status    bool
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdin, os.Stderr))
}

// execute 构造命令树并执行，返回退出码。
func execute(ctx context.Context, args []string, stdin io.Reader, stderr io.Writer) int {
	root := newRootCmd(stdin, stderr)
	root.SetArgs(args)
	root.SetOut(stderr)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	var code exitCode
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &code):
		return int(code)
	default:
		// 旗标/参数解析失败
		fprintf(stderr, "参数错误: %v\n", err)
		return exitConfig
	}
}

func newRootCmd(stdin io.Reader, stderr io.Writer) *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:   "llmtag [target.csv]",
		Short: "以已打标参考表为少样本示例，调用 LLM 为目标表逐行打标",
		Long: "llmtag 读取参考表（含 tag 列）与目标表，构造一次提示词并调用一次 LLM，\n" +
			"解析 index:tag 应答行写回目标表的 tag 列，输出新的 CSV。",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := run(cmd.Context(), f, args, stdin, stderr); code != exitOK {
				return exitCode(code)
			}
			return nil
		},
	}
	pf := root.Flags()
	pf.StringVar(&f.config, "config", "", "配置文件路径（JSON 或 .yaml/.yml）；缺省读取 ./config.json（若存在）")
	pf.StringVar(&f.reference, "reference", "", "参考表路径（覆盖配置）")
	pf.StringVar(&f.output, "output", "", "输出工件名（相对 writer.output_dir，覆盖配置）")
	pf.StringVar(&f.llm, "llm", "", "provider 名称（覆盖配置）")
	pf.IntVar(&f.maxTokens, "max-tokens", 0, "单次请求 token 预算（覆盖配置）")
	pf.StringVar(&f.logLevel, "log-level", "", "日志级别 debug|info|warn|error（覆盖配置）")
	pf.BoolVar(&f.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")

	root.AddCommand(newInitConfigCmd(stderr))
	return root
}

func newInitConfigCmd(stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "在指定目录生成默认 config.json 与 .env 模板（已存在则不覆盖）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			if code := initConfig(dir, stderr); code != exitOK {
				return exitCode(code)
			}
			return nil
		},
	}
}

func initConfig(dir string, stderr io.Writer) int {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fprintf(stderr, "生成默认配置失败: %v\n", err)
		return exitConfig
	}
	if err := writeConfig(filepath.Join(dir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
		fprintf(stderr, "生成默认配置失败: %v\n", err)
		return exitConfig
	}
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return exitOK
}

func run(ctx context.Context, f flags, args []string, stdin io.Reader, stderr io.Writer) int {
	start := time.Now()
	corrID := uuid.NewString()
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = godotenv.Load()

	cfg, err := loadConfig(f, args)
	if err != nil {
		fprintf(stderr, "配置解析失败: %v\n", err)
		return exitConfig
	}
	if strings.TrimSpace(cfg.Target) == "" {
		tgt, err := promptTarget(stdin, stderr)
		if err != nil {
			fprintf(stderr, "未提供目标表: %v\n", err)
			return exitConfig
		}
		cfg.Target = tgt
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(stderr, "配置校验失败: %v\n", err)
		// 打印有效配置，便于诊断
		_ = dumpConfig(stderr, cfg)
		return exitConfig
	}

	logger := diag.NewLogger(corrID, cfg.Logging.Level)
	defer logger.Close()

	if err := preflightCheckOutputDir(cfg); err != nil {
		fprintf(stderr, "输出目录不可写或无法创建: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "preflight failed", &start)
		return exitConfig
	}
	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		fprintf(stderr, "装配失败: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "assemble failed", &start)
		return exitConfig
	}

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(stderr, f.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(cfg.LLM, set.Reference, set.Target)
	logger.DebugStart("config", "effective", "", effectiveKV(cfg))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	t := logger.Start("pipeline", "run")
	rep, err := pipelineRun(ctx, comp, set, logger)
	if err != nil {
		code := diag.Classify(err)
		logger.Error("pipeline", string(code), "first error", &start)
		diag.IncOp("pipeline", "run", "error")
		if code != diag.CodeUnknown {
			diag.IncError("pipeline", string(code))
		}
		if !errors.Is(err, context.Canceled) {
			fprintf(stderr, "运行失败: %v\n", err)
		}
		term.RunFinish(false, diag.Summary{}, time.Since(start))
		return exitRun
	}
	t.Finish("run", int64(rep.Applied))
	diag.IncOp("pipeline", "run", "success")
	term.RunFinish(true, diag.Summary{
		ReferenceRows: rep.ReferenceRows,
		TargetRows:    rep.TargetRows,
		Applied:       rep.Applied,
		Skipped:       rep.SkippedLines,
		Dropped:       rep.Dropped,
		Output:        rep.Output,
	}, time.Since(start))
	return exitOK
}

// loadConfig 按优先级合并：默认 < 配置文件或 LLMTAG_CONFIG_JSON < ENV < CLI。
func loadConfig(f flags, args []string) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()

	path := f.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	var (
		base cfgpkg.Config
		err  error
		have = true
	)
	switch raw := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); {
	case raw != "":
		base, err = cfgpkg.LoadJSON("", []byte(raw))
	case path != "":
		base, err = cfgpkg.LoadFile(path)
	default:
		have = false
	}
	if err != nil {
		return cfg, err
	}
	if have {
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, err
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	overCLI := cfgpkg.Config{
		Reference: f.reference,
		Output:    f.output,
		LLM:       f.llm,
		Logging:   cfgpkg.Logging{Level: f.logLevel},
	}
	if f.maxTokens > 0 {
		overCLI.MaxTokens = f.maxTokens
	}
	if len(args) > 0 {
		overCLI.Target = args[0]
	}
	return cfgpkg.Merge(cfg, overCLI), nil
}

// promptTarget 在未提供目标表时交互读取一行路径。
func promptTarget(stdin io.Reader, stderr io.Writer) (string, error) {
	fprintf(stderr, "Enter the path to the CSV file: ")
	line, err := bufio.NewReader(stdin).ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		if err == nil || errors.Is(err, io.EOF) {
			err = errors.New("empty path")
		}
		return "", err
	}
	return line, nil
}

// effectiveKV 输出运行时配置摘要（不含密钥）。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"reference":      cfg.Reference,
		"target":         cfg.Target,
		"output":         cfg.Output,
		"max_tokens":     fmt.Sprintf("%d", cfg.MaxTokens),
		"llm":            cfg.LLM,
		"reader":         cfg.Components.Reader,
		"codec":          cfg.Components.Codec,
		"prompt_builder": cfg.Components.PromptBuilder,
		"decoder":        cfg.Components.Decoder,
		"applier":        cfg.Components.Applier,
		"writer":         cfg.Components.Writer,
		"llm_clients":    strings.Join(registry.Names(registry.LLMClient), ","),
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
	}
	return kv
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(w io.Writer, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	fprintf(w, "有效配置:\n%s\n", b)
	return nil
}

// writeConfig 写出配置 JSON；"-" 写到 stdout；已存在的文件不覆盖（返回错误）。
func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(cfgpkg.DotEnvTemplate())
	return err
}

// preflightCheckOutputDir: 当 Writer 使用文件系统实现(fs)时，启动前检查输出目录可写性。
// - 目录已存在：尝试创建并删除临时文件；
// - 目录不存在：检查最近的已存在祖先目录可写（writer 写出时按需创建）。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	name := strings.TrimSpace(cfg.Components.Writer)
	if name == "" {
		name = cfgpkg.Defaults().Components.Writer
	}
	if name != "fs" {
		return nil
	}
	var wopts struct {
		OutputDir string `json:"output_dir"`
	}
	if len(cfg.Options.Writer) > 0 {
		_ = json.Unmarshal(cfg.Options.Writer, &wopts)
	}
	dir := strings.TrimSpace(wopts.OutputDir)
	if dir == "" {
		// 未指定时由装配阶段按实现报错
		return nil
	}
	for {
		st, err := os.Stat(dir)
		switch {
		case err == nil && st.IsDir():
			f, err := os.CreateTemp(dir, ".wcheck-*")
			if err != nil {
				return err
			}
			name := f.Name()
			_ = f.Close()
			return os.Remove(name)
		case err == nil:
			return fmt.Errorf("路径存在但不是目录: %s", dir)
		case !os.IsNotExist(err):
			return err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("无法确定父目录: %s", dir)
		}
		dir = parent
	}
}
