package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	cfgpkg "llmtag/internal/config"
	"llmtag/internal/diag"
	"llmtag/internal/pipeline"
)

const (
	refCSV    = "name,Tag\napple,fruit\ncarrot,vegetable\n"
	targetCSV = "name,Tag\nbanana,\nrock,\n"
)

// workdir 切换到临时目录并写入参考表与目标表。
func workdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile("ref.csv", []byte(refCSV), 0o644))
	require.NoError(t, os.WriteFile("target.csv", []byte(targetCSV), 0o644))
	return dir
}

// configJSON 生成以 mock/flaky 为 provider 的最小配置。
func configJSON(llm, clientOpts, target string) string {
	tgt := ""
	if target != "" {
		tgt = fmt.Sprintf(`"target": %q,`, target)
	}
	return fmt.Sprintf(`{
  "reference": "ref.csv",
  %s
  "output": "tagged.csv",
  "llm": %q,
  "provider": {
    "mock":  {"client": "mock",  "options": %s},
    "flaky": {"client": "flaky", "options": %s}
  },
  "options": {"writer": {"output_dir": "out"}}
}`, tgt, llm, clientOpts, clientOpts)
}

const fixedReply = `{"response_mode": "fixed", "response": "0:fruit\n1:unknown"}`

func runCLI(t *testing.T, stdin string, args ...string) (int, string) {
	t.Helper()
	var stderr bytes.Buffer
	code := execute(context.Background(), args, strings.NewReader(stdin), &stderr)
	return code, stderr.String()
}

func TestRunSuccess(t *testing.T) {
	dir := workdir(t)
	t.Setenv(cfgpkg.EnvPrefix+"CONFIG_JSON", configJSON("mock", fixedReply, ""))

	code, stderr := runCLI(t, "", "target.csv")
	if code != exitOK {
		t.Fatalf("退出码 %d, stderr=%s", code, stderr)
	}
	b, err := os.ReadFile(filepath.Join(dir, "out", "tagged.csv"))
	require.NoError(t, err)
	require.Equal(t, "name,Tag\nbanana,fruit\nrock,unknown\n", string(b))
	require.Contains(t, stderr, "[run] llm=mock")
	require.Contains(t, stderr, "[ok] target.csv")
	require.Contains(t, stderr, "写入 2")

	if _, err := os.Stat(filepath.Join(dir, "logs", "llmtag-current.txt")); err != nil {
		t.Fatalf("日志文件未生成: %v", err)
	}
}

func TestRunStatusDisabled(t *testing.T) {
	workdir(t)
	t.Setenv(cfgpkg.EnvPrefix+"CONFIG_JSON", configJSON("mock", fixedReply, "target.csv"))

	code, stderr := runCLI(t, "", "--status=false")
	require.Equal(t, exitOK, code, stderr)
	require.NotContains(t, stderr, "[run]")
	require.NotContains(t, stderr, "[ok]")
}

func TestRunPromptsForTarget(t *testing.T) {
	dir := workdir(t)
	t.Setenv(cfgpkg.EnvPrefix+"CONFIG_JSON", configJSON("mock", fixedReply, ""))

	code, stderr := runCLI(t, "target.csv\n")
	require.Equal(t, exitOK, code, stderr)
	require.True(t, strings.HasPrefix(stderr, "Enter the path to the CSV file: "), stderr)
	_, err := os.Stat(filepath.Join(dir, "out", "tagged.csv"))
	require.NoError(t, err)
}

func TestRunPromptEmpty(t *testing.T) {
	workdir(t)
	t.Setenv(cfgpkg.EnvPrefix+"CONFIG_JSON", configJSON("mock", fixedReply, ""))

	code, stderr := runCLI(t, "\n")
	require.Equal(t, exitConfig, code)
	require.Contains(t, stderr, "未提供目标表")
}

func TestRunConfigErrors(t *testing.T) {
	workdir(t)
	cases := map[string]string{
		"unknown llm":     configJSON("nope", fixedReply, "target.csv"),
		"bad json":        `{"reference": `,
		"unknown field":   `{"referenc": "ref.csv"}`,
		"bad mock option": configJSON("mock", `{"response_mode": "weird"}`, "target.csv"),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(cfgpkg.EnvPrefix+"CONFIG_JSON", raw)
			code, stderr := runCLI(t, "")
			if code != exitConfig {
				t.Fatalf("期望退出码 3，得到 %d: %s", code, stderr)
			}
		})
	}
}

func TestRunConfigDumpOnValidate(t *testing.T) {
	workdir(t)
	t.Setenv(cfgpkg.EnvPrefix+"CONFIG_JSON", configJSON("nope", fixedReply, "target.csv"))
	code, stderr := runCLI(t, "")
	require.Equal(t, exitConfig, code)
	require.Contains(t, stderr, "配置校验失败")
	require.Contains(t, stderr, "有效配置:")
}

func TestRunOracleFailure(t *testing.T) {
	dir := workdir(t)
	t.Setenv(cfgpkg.EnvPrefix+"CONFIG_JSON", configJSON("flaky", `{"fail_calls": 1}`, "target.csv"))

	code, stderr := runCLI(t, "")
	require.Equal(t, exitRun, code, stderr)
	require.Contains(t, stderr, "运行失败")
	require.Contains(t, stderr, "[fail] target.csv")
	if _, err := os.Stat(filepath.Join(dir, "out", "tagged.csv")); !os.IsNotExist(err) {
		t.Fatalf("失败时不应写出输出文件: %v", err)
	}
}

func TestRunMissingReference(t *testing.T) {
	workdir(t)
	t.Setenv(cfgpkg.EnvPrefix+"CONFIG_JSON", configJSON("mock", fixedReply, "target.csv"))
	code, _ := runCLI(t, "", "--reference", "none.csv")
	require.Equal(t, exitRun, code)
}

func TestRunBudgetExceeded(t *testing.T) {
	workdir(t)
	t.Setenv(cfgpkg.EnvPrefix+"CONFIG_JSON", configJSON("mock", fixedReply, "target.csv"))
	code, _ := runCLI(t, "", "--max-tokens", "1")
	require.Equal(t, exitRun, code)
}

func TestRunConfigFileAndFlags(t *testing.T) {
	dir := workdir(t)
	yml := `reference: nowhere.csv
target: target.csv
output: fromfile.csv
llm: mock
provider:
  mock:
    client: mock
    options:
      response_mode: fixed
      response: "1:mineral"
options:
  writer:
    output_dir: out
`
	require.NoError(t, os.WriteFile("cfg.yaml", []byte(yml), 0o644))

	code, stderr := runCLI(t, "", "--config", "cfg.yaml", "--reference", "ref.csv", "--output", "cli.csv", "--log-level", "debug")
	require.Equal(t, exitOK, code, stderr)
	b, err := os.ReadFile(filepath.Join(dir, "out", "cli.csv"))
	require.NoError(t, err)
	require.Equal(t, "name,Tag\nbanana,\nrock,mineral\n", string(b))
}

func TestRunDefaultConfigJSON(t *testing.T) {
	dir := workdir(t)
	require.NoError(t, os.WriteFile("config.json", []byte(configJSON("mock", fixedReply, "target.csv")), 0o644))
	code, stderr := runCLI(t, "")
	require.Equal(t, exitOK, code, stderr)
	_, err := os.Stat(filepath.Join(dir, "out", "tagged.csv"))
	require.NoError(t, err)
}

// TestRunDotEnv 工作目录下的 .env 被加载，且不覆盖已存在的 ENV。
func TestRunDotEnv(t *testing.T) {
	dir := workdir(t)
	t.Setenv(cfgpkg.EnvPrefix+"CONFIG_JSON", configJSON("mock", fixedReply, "target.csv"))
	// 注册清理后再移除，godotenv 写入的值在测试结束后被还原
	t.Setenv(cfgpkg.EnvPrefix+"OUTPUT", "")
	require.NoError(t, os.Unsetenv(cfgpkg.EnvPrefix+"OUTPUT"))
	require.NoError(t, os.WriteFile(".env", []byte("LLMTAG_OUTPUT=dotenv.csv\n"), 0o644))

	code, stderr := runCLI(t, "")
	require.Equal(t, exitOK, code, stderr)
	_, err := os.Stat(filepath.Join(dir, "out", "dotenv.csv"))
	require.NoError(t, err)
}

func TestLoadConfigPrecedence(t *testing.T) {
	workdir(t)
	t.Setenv(cfgpkg.EnvPrefix+"CONFIG_JSON", `{"max_tokens": 100, "llm": "mock"}`)
	t.Setenv(cfgpkg.EnvPrefix+"MAX_TOKENS", "200")

	cfg, err := loadConfig(flags{}, nil)
	require.NoError(t, err)
	require.Equal(t, 200, cfg.MaxTokens)
	require.Equal(t, "mock", cfg.LLM)

	cfg, err = loadConfig(flags{maxTokens: 300, llm: "gemini"}, []string{"x.csv"})
	require.NoError(t, err)
	require.Equal(t, 300, cfg.MaxTokens)
	require.Equal(t, "gemini", cfg.LLM)
	require.Equal(t, "x.csv", cfg.Target)
	require.Equal(t, cfgpkg.Defaults().Reference, cfg.Reference)
}

func TestRunStubbedPipeline(t *testing.T) {
	workdir(t)
	t.Setenv(cfgpkg.EnvPrefix+"CONFIG_JSON", configJSON("mock", fixedReply, "target.csv"))
	old := pipelineRun
	t.Cleanup(func() { pipelineRun = old })

	pipelineRun = func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, l *diag.Logger) (pipeline.Report, error) {
		return pipeline.Report{ReferenceRows: 5, TargetRows: 7, Applied: 6, SkippedLines: 1, Dropped: 2, Output: "x.csv"}, nil
	}
	code, stderr := runCLI(t, "")
	require.Equal(t, exitOK, code)
	require.Contains(t, stderr, "参考 5 行 | 目标 7 行 | 写入 6 | 跳过 1 | 丢弃 2 | 输出 x.csv")

	pipelineRun = func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, l *diag.Logger) (pipeline.Report, error) {
		return pipeline.Report{}, context.Canceled
	}
	code, stderr = runCLI(t, "")
	require.Equal(t, exitRun, code)
	require.NotContains(t, stderr, "运行失败")
}

func TestInitConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	out := filepath.Join("gen", "cfg")

	code, stderr := runCLI(t, "", "init-config", out)
	require.Equal(t, exitOK, code, stderr)

	raw, err := os.ReadFile(filepath.Join(out, "config.json"))
	require.NoError(t, err)
	cfg, err := cfgpkg.LoadJSON("", raw)
	require.NoError(t, err)
	require.Equal(t, cfgpkg.DefaultTemplateConfig().LLM, cfg.LLM)

	env, err := os.ReadFile(filepath.Join(out, ".env"))
	require.NoError(t, err)
	require.Equal(t, cfgpkg.DotEnvTemplate(), string(env))

	// 已存在的 config.json 不覆盖
	code, _ = runCLI(t, "", "init-config", out)
	require.Equal(t, exitConfig, code)
}

func TestInitConfigKeepsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("X=1\n"), 0o644))
	var stderr bytes.Buffer
	require.Equal(t, exitOK, initConfig(dir, &stderr))
	b, err := os.ReadFile(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	require.Equal(t, "X=1\n", string(b))
}

func TestBadFlags(t *testing.T) {
	t.Chdir(t.TempDir())
	code, stderr := runCLI(t, "", "--max-tokens", "abc")
	require.Equal(t, exitConfig, code)
	require.Contains(t, stderr, "参数错误")

	code, _ = runCLI(t, "", "a.csv", "b.csv")
	require.Equal(t, exitConfig, code)
}

func TestWriteConfigStdout(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	old := os.Stdout
	os.Stdout = w
	err = writeConfig("-", cfgpkg.Defaults())
	w.Close()
	os.Stdout = old
	r.Close()
	require.NoError(t, err)
}

func TestPreflightCheckOutputDir(t *testing.T) {
	dir := t.TempDir()
	cfg := cfgpkg.Defaults()

	cfg.Options.Writer = []byte(fmt.Sprintf(`{"output_dir": %q}`, dir))
	require.NoError(t, preflightCheckOutputDir(cfg))

	cfg.Options.Writer = []byte(fmt.Sprintf(`{"output_dir": %q}`, filepath.Join(dir, "a", "b")))
	require.NoError(t, preflightCheckOutputDir(cfg))

	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	cfg.Options.Writer = []byte(fmt.Sprintf(`{"output_dir": %q}`, file))
	require.Error(t, preflightCheckOutputDir(cfg))

	cfg.Components.Writer = "other"
	require.NoError(t, preflightCheckOutputDir(cfg))
}

func TestEffectiveKV(t *testing.T) {
	cfg := cfgpkg.DefaultTemplateConfig()
	kv := effectiveKV(cfg)
	require.Equal(t, cfg.LLM, kv["llm"])
	require.Contains(t, kv["llm_clients"], "mock")
	for k := range kv {
		if strings.Contains(strings.ToLower(k), "key") {
			t.Fatalf("不应输出密钥字段: %s", k)
		}
	}
}
