package diag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"llmtag/pkg/contract"
)

func decodeEvents(t *testing.T, b []byte) []Event {
	t.Helper()
	var out []Event
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("非 JSON 行 %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

// 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	defer w.Close()
	if err := w.WriteLine([]byte("first line that is very long")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := w.WriteLine([]byte("second")); err != nil {
		t.Fatalf("第二次写入失败: %v", err)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("应存在轮转文件, got %d", len(files))
	}
}

// 当前文件名与时间戳文件均存在
func TestRotatingFileRotateFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 10)
	defer w.Close()
	for i := 0; i < 5; i++ {
		if _, err := w.Write([]byte("xxxxxxxxxxxxxxxxxx\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	hasCurrent, hasRotated := false, false
	for _, e := range ents {
		if e.Name() == currentName {
			hasCurrent = true
		}
		if strings.HasPrefix(e.Name(), rotatePrefix) && strings.HasSuffix(e.Name(), ".txt") && e.Name() != currentName {
			hasRotated = true
		}
	}
	if !hasCurrent || !hasRotated {
		t.Fatalf("expect both current and rotated files, got current=%v rotated=%v", hasCurrent, hasRotated)
	}
}

// 直接覆盖 ensureOpen 与 rotate 内部分支
func TestRotatingFileEnsureAndRotate(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 0)
	defer w.Close()
	if err := w.ensureOpen(); err != nil {
		t.Fatalf("ensureOpen: %v", err)
	}
	if err := w.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	ents, _ := os.ReadDir(dir)
	if len(ents) < 2 {
		t.Fatalf("expect >=2 files, got %d", len(ents))
	}
	// f 置空后 rotate 退化为打开
	_ = w.f.Close()
	w.f = nil
	if err := w.rotate(); err != nil {
		t.Fatalf("rotate reopen: %v", err)
	}
}

// 指标：未安装 MeterProvider 时为 no-op
func TestMetricsNoop(t *testing.T) {
	IncOp("comp", "stage", "success")
	IncError("comp", "code")
	ObserveDuration("comp", "stage", 1)
}

// 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeUnknown},
		{"cancel", context.Canceled, CodeCancel},
		{"deadline", fmt.Errorf("oracle: %w", context.DeadlineExceeded), CodeCancel},
		{"budget", fmt.Errorf("budget: %w", contract.ErrBudgetExceeded), CodeBudget},
		{"rate", contract.ErrRateLimited, CodeBudget},
		{"response", contract.ErrResponseInvalid, CodeProtocol},
		{"line", &contract.LineError{Line: 1, Text: "foo", Err: contract.ErrLineMalformed}, CodeProtocol},
		{"index", &contract.LineError{Line: 2, Text: "x:y", Err: contract.ErrIndexInvalid}, CodeProtocol},
		{"range", fmt.Errorf("apply: %w", contract.ErrIndexOutOfRange), CodeRange},
		{"input", contract.ErrInvalidInput, CodeInvariant},
		{"path", contract.ErrPathInvalid, CodeInvariant},
		{"invariant", contract.ErrInvariantViolation, CodeInvariant},
		{"fs", &fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{"csv", fmt.Errorf("decode: %w", &csv.ParseError{Line: 2, Err: csv.ErrQuote}), CodeIO},
		{"net", &net.DNSError{Err: "x"}, CodeNetwork},
		{"openai 401", &openai.Error{StatusCode: 401}, CodeAuth},
		{"openai 403", &openai.Error{StatusCode: 403}, CodeAuth},
		{"openai 429", &openai.Error{StatusCode: 429}, CodeBudget},
		{"openai 503", &openai.Error{StatusCode: 503}, CodeNetwork},
		{"openai 400", &openai.Error{StatusCode: 400}, CodeProtocol},
		{"genai 408", genai.APIError{Code: 408}, CodeNetwork},
		{"genai wrapped", fmt.Errorf("oracle: %w", genai.APIError{Code: 401, Message: "bad key"}), CodeAuth},
		{"genai ptr", &genai.APIError{Code: 500}, CodeNetwork},
		{"other", errors.New("other"), CodeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%s)=%s want %s", tc.name, got, tc.want)
			}
		})
	}
}

// StatusCode 对非 SDK 错误返回 false
func TestStatusCode(t *testing.T) {
	if _, ok := StatusCode(errors.New("x")); ok {
		t.Fatalf("普通错误不应携带状态码")
	}
	if c, ok := StatusCode(&openai.Error{StatusCode: 429}); !ok || c != 429 {
		t.Fatalf("openai status=%d ok=%v", c, ok)
	}
}

// Logger 输出符合事件结构的 JSON 行
func TestLoggerEvents(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "corr-1", "debug")
	tm := l.StartWith("codec", "decode", "tables/09_2025.csv")
	tm.Finish("decode", 2)
	l.Warn("decoder", string(CodeProtocol), "line skipped", "tables/10_2025.csv", map[string]string{"line": "3", "text": "foo"})
	start := time.Now().Add(-5 * time.Millisecond)
	l.ErrorWithKV("oracle", string(CodeAuth), "invoke failed", &start, "", map[string]string{"http_status": "401"})
	l.DebugStart("prompt_builder", "build_req", "", map[string]string{"rows": "2"})

	evs := decodeEvents(t, buf.Bytes())
	require.Len(t, evs, 5)

	require.Equal(t, "info", evs[0].Level)
	require.Equal(t, "start", evs[0].Stage)
	require.Equal(t, "corr-1", evs[0].CorrID)
	require.Equal(t, "tables/09_2025.csv", evs[0].Table)
	require.NotEmpty(t, evs[0].TS)

	require.Equal(t, "finish", evs[1].Stage)
	require.Equal(t, int64(2), evs[1].Count)

	require.Equal(t, "warn", evs[2].Level)
	require.Equal(t, "warn", evs[2].Stage)
	require.Equal(t, "protocol", evs[2].Code)
	require.Equal(t, map[string]string{"line": "3", "text": "foo"}, evs[2].KV)

	require.Equal(t, "error", evs[3].Level)
	require.Equal(t, "401", evs[3].KV["http_status"])
	require.GreaterOrEqual(t, evs[3].DurMS, int64(5))

	require.Equal(t, "debug", evs[4].Level)
}

// 级别过滤：info 下不输出 debug，error 下不输出 warn
func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "c", "info")
	l.DebugStart("comp", "msg", "t", nil)
	require.Zero(t, buf.Len())

	buf.Reset()
	l = NewLoggerTo(&buf, "c", "error")
	l.Warn("comp", "range", "dropped", "t", nil)
	l.Start("comp", "msg").Finish("msg", 0)
	require.Zero(t, buf.Len())
	l.Error("comp", "io", "boom", nil)
	require.Len(t, decodeEvents(t, buf.Bytes()), 1)
}

// Level.String 与 ParseLevel 分支
func TestLevels(t *testing.T) {
	if Warn.String() != "warn" {
		t.Fatalf("warn string")
	}
	var unknown Level = 12345
	if unknown.String() != "info" {
		t.Fatalf("default string")
	}
	for in, want := range map[string]Level{"debug": Debug, " WARN ": Warn, "warning": Warn, "error": Error, "": Info, "x": Info} {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v", in, got)
		}
	}
}

// nil 接收者安全
func TestLoggerNilSafe(t *testing.T) {
	var l *Logger
	l.Start("c", "m").Finish("m", 1)
	l.Warn("c", "x", "m", "", nil)
	l.Error("c", "x", "m", nil)
	require.NoError(t, l.Close())
	require.Empty(t, l.CorrID())
	var tnil *Timer
	tnil.Finish("x", 0)
	require.Nil(t, tnil.Since())
	(&Timer{}).Finish("x", 0)
}

// 默认 sink 写入 logs/llmtag-current.txt
func TestLoggerWithSink(t *testing.T) {
	t.Chdir(t.TempDir())
	l := NewLogger("corr", "info")
	l.Start("comp", "msg").Finish("ok", 1)
	l.Error("comp", "code", "msg", nil)
	require.NoError(t, l.Close())
	b, err := os.ReadFile(filepath.Join("logs", currentName))
	require.NoError(t, err)
	evs := decodeEvents(t, b)
	require.Len(t, evs, 3)
	require.Equal(t, "corr", evs[2].CorrID)
}

func TestNowUTC(t *testing.T) {
	if _, err := time.Parse(time.RFC3339, NowUTC()); err != nil {
		t.Fatalf("NowUTC 非 RFC3339: %v", err)
	}
}

// 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	if term.isTTY {
		t.Fatalf("expect non-tty")
	}
	term.RunStart("openai", "tables/09_2025.csv", "tables/10_2025.csv")
	term.StageStart("oracle") // 非 TTY：不输出
	term.Warn("skipped 1 line")
	term.RunFinish(true, Summary{ReferenceRows: 2, TargetRows: 2, Applied: 2, Skipped: 1, Output: "tables/10_2025_tagged.csv"}, 1500*time.Millisecond)

	out := sb.String()
	if strings.Contains(out, "\r") || strings.Contains(out, "\x1b") {
		t.Fatalf("non-tty should not contain control sequences: %q", out)
	}
	for _, want := range []string{
		"[run] llm=openai | 参考表=09_2025.csv | 目标表=10_2025.csv\n",
		"[warn] skipped 1 line\n",
		"[ok] 10_2025.csv | 参考 2 行 | 目标 2 行 | 写入 2 | 跳过 1 | 丢弃 0 | 输出 10_2025_tagged.csv | 总用时 1.5s\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	if strings.Contains(out, "[stage]") {
		t.Fatalf("non-tty should not print stage lines: %q", out)
	}
}

// 失败总览带出最后阶段
func TestTerminalFailShowsStage(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.RunStart("mock", "r.csv", "t.csv")
	term.StageStart("budget")
	term.RunFinish(false, Summary{}, 20*time.Millisecond)
	if !strings.Contains(sb.String(), "[fail] t.csv | 阶段=budget | 总用时 20ms") {
		t.Fatalf("fail line: %q", sb.String())
	}
}

// 终端（TTY）阶段行覆盖与清尾
func TestTerminalTTYInlineAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.RunStart("mock", "r.csv", "/a/b/c/target.csv")
	term.StageStart("oracle")
	if !strings.Contains(sb.String(), "\r[stage] oracle") {
		t.Fatalf("stage should be inline with CR: %q", sb.String())
	}
	term.RunFinish(false, Summary{}, 2200*time.Millisecond)
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	if idx < 0 {
		t.Fatalf("finish should include fail badge: %q", final)
	}
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	if cr < 0 {
		t.Fatalf("should contain carriage return before fail line")
	}
	// 清尾：最后一次 \r 之前为空格覆盖
	if !strings.Contains(seg[:cr], " ") {
		t.Fatalf("clear tail should write spaces: %q", seg)
	}
}

type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

// 写失败降级为禁用态
func TestTerminalDisableOnWriteError(t *testing.T) {
	term := NewTerminal(&flakyWriter{fail: true}, true)
	term.isTTY = false
	term.RunStart("x", "r", "t")
	if term.enabled {
		t.Fatalf("terminal should be disabled after write error")
	}
	term.StageStart("oracle")
	term.Warn("w")
	term.RunFinish(true, Summary{}, 0)

	term = NewTerminal(&flakyWriter{fail: true}, true)
	term.isTTY = true
	term.StageStart("oracle")
	if term.enabled {
		t.Fatalf("terminal should be disabled after inline error")
	}
}

// CI 环境强制非 TTY
func TestNewTerminalCIEnv(t *testing.T) {
	t.Setenv("CI", "true")
	term := NewTerminal(os.Stderr, true)
	if term.isTTY {
		t.Fatalf("CI env should force non-tty")
	}
}

// nil 接收者早返回
func TestTerminalNilReceiverNoop(t *testing.T) {
	var tn *Terminal
	tn.RunStart("x", "r", "t")
	tn.StageStart("s")
	tn.Warn("w")
	tn.RunFinish(true, Summary{}, 0)
}

// 工具函数
func TestHelpers(t *testing.T) {
	got := shortenBase("/x/y/这是一个很长的文件名用于截断测试abcdefghijk.csv", 10)
	if visLen(got) > 10 || !strings.HasSuffix(got, "…") {
		t.Fatalf("shortenBase=%q", got)
	}
	if shortenBase("x", 0) != "" {
		t.Fatalf("shortenBase max<=0 should be empty")
	}
	if shortenBase("dir/short.csv", 48) != "short.csv" {
		t.Fatalf("shortenBase base")
	}
	if safe("a\nb\rc") != "a b c" {
		t.Fatalf("safe replace failed")
	}
	if formatDur(0) != "0ms" || formatDur(1500*time.Millisecond) != "1.5s" {
		t.Fatalf("formatDur")
	}
	SetTerminal(nil)
	if GetTerminal() != nil {
		t.Fatalf("expected nil terminal")
	}
	SetTerminal(NewTerminal(os.Stderr, false))
	if GetTerminal() == nil {
		t.Fatalf("expected non-nil terminal")
	}
	SetTerminal(nil)
}
