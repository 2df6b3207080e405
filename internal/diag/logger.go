package diag

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case Debug:
		return zerolog.DebugLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel 解析 debug|info|warn|error，未知值回落 info。
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Logger 为结构化日志器：zerolog 单行 JSON，写入轮转文件，失败回落 stderr。
type Logger struct {
	corrID string
	level  Level
	sink   *RotatingFile
	zl     zerolog.Logger
}

// NewLogger 通过配置的 level 初始化，日志写入 logs/，10MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", 10*1024*1024)
	l := NewLoggerTo(sinkWriter{sink: sink}, corrID, level)
	l.sink = sink
	return l
}

// NewLoggerTo 将日志写入任意 io.Writer（测试与嵌入场景）。
func NewLoggerTo(w io.Writer, corrID, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl := ParseLevel(level)
	return &Logger{
		corrID: corrID,
		level:  lvl,
		zl:     zerolog.New(w).Level(lvl.zerolog()),
	}
}

// Close 关闭底层文件（若有）。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// CorrID 返回本次运行的关联 ID。
func (l *Logger) CorrID() string {
	if l == nil {
		return ""
	}
	return l.corrID
}

// sinkWriter 将 zerolog 输出转写到 RotatingFile；写失败时回落 stderr。
type sinkWriter struct{ sink *RotatingFile }

func (s sinkWriter) Write(p []byte) (int, error) {
	if _, err := s.sink.Write(p); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		return os.Stderr.Write(p)
	}
	return len(p), nil
}

// Event 为标准事件结构（字段即 JSON 行的键）。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	Comp   string            `json:"comp"`
	Stage  string            `json:"stage"` // start|finish|warn|error
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	Table  string            `json:"table,omitempty"`
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	e := l.zl.WithLevel(lv.zerolog())
	if e == nil {
		return
	}
	e = e.Str("ts", NowUTC()).
		Str("corr_id", l.corrID).
		Str("comp", ev.Comp).
		Str("stage", ev.Stage)
	if ev.Code != "" {
		e = e.Str("code", ev.Code)
	}
	if ev.DurMS != 0 {
		e = e.Int64("dur_ms", ev.DurMS)
	}
	if ev.Count != 0 {
		e = e.Int64("count", ev.Count)
	}
	if ev.Table != "" {
		e = e.Str("table", ev.Table)
	}
	e = e.Str("msg", ev.Msg)
	if len(ev.KV) > 0 {
		keys := make([]string, 0, len(ev.KV))
		for k := range ev.KV {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := zerolog.Dict()
		for _, k := range keys {
			d = d.Str(k, ev.KV[k])
		}
		e = e.Dict("kv", d)
	}
	e.Send()
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 table 的 start。
func (l *Logger) StartWith(comp, msg, table string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Table: table, Msg: msg})
	return &Timer{l: l, comp: comp, table: table, t0: time.Now()}
}

// StartWithKV 记录带 table 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, table string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Table: table, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, table: table, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", nil)
}

// ErrorWith 支持 table。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, table string) {
	l.ErrorWithKV(comp, code, msg, durSince, table, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, table string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, Table: table, KV: kv})
}

// Warn 记录可降级问题（被跳过的行、被丢弃的断言）。
func (l *Logger) Warn(comp, code, msg, table string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Code: code, Msg: msg, Table: table, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的 start 类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, table string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", Table: table, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l     *Logger
	comp  string
	table string
	t0    time.Time
}

// Finish 记录 finish；可选 count。同时上报阶段耗时指标。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	dur := time.Since(t.t0).Milliseconds()
	ObserveDuration(t.comp, msg, dur)
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: dur, Count: count, Table: t.table, Msg: msg})
}

// Since 返回计时起点，便于 Error 计算时长。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}
