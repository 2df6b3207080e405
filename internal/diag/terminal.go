package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
)

// Terminal: 终端信息提示（非日志）。
// - 输出到提供的 io.Writer（默认建议 stderr）。
// - TTY: 阶段行以 \r 覆盖，徽标着色；非 TTY: 关键节点分行打印，无控制字符。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	okStyle   lipgloss.Style
	failStyle lipgloss.Style
	dimStyle  lipgloss.Style

	llm      string
	target   string
	stage    string
	runStart time.Time

	lastLen int

	mu sync.Mutex
}

// Summary 为一次运行的终端汇总数据。
type Summary struct {
	ReferenceRows int
	TargetRows    int
	Applied       int
	Skipped       int
	Dropped       int
	Output        string
}

// 进程级终端（可选，全局设置后供 pipeline 旁路调用）。
var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器。
// enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok {
			t.isTTY = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	r := lipgloss.NewRenderer(w)
	t.okStyle = r.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	t.failStyle = r.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	t.dimStyle = r.NewStyle().Faint(true)
	return t
}

// RunStart: 记录运行上下文（LLM、参考表、目标表）。
func (t *Terminal) RunStart(llm, reference, target string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.llm = safe(llm)
	t.target = shortenBase(target, 48)
	t.stage = ""
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] llm=%s | 参考表=%s | 目标表=%s", t.llm, shortenBase(reference, 48), t.target))
}

// StageStart: 进入新阶段。TTY 覆盖单行；非 TTY 不输出（避免刷屏）。
func (t *Terminal) StageStart(stage string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.stage = safe(stage)
	if !t.isTTY {
		return
	}
	t.printInline(fmt.Sprintf("[stage] %s | %s", t.stage, t.dimStyle.Render("用时 "+formatSince(t.runStart))))
}

// Warn: 可降级问题的提示行（例如跳过的应答行数）。
func (t *Terminal) Warn(msg string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.clearInline()
	t.println("[warn] " + safe(msg))
}

// RunFinish: 结束总览。失败时带出最后进入的阶段。
func (t *Terminal) RunFinish(ok bool, s Summary, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.clearInline()
	if !ok {
		t.println(fmt.Sprintf("%s %s | 阶段=%s | 总用时 %s", t.badge(false), t.target, t.stage, formatDur(dur)))
		return
	}
	t.println(fmt.Sprintf("%s %s | 参考 %d 行 | 目标 %d 行 | 写入 %d | 跳过 %d | 丢弃 %d | 输出 %s | 总用时 %s",
		t.badge(true), t.target, s.ReferenceRows, s.TargetRows, s.Applied, s.Skipped, s.Dropped,
		shortenBase(s.Output, 48), formatDur(dur)))
}

func (t *Terminal) badge(ok bool) string {
	tag, st := "[ok]", t.okStyle
	if !ok {
		tag, st = "[fail]", t.failStyle
	}
	if !t.isTTY {
		return tag
	}
	return st.Render(tag)
}

// 内部输出工具
func (t *Terminal) println(s string) {
	if t == nil || !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		// 写失败即禁用
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) clearInline() {
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
		if t.enabled {
			_, _ = io.WriteString(t.w, "\r")
		}
	}
}

func (t *Terminal) printInline(s string) {
	if t == nil || !t.enabled {
		return
	}
	// \r + 内容；新行比旧短时以空格覆盖残留
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

// shortenBase: 取基名并按可见宽度截断（尾部省略号）。
func shortenBase(s string, max int) string {
	if max <= 0 {
		return ""
	}
	base := filepath.Base(strings.TrimSpace(s))
	if visLen(base) <= max {
		return base
	}
	return runewidth.Truncate(base, max, "…")
}

func visLen(s string) int { return lipgloss.Width(s) }

func safe(s string) string {
	// 避免换行等控制字符污染终端
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms <= 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	// 秒，保留 1 位小数
	s := float64(d.Milliseconds()) / 1000.0
	return fmt.Sprintf("%.1fs", s)
}
