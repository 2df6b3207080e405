package flaky

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"llmtag/pkg/contract"
)

// TestFailThenNoisy 先失败后返回带噪声的应答
func TestFailThenNoisy(t *testing.T) {
	logp := filepath.Join(t.TempDir(), "flaky.log")
	c, err := New(json.RawMessage(`{"fail_calls":2,"log_path":"` + filepath.ToSlash(logp) + `"}`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p := contract.Prompt{Targets: []contract.Index{0, 1}}
	for i := 0; i < 2; i++ {
		_, err := c.Invoke(context.Background(), p)
		var ne net.Error
		if !errors.As(err, &ne) || !errors.Is(err, ErrInjected) {
			t.Fatalf("第 %d 次应为网络错误: %v", i+1, err)
		}
	}
	raw, err := c.Invoke(context.Background(), p)
	if err != nil {
		t.Fatalf("第 3 次应成功: %v", err)
	}
	for _, want := range []string{"\n0:unknown\n1:unknown\n", "x:bad", "-1:unknown", "Here are the tags:"} {
		if !strings.Contains(raw.Text, want) {
			t.Fatalf("应答缺少 %q: %q", want, raw.Text)
		}
	}
	b, _ := os.ReadFile(logp)
	if string(b) != "network_error\nnetwork_error\nok\n" {
		t.Fatalf("log=%q", string(b))
	}
}

// TestDefaultFailOnce 默认失败一次；fail_calls=0 直接成功
func TestDefaultFailOnce(t *testing.T) {
	c, _ := New(nil)
	if _, err := c.Invoke(context.Background(), contract.Prompt{}); err == nil {
		t.Fatalf("默认首次应失败")
	}
	if _, err := c.Invoke(context.Background(), contract.Prompt{}); err != nil {
		t.Fatalf("第二次应成功: %v", err)
	}
	c, _ = New(json.RawMessage(`{"fail_calls":0,"fallback_tag":"misc"}`))
	raw, err := c.Invoke(context.Background(), contract.Prompt{Targets: []contract.Index{3}})
	if err != nil || !strings.Contains(raw.Text, "3:misc") {
		t.Fatalf("raw=%q err=%v", raw.Text, err)
	}
	if _, err := New(json.RawMessage(`{"fail_calls":"x"}`)); err == nil {
		t.Fatalf("非法选项应报错")
	}
}
