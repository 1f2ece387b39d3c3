package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/John-Robertt/latgen/internal/app/run"
	"github.com/John-Robertt/latgen/internal/config"
	"github.com/John-Robertt/latgen/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是交互终端上的进度输出（只写 stderr，stdout 留给解码结果）。
//
// 输入是流式的，总条数事先未知，所以只显示已完成/已排队。
// 成功的条目不逐条打印（可能有上百万条），失败的条目立即打印。
type progressUI struct {
	w io.Writer

	mu sync.Mutex

	title lipgloss.Style
	label lipgloss.Style
	good  lipgloss.Style
	bad   lipgloss.Style
	faint lipgloss.Style
}

func newProgressUI(w io.Writer) *progressUI {
	r := lipgloss.NewRenderer(w)
	return &progressUI{
		w:     w,
		title: r.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		label: r.NewStyle().Bold(true).Foreground(lipgloss.Color("86")),
		good:  r.NewStyle().Foreground(lipgloss.Color("42")),
		bad:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		faint: r.NewStyle().Faint(true),
	}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "%s %s\n", p.faint.Render("["+now.Format("15:04:05")+"]"), p.title.Render("latgen decode"))
	fmt.Fprintln(p.w, p.label.Render("配置（生效）:"))
	if eff.ConfigFile != "" {
		fmt.Fprintf(p.w, "  config: %s\n", eff.ConfigFile)
	}
	fmt.Fprintf(p.w, "  acoustic: %s\n", truncate(eff.Acoustic, 120))
	fmt.Fprintf(p.w, "  graph: %s\n", truncate(eff.Graph, 120))
	fmt.Fprintf(p.w, "  decoder: %s scale=%g\n", eff.Decoder, eff.Scale)
	fmt.Fprintf(p.w, "  workers: %d queue_depth: %s\n", eff.Workers, formatDepth(eff.QueueDepth))
	fmt.Fprintf(p.w, "  on_error: %s\n", eff.OnError)
	fmt.Fprintf(p.w, "  proxy: %s\n", formatProxy(eff.ProxyURL))
	if len(eff.ExcludeDirs) > 0 {
		fmt.Fprintf(p.w, "  exclude_dirs: %s\n", formatStringListJSON(eff.ExcludeDirs))
	}

	fmt.Fprintln(p.w, p.label.Render("输出:"))
	fmt.Fprintf(p.w, "  format: %s\n", eff.Format)
	if eff.Format == "mqtt" {
		fmt.Fprintf(p.w, "  mqtt: %s topic=%s qos=%d\n", eff.MQTTBroker, eff.MQTTTopic, eff.MQTTQoS)
	} else {
		fmt.Fprintf(p.w, "  output: %s\n", formatOutput(eff.Output))
	}
	if eff.Report != "" {
		fmt.Fprintf(p.w, "  report: %s\n", eff.Report)
	}
	if eff.MetricsFile != "" {
		fmt.Fprintf(p.w, "  metrics: %s\n", eff.MetricsFile)
	}
	fmt.Fprintln(p.w)
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "graph":
		fmt.Fprintf(p.w, "%s name=%s symbols=%d (%s)\n",
			p.label.Render("图:"), fields["name"], intField(fields, "symbols"), formatShortDuration(dur),
		)
	case "dispatch":
		fmt.Fprintf(p.w, "%s workers=%d queue_depth=%s decoder=%s\n\n",
			p.label.Render("解码:"), intField(fields, "workers"), formatDepth(intField(fields, "queue_depth")), fields["decoder"],
		)
	case "collect":
		fmt.Fprintf(p.w, "%s emitted=%d skipped=%d discarded=%d (%s)\n",
			p.label.Render("收集:"),
			intField(fields, "emitted"),
			intField(fields, "skipped"),
			intField(fields, "discarded"),
			formatShortDuration(dur),
		)
	default:
		// 未知阶段也不要静默（便于调试/演进）。
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}
}

func (p *progressUI) OnItemDone(res domain.ItemResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if res.Status != domain.StatusFailed {
		return
	}
	fmt.Fprintf(p.w, "[%d] %s %s %s: %s (%s)\n",
		res.Index, res.Key, p.bad.Render("FAIL"), res.ErrorCode, truncate(res.ErrorMsg, 160), formatShortDuration(dur),
	)
}

func (p *progressUI) OnProgress(pr run.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "%s done=%d/%d %s %s active=%d elapsed=%s\n",
		p.label.Render("进度:"),
		pr.Done, pr.Queued,
		p.good.Render(fmt.Sprintf("ok=%d", pr.Done-pr.Failed)),
		p.failText(pr.Failed),
		pr.Active,
		formatElapsed(pr.Elapsed),
	)
}

func (p *progressUI) failText(n int) string {
	s := fmt.Sprintf("fail=%d", n)
	if n == 0 {
		return s
	}
	return p.bad.Render(s)
}

func formatDepth(n int) string {
	if n <= 0 {
		return "unbounded"
	}
	return fmt.Sprint(n)
}

func formatOutput(out string) string {
	if out == "" || out == config.DefaultOutput {
		return "stdout"
	}
	return out
}

func formatProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "off"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "on (" + truncate(raw, 120) + ")"
	}
	auth := "off"
	if u.User != nil {
		auth = "on"
	}
	return fmt.Sprintf("on (%s://%s, auth=%s)", u.Scheme, u.Host, auth)
}

func formatStringListJSON(xs []string) string {
	// json.Marshal(nil slice) => "null"；对用户更友好的是 "[]"
	if xs == nil {
		xs = []string{}
	}
	b, err := json.Marshal(xs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch x := fields[key].(type) {
	case int:
		return x
	case int64:
		return int(x)
	case uint64:
		return int(x)
	default:
		return 0
	}
}
