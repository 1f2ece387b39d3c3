package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/John-Robertt/latgen/internal/app/run"
	"github.com/John-Robertt/latgen/internal/config"
	"github.com/John-Robertt/latgen/internal/decoder"
	"github.com/John-Robertt/latgen/internal/decoder/greedy"
	"github.com/John-Robertt/latgen/internal/domain"
	"github.com/John-Robertt/latgen/internal/infra/fsx"
	"github.com/John-Robertt/latgen/internal/infra/httpx"
	"github.com/John-Robertt/latgen/internal/infra/resource"
	"github.com/John-Robertt/latgen/internal/sink"
)

// cli 是一次命令调用的 I/O 环境；测试里替换为内存 buffer。
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	cwd    string
	// interactive 为 true 时在 stderr 上显示进度。
	interactive bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		os.Exit(1)
	}
	c := cli{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr, cwd: cwd, interactive: isTTY(os.Stderr)}
	code := c.main(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func (c cli) main(ctx context.Context, args []string) int {
	if len(args) == 0 || isHelp(args[0]) {
		c.printUsage()
		return 0
	}

	switch args[0] {
	case "decode":
		return c.decodeCmd(ctx, args[1:])
	case "pack":
		return c.packCmd(ctx, args[1:])
	default:
		fmt.Fprintf(c.stderr, "未知命令：%q\n\n", args[0])
		c.printUsage()
		return 2
	}
}

func (c cli) decodeCmd(ctx context.Context, args []string) int {
	for _, a := range args {
		if isHelp(a) {
			fmt.Fprint(c.stdout, decodeUsage)
			return 0
		}
	}

	ca, err := parseDecodeArgs(args)
	if err != nil {
		fmt.Fprintf(c.stderr, "参数错误：%v\n\n%s", err, decodeUsage)
		return 2
	}

	eff, err := config.LoadEffective(c.cwd, ca)
	if err != nil {
		fmt.Fprintf(c.stderr, "%s: %v\n", configErrCode(err), err)
		return 2
	}

	lg := newLogger(c.stderr, eff.LogLevel)
	if c.interactive {
		// 进度 UI 已经占用 stderr：只保留警告以上的日志。
		lg = newLogger(c.stderr, maxLevel(eff.LogLevel, "warn"))
	}

	hc, err := httpx.NewClient(eff.ProxyURL)
	if err != nil {
		fmt.Fprintf(c.stderr, "%s: %v\n", domain.ErrCodeConfigInvalid, err)
		return 2
	}
	opener := &resource.Opener{
		HTTP:  hc,
		Stdin: c.stdin,
		S3: resource.S3Config{
			Endpoint:  eff.S3Endpoint,
			AccessKey: eff.S3AccessKey,
			SecretKey: eff.S3SecretKey,
			Region:    eff.S3Region,
			UseSSL:    eff.S3UseSSL,
		},
	}

	reg, err := decoder.NewRegistry(greedy.New())
	if err != nil {
		fmt.Fprintf(c.stderr, "初始化 decoder registry 失败：%v\n", err)
		return 1
	}

	out, err := c.openSink(eff, lg)
	if err != nil {
		fmt.Fprintf(c.stderr, "%s: %v\n", domain.ErrCodeSinkFailed, err)
		return 1
	}

	var obs run.Observer
	if c.interactive {
		obs = newProgressUI(c.stderr)
	}
	rr := run.ExecuteWithObserver(ctx, eff, run.Deps{
		Decoders:         reg,
		Opener:           opener,
		Sink:             out.sink,
		Logger:           lg,
		ProgressInterval: 2 * time.Second,
	}, obs)

	// 输出文件：部分结果同样落盘（失败条目之前的输出是有效的）。
	if err := out.commit(); err != nil {
		fmt.Fprintf(c.stderr, "%s: 提交输出文件失败：%v\n", domain.ErrCodeIOFailed, err)
		return 1
	}

	if eff.Report != "" {
		if err := writeReportFile(eff.Report, rr); err != nil {
			fmt.Fprintf(c.stderr, "%s: 写入 report 失败：%v\n", domain.ErrCodeIOFailed, err)
			return 1
		}
	}

	c.emitDiagnostics(rr)
	if rr.OK() {
		return 0
	}
	return 1
}

type openedSink struct {
	sink   sink.Sink
	commit func() error
}

func (c cli) openSink(eff config.EffectiveConfig, lg *slog.Logger) (openedSink, error) {
	noop := func() error { return nil }

	if eff.Format == sink.FormatMQTT {
		s, err := sink.DialMQTT(sink.MQTTOptions{
			Broker:   eff.MQTTBroker,
			Topic:    eff.MQTTTopic,
			QoS:      eff.MQTTQoS,
			ClientID: eff.MQTTClientID,
			Logger:   lg,
		})
		if err != nil {
			return openedSink{}, err
		}
		return openedSink{sink: s, commit: noop}, nil
	}

	title := "latgen: " + filepath.Base(eff.Acoustic)
	if eff.Output == "" || eff.Output == config.DefaultOutput {
		s, err := sink.New(eff.Format, c.stdout, title)
		if err != nil {
			return openedSink{}, err
		}
		return openedSink{sink: s, commit: noop}, nil
	}

	f, err := fsx.CreateAtomic(eff.Output)
	if err != nil {
		return openedSink{}, err
	}
	s, err := sink.New(eff.Format, f, title)
	if err != nil {
		f.Discard()
		return openedSink{}, err
	}
	return openedSink{sink: s, commit: f.Commit}, nil
}

// emitDiagnostics 在 stderr 上输出失败条目与最终摘要。
func (c cli) emitDiagnostics(rr domain.RunReport) {
	for _, it := range rr.Items {
		if it.Status != domain.StatusFailed {
			continue
		}
		if rr.Fatal != nil && rr.Fatal.Index == it.Index {
			continue
		}
		fmt.Fprintf(c.stderr, "item %d (%s): %s: %s\n", it.Index, it.Key, it.ErrorCode, it.ErrorMsg)
	}
	if f := rr.Fatal; f != nil {
		if f.Index >= 0 {
			key := f.Key
			if key == "" {
				key = "<unknown>"
			}
			fmt.Fprintf(c.stderr, "item %d (%s): %s: %s\n", f.Index, key, f.ErrorCode, f.ErrorMsg)
		} else {
			fmt.Fprintf(c.stderr, "%s: %s\n", f.ErrorCode, f.ErrorMsg)
		}
	}
	fmt.Fprintf(c.stderr, "完成：decoded=%d failed=%d abandoned=%d\n",
		rr.Summary.Decoded, rr.Summary.Failed, rr.Summary.Abandoned,
	)
}

func writeReportFile(path string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomic(path, b)
}

func configErrCode(err error) string {
	switch config.Code(err) {
	case config.ErrCodeNotFound:
		return domain.ErrCodeConfigNotFound
	default:
		return domain.ErrCodeConfigInvalid
	}
}

// parseDecodeArgs 解析 decode 的参数：[acoustic] [graph] 加 --k v / --k=v 形式的选项。
func parseDecodeArgs(args []string) (config.CLIArgs, error) {
	ca := config.CLIArgs{}
	var positional []string

	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "-" || !strings.HasPrefix(a, "-") {
			positional = append(positional, a)
			continue
		}
		if !strings.HasPrefix(a, "--") {
			return config.CLIArgs{}, fmt.Errorf("未知参数 %q", a)
		}

		name, val, hasVal := strings.Cut(strings.TrimPrefix(a, "--"), "=")
		if !hasVal {
			if i+1 >= len(args) {
				return config.CLIArgs{}, fmt.Errorf("--%s 需要一个值", name)
			}
			i++
			val = args[i]
		}

		switch name {
		case "config":
			ca.ConfigPath = val
		case "scale":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return config.CLIArgs{}, fmt.Errorf("--scale 不是合法数字：%q", val)
			}
			ca.Scale, ca.ScaleSet = f, true
		case "workers":
			n, err := strconv.Atoi(val)
			if err != nil {
				return config.CLIArgs{}, fmt.Errorf("--workers 不是合法整数：%q", val)
			}
			ca.Workers, ca.WorkersSet = n, true
		case "queue-depth":
			n, err := strconv.Atoi(val)
			if err != nil {
				return config.CLIArgs{}, fmt.Errorf("--queue-depth 不是合法整数：%q", val)
			}
			ca.QueueDepth, ca.QueueDepthSet = n, true
		case "decoder":
			ca.Decoder = val
		case "format":
			ca.Format = val
		case "output":
			ca.Output = val
		case "on-error":
			ca.OnError = val
		case "report":
			ca.Report = val
		case "metrics-file":
			ca.MetricsFile = val
		case "log-level":
			ca.LogLevel = val
		default:
			return config.CLIArgs{}, fmt.Errorf("未知参数 %q", "--"+name)
		}
	}

	switch len(positional) {
	case 0:
	case 1:
		ca.Acoustic = positional[0]
	case 2:
		ca.Acoustic, ca.Graph = positional[0], positional[1]
	default:
		return config.CLIArgs{}, fmt.Errorf("多余的参数：%q", positional[2:])
	}
	return ca, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv}))
}

// maxLevel 返回 a、b 中更“安静”的级别。
func maxLevel(a, b string) string {
	rank := map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}
	if rank[strings.ToLower(a)] >= rank[strings.ToLower(b)] {
		return a
	}
	return b
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func (c cli) printUsage() {
	fmt.Fprint(c.stdout, `用法：
  latgen decode [acoustic] [graph] [选项]
  latgen pack <in.txt|-> <out.lgm|-> [--zstd] [--force]

命令：
  decode  并行解码 utterance 流，按输入顺序输出结果
  pack    把文本矩阵（key [ ... ]）转换为 utterance 流

使用 "latgen decode --help" 查看详细说明。
`)
}

const decodeUsage = `用法：
  latgen decode [acoustic] [graph] [选项]

参数：
  acoustic          输入：文件、目录（*.lgm / *.lgm.zst 分片）、-（stdin）、http(s)://、s3://
  graph             图文件（YAML/JSON）：本地路径、http(s)://、s3://

选项：
  --scale F         声学缩放系数（默认 1.0）
  --workers N       并发解码数（默认 CPU 数，上限 256）
  --queue-depth N   已提交未输出条目的上限（默认 0 = 不限）
  --decoder NAME    解码器（默认 greedy）
  --format F        输出格式：text|jsonl|html|mqtt（默认 text）
  --output PATH     输出文件（默认 - = stdout）
  --on-error P      单条失败时：abort（默认）或 skip
  --report PATH     写入 JSON 运行报告
  --metrics-file P  写入 Prometheus 文本格式指标
  --config FILE     配置文件（默认查找 latgen.yaml / latgen.yml / latgen.json）
  --log-level L     debug|info|warn|error（默认 info）
  -h, --help        显示帮助

退出码：0 成功；1 运行失败；2 参数或配置错误。
`
