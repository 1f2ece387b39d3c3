package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// ErrCodeNotFound 表示 --config 指定的文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
)

const (
	DefaultDecoder  = "greedy"
	DefaultFormat   = "text"
	DefaultOutput   = "-"
	DefaultOnError  = "abort"
	DefaultLogLevel = "info"
	DefaultScale    = 1.0
	DefaultMQTTQoS  = 1

	// MaxWorkers 是 worker 数的上限；超出截断。
	MaxWorkers = 256
)

// 未指定 --config 时，按顺序在 cwd 下查找的文件名（找到第一个即停止）。
var discoveryNames = []string{"latgen.yaml", "latgen.yml", "latgen.json"}

// CLIArgs 是命令行可覆盖的字段。字符串为空表示未指定；数值字段用 *Set 记录“是否显式指定”，
// 保证 --queue-depth 0 这类零值也能覆盖配置文件。
type CLIArgs struct {
	ConfigPath string

	Acoustic string
	Graph    string

	Scale    float64
	ScaleSet bool

	Workers    int
	WorkersSet bool

	QueueDepth    int
	QueueDepthSet bool

	Decoder     string
	Format      string
	Output      string
	OnError     string
	Report      string
	MetricsFile string
	LogLevel    string
}

// FileConfig 对应 latgen.yaml（JSON 写法同样可解析）。
type FileConfig struct {
	Acoustic    string      `yaml:"acoustic"`
	Graph       string      `yaml:"graph"`
	Scale       *float64    `yaml:"scale"`
	Workers     int         `yaml:"workers"`
	QueueDepth  *int        `yaml:"queue_depth"`
	Decoder     string      `yaml:"decoder"`
	Format      string      `yaml:"format"`
	Output      string      `yaml:"output"`
	OnError     string      `yaml:"on_error"`
	Report      string      `yaml:"report"`
	MetricsFile string      `yaml:"metrics_file"`
	LogLevel    string      `yaml:"log_level"`
	ExcludeDirs []string    `yaml:"exclude_dirs"`
	HTTP        *HTTPConfig `yaml:"http"`
	S3          *S3Config   `yaml:"s3"`
	MQTT        *MQTTConfig `yaml:"mqtt"`
}

type HTTPConfig struct {
	ProxyURL string `yaml:"proxy_url"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    *bool  `yaml:"use_ssl"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	QoS      *int   `yaml:"qos"`
	ClientID string `yaml:"client_id"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	// ConfigFile 是实际读取的配置文件；未使用配置文件时为空。
	ConfigFile string

	Acoustic string
	Graph    string

	Scale      float32
	Workers    int
	QueueDepth int

	Decoder     string
	Format      string
	Output      string
	OnError     string
	Report      string
	MetricsFile string
	LogLevel    string
	ExcludeDirs []string

	ProxyURL string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	MQTTBroker   string
	MQTTTopic    string
	MQTTQoS      byte
	MQTTClientID string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Path == "" {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) CLI 提供 --config：必须存在
// 2) 否则依次尝试 <cwd>/latgen.yaml、latgen.yml、latgen.json（可选）
//
// 覆盖优先级（固定）：CLI > 配置文件 > 环境变量（仅 s3.*）> 内置默认。
// 配置文件里的相对路径以配置文件所在目录为基准；CLI 里的以 cwd 为基准。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	var (
		cfgPath string
		fc      FileConfig
	)
	if p := strings.TrimSpace(cli.ConfigPath); p != "" {
		cfgPath = absCleanFrom(cwdAbs, p)
		var exists bool
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
	} else {
		for _, name := range discoveryNames {
			p := filepath.Join(cwdAbs, name)
			c, exists, rerr := readFileConfig(p)
			if rerr != nil {
				return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: p, Err: rerr}
			}
			if exists {
				cfgPath, fc = p, c
				break
			}
		}
	}

	return merge(cwdAbs, cli, fc, cfgPath)
}

func merge(cwd string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	invalid := func(format string, args ...any) error {
		return &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf(format, args...)}
	}
	fileBase := cwd
	if cfgPath != "" {
		fileBase = filepath.Dir(cfgPath)
	}
	// pick：CLI > config，相对路径按各自的基准解析。
	pickRef := func(cliV, fileV string) string {
		if strings.TrimSpace(cliV) != "" {
			return resolveRef(cwd, cliV)
		}
		if strings.TrimSpace(fileV) != "" {
			return resolveRef(fileBase, fileV)
		}
		return ""
	}
	pick := func(cliV, fileV, def string) string {
		if v := strings.TrimSpace(cliV); v != "" {
			return strings.ToLower(v)
		}
		if v := strings.TrimSpace(fileV); v != "" {
			return strings.ToLower(v)
		}
		return def
	}

	eff := EffectiveConfig{
		ConfigFile:  cfgPath,
		Acoustic:    pickRef(cli.Acoustic, fc.Acoustic),
		Graph:       pickRef(cli.Graph, fc.Graph),
		Decoder:     pick(cli.Decoder, fc.Decoder, DefaultDecoder),
		Format:      pick(cli.Format, fc.Format, DefaultFormat),
		OnError:     pick(cli.OnError, fc.OnError, DefaultOnError),
		LogLevel:    pick(cli.LogLevel, fc.LogLevel, DefaultLogLevel),
		Report:      pickRef(cli.Report, fc.Report),
		MetricsFile: pickRef(cli.MetricsFile, fc.MetricsFile),
		ExcludeDirs: append([]string(nil), fc.ExcludeDirs...),
	}
	eff.Output = pickRef(cli.Output, fc.Output)
	if eff.Output == "" {
		eff.Output = DefaultOutput
	}

	if eff.Acoustic == "" {
		return EffectiveConfig{}, invalid("缺少 acoustic（输入）")
	}
	if eff.Graph == "" {
		return EffectiveConfig{}, invalid("缺少 graph（解码图）")
	}

	scale := DefaultScale
	if cli.ScaleSet {
		scale = cli.Scale
	} else if fc.Scale != nil {
		scale = *fc.Scale
	}
	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale <= 0 || scale > math.MaxFloat32 {
		return EffectiveConfig{}, invalid("scale 必须是有限正数：%v", scale)
	}
	eff.Scale = float32(scale)

	workers := fc.Workers
	if cli.WorkersSet {
		workers = cli.Workers
	}
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	// 超出 [1, MaxWorkers] 截断。
	if workers < 1 {
		workers = 1
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}
	eff.Workers = workers

	if cli.QueueDepthSet {
		eff.QueueDepth = cli.QueueDepth
	} else if fc.QueueDepth != nil {
		eff.QueueDepth = *fc.QueueDepth
	}
	if eff.QueueDepth < 0 {
		return EffectiveConfig{}, invalid("queue_depth 不能为负数：%d", eff.QueueDepth)
	}

	switch eff.Format {
	case "text", "jsonl", "html", "mqtt":
	default:
		return EffectiveConfig{}, invalid("format 只能是 text/jsonl/html/mqtt，实际是 %q", eff.Format)
	}
	switch eff.OnError {
	case "abort", "skip":
	default:
		return EffectiveConfig{}, invalid("on_error 只能是 abort 或 skip，实际是 %q", eff.OnError)
	}
	switch eff.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return EffectiveConfig{}, invalid("log_level 只能是 debug/info/warn/error，实际是 %q", eff.LogLevel)
	}

	if fc.HTTP != nil {
		eff.ProxyURL = strings.TrimSpace(fc.HTTP.ProxyURL)
	}
	if eff.ProxyURL != "" {
		u, err := url.Parse(eff.ProxyURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return EffectiveConfig{}, invalid("http.proxy_url 无效：%q", eff.ProxyURL)
		}
	}

	if err := mergeS3(&eff, fc.S3); err != nil {
		return EffectiveConfig{}, invalid("%v", err)
	}
	if err := mergeMQTT(&eff, fc.MQTT); err != nil {
		return EffectiveConfig{}, invalid("%v", err)
	}
	return eff, nil
}

// mergeS3：配置文件 > 环境变量 LATGEN_S3_*。
func mergeS3(eff *EffectiveConfig, c *S3Config) error {
	if c == nil {
		c = &S3Config{}
	}
	eff.S3Endpoint = firstNonEmpty(c.Endpoint, os.Getenv("LATGEN_S3_ENDPOINT"))
	eff.S3AccessKey = firstNonEmpty(c.AccessKey, os.Getenv("LATGEN_S3_ACCESS_KEY"))
	eff.S3SecretKey = firstNonEmpty(c.SecretKey, os.Getenv("LATGEN_S3_SECRET_KEY"))
	eff.S3Region = firstNonEmpty(c.Region, os.Getenv("LATGEN_S3_REGION"))

	if c.UseSSL != nil {
		eff.S3UseSSL = *c.UseSSL
		return nil
	}
	eff.S3UseSSL = true
	if v := strings.TrimSpace(os.Getenv("LATGEN_S3_USE_SSL")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LATGEN_S3_USE_SSL 无效：%q", v)
		}
		eff.S3UseSSL = b
	}
	return nil
}

func mergeMQTT(eff *EffectiveConfig, c *MQTTConfig) error {
	if c == nil {
		c = &MQTTConfig{}
	}
	eff.MQTTBroker = strings.TrimSpace(c.Broker)
	eff.MQTTTopic = strings.TrimSpace(c.Topic)
	eff.MQTTClientID = strings.TrimSpace(c.ClientID)

	qos := DefaultMQTTQoS
	if c.QoS != nil {
		qos = *c.QoS
	}
	if qos < 0 || qos > 2 {
		return fmt.Errorf("mqtt.qos 只能是 0/1/2：%d", qos)
	}
	eff.MQTTQoS = byte(qos)

	if eff.Format != "mqtt" {
		return nil
	}
	if eff.MQTTBroker == "" || eff.MQTTTopic == "" {
		return errors.New("format=mqtt 需要 mqtt.broker 与 mqtt.topic")
	}
	if eff.MQTTClientID == "" {
		eff.MQTTClientID = "latgen-" + uuid.NewString()[:8]
	}
	return nil
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// resolveRef 把本地相对路径变为绝对路径；"-" 与 URL（含 scheme）原样返回。
func resolveRef(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref == "-" || strings.Contains(ref, "://") {
		return ref
	}
	return absCleanFrom(base, ref)
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析配置文件（YAML；JSON 是 YAML 的子集）。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。未知字段视为错误。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		if errors.Is(err, io.EOF) {
			// 空文件等价于空配置。
			return FileConfig{}, true, nil
		}
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
