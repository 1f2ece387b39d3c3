package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/John-Robertt/latgen/internal/config"
	"github.com/John-Robertt/latgen/internal/domain"
)

const toyGraph = `
name: toy
blank: 0
symbols:
  "1": HELLO
  "2": WORLD
  "3": FOO
  "4": BAR
`

// 每帧得分最高的列即输出标签；第 5 列（label 5）不在符号表里。
const helloText = `utt1 [
  -10 -1 -10 -10 -10 -10
  -10 -1 -10 -10 -10 -10 ]
utt2 [ -10 -10 -1 -10 -10 -10 ]
utt3 [
  -10 -10 -10 -1 -10 -10
  -1 -10 -10 -10 -10 -10
  -10 -10 -10 -10 -1 -10 ]
`

const badFirstText = `utt1 [ -10 -10 -10 -10 -10 -1 ]
utt2 [ -10 -10 -1 -10 -10 -10 ]
`

type testEnv struct {
	dir    string
	stdin  *bytes.Buffer
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "graph.yaml"), toyGraph)
	return &testEnv{dir: dir, stdin: &bytes.Buffer{}, stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}}
}

func (e *testEnv) run(args ...string) int {
	e.stdout.Reset()
	e.stderr.Reset()
	c := cli{stdin: e.stdin, stdout: e.stdout, stderr: e.stderr, cwd: e.dir}
	return c.main(context.Background(), args)
}

// packText 用 pack 命令把文本矩阵转成 name 对应的 utterance 流。
func (e *testEnv) packText(t *testing.T, name, text string) {
	t.Helper()
	writeFile(t, filepath.Join(e.dir, name+".txt"), text)
	if code := e.run("pack", name+".txt", name); code != 0 {
		t.Fatalf("pack 失败：code=%d stderr=%s", code, e.stderr.String())
	}
}

func TestDecode_HelloWorld(t *testing.T) {
	e := newTestEnv(t)
	e.packText(t, "in.lgm", helloText)

	code := e.run("decode", "in.lgm", "graph.yaml", "--workers", "4", "--report=out/report.json")
	if code != 0 {
		t.Fatalf("期望退出码 0，实际 %d；stderr=%s", code, e.stderr.String())
	}
	if got, want := e.stdout.String(), "HELLO\nWORLD\nFOO BAR\n"; got != want {
		t.Fatalf("输出不符合预期：\n got=%q\nwant=%q", got, want)
	}
	if !strings.Contains(e.stderr.String(), "完成：decoded=3 failed=0 abandoned=0") {
		t.Fatalf("stderr 缺少完成摘要：%q", e.stderr.String())
	}

	b, err := os.ReadFile(filepath.Join(e.dir, "out", "report.json"))
	if err != nil {
		t.Fatalf("读取 report 失败：%v", err)
	}
	var rr domain.RunReport
	if err := json.Unmarshal(b, &rr); err != nil {
		t.Fatalf("report 不是合法 JSON：%v", err)
	}
	if rr.Summary.Decoded != 3 || rr.Fatal != nil || rr.Workers != 4 {
		t.Fatalf("report 不符合预期：%+v", rr)
	}
}

func TestDecode_FirstOfTwoFails(t *testing.T) {
	e := newTestEnv(t)
	e.packText(t, "in.lgm", badFirstText)

	code := e.run("decode", "in.lgm", "graph.yaml")
	if code != 1 {
		t.Fatalf("期望退出码 1，实际 %d", code)
	}
	if e.stdout.Len() != 0 {
		t.Fatalf("不应有任何输出：%q", e.stdout.String())
	}
	if !strings.Contains(e.stderr.String(), "item 0 (utt1): decode_failed:") {
		t.Fatalf("诊断应指出 item 0：%q", e.stderr.String())
	}
	if !strings.Contains(e.stderr.String(), "not in symbol table") {
		t.Fatalf("诊断应包含原因：%q", e.stderr.String())
	}
}

func TestDecode_SkipPolicyStillExitsNonZero(t *testing.T) {
	e := newTestEnv(t)
	e.packText(t, "in.lgm", badFirstText)

	code := e.run("decode", "in.lgm", "graph.yaml", "--on-error=skip")
	if code != 1 {
		t.Fatalf("有失败条目时期望退出码 1，实际 %d", code)
	}
	if e.stdout.String() != "WORLD\n" {
		t.Fatalf("skip 后应继续输出：%q", e.stdout.String())
	}
	if !strings.Contains(e.stderr.String(), "item 0 (utt1): decode_failed:") {
		t.Fatalf("诊断应列出被跳过的条目：%q", e.stderr.String())
	}
}

func TestDecode_EmptyInput(t *testing.T) {
	e := newTestEnv(t)
	e.packText(t, "in.lgm", "")

	if code := e.run("decode", "in.lgm", "graph.yaml"); code != 0 {
		t.Fatalf("空输入期望退出码 0，实际 %d；stderr=%s", code, e.stderr.String())
	}
	if e.stdout.Len() != 0 {
		t.Fatalf("空输入不应有输出：%q", e.stdout.String())
	}
}

func TestDecode_StdinAndOutputFile(t *testing.T) {
	e := newTestEnv(t)
	e.packText(t, "in.lgm", helloText)
	b, err := os.ReadFile(filepath.Join(e.dir, "in.lgm"))
	if err != nil {
		t.Fatalf("读取输入失败：%v", err)
	}
	e.stdin.Write(b)

	code := e.run("decode", "-", "graph.yaml", "--format", "jsonl", "--output", "res/out.jsonl")
	if code != 0 {
		t.Fatalf("期望退出码 0，实际 %d；stderr=%s", code, e.stderr.String())
	}
	out, err := os.ReadFile(filepath.Join(e.dir, "res", "out.jsonl"))
	if err != nil {
		t.Fatalf("读取输出文件失败：%v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 3 || !strings.Contains(lines[2], `"key":"utt3"`) {
		t.Fatalf("jsonl 输出不符合预期：%q", out)
	}
}

func TestDecode_ConfigFile(t *testing.T) {
	e := newTestEnv(t)
	e.packText(t, "in.lgm", helloText)
	writeFile(t, filepath.Join(e.dir, "latgen.yaml"), "acoustic: in.lgm\ngraph: graph.yaml\nworkers: 2\n")

	if code := e.run("decode"); code != 0 {
		t.Fatalf("期望退出码 0，实际 %d；stderr=%s", code, e.stderr.String())
	}
	if e.stdout.String() != "HELLO\nWORLD\nFOO BAR\n" {
		t.Fatalf("输出不符合预期：%q", e.stdout.String())
	}
}

func TestDecode_UsageAndConfigErrors(t *testing.T) {
	e := newTestEnv(t)

	cases := [][]string{
		{"decode", "--bogus", "x"},
		{"decode", "-x"},
		{"decode", "--workers", "many", "a", "b"},
		{"decode", "a", "b", "c"},
		{"decode"}, // 缺少 acoustic/graph
		{"decode", "a", "b", "--config", "missing.yaml"},
		{"decode", "a", "b", "--format=xml"},
		{"unknown"},
	}
	for _, args := range cases {
		if code := e.run(args...); code != 2 {
			t.Fatalf("args=%v 期望退出码 2，实际 %d；stderr=%s", args, code, e.stderr.String())
		}
	}
	if code := e.run("decode", "a", "b", "--config", "missing.yaml"); code != 2 || !strings.Contains(e.stderr.String(), domain.ErrCodeConfigNotFound) {
		t.Fatalf("缺失配置文件应报告 %s：%q", domain.ErrCodeConfigNotFound, e.stderr.String())
	}
}

func TestDecode_GraphMissing(t *testing.T) {
	e := newTestEnv(t)
	e.packText(t, "in.lgm", helloText)

	if code := e.run("decode", "in.lgm", "nope.yaml"); code != 1 {
		t.Fatalf("期望退出码 1，实际 %d", code)
	}
	if !strings.Contains(e.stderr.String(), domain.ErrCodeGraphInvalid+":") {
		t.Fatalf("stderr 应包含 graph_invalid：%q", e.stderr.String())
	}
}

func TestHelp(t *testing.T) {
	e := newTestEnv(t)
	for _, args := range [][]string{{}, {"--help"}, {"decode", "-h"}, {"pack", "help"}} {
		if code := e.run(args...); code != 0 || e.stdout.Len() == 0 {
			t.Fatalf("args=%v 应输出帮助：code=%d", args, code)
		}
	}
}

func TestParseDecodeArgs(t *testing.T) {
	ca, err := parseDecodeArgs([]string{
		"in.lgm", "--scale=0.1", "--workers", "8", "--queue-depth=0", "graph.yaml",
		"--decoder", "greedy", "--format=html", "--output", "o.html", "--on-error", "skip",
		"--report", "r.json", "--metrics-file=m.prom", "--log-level", "debug", "--config=c.yaml",
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	want := config.CLIArgs{
		ConfigPath: "c.yaml", Acoustic: "in.lgm", Graph: "graph.yaml",
		Scale: 0.1, ScaleSet: true, Workers: 8, WorkersSet: true, QueueDepth: 0, QueueDepthSet: true,
		Decoder: "greedy", Format: "html", Output: "o.html", OnError: "skip",
		Report: "r.json", MetricsFile: "m.prom", LogLevel: "debug",
	}
	if ca != want {
		t.Fatalf("解析结果不符合预期：\n got=%+v\nwant=%+v", ca, want)
	}

	if _, err := parseDecodeArgs([]string{"--scale"}); err == nil {
		t.Fatalf("缺少值时应报错")
	}
}

func TestPack_NoOverwriteUnlessForce(t *testing.T) {
	e := newTestEnv(t)
	e.packText(t, "in.lgm", helloText)

	if code := e.run("pack", "in.lgm.txt", "in.lgm"); code != 1 {
		t.Fatalf("输出已存在时期望退出码 1，实际 %d", code)
	}
	if code := e.run("pack", "in.lgm.txt", "in.lgm", "--force"); code != 0 {
		t.Fatalf("--force 应覆盖：code=%d stderr=%s", code, e.stderr.String())
	}
	if !strings.Contains(e.stderr.String(), "已写入 3 条记录") {
		t.Fatalf("stderr=%q", e.stderr.String())
	}
}

func TestPack_ZstdRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	e.packText(t, "in.lgm.zst", helloText)

	if code := e.run("decode", "in.lgm.zst", "graph.yaml"); code != 0 {
		t.Fatalf("期望退出码 0，实际 %d；stderr=%s", code, e.stderr.String())
	}
	if e.stdout.String() != "HELLO\nWORLD\nFOO BAR\n" {
		t.Fatalf("输出不符合预期：%q", e.stdout.String())
	}
}

func TestPack_InvalidText(t *testing.T) {
	e := newTestEnv(t)
	writeFile(t, filepath.Join(e.dir, "bad.txt"), "utt1 [ 1 2\n3 ]\n")

	if code := e.run("pack", "bad.txt", "bad.lgm"); code != 1 {
		t.Fatalf("期望退出码 1，实际 %d", code)
	}
	if _, err := os.Stat(filepath.Join(e.dir, "bad.lgm")); !os.IsNotExist(err) {
		t.Fatalf("失败时不应留下输出文件：%v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}
}
