package graph

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Graph 是解码图的只读视图：标签 -> 输出符号，以及 blank 标签。
//
// 约束：Load/New 之后不再修改，多个 worker 可以不加锁地共享同一个 *Graph。
type Graph struct {
	name    string
	blank   int
	symbols map[int]string
}

// file 是图文件（YAML/JSON）的结构。labels 用字符串键，以便 JSON 与 YAML 写法都能解析。
type file struct {
	Name    string            `yaml:"name"`
	Blank   *int              `yaml:"blank"`
	Symbols map[string]string `yaml:"symbols"`
}

// Error 表示图文件无法读取或内容不合法。
type Error struct {
	Ref string
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return "graph error"
	}
	if e.Ref == "" {
		return fmt.Sprintf("图无效：%v", e.Err)
	}
	return fmt.Sprintf("图无效（%s）：%v", e.Ref, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New 用内存中的符号表构造 Graph。symbols 会被复制。
func New(name string, blank int, symbols map[int]string) (*Graph, error) {
	if blank < 0 {
		return nil, &Error{Err: fmt.Errorf("blank 不能为负数：%d", blank)}
	}
	if len(symbols) == 0 {
		return nil, &Error{Err: fmt.Errorf("symbols 不能为空")}
	}
	cp := make(map[int]string, len(symbols))
	for label, sym := range symbols {
		if label < 0 {
			return nil, &Error{Err: fmt.Errorf("标签不能为负数：%d", label)}
		}
		if label == blank {
			return nil, &Error{Err: fmt.Errorf("blank 标签 %d 不能映射到符号 %q", label, sym)}
		}
		if sym == "" || strings.ContainsAny(sym, " \t\r\n") {
			return nil, &Error{Err: fmt.Errorf("标签 %d 的符号非法：%q", label, sym)}
		}
		cp[label] = sym
	}
	return &Graph{name: strings.TrimSpace(name), blank: blank, symbols: cp}, nil
}

// Load 解析图文件。blank 缺省为 0。
func Load(r io.Reader) (*Graph, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, &Error{Err: fmt.Errorf("图文件为空")}
		}
		return nil, &Error{Err: err}
	}

	symbols := make(map[int]string, len(f.Symbols))
	for k, v := range f.Symbols {
		label, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, &Error{Err: fmt.Errorf("标签不是整数：%q", k)}
		}
		symbols[label] = v
	}
	blank := 0
	if f.Blank != nil {
		blank = *f.Blank
	}
	return New(f.Name, blank, symbols)
}

// Opener 按引用（路径/URL）打开一个只读流。
type Opener interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// fetchTimeout 限制一次图文件读取（含远程下载）的总时长。
var fetchTimeout = 2 * time.Minute

// Open 通过 opener 读取并解析 ref 指向的图文件。错误统一为 *Error。
func Open(ctx context.Context, opener Opener, ref string) (*Graph, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	rc, err := opener.Open(ctx, ref)
	if err != nil {
		return nil, &Error{Ref: ref, Err: err}
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &Error{Ref: ref, Err: err}
	}
	g, err := Load(bytes.NewReader(data))
	if err != nil {
		if ge, ok := err.(*Error); ok {
			ge.Ref = ref
			return nil, ge
		}
		return nil, &Error{Ref: ref, Err: err}
	}
	if g.name == "" {
		g.name = ref
	}
	return g, nil
}

func (g *Graph) Name() string { return g.name }

// Blank 是不产生输出的标签（epsilon）。
func (g *Graph) Blank() int { return g.blank }

// Symbol 返回 label 对应的输出符号。
func (g *Graph) Symbol(label int) (string, bool) {
	s, ok := g.symbols[label]
	return s, ok
}

// NumSymbols 是符号表大小（不含 blank）。
func (g *Graph) NumSymbols() int { return len(g.symbols) }

// Labels 返回按升序排列的全部标签。
func (g *Graph) Labels() []int {
	out := make([]int, 0, len(g.symbols))
	for l := range g.symbols {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}
