package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/John-Robertt/latgen/internal/domain"
	"github.com/John-Robertt/latgen/internal/feats"
	"github.com/John-Robertt/latgen/internal/infra/fsx"
	"github.com/John-Robertt/latgen/internal/infra/httpx"
	"github.com/John-Robertt/latgen/internal/infra/resource"
	"github.com/John-Robertt/latgen/internal/source"
)

type packArgs struct {
	In    string
	Out   string
	Zstd  bool
	Force bool
}

func parsePackArgs(args []string) (packArgs, error) {
	pa := packArgs{}
	var positional []string
	for _, a := range args {
		switch {
		case a == "--zstd":
			pa.Zstd = true
		case a == "--force":
			pa.Force = true
		case a == "-" || !strings.HasPrefix(a, "-"):
			positional = append(positional, a)
		default:
			return packArgs{}, fmt.Errorf("未知参数 %q", a)
		}
	}
	if len(positional) != 2 {
		return packArgs{}, fmt.Errorf("需要 2 个参数 <in> <out>，实际 %d 个", len(positional))
	}
	pa.In, pa.Out = positional[0], positional[1]
	if strings.HasSuffix(pa.Out, ".zst") {
		pa.Zstd = true
	}
	return pa, nil
}

func (c cli) packCmd(ctx context.Context, args []string) int {
	for _, a := range args {
		if isHelp(a) {
			fmt.Fprint(c.stdout, packUsage)
			return 0
		}
	}
	pa, err := parsePackArgs(args)
	if err != nil {
		fmt.Fprintf(c.stderr, "参数错误：%v\n\n%s", err, packUsage)
		return 2
	}
	pa.In, pa.Out = c.localPath(pa.In), c.localPath(pa.Out)

	hc, err := httpx.NewClient("")
	if err != nil {
		fmt.Fprintf(c.stderr, "初始化 http client 失败：%v\n", err)
		return 1
	}
	opener := &resource.Opener{HTTP: hc, Stdin: c.stdin}
	in, err := opener.Open(ctx, pa.In)
	if err != nil {
		fmt.Fprintf(c.stderr, "%s: 打开输入失败：%v\n", domain.ErrCodeIOFailed, err)
		return 1
	}
	defer in.Close()

	n, err := c.pack(in, pa)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			fmt.Fprintf(c.stderr, "输出已存在：%s（使用 --force 覆盖）\n", pa.Out)
			return 1
		}
		fmt.Fprintf(c.stderr, "pack 失败：%v\n", err)
		return 1
	}
	fmt.Fprintf(c.stderr, "已写入 %d 条记录：%s\n", n, pa.Out)
	return 0
}

// localPath 把相对本地路径解析到 cwd 下；"-" 与 URL 原样返回。
func (c cli) localPath(ref string) string {
	if ref == resource.Stdin || strings.Contains(ref, "://") || filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(c.cwd, ref)
}

// pack 把文本矩阵转换为 utterance 流。输出文件只在全部成功后出现。
func (c cli) pack(in io.Reader, pa packArgs) (int, error) {
	var (
		out    io.Writer
		commit func() error
		abort  func()
	)
	if pa.Out == resource.Stdin {
		bw := bufio.NewWriter(c.stdout)
		out, commit, abort = bw, bw.Flush, func() {}
	} else {
		f, err := fsx.CreateAtomic(pa.Out)
		if err != nil {
			return 0, err
		}
		out, abort = f, f.Discard
		commit = f.Commit
		if !pa.Force {
			commit = f.CommitNoReplace
		}
	}

	w, err := source.NewWriter(out, pa.Zstd)
	if err != nil {
		abort()
		return 0, err
	}
	if err := source.ParseText(in, func(key string, m feats.Matrix) error {
		return w.Write(key, m)
	}); err != nil {
		abort()
		return w.Count(), err
	}
	if err := w.Close(); err != nil {
		abort()
		return w.Count(), err
	}
	return w.Count(), commit()
}

const packUsage = `用法：
  latgen pack <in.txt|-> <out.lgm|-> [--zstd] [--force]

参数：
  in        文本矩阵归档（每条：key [ 每行一帧 ]）；- 表示 stdin，也可以是 http(s)://
  out       输出 utterance 流；- 表示 stdout；以 .zst 结尾时自动压缩
  --zstd    使用 zstd 压缩输出
  --force   覆盖已存在的输出文件
`
