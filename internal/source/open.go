package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/John-Robertt/latgen/internal/scan"
)

// Opener 按引用（路径/URL/"-"）打开一个只读流。
type Opener interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Open 根据输入引用构造 Reader：
// - 本地目录：扫描其中的分片（按相对路径排序），依次读取
// - 其他引用（文件、"-"、http(s)://、s3://）：交给 opener 作为单个流
//
// 打开动作是惰性的：引用本身的错误在第一次 HasNext/Next 时以 *Error 报告，
// 目录扫描失败则直接返回。
func Open(ctx context.Context, opener Opener, ref string, excludeDirs []string, opts Options) (*Reader, error) {
	if dir, ok := localDir(ref); ok {
		files, err := scan.Shards(dir, excludeDirs)
		if err != nil {
			return nil, fmt.Errorf("扫描输入目录失败：%w", err)
		}
		shards := make([]Shard, 0, len(files))
		for _, f := range files {
			f := f
			shards = append(shards, Shard{
				Name: f.RelPath,
				Open: func() (io.ReadCloser, error) { return os.Open(f.AbsPath) },
			})
		}
		if opts.Logger != nil {
			opts.Logger.Debug("input directory scanned", "dir", dir, "shards", len(shards))
		}
		return New(shards, opts), nil
	}

	return New([]Shard{{
		Name: ref,
		Open: func() (io.ReadCloser, error) { return opener.Open(ctx, ref) },
	}}, opts), nil
}

func localDir(ref string) (string, bool) {
	if ref == "" || ref == "-" {
		return "", false
	}
	p := ref
	if strings.HasPrefix(p, "file://") {
		p = strings.TrimPrefix(p, "file://")
	} else if strings.Contains(p, "://") {
		return "", false
	}
	st, err := os.Stat(p)
	if err != nil || !st.IsDir() {
		return "", false
	}
	return p, true
}
