package scan

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// 分片后缀（大小写不敏感）。
const (
	ExtShard     = ".lgm"
	ExtShardZstd = ".lgm.zst"
)

// File 是一个输入分片。
type File struct {
	AbsPath string
	RelPath string
	Size    int64
	// Compressed 表示按后缀判断为 zstd 分片（读取时仍以魔数为准）。
	Compressed bool
}

// Shards 扫描 root 下的分片文件，并应用目录排除规则。
//
// 规则（硬约束）：
// - 以 "." 开头的目录（.git 等）永久排除
// - excludeDirs：来自配置文件，均视为相对 root 的路径（若是绝对路径，则按绝对路径处理）
// - 结果按 RelPath 字典序排列，分片的读取顺序即输出顺序
//
// 注意：扫描阶段只做 stat（DirEntry.Info），不读文件内容。
func Shards(root string, excludeDirs []string) ([]File, error) {
	root = filepath.Clean(root)
	excluded := buildExcluded(root, excludeDirs)

	files := make([]File, 0, 16)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		// 统一的排除判断：目录用 SkipDir，文件则直接跳过。
		if isExcluded(path, excluded) || (d.IsDir() && path != root && strings.HasPrefix(d.Name(), ".")) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}

		compressed, ok := shardKind(d.Name())
		if !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		files = append(files, File{
			AbsPath:    path,
			RelPath:    rel,
			Size:       info.Size(),
			Compressed: compressed,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 强制稳定输出，避免不同平台/文件系统行为差异带来的不确定性。
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

func shardKind(name string) (compressed bool, ok bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ExtShardZstd):
		return true, true
	case strings.HasSuffix(lower, ExtShard):
		return false, true
	default:
		return false, false
	}
}

func buildExcluded(root string, excludeDirs []string) []string {
	excluded := make([]string, 0, len(excludeDirs))
	for _, x := range excludeDirs {
		x = strings.TrimSpace(x)
		if x == "" {
			continue
		}
		if filepath.IsAbs(x) {
			excluded = append(excluded, filepath.Clean(x))
			continue
		}
		// x 是相对路径：相对 root。
		excluded = append(excluded, filepath.Clean(filepath.Join(root, x)))
	}

	// 排除列表排序后，isExcluded 的行为更可预测（且便于测试）。
	sort.Strings(excluded)
	return excluded
}

func isExcluded(path string, excluded []string) bool {
	path = filepath.Clean(path)
	for _, base := range excluded {
		if isUnder(path, base) {
			return true
		}
	}
	return false
}

func isUnder(path, base string) bool {
	if path == base {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(path, base+sep)
}
