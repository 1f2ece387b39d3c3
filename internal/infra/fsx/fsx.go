package fsx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// 通过可替换的函数指针，让测试能稳定模拟 EXDEV 等错误。
var renameFunc = os.Rename

// PathTypeConflictError 表示目标路径类型冲突（例如期望文件但实际是目录）。
type PathTypeConflictError struct {
	Path string
	Want string
	Got  string
}

func (e *PathTypeConflictError) Error() string {
	return fmt.Sprintf("目标路径类型冲突：%q（期望 %s，实际 %s）", e.Path, e.Want, e.Got)
}

func IsPathTypeConflict(err error) bool {
	var e *PathTypeConflictError
	return errors.As(err, &e)
}

// CrossDeviceError 表示跨盘（EXDEV）导致的 rename 失败。
// 临时文件总是建在目标目录里，出现 EXDEV 说明目标目录本身有问题（例如挂载点被替换）。
type CrossDeviceError struct {
	Src string
	Dst string
	Err error
}

func (e *CrossDeviceError) Error() string {
	return fmt.Sprintf("跨盘重命名失败（EXDEV）：%q -> %q：%v", e.Src, e.Dst, e.Err)
}

func (e *CrossDeviceError) Unwrap() error { return e.Err }

// IsCrossDevice 判断 err 是否为跨盘（EXDEV）错误。
func IsCrossDevice(err error) bool {
	var e *CrossDeviceError
	return errors.As(err, &e)
}

// Rename 封装 os.Rename，并把 EXDEV 显式标记为 CrossDeviceError。
func Rename(src, dst string) error {
	if err := renameFunc(src, dst); err != nil {
		if isEXDEV(err) {
			return &CrossDeviceError{Src: src, Dst: dst, Err: err}
		}
		return err
	}
	return nil
}

// WriteFileAtomic 原子写入 path（同目录临时文件 + rename），已存在则覆盖。
// report.json、metrics 文件都走这里：读者要么看到旧文件，要么看到完整的新文件。
func WriteFileAtomic(path string, data []byte) error {
	f, err := CreateAtomic(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Discard()
		return err
	}
	return f.Commit()
}

// AtomicFile 是一个写完才出现在目标路径上的文件。
//
// 用法：CreateAtomic → Write... → Commit（或 CommitNoReplace）；
// 中途放弃调用 Discard。Commit/Discard 之后再调用都是 no-op。
type AtomicFile struct {
	dst  string
	tmp  *os.File
	done bool
}

// CreateAtomic 在 path 所在目录创建临时文件（必要时创建目录）。
// path 已存在且是目录时返回 PathTypeConflictError。
func CreateAtomic(path string) (*AtomicFile, error) {
	dst := filepath.Clean(path)
	if fi, err := os.Lstat(dst); err == nil && fi.IsDir() {
		return nil, &PathTypeConflictError{Path: dst, Want: "file", Got: "dir"}
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	// 前缀带 '.'，扫描分片时会被当作隐藏文件跳过。
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return nil, err
	}
	return &AtomicFile{dst: dst, tmp: tmp}, nil
}

// Name 返回最终路径。
func (f *AtomicFile) Name() string { return f.dst }

func (f *AtomicFile) Write(p []byte) (int, error) {
	if f.done {
		return 0, os.ErrClosed
	}
	return f.tmp.Write(p)
}

// Commit 落盘并替换目标文件。
func (f *AtomicFile) Commit() error {
	return f.commit(true)
}

// CommitNoReplace 与 Commit 相同，但目标已存在时放弃写入并返回 os.ErrExist。
func (f *AtomicFile) CommitNoReplace() error {
	return f.commit(false)
}

// Discard 删除临时文件。
func (f *AtomicFile) Discard() {
	if f.done {
		return
	}
	f.done = true
	_ = f.tmp.Close()
	_ = os.Remove(f.tmp.Name())
}

func (f *AtomicFile) commit(replace bool) error {
	if f.done {
		return nil
	}
	defer f.Discard()

	if !replace {
		if fi, err := os.Lstat(f.dst); err == nil {
			if fi.IsDir() {
				return &PathTypeConflictError{Path: f.dst, Want: "file", Got: "dir"}
			}
			return os.ErrExist
		} else if !os.IsNotExist(err) {
			return err
		}
	}

	if err := f.tmp.Chmod(0o644); err != nil {
		return err
	}
	if err := f.tmp.Sync(); err != nil {
		return err
	}
	if err := f.tmp.Close(); err != nil {
		return err
	}
	if err := Rename(f.tmp.Name(), f.dst); err != nil {
		return err
	}
	f.done = true

	// 目录 fsync：best-effort（不同平台/文件系统的语义差异很大）。
	_ = syncDirBestEffort(filepath.Dir(f.dst))
	return nil
}

func syncDirBestEffort(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
