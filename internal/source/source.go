// Package source 把 utterance 流（长度前缀 + msgpack 记录）惰性解析为 WorkItem。
package source

import (
	"fmt"
	"strings"

	"github.com/John-Robertt/latgen/internal/domain"
)

// MaxFrameBytes 是单条记录（一帧）允许的最大字节数。
const MaxFrameBytes = 256 << 20

// Source 是惰性、有限、只能前进的 WorkItem 序列。
//
// 约束：
// - HasNext 返回 true 后，紧接着的 Next 要么返回下一条，要么返回读取失败
// - 读失败之后序列结束（HasNext 返回 false），不可重来
// - 返回的 WorkItem 的特征缓冲归调用方所有
// - 非并发安全：只能在单个 goroutine 中使用
type Source interface {
	HasNext() bool
	Next() (*domain.WorkItem, error)
	Close() error
}

// Error 是输入损坏/截断（SourceError）。对整个运行是致命的。
type Error struct {
	// Index 是出错记录的 0 基序号（跨分片累计）。
	Index int
	// Key 为已知时的记录 key。
	Key string
	// Shard 是出错的输入名（单流时为输入引用）。
	Shard string
	// Offset 是记录在（解压后）分片流中的起始字节偏移。
	Offset int64
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "输入损坏：record=%d", e.Index)
	if e.Key != "" {
		fmt.Fprintf(&b, " key=%s", e.Key)
	}
	if e.Shard != "" {
		fmt.Fprintf(&b, " shard=%s", e.Shard)
	}
	fmt.Fprintf(&b, " offset=%d: %v", e.Offset, e.Err)
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }
