// Package sink 把按输入顺序到达的解码结果写到最终目的地。
//
// 所有 Sink 只在收集端的单个 goroutine 中使用，不要求并发安全。
package sink

import (
	"fmt"
	"io"
	"strings"

	"github.com/John-Robertt/latgen/internal/domain"
)

// 输出格式。
const (
	FormatText  = "text"
	FormatJSONL = "jsonl"
	FormatHTML  = "html"
	FormatMQTT  = "mqtt"
)

// Record 是一条已解码的结果。
type Record struct {
	Index int
	Key   domain.Key
	Path  domain.Path
}

type Sink interface {
	Emit(r Record) error
	// Close 刷新缓冲。不会关闭调用方传入的 io.Writer。
	Close() error
}

// Error 表示输出端写入失败。
type Error struct {
	Sink string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("sink=%s: %v", e.Sink, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// New 按格式构造写入 w 的 Sink。mqtt 不走这里（见 DialMQTT）。
func New(format string, w io.Writer, title string) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText:
		return NewText(w), nil
	case FormatJSONL:
		return NewJSONL(w), nil
	case FormatHTML:
		return NewHTML(w, title)
	default:
		return nil, fmt.Errorf("未知输出格式：%q", format)
	}
}

// IsStreamFormat 表示该格式写入文件/stdout（而不是网络）。
func IsStreamFormat(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText, FormatJSONL, FormatHTML:
		return true
	default:
		return false
	}
}
