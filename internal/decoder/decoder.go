package decoder

import (
	"context"
	"fmt"

	"github.com/John-Robertt/latgen/internal/domain"
	"github.com/John-Robertt/latgen/internal/graph"
)

// Decoder 把一条 WorkItem 在共享图上解码为最优路径。
//
// 约束：
// - 同一个 Decoder 会被多个 worker 并发调用（每次调用的 item 互不相同）
// - g 只读；item 在调用期间由调用方持有，Decode 不得保留 item.Feats 的引用
// - 失败返回 *Error，让上层区分失败阶段
type Decoder interface {
	Name() string
	Decode(ctx context.Context, g *graph.Graph, item *domain.WorkItem) (domain.Path, error)
}

// 失败阶段。
const (
	StageInput    = "input"
	StageSearch   = "search"
	StageBestPath = "bestpath"
	StageSymbol   = "symbol"
)

// Error 是解码阶段的可追溯错误（DecodeError）。
type Error struct {
	Decoder string
	Stage   string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("decoder=%s stage=%s: %v", e.Decoder, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Func 把普通函数适配为 Decoder（测试与嵌入场景使用）。
type Func struct {
	N string
	F func(ctx context.Context, g *graph.Graph, item *domain.WorkItem) (domain.Path, error)
}

func (f Func) Name() string { return f.N }

func (f Func) Decode(ctx context.Context, g *graph.Graph, item *domain.WorkItem) (domain.Path, error) {
	return f.F(ctx, g, item)
}
