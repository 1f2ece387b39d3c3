package run

import (
	"time"

	"github.com/John-Robertt/latgen/internal/config"
	"github.com/John-Robertt/latgen/internal/domain"
)

// Observer 用于把“运行进度/阶段/条目结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（stdout 留给解码结果）
// - OnItemDone 严格按输入顺序、在同一个 goroutine 上调用
// - OnProgress 来自独立的 ticker goroutine，实现必须并发安全
type Observer interface {
	// OnStart 在 ExecuteWithObserver 开始时调用。
	OnStart(eff config.EffectiveConfig)
	// OnPhaseDone 在阶段结束/就绪时调用（graph、dispatch、collect）。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnItemDone 在某条输入被输出、失败或清理后调用。dur 是解码耗时。
	OnItemDone(res domain.ItemResult, dur time.Duration)
	// OnProgress 是周期性快照（间隔由 Deps.ProgressInterval 决定；0 表示不发）。
	OnProgress(p Progress)
}

// Progress 是运行中的计数快照。
type Progress struct {
	// Queued 是已经提交并排队等待收集的条目数。
	Queued int
	// Done 是收集端已处理完的条目数（含失败）。
	Done   int
	Failed int
	// Active 是正在解码的 worker 数。
	Active  int
	Elapsed time.Duration
}
