package domain

import "github.com/John-Robertt/latgen/internal/feats"

// WorkItem 是一条可独立解码的输入（一个 utterance 的打分矩阵 + 声学缩放系数）。
//
// 不变量：
// - Index 是输入流中的 0 基位置，也是输出顺序的唯一依据
// - 创建后不可变；Feats 的缓冲由 Dispatcher 独占，直到对应 Job 结束且结果被消费
type WorkItem struct {
	Index int
	Key   Key
	Feats feats.Matrix
	Scale float32
}
