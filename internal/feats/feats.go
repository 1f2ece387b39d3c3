package feats

import (
	"fmt"
	"math"
	"sync"
)

// Matrix 是一条 utterance 的逐帧打分矩阵（行 = 帧，列 = 打分下标），按行优先存放。
//
// 约束：
// - len(Data) == Rows*Cols
// - 创建后只读；Data 的底层数组由 BufferPool 回收，回收后不得再访问
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

// At 返回第 r 帧、第 c 列的打分。越界直接 panic（与切片语义一致）。
func (m Matrix) At(r, c int) float32 {
	return m.Data[r*m.Cols+c]
}

// Row 返回第 r 帧的切片视图（不复制）。
func (m Matrix) Row(r int) []float32 {
	return m.Data[r*m.Cols : (r+1)*m.Cols]
}

// Validate 检查形状与数据长度是否一致。
func (m Matrix) Validate() error {
	if m.Rows < 0 || m.Cols < 0 {
		return fmt.Errorf("非法形状：%dx%d", m.Rows, m.Cols)
	}
	if m.Rows > 0 && m.Cols == 0 {
		return fmt.Errorf("非法形状：%d 帧但 0 列", m.Rows)
	}
	if m.Rows > 0 && m.Cols > math.MaxInt/m.Rows {
		return fmt.Errorf("形状溢出：%dx%d", m.Rows, m.Cols)
	}
	if len(m.Data) != m.Rows*m.Cols {
		return fmt.Errorf("数据长度 %d 与形状 %dx%d 不一致", len(m.Data), m.Rows, m.Cols)
	}
	return nil
}

// BufferPool 复用特征矩阵的底层 []float32。
//
// Source 通过 Get 分配，Collector 在结果被消费后通过 Put 归还。
// 归还两次会让同一块内存同时出现在两个矩阵里，所以调用方必须保证每块缓冲只 Put 一次。
type BufferPool struct {
	p sync.Pool
}

// Get 返回长度为 n 的切片（内容未清零）。
func (bp *BufferPool) Get(n int) []float32 {
	if bp == nil || n <= 0 {
		return make([]float32, n)
	}
	if v := bp.p.Get(); v != nil {
		b := *(v.(*[]float32))
		if cap(b) >= n {
			return b[:n]
		}
		// 容量不够：放回去给更小的矩阵用。
		bp.p.Put(v)
	}
	return make([]float32, n)
}

// Put 归还缓冲。nil/空切片直接忽略。
func (bp *BufferPool) Put(b []float32) {
	if bp == nil || cap(b) == 0 {
		return
	}
	b = b[:0]
	bp.p.Put(&b)
}
