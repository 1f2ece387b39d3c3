package dispatch

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/John-Robertt/latgen/internal/domain"
	"github.com/John-Robertt/latgen/internal/feats"
	"github.com/John-Robertt/latgen/internal/pool"
)

// ErrReleased 表示同一个 WorkItem 被释放了第二次。
var ErrReleased = errors.New("dispatch: WorkItem 已释放")

// Result 是一个 Job 的产出。
type Result struct {
	Path    domain.Path
	Elapsed time.Duration
}

// Ticket 把一条输入的所有权与它的结果占位绑在一起，按输入顺序进入 ticket 队列。
type Ticket struct {
	Owned *Owned
	Slot  *pool.Slot[Result]
}

// Owned 是 WorkItem 的所有权句柄：从 Dispatcher 创建到 Collector 释放，缓冲只归还一次。
type Owned struct {
	item     *domain.WorkItem
	bufs     *feats.BufferPool
	released atomic.Bool
	ledger   *ledger
	// done 是对应 Job 的终态信号；提交成功后才设置。
	done <-chan struct{}
}

// Item 返回被持有的 WorkItem。Release 之后其特征缓冲不可再访问。
func (o *Owned) Item() *domain.WorkItem { return o.item }

// Index 与 Key 在 Release 之后仍可安全读取。
func (o *Owned) Index() int      { return o.item.Index }
func (o *Owned) Key() domain.Key { return o.item.Key }
func (o *Owned) Released() bool  { return o.released.Load() }

// Release 把特征缓冲还给 BufferPool。重复释放返回 ErrReleased（并计数），缓冲不会被归还两次。
// Job 尚未结束时释放属于调用方的编排错误，会被计入 premature。
func (o *Owned) Release() error {
	if !o.released.CompareAndSwap(false, true) {
		o.ledger.duplicate.Add(1)
		return ErrReleased
	}
	if o.done != nil {
		select {
		case <-o.done:
		default:
			o.ledger.premature.Add(1)
		}
	}
	if o.ledger.hook != nil {
		o.ledger.hook(o.item)
	}
	o.bufs.Put(o.item.Feats.Data)
	o.ledger.released.Add(1)
	return nil
}

// ledger 统计同一个 Dispatcher 产生的所有句柄的释放情况。
type ledger struct {
	released  atomic.Int64
	duplicate atomic.Int64
	premature atomic.Int64
	hook      func(*domain.WorkItem)
}

// ReleaseStats 是释放情况的快照。正常运行结束后 Duplicate 与 Premature 都应为 0。
type ReleaseStats struct {
	Released  int64
	Duplicate int64
	Premature int64
}

func (l *ledger) stats() ReleaseStats {
	return ReleaseStats{
		Released:  l.released.Load(),
		Duplicate: l.duplicate.Load(),
		Premature: l.premature.Load(),
	}
}
