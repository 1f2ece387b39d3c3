package pool

import (
	"errors"
	"sync"
)

// ErrClosed 表示队列已关闭，不再接受 Push。
var ErrClosed = errors.New("pool: 队列已关闭")

// Queue 是基于 sync.Cond 的 FIFO 队列。
//
// - capacity<=0：无界，Push 永不阻塞
// - capacity>0：有界，队满时 Push 阻塞（背压），直到有 Pop 或 Close
// - Pop 阻塞到有元素；关闭且取空后返回 ok=false
//
// 所有方法可并发调用。
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items    []T
	head     int
	capacity int
	closed   bool
}

func NewQueue[T any](capacity int) *Queue[T] {
	q := &Queue[T]{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push 追加到队尾。关闭后（包括阻塞等待期间被关闭）返回 ErrClosed。
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && q.capacity > 0 && q.lenLocked() >= q.capacity {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrClosed
	}

	q.items = append(q.items, v)
	q.notEmpty.Signal()
	return nil
}

// Pop 取出队头；队列为空时阻塞。
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.lenLocked() == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.lenLocked() == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// Close 关闭队列：唤醒所有等待者。已入队元素仍可被 Pop 取出。幂等。
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Drain 关闭队列并一次性取走所有剩余元素（按 FIFO 顺序）。
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	out := make([]T, 0, q.lenLocked())
	for q.lenLocked() > 0 {
		out = append(out, q.popLocked())
	}
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	return out
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *Queue[T]) lenLocked() int { return len(q.items) - q.head }

func (q *Queue[T]) popLocked() T {
	var zero T
	v := q.items[q.head]
	q.items[q.head] = zero // 让 GC 能回收已出队元素
	q.head++

	// 头部空洞过半时压缩，避免无界增长。
	if q.head > 32 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		for i := n; i < len(q.items); i++ {
			q.items[i] = zero
		}
		q.items = q.items[:n]
		q.head = 0
	}

	q.notFull.Signal()
	return v
}
