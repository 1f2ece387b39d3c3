package pool

import (
	"context"
	"sync/atomic"
)

// State 是 Job 的生命周期状态。
type State int32

const (
	StateQueued State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal 表示 completed 或 failed。
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Slot 是某个已提交 Job 的结果占位（future）。
//
// 状态机：pending（queued/running）→ ready（completed/failed）。
// 结果只写一次：done 关闭之后 val/err 不再变化，读端无需加锁。
type Slot[T any] struct {
	seq   uint64
	state atomic.Int32
	done  chan struct{}

	val T
	err error
}

func newSlot[T any](seq uint64) *Slot[T] {
	return &Slot[T]{seq: seq, done: make(chan struct{})}
}

// Seq 是提交序号（从 0 开始，按 Submit 调用顺序递增）。
func (s *Slot[T]) Seq() uint64 { return s.seq }

// Done 在 Job 进入终态时关闭。
func (s *Slot[T]) Done() <-chan struct{} { return s.done }

// State 返回当前状态快照。
func (s *Slot[T]) State() State { return State(s.state.Load()) }

// Ready 等价于 State().Terminal()，但不会阻塞。
func (s *Slot[T]) Ready() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Wait 阻塞到 Job 结束并返回其结果；ctx 先结束则返回 ctx.Err()（Job 本身不受影响）。
func (s *Slot[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		return s.val, s.err
	default:
	}
	select {
	case <-s.done:
		return s.val, s.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (s *Slot[T]) markRunning() { s.state.Store(int32(StateRunning)) }

func (s *Slot[T]) complete(v T, err error) {
	s.val, s.err = v, err
	if err != nil {
		s.state.Store(int32(StateFailed))
	} else {
		s.state.Store(int32(StateCompleted))
	}
	close(s.done)
}
