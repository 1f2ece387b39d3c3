package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrShutdown 表示在 Close/Abort 开始后仍尝试提交（生命周期顺序错误）。
	ErrShutdown = errors.New("pool: 已开始关闭，拒绝提交")
	// ErrAbandoned 表示 Job 在开始执行前因 Abort 被放弃。
	ErrAbandoned = errors.New("pool: 作业未执行即被放弃")
)

// Task 是一次延迟执行的工作。ctx 在 Abort 时被取消。
type Task[T any] func(ctx context.Context) (T, error)

// PanicError 把 Task 内的 panic 收敛为普通错误（不跨 goroutine 传播）。
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("task panic: %v", e.Value) }

type Options struct {
	// Workers<=0 时使用 runtime.NumCPU()。
	Workers int
	Metrics *Metrics
	Logger  *slog.Logger
}

// Stats 是运行统计快照。
type Stats struct {
	Workers   int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Abandoned uint64
	Queued    int
	Active    int64
	MaxActive int64
}

// Pool 用固定数量的 worker 执行提交的 Task。
//
// 约束：
// - 提交队列无界，Submit 不阻塞；背压由调用方控制生产速度
// - worker 按 FIFO 取任务，但完成顺序不保证与提交顺序一致
// - 每个 Task 至多执行一次；错误与 panic 都落在对应 Slot 里
type Pool[T any] struct {
	workers int
	queue   *Queue[*job[T]]
	metrics *Metrics
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex // 保护 closed 与 seq，保证“检查 + 入队”原子
	closed bool
	seq    uint64

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	abandoned atomic.Uint64
	active    atomic.Int64
	maxActive atomic.Int64
}

type job[T any] struct {
	task Task[T]
	slot *Slot[T]
}

// New 创建并立即启动 worker。
func New[T any](opts Options) *Pool[T] {
	n := opts.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[T]{
		workers: n,
		queue:   NewQueue[*job[T]](0),
		metrics: opts.Metrics,
		log:     lg,
		ctx:     ctx,
		cancel:  cancel,
	}

	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker(i)
	}
	return p
}

// Workers 返回 worker 数量。
func (p *Pool[T]) Workers() int { return p.workers }

// Submit 入队一个 Task 并立即返回其 Slot。
func (p *Pool[T]) Submit(task Task[T]) (*Slot[T], error) {
	if task == nil {
		return nil, errors.New("pool: task 不能为空")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrShutdown
	}

	s := newSlot[T](p.seq)
	if err := p.queue.Push(&job[T]{task: task, slot: s}); err != nil {
		return nil, ErrShutdown
	}
	p.seq++
	p.submitted.Add(1)
	p.metrics.submitted()
	return s, nil
}

// Close 停止接受提交，执行完已入队的全部 Task 后返回。幂等。
func (p *Pool[T]) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.queue.Close()
	p.wg.Wait()
	p.cancel()
}

// Abort 停止接受提交：尚未开始的 Task 以 ErrAbandoned 结束，
// 正在执行的 Task 收到 ctx 取消；等待所有 worker 退出后返回。幂等，可在 Close 之后调用。
func (p *Pool[T]) Abort() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	pending := p.queue.Drain()
	p.cancel()
	for _, j := range pending {
		var zero T
		j.slot.complete(zero, ErrAbandoned)
		p.abandoned.Add(1)
		p.metrics.abandonedOne()
	}
	if len(pending) > 0 {
		p.log.Debug("pool aborted", "abandoned", len(pending))
	}
	p.wg.Wait()
}

// Stats 返回统计快照。
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Abandoned: p.abandoned.Load(),
		Queued:    p.queue.Len(),
		Active:    p.active.Load(),
		MaxActive: p.maxActive.Load(),
	}
}

func (p *Pool[T]) worker(id int) {
	defer p.wg.Done()
	for {
		j, ok := p.queue.Pop()
		if !ok {
			return
		}
		p.run(id, j)
	}
}

func (p *Pool[T]) run(id int, j *job[T]) {
	n := p.active.Add(1)
	for {
		m := p.maxActive.Load()
		if n <= m || p.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	p.metrics.busy(1)
	j.slot.markRunning()

	started := time.Now()
	v, err := p.call(j.task)
	dur := time.Since(started)

	p.active.Add(-1)
	p.metrics.busy(-1)
	p.metrics.observe(dur, err)
	if err != nil {
		p.failed.Add(1)
		var pe *PanicError
		if errors.As(err, &pe) {
			p.log.Error("task panic", "worker", id, "seq", j.slot.Seq(), "panic", pe.Value)
		}
	} else {
		p.completed.Add(1)
	}

	// 最后发布结果：Wait 返回时统计已经更新完毕。
	j.slot.complete(v, err)
}

func (p *Pool[T]) call(task Task[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return task(p.ctx)
}
