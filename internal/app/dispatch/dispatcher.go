package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/John-Robertt/latgen/internal/decoder"
	"github.com/John-Robertt/latgen/internal/domain"
	"github.com/John-Robertt/latgen/internal/feats"
	"github.com/John-Robertt/latgen/internal/graph"
	"github.com/John-Robertt/latgen/internal/pool"
	"github.com/John-Robertt/latgen/internal/source"
)

// Dispatcher 从 Source 读取 WorkItem，为每条提交一个解码 Job，并按输入顺序把 Ticket 推入队列。
type Dispatcher struct {
	pool    *pool.Pool[Result]
	dec     decoder.Decoder
	graph   *graph.Graph
	bufs    *feats.BufferPool
	log     *slog.Logger
	ledger  *ledger
	onQueue func(index int)
}

type Options struct {
	Pool    *pool.Pool[Result]
	Decoder decoder.Decoder
	Graph   *graph.Graph
	// Buffers 接收被释放的特征缓冲，应与 Source 使用同一个。
	Buffers *feats.BufferPool
	Logger  *slog.Logger

	// OnRelease 在每个 WorkItem 的缓冲归还之前调用（可选）。
	OnRelease func(item *domain.WorkItem)
	// OnQueued 在每个 Ticket 入队后调用（可选）。
	OnQueued func(index int)
}

func NewDispatcher(opts Options) *Dispatcher {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Dispatcher{
		pool:    opts.Pool,
		dec:     opts.Decoder,
		graph:   opts.Graph,
		bufs:    opts.Buffers,
		log:     lg,
		ledger:  &ledger{hook: opts.OnRelease},
		onQueue: opts.OnQueued,
	}
}

// Run 消费 src 直到结束，每条输入恰好提交一次。
//
// 返回值：
// - src 报告的 *source.Error（已产出的 Ticket 仍然有效）
// - ctx 被取消导致的停止（包括取消打断了输入读取）返回 nil
// - ctx 未取消时 Submit 失败属于生命周期错误，返回包装后的 pool.ErrShutdown
//
// Run 不关闭 tickets；调用方在 Run 返回后关闭。
// tickets 被提前关闭（中止）时，Run 等待刚提交的 Job 结束并自行释放该条输入。
func (d *Dispatcher) Run(ctx context.Context, src source.Source, tickets *pool.Queue[Ticket]) error {
	for src.HasNext() {
		if ctx.Err() != nil {
			return nil
		}
		it, err := src.Next()
		if err != nil {
			if ctx.Err() != nil {
				// 读取因取消而中断，不算输入损坏。
				return nil
			}
			return err
		}

		own := &Owned{item: it, bufs: d.bufs, ledger: d.ledger}
		slot, err := d.pool.Submit(d.task(own))
		if err != nil {
			_ = own.Release()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("提交 item %d 失败：%w", it.Index, err)
		}
		own.done = slot.Done()

		if err := tickets.Push(Ticket{Owned: own, Slot: slot}); err != nil {
			// 收集端已放弃：Job 可能仍在运行，等它进入终态再释放缓冲。
			<-slot.Done()
			_ = own.Release()
			d.log.Debug("ticket queue closed, dispatcher stops", "index", it.Index)
			return nil
		}
		if d.onQueue != nil {
			d.onQueue(it.Index)
		}
	}
	return nil
}

func (d *Dispatcher) task(own *Owned) pool.Task[Result] {
	return func(ctx context.Context) (Result, error) {
		started := time.Now()
		p, err := d.dec.Decode(ctx, d.graph, own.Item())
		return Result{Path: p, Elapsed: time.Since(started)}, err
	}
}

// ReleaseStats 返回本 Dispatcher 产生的所有句柄的释放统计。
func (d *Dispatcher) ReleaseStats() ReleaseStats { return d.ledger.stats() }
