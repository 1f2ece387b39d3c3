package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/John-Robertt/latgen/internal/domain"
	"github.com/John-Robertt/latgen/internal/pool"
	"github.com/John-Robertt/latgen/internal/sink"
)

// Policy 决定单条解码失败时收集端的行为。
type Policy string

const (
	// PolicyAbort：第一条失败即中止整个运行（默认）。
	PolicyAbort Policy = "abort"
	// PolicySkip：记录失败的条目并继续输出后续结果。
	PolicySkip Policy = "skip"
)

// ParsePolicy 解析配置值；空串视为 abort。
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAbort:
		return PolicyAbort, nil
	case PolicySkip:
		return PolicySkip, nil
	default:
		return "", fmt.Errorf("on_error 只能是 abort 或 skip：%q", s)
	}
}

// ItemError 是第 Index 条输入失败（解码失败或输出失败）。
type ItemError struct {
	Index int
	Key   domain.Key
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d (%s): %v", e.Index, e.Key, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Outcome 是一条输入在收集端的最终去向。
type Outcome struct {
	Index   int
	Key     domain.Key
	Path    domain.Path
	Elapsed time.Duration
	// Err 非空表示 Job 失败（含被放弃），或结果写入 sink 失败。
	Err error
	// Emitted 表示结果已写入 sink。
	Emitted bool
	// Discarded 表示该条是在中止之后被清理的。
	Discarded bool
}

// Summary 是收集端的统计。
type Summary struct {
	Emitted   int
	Skipped   []int
	Discarded int
}

// Collector 严格按 ticket 顺序取结果：前一条未就绪时不会看后面的条目。
type Collector struct {
	sink    sink.Sink
	policy  Policy
	log     *slog.Logger
	onItem  func(Outcome)
	summary Summary

	// inflight 是因 ctx 取消而中断等待、尚未释放的 ticket。
	inflight *Ticket
}

type CollectorOptions struct {
	Sink   sink.Sink
	Policy Policy
	Logger *slog.Logger
	// OnItem 在每条输入处理完（输出或失败）后按顺序调用（可选）。
	OnItem func(Outcome)
}

func NewCollector(opts CollectorOptions) *Collector {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	p := opts.Policy
	if p == "" {
		p = PolicyAbort
	}
	return &Collector{sink: opts.Sink, policy: p, log: lg, onItem: opts.OnItem}
}

// Run 按顺序消费 tickets 直到队列关闭且取空。
//
// 每条：等待 Slot 就绪 → 成功则写入 sink → 释放 WorkItem。
// 失败时先释放，再按策略返回 *ItemError（abort）或记录后继续（skip）。
// sink 写入失败总是致命的。ctx 取消时返回 ctx.Err()，未完成的 ticket 留给 Discard。
func (c *Collector) Run(ctx context.Context, tickets *pool.Queue[Ticket]) (Summary, error) {
	for {
		t, ok := tickets.Pop()
		if !ok {
			return c.summary, nil
		}

		select {
		case <-t.Slot.Done():
		case <-ctx.Done():
			c.inflight = &t
			return c.summary, ctx.Err()
		}

		res, err := t.Slot.Wait(context.Background())
		out := Outcome{Index: t.Owned.Index(), Key: t.Owned.Key(), Path: res.Path, Elapsed: res.Elapsed, Err: err}

		if err == nil {
			if eerr := c.sink.Emit(sink.Record{Index: out.Index, Key: out.Key, Path: res.Path}); eerr != nil {
				out.Err = eerr
				c.release(t)
				c.report(out)
				return c.summary, &ItemError{Index: out.Index, Key: out.Key, Err: eerr}
			}
			out.Emitted = true
			c.summary.Emitted++
			c.release(t)
			c.report(out)
			continue
		}

		c.release(t)
		c.report(out)
		if c.policy == PolicySkip {
			c.summary.Skipped = append(c.summary.Skipped, out.Index)
			c.log.Warn("item failed, skipped", "index", out.Index, "key", out.Key, "error", err)
			continue
		}
		return c.summary, &ItemError{Index: out.Index, Key: out.Key, Err: err}
	}
}

// Discard 在中止后清理剩余 ticket：等待每个 Job 进入终态并释放，不写 sink。
//
// 调用前必须已经 Abort 线程池并关闭 tickets，否则可能阻塞。
func (c *Collector) Discard(tickets *pool.Queue[Ticket]) int {
	n := 0
	if c.inflight != nil {
		c.discardOne(*c.inflight)
		c.inflight = nil
		n++
	}
	for {
		t, ok := tickets.Pop()
		if !ok {
			break
		}
		c.discardOne(t)
		n++
	}
	c.summary.Discarded += n
	if n > 0 {
		c.log.Debug("discarded pending items", "count", n)
	}
	return n
}

func (c *Collector) discardOne(t Ticket) {
	res, err := t.Slot.Wait(context.Background())
	c.release(t)
	c.report(Outcome{
		Index:     t.Owned.Index(),
		Key:       t.Owned.Key(),
		Path:      res.Path,
		Elapsed:   res.Elapsed,
		Err:       err,
		Discarded: true,
	})
}

// Summary 返回当前统计快照。
func (c *Collector) Summary() Summary { return c.summary }

func (c *Collector) release(t Ticket) {
	if err := t.Owned.Release(); err != nil {
		c.log.Error("release failed", "index", t.Owned.Index(), "error", err)
	}
}

func (c *Collector) report(o Outcome) {
	if c.onItem != nil {
		c.onItem(o)
	}
}
