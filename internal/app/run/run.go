package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/latgen/internal/app/dispatch"
	"github.com/John-Robertt/latgen/internal/config"
	"github.com/John-Robertt/latgen/internal/decoder"
	"github.com/John-Robertt/latgen/internal/domain"
	"github.com/John-Robertt/latgen/internal/feats"
	"github.com/John-Robertt/latgen/internal/graph"
	"github.com/John-Robertt/latgen/internal/pool"
	"github.com/John-Robertt/latgen/internal/sink"
	"github.com/John-Robertt/latgen/internal/source"
)

// Deps 是一次运行需要的外部协作者。
type Deps struct {
	Decoders decoder.Registry
	// Opener 用于打开 acoustic 与 graph 引用（本地路径、"-"、http(s)://、s3://）。
	Opener source.Opener
	// Sink 接收按输入顺序输出的结果。Execute 负责关闭它。
	Sink   sink.Sink
	Logger *slog.Logger
	// Metrics 为 nil 时使用一个新的 registry（metrics_file 仍然可写）。
	Metrics *prometheus.Registry
	// ProgressInterval>0 时周期性调用 Observer.OnProgress。
	ProgressInterval time.Duration
}

// Execute 执行一次解码运行，并返回对外稳定的 RunReport。
// 所有失败都体现在报告里（Fatal 或 item 状态），不会 panic 也不返回 error。
func Execute(ctx context.Context, eff config.EffectiveConfig, deps Deps) domain.RunReport {
	return ExecuteWithObserver(ctx, eff, deps, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息（由上层决定是否启用）。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, deps Deps, obs Observer) domain.RunReport {
	started := time.Now().UTC()
	lg := deps.Logger
	if lg == nil {
		lg = slog.Default()
	}
	if obs != nil {
		obs.OnStart(eff)
	}

	rr := domain.RunReport{
		RunID:     uuid.NewString(),
		Acoustic:  eff.Acoustic,
		Graph:     eff.Graph,
		Decoder:   eff.Decoder,
		Workers:   eff.Workers,
		OnError:   eff.OnError,
		StartedAt: started,
		Items:     make([]domain.ItemResult, 0, 128),
	}
	lg = lg.With("run_id", rr.RunID)

	finish := func() domain.RunReport {
		if deps.Sink != nil {
			if err := deps.Sink.Close(); err != nil && rr.Fatal == nil {
				rr.Fatal = &domain.Failure{Index: -1, ErrorCode: domain.ErrCodeSinkFailed, ErrorMsg: err.Error()}
			}
		}
		rr.FinishedAt = time.Now().UTC()
		rr.Finalize()
		lg.Info("run finished",
			"decoded", rr.Summary.Decoded,
			"failed", rr.Summary.Failed,
			"abandoned", rr.Summary.Abandoned,
			"fatal", rr.Fatal != nil,
			"elapsed", rr.FinishedAt.Sub(rr.StartedAt),
		)
		return rr
	}
	fatal := func(code string, err error) domain.RunReport {
		rr.Fatal = &domain.Failure{Index: -1, ErrorCode: code, ErrorMsg: err.Error()}
		return finish()
	}

	policy, err := dispatch.ParsePolicy(eff.OnError)
	if err != nil {
		return fatal(domain.ErrCodeConfigInvalid, err)
	}
	dec, ok := deps.Decoders.Get(eff.Decoder)
	if !ok {
		return fatal(domain.ErrCodeConfigInvalid, fmt.Errorf("未知解码器 %q（可用：%v）", eff.Decoder, deps.Decoders.Names()))
	}
	if deps.Sink == nil {
		return fatal(domain.ErrCodeConfigInvalid, errors.New("未配置输出 sink"))
	}
	if deps.Opener == nil {
		return fatal(domain.ErrCodeConfigInvalid, errors.New("未配置资源 opener"))
	}

	graphStarted := time.Now()
	g, err := graph.Open(ctx, deps.Opener, eff.Graph)
	if err != nil {
		return fatal(domain.ErrCodeGraphInvalid, err)
	}
	if obs != nil {
		obs.OnPhaseDone("graph", map[string]any{
			"name":    g.Name(),
			"symbols": g.NumSymbols(),
		}, time.Since(graphStarted))
	}
	lg.Debug("graph loaded", "ref", eff.Graph, "symbols", g.NumSymbols(), "blank", g.Blank())

	// 输入流在 dctx 下打开：收集端失败后取消 dctx，阻塞在远程读取上的 Dispatcher 随之返回。
	dctx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()

	bufs := &feats.BufferPool{}
	src, err := source.Open(dctx, deps.Opener, eff.Acoustic, eff.ExcludeDirs, source.Options{
		Scale:   eff.Scale,
		Buffers: bufs,
		Logger:  lg,
	})
	if err != nil {
		return fatal(domain.ErrCodeIOFailed, err)
	}
	defer src.Close()

	reg := deps.Metrics
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	pm, err := pool.NewMetrics(reg, "latgen", "pool")
	if err != nil {
		lg.Warn("pool metrics disabled", "error", err)
		pm = nil
	}
	im, err := newItemMetrics(reg)
	if err != nil {
		lg.Warn("item metrics disabled", "error", err)
		im = nil
	}

	p := pool.New[dispatch.Result](pool.Options{Workers: eff.Workers, Metrics: pm, Logger: lg})
	tickets := pool.NewQueue[dispatch.Ticket](eff.QueueDepth)

	var queued, done, failed atomic.Int64
	d := dispatch.NewDispatcher(dispatch.Options{
		Pool:     p,
		Decoder:  dec,
		Graph:    g,
		Buffers:  bufs,
		Logger:   lg,
		OnQueued: func(int) { queued.Add(1) },
	})
	c := dispatch.NewCollector(dispatch.CollectorOptions{
		Sink:   deps.Sink,
		Policy: policy,
		Logger: lg,
		OnItem: func(o dispatch.Outcome) {
			res := itemResult(o)
			rr.Items = append(rr.Items, res)
			done.Add(1)
			if res.Status != domain.StatusDecoded {
				failed.Add(1)
			}
			im.observe(res.Status)
			if obs != nil {
				obs.OnItemDone(res, o.Elapsed)
			}
		},
	})

	if obs != nil {
		obs.OnPhaseDone("dispatch", map[string]any{
			"workers":     p.Workers(),
			"queue_depth": eff.QueueDepth,
			"decoder":     dec.Name(),
		}, 0)
	}
	stopProgress := startProgress(obs, deps.ProgressInterval, func() Progress {
		return Progress{
			Queued:  int(queued.Load()),
			Done:    int(done.Load()),
			Failed:  int(failed.Load()),
			Active:  int(p.Stats().Active),
			Elapsed: time.Since(started),
		}
	})

	collectStarted := time.Now()

	// Dispatcher 的错误不取消收集端：损坏记录之前已经排队的条目照常输出。
	var eg errgroup.Group
	eg.Go(func() error {
		defer tickets.Close()
		return d.Run(dctx, src, tickets)
	})

	summary, cerr := c.Run(ctx, tickets)
	if cerr != nil {
		stopDispatch()
		p.Abort()
		tickets.Close()
		c.Discard(tickets)
		summary = c.Summary()
	}
	derr := eg.Wait()
	p.Close()
	stopProgress()

	if obs != nil {
		obs.OnPhaseDone("collect", map[string]any{
			"emitted":   summary.Emitted,
			"skipped":   len(summary.Skipped),
			"discarded": summary.Discarded,
		}, time.Since(collectStarted))
	}

	switch {
	case cerr != nil:
		rr.Fatal = failureOf(cerr)
	case derr != nil:
		rr.Fatal = failureOf(derr)
	case ctx.Err() != nil:
		rr.Fatal = failureOf(ctx.Err())
	}

	if st := d.ReleaseStats(); st.Duplicate > 0 || st.Premature > 0 {
		lg.Error("buffer ownership violated", "released", st.Released, "duplicate", st.Duplicate, "premature", st.Premature)
	}
	if eff.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(eff.MetricsFile, reg); err != nil {
			lg.Warn("write metrics file failed", "path", eff.MetricsFile, "error", err)
		}
	}
	return finish()
}

// startProgress 启动 OnProgress ticker；返回的函数停止它并等待退出。
func startProgress(obs Observer, every time.Duration, snap func() Progress) func() {
	if obs == nil || every <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				obs.OnProgress(snap())
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
		})
	}
}

func itemResult(o dispatch.Outcome) domain.ItemResult {
	res := domain.ItemResult{
		Index:    o.Index,
		Key:      string(o.Key),
		DecodeMs: float64(o.Elapsed.Microseconds()) / 1000,
	}
	switch {
	case o.Emitted:
		res.Status = domain.StatusDecoded
		res.Symbols = len(o.Path.Symbols)
	case o.Discarded && o.Err == nil:
		res.Status = domain.StatusAbandoned
		res.ErrorCode = domain.ErrCodeAbandoned
		res.ErrorMsg = "运行已中止，结果未输出"
	case o.Discarded && (errors.Is(o.Err, pool.ErrAbandoned) || errors.Is(o.Err, context.Canceled)):
		res.Status = domain.StatusAbandoned
		res.ErrorCode = domain.ErrCodeAbandoned
		res.ErrorMsg = o.Err.Error()
	default:
		res.Status = domain.StatusFailed
		res.ErrorCode = errorCode(o.Err)
		if o.Err != nil {
			res.ErrorMsg = o.Err.Error()
		}
	}
	return res
}

func failureOf(err error) *domain.Failure {
	f := &domain.Failure{Index: -1, ErrorCode: errorCode(err), ErrorMsg: err.Error()}

	var ie *dispatch.ItemError
	if errors.As(err, &ie) {
		f.Index = ie.Index
		f.Key = string(ie.Key)
		f.ErrorMsg = ie.Err.Error()
		return f
	}
	var se *source.Error
	if errors.As(err, &se) {
		f.Index = se.Index
		f.Key = se.Key
	}
	return f
}

// errorCode 把错误归类为报告里的 error_code。
func errorCode(err error) string {
	var (
		se *source.Error
		de *decoder.Error
		ke *sink.Error
		ge *graph.Error
		pe *pool.PanicError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return domain.ErrCodeSourceMalformed
	case errors.As(err, &ke):
		return domain.ErrCodeSinkFailed
	case errors.As(err, &ge):
		return domain.ErrCodeGraphInvalid
	case errors.Is(err, pool.ErrAbandoned):
		return domain.ErrCodeAbandoned
	case errors.Is(err, pool.ErrShutdown):
		return domain.ErrCodePoolShutdown
	case errors.As(err, &de), errors.As(err, &pe):
		return domain.ErrCodeDecodeFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.ErrCodeInterrupted
	default:
		// 解码器返回的未分类错误。
		return domain.ErrCodeDecodeFailed
	}
}

// itemMetrics 按状态统计条目数。nil *itemMetrics 的方法是 no-op。
type itemMetrics struct {
	items *prometheus.CounterVec
}

func newItemMetrics(reg prometheus.Registerer) (*itemMetrics, error) {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "latgen",
		Name:      "items_total",
		Help:      "Work items by final status.",
	}, []string{"status"})
	if err := reg.Register(cv); err != nil {
		return nil, err
	}
	return &itemMetrics{items: cv}, nil
}

func (m *itemMetrics) observe(status string) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(status).Inc()
}
