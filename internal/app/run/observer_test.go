package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/John-Robertt/latgen/internal/app/dispatch"
	"github.com/John-Robertt/latgen/internal/config"
	"github.com/John-Robertt/latgen/internal/decoder"
	"github.com/John-Robertt/latgen/internal/domain"
	"github.com/John-Robertt/latgen/internal/graph"
	"github.com/John-Robertt/latgen/internal/pool"
	"github.com/John-Robertt/latgen/internal/sink"
	"github.com/John-Robertt/latgen/internal/source"
)

type recordObserver struct {
	mu sync.Mutex

	startCalls int
	phases     []string
	items      []int
	progress   int
}

func (o *recordObserver) OnStart(eff config.EffectiveConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startCalls++
}

func (o *recordObserver) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, name)
}

func (o *recordObserver) OnItemDone(res domain.ItemResult, dur time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(o.items, res.Index)
}

func (o *recordObserver) OnProgress(p Progress) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress++
}

func TestExecuteWithObserver_EmitsPhaseAndItemEvents(t *testing.T) {
	eff := writeFixture(t, helloWorld, nil)

	var out bytes.Buffer
	deps, _ := newDeps(t, &out)
	deps.ProgressInterval = time.Millisecond

	obs := &recordObserver{}
	rr := ExecuteWithObserver(context.Background(), eff, deps, obs)
	if !rr.OK() {
		t.Fatalf("不期望失败：%+v", rr.Fatal)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.startCalls != 1 {
		t.Fatalf("期望 OnStart 调用 1 次，实际 %d", obs.startCalls)
	}
	wantPhases := []string{"graph", "dispatch", "collect"}
	if !reflect.DeepEqual(obs.phases, wantPhases) {
		t.Fatalf("阶段事件不符合预期：got=%v want=%v", obs.phases, wantPhases)
	}
	if !reflect.DeepEqual(obs.items, []int{0, 1, 2}) {
		t.Fatalf("条目事件应按输入顺序：%v", obs.items)
	}
}

func TestExecuteWithObserver_NilObserver_SameResultAsExecute(t *testing.T) {
	eff := writeFixture(t, helloWorld, nil)

	var outA, outB bytes.Buffer
	depsA, _ := newDeps(t, &outA)
	depsB, _ := newDeps(t, &outB)

	a := Execute(context.Background(), eff, depsA)
	b := ExecuteWithObserver(context.Background(), eff, depsB, nil)

	// run_id、时间与耗时本身允许不同；对比时归零。
	for _, rr := range []*domain.RunReport{&a, &b} {
		rr.RunID = ""
		rr.StartedAt, rr.FinishedAt = time.Time{}, time.Time{}
		for i := range rr.Items {
			rr.Items[i].DecodeMs = 0
		}
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("nil observer 不应改变结果：\nExecute=%+v\nWithObs=%+v", a, b)
	}
	if outA.String() != outB.String() {
		t.Fatalf("输出不一致：%q vs %q", outA.String(), outB.String())
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&source.Error{Index: 3, Err: errors.New("x")}, domain.ErrCodeSourceMalformed},
		{&decoder.Error{Decoder: "greedy", Stage: decoder.StageSearch, Err: errors.New("x")}, domain.ErrCodeDecodeFailed},
		{&sink.Error{Sink: "text", Err: errors.New("x")}, domain.ErrCodeSinkFailed},
		{&graph.Error{Ref: "g", Err: errors.New("x")}, domain.ErrCodeGraphInvalid},
		{pool.ErrAbandoned, domain.ErrCodeAbandoned},
		{fmt.Errorf("提交失败：%w", pool.ErrShutdown), domain.ErrCodePoolShutdown},
		{&pool.PanicError{Value: "boom"}, domain.ErrCodeDecodeFailed},
		{context.Canceled, domain.ErrCodeInterrupted},
		{&dispatch.ItemError{Index: 1, Err: &sink.Error{Sink: "html", Err: errors.New("x")}}, domain.ErrCodeSinkFailed},
		{errors.New("plain"), domain.ErrCodeDecodeFailed},
	}
	for _, tc := range cases {
		if got := errorCode(tc.err); got != tc.want {
			t.Fatalf("errorCode(%v)=%q want=%q", tc.err, got, tc.want)
		}
	}
}

func TestItemResult(t *testing.T) {
	ok := itemResult(dispatch.Outcome{
		Index:   4,
		Key:     "u4",
		Path:    domain.Path{Symbols: []string{"A", "B"}},
		Elapsed: 1500 * time.Microsecond,
		Emitted: true,
	})
	if ok.Status != domain.StatusDecoded || ok.Symbols != 2 || ok.DecodeMs != 1.5 {
		t.Fatalf("decoded 条目不符合预期：%+v", ok)
	}

	discarded := itemResult(dispatch.Outcome{Index: 5, Discarded: true})
	if discarded.Status != domain.StatusAbandoned || discarded.ErrorCode != domain.ErrCodeAbandoned {
		t.Fatalf("中止后清理的成功条目应为 abandoned：%+v", discarded)
	}

	dropped := itemResult(dispatch.Outcome{Index: 6, Discarded: true, Err: pool.ErrAbandoned})
	if dropped.Status != domain.StatusAbandoned {
		t.Fatalf("未执行的条目应为 abandoned：%+v", dropped)
	}

	failed := itemResult(dispatch.Outcome{Index: 7, Discarded: true, Err: &decoder.Error{Decoder: "d", Stage: decoder.StageInput, Err: errors.New("empty")}})
	if failed.Status != domain.StatusFailed || failed.ErrorCode != domain.ErrCodeDecodeFailed {
		t.Fatalf("真正失败的条目即使被清理也应为 failed：%+v", failed)
	}
}

func TestFailureOf(t *testing.T) {
	f := failureOf(&dispatch.ItemError{Index: 2, Key: "u2", Err: errors.New("boom")})
	if f.Index != 2 || f.Key != "u2" || f.ErrorMsg != "boom" {
		t.Fatalf("ItemError 映射不正确：%+v", f)
	}

	f = failureOf(&source.Error{Index: 9, Key: "u9", Err: errors.New("truncated")})
	if f.Index != 9 || f.Key != "u9" || f.ErrorCode != domain.ErrCodeSourceMalformed {
		t.Fatalf("source.Error 映射不正确：%+v", f)
	}

	f = failureOf(context.Canceled)
	if f.Index != -1 || f.ErrorCode != domain.ErrCodeInterrupted {
		t.Fatalf("取消映射不正确：%+v", f)
	}
}
