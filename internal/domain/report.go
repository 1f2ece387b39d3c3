package domain

import (
	"sort"
	"time"
)

const (
	StatusDecoded   = "decoded"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

const (
	ErrCodeSourceMalformed = "source_malformed"
	ErrCodeDecodeFailed    = "decode_failed"
	ErrCodePoolShutdown    = "pool_shutdown"
	ErrCodeAbandoned       = "abandoned"
	ErrCodeGraphInvalid    = "graph_invalid"
	ErrCodeSinkFailed      = "sink_failed"
	ErrCodeIOFailed        = "io_failed"
	ErrCodeInterrupted     = "interrupted"
	ErrCodeConfigNotFound  = "config_not_found"
	ErrCodeConfigInvalid   = "config_invalid"
)

// RunReport 是一次解码运行的对外稳定摘要（report.json 的结构）。
//
// 注意：解码结果本身走 sink（stdout 等），这里只记录每条的状态与耗时。
type RunReport struct {
	RunID    string `json:"run_id"`
	Acoustic string `json:"acoustic"`
	Graph    string `json:"graph"`
	Decoder  string `json:"decoder"`
	Workers  int    `json:"workers"`
	OnError  string `json:"on_error"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary ReportSummary `json:"summary"`
	Items   []ItemResult  `json:"items"`

	// Fatal 非空表示运行被中止（源损坏 / abort 策略下的解码失败 / 输出失败等）。
	Fatal *Failure `json:"fatal"`
}

type ReportSummary struct {
	Total     int `json:"total"`
	Decoded   int `json:"decoded"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
}

type ItemResult struct {
	Index     int     `json:"index"`
	Key       string  `json:"key"`
	Status    string  `json:"status"`
	ErrorCode string  `json:"error_code"`
	ErrorMsg  string  `json:"error_msg"`
	Symbols   int     `json:"symbols"`
	DecodeMs  float64 `json:"decode_ms"`
}

// Failure 描述导致运行中止的错误。Index 为 -1 表示不属于某条输入（例如图加载失败）。
type Failure struct {
	Index     int    `json:"index"`
	Key       string `json:"key"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC
// 2) items 按 Index 稳定排序；Index<0 的合成条目排在最后
// 3) summary 由 items 计算得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()
	if r.Items == nil {
		r.Items = []ItemResult{}
	}

	sort.SliceStable(r.Items, func(i, j int) bool {
		a := r.Items[i].Index
		b := r.Items[j].Index
		if a < 0 {
			return false
		}
		if b < 0 {
			return true
		}
		return a < b
	})

	s := ReportSummary{Total: len(r.Items)}
	for _, it := range r.Items {
		switch it.Status {
		case StatusDecoded:
			s.Decoded++
		case StatusFailed:
			s.Failed++
		case StatusAbandoned:
			s.Abandoned++
		}
	}
	r.Summary = s
}

// OK 表示运行完整成功：没有中止，也没有被跳过的失败条目。
func (r RunReport) OK() bool {
	return r.Fatal == nil && r.Summary.Failed == 0
}
