package sink

import (
	"bufio"
	"encoding/json"
	"io"
)

type jsonlLine struct {
	Index   int      `json:"index"`
	Key     string   `json:"key"`
	Symbols []string `json:"symbols"`
	Weight  float64  `json:"weight"`
}

// JSONL 每条输出一个 JSON 对象（一行）。
type JSONL struct {
	w   *bufio.Writer
	enc *json.Encoder
}

func NewJSONL(w io.Writer) *JSONL {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &JSONL{w: bw, enc: enc}
}

func (j *JSONL) Emit(r Record) error {
	syms := r.Path.Symbols
	if syms == nil {
		syms = []string{}
	}
	if err := j.enc.Encode(jsonlLine{Index: r.Index, Key: string(r.Key), Symbols: syms, Weight: r.Path.Weight}); err != nil {
		return &Error{Sink: FormatJSONL, Err: err}
	}
	return nil
}

func (j *JSONL) Close() error {
	if err := j.w.Flush(); err != nil {
		return &Error{Sink: FormatJSONL, Err: err}
	}
	return nil
}
