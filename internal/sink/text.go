package sink

import (
	"bufio"
	"io"
)

// Text 每条输出一行空格分隔的符号。
type Text struct {
	w *bufio.Writer
}

func NewText(w io.Writer) *Text { return &Text{w: bufio.NewWriter(w)} }

func (t *Text) Emit(r Record) error {
	if _, err := t.w.WriteString(r.Path.Line()); err != nil {
		return &Error{Sink: FormatText, Err: err}
	}
	if err := t.w.WriteByte('\n'); err != nil {
		return &Error{Sink: FormatText, Err: err}
	}
	return nil
}

func (t *Text) Close() error {
	if err := t.w.Flush(); err != nil {
		return &Error{Sink: FormatText, Err: err}
	}
	return nil
}
