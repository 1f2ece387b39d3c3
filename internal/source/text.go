package source

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/John-Robertt/latgen/internal/feats"
)

// ParseText 解析文本形式的矩阵归档，每解析出一条就回调一次 fn：
//
//	utt1  [
//	  -1.2 -0.3 -4.0
//	  -0.1 -2.2 -3.5 ]
//	utt2  [ ]
//
// 每个非空行是一帧；同一矩阵内各帧列数必须一致。
func ParseText(r io.Reader, fn func(key string, m feats.Matrix) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 64<<20)

	var (
		lineNo int
		key    string
		inside bool
		m      feats.Matrix
	)
	flush := func() error {
		inside = false
		out := m
		m = feats.Matrix{}
		return fn(key, out)
	}
	addRow := func(fields []string) error {
		if len(fields) == 0 {
			return nil
		}
		if m.Rows > 0 && len(fields) != m.Cols {
			return fmt.Errorf("第 %d 行：列数 %d 与前面的 %d 不一致（key=%s）", lineNo, len(fields), m.Cols, key)
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 32)
			if err != nil {
				return fmt.Errorf("第 %d 行：非法数值 %q（key=%s）", lineNo, f, key)
			}
			m.Data = append(m.Data, float32(v))
		}
		m.Cols = len(fields)
		m.Rows++
		return nil
	}

	for sc.Scan() {
		lineNo++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}

		if !inside {
			if len(fields) < 2 || fields[1] != "[" {
				return fmt.Errorf("第 %d 行：期望 \"<key> [\"", lineNo)
			}
			key = fields[0]
			inside = true
			fields = fields[2:]
		}

		closed := false
		if n := len(fields); n > 0 && fields[n-1] == "]" {
			closed = true
			fields = fields[:n-1]
		}
		if err := addRow(fields); err != nil {
			return err
		}
		if closed {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if inside {
		return fmt.Errorf("矩阵未闭合（key=%s）", key)
	}
	return nil
}
