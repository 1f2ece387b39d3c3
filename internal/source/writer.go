package source

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/John-Robertt/latgen/internal/domain"
	"github.com/John-Robertt/latgen/internal/feats"
)

// Writer 把记录编码为 utterance 流；Compress=true 时整体用 zstd 压缩。
type Writer struct {
	w   io.Writer
	zw  *zstd.Encoder
	buf bytes.Buffer
	enc *msgpack.Encoder
	n   int
}

func NewWriter(w io.Writer, compress bool) (*Writer, error) {
	out := &Writer{w: w}
	if compress {
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		out.zw = zw
		out.w = zw
	}
	out.enc = msgpack.NewEncoder(&out.buf)
	return out, nil
}

// Write 追加一条记录。key 与矩阵会先校验，保证写出的流一定能被 Reader 读回。
func (w *Writer) Write(key string, m feats.Matrix) error {
	if k, ok := domain.ParseKey(key); !ok || string(k) != key {
		return fmt.Errorf("key 非法：%q", key)
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("key=%s：%w", key, err)
	}

	w.buf.Reset()
	if err := encodeRecord(w.enc, key, m); err != nil {
		return err
	}
	if w.buf.Len() > MaxFrameBytes {
		return fmt.Errorf("key=%s：记录过大（%d 字节）", key, w.buf.Len())
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(w.buf.Len()))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(w.buf.Bytes()); err != nil {
		return err
	}
	w.n++
	return nil
}

// Count 是已写出的记录数。
func (w *Writer) Count() int { return w.n }

// Close 刷新压缩流。不会关闭底层 io.Writer。
func (w *Writer) Close() error {
	if w.zw != nil {
		return w.zw.Close()
	}
	return nil
}

// Write 向 w 写出一条未压缩的记录。
func Write(w io.Writer, key string, m feats.Matrix) error {
	sw, err := NewWriter(w, false)
	if err != nil {
		return err
	}
	return sw.Write(key, m)
}
