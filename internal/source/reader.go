package source

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/John-Robertt/latgen/internal/domain"
	"github.com/John-Robertt/latgen/internal/feats"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Shard 是一段可惰性打开的输入流。
type Shard struct {
	Name string
	Open func() (io.ReadCloser, error)
}

type Options struct {
	// Scale 写入每个 WorkItem（声学缩放系数）。
	Scale float32
	// Buffers 为特征矩阵提供缓冲；nil 时每次新分配。
	Buffers *feats.BufferPool
	Logger  *slog.Logger
}

// Reader 顺序读取若干分片，把它们当成一条连续的 utterance 流。Index 跨分片累计。
type Reader struct {
	shards []Shard
	opts   Options
	log    *slog.Logger

	cur    int
	rc     io.ReadCloser
	zr     *zstd.Decoder
	br     *bufio.Reader
	offset int64

	index   int
	frame   []byte
	dec     *msgpack.Decoder
	pending *domain.WorkItem
	pendErr error
	done    bool
}

var _ Source = (*Reader)(nil)

// New 创建按 shards 顺序读取的 Reader。分片在真正需要时才打开。
func New(shards []Shard, opts Options) *Reader {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	if opts.Scale == 0 {
		opts.Scale = 1
	}
	return &Reader{
		shards: shards,
		opts:   opts,
		log:    lg,
		dec:    msgpack.NewDecoder(bytes.NewReader(nil)),
	}
}

// FromReader 把单个 io.Reader 包装成 Source。关闭 Reader 不会关闭 r。
func FromReader(name string, r io.Reader, opts Options) *Reader {
	return New([]Shard{{
		Name: name,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
	}}, opts)
}

func (r *Reader) HasNext() bool {
	if r.pending != nil || r.pendErr != nil {
		return true
	}
	if r.done {
		return false
	}
	r.fetch()
	return r.pending != nil || r.pendErr != nil
}

// Next 返回下一条 WorkItem。序列结束时返回 io.EOF；输入损坏时返回 *Error。
func (r *Reader) Next() (*domain.WorkItem, error) {
	if !r.HasNext() {
		return nil, io.EOF
	}
	if r.pendErr != nil {
		err := r.pendErr
		r.pendErr = nil
		r.done = true
		return nil, err
	}
	it := r.pending
	r.pending = nil
	return it, nil
}

// Close 释放当前打开的分片。可重复调用。
func (r *Reader) Close() error {
	r.done = true
	r.pending, r.pendErr = nil, nil
	return r.closeShard()
}

// Index 是下一条记录的序号（也等于已产出的记录数）。
func (r *Reader) Index() int { return r.index }

func (r *Reader) fetch() {
	for {
		if r.br == nil {
			if r.cur >= len(r.shards) {
				r.done = true
				return
			}
			if err := r.openShard(r.shards[r.cur]); err != nil {
				r.fail("", err)
				return
			}
		}

		it, err := r.readItem()
		if err == nil {
			r.pending = it
			r.index++
			return
		}
		if err == io.EOF {
			if cerr := r.closeShard(); cerr != nil {
				r.fail("", cerr)
				return
			}
			r.cur++
			continue
		}
		r.pendErr = err
		r.done = true
		_ = r.closeShard()
		return
	}
}

func (r *Reader) fail(key string, err error) {
	r.pendErr = &Error{Index: r.index, Key: key, Shard: r.shardName(), Offset: r.offset, Err: err}
	r.done = true
}

func (r *Reader) shardName() string {
	if r.cur < len(r.shards) {
		return r.shards[r.cur].Name
	}
	return ""
}

func (r *Reader) openShard(s Shard) error {
	rc, err := s.Open()
	if err != nil {
		return fmt.Errorf("打开输入失败：%w", err)
	}
	br := bufio.NewReaderSize(rc, 64<<10)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		_ = rc.Close()
		return fmt.Errorf("读取输入失败：%w", err)
	}

	r.rc = rc
	r.offset = 0
	if bytes.Equal(head, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			_ = rc.Close()
			r.rc = nil
			return fmt.Errorf("zstd 初始化失败：%w", err)
		}
		r.zr = zr
		r.br = bufio.NewReaderSize(zr, 64<<10)
		r.log.Debug("open shard", "shard", s.Name, "compressed", true)
		return nil
	}
	r.br = br
	r.log.Debug("open shard", "shard", s.Name, "compressed", false)
	return nil
}

func (r *Reader) closeShard() error {
	if r.zr != nil {
		r.zr.Close()
		r.zr = nil
	}
	r.br = nil
	if r.rc == nil {
		return nil
	}
	err := r.rc.Close()
	r.rc = nil
	return err
}

// readItem 读取一帧。分片在帧边界结束时返回 io.EOF。
func (r *Reader) readItem() (*domain.WorkItem, error) {
	start := r.offset

	var hdr [4]byte
	n, err := io.ReadFull(r.br, hdr[:])
	r.offset += int64(n)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, r.errAt(start, "", fmt.Errorf("长度前缀被截断：%w", err))
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 || size > MaxFrameBytes {
		return nil, r.errAt(start, "", fmt.Errorf("帧长度非法：%d", size))
	}
	if cap(r.frame) < int(size) {
		r.frame = make([]byte, size)
	}
	frame := r.frame[:size]
	n, err = io.ReadFull(r.br, frame)
	r.offset += int64(n)
	if err != nil {
		return nil, r.errAt(start, "", fmt.Errorf("记录被截断（期望 %d 字节，实际 %d）：%w", size, n, err))
	}

	rd := bytes.NewReader(frame)
	r.dec.Reset(rd)
	key, m, err := decodeRecord(r.dec, r.opts.Buffers)
	if err != nil {
		return nil, r.errAt(start, key, err)
	}
	if rd.Len() != 0 {
		r.opts.Buffers.Put(m.Data)
		return nil, r.errAt(start, key, fmt.Errorf("记录后有 %d 字节多余数据", rd.Len()))
	}

	return &domain.WorkItem{
		Index: r.index,
		Key:   domain.Key(key),
		Feats: m,
		Scale: r.opts.Scale,
	}, nil
}

func (r *Reader) errAt(offset int64, key string, err error) *Error {
	return &Error{Index: r.index, Key: key, Shard: r.shardName(), Offset: offset, Err: err}
}
