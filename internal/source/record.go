package source

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/John-Robertt/latgen/internal/domain"
	"github.com/John-Robertt/latgen/internal/feats"
)

// record 字段名（msgpack map key）。
const (
	fieldKey  = "key"
	fieldRows = "rows"
	fieldCols = "cols"
	fieldData = "data"
)

var errMissingField = errors.New("记录缺少字段")

// decodeRecord 从一帧 msgpack 中解出 key 与矩阵。矩阵缓冲取自 bufs。
//
// 字段顺序不限；未知字段跳过。失败时已分配的缓冲会归还。
func decodeRecord(dec *msgpack.Decoder, bufs *feats.BufferPool) (key string, m feats.Matrix, err error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return "", feats.Matrix{}, fmt.Errorf("记录不是 map：%w", err)
	}
	if n < 0 {
		return "", feats.Matrix{}, errors.New("记录为 nil")
	}

	var hasKey, hasRows, hasCols, hasData bool
	defer func() {
		if err != nil {
			bufs.Put(m.Data)
			m = feats.Matrix{}
		}
	}()

	for i := 0; i < n; i++ {
		field, ferr := dec.DecodeString()
		if ferr != nil {
			return key, m, fmt.Errorf("字段名非法：%w", ferr)
		}
		switch field {
		case fieldKey:
			key, err = dec.DecodeString()
			hasKey = true
		case fieldRows:
			m.Rows, err = dec.DecodeInt()
			hasRows = true
		case fieldCols:
			m.Cols, err = dec.DecodeInt()
			hasCols = true
		case fieldData:
			if hasData {
				return key, m, errors.New("重复的 data 字段")
			}
			m.Data, err = decodeFloats(dec, bufs)
			hasData = true
		default:
			err = dec.Skip()
		}
		if err != nil {
			return key, m, fmt.Errorf("字段 %q：%w", field, err)
		}
	}

	switch {
	case !hasKey:
		return key, m, fmt.Errorf("%w：%s", errMissingField, fieldKey)
	case !hasRows:
		return key, m, fmt.Errorf("%w：%s", errMissingField, fieldRows)
	case !hasCols:
		return key, m, fmt.Errorf("%w：%s", errMissingField, fieldCols)
	case !hasData:
		return key, m, fmt.Errorf("%w：%s", errMissingField, fieldData)
	}
	if k, ok := domain.ParseKey(key); !ok || string(k) != key {
		return key, m, fmt.Errorf("key 非法：%q", key)
	}
	if err := m.Validate(); err != nil {
		return key, m, err
	}
	return key, m, nil
}

func decodeFloats(dec *msgpack.Decoder, bufs *feats.BufferPool) ([]float32, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	if n > MaxFrameBytes/4 {
		return nil, fmt.Errorf("data 长度过大：%d", n)
	}
	out := bufs.Get(n)
	for i := range out {
		v, err := dec.DecodeFloat32()
		if err != nil {
			bufs.Put(out)
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// encodeRecord 把一条记录编码为 msgpack（不含长度前缀）。
func encodeRecord(enc *msgpack.Encoder, key string, m feats.Matrix) error {
	if err := enc.EncodeMapLen(4); err != nil {
		return err
	}
	if err := enc.EncodeString(fieldKey); err != nil {
		return err
	}
	if err := enc.EncodeString(key); err != nil {
		return err
	}
	if err := enc.EncodeString(fieldRows); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(m.Rows)); err != nil {
		return err
	}
	if err := enc.EncodeString(fieldCols); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(m.Cols)); err != nil {
		return err
	}
	if err := enc.EncodeString(fieldData); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(m.Data)); err != nil {
		return err
	}
	for _, v := range m.Data {
		if err := enc.EncodeFloat32(v); err != nil {
			return err
		}
	}
	return nil
}
