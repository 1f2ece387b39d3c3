package feats

import "testing"

func TestMatrix_AtRowValidate(t *testing.T) {
	m := Matrix{Rows: 2, Cols: 3, Data: []float32{1, 2, 3, 4, 5, 6}}
	if err := m.Validate(); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := m.At(1, 2); got != 6 {
		t.Fatalf("At(1,2)=%v，期望 6", got)
	}
	row := m.Row(1)
	if len(row) != 3 || row[0] != 4 {
		t.Fatalf("Row(1) 不符合预期：%v", row)
	}
}

func TestMatrix_ValidateRejectsBadShape(t *testing.T) {
	cases := []struct {
		name string
		m    Matrix
	}{
		{"negative", Matrix{Rows: -1, Cols: 2}},
		{"rows_without_cols", Matrix{Rows: 2, Cols: 0}},
		{"short_data", Matrix{Rows: 2, Cols: 2, Data: []float32{1, 2, 3}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.m.Validate(); err == nil {
				t.Fatalf("期望错误，但得到 nil")
			}
		})
	}

	empty := Matrix{}
	if err := empty.Validate(); err != nil {
		t.Fatalf("0 帧矩阵应合法：%v", err)
	}
}

func TestBufferPool_GetPut(t *testing.T) {
	var bp BufferPool
	b := bp.Get(8)
	if len(b) != 8 {
		t.Fatalf("len=%d，期望 8", len(b))
	}
	bp.Put(b)

	// sync.Pool 不保证命中；这里只要求长度契约成立。
	c := bp.Get(4)
	if len(c) != 4 {
		t.Fatalf("len=%d，期望 4", len(c))
	}

	var nilPool *BufferPool
	if got := nilPool.Get(3); len(got) != 3 {
		t.Fatalf("nil pool 也应能分配：len=%d", len(got))
	}
	nilPool.Put(make([]float32, 3)) // 不应 panic
}
