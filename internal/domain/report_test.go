package domain

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestRunReport_Finalize_SortAndSummaryAndUTC(t *testing.T) {
	r := RunReport{
		RunID:      "r1",
		StartedAt:  time.Date(2026, 2, 9, 10, 0, 0, 0, time.FixedZone("X", 8*3600)),
		FinishedAt: time.Date(2026, 2, 9, 10, 0, 1, 0, time.FixedZone("X", 8*3600)),
		Items: []ItemResult{
			{Index: 2, Status: StatusAbandoned},
			{Index: -1, Status: StatusFailed}, // 合成项
			{Index: 0, Status: StatusDecoded},
			{Index: 1, Status: StatusFailed},
		},
	}

	r.Finalize()

	got := []int{r.Items[0].Index, r.Items[1].Index, r.Items[2].Index, r.Items[3].Index}
	want := []int{0, 1, 2, -1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("items 排序不符合契约：got=%v want=%v", got, want)
		}
	}
	if r.Summary.Total != 4 || r.Summary.Decoded != 1 || r.Summary.Failed != 2 || r.Summary.Abandoned != 1 {
		t.Fatalf("summary 统计不正确：%+v", r.Summary)
	}
	if r.OK() {
		t.Fatalf("存在失败条目时 OK() 应为 false")
	}

	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("json.Marshal 失败：%v", err)
	}
	if !bytes.Contains(b, []byte("\"started_at\":\"2026-02-09T02:00:00Z\"")) {
		t.Fatalf("started_at 不是 UTC RFC3339：%s", string(b))
	}
}

func TestRunReport_EmptyIsOK(t *testing.T) {
	var r RunReport
	r.Finalize()
	if !r.OK() || r.Summary.Total != 0 {
		t.Fatalf("空运行应视为成功：%+v", r)
	}
	b, _ := json.Marshal(r)
	if !bytes.Contains(b, []byte(`"items":[]`)) {
		t.Fatalf("items 应输出为 []：%s", string(b))
	}
}

func TestParseKey(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"spk01-utt0003", true},
		{"  utt1 ", true},
		{"", false},
		{"a b", false},
	}
	for _, tc := range cases {
		_, ok := ParseKey(tc.in)
		if ok != tc.ok {
			t.Fatalf("ParseKey(%q) ok=%v，期望 %v", tc.in, ok, tc.ok)
		}
	}
}

func TestPath_Line(t *testing.T) {
	p := Path{Symbols: []string{"FOO", "BAR"}}
	if got := p.Line(); got != "FOO BAR" {
		t.Fatalf("Line()=%q", got)
	}
	if got := (Path{}).Line(); got != "" {
		t.Fatalf("空路径应输出空串：%q", got)
	}
}
