package sink

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/John-Robertt/latgen/internal/domain"
)

func rec(i int, key string, syms ...string) Record {
	return Record{Index: i, Key: domain.Key(key), Path: domain.Path{Symbols: syms, Weight: float64(i)}}
}

func TestText_OneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	s, err := New("text", &buf, "")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	for _, r := range []Record{rec(0, "a", "HELLO"), rec(1, "b", "WORLD"), rec(2, "c"), rec(3, "d", "FOO", "BAR")} {
		if err := s.Emit(r); err != nil {
			t.Fatalf("Emit 失败：%v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close 失败：%v", err)
	}
	if got, want := buf.String(), "HELLO\nWORLD\n\nFOO BAR\n"; got != want {
		t.Fatalf("输出不符合预期：\n got=%q\nwant=%q", got, want)
	}
}

type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestText_CloseReportsWriteError(t *testing.T) {
	s := NewText(failWriter{})
	_ = s.Emit(rec(0, "a", "X"))
	err := s.Close()
	var se *Error
	if !errors.As(err, &se) || se.Sink != FormatText {
		t.Fatalf("期望 *sink.Error：%v", err)
	}
}

func TestJSONL(t *testing.T) {
	var buf bytes.Buffer
	s, _ := New(" JSONL ", &buf, "")
	_ = s.Emit(rec(0, "u<1>", "A&B"))
	_ = s.Emit(rec(1, "u2"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close 失败：%v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("期望 2 行，实际 %d：%q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"key":"u<1>"`) {
		t.Fatalf("不应转义 HTML 字符：%s", lines[0])
	}
	var got jsonlLine
	if err := json.Unmarshal([]byte(lines[1]), &got); err != nil {
		t.Fatalf("json 解析失败：%v", err)
	}
	if got.Index != 1 || got.Key != "u2" || got.Symbols == nil || len(got.Symbols) != 0 || got.Weight != 1 {
		t.Fatalf("内容不符合预期：%+v", got)
	}
}

func TestHTML_RendersRowsInOrderAndEscapes(t *testing.T) {
	var buf bytes.Buffer
	s, err := New("html", &buf, "dev set")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	_ = s.Emit(rec(0, "a", "<b>", "x"))
	_ = s.Emit(rec(1, "b", "WORLD"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close 失败：%v", err)
	}
	if !strings.HasPrefix(buf.String(), "<!DOCTYPE html>") {
		t.Fatalf("缺少 doctype：%q", buf.String()[:20])
	}

	doc, err := goquery.NewDocumentFromReader(&buf)
	if err != nil {
		t.Fatalf("解析输出失败：%v", err)
	}
	if got := doc.Find("title").Text(); got != "dev set" {
		t.Fatalf("title=%q", got)
	}
	rows := doc.Find("tbody tr")
	if rows.Length() != 2 {
		t.Fatalf("期望 2 行，实际 %d", rows.Length())
	}
	if got := rows.First().Find("td.text").Text(); got != "<b> x" {
		t.Fatalf("第一行文本=%q", got)
	}
	if rows.First().Find("b").Length() != 0 {
		t.Fatalf("符号应被转义，不应生成元素")
	}
	if id, _ := rows.Last().Attr("id"); id != "u1" {
		t.Fatalf("第二行 id=%q", id)
	}
	if got := doc.Find("p.summary").Text(); got != "2 utterances" {
		t.Fatalf("summary=%q", got)
	}
}

func TestNew_UnknownFormat(t *testing.T) {
	if _, err := New("xml", &bytes.Buffer{}, ""); err == nil {
		t.Fatalf("期望未知格式错误")
	}
	if IsStreamFormat(FormatMQTT) || !IsStreamFormat("") {
		t.Fatalf("IsStreamFormat 判断不正确")
	}
}

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	msgs  []published
	token *fakeToken
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.msgs = append(p.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	if p.token != nil {
		return p.token
	}
	return &fakeToken{}
}

func TestMQTT_PublishesPerKey(t *testing.T) {
	pub := &fakePublisher{}
	closed := false
	s, err := NewMQTT(pub, "latgen/results/", 1, nil, func() { closed = true })
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if err := s.Emit(rec(0, "utt1", "HELLO", "WORLD")); err != nil {
		t.Fatalf("Emit 失败：%v", err)
	}
	if err := s.Close(); err != nil || !closed {
		t.Fatalf("Close 应调用 closeFn：err=%v closed=%v", err, closed)
	}

	if len(pub.msgs) != 1 {
		t.Fatalf("期望 1 条消息，实际 %d", len(pub.msgs))
	}
	m := pub.msgs[0]
	if m.topic != "latgen/results/utt1" || m.qos != 1 {
		t.Fatalf("topic=%q qos=%d", m.topic, m.qos)
	}
	var p mqttPayload
	if err := json.Unmarshal(m.payload, &p); err != nil {
		t.Fatalf("payload 不是 JSON：%v", err)
	}
	if p.Text != "HELLO WORLD" || p.Key != "utt1" {
		t.Fatalf("payload=%+v", p)
	}
	if s.Published() != 1 {
		t.Fatalf("Published=%d", s.Published())
	}
}

func TestMQTT_WildcardKeysStayOneLevel(t *testing.T) {
	pub := &fakePublisher{}
	s, err := NewMQTT(pub, "latgen", 0, nil, nil)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	keys := []string{"spk+1", "a#b", "dir/utt", "plain"}
	for i, k := range keys {
		if err := s.Emit(rec(i, k, "X")); err != nil {
			t.Fatalf("Emit(%q) 失败：%v", k, err)
		}
	}

	want := []string{"latgen/spk_1", "latgen/a_b", "latgen/dir_utt", "latgen/plain"}
	for i, m := range pub.msgs {
		if m.topic != want[i] {
			t.Fatalf("key=%q topic=%q，期望 %q", keys[i], m.topic, want[i])
		}
		if strings.ContainsAny(strings.TrimPrefix(m.topic, "latgen/"), "+#/") {
			t.Fatalf("topic 层级里不应有通配符或分隔符：%q", m.topic)
		}
		var p mqttPayload
		if err := json.Unmarshal(m.payload, &p); err != nil {
			t.Fatalf("payload 不是 JSON：%v", err)
		}
		if p.Key != keys[i] {
			t.Fatalf("payload 应保留原始 key：%q != %q", p.Key, keys[i])
		}
	}
}

func TestMQTT_Failures(t *testing.T) {
	for name, tok := range map[string]*fakeToken{
		"timeout": {timeout: true},
		"error":   {err: errors.New("not authorized")},
	} {
		t.Run(name, func(t *testing.T) {
			s, _ := NewMQTT(&fakePublisher{token: tok}, "t", 0, nil, nil)
			var se *Error
			if err := s.Emit(rec(0, "k", "X")); !errors.As(err, &se) {
				t.Fatalf("期望 *sink.Error：%v", err)
			}
		})
	}

	if _, err := NewMQTT(&fakePublisher{}, " / ", 0, nil, nil); err == nil {
		t.Fatalf("空 topic 应报错")
	}
	if _, err := NewMQTT(&fakePublisher{}, "t", 3, nil, nil); err == nil {
		t.Fatalf("非法 qos 应报错")
	}
	if _, err := DialMQTT(MQTTOptions{}); err == nil {
		t.Fatalf("空 broker 应报错")
	}
}
