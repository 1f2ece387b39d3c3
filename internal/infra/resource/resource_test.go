package resource

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/John-Robertt/latgen/internal/infra/httpx"
)

func readString(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("读取失败：%v", err)
	}
	return string(b)
}

func TestOpen_StdinAndLocal(t *testing.T) {
	o := &Opener{Stdin: strings.NewReader("from-stdin")}
	rc, err := o.Open(context.Background(), "-")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := readString(t, rc); got != "from-stdin" {
		t.Fatalf("got=%q", got)
	}

	p := filepath.Join(t.TempDir(), "g.yaml")
	if err := os.WriteFile(p, []byte("local"), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
	for _, ref := range []string{p, "file://" + p} {
		rc, err := o.Open(context.Background(), ref)
		if err != nil {
			t.Fatalf("%s：不期望错误：%v", ref, err)
		}
		if got := readString(t, rc); got != "local" {
			t.Fatalf("%s：got=%q", ref, got)
		}
	}

	if _, err := o.Open(context.Background(), filepath.Join(t.TempDir(), "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("期望 ErrNotExist：%v", err)
	}
}

func TestOpen_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("remote"))
	}))
	defer srv.Close()

	c, err := httpx.NewClient("")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	o := &Opener{HTTP: c}

	rc, err := o.Open(context.Background(), srv.URL+"/graph.yaml")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := readString(t, rc); got != "remote" {
		t.Fatalf("got=%q", got)
	}

	_, err = o.Open(context.Background(), srv.URL+"/missing")
	var se *httpx.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("期望 404 StatusError：%v", err)
	}
}

func TestOpen_Rejects(t *testing.T) {
	o := &Opener{}
	if _, err := o.Open(context.Background(), "ftp://x/y"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("期望 ErrUnsupportedScheme：%v", err)
	}
	if _, err := o.Open(context.Background(), "  "); err == nil {
		t.Fatalf("空引用应报错")
	}
	if _, err := o.Open(context.Background(), "s3://bucket/key"); err == nil || !strings.Contains(err.Error(), "s3.endpoint") {
		t.Fatalf("未配置 endpoint 时应报错：%v", err)
	}
}

func TestParseS3(t *testing.T) {
	b, k, err := ParseS3("s3://corpus/dev/part-0001.lgm")
	if err != nil || b != "corpus" || k != "dev/part-0001.lgm" {
		t.Fatalf("b=%q k=%q err=%v", b, k, err)
	}
	for _, bad := range []string{"s3://", "s3://bucket", "s3://bucket/", "s3:///key", "http://x/y"} {
		if _, _, err := ParseS3(bad); err == nil {
			t.Fatalf("%q：期望错误", bad)
		}
	}
}
