// Package resource 把输入/图文件的引用（"-"、本地路径、file://、http(s)://、s3://）统一打开为只读流。
package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/John-Robertt/latgen/internal/infra/httpx"
)

// Stdin 是表示标准输入的引用。
const Stdin = "-"

var ErrUnsupportedScheme = errors.New("不支持的引用协议")

// S3Config 是 s3:// 引用使用的对象存储连接参数。
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Opener 按引用打开只读流。零值可用（http 使用 http.DefaultClient，s3 需要 Endpoint）。
type Opener struct {
	HTTP *http.Client
	S3   S3Config
	// Stdin 为 nil 时使用 os.Stdin。
	Stdin io.Reader

	mu sync.Mutex
	s3 *minio.Client
}

// Open 打开 ref。返回的流由调用方关闭；"-" 对应的流关闭时不会关闭标准输入。
func (o *Opener) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return nil, errors.New("引用不能为空")
	case ref == Stdin:
		in := o.Stdin
		if in == nil {
			in = os.Stdin
		}
		return io.NopCloser(in), nil
	case strings.HasPrefix(ref, "file://"):
		return os.Open(strings.TrimPrefix(ref, "file://"))
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return o.openHTTP(ctx, ref)
	case strings.HasPrefix(ref, "s3://"):
		return o.openS3(ctx, ref)
	case strings.Contains(ref, "://"):
		return nil, fmt.Errorf("%w：%s", ErrUnsupportedScheme, ref)
	default:
		return os.Open(ref)
	}
}

func (o *Opener) openHTTP(ctx context.Context, ref string) (io.ReadCloser, error) {
	c := o.HTTP
	if c == nil {
		c = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &httpx.StatusError{URL: ref, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

func (o *Opener) openS3(ctx context.Context, ref string) (io.ReadCloser, error) {
	bucket, key, err := ParseS3(ref)
	if err != nil {
		return nil, err
	}
	client, err := o.s3Client()
	if err != nil {
		return nil, err
	}
	obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject 是惰性的：先 Stat 一次，让“对象不存在”在打开阶段暴露。
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, fmt.Errorf("读取 %s 失败：%w", ref, err)
	}
	return obj, nil
}

func (o *Opener) s3Client() (*minio.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.s3 != nil {
		return o.s3, nil
	}
	endpoint := strings.TrimSpace(o.S3.Endpoint)
	if endpoint == "" {
		return nil, errors.New("s3.endpoint 未配置，无法打开 s3:// 引用")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.S3.AccessKey, o.S3.SecretKey, ""),
		Secure: o.S3.UseSSL,
		Region: o.S3.Region,
	})
	if err != nil {
		return nil, err
	}
	o.s3 = client
	return client, nil
}

// ParseS3 把 s3://bucket/key 拆为 bucket 与对象名。
func ParseS3(ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		return "", "", fmt.Errorf("不是 s3 引用：%q", ref)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("s3 引用必须形如 s3://bucket/key：%q", ref)
	}
	return bucket, key, nil
}
