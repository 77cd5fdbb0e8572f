package s3

import (
	"context"
	"errors"
	"feedformula/internal/blob/core"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newFake(t *testing.T, prefix string) (*Store, *FakeBucket) {
	t.Helper()
	st, bucket, err := NewFake(context.Background(), prefix)
	if err != nil {
		t.Fatalf("new fake: %v", err)
	}
	return st, bucket
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	st, bucket := newFake(t, "")
	if st.Driver() != core.DriverS3 {
		t.Fatalf("driver mismatch")
	}
	info, err := st.Put(ctx, "exports/a.csv", strings.NewReader("stage,product\n"), core.PutOptions{ContentType: "text/csv", Metadata: map[string]string{"stage": "1"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "exports/a.csv" || info.Size != 14 || info.ContentType != "text/csv" || info.Metadata["stage"] != "1" || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := st.Put(ctx, "exports/a.csv", strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	_, rc, err := st.Get(ctx, "exports/a.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "stage,product\n" {
		t.Fatalf("unexpected body %q", body)
	}
	if _, _, err := st.Get(ctx, "exports/missing.csv"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on get, got %v", err)
	}

	existed, err := st.Delete(ctx, "exports/a.csv")
	if err != nil || !existed {
		t.Fatalf("delete: %v %v", existed, err)
	}
	if existed, err := st.Delete(ctx, "exports/a.csv"); err != nil || existed {
		t.Fatalf("second delete: %v %v", existed, err)
	}
	if keys := bucket.Keys(); len(keys) != 0 {
		t.Fatalf("bucket not empty: %v", keys)
	}
	if _, err := st.Head(ctx, "exports/a.csv"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on head, got %v", err)
	}
}

func TestStorePrefixAndPagination(t *testing.T) {
	ctx := context.Background()
	st, bucket := newFake(t, "tenant-a/")
	bucket.PageSize = 2
	for _, k := range []string{"exports/c.csv", "exports/a.csv", "exports/b.csv", "other/x.csv"} {
		if _, err := st.Put(ctx, k, strings.NewReader(k), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	if keys := bucket.Keys(); keys[0] != "tenant-a/exports/a.csv" {
		t.Fatalf("prefix not applied: %v", keys)
	}
	list, err := st.List(ctx, "exports/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].Key != "exports/a.csv" || list[2].Key != "exports/c.csv" {
		t.Fatalf("unexpected list %+v", list)
	}
	if list[1].Size != int64(len("exports/b.csv")) {
		t.Fatalf("unexpected size %+v", list[1])
	}
}

func TestStorePresignURL(t *testing.T) {
	st, _ := newFake(t, "")
	raw, err := st.PresignURL(context.Background(), "exports/a.csv", core.SignedURLOptions{Expiry: 2 * time.Minute})
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Host != "s3.fake.local" || u.Path != "/feedformula-test/exports/a.csv" || u.Query().Get("X-Amz-Expires") != "120" {
		t.Fatalf("unexpected presigned url %s", raw)
	}
	if _, err := st.PresignURL(context.Background(), "exports/a.csv", core.SignedURLOptions{Method: "PUT"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvBucket, "")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	t.Setenv(EnvBucket, "feed-exports")
	t.Setenv(EnvRegion, "eu-west-1")
	t.Setenv(EnvEndpoint, "http://minio:9000")
	t.Setenv(EnvPathStyle, "true")
	t.Setenv(EnvPrefix, "prod")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Bucket != "feed-exports" || cfg.Region != "eu-west-1" || cfg.Endpoint != "http://minio:9000" || !cfg.PathStyle || cfg.Prefix != "prod" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	t.Setenv(EnvPathStyle, "sometimes")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected path style parse error")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected bucket error")
	}
}

func TestDecodeChunked(t *testing.T) {
	raw := []byte("5;chunk-signature=abc\r\nhello\r\n3\r\n!!!\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n")
	got, err := decodeChunked(raw)
	if err != nil || string(got) != "hello!!!" {
		t.Fatalf("decode: %q %v", got, err)
	}
	if _, err := decodeChunked([]byte("zz\r\n")); err == nil {
		t.Fatalf("expected size error")
	}
}
