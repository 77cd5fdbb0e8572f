package s3

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FakeBucket is an in-memory S3 endpoint served through an http.RoundTripper.
// It understands the HEAD, GET, PUT, DELETE and ListObjectsV2 requests the
// store issues.
type FakeBucket struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	// PageSize bounds ListObjectsV2 pages; zero means unbounded.
	PageSize int
}

type fakeObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

// NewFake returns a store wired to a fresh FakeBucket with static test
// credentials.
func NewFake(ctx context.Context, prefix string) (*Store, *FakeBucket, error) {
	bucket := &FakeBucket{objects: make(map[string]fakeObject)}
	st, err := New(ctx, Config{
		Bucket:          "feedformula-test",
		Prefix:          prefix,
		Region:          defaultRegion,
		Endpoint:        "https://s3.fake.local",
		AccessKeyID:     "AKIAFAKE",
		SecretAccessKey: "fake-secret",
		PathStyle:       true,
		HTTPClient:      &http.Client{Transport: bucket},
	})
	if err != nil {
		return nil, nil, err
	}
	return st, bucket, nil
}

// Keys returns the raw object keys held by the bucket.
func (b *FakeBucket) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RoundTrip implements http.RoundTripper.
func (b *FakeBucket) RoundTrip(req *http.Request) (*http.Response, error) {
	// path-style: /<bucket>/<key>
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return b.list(req), nil
	}
	switch req.Method {
	case http.MethodHead:
		obj, ok := b.objects[key]
		if !ok {
			return respond(http.StatusNotFound, nil, nil), nil
		}
		return respond(http.StatusOK, obj.headers(), nil), nil
	case http.MethodGet:
		obj, ok := b.objects[key]
		if !ok {
			body := []byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return respond(http.StatusNotFound, http.Header{"Content-Type": {"application/xml"}}, body), nil
		}
		return respond(http.StatusOK, obj.headers(), obj.body), nil
	case http.MethodPut:
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if isChunked(req) {
			if raw, err = decodeChunked(raw); err != nil {
				return respond(http.StatusBadRequest, nil, []byte(err.Error())), nil
			}
		}
		obj := fakeObject{body: raw, contentType: req.Header.Get("Content-Type"), metadata: map[string]string{}, modified: time.Now().UTC().Truncate(time.Second)}
		for name, vals := range req.Header {
			if lower := strings.ToLower(name); strings.HasPrefix(lower, "x-amz-meta-") && len(vals) > 0 {
				obj.metadata[strings.TrimPrefix(lower, "x-amz-meta-")] = vals[0]
			}
		}
		b.objects[key] = obj
		return respond(http.StatusOK, http.Header{"ETag": {obj.etag()}}, nil), nil
	case http.MethodDelete:
		delete(b.objects, key)
		return respond(http.StatusNoContent, nil, nil), nil
	}
	return respond(http.StatusNotImplemented, nil, nil), nil
}

func (b *FakeBucket) list(req *http.Request) *http.Response {
	q := req.URL.Query()
	prefix, after := q.Get("prefix"), q.Get("continuation-token")
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	truncated := false
	if b.PageSize > 0 && len(keys) > b.PageSize {
		keys, truncated = keys[:b.PageSize], true
	}
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult>`)
	fmt.Fprintf(&sb, "<KeyCount>%d</KeyCount><IsTruncated>%t</IsTruncated>", len(keys), truncated)
	if truncated {
		fmt.Fprintf(&sb, "<NextContinuationToken>%s</NextContinuationToken>", keys[len(keys)-1])
	}
	for _, k := range keys {
		obj := b.objects[k]
		fmt.Fprintf(&sb, "<Contents><Key>%s</Key><Size>%d</Size><ETag>%s</ETag><LastModified>%s</LastModified></Contents>",
			k, len(obj.body), obj.etag(), obj.modified.Format(time.RFC3339))
	}
	sb.WriteString("</ListBucketResult>")
	return respond(http.StatusOK, http.Header{"Content-Type": {"application/xml"}}, []byte(sb.String()))
}

func (o fakeObject) etag() string {
	sum := md5.Sum(o.body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (o fakeObject) headers() http.Header {
	h := http.Header{
		"Content-Length": {strconv.Itoa(len(o.body))},
		"ETag":           {o.etag()},
		"Last-Modified":  {o.modified.Format(http.TimeFormat)},
	}
	if o.contentType != "" {
		h.Set("Content-Type", o.contentType)
	}
	for k, v := range o.metadata {
		h.Set("X-Amz-Meta-"+k, v)
	}
	return h
}

func respond(status int, h http.Header, body []byte) *http.Response {
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		StatusCode:    status,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func isChunked(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") ||
		req.Header.Get("X-Amz-Decoded-Content-Length") != ""
}

// decodeChunked strips aws-chunked framing: "<hex>[;ext]\r\n<data>\r\n" repeated
// until a zero-sized chunk, optionally followed by trailers.
func decodeChunked(raw []byte) ([]byte, error) {
	r := bufio.NewReader(bytes.NewReader(raw))
	var out bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("aws-chunked: read size: %w", err)
		}
		sizeField := strings.TrimSpace(line)
		if i := strings.IndexByte(sizeField, ';'); i >= 0 {
			sizeField = sizeField[:i]
		}
		size, err := strconv.ParseInt(sizeField, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("aws-chunked: size %q: %w", sizeField, err)
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, r, size); err != nil {
			return nil, fmt.Errorf("aws-chunked: body: %w", err)
		}
		if _, err := r.Discard(2); err != nil {
			return nil, fmt.Errorf("aws-chunked: terminator: %w", err)
		}
	}
}
