// Package s3 stores blobs in a single S3 (or MinIO) bucket.
package s3

import (
	"context"
	"errors"
	"feedformula/internal/blob/core"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultRegion = "us-east-1"

// Environment variables read by OpenFromEnv.
const (
	EnvBucket    = "FEEDFORMULA_BLOB_S3_BUCKET"
	EnvRegion    = "FEEDFORMULA_BLOB_S3_REGION"
	EnvEndpoint  = "FEEDFORMULA_BLOB_S3_ENDPOINT"
	EnvPathStyle = "FEEDFORMULA_BLOB_S3_PATH_STYLE"
	EnvPrefix    = "FEEDFORMULA_BLOB_S3_PREFIX"
)

// Store implements core.Store over one bucket. Keys are stored under an
// optional prefix so several installations can share a bucket.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
}

// Config holds explicit construction parameters. Static credentials are
// optional; the default AWS credential chain applies otherwise.
type Config struct {
	Region          string
	Bucket          string
	Prefix          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	PathStyle       bool
	HTTPClient      *http.Client
}

// New creates a store from cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 blob store: bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 blob store: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
	})
	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ConfigFromEnv reads the FEEDFORMULA_BLOB_S3_* variables.
func ConfigFromEnv() (Config, error) {
	return ConfigFrom(os.Getenv)
}

// ConfigFrom reads the FEEDFORMULA_BLOB_S3_* settings through lookup.
func ConfigFrom(lookup func(string) string) (Config, error) {
	cfg := Config{
		Bucket:   strings.TrimSpace(lookup(EnvBucket)),
		Region:   strings.TrimSpace(lookup(EnvRegion)),
		Endpoint: strings.TrimSpace(lookup(EnvEndpoint)),
		Prefix:   strings.TrimSpace(lookup(EnvPrefix)),
	}
	if cfg.Bucket == "" {
		return Config{}, fmt.Errorf("%s required for s3 driver", EnvBucket)
	}
	if raw := strings.TrimSpace(lookup(EnvPathStyle)); raw != "" {
		ps, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvPathStyle, err)
		}
		cfg.PathStyle = ps
	}
	return cfg, nil
}

// OpenFromEnv constructs a store from the process environment.
func OpenFromEnv(ctx context.Context) (*Store, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// Driver implements core.Store.
func (s *Store) Driver() core.Driver { return core.DriverS3 }

func (s *Store) objectKey(key string) (string, string, error) {
	k, err := core.CleanKey(key)
	if err != nil {
		return "", "", err
	}
	if s.prefix == "" {
		return k, k, nil
	}
	return k, path.Join(s.prefix, k), nil
}

// Put implements core.Store. S3 has no create-only put, so an existing
// object is detected with a HEAD first.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	k, obj, err := s.objectKey(key)
	if err != nil {
		return core.Info{}, err
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &obj}); err == nil {
		return core.Info{}, fmt.Errorf("%w: %s", core.ErrExists, k)
	} else if !isNotFound(err) {
		return core.Info{}, fmt.Errorf("s3 head %s: %w", k, err)
	}
	input := &s3.PutObjectInput{Bucket: &s.bucket, Key: &obj, Body: r}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = core.CloneMetadata(opts.Metadata)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return core.Info{}, fmt.Errorf("s3 put %s: %w", k, err)
	}
	return s.Head(ctx, k)
}

// Get implements core.Store.
func (s *Store) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	k, obj, err := s.objectKey(key)
	if err != nil {
		return core.Info{}, nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &obj})
	if err != nil {
		return core.Info{}, nil, s.wrap("get", k, err)
	}
	return info(k, out.ContentLength, out.ContentType, out.ETag, out.Metadata, out.LastModified), out.Body, nil
}

// Head implements core.Store.
func (s *Store) Head(ctx context.Context, key string) (core.Info, error) {
	k, obj, err := s.objectKey(key)
	if err != nil {
		return core.Info{}, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &obj})
	if err != nil {
		return core.Info{}, s.wrap("head", k, err)
	}
	return info(k, out.ContentLength, out.ContentType, out.ETag, out.Metadata, out.LastModified), nil
}

// Delete implements core.Store. DeleteObject succeeds for missing keys, so
// existence is checked first.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	k, obj, err := s.objectKey(key)
	if err != nil {
		return false, err
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &obj}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head %s: %w", k, err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &obj}); err != nil {
		return false, fmt.Errorf("s3 delete %s: %w", k, err)
	}
	return true, nil
}

// List implements core.Store. Listings carry size and modification time only.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	full := prefix
	if s.prefix != "" {
		full = s.prefix + "/" + prefix
	}
	var infos []core.Info
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &full})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			infos = append(infos, core.Info{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// PresignURL implements core.Store for GET requests.
func (s *Store) PresignURL(ctx context.Context, key string, opts core.SignedURLOptions) (string, error) {
	expiry, err := core.PresignExpiry(opts)
	if err != nil {
		return "", err
	}
	_, obj, err := s.objectKey(key)
	if err != nil {
		return "", err
	}
	out, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &obj},
		func(po *s3.PresignOptions) { po.Expires = expiry })
	if err != nil {
		return "", fmt.Errorf("s3 presign %s: %w", key, err)
	}
	return out.URL, nil
}

func (s *Store) wrap(op, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}
	return fmt.Errorf("s3 %s %s: %w", op, key, err)
}

func isNotFound(err error) bool {
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

func info(key string, size *int64, contentType, etag *string, md map[string]string, lastModified *time.Time) core.Info {
	out := core.Info{
		Key:          key,
		Size:         aws.ToInt64(size),
		ContentType:  aws.ToString(contentType),
		ETag:         strings.Trim(aws.ToString(etag), `"`),
		Metadata:     core.CloneMetadata(md),
		LastModified: aws.ToTime(lastModified),
	}
	if len(out.Metadata) == 0 {
		out.Metadata = nil
	}
	return out
}
