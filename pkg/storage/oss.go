package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
)

// OSSConfig selects a bucket and how object URLs are issued.
type OSSConfig struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	AccessKeySecret string
	Signed          bool
	SignedURLTTL    time.Duration
}

// OSSStore writes to an Alibaba Cloud OSS bucket.
type OSSStore struct {
	bucket   *oss.Bucket
	endpoint string
	name     string
	signed   bool
	ttl      time.Duration
}

func NewOSSStore(cfg OSSConfig) (*OSSStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, failure.Configuration("oss endpoint and bucket are required")
	}
	client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret, oss.Timeout(10, 120))
	if err != nil {
		return nil, failure.Wrap(failure.KindConfiguration, failure.ReasonNone, err, "oss client")
	}
	bucket, err := client.Bucket(cfg.Bucket)
	if err != nil {
		return nil, failure.Wrap(failure.KindConfiguration, failure.ReasonNone, err, "oss bucket %s", cfg.Bucket)
	}
	ttl := cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &OSSStore{
		bucket:   bucket,
		endpoint: hostOnly(cfg.Endpoint),
		name:     cfg.Bucket,
		signed:   cfg.Signed,
		ttl:      ttl,
	}, nil
}

func (s *OSSStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	err := s.bucket.PutObject(key, body,
		oss.ContentType(contentType),
		oss.ContentLength(size),
		oss.WithContext(ctx),
	)
	if err != nil {
		return classifyOSSError(err)
	}
	return nil
}

func (s *OSSStore) URL(_ context.Context, key string) (string, error) {
	if !s.signed {
		return fmt.Sprintf("https://%s.%s/%s", s.name, s.endpoint, key), nil
	}
	url, err := s.bucket.SignURL(key, oss.HTTPGet, int64(s.ttl/time.Second))
	if err != nil {
		return "", classifyOSSError(err)
	}
	return url, nil
}

func classifyOSSError(err error) error {
	var svc oss.ServiceError
	if !errors.As(err, &svc) {
		return failure.Upload(failure.ReasonNetworkError, err, "oss request")
	}
	switch svc.Code {
	case "NoSuchBucket":
		return failure.Upload(failure.ReasonBucketMissing, err, "oss bucket missing")
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "UserDisable":
		return failure.Upload(failure.ReasonPermissionDenied, err, "oss permission denied")
	case "EntityTooLarge":
		return failure.Upload(failure.ReasonTooLarge, err, "oss rejected object size")
	}
	switch {
	case svc.StatusCode == http.StatusForbidden:
		return failure.Upload(failure.ReasonPermissionDenied, err, "oss permission denied")
	case svc.StatusCode >= 500 || svc.StatusCode == http.StatusTooManyRequests:
		return failure.Upload(failure.ReasonNetworkError, err, "oss unavailable")
	default:
		return failure.Upload(failure.ReasonInvalidFormat, err, "oss rejected object")
	}
}

func hostOnly(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimRight(endpoint, "/")
}
