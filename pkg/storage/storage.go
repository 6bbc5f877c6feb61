// Package storage pushes local image bytes to a blob store and returns a URL
// the remote services can dereference.
package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
)

// BlobStore is the write side of an object store.
type BlobStore interface {
	// Put writes body under key, overwriting any existing object.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// URL returns a dereferenceable URL for key.
	URL(ctx context.Context, key string) (string, error)
}

// UploadedAsset is an immutable record of one successful upload.
type UploadedAsset struct {
	ObjectKey   string    `json:"object_key"`
	URL         string    `json:"url"`
	CreatedAt   time.Time `json:"created_at"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
}

const (
	defaultPrefix     = "hairstyle-transfer"
	defaultMaxBytes   = 3 << 20
	defaultAttempts   = 2
	defaultRetryDelay = 500 * time.Millisecond
)

// Uploader validates content, generates a unique key and writes it to a
// BlobStore. It is safe for concurrent use.
type Uploader struct {
	store      BlobStore
	keys       *KeyGenerator
	maxBytes   int64
	attempts   int
	retryDelay time.Duration
	logger     *slog.Logger
}

type Option func(*Uploader)

// WithPrefix sets the leading key segment.
func WithPrefix(prefix string) Option {
	return func(u *Uploader) {
		u.keys = NewKeyGenerator(prefix)
	}
}

// WithMaxBytes sets the largest accepted object.
func WithMaxBytes(n int64) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.maxBytes = n
		}
	}
}

// WithNetworkRetry sets how many times a transient network failure is
// attempted in total, and the fixed delay between attempts.
func WithNetworkRetry(attempts int, delay time.Duration) Option {
	return func(u *Uploader) {
		if attempts > 0 {
			u.attempts = attempts
		}
		if delay >= 0 {
			u.retryDelay = delay
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(u *Uploader) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithKeyGenerator replaces the key generator, mostly for tests.
func WithKeyGenerator(keys *KeyGenerator) Option {
	return func(u *Uploader) {
		if keys != nil {
			u.keys = keys
		}
	}
}

func NewUploader(store BlobStore, opts ...Option) *Uploader {
	u := &Uploader{
		store:      store,
		keys:       NewKeyGenerator(defaultPrefix),
		maxBytes:   defaultMaxBytes,
		attempts:   defaultAttempts,
		retryDelay: defaultRetryDelay,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Upload validates data against the service limits, then writes it under a
// freshly generated key. Only transient network failures are retried.
func (u *Uploader) Upload(ctx context.Context, data []byte, contentType string) (UploadedAsset, error) {
	info, err := Validate(data, contentType, u.maxBytes)
	if err != nil {
		u.logger.Warn("storage.upload.rejected", "size", len(data), "content_type", contentType, "error", err)
		return UploadedAsset{}, err
	}

	now := time.Now().UTC()
	key := u.keys.Next(now, info.Format.Ext)
	start := time.Now()

	attempt := 0
	op := func() error {
		attempt++
		putErr := u.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), info.Format.ContentType)
		if putErr == nil {
			return nil
		}
		classified := classifyStoreError(putErr)
		if classified.Reason != failure.ReasonNetworkError {
			return backoff.Permanent(classified)
		}
		return classified
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(u.retryDelay), uint64(u.attempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		u.logger.Warn("storage.upload.retry", "key", key, "attempt", attempt, "wait_ms", wait.Milliseconds(), "error", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return UploadedAsset{}, failure.Wrap(failure.KindCanceled, failure.ReasonNone, ctxErr, "upload %s", key)
		}
		u.logger.Error("storage.upload.failed", "key", key, "attempts", attempt, "error", err)
		return UploadedAsset{}, err
	}

	url, err := u.store.URL(ctx, key)
	if err != nil {
		return UploadedAsset{}, classifyStoreError(err)
	}

	asset := UploadedAsset{
		ObjectKey:   key,
		URL:         url,
		CreatedAt:   now,
		ContentType: info.Format.ContentType,
		SizeBytes:   int64(len(data)),
		Width:       info.Width,
		Height:      info.Height,
	}
	u.logger.Info("storage.upload.ok",
		"key", key,
		"size", asset.SizeBytes,
		"content_type", asset.ContentType,
		"attempts", attempt,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return asset, nil
}

// classifyStoreError maps any store error onto the upload taxonomy. Stores
// classify what they recognise; anything else is a transport failure.
func classifyStoreError(err error) *failure.Error {
	if fe, ok := failure.As(err); ok && fe.Kind == failure.KindUpload {
		return fe
	}
	return failure.Upload(failure.ReasonNetworkError, err, "blob store write")
}

// ErrNotFound is returned when a store holds no object for a key or URL.
var ErrNotFound = errors.New("object not found")
