package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig addresses an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string // optional key prefix inside the bucket
	UseSSL    bool
}

// MinioBackend stores objects in an S3-compatible bucket.
//
// Object stores have no rename, so Replace emulates it: a server-side copy
// onto the final key (single-object PUT semantics make the copy an atomic
// replace) followed by removal of the temp object with retries. A leftover
// temp object after a failed removal is harmless and is ignored by the store.
type MinioBackend struct {
	client        *minio.Client
	bucket        string
	prefix        string
	removeRetries int
	logger        *slog.Logger
}

// NewMinioBackend connects to the endpoint and creates the bucket if missing.
func NewMinioBackend(ctx context.Context, cfg MinioConfig) (*MinioBackend, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("checkpoint: minio endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "shard-recovery"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("checkpoint: create bucket %s: %w", bucket, err)
		}
	}
	return &MinioBackend{
		client:        client,
		bucket:        bucket,
		prefix:        strings.Trim(cfg.Prefix, "/"),
		removeRetries: 3,
		logger:        slog.Default(),
	}, nil
}

func (b *MinioBackend) object(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *MinioBackend) key(object string) string {
	if b.prefix == "" {
		return object
	}
	return strings.TrimPrefix(object, b.prefix+"/")
}

// WriteTemp uploads data under a unique sibling key. A successful PUT is
// durable on the server.
func (b *MinioBackend) WriteTemp(ctx context.Context, key string, data []byte) (string, error) {
	tmpKey := key + ".tmp-" + uuid.NewString()
	_, err := b.client.PutObject(ctx, b.bucket, b.object(tmpKey), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", err
	}
	return tmpKey, nil
}

// Replace copies the temp object over key, then removes the temp object.
func (b *MinioBackend) Replace(ctx context.Context, tmpKey, key string) error {
	_, err := b.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: b.bucket, Object: b.object(key)},
		minio.CopySrcOptions{Bucket: b.bucket, Object: b.object(tmpKey)})
	if err != nil {
		return err
	}
	if err := b.removeWithRetry(ctx, tmpKey); err != nil {
		b.logger.Warn("temp object left behind", "key", tmpKey, "error", err)
	}
	return nil
}

func (b *MinioBackend) removeWithRetry(ctx context.Context, key string) error {
	var err error
	for attempt := 0; attempt < b.removeRetries; attempt++ {
		err = b.client.RemoveObject(ctx, b.bucket, b.object(key), minio.RemoveObjectOptions{})
		if err == nil || isNoSuchKey(err) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return err
}

// DiscardTemp removes an abandoned temp object.
func (b *MinioBackend) DiscardTemp(ctx context.Context, tmpKey string) error {
	return b.removeWithRetry(ctx, tmpKey)
}

// Read downloads the object under key.
func (b *MinioBackend) Read(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.object(key), minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotExist, key)
		}
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotExist, key)
		}
		return nil, err
	}
	return data, nil
}

// List returns every key under prefix.
func (b *MinioBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for info := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    b.object(prefix),
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, info.Err
		}
		keys = append(keys, b.key(info.Key))
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the object under key.
func (b *MinioBackend) Delete(ctx context.Context, key string) error {
	err := b.client.RemoveObject(ctx, b.bucket, b.object(key), minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return err
	}
	return nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
