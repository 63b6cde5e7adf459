// Package publish mirrors finished HLS rendition directories to
// S3-compatible object storage.
package publish

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency    = 4
	defaultRequestTimeout = 2 * time.Minute
	defaultRegion         = "us-east-1"
)

type Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Prefix         string
	Concurrency    int
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Publisher uploads every file under a local directory. A disabled
// publisher accepts calls and uploads nothing.
type Publisher interface {
	Enabled() bool
	PublishDir(ctx context.Context, localDir, prefix string) (int, error)
}

// putObjecter is the part of *minio.Client the publisher needs.
type putObjecter interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type noopPublisher struct{}

func (noopPublisher) Enabled() bool { return false }

func (noopPublisher) PublishDir(context.Context, string, string) (int, error) { return 0, nil }

type s3Publisher struct {
	client      putObjecter
	bucket      string
	prefix      string
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
}

// New returns a publisher for cfg. Without both a bucket and an endpoint the
// publisher is a no-op.
func New(cfg Config) (Publisher, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if bucket == "" || endpoint == "" {
		return noopPublisher{}, nil
	}
	secure := cfg.UseSSL
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("publish: parse endpoint: %w", err)
		}
		endpoint = parsed.Host
		secure = secure || parsed.Scheme == "https"
	}
	if endpoint == "" {
		return nil, fmt.Errorf("publish: endpoint host is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = defaultRegion
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("publish: create client: %w", err)
	}
	return newS3Publisher(client, bucket, cfg), nil
}

func newS3Publisher(client putObjecter, bucket string, cfg Config) *s3Publisher {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &s3Publisher{
		client:      client,
		bucket:      bucket,
		prefix:      strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		concurrency: concurrency,
		timeout:     timeout,
		logger:      logger,
	}
}

func (p *s3Publisher) Enabled() bool { return true }

// PublishDir uploads every regular file below localDir as
// <configured prefix>/<prefix>/<relative path> and returns the number of
// objects written. The first failed upload cancels the rest.
func (p *s3Publisher) PublishDir(ctx context.Context, localDir, prefix string) (int, error) {
	var files []string
	err := filepath.WalkDir(localDir, func(current string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, current)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("publish: list %s: %w", localDir, err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.concurrency)
	for _, file := range files {
		file := file
		rel, err := filepath.Rel(localDir, file)
		if err != nil {
			return 0, fmt.Errorf("publish: %w", err)
		}
		key := p.objectKey(prefix, filepath.ToSlash(rel))
		group.Go(func() error {
			return p.upload(gctx, file, key)
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}
	p.logger.Info("renditions published", "bucket", p.bucket, "prefix", p.objectKey(prefix, ""), "objects", len(files))
	return len(files), nil
}

func (p *s3Publisher) upload(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("publish: open %s: %w", file, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("publish: stat %s: %w", file, err)
	}
	uploadCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.client.PutObject(uploadCtx, p.bucket, key, f, info.Size(), minio.PutObjectOptions{
		ContentType: ContentType(file),
	}); err != nil {
		return fmt.Errorf("publish: upload %s: %w", key, err)
	}
	p.logger.Debug("object uploaded", "key", key, "bytes", info.Size())
	return nil
}

func (p *s3Publisher) objectKey(prefix, rel string) string {
	parts := make([]string, 0, 3)
	for _, part := range []string{p.prefix, strings.Trim(prefix, "/"), strings.TrimLeft(rel, "/")} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return path.Join(parts...)
}

// ContentType returns the MIME type used for an uploaded rendition file.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".key":
		return "application/octet-stream"
	}
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}
