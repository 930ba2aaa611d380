package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// PublishOptions configures an S3-compatible destination.
type PublishOptions struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Validate checks the fields needed to connect.
func (o PublishOptions) Validate() error {
	if o.Endpoint == "" {
		return errors.New("publish endpoint is required")
	}
	if o.Bucket == "" {
		return errors.New("publish bucket is required")
	}
	return nil
}

// objectStore is the subset of *minio.Client the publisher uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Publisher uploads reports and coverage HTML to object storage.
type Publisher struct {
	client objectStore
	opts   PublishOptions
	logger *zap.Logger
}

// NewPublisher connects a minio client for opts.
func NewPublisher(opts PublishOptions, logger *zap.Logger) (*Publisher, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:    opts.UseSSL,
		Region:    opts.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return newPublisher(client, opts, logger), nil
}

func newPublisher(client objectStore, opts PublishOptions, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, opts: opts, logger: logger}
}

// Publish uploads r as report.json under <prefix>/<run id>/ and, when
// coverageDir is non-empty, the files below it under coverage/. It returns
// the object key of the report.
func (p *Publisher) Publish(ctx context.Context, r Report, coverageDir string) (string, error) {
	if err := p.ensureBucket(ctx); err != nil {
		return "", err
	}
	base := p.runPrefix(r)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	key := path.Join(base, "report.json")
	if err := p.put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return "", err
	}
	p.logger.Info("report published", zap.String("bucket", p.opts.Bucket), zap.String("key", key))

	if coverageDir == "" {
		return key, nil
	}
	n, err := p.publishDir(ctx, coverageDir, path.Join(base, "coverage"))
	if err != nil {
		return key, err
	}
	p.logger.Info("coverage html published", zap.Int("files", n), zap.String("prefix", path.Join(base, "coverage")))
	return key, nil
}

func (p *Publisher) runPrefix(r Report) string {
	run := r.RunID
	if run == "" {
		run = "unknown-run"
	}
	return path.Join(p.opts.Prefix, run)
}

func (p *Publisher) ensureBucket(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.opts.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", p.opts.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := p.client.MakeBucket(ctx, p.opts.Bucket, minio.MakeBucketOptions{Region: p.opts.Region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", p.opts.Bucket, err)
	}
	return nil
}

func (p *Publisher) publishDir(ctx context.Context, dir, prefix string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			return err
		}
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		ctype := mime.TypeByExtension(filepath.Ext(file))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		if err := p.put(ctx, path.Join(prefix, filepath.ToSlash(rel)), f, info.Size(), ctype); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("publish %s: %w", dir, err)
	}
	return count, nil
}

func (p *Publisher) put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := p.client.PutObject(ctx, p.opts.Bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
