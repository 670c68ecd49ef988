// Package archive stores rendered exports in S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrDisabled = errors.New("archive not configured")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	LinkTTL   time.Duration
}

// objectClient is the subset of *minio.Client the archive uses.
type objectClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, object string, expiry time.Duration, params url.Values) (*url.URL, error)
}

type Archive struct {
	client  objectClient
	bucket  string
	linkTTL time.Duration
	now     func() time.Time
}

// Object describes one stored export.
type Object struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	URL  string `json:"url,omitempty"`
}

// New connects to the object store. An empty endpoint returns ErrDisabled.
func New(cfg Config) (*Archive, error) {
	if cfg.Endpoint == "" {
		return nil, ErrDisabled
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return newArchive(client, cfg.Bucket, cfg.LinkTTL), nil
}

func newArchive(client objectClient, bucket string, linkTTL time.Duration) *Archive {
	if linkTTL <= 0 {
		linkTTL = 24 * time.Hour
	}
	return &Archive{client: client, bucket: bucket, linkTTL: linkTTL, now: time.Now}
}

// EnsureBucket creates the bucket when missing.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", a.bucket, err)
	}
	log.Printf("archive: created bucket %s", a.bucket)
	return nil
}

// Key lays exports out as <project>/<UTC timestamp>-<filename>.
func (a *Archive) Key(projectID, filename string) string {
	return path.Join(projectID, a.now().UTC().Format("20060102T150405Z")+"-"+path.Base(filename))
}

// Put uploads data and returns a presigned download link. A failure to
// presign still reports the stored object.
func (a *Archive) Put(ctx context.Context, projectID, filename, contentType string, data []byte) (Object, error) {
	key := a.Key(projectID, filename)
	info, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Object{}, fmt.Errorf("put object %s: %w", key, err)
	}
	obj := Object{Key: key, Size: info.Size}
	link, err := a.client.PresignedGetObject(ctx, a.bucket, key, a.linkTTL, url.Values{})
	if err != nil {
		log.Printf("archive: presign %s: %v", key, err)
		return obj, nil
	}
	obj.URL = link.String()
	return obj, nil
}
