// Package objstore implements ports.Backend on an S3-compatible object store.
package objstore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"mediaq/internal/pkg/errors"
	"mediaq/internal/ports"
)

type Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	CreateBucket bool
}

// objectAPI is the slice of the S3 API the store needs.
type objectAPI interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, error)
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
}

// minioAPI adapts *minio.Client; GetObject returns *minio.Object which
// defers errors until the first read.
type minioAPI struct {
	*minio.Client
}

func (m minioAPI) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	return m.Client.GetObject(ctx, bucket, key, opts)
}

type Store struct {
	api    objectAPI
	bucket string
	region string
}

// New connects to the endpoint and, if configured, creates the bucket.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.ValidationField("storage.objstore", "endpoint and bucket are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "objstore.new", "create client")
	}

	s := newStore(minioAPI{client}, cfg.Bucket, cfg.Region)
	if cfg.CreateBucket {
		if err := s.ensureBucket(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func newStore(api objectAPI, bucket, region string) *Store {
	return &Store{api: api, bucket: bucket, region: region}
}

func (s *Store) Provider() string { return "objstore" }

func (s *Store) ensureBucket(ctx context.Context) error {
	ok, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return s.wrap(err, "objstore.bucket", "check bucket")
	}
	if ok {
		return nil
	}
	if err := s.api.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return s.wrap(err, "objstore.bucket", "create bucket")
	}
	return nil
}

func (s *Store) Put(ctx context.Context, in ports.PutInput) (ports.StoredArtifact, error) {
	if err := ports.ValidateKey(in.Key); err != nil {
		return ports.StoredArtifact{}, err
	}

	ct := in.ContentType
	if ct == "" {
		ct = ports.ContentTypeFor(in.Key)
	}

	_, err := s.api.PutObject(ctx, s.bucket, in.Key, bytes.NewReader(in.Data), int64(len(in.Data)),
		minio.PutObjectOptions{ContentType: ct})
	if err != nil {
		return ports.StoredArtifact{}, s.wrap(err, "objstore.put", "upload object")
	}

	return ports.StoredArtifact{
		Key:         in.Key,
		ContentType: ct,
		Size:        int64(len(in.Data)),
		StoredAt:    time.Now().UTC(),
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ports.ValidateKey(key); err != nil {
		return nil, err
	}

	obj, err := s.api.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.classify(err, key, "objstore.get")
	}
	defer obj.Close()

	b, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.classify(err, key, "objstore.get")
	}
	return b, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ports.ValidatePrefix(prefix); err != nil {
		return nil, err
	}

	keys := []string{}
	for obj := range s.api.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, s.wrap(obj.Err, "objstore.list", "list objects")
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete stats first; S3 deletes of absent keys succeed silently.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ports.ValidateKey(key); err != nil {
		return err
	}
	if _, err := s.api.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		return s.classify(err, key, "objstore.delete")
	}
	if err := s.api.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return s.classify(err, key, "objstore.delete")
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return s.wrap(err, "objstore.ping", "check bucket")
	}
	if !ok {
		return errors.NotFound("bucket", s.bucket)
	}
	return nil
}

func (s *Store) classify(err error, key, op string) error {
	if isNotFound(err) {
		return errors.NotFound("object", key)
	}
	return s.wrap(err, op, "object store request failed")
}

func (s *Store) wrap(err error, op, msg string) error {
	return errors.WrapWithCode(err, errors.CodeUnavailable, op, msg).WithField("bucket", s.bucket)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NoSuchObject":
		return true
	}
	return resp.StatusCode == http.StatusNotFound
}
