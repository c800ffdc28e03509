package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"chimera/internal/workflow"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// S3Store keeps each snapshot as "<prefix>/<job>.json" in an S3-compatible bucket.
type S3Store struct {
	client     *minio.Client
	bucketName string
	region     string
	prefix     string
	initOnce   sync.Once
	initErr    error
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if prefix == "" {
		prefix = "checkpoints"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &S3Store{client: client, bucketName: bucket, region: region, prefix: prefix}, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("store is nil")
	}
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3Store) key(id string) string {
	return s.prefix + "/" + id + ".json"
}

func (s *S3Store) Save(ctx context.Context, st workflow.State) error {
	id, err := normalizeID(st.JobID)
	if err != nil {
		return err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	data, err := encode(st)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucketName, s.key(id), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: map[string]string{"stage": string(st.Stage)},
	})
	return err
}

func (s *S3Store) Load(ctx context.Context, jobID string) (workflow.State, error) {
	id, err := normalizeID(jobID)
	if err != nil {
		return workflow.State{}, err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return workflow.State{}, fmt.Errorf("ensure bucket: %w", err)
	}
	data, err := s.get(ctx, s.key(id))
	if err != nil {
		return workflow.State{}, err
	}
	return decode(id, data)
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isMissing(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func isMissing(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

func (s *S3Store) Delete(ctx context.Context, jobID string) error {
	id, err := normalizeID(jobID)
	if err != nil {
		return err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	// RemoveObject succeeds on missing keys, so check first.
	if _, err := s.client.StatObject(ctx, s.bucketName, s.key(id), minio.StatObjectOptions{}); err != nil {
		if isMissing(err) {
			return ErrNotFound
		}
		return err
	}
	return s.client.RemoveObject(ctx, s.bucketName, s.key(id), minio.RemoveObjectOptions{})
}

func (s *S3Store) List(ctx context.Context, stage workflow.Stage) ([]workflow.State, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	out := []workflow.State{}
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    s.prefix + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		data, err := s.get(ctx, obj.Key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		st, err := decode(obj.Key, data)
		if err != nil {
			return nil, err
		}
		if matches(st, stage) {
			out = append(out, st)
		}
	}
	sortNewestFirst(out)
	return out, nil
}
