package securestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds connection settings for the MinIO/S3 backend.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
}

// S3Store implements Store against a MinIO/S3 bucket. Object layout:
//
//	bucket/
//	├── [keyPrefix/]entries/<base64url-key>       # plain entries
//	└── [keyPrefix/]sensitive/<base64url-key>     # sensitive entries
//
// Sensitive entries live under their own prefix so bucket policies can apply
// stricter access rules to them, and every object name is the
// base64url-encoded entry key so arbitrary key strings stay S3-safe.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
}

// NewS3Store connects to the MinIO server and verifies the bucket exists.
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket name")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
	}

	exists, err := client.BucketExists(context.Background(), config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", config.Bucket, err)
	}
	if !exists {
		if err = client.MakeBucket(context.Background(), config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", config.Bucket, err)
		}
	}

	return store, nil
}

// NewS3StoreFromConfig creates an S3Store from a generic StoreConfig.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	s3cfg := S3Config{}
	if v, ok := config.Config["endpoint"].(string); ok {
		s3cfg.Endpoint = v
	}
	if v, ok := config.Config["access_key_id"].(string); ok {
		s3cfg.AccessKeyID = v
	}
	if v, ok := config.Config["secret_access_key"].(string); ok {
		s3cfg.SecretAccessKey = v
	}
	if v, ok := config.Config["use_ssl"].(bool); ok {
		s3cfg.UseSSL = v
	}
	if v, ok := config.Config["region"].(string); ok {
		s3cfg.Region = v
	}
	if v, ok := config.Config["bucket"].(string); ok {
		s3cfg.Bucket = v
	}
	if v, ok := config.Config["key_prefix"].(string); ok {
		s3cfg.KeyPrefix = v
	}
	return NewS3Store(s3cfg)
}

func (s *S3Store) objectName(key string, sensitive bool) string {
	class := "entries"
	if sensitive {
		class = "sensitive"
	}
	encoded := base64.URLEncoding.EncodeToString([]byte(key))
	if s.keyPrefix != "" {
		return s.keyPrefix + "/" + class + "/" + encoded
	}
	return class + "/" + encoded
}

func (s *S3Store) Store(ctx context.Context, key, value string, sensitive bool) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	// Same key, other classification: remove the stale object so reads do
	// not resurrect an old generation.
	_ = s.client.RemoveObject(ctx, s.bucketName, s.objectName(key, !sensitive), minio.RemoveObjectOptions{})

	reader := bytes.NewReader([]byte(value))
	_, err := s.client.PutObject(ctx, s.bucketName, s.objectName(key, sensitive), reader, int64(reader.Len()),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to store entry %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Retrieve(ctx context.Context, key string, sensitive bool) (string, error) {
	for _, name := range []string{s.objectName(key, sensitive), s.objectName(key, !sensitive)} {
		obj, err := s.client.GetObject(ctx, s.bucketName, name, minio.GetObjectOptions{})
		if err != nil {
			return "", fmt.Errorf("failed to get entry %s: %w", key, err)
		}
		data, err := io.ReadAll(obj)
		obj.Close()
		if err == nil {
			return string(data), nil
		}
		var respErr minio.ErrorResponse
		if errors.As(err, &respErr) && respErr.Code == "NoSuchKey" {
			continue
		}
		return "", fmt.Errorf("failed to read entry %s: %w", key, err)
	}
	return "", ErrNotFound
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	var firstErr error
	for _, sensitive := range []bool{false, true} {
		err := s.client.RemoveObject(ctx, s.bucketName, s.objectName(key, sensitive), minio.RemoveObjectOptions{})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to delete entry %s: %w", key, err)
		}
	}
	return firstErr
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, class := range []string{"entries", "sensitive"} {
		listPrefix := class + "/"
		if s.keyPrefix != "" {
			listPrefix = s.keyPrefix + "/" + listPrefix
		}

		objectCh := s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
			Prefix:    listPrefix,
			Recursive: true,
		})
		for object := range objectCh {
			if object.Err != nil {
				return nil, fmt.Errorf("failed to list entries: %w", object.Err)
			}
			encoded := strings.TrimPrefix(object.Key, listPrefix)
			decoded, err := base64.URLEncoding.DecodeString(encoded)
			if err != nil {
				continue
			}
			key := string(decoded)
			if strings.HasPrefix(key, prefix) {
				seen[key] = struct{}{}
			}
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to reach storage backend: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucketName)
	}
	return nil
}

func (s *S3Store) Close() error {
	return nil
}

func (s *S3Store) GetType() string {
	return string(StoreTypeS3)
}
