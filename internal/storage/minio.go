// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"github.com/lancedb/lancego/pkg/contracts"
)

const defaultS3Endpoint = "s3.amazonaws.com"

// MinioStore implements ObjectStore on S3-compatible object storage.
//
// S3 offers no create-if-absent primitive through this client, so
// PutIfAbsent is serialized within the process by a mutex around a stat and
// a put. Writers in different processes must coordinate externally.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	prefix  string
	putOpts minio.PutObjectOptions

	commitMu sync.Mutex
}

var _ ObjectStore = (*MinioStore)(nil)

// NewMinioStore connects to bucket and scopes the store to prefix
func NewMinioStore(ctx context.Context, bucket, prefix string, config *contracts.S3Config) (*MinioStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 URI is missing a bucket name")
	}
	if config == nil {
		config = &contracts.S3Config{}
	}

	endpoint := defaultS3Endpoint
	secure := true
	if config.Endpoint != nil && *config.Endpoint != "" {
		endpoint = *config.Endpoint
		switch {
		case strings.HasPrefix(endpoint, "http://"):
			secure = false
			endpoint = strings.TrimPrefix(endpoint, "http://")
		case strings.HasPrefix(endpoint, "https://"):
			endpoint = strings.TrimPrefix(endpoint, "https://")
		}
	}
	if config.UseSSL != nil {
		secure = *config.UseSSL
	}

	opts := &minio.Options{
		Creds:  s3Credentials(config),
		Secure: secure,
	}
	if config.Region != nil {
		opts.Region = *config.Region
	}
	if config.ForcePathStyle != nil && *config.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}

	putOpts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if config.StorageClass != nil {
		putOpts.StorageClass = *config.StorageClass
	}
	if config.ServerSideEncrypt != nil {
		switch *config.ServerSideEncrypt {
		case "AES256":
			putOpts.ServerSideEncryption = encrypt.NewSSE()
		case "aws:kms":
			keyID := ""
			if config.SSEKMSKeyID != nil {
				keyID = *config.SSEKMSKeyID
			}
			sse, err := encrypt.NewSSEKMS(keyID, nil)
			if err != nil {
				return nil, fmt.Errorf("failed to configure kms encryption: %w", err)
			}
			putOpts.ServerSideEncryption = sse
		default:
			return nil, fmt.Errorf("unsupported server side encryption %q", *config.ServerSideEncrypt)
		}
	}

	return &MinioStore{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		putOpts: putOpts,
	}, nil
}

func s3Credentials(config *contracts.S3Config) *credentials.Credentials {
	if config.AnonymousAccess != nil && *config.AnonymousAccess {
		return credentials.NewStaticV4("", "", "")
	}
	if config.AccessKeyID != nil && config.SecretAccessKey != nil {
		token := ""
		if config.SessionToken != nil {
			token = *config.SessionToken
		}
		return credentials.NewStaticV4(*config.AccessKeyID, *config.SecretAccessKey, token)
	}
	if config.Profile != nil {
		return credentials.NewFileAWSCredentials("", *config.Profile)
	}
	return credentials.NewEnvAWS()
}

func (s *MinioStore) key(name string) string {
	return path.Join(s.prefix, name)
}

func isMinioNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (s *MinioStore) URI() string {
	return "s3://" + path.Join(s.bucket, s.prefix)
}

func (s *MinioStore) Get(ctx context.Context, name string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isMinioNotFound(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

func (s *MinioStore) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), bytes.NewReader(data), int64(len(data)), s.putOpts)
	return err
}

func (s *MinioStore) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	exists, err := s.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s: %w", name, ErrExists)
	}
	return s.Put(ctx, name, data)
}

func (s *MinioStore) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return err
	}
	return nil
}

func (s *MinioStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(name), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isMinioNotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *MinioStore) List(ctx context.Context, dir string) ([]ObjectInfo, error) {
	listPrefix := s.prefix
	if d := strings.Trim(dir, "/"); d != "" {
		listPrefix = s.key(d)
	}
	if listPrefix != "" {
		listPrefix += "/"
	}

	var out []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    listPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := trimDir(obj.Key, s.prefix)
		if name == "" {
			continue
		}
		out = append(out, ObjectInfo{Path: name, Size: obj.Size, LastModified: obj.LastModified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MinioStore) DeletePrefix(ctx context.Context, dir string) error {
	infos, err := s.List(ctx, dir)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := s.Delete(ctx, info.Path); err != nil {
			return err
		}
	}
	return nil
}
