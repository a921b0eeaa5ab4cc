package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/sdko-org/wms-filters/internal/cacheproxy"
	"github.com/sdko-org/wms-filters/internal/config"
)

// maximum number of keys accepted by one DeleteObjects call
const s3DeleteBatch = 1000

// S3Store keeps entries as objects under
// <prefix><kind>/<sha256(resource)>/<sha256(sub-key)>, so all entries of a
// resource and kind share one listable prefix.
type S3Store struct {
	client s3iface.S3API
	bucket string
	prefix string
}

func NewS3Store(cfg *config.Config) (*S3Store, error) {
	awsConfig := &aws.Config{
		Region:           aws.String(cfg.S3Region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.S3AccessKey, cfg.S3SecretKey, "")
	}
	if cfg.S3Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.S3Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 session: %w", err)
	}
	return NewS3StoreWithClient(s3.New(sess), cfg.S3Bucket, cfg.S3Prefix), nil
}

func NewS3StoreWithClient(client s3iface.S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (s *S3Store) groupPrefix(resource string, kind cacheproxy.Kind) string {
	return s.prefix + kind.String() + "/" + digest(resource) + "/"
}

func (s *S3Store) objectKey(key cacheproxy.Key) string {
	return s.groupPrefix(key.Resource, key.Kind) + digest(key.SubKey)
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

func (s *S3Store) Get(ctx context.Context, key cacheproxy.Key) ([]byte, bool, error) {
	resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if isNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("s3 read %s: %w", key, err)
	}
	return content, true, nil
}

func (s *S3Store) Set(ctx context.Context, key cacheproxy.Key, value []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]*string{
			"Resource": aws.String(key.Resource),
			"Kind":     aws.String(key.Kind.String()),
		},
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key cacheproxy.Key) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) DeleteAll(ctx context.Context, resource string, kind cacheproxy.Kind) error {
	keys, err := s.list(ctx, s.groupPrefix(resource, kind), func(*s3.Object) bool { return true })
	if err != nil {
		return fmt.Errorf("s3 list %s of %s: %w", kind, resource, err)
	}
	return s.deleteKeys(ctx, keys)
}

func (s *S3Store) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	keys, err := s.list(ctx, s.prefix, func(o *s3.Object) bool {
		return aws.TimeValue(o.LastModified).Before(before)
	})
	if err != nil {
		return 0, fmt.Errorf("s3 list for purge: %w", err)
	}
	if err := s.deleteKeys(ctx, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *S3Store) list(ctx context.Context, prefix string, match func(*s3.Object) bool) ([]string, error) {
	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, o := range page.Contents {
			if match(o) {
				keys = append(keys, aws.StringValue(o.Key))
			}
		}
		return true
	})
	return keys, err
}

// ErrPartialDelete is returned when S3 refused to delete some of the objects
// of a batch.
var ErrPartialDelete = errors.New("s3 delete objects: not all objects were deleted")

// deleteKeys deletes every batch, even after a batch reported failed keys.
func (s *S3Store) deleteKeys(ctx context.Context, keys []string) error {
	var failed []string
	for start := 0; start < len(keys); start += s3DeleteBatch {
		end := start + s3DeleteBatch
		if end > len(keys) {
			end = len(keys)
		}

		objects := make([]*s3.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(k)})
		}

		out, err := s.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("s3 delete objects: %w", err)
		}
		for _, e := range out.Errors {
			failed = append(failed, fmt.Sprintf("%s (%s)", aws.StringValue(e.Key), aws.StringValue(e.Code)))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", ErrPartialDelete, strings.Join(failed, ", "))
	}
	return nil
}
