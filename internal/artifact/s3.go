package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"pipewarden/pkg/utils"
)

// s3API is the subset of the S3 client used by S3Store.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config configures the S3 backend. Endpoint is set for S3-compatible
// services such as MinIO and implies path-style addressing.
type S3Config struct {
	Bucket   string `koanf:"bucket"`
	Region   string `koanf:"region"`
	Prefix   string `koanf:"prefix"`
	Endpoint string `koanf:"endpoint"`
}

// S3Store implements Store using an S3-compatible backend. Objects are
// stored under {prefix}/artifacts/{runKey}/{key}.
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Store creates an S3Store with credentials from the default AWS chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("artifact: s3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("artifact: load AWS config: %w", err)
	}
	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		ep := cfg.Endpoint
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = &ep
			o.UsePathStyle = true
		})
	}
	return newS3Store(s3.NewFromConfig(awsCfg, opts...), cfg.Bucket, cfg.Prefix), nil
}

func newS3Store(client s3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) objectKey(runKey, key string) string {
	return path.Join(s.prefix, "artifacts", runKey, path.Base(key))
}

// Put uploads an artifact. The content is buffered to compute its checksum,
// which is stored as object metadata.
func (s *S3Store) Put(ctx context.Context, runKey, key string, reader io.Reader) (Artifact, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to read artifact data: %w", err)
	}
	checksum := utils.HashBytes(data)
	now := time.Now().UTC()
	objectKey := s.objectKey(runKey, key)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			"checksum":   checksum,
			"size":       strconv.Itoa(len(data)),
			"created-at": now.Format(time.RFC3339),
		},
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to put artifact to S3: %w", err)
	}
	return Artifact{
		Key:       path.Base(key),
		URI:       fmt.Sprintf("s3://%s/%s", s.bucket, objectKey),
		Size:      int64(len(data)),
		CreatedAt: now,
		Checksum:  checksum,
	}, nil
}

// Get retrieves an artifact from S3.
func (s *S3Store) Get(ctx context.Context, runKey, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(runKey, key)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact from S3: %w", err)
	}
	return out.Body, nil
}

// List returns the artifacts stored for a run. Checksums are not listed; use
// the references recorded in the run report for those.
func (s *S3Store) List(ctx context.Context, runKey string) ([]Artifact, error) {
	prefix := path.Join(s.prefix, "artifacts", runKey) + "/"
	var out []Artifact
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list artifacts from S3: %w", err)
		}
		for _, obj := range page.Contents {
			a := Artifact{
				Key: path.Base(aws.ToString(obj.Key)),
				URI: fmt.Sprintf("s3://%s/%s", s.bucket, aws.ToString(obj.Key)),
			}
			if obj.Size != nil {
				a.Size = *obj.Size
			}
			if obj.LastModified != nil {
				a.CreatedAt = *obj.LastModified
			}
			out = append(out, a)
		}
		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
