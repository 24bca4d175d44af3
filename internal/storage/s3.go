package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const defaultGraphPrefix = "graphs"

// NewS3Client builds a path-style client from AWS_REGION, AWS_ENDPOINT,
// AWS_ACCESS_KEY and AWS_SECRET_KEY.
func NewS3Client(ctx context.Context) (*s3.Client, error) {
	region := util.GetEnv("AWS_REGION")
	endpoint := util.GetEnv("AWS_ENDPOINT")
	accessKey := util.GetEnv("AWS_ACCESS_KEY")
	secretKey := util.GetEnv("AWS_SECRET_KEY")

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	}), nil
}

// ObjectAPI is the subset of *s3.Client used by S3GraphStore.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3GraphStore keeps one JSON object per knowledge base at
// <prefix>/<user_id>/<kb_name>.json. A PutObject replaces the previous
// version in one step, so readers never see a partial graph.
type S3GraphStore struct {
	client ObjectAPI
	bucket string
	prefix string
}

// NewS3GraphStore returns a store for bucket. An empty prefix means
// "graphs".
func NewS3GraphStore(client ObjectAPI, bucket, prefix string) *S3GraphStore {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = defaultGraphPrefix
	}
	return &S3GraphStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3GraphStore) key(ref store.KBRef) string {
	return path.Join(s.prefix, ref.UserID, ref.KBName+".json")
}

func (s *S3GraphStore) Load(ctx context.Context, ref store.KBRef) (*graph.Graph, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if isNotFound(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get graph %s from S3: %w", ref, err)
	}
	defer result.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, result.Body); err != nil {
		return nil, fmt.Errorf("failed to read graph %s: %w", ref, err)
	}
	return graph.Unmarshal(buf.Bytes())
}

func (s *S3GraphStore) Save(ctx context.Context, ref store.KBRef, g *graph.Graph) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	data, err := graph.Marshal(g)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(ref)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload graph %s to S3: %w", ref, err)
	}
	return nil
}

func (s *S3GraphStore) Delete(ctx context.Context, ref store.KBRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete graph %s from S3: %w", ref, err)
	}
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}
