package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bleepstore/resourcestore/internal/config"
	storeerr "github.com/bleepstore/resourcestore/internal/errors"
	"github.com/bleepstore/resourcestore/internal/keypath"
)

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// AWSBackend implements Backend on Amazon S3 (or any S3-compatible
// endpoint). Buckets are real S3 buckets; every key is stored as
// Prefix + key.
//
// Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.) unless static keys are
// configured.
type AWSBackend struct {
	// Region is used for bucket creation.
	Region string
	// Prefix is prepended to every key.
	Prefix string
	client S3API
}

// NewAWSBackend creates an AWSBackend from cfg and verifies that the service
// answers.
func NewAWSBackend(ctx context.Context, cfg config.AWSConfig) (*AWSBackend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))

	// Use static credentials if provided, otherwise fall back to default chain.
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	b := NewAWSBackendWithClient(cfg.Region, cfg.Prefix, s3.NewFromConfig(awsCfg, s3Opts...))
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot reach S3: %w", err)
	}

	slog.Info("AWS backend initialized", "region", cfg.Region, "prefix", cfg.Prefix, "endpoint", cfg.EndpointURL)
	return b, nil
}

// NewAWSBackendWithClient creates an AWSBackend with a pre-configured S3
// client. This is primarily used for testing with mock clients.
func NewAWSBackendWithClient(region, prefix string, client S3API) *AWSBackend {
	return &AWSBackend{
		Region: region,
		Prefix: prefix,
		client: client,
	}
}

// s3Key maps a key to its upstream S3 key.
func (b *AWSBackend) s3Key(key string) string {
	return b.Prefix + key
}

// CreateBucket creates an S3 bucket. A bucket we already own is success.
func (b *AWSBackend) CreateBucket(ctx context.Context, bucket string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if b.Region != "" && b.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.Region),
		}
	}
	_, err := b.client.CreateBucket(ctx, input)
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) || awsErrorCode(err) == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return storeerr.StorageFault(err, "creating S3 bucket %q", bucket)
	}
	return nil
}

// PutObject uploads body to S3. The SDK needs a seekable body to sign the
// request, so the payload is buffered.
func (b *AWSBackend) PutObject(ctx context.Context, bucket, key string, body io.ReadCloser, opts PutOptions) (*PutResult, error) {
	if body == nil {
		return nil, storeerr.StorageFault(nil, "no input given for object %s/%s", bucket, key)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, storeerr.StorageFault(err, "reading object data for %s/%s", bucket, key)
	}
	if err := b.upload(ctx, bucket, key, data, opts.Checksum); err != nil {
		return nil, err
	}
	return &PutResult{Size: int64(len(data)), Checksum: opts.Checksum}, nil
}

func (b *AWSBackend) upload(ctx context.Context, bucket, key string, data []byte, checksum string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(b.s3Key(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if checksum != "" {
		raw, err := hex.DecodeString(checksum)
		if err != nil {
			return storeerr.StorageFault(err, "invalid checksum %q for %s/%s", checksum, bucket, key)
		}
		input.ContentMD5 = aws.String(base64.StdEncoding.EncodeToString(raw))
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return storeerr.StorageFault(err, "uploading %s/%s to S3", bucket, key)
	}
	return nil
}

// GetObject retrieves an object. The caller is responsible for closing the
// returned ReadCloser.
func (b *AWSBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(b.s3Key(key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, 0, storeerr.NotFound(bucket, key)
		}
		return nil, 0, storeerr.StorageFault(err, "getting %s/%s from S3", bucket, key)
	}
	return resp.Body, aws.ToInt64(resp.ContentLength), nil
}

// ListObjects pages through ListObjectsV2. A missing bucket lists as empty.
func (b *AWSBackend) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	objects := []ObjectInfo{}
	err := b.eachObject(ctx, bucket, prefix, func(page []types.Object) error {
		for _, obj := range page {
			objects = append(objects, ObjectInfo{
				Key:          strings.TrimPrefix(aws.ToString(obj.Key), b.Prefix),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		return nil
	})
	if err != nil {
		if isAWSNotFound(err) {
			return []ObjectInfo{}, nil
		}
		return nil, storeerr.StorageFault(err, "listing %s/%s in S3", bucket, prefix)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// eachObject calls fn with every page of objects under prefix.
func (b *AWSBackend) eachObject(ctx context.Context, bucket, prefix string, fn func([]types.Object) error) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(b.s3Key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		if err := fn(page.Contents); err != nil {
			return err
		}
	}
	return nil
}

// CopyObject uses S3 server-side copy.
func (b *AWSBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*CopyResult, error) {
	resp, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(b.s3Key(dstKey)),
		CopySource: aws.String(copySource(srcBucket, b.s3Key(srcKey))),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, storeerr.NotFound(srcBucket, srcKey)
		}
		return nil, storeerr.StorageFault(err, "copying %s/%s to %s/%s in S3", srcBucket, srcKey, dstBucket, dstKey)
	}
	res := &CopyResult{}
	if resp.CopyObjectResult != nil {
		res.LastModified = aws.ToTime(resp.CopyObjectResult.LastModified)
	}
	return res, nil
}

// copySource builds the URL-encoded "bucket/key" value CopyObject expects.
func copySource(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segs, "/")
}

// DeleteObject removes an object, or the folder below key + "/". S3 itself
// does not fail on missing keys, so existence is probed first.
func (b *AWSBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	exists, err := b.ObjectExists(ctx, bucket, key)
	if err != nil {
		return err
	}
	if exists {
		if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(b.s3Key(key)),
		}); err != nil {
			return storeerr.StorageFault(err, "deleting %s/%s from S3", bucket, key)
		}
		return nil
	}

	n, err := b.DeleteSubtree(ctx, bucket, key)
	if err != nil {
		return err
	}
	if n == 0 {
		return storeerr.StorageFault(nil, "attempted to delete entity that does not exist: %s/%s", bucket, key)
	}
	slog.Warn("Deleted folder recursively", "bucket", bucket, "key", key, "objects", n)
	return nil
}

// DeleteSubtree batch-deletes every object below the folder prefix, one
// listing page per DeleteObjects call.
func (b *AWSBackend) DeleteSubtree(ctx context.Context, bucket, prefix string) (int, error) {
	deleted := 0
	err := b.eachObject(ctx, bucket, keypath.NormalizePrefix(prefix), func(page []types.Object) error {
		if len(page) == 0 {
			return nil
		}
		ids := make([]types.ObjectIdentifier, 0, len(page))
		for _, obj := range page {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		resp, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{
				Objects: ids,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Errors) > 0 {
			first := resp.Errors[0]
			return fmt.Errorf("%d objects not deleted, first %s: %s", len(resp.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
		}
		deleted += len(ids)
		return nil
	})
	if err != nil {
		if isAWSNotFound(err) {
			return deleted, nil
		}
		return deleted, storeerr.StorageFault(err, "deleting %s/%s from S3", bucket, prefix)
	}
	return deleted, nil
}

// ObjectExists checks whether an object exists.
func (b *AWSBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(b.s3Key(key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, storeerr.StorageFault(err, "checking object existence %s/%s in S3", bucket, key)
	}
	return true, nil
}

// NewWriter buffers the payload and uploads it on Close.
func (b *AWSBackend) NewWriter(ctx context.Context, bucket, key string) (io.WriteCloser, error) {
	return newBufferedWriter(func(data []byte) error {
		return b.upload(ctx, bucket, key, data, "")
	}), nil
}

// HealthCheck verifies that S3 answers with the configured credentials.
func (b *AWSBackend) HealthCheck(ctx context.Context) error {
	if _, err := b.client.ListBuckets(ctx, &s3.ListBucketsInput{}); err != nil {
		return storeerr.StorageFault(err, "listing S3 buckets")
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (b *AWSBackend) Close() error {
	return nil
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	switch awsErrorCode(err) {
	case "NoSuchKey", "NotFound", "404", "NoSuchBucket":
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	// Check HTTP status code via ResponseError.
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

var _ Backend = (*AWSBackend)(nil)
