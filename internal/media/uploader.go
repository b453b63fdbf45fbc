package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"excursion-sync-service/internal/config"
	"excursion-sync-service/internal/logger"
	"excursion-sync-service/internal/store"
)

const uploadBatch = 20

// ObjectPutter is the slice of the S3 client the uploader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader pushes pending media blobs to a bucket and marks them uploaded.
type S3Uploader struct {
	client ObjectPutter
	bucket string
	prefix string
	store  store.Store
	now    func() time.Time
}

func NewS3Uploader(cfg config.MediaConfig, s store.Store) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("media bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return NewUploaderWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix, s), nil
}

func NewUploaderWithClient(client ObjectPutter, bucket, prefix string, s store.Store) *S3Uploader {
	return &S3Uploader{
		client: client,
		bucket: bucket,
		prefix: prefix,
		store:  s,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ObjectKey is where a blob lands in the bucket.
func (u *S3Uploader) ObjectKey(blob *store.MediaBlob) string {
	parts := []string{blob.ID}
	if blob.ExcursionID != "" {
		parts = []string{blob.ExcursionID, blob.ID}
	}
	return u.prefix + strings.Join(parts, "/")
}

// UploadPending uploads every not-yet-uploaded blob, one batch at a time.
// It stops at the first delivery failure; the rest stay pending for the
// next call. Blobs that cannot be decompressed are marked failed and skipped.
func (u *S3Uploader) UploadPending(ctx context.Context) (int, error) {
	uploaded := 0
	for {
		blobs, err := u.store.ListPendingMedia(ctx, uploadBatch)
		if err != nil {
			return uploaded, err
		}
		if len(blobs) == 0 {
			return uploaded, nil
		}
		for _, blob := range blobs {
			data, err := decode(blob)
			if err != nil {
				logger.Log.Error("Skipping corrupt media", zap.String("media", blob.ID), zap.Error(err))
				if err := u.store.MarkMediaFailed(ctx, blob.ID, err.Error()); err != nil {
					return uploaded, fmt.Errorf("mark media %s failed: %w", blob.ID, err)
				}
				continue
			}
			if err := u.upload(ctx, blob, data); err != nil {
				return uploaded, err
			}
			uploaded++
		}
		if len(blobs) < uploadBatch {
			return uploaded, nil
		}
	}
}

func (u *S3Uploader) upload(ctx context.Context, blob *store.MediaBlob, data []byte) error {

	input := &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(u.ObjectKey(blob)),
		Body:   bytes.NewReader(data),
	}
	if blob.ContentType != "" {
		input.ContentType = aws.String(blob.ContentType)
	}
	if _, err := u.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("S3 put object failed: %w", err)
	}

	if err := u.store.MarkMediaUploaded(ctx, blob.ID, u.now()); err != nil {
		return fmt.Errorf("mark media %s uploaded: %w", blob.ID, err)
	}
	logger.Log.Debug("Uploaded media", zap.String("media", blob.ID), zap.Int64("bytes", blob.Size))
	return nil
}
