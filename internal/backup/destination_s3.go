package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/backapp/backapp/internal/models"
)

// S3Destination stores backups in AWS S3 or S3-compatible storage
type S3Destination struct {
	bucket   string
	prefix   string
	s3Client *s3.S3
	uploader *s3manager.Uploader
}

// NewS3Destination creates a new S3 destination
func NewS3Destination(loc models.StorageLocation, opts DestinationOptions) (*S3Destination, error) {
	if loc.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", ErrStorageUnreachable)
	}
	region := loc.Region
	if region == "" {
		region = "us-east-1"
	}

	awsConfig := &aws.Config{
		Region: aws.String(region),
	}
	if loc.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(loc.AccessKey, loc.SecretKey, "")
	}

	// Custom endpoint for S3-compatible storage (MinIO, DigitalOcean Spaces, etc.)
	if loc.Endpoint != "" {
		awsConfig.Endpoint = aws.String(loc.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create AWS session: %v", ErrStorageUnreachable, err)
	}

	log.Printf("[S3Dest] Initialized S3 destination: bucket=%s, region=%s", loc.Bucket, region)

	return &S3Destination{
		bucket:   loc.Bucket,
		prefix:   strings.Trim(loc.BasePath, "/"),
		s3Client: s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}, nil
}

func (sd *S3Destination) key(name string) (string, error) {
	cleaned, err := cleanName(name)
	if err != nil {
		return "", err
	}
	if sd.prefix == "" {
		return cleaned, nil
	}
	return path.Join(sd.prefix, cleaned), nil
}

// Upload streams the artifact through the multipart uploader
func (sd *S3Destination) Upload(ctx context.Context, name string, reader io.Reader, sizeBytes int64) error {
	key, err := sd.key(name)
	if err != nil {
		return err
	}

	_, err = sd.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:       aws.String(sd.bucket),
		Key:          aws.String(key),
		Body:         reader,
		StorageClass: aws.String("STANDARD"),
	})
	if err != nil {
		return classifyS3Err(err, ErrTransferFailed)
	}
	return nil
}

// Download downloads a backup file from S3
func (sd *S3Destination) Download(ctx context.Context, name string, writer io.Writer) error {
	key, err := sd.key(name)
	if err != nil {
		return err
	}

	result, err := sd.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(sd.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return fmt.Errorf("%s: %w", name, ErrObjectNotFound)
		}
		return classifyS3Err(err, ErrTransferFailed)
	}
	defer result.Body.Close()

	if _, err := io.Copy(writer, result.Body); err != nil {
		return fmt.Errorf("failed to read S3 object: %w", err)
	}
	return nil
}

// Delete removes a backup file from S3. Deleting a missing key succeeds
// on S3, so existence is checked first.
func (sd *S3Destination) Delete(ctx context.Context, name string) error {
	if _, err := sd.Stat(ctx, name); err != nil {
		return err
	}
	key, err := sd.key(name)
	if err != nil {
		return err
	}

	_, err = sd.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(sd.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// Stat returns an object's size
func (sd *S3Destination) Stat(ctx context.Context, name string) (int64, error) {
	key, err := sd.key(name)
	if err != nil {
		return 0, err
	}
	head, err := sd.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(sd.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return 0, fmt.Errorf("%s: %w", name, ErrObjectNotFound)
		}
		return 0, classifyS3Err(err, ErrStorageUnreachable)
	}
	return aws.Int64Value(head.ContentLength), nil
}

// Usage is not reported by S3
func (sd *S3Destination) Usage(ctx context.Context) (*Capacity, error) {
	return nil, ErrUsageUnsupported
}

// GetType returns the destination type
func (sd *S3Destination) GetType() string {
	return "s3"
}

func (sd *S3Destination) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

func classifyS3Err(err error, fallback error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchBucket, "RequestError", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied":
			return fmt.Errorf("%w: %v", ErrStorageUnreachable, err)
		case "EntityTooLarge", "QuotaExceeded":
			return fmt.Errorf("%w: %v", ErrInsufficientSpace, err)
		}
	}
	return fmt.Errorf("%w: %v", fallback, err)
}
