package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	cerr "github.com/Yulian302/lfusys-services-media/internal/errors"
	"github.com/Yulian302/lfusys-services-media/internal/health"
	logger "github.com/Yulian302/lfusys-services-media/internal/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// MaxPartSize is the S3 upper bound for a single part.
const MaxPartSize int64 = 5 * 1024 * 1024 * 1024

// ObjectStorage is the multipart upload surface of the object store. Every
// failure is a *cerr.StoreError.
type ObjectStorage interface {
	CreateMultipartUpload(ctx context.Context, objectKey, contentType string) (string, error)
	PresignPartURLs(ctx context.Context, objectKey, uploadID string, partNumbers []int32, ttl time.Duration) ([]models.PresignedURL, error)
	PresignPartURL(ctx context.Context, objectKey, uploadID string, partNumber int32, ttl time.Duration) (string, error)
	CompleteMultipartUpload(ctx context.Context, objectKey, uploadID string, parts []models.CompletedPart) error
	AbortMultipartUpload(ctx context.Context, objectKey, uploadID string) error
	PresignGetURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
	DeleteObject(ctx context.Context, objectKey string) error

	health.ReadinessCheck
}

type S3ObjectStorageImpl struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucketName string

	logger logger.Logger
}

func NewS3ObjectStorageImpl(client *s3.Client, bucketName string, l logger.Logger) *S3ObjectStorageImpl {
	return &S3ObjectStorageImpl{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucketName: bucketName,
		logger:     l,
	}
}

func (s *S3ObjectStorageImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucketName)})
	return classifyError("head_bucket", err)
}

func (s *S3ObjectStorageImpl) Name() string {
	return "ObjectStorage[s3]"
}

func (s *S3ObjectStorageImpl) CreateMultipartUpload(ctx context.Context, objectKey, contentType string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(objectKey),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		s.logger.Error("failed to create multipart upload", "object_key", objectKey, "error", err)
		return "", classifyError("create_multipart_upload", err)
	}

	s.logger.Debug("created multipart upload", "object_key", objectKey, "storage_upload_id", aws.ToString(out.UploadId))
	return aws.ToString(out.UploadId), nil
}

// PresignPartURLs signs one PUT URL per part number. Signing is local, so a
// batch costs no round trips.
func (s *S3ObjectStorageImpl) PresignPartURLs(ctx context.Context, objectKey, uploadID string, partNumbers []int32, ttl time.Duration) ([]models.PresignedURL, error) {
	urls := make([]models.PresignedURL, 0, len(partNumbers))
	for _, n := range partNumbers {
		u, err := s.PresignPartURL(ctx, objectKey, uploadID, n, ttl)
		if err != nil {
			return nil, err
		}
		urls = append(urls, models.PresignedURL{PartNumber: n, URL: u})
	}
	return urls, nil
}

func (s *S3ObjectStorageImpl) PresignPartURL(ctx context.Context, objectKey, uploadID string, partNumber int32, ttl time.Duration) (string, error) {
	presigned, err := s.presigner.PresignUploadPart(
		ctx,
		&s3.UploadPartInput{
			Bucket:     aws.String(s.bucketName),
			Key:        aws.String(objectKey),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
		},
		s3.WithPresignExpires(ttl),
	)
	if err != nil {
		return "", classifyError("presign_upload_part", err)
	}
	return presigned.URL, nil
}

// CompleteMultipartUpload requires parts ascending and contiguous from 1.
func (s *S3ObjectStorageImpl) CompleteMultipartUpload(ctx context.Context, objectKey, uploadID string, parts []models.CompletedPart) error {
	if err := ValidatePartList(parts); err != nil {
		return err
	}

	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		}
	}

	s.logger.Info("completing multipart upload", "object_key", objectKey, "parts", len(parts))

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(objectKey),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		s.logger.Error("failed to complete multipart upload", "object_key", objectKey, "storage_upload_id", uploadID, "error", err)
		return classifyError("complete_multipart_upload", err)
	}
	return nil
}

// AbortMultipartUpload reports an unknown upload as a not_found StoreError.
func (s *S3ObjectStorageImpl) AbortMultipartUpload(ctx context.Context, objectKey, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(objectKey),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return classifyError("abort_multipart_upload", err)
	}
	s.logger.Debug("aborted multipart upload", "object_key", objectKey, "storage_upload_id", uploadID)
	return nil
}

func (s *S3ObjectStorageImpl) PresignGetURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error) {
	presigned, err := s.presigner.PresignGetObject(
		ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(s.bucketName),
			Key:    aws.String(objectKey),
		},
		s3.WithPresignExpires(ttl),
	)
	if err != nil {
		return "", classifyError("presign_get_object", err)
	}
	return presigned.URL, nil
}

func (s *S3ObjectStorageImpl) DeleteObject(ctx context.Context, objectKey string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		s.logger.Error("failed to delete object", "object_key", objectKey, "error", err)
		return classifyError("delete_object", err)
	}
	return nil
}

// ValidatePartList checks that parts are numbered 1..n in order with a
// non-empty etag each.
func ValidatePartList(parts []models.CompletedPart) error {
	if len(parts) == 0 {
		return &cerr.StoreError{Op: "complete_multipart_upload", Kind: cerr.StoreConflict, Err: cerr.ErrInvalidPartList}
	}
	for i, p := range parts {
		if p.PartNumber != int32(i+1) || p.ETag == "" {
			return &cerr.StoreError{
				Op:   "complete_multipart_upload",
				Kind: cerr.StoreConflict,
				Err:  fmt.Errorf("%w: position %d holds part %d", cerr.ErrInvalidPartList, i+1, p.PartNumber),
			}
		}
	}
	return nil
}

func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}

	kind := cerr.StoreUnavailable
	var apiErr smithy.APIError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = cerr.StoreTimeout
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "NoSuchUpload", "NoSuchKey", "NotFound", "NoSuchBucket":
			kind = cerr.StoreNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			kind = cerr.StoreAccessDenied
		case "InvalidPart", "InvalidPartOrder", "EntityTooSmall", "PreconditionFailed":
			kind = cerr.StoreConflict
		case "RequestTimeout":
			kind = cerr.StoreTimeout
		}
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = cerr.StoreTimeout
	}
	return &cerr.StoreError{Op: op, Kind: kind, Err: err}
}
