package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	cerr "github.com/Yulian302/lfusys-services-media/internal/errors"
	logger "github.com/Yulian302/lfusys-services-media/internal/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// offlineStorage signs against an endpoint nothing listens on; presigning
// never leaves the process.
func offlineStorage() *S3ObjectStorageImpl {
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", ""),
		BaseEndpoint: aws.String("http://127.0.0.1:1"),
		UsePathStyle: true,
	})
	return NewS3ObjectStorageImpl(client, "media", logger.NewNopLogger())
}

func TestPresignPartURLs(t *testing.T) {
	st := offlineStorage()

	urls, err := st.PresignPartURLs(context.Background(), "assets/i/a/clip.mp4", "up-1", []int32{2, 4, 5}, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, urls, 3)

	for i, want := range []int32{2, 4, 5} {
		assert.Equal(t, want, urls[i].PartNumber)

		u, err := url.Parse(urls[i].URL)
		require.NoError(t, err)
		q := u.Query()
		assert.Equal(t, fmt.Sprint(want), q.Get("partNumber"))
		assert.Equal(t, "up-1", q.Get("uploadId"))
		assert.Equal(t, "900", q.Get("X-Amz-Expires"))
		assert.Equal(t, "/media/assets/i/a/clip.mp4", u.Path)
	}
}

func TestPresignGetURL(t *testing.T) {
	u, err := offlineStorage().PresignGetURL(context.Background(), "assets/i/a/doc.pdf", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, u, "X-Amz-Expires=3600")
}

func TestCompleteRejectsInvalidPartListLocally(t *testing.T) {
	st := offlineStorage()
	cases := map[string][]models.CompletedPart{
		"empty":      nil,
		"gap":        {{PartNumber: 1, ETag: "a"}, {PartNumber: 3, ETag: "c"}},
		"unordered":  {{PartNumber: 2, ETag: "b"}, {PartNumber: 1, ETag: "a"}},
		"not from 1": {{PartNumber: 2, ETag: "b"}},
		"no etag":    {{PartNumber: 1}},
	}
	for name, parts := range cases {
		t.Run(name, func(t *testing.T) {
			err := st.CompleteMultipartUpload(context.Background(), "k", "u", parts)
			assert.ErrorIs(t, err, cerr.ErrInvalidPartList)
			assert.True(t, cerr.IsStoreKind(err, cerr.StoreConflict))
		})
	}

	assert.NoError(t, ValidatePartList([]models.CompletedPart{{PartNumber: 1, ETag: "a"}, {PartNumber: 2, ETag: "b"}}))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		kind cerr.StoreErrorKind
	}{
		{&smithy.GenericAPIError{Code: "NoSuchUpload"}, cerr.StoreNotFound},
		{&smithy.GenericAPIError{Code: "NotFound"}, cerr.StoreNotFound},
		{&smithy.GenericAPIError{Code: "AccessDenied"}, cerr.StoreAccessDenied},
		{&smithy.GenericAPIError{Code: "InvalidPart"}, cerr.StoreConflict},
		{&smithy.GenericAPIError{Code: "EntityTooSmall"}, cerr.StoreConflict},
		{&smithy.GenericAPIError{Code: "SlowDown"}, cerr.StoreUnavailable},
		{fmt.Errorf("send: %w", context.DeadlineExceeded), cerr.StoreTimeout},
		{timeoutErr{}, cerr.StoreTimeout},
		{errors.New("connection reset"), cerr.StoreUnavailable},
	}
	for _, tc := range cases {
		err := classifyError("op", tc.err)
		var se *cerr.StoreError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, tc.kind, se.Kind, tc.err.Error())
		assert.Equal(t, "op", se.Op)
		assert.ErrorIs(t, err, tc.err)
	}

	assert.NoError(t, classifyError("op", nil))
}
