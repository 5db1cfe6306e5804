package models

import (
	"math"
	"sort"
	"strconv"
	"time"
)

// MaxParts is the S3 limit on parts per multipart upload.
const MaxParts = 10000

// UploadSession tracks one multipart upload from initiation to a terminal
// status. Parts maps the decimal part number to the etag reported for it.
type UploadSession struct {
	AssetID         string            `dynamodbav:"asset_id"`
	InstitutionID   string            `dynamodbav:"institution_id"`
	UploaderID      string            `dynamodbav:"uploader_id"`
	StorageUploadID string            `dynamodbav:"storage_upload_id"`
	ObjectKey       string            `dynamodbav:"object_key"`
	Filename        string            `dynamodbav:"filename"`
	ContentType     string            `dynamodbav:"content_type"`
	AssetType       AssetType         `dynamodbav:"asset_type"`
	DeclaredSize    int64             `dynamodbav:"declared_size"`
	ChunkSize       int64             `dynamodbav:"chunk_size"`
	TotalParts      int32             `dynamodbav:"total_parts"`
	Parts           map[string]string `dynamodbav:"parts"`
	Status          UploadStatus      `dynamodbav:"status"`
	FailureReason   string            `dynamodbav:"failure_reason,omitempty"`
	StorageReleased bool              `dynamodbav:"storage_released"`
	InitiatedAt     time.Time         `dynamodbav:"initiated_at"`
	LastUpdatedAt   time.Time         `dynamodbav:"last_updated_at"`
	ExpiresAt       time.Time         `dynamodbav:"expires_at,unixtime"`
}

// TotalPartsFor returns ceil(size / chunkSize).
func TotalPartsFor(size, chunkSize int64) int64 {
	if chunkSize <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

func PartKey(partNumber int32) string {
	return strconv.FormatInt(int64(partNumber), 10)
}

func (s *UploadSession) CompletedCount() int32 {
	return int32(len(s.Parts))
}

// CompletedParts returns the recorded parts in ascending part order.
func (s *UploadSession) CompletedParts() []CompletedPart {
	out := make([]CompletedPart, 0, len(s.Parts))
	for k, etag := range s.Parts {
		n, err := strconv.ParseInt(k, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, CompletedPart{PartNumber: int32(n), ETag: etag})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out
}

// MissingParts lists [1, TotalParts] minus the recorded parts, ascending.
func (s *UploadSession) MissingParts() []int32 {
	missing := make([]int32, 0, max(0, int(s.TotalParts)-len(s.Parts)))
	for n := int32(1); n <= s.TotalParts; n++ {
		if _, ok := s.Parts[PartKey(n)]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

// Progress is the completed share of parts as a percentage with two
// decimals.
func (s *UploadSession) Progress() float64 {
	if s.TotalParts <= 0 {
		return 0
	}
	p := float64(len(s.Parts)) / float64(s.TotalParts) * 100
	return math.Min(100, math.Round(p*100)/100)
}

func (s *UploadSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// PartSize returns the byte length of partNumber; only the last part may be
// shorter than ChunkSize.
func (s *UploadSession) PartSize(partNumber int32) int64 {
	if partNumber < s.TotalParts {
		return s.ChunkSize
	}
	return s.DeclaredSize - int64(s.TotalParts-1)*s.ChunkSize
}

type CompletedPart struct {
	PartNumber int32  `json:"part_number"`
	ETag       string `json:"etag"`
}

type PresignedURL struct {
	PartNumber int32  `json:"part_number"`
	URL        string `json:"url"`
}
