package models

import "time"

type InitiateUploadRequest struct {
	InstitutionID string `json:"institution_id" binding:"required"`
	UploaderID    string `json:"uploader_id" binding:"required"`
	Filename      string `json:"filename" binding:"required"`
	ContentType   string `json:"content_type" binding:"required"`
	DeclaredSize  int64  `json:"declared_size"`
	ChunkSize     int64  `json:"chunk_size"`
}

type InitiateUploadResponse struct {
	AssetID         string         `json:"asset_id"`
	StorageUploadID string         `json:"storage_upload_id"`
	TotalParts      int32          `json:"total_parts"`
	PresignedURLs   []PresignedURL `json:"presigned_urls"`
	ExpiresAt       time.Time      `json:"expires_at"`
}

type NotifyPartRequest struct {
	PartNumber int32  `json:"part_number"`
	ETag       string `json:"etag" binding:"required"`
}

type PartProgressResponse struct {
	CompletedCount     int32   `json:"completed_count"`
	TotalParts         int32   `json:"total_parts"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

type UploadStatusResponse struct {
	AssetID            string       `json:"asset_id"`
	InstitutionID      string       `json:"institution_id,omitempty"`
	Filename           string       `json:"filename,omitempty"`
	Status             UploadStatus `json:"status"`
	TotalParts         int32        `json:"total_parts"`
	CompletedCount     int32        `json:"completed_count"`
	ProgressPercentage float64      `json:"progress_percentage"`
	ExpiresAt          time.Time    `json:"expires_at"`
}

type ResumeUploadResponse struct {
	AssetID       string         `json:"asset_id"`
	TotalParts    int32          `json:"total_parts"`
	PresignedURLs []PresignedURL `json:"presigned_urls"`
}

type UpdateAssetRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

type SetQuotaRequest struct {
	TotalBytes int64      `json:"total_bytes"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

// StatusFromSession projects a session for status responses.
func StatusFromSession(s *UploadSession) UploadStatusResponse {
	return UploadStatusResponse{
		AssetID:            s.AssetID,
		InstitutionID:      s.InstitutionID,
		Filename:           s.Filename,
		Status:             s.Status,
		TotalParts:         s.TotalParts,
		CompletedCount:     s.CompletedCount(),
		ProgressPercentage: s.Progress(),
		ExpiresAt:          s.ExpiresAt,
	}
}
