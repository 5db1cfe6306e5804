package models

import (
	"mime"
	"slices"
	"strings"
	"time"
)

type AssetType string

const (
	AssetTypeVideo    AssetType = "video"
	AssetTypeDocument AssetType = "document"
	AssetTypeImage    AssetType = "image"
	AssetTypeAudio    AssetType = "audio"

	// AssetTypeTotal keys the aggregate quota row of an institution.
	AssetTypeTotal AssetType = "total"
)

var documentTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-powerpoint",
	"application/vnd.ms-excel",
	"application/epub+zip",
	"application/zip",
	"text/plain",
	"text/markdown",
	"text/csv",
}

// AssetTypeForContentType maps a MIME type to the asset type it is stored
// and accounted as.
func AssetTypeForContentType(contentType string) (AssetType, bool) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	switch {
	case strings.HasPrefix(mt, "video/"):
		return AssetTypeVideo, true
	case strings.HasPrefix(mt, "audio/"):
		return AssetTypeAudio, true
	case strings.HasPrefix(mt, "image/"):
		return AssetTypeImage, true
	}
	if slices.Contains(documentTypes, mt) {
		return AssetTypeDocument, true
	}
	return "", false
}

func ParseAssetType(v string) (AssetType, bool) {
	switch t := AssetType(strings.ToLower(v)); t {
	case AssetTypeVideo, AssetTypeDocument, AssetTypeImage, AssetTypeAudio, AssetTypeTotal:
		return t, true
	}
	return "", false
}

type AssetStatus string

const (
	AssetUploading AssetStatus = "UPLOADING"
	AssetCompleted AssetStatus = "COMPLETED"
	AssetFailed    AssetStatus = "FAILED"
)

// Asset is the catalog entry for an uploaded file. The placeholder is
// created when the upload starts and never leaves FAILED.
type Asset struct {
	AssetID        string      `gorm:"type:varchar(36);primaryKey" json:"asset_id"`
	InstitutionID  string      `gorm:"type:varchar(64);not null;index" json:"institution_id"`
	UploaderID     string      `gorm:"type:varchar(64);not null" json:"uploader_id"`
	ObjectKey      string      `gorm:"type:varchar(1024);not null" json:"object_key"`
	Filename       string      `gorm:"type:varchar(255);not null" json:"filename"`
	Title          string      `gorm:"type:varchar(255)" json:"title"`
	Description    string      `gorm:"type:text" json:"description"`
	ContentType    string      `gorm:"type:varchar(255);not null" json:"content_type"`
	AssetType      AssetType   `gorm:"type:varchar(20);not null" json:"asset_type"`
	Size           int64       `gorm:"not null;default:0" json:"size"`
	Status         AssetStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	LastAccessedAt *time.Time  `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (Asset) TableName() string {
	return "assets"
}

// AccessURL is a time-limited download link for a completed asset.
type AccessURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}
