package models

import "time"

// AssetLifecycleEvent is published when an upload reaches a terminal
// status.
type AssetLifecycleEvent struct {
	AssetID       string       `json:"asset_id"`
	InstitutionID string       `json:"institution_id"`
	UploaderID    string       `json:"uploader_id"`
	Status        UploadStatus `json:"status"`
	AssetType     AssetType    `json:"asset_type"`
	ObjectKey     string       `json:"object_key,omitempty"`
	Size          int64        `json:"size"`
	Reason        string       `json:"reason,omitempty"`
	OccurredAt    time.Time    `json:"occurred_at"`
}

// StorageNotification is the subset of an S3 event notification the
// service reads.
type StorageNotification struct {
	Records []StorageNotificationRecord `json:"Records"`
}

type StorageNotificationRecord struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"object"`
	} `json:"s3"`
}
