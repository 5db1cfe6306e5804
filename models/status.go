package models

import "fmt"

// UploadStatus is the lifecycle state of an upload session.
type UploadStatus string

const (
	StatusInitiated  UploadStatus = "INITIATED"
	StatusUploading  UploadStatus = "UPLOADING"
	StatusCompleting UploadStatus = "COMPLETING"
	StatusCompleted  UploadStatus = "COMPLETED"
	StatusFailed     UploadStatus = "FAILED"
	StatusAborted    UploadStatus = "ABORTED"
	StatusExpired    UploadStatus = "EXPIRED"
)

var transitions = map[UploadStatus][]UploadStatus{
	StatusInitiated:  {StatusUploading, StatusAborted, StatusFailed, StatusExpired},
	StatusUploading:  {StatusCompleting, StatusAborted, StatusFailed, StatusExpired},
	StatusCompleting: {StatusCompleted, StatusFailed, StatusExpired},
}

func (s UploadStatus) String() string {
	return string(s)
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s UploadStatus) CanTransition(next UploadStatus) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

func (s UploadStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted, StatusExpired:
		return true
	}
	return false
}

func ParseUploadStatus(v string) (UploadStatus, error) {
	switch s := UploadStatus(v); s {
	case StatusInitiated, StatusUploading, StatusCompleting,
		StatusCompleted, StatusFailed, StatusAborted, StatusExpired:
		return s, nil
	}
	return "", fmt.Errorf("unknown upload status %q", v)
}
