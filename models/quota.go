package models

import "time"

// QuotaRecord holds the byte counters of one (institution, asset type)
// grant. usedBytes + reservedBytes never exceeds totalBytes after a
// successful reservation.
type QuotaRecord struct {
	InstitutionID string     `gorm:"type:varchar(64);primaryKey" json:"institution_id"`
	AssetType     AssetType  `gorm:"type:varchar(20);primaryKey" json:"asset_type"`
	TotalBytes    int64      `gorm:"not null;default:0" json:"total_bytes"`
	UsedBytes     int64      `gorm:"not null;default:0" json:"used_bytes"`
	ReservedBytes int64      `gorm:"not null;default:0" json:"reserved_bytes"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (QuotaRecord) TableName() string {
	return "quota_records"
}

func (q QuotaRecord) Available() int64 {
	return q.TotalBytes - q.UsedBytes - q.ReservedBytes
}

// Active reports whether the grant may back new reservations at now.
func (q QuotaRecord) Active(now time.Time) bool {
	return q.ExpiresAt == nil || q.ExpiresAt.After(now)
}
