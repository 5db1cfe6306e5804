package store

import (
	"context"
	"fmt"
	"time"

	cerr "github.com/Yulian302/lfusys-services-media/internal/errors"
	"github.com/Yulian302/lfusys-services-media/internal/health"
	"github.com/Yulian302/lfusys-services-media/internal/retries"
	"github.com/Yulian302/lfusys-services-media/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QuotaLedger owns the per-institution byte counters. Every operation
// touches the asset type row and the institution total row together.
type QuotaLedger interface {
	Reserve(ctx context.Context, institutionID string, assetType models.AssetType, bytes int64) error
	Commit(ctx context.Context, institutionID string, assetType models.AssetType, bytes int64) error
	Release(ctx context.Context, institutionID string, assetType models.AssetType, bytes int64) error
	Usage(ctx context.Context, institutionID string) ([]models.QuotaRecord, error)
	SetLimit(ctx context.Context, institutionID string, assetType models.AssetType, totalBytes int64, expiresAt *time.Time) (*models.QuotaRecord, error)

	health.ReadinessCheck
}

type GormQuotaLedger struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormQuotaLedger(db *gorm.DB) *GormQuotaLedger {
	return &GormQuotaLedger{db: db, now: time.Now}
}

func (l *GormQuotaLedger) IsReady(ctx context.Context) error {
	return pingSQL(ctx, l.db)
}

func (l *GormQuotaLedger) Name() string {
	return "QuotaLedger[sql]"
}

// Reserve adds bytes to reserved on both rows when each still has room.
// Rows are always updated type first, total second.
func (l *GormQuotaLedger) Reserve(ctx context.Context, institutionID string, assetType models.AssetType, bytes int64) error {
	now := l.now().UTC()

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range []models.AssetType{assetType, models.AssetTypeTotal} {
			res := tx.Model(&models.QuotaRecord{}).
				Where("institution_id = ? AND asset_type = ?", institutionID, t).
				Where("used_bytes + reserved_bytes + ? <= total_bytes", bytes).
				Where("(expires_at IS NULL OR expires_at > ?)", now).
				Updates(map[string]any{
					"reserved_bytes": gorm.Expr("reserved_bytes + ?", bytes),
					"updated_at":     now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: %s/%s", cerr.ErrQuotaExceeded, institutionID, t)
			}
		}
		return nil
	})
}

func (l *GormQuotaLedger) Commit(ctx context.Context, institutionID string, assetType models.AssetType, bytes int64) error {
	return l.settle(ctx, institutionID, assetType, bytes, map[string]any{
		"reserved_bytes": gorm.Expr("reserved_bytes - ?", bytes),
		"used_bytes":     gorm.Expr("used_bytes + ?", bytes),
	})
}

func (l *GormQuotaLedger) Release(ctx context.Context, institutionID string, assetType models.AssetType, bytes int64) error {
	return l.settle(ctx, institutionID, assetType, bytes, map[string]any{
		"reserved_bytes": gorm.Expr("reserved_bytes - ?", bytes),
	})
}

func (l *GormQuotaLedger) settle(ctx context.Context, institutionID string, assetType models.AssetType, bytes int64, set map[string]any) error {
	set["updated_at"] = l.now().UTC()

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range []models.AssetType{assetType, models.AssetTypeTotal} {
			res := tx.Model(&models.QuotaRecord{}).
				Where("institution_id = ? AND asset_type = ?", institutionID, t).
				Where("reserved_bytes >= ?", bytes).
				Updates(set)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: %s/%s", cerr.ErrQuotaAccounting, institutionID, t)
			}
		}
		return nil
	})
}

func (l *GormQuotaLedger) Usage(ctx context.Context, institutionID string) ([]models.QuotaRecord, error) {
	var records []models.QuotaRecord
	err := l.db.WithContext(ctx).
		Where("institution_id = ?", institutionID).
		Order("asset_type").
		Find(&records).Error
	return records, err
}

// SetLimit creates or replaces a grant; counters of an existing row are kept.
func (l *GormQuotaLedger) SetLimit(ctx context.Context, institutionID string, assetType models.AssetType, totalBytes int64, expiresAt *time.Time) (*models.QuotaRecord, error) {
	rec := models.QuotaRecord{
		InstitutionID: institutionID,
		AssetType:     assetType,
		TotalBytes:    totalBytes,
		ExpiresAt:     expiresAt,
		UpdatedAt:     l.now().UTC(),
	}

	db := l.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "institution_id"}, {Name: "asset_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"total_bytes", "expires_at", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return nil, err
	}

	var out models.QuotaRecord
	if err := db.Where("institution_id = ? AND asset_type = ?", institutionID, assetType).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func pingSQL(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error { return sqlDB.PingContext(ctx) },
		retries.IsRetriableSqlError,
	)
}
