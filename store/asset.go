package store

import (
	"context"
	"errors"
	"time"

	cerr "github.com/Yulian302/lfusys-services-media/internal/errors"
	"github.com/Yulian302/lfusys-services-media/internal/health"
	"github.com/Yulian302/lfusys-services-media/models"
	"gorm.io/gorm"
)

type AssetStore interface {
	CreatePlaceholder(ctx context.Context, asset models.Asset) error
	MarkCompleted(ctx context.Context, assetID, objectKey string, size int64, at time.Time) (*models.Asset, error)
	MarkFailed(ctx context.Context, assetID string) error
	Get(ctx context.Context, assetID string) (*models.Asset, error)
	ListByInstitution(ctx context.Context, institutionID string, status models.AssetStatus) ([]models.Asset, error)
	TouchAccessed(ctx context.Context, assetID string, at time.Time) error
	UpdateDetails(ctx context.Context, assetID string, title, description *string) (*models.Asset, error)

	health.ReadinessCheck
}

type GormAssetStore struct {
	db *gorm.DB
}

func NewGormAssetStore(db *gorm.DB) *GormAssetStore {
	return &GormAssetStore{db: db}
}

func (s *GormAssetStore) IsReady(ctx context.Context) error {
	return pingSQL(ctx, s.db)
}

func (s *GormAssetStore) Name() string {
	return "AssetStore[sql]"
}

func (s *GormAssetStore) CreatePlaceholder(ctx context.Context, asset models.Asset) error {
	asset.Status = models.AssetUploading
	err := s.db.WithContext(ctx).Create(&asset).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return cerr.ErrAlreadyExists
	}
	return err
}

// MarkCompleted is idempotent; a FAILED asset is never completed.
func (s *GormAssetStore) MarkCompleted(ctx context.Context, assetID, objectKey string, size int64, at time.Time) (*models.Asset, error) {
	db := s.db.WithContext(ctx)

	res := db.Model(&models.Asset{}).
		Where("asset_id = ? AND status IN ?", assetID, []models.AssetStatus{models.AssetUploading, models.AssetCompleted}).
		Updates(map[string]any{
			"status":       models.AssetCompleted,
			"object_key":   objectKey,
			"size":         size,
			"completed_at": gorm.Expr("COALESCE(completed_at, ?)", at),
			"updated_at":   at,
		})
	if res.Error != nil {
		return nil, res.Error
	}

	asset, err := s.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if asset.Status != models.AssetCompleted {
		return nil, &cerr.InvalidStateError{Status: string(asset.Status), Op: "complete"}
	}
	return asset, nil
}

func (s *GormAssetStore) MarkFailed(ctx context.Context, assetID string) error {
	return s.db.WithContext(ctx).Model(&models.Asset{}).
		Where("asset_id = ? AND status = ?", assetID, models.AssetUploading).
		Updates(map[string]any{
			"status":     models.AssetFailed,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (s *GormAssetStore) Get(ctx context.Context, assetID string) (*models.Asset, error) {
	var asset models.Asset
	err := s.db.WithContext(ctx).Where("asset_id = ?", assetID).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, cerr.ErrAssetNotFound
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func (s *GormAssetStore) ListByInstitution(ctx context.Context, institutionID string, status models.AssetStatus) ([]models.Asset, error) {
	var assets []models.Asset
	err := s.db.WithContext(ctx).
		Where("institution_id = ? AND status = ?", institutionID, status).
		Order("created_at DESC").
		Find(&assets).Error
	return assets, err
}

func (s *GormAssetStore) TouchAccessed(ctx context.Context, assetID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Asset{}).
		Where("asset_id = ?", assetID).
		UpdateColumn("last_accessed_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return cerr.ErrAssetNotFound
	}
	return nil
}

func (s *GormAssetStore) UpdateDetails(ctx context.Context, assetID string, title, description *string) (*models.Asset, error) {
	set := map[string]any{"updated_at": time.Now().UTC()}
	if title != nil {
		set["title"] = *title
	}
	if description != nil {
		set["description"] = *description
	}

	res := s.db.WithContext(ctx).Model(&models.Asset{}).Where("asset_id = ?", assetID).Updates(set)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, cerr.ErrAssetNotFound
	}
	return s.Get(ctx, assetID)
}

// Migrate creates or updates the catalog and quota tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&models.Asset{}, &models.QuotaRecord{})
}
