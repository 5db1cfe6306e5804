package services

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/Yulian302/lfusys-services-media/internal/caching"
	cerr "github.com/Yulian302/lfusys-services-media/internal/errors"
	logger "github.com/Yulian302/lfusys-services-media/internal/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/store"
)

const (
	minAccessURLTTL = time.Minute
	maxAccessURLTTL = 7 * 24 * time.Hour
)

// AssetService is the asset catalog: placeholder bookkeeping for the upload
// coordinator and the read side for finished assets.
type AssetService interface {
	CreatePlaceholder(ctx context.Context, asset models.Asset) error
	MarkCompleted(ctx context.Context, assetID, objectKey string, size int64, at time.Time) (*models.Asset, error)
	MarkFailed(ctx context.Context, assetID string) error
	GetAsset(ctx context.Context, assetID string) (*models.Asset, error)
	ListInstitutionAssets(ctx context.Context, institutionID string) ([]models.Asset, error)
	GetAccessURL(ctx context.Context, assetID string, expirySeconds int64) (*models.AccessURL, error)
	UpdateDetails(ctx context.Context, assetID string, req models.UpdateAssetRequest) (*models.Asset, error)
}

type AssetServiceImpl struct {
	assetStore  store.AssetStore
	fileStorage store.ObjectStorage
	cachingSvc  caching.CachingService

	accessTTL  time.Duration
	listingTTL time.Duration
	now        func() time.Time

	logger logger.Logger
}

func NewAssetServiceImpl(
	assetStore store.AssetStore,
	fileStorage store.ObjectStorage,
	cachingSvc caching.CachingService,
	accessTTL time.Duration,
	listingTTL time.Duration,
	l logger.Logger,
) *AssetServiceImpl {
	return &AssetServiceImpl{
		assetStore:  assetStore,
		fileStorage: fileStorage,
		cachingSvc:  cachingSvc,
		accessTTL:   accessTTL,
		listingTTL:  listingTTL,
		now:         time.Now,
		logger:      l,
	}
}

func assetsCacheKey(institutionID string) string {
	return fmt.Sprintf("institution:assets:%s", institutionID)
}

func (svc *AssetServiceImpl) CreatePlaceholder(ctx context.Context, asset models.Asset) error {
	return svc.assetStore.CreatePlaceholder(ctx, asset)
}

func (svc *AssetServiceImpl) MarkCompleted(ctx context.Context, assetID, objectKey string, size int64, at time.Time) (*models.Asset, error) {
	asset, err := svc.assetStore.MarkCompleted(ctx, assetID, objectKey, size, at)
	if err != nil {
		return nil, err
	}

	if err := svc.cachingSvc.Delete(ctx, assetsCacheKey(asset.InstitutionID)); err != nil {
		svc.logger.Error("cached assets invalidation failed", "asset_id", assetID, "error", err)
		// not critical
	}
	return asset, nil
}

func (svc *AssetServiceImpl) MarkFailed(ctx context.Context, assetID string) error {
	return svc.assetStore.MarkFailed(ctx, assetID)
}

func (svc *AssetServiceImpl) GetAsset(ctx context.Context, assetID string) (*models.Asset, error) {
	return svc.assetStore.Get(ctx, assetID)
}

// ListInstitutionAssets returns completed assets only, served from cache
// when possible.
func (svc *AssetServiceImpl) ListInstitutionAssets(ctx context.Context, institutionID string) ([]models.Asset, error) {
	key := assetsCacheKey(institutionID)

	var cached []models.Asset
	err := svc.cachingSvc.Get(ctx, key, &cached)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, caching.ErrCacheMiss) {
		svc.logger.Warn("assets cache read failed", "institution_id", institutionID, "error", err)
	}

	assets, err := svc.assetStore.ListByInstitution(ctx, institutionID, models.AssetCompleted)
	if err != nil {
		return nil, err
	}
	if assets == nil {
		assets = []models.Asset{}
	}

	if err := svc.cachingSvc.Set(ctx, key, assets, svc.listingTTL); err != nil {
		svc.logger.Warn("assets cache write failed", "institution_id", institutionID, "error", err)
	}
	return assets, nil
}

// GetAccessURL presigns a download for a COMPLETED asset. expirySeconds 0
// selects the configured default; other values are clamped to [1m, 7d].
func (svc *AssetServiceImpl) GetAccessURL(ctx context.Context, assetID string, expirySeconds int64) (*models.AccessURL, error) {
	if expirySeconds < 0 {
		return nil, cerr.InvalidField("expiry_seconds", "must not be negative")
	}

	asset, err := svc.assetStore.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if asset.Status != models.AssetCompleted {
		return nil, fmt.Errorf("%w: asset %s is %s", cerr.ErrAssetNotReady, assetID, asset.Status)
	}

	ttl := svc.accessTTL
	if expirySeconds > 0 {
		ttl = time.Duration(expirySeconds) * time.Second
	}
	ttl = min(max(ttl, minAccessURLTTL), maxAccessURLTTL)

	now := svc.now()
	url, err := svc.fileStorage.PresignGetURL(ctx, asset.ObjectKey, ttl)
	if err != nil {
		return nil, err
	}

	if err := svc.assetStore.TouchAccessed(ctx, assetID, now.UTC()); err != nil {
		svc.logger.Warn("last access update failed", "asset_id", assetID, "error", err)
	}

	return &models.AccessURL{URL: url, ExpiresAt: now.Add(ttl)}, nil
}

func (svc *AssetServiceImpl) UpdateDetails(ctx context.Context, assetID string, req models.UpdateAssetRequest) (*models.Asset, error) {
	if req.Title == nil && req.Description == nil {
		return nil, cerr.InvalidField("body", "title or description is required")
	}
	if req.Title != nil && utf8.RuneCountInString(*req.Title) > 255 {
		return nil, cerr.InvalidField("title", "must be at most 255 characters")
	}

	asset, err := svc.assetStore.UpdateDetails(ctx, assetID, req.Title, req.Description)
	if err != nil {
		return nil, err
	}

	if asset.Status == models.AssetCompleted {
		if err := svc.cachingSvc.Delete(ctx, assetsCacheKey(asset.InstitutionID)); err != nil {
			svc.logger.Error("cached assets invalidation failed", "asset_id", assetID, "error", err)
		}
	}
	return asset, nil
}
