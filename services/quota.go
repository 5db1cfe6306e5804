package services

import (
	"context"
	"strings"
	"time"

	cerr "github.com/Yulian302/lfusys-services-media/internal/errors"
	logger "github.com/Yulian302/lfusys-services-media/internal/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/store"
)

type QuotaService interface {
	Usage(ctx context.Context, institutionID string) ([]models.QuotaRecord, error)
	SetLimit(ctx context.Context, institutionID string, assetType string, req models.SetQuotaRequest) (*models.QuotaRecord, error)
}

type QuotaServiceImpl struct {
	quotaLedger store.QuotaLedger
	now         func() time.Time

	logger logger.Logger
}

func NewQuotaServiceImpl(quotaLedger store.QuotaLedger, l logger.Logger) *QuotaServiceImpl {
	return &QuotaServiceImpl{
		quotaLedger: quotaLedger,
		now:         time.Now,
		logger:      l,
	}
}

func (svc *QuotaServiceImpl) Usage(ctx context.Context, institutionID string) ([]models.QuotaRecord, error) {
	if strings.TrimSpace(institutionID) == "" {
		return nil, cerr.InvalidField("institution_id", "is required")
	}
	return svc.quotaLedger.Usage(ctx, institutionID)
}

// SetLimit grants totalBytes to one asset type or to the institution total.
// Lowering a grant below current usage is allowed; it only blocks new
// reservations.
func (svc *QuotaServiceImpl) SetLimit(ctx context.Context, institutionID string, assetType string, req models.SetQuotaRequest) (*models.QuotaRecord, error) {
	at, ok := models.ParseAssetType(assetType)
	switch {
	case strings.TrimSpace(institutionID) == "" || strings.Contains(institutionID, "/"):
		return nil, cerr.InvalidField("institution_id", "must be a non-empty id without slashes")
	case !ok:
		return nil, cerr.InvalidField("asset_type", "must be one of video, document, image, audio, total")
	case req.TotalBytes < 0:
		return nil, cerr.InvalidField("total_bytes", "must not be negative")
	case req.ExpiresAt != nil && !req.ExpiresAt.After(svc.now()):
		return nil, cerr.InvalidField("expires_at", "must be in the future")
	}

	rec, err := svc.quotaLedger.SetLimit(ctx, institutionID, at, req.TotalBytes, req.ExpiresAt)
	if err != nil {
		svc.logger.Error("quota grant failed", "institution_id", institutionID, "asset_type", at, "error", err)
		return nil, err
	}

	svc.logger.Info("quota granted", "institution_id", institutionID, "asset_type", at, "total_bytes", req.TotalBytes)
	return rec, nil
}
