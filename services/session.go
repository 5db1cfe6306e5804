package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-media/internal/config"
	cerr "github.com/Yulian302/lfusys-services-media/internal/errors"
	logger "github.com/Yulian302/lfusys-services-media/internal/logging"
	"github.com/Yulian302/lfusys-services-media/internal/metrics"
	"github.com/Yulian302/lfusys-services-media/internal/retries"
	"github.com/Yulian302/lfusys-services-media/internal/tracing"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EventPublisher receives a lifecycle event whenever an upload reaches a
// terminal status.
type EventPublisher interface {
	Publish(ctx context.Context, evt models.AssetLifecycleEvent) error
}

// UploadService coordinates multipart uploads across the session store, the
// quota ledger, the object store and the asset catalog.
type UploadService interface {
	InitiateUpload(ctx context.Context, req models.InitiateUploadRequest) (*models.InitiateUploadResponse, error)
	NotifyPartCompleted(ctx context.Context, assetID string, partNumber int32, etag string) (*models.PartProgressResponse, error)
	CompleteUpload(ctx context.Context, assetID string) (*models.Asset, error)
	ResumeUpload(ctx context.Context, assetID string) (*models.ResumeUploadResponse, error)
	GetUploadStatus(ctx context.Context, assetID string) (*models.UploadStatusResponse, error)
	AbortUpload(ctx context.Context, assetID string) (*models.UploadStatusResponse, error)
	ListInstitutionUploads(ctx context.Context, institutionID string) ([]models.UploadStatusResponse, error)
	ReconcileStorageCompletion(ctx context.Context, objectKey string) error
	ExpirySweep(ctx context.Context) (SweepResult, error)
}

type UploadServiceImpl struct {
	sessionStore store.SessionStore
	quotaLedger  store.QuotaLedger
	fileStorage  store.ObjectStorage
	assets       AssetService
	publisher    EventPublisher

	cfg       config.UploadsConfig
	keyPrefix string
	now       func() time.Time

	metrics *metrics.UploadMetrics
	logger  logger.Logger
}

func NewUploadServiceImpl(
	sessionStore store.SessionStore,
	quotaLedger store.QuotaLedger,
	fileStorage store.ObjectStorage,
	assets AssetService,
	publisher EventPublisher,
	cfg config.UploadsConfig,
	keyPrefix string,
	m *metrics.UploadMetrics,
	l logger.Logger,
) *UploadServiceImpl {
	return &UploadServiceImpl{
		sessionStore: sessionStore,
		quotaLedger:  quotaLedger,
		fileStorage:  fileStorage,
		assets:       assets,
		publisher:    publisher,
		cfg:          cfg,
		keyPrefix:    strings.Trim(keyPrefix, "/"),
		now:          time.Now,
		metrics:      m,
		logger:       l,
	}
}

func (svc *UploadServiceImpl) InitiateUpload(ctx context.Context, req models.InitiateUploadRequest) (resp *models.InitiateUploadResponse, err error) {
	ctx, span := tracing.Tracer().Start(ctx, "uploads.initiate", trace.WithAttributes(
		attribute.String("institution_id", req.InstitutionID),
		attribute.Int64("declared_size", req.DeclaredSize),
	))
	defer func() { endSpan(span, err) }()

	assetType, totalParts, err := svc.validateInitiate(req)
	if err != nil {
		return nil, err
	}

	if err := svc.quotaLedger.Reserve(ctx, req.InstitutionID, assetType, req.DeclaredSize); err != nil {
		if errors.Is(err, cerr.ErrQuotaExceeded) {
			svc.metrics.RecordQuotaRejected(string(assetType))
			svc.logger.Info("upload rejected by quota", "institution_id", req.InstitutionID, "asset_type", assetType, "size", req.DeclaredSize)
		}
		return nil, err
	}

	now := svc.now().UTC()
	assetID := uuid.NewString()
	filename := sanitizeFilename(req.Filename)
	session := models.UploadSession{
		AssetID:       assetID,
		InstitutionID: req.InstitutionID,
		UploaderID:    req.UploaderID,
		ObjectKey:     path.Join(svc.keyPrefix, req.InstitutionID, assetID, filename),
		Filename:      filename,
		ContentType:   req.ContentType,
		AssetType:     assetType,
		DeclaredSize:  req.DeclaredSize,
		ChunkSize:     req.ChunkSize,
		TotalParts:    totalParts,
		Parts:         map[string]string{},
		Status:        models.StatusInitiated,
		InitiatedAt:   now,
		LastUpdatedAt: now,
		ExpiresAt:     now.Add(svc.cfg.SessionTTL),
	}
	log := svc.logger.With("asset_id", assetID, "institution_id", req.InstitutionID)

	fail := func(stage string, cause error) (*models.InitiateUploadResponse, error) {
		log.Error("upload initiation failed", "stage", stage, "error", cause)
		svc.rollbackInitiate(context.WithoutCancel(ctx), &session, cause)
		return nil, cause
	}

	err = svc.assets.CreatePlaceholder(ctx, models.Asset{
		AssetID:       assetID,
		InstitutionID: req.InstitutionID,
		UploaderID:    req.UploaderID,
		ObjectKey:     session.ObjectKey,
		Filename:      filename,
		Title:         filename,
		ContentType:   req.ContentType,
		AssetType:     assetType,
		Size:          req.DeclaredSize,
	})
	if err != nil {
		return fail("placeholder", err)
	}

	session.StorageUploadID, err = svc.fileStorage.CreateMultipartUpload(ctx, session.ObjectKey, req.ContentType)
	if err != nil {
		return fail("create_multipart_upload", err)
	}

	if err := svc.sessionStore.CreateSession(ctx, session); err != nil {
		return fail("create_session", err)
	}

	partNumbers := make([]int32, totalParts)
	for i := range partNumbers {
		partNumbers[i] = int32(i + 1)
	}
	urls, err := svc.fileStorage.PresignPartURLs(ctx, session.ObjectKey, session.StorageUploadID, partNumbers, svc.partURLTTL(&session, now))
	if err != nil {
		return fail("presign", err)
	}

	if _, err := svc.sessionStore.TransitionStatus(ctx, assetID, store.StatusUpdate{
		From: []models.UploadStatus{models.StatusInitiated},
		To:   models.StatusUploading,
		Now:  svc.now().UTC(),
	}); err != nil {
		return fail("start_uploading", err)
	}

	svc.metrics.RecordOutcome("initiated")
	log.Info("upload initiated", "total_parts", totalParts, "size", req.DeclaredSize, "asset_type", assetType)

	return &models.InitiateUploadResponse{
		AssetID:         assetID,
		StorageUploadID: session.StorageUploadID,
		TotalParts:      totalParts,
		PresignedURLs:   urls,
		ExpiresAt:       session.ExpiresAt,
	}, nil
}

func (svc *UploadServiceImpl) validateInitiate(req models.InitiateUploadRequest) (models.AssetType, int32, error) {
	switch {
	case strings.TrimSpace(req.InstitutionID) == "" || strings.Contains(req.InstitutionID, "/"):
		return "", 0, cerr.InvalidField("institution_id", "must be a non-empty id without slashes")
	case strings.TrimSpace(req.UploaderID) == "":
		return "", 0, cerr.InvalidField("uploader_id", "is required")
	case strings.TrimSpace(req.Filename) == "":
		return "", 0, cerr.InvalidField("filename", "is required")
	case req.DeclaredSize <= 0:
		return "", 0, cerr.InvalidField("declared_size", "must be positive")
	case req.ChunkSize <= 0:
		return "", 0, cerr.InvalidField("chunk_size", "must be positive")
	case req.DeclaredSize > svc.cfg.MaxFileSize:
		return "", 0, cerr.InvalidField("declared_size", fmt.Sprintf("exceeds the %d byte limit", svc.cfg.MaxFileSize))
	}

	assetType, ok := models.AssetTypeForContentType(req.ContentType)
	if !ok {
		return "", 0, cerr.InvalidField("content_type", fmt.Sprintf("%q is not an accepted media type", req.ContentType))
	}

	parts := models.TotalPartsFor(req.DeclaredSize, req.ChunkSize)
	switch {
	case parts > models.MaxParts:
		return "", 0, cerr.InvalidField("chunk_size", fmt.Sprintf("yields %d parts, at most %d allowed", parts, models.MaxParts))
	case parts > 1 && req.ChunkSize < svc.cfg.MinPartSize:
		return "", 0, cerr.InvalidField("chunk_size", fmt.Sprintf("must be at least %d bytes", svc.cfg.MinPartSize))
	case req.ChunkSize > store.MaxPartSize && parts > 1:
		return "", 0, cerr.InvalidField("chunk_size", fmt.Sprintf("must be at most %d bytes", store.MaxPartSize))
	case parts == 1 && req.DeclaredSize > store.MaxPartSize:
		return "", 0, cerr.InvalidField("chunk_size", fmt.Sprintf("must be at most %d bytes", store.MaxPartSize))
	}

	return assetType, int32(parts), nil
}

// rollbackInitiate undoes a partially opened upload. The reservation goes
// back only when this call moves the session to FAILED or no session was
// ever written; a session some other path already ended has released it.
func (svc *UploadServiceImpl) rollbackInitiate(ctx context.Context, s *models.UploadSession, cause error) {
	if err := svc.assets.MarkFailed(ctx, s.AssetID); err != nil {
		svc.logger.Error("placeholder failure mark failed", "asset_id", s.AssetID, "error", err)
	}

	released := true
	if s.StorageUploadID != "" {
		err := svc.fileStorage.AbortMultipartUpload(ctx, s.ObjectKey, s.StorageUploadID)
		if err != nil && !cerr.IsStoreKind(err, cerr.StoreNotFound) {
			released = false
			svc.logger.Warn("multipart abort after failed initiation failed", "asset_id", s.AssetID, "error", err)
		}
	}

	_, err := svc.sessionStore.TransitionStatus(ctx, s.AssetID, store.StatusUpdate{
		From:            []models.UploadStatus{models.StatusInitiated, models.StatusUploading},
		To:              models.StatusFailed,
		Reason:          cause.Error(),
		StorageReleased: released,
		Now:             svc.now().UTC(),
	})
	switch {
	case err == nil, errors.Is(err, cerr.ErrSessionNotFound):
	case errors.Is(err, cerr.ErrStatusConflict):
		svc.logger.Info("failed initiation already ended elsewhere", "asset_id", s.AssetID, "error", err)
		return
	default:
		if !svc.sessionMissing(ctx, s.AssetID) {
			// the sweep expires the session and releases then
			svc.logger.Error("failed session transition failed", "asset_id", s.AssetID, "error", err)
			return
		}
	}

	svc.releaseQuota(ctx, s)
	svc.metrics.RecordOutcome("failed")
}

// sessionMissing reports whether the store positively has no session for
// assetID. Lookup errors count as present.
func (svc *UploadServiceImpl) sessionMissing(ctx context.Context, assetID string) bool {
	_, err := svc.sessionStore.GetSession(ctx, assetID)
	return errors.Is(err, cerr.ErrSessionNotFound)
}

func (svc *UploadServiceImpl) NotifyPartCompleted(ctx context.Context, assetID string, partNumber int32, etag string) (*models.PartProgressResponse, error) {
	etag = strings.TrimSpace(etag)
	if etag == "" {
		return nil, cerr.InvalidField("etag", "is required")
	}

	session, err := svc.sessionStore.GetSession(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.StatusUploading {
		return nil, &cerr.InvalidStateError{Status: session.Status.String(), Op: "record a part of"}
	}
	if partNumber < 1 || partNumber > session.TotalParts {
		return nil, fmt.Errorf("%w: %d is outside [1, %d]", cerr.ErrInvalidPartNumber, partNumber, session.TotalParts)
	}

	updated, err := svc.sessionStore.MergePart(ctx, assetID, partNumber, etag, svc.now().UTC())
	if err != nil {
		if errors.Is(err, cerr.ErrStatusConflict) && updated != nil {
			return nil, &cerr.InvalidStateError{Status: updated.Status.String(), Op: "record a part of"}
		}
		return nil, err
	}

	svc.metrics.RecordPartNotified()
	svc.logger.Debug("part recorded", "asset_id", assetID, "part_number", partNumber, "completed", updated.CompletedCount())

	return &models.PartProgressResponse{
		CompletedCount:     updated.CompletedCount(),
		TotalParts:         updated.TotalParts,
		ProgressPercentage: updated.Progress(),
	}, nil
}

func (svc *UploadServiceImpl) GetUploadStatus(ctx context.Context, assetID string) (*models.UploadStatusResponse, error) {
	session, err := svc.sessionStore.GetSession(ctx, assetID)
	if err != nil {
		return nil, err
	}
	status := models.StatusFromSession(session)
	return &status, nil
}

// ResumeUpload reissues URLs for the parts not yet recorded.
func (svc *UploadServiceImpl) ResumeUpload(ctx context.Context, assetID string) (*models.ResumeUploadResponse, error) {
	session, err := svc.sessionStore.GetSession(ctx, assetID)
	if err != nil {
		return nil, err
	}

	now := svc.now().UTC()
	switch {
	case session.Status != models.StatusUploading && session.Status != models.StatusInitiated:
		return nil, &cerr.InvalidStateError{Status: session.Status.String(), Op: "resume"}
	case session.IsExpired(now):
		return nil, &cerr.InvalidStateError{Status: models.StatusExpired.String(), Op: "resume"}
	}

	missing := session.MissingParts()
	urls, err := svc.fileStorage.PresignPartURLs(ctx, session.ObjectKey, session.StorageUploadID, missing, svc.partURLTTL(session, now))
	if err != nil {
		return nil, err
	}

	svc.logger.Info("upload resumed", "asset_id", assetID, "missing_parts", len(missing))
	return &models.ResumeUploadResponse{
		AssetID:       assetID,
		TotalParts:    session.TotalParts,
		PresignedURLs: urls,
	}, nil
}

func (svc *UploadServiceImpl) ListInstitutionUploads(ctx context.Context, institutionID string) ([]models.UploadStatusResponse, error) {
	sessions, err := svc.sessionStore.ListByInstitution(ctx, institutionID)
	if err != nil {
		return nil, err
	}

	out := make([]models.UploadStatusResponse, len(sessions))
	for i := range sessions {
		out[i] = models.StatusFromSession(&sessions[i])
	}
	return out, nil
}

// partURLTTL never outlives the session.
func (svc *UploadServiceImpl) partURLTTL(s *models.UploadSession, now time.Time) time.Duration {
	return max(min(svc.cfg.PartURLTTL, s.ExpiresAt.Sub(now)), time.Second)
}

// QuotaCommitPendingReason marks a COMPLETED event whose bytes are still
// counted as reserved because the ledger commit kept failing.
const QuotaCommitPendingReason = "quota commit pending"

func (svc *UploadServiceImpl) releaseQuota(ctx context.Context, s *models.UploadSession) {
	err := retries.Retry(ctx, retries.DefaultAttempts, retries.DefaultBaseDelay, func() error {
		return svc.quotaLedger.Release(ctx, s.InstitutionID, s.AssetType, s.DeclaredSize)
	}, isRetriableLedgerError)
	if err != nil {
		svc.metrics.RecordQuotaSettleFailed("release", string(s.AssetType))
		svc.logger.Error("quota release failed", "asset_id", s.AssetID, "institution_id", s.InstitutionID, "size", s.DeclaredSize, "error", err)
	}
}

// commitQuota reports whether the reservation was moved to used. The
// session is already COMPLETED when it runs, so a failure is surfaced
// through metrics and the lifecycle event instead of the caller.
func (svc *UploadServiceImpl) commitQuota(ctx context.Context, s *models.UploadSession) bool {
	err := retries.Retry(ctx, retries.DefaultAttempts, retries.DefaultBaseDelay, func() error {
		return svc.quotaLedger.Commit(ctx, s.InstitutionID, s.AssetType, s.DeclaredSize)
	}, isRetriableLedgerError)
	if err != nil {
		svc.metrics.RecordQuotaSettleFailed("commit", string(s.AssetType))
		svc.logger.Error("quota commit failed", "asset_id", s.AssetID, "institution_id", s.InstitutionID, "size", s.DeclaredSize, "error", err)
		return false
	}
	svc.metrics.RecordCommitted(string(s.AssetType), s.DeclaredSize)
	return true
}

func (svc *UploadServiceImpl) publish(ctx context.Context, s *models.UploadSession, status models.UploadStatus, reason string) {
	evt := models.AssetLifecycleEvent{
		AssetID:       s.AssetID,
		InstitutionID: s.InstitutionID,
		UploaderID:    s.UploaderID,
		Status:        status,
		AssetType:     s.AssetType,
		Size:          s.DeclaredSize,
		Reason:        reason,
		OccurredAt:    svc.now().UTC(),
	}
	if status == models.StatusCompleted {
		evt.ObjectKey = s.ObjectKey
	}
	if err := svc.publisher.Publish(ctx, evt); err != nil {
		svc.logger.Warn("lifecycle event publish failed", "asset_id", s.AssetID, "status", status, "error", err)
	}
}

func isRetriableLedgerError(err error) bool {
	return !errors.Is(err, cerr.ErrQuotaAccounting) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := strings.TrimLeft(b.String(), ".")
	if len(out) > 200 {
		out = out[len(out)-200:]
	}
	if out == "" {
		return "file"
	}
	return out
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
