package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cerr "github.com/Yulian302/lfusys-services-media/internal/errors"
	"github.com/Yulian302/lfusys-services-media/internal/tracing"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CompleteUpload assembles the object once every part is recorded. The
// session is claimed with a COMPLETING status first so that only one caller
// ever talks to the object store.
func (svc *UploadServiceImpl) CompleteUpload(ctx context.Context, assetID string) (asset *models.Asset, err error) {
	ctx, span := tracing.Tracer().Start(ctx, "uploads.complete", trace.WithAttributes(attribute.String("asset_id", assetID)))
	defer func() { endSpan(span, err) }()

	started := svc.now()
	defer func() { svc.metrics.ObserveComplete(svc.now().Sub(started), err) }()

	session, err := svc.sessionStore.GetSession(ctx, assetID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case models.StatusCompleted:
		return svc.completedAsset(ctx, session)
	case models.StatusUploading:
	default:
		return nil, &cerr.InvalidStateError{Status: session.Status.String(), Op: "complete"}
	}

	now := svc.now().UTC()
	if session.IsExpired(now) {
		return nil, &cerr.InvalidStateError{Status: models.StatusExpired.String(), Op: "complete"}
	}
	if missing := session.MissingParts(); len(missing) > 0 {
		return nil, &cerr.IncompleteUploadError{MissingParts: missing}
	}

	claimed, err := svc.sessionStore.BeginCompletion(ctx, assetID, now)
	if err != nil {
		if errors.Is(err, cerr.ErrStatusConflict) && claimed != nil {
			return svc.completionConflict(ctx, claimed)
		}
		return nil, err
	}

	// The caller going away must not strand a claimed session.
	detached := context.WithoutCancel(ctx)
	storeCtx, cancel := context.WithTimeout(detached, svc.cfg.CompleteTimeout)
	defer cancel()

	err = svc.fileStorage.CompleteMultipartUpload(storeCtx, claimed.ObjectKey, claimed.StorageUploadID, claimed.CompletedParts())
	if err != nil {
		svc.logger.Error("multipart completion failed", "asset_id", assetID, "error", err)
		svc.failCompletion(detached, claimed, err)
		return nil, fmt.Errorf("%w: %w", cerr.ErrStoreCompleteFailed, err)
	}

	return svc.commitCompletion(detached, claimed)
}

func (svc *UploadServiceImpl) completionConflict(ctx context.Context, current *models.UploadSession) (*models.Asset, error) {
	switch current.Status {
	case models.StatusCompleted:
		return svc.completedAsset(ctx, current)
	case models.StatusUploading:
		if missing := current.MissingParts(); len(missing) > 0 {
			return nil, &cerr.IncompleteUploadError{MissingParts: missing}
		}
		return nil, fmt.Errorf("%w: session %s changed during completion", cerr.ErrStatusConflict, current.AssetID)
	default:
		return nil, &cerr.InvalidStateError{Status: current.Status.String(), Op: "complete"}
	}
}

// commitCompletion finishes a session whose object is already assembled.
func (svc *UploadServiceImpl) commitCompletion(ctx context.Context, s *models.UploadSession) (*models.Asset, error) {
	now := svc.now().UTC()
	done, err := svc.sessionStore.TransitionStatus(ctx, s.AssetID, store.StatusUpdate{
		From: []models.UploadStatus{models.StatusCompleting},
		To:   models.StatusCompleted,
		Now:  now,
	})
	if err != nil {
		if !errors.Is(err, cerr.ErrStatusConflict) || done == nil {
			return nil, err
		}
		if done.Status == models.StatusCompleted {
			return svc.completedAsset(ctx, done)
		}
		// A sweep or failure path owns this session now; the object it
		// released the upload for exists anyway.
		svc.logger.Warn("completed object lost its session", "asset_id", s.AssetID, "status", done.Status)
		if derr := svc.fileStorage.DeleteObject(ctx, s.ObjectKey); derr != nil {
			svc.logger.Error("orphaned object deletion failed", "asset_id", s.AssetID, "error", derr)
		}
		return nil, &cerr.InvalidStateError{Status: done.Status.String(), Op: "complete"}
	}

	reason := ""
	if !svc.commitQuota(ctx, done) {
		reason = QuotaCommitPendingReason
	}

	asset, err := svc.assets.MarkCompleted(ctx, done.AssetID, done.ObjectKey, done.DeclaredSize, now)
	if err != nil {
		svc.logger.Error("catalog completion failed", "asset_id", done.AssetID, "error", err)
		return nil, err
	}

	svc.publish(ctx, done, models.StatusCompleted, reason)
	svc.metrics.RecordOutcome("completed")
	svc.logger.Info("upload completed", "asset_id", done.AssetID, "institution_id", done.InstitutionID, "size", done.DeclaredSize)
	return asset, nil
}

// completedAsset answers a repeated completion. The catalog write is
// reapplied in case the first attempt died before reaching it.
func (svc *UploadServiceImpl) completedAsset(ctx context.Context, s *models.UploadSession) (*models.Asset, error) {
	return svc.assets.MarkCompleted(ctx, s.AssetID, s.ObjectKey, s.DeclaredSize, s.LastUpdatedAt)
}

func (svc *UploadServiceImpl) failCompletion(ctx context.Context, s *models.UploadSession, cause error) {
	failed, err := svc.sessionStore.TransitionStatus(ctx, s.AssetID, store.StatusUpdate{
		From:   []models.UploadStatus{models.StatusCompleting},
		To:     models.StatusFailed,
		Reason: cause.Error(),
		Now:    svc.now().UTC(),
	})
	if err != nil {
		svc.logger.Warn("failed completion transition lost", "asset_id", s.AssetID, "error", err)
		return
	}

	svc.releaseQuota(ctx, failed)
	if err := svc.assets.MarkFailed(ctx, failed.AssetID); err != nil {
		svc.logger.Error("catalog failure mark failed", "asset_id", failed.AssetID, "error", err)
	}
	svc.releaseStorage(ctx, failed)
	svc.publish(ctx, failed, models.StatusFailed, failed.FailureReason)
	svc.metrics.RecordOutcome("failed")
}

// AbortUpload cancels an in-flight upload at the client's request.
func (svc *UploadServiceImpl) AbortUpload(ctx context.Context, assetID string) (*models.UploadStatusResponse, error) {
	session, err := svc.sessionStore.GetSession(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.StatusInitiated && session.Status != models.StatusUploading {
		return nil, &cerr.InvalidStateError{Status: session.Status.String(), Op: "abort"}
	}

	aborted, err := svc.sessionStore.TransitionStatus(ctx, assetID, store.StatusUpdate{
		From:   []models.UploadStatus{models.StatusInitiated, models.StatusUploading},
		To:     models.StatusAborted,
		Reason: "aborted by client",
		Now:    svc.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, cerr.ErrStatusConflict) && aborted != nil {
			return nil, &cerr.InvalidStateError{Status: aborted.Status.String(), Op: "abort"}
		}
		return nil, err
	}

	detached := context.WithoutCancel(ctx)
	svc.releaseQuota(detached, aborted)
	if err := svc.assets.MarkFailed(detached, assetID); err != nil {
		svc.logger.Error("catalog failure mark failed", "asset_id", assetID, "error", err)
	}
	if svc.releaseStorage(detached, aborted) {
		aborted.StorageReleased = true
	}
	svc.publish(detached, aborted, models.StatusAborted, aborted.FailureReason)
	svc.metrics.RecordOutcome("aborted")
	svc.logger.Info("upload aborted", "asset_id", assetID)

	status := models.StatusFromSession(aborted)
	return &status, nil
}

// releaseStorage discards whatever the object store holds for a session that
// will never complete. An upload the store no longer knows is assumed to
// have been assembled, so the object itself is deleted.
func (svc *UploadServiceImpl) releaseStorage(ctx context.Context, s *models.UploadSession) bool {
	err := svc.fileStorage.AbortMultipartUpload(ctx, s.ObjectKey, s.StorageUploadID)
	if cerr.IsStoreKind(err, cerr.StoreNotFound) {
		err = svc.fileStorage.DeleteObject(ctx, s.ObjectKey)
	}
	if err != nil {
		svc.logger.Warn("storage release failed", "asset_id", s.AssetID, "error", err)
		return false
	}

	if err := svc.sessionStore.MarkStorageReleased(ctx, s.AssetID); err != nil {
		svc.logger.Warn("storage release mark failed", "asset_id", s.AssetID, "error", err)
		return false
	}
	return true
}

// ReconcileStorageCompletion handles an object-created notification. It
// finishes sessions whose completion response was lost and removes objects
// that belong to sessions that already ended unsuccessfully.
func (svc *UploadServiceImpl) ReconcileStorageCompletion(ctx context.Context, objectKey string) error {
	assetID, ok := svc.assetIDFromKey(objectKey)
	if !ok {
		svc.logger.Debug("ignoring object outside the upload prefix", "object_key", objectKey)
		return nil
	}

	session, err := svc.sessionStore.GetSession(ctx, assetID)
	if errors.Is(err, cerr.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if session.ObjectKey != objectKey {
		svc.logger.Warn("object key does not match its session", "asset_id", assetID, "object_key", objectKey)
		return nil
	}

	switch session.Status {
	case models.StatusCompleting:
		_, err := svc.commitCompletion(ctx, session)
		if errors.Is(err, cerr.ErrInvalidState) {
			return nil
		}
		return err
	case models.StatusCompleted:
		_, err := svc.completedAsset(ctx, session)
		return err
	case models.StatusFailed, models.StatusAborted, models.StatusExpired:
		svc.logger.Info("deleting object of ended upload", "asset_id", assetID, "status", session.Status)
		return svc.fileStorage.DeleteObject(ctx, objectKey)
	default:
		svc.logger.Warn("object created before completion was requested", "asset_id", assetID, "status", session.Status)
		return nil
	}
}

// assetIDFromKey reads the asset id out of prefix/institution/asset/filename.
func (svc *UploadServiceImpl) assetIDFromKey(objectKey string) (string, bool) {
	rest := objectKey
	if svc.keyPrefix != "" {
		var ok bool
		rest, ok = strings.CutPrefix(objectKey, svc.keyPrefix+"/")
		if !ok {
			return "", false
		}
	}

	segments := strings.SplitN(rest, "/", 3)
	if len(segments) != 3 || segments[0] == "" || segments[1] == "" || segments[2] == "" {
		return "", false
	}
	return segments[1], true
}
