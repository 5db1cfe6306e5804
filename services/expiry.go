package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	cerr "github.com/Yulian302/lfusys-services-media/internal/errors"
	logger "github.com/Yulian302/lfusys-services-media/internal/logging"
	"github.com/Yulian302/lfusys-services-media/internal/tracing"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/store"
	"github.com/robfig/cron/v3"
)

type SweepResult struct {
	Expired  int `json:"expired"`
	Released int `json:"released"`
}

// ExpirySweep expires sessions past their deadline and retries storage
// cleanup for ended sessions that still hold object store resources.
func (svc *UploadServiceImpl) ExpirySweep(ctx context.Context) (res SweepResult, err error) {
	ctx, span := tracing.Tracer().Start(ctx, "uploads.sweep")
	defer func() { endSpan(span, err) }()

	now := svc.now().UTC()
	batch := svc.cfg.SweepBatchSize
	var errs []error

	for _, status := range []models.UploadStatus{models.StatusInitiated, models.StatusUploading, models.StatusCompleting} {
		sessions, err := svc.sessionStore.ListExpired(ctx, status, now, batch)
		if err != nil {
			errs = append(errs, fmt.Errorf("list expired %s: %w", status, err))
			continue
		}
		for i := range sessions {
			s := &sessions[i]
			if status == models.StatusCompleting && now.Sub(s.LastUpdatedAt) < svc.cfg.StuckAfter {
				continue
			}
			expired, err := svc.expireSession(ctx, s, now)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if expired {
				res.Expired++
			}
		}
	}

	for _, status := range []models.UploadStatus{models.StatusFailed, models.StatusAborted, models.StatusExpired} {
		sessions, err := svc.sessionStore.ListUnreleased(ctx, status, batch)
		if err != nil {
			errs = append(errs, fmt.Errorf("list unreleased %s: %w", status, err))
			continue
		}
		for i := range sessions {
			if svc.releaseStorage(ctx, &sessions[i]) {
				res.Released++
			}
		}
	}

	svc.metrics.RecordSweep(res.Expired, res.Released)
	if res.Expired > 0 || res.Released > 0 {
		svc.logger.Info("expiry sweep finished", "expired", res.Expired, "released", res.Released)
	}
	return res, errors.Join(errs...)
}

// expireSession reports false when another writer moved the session first.
func (svc *UploadServiceImpl) expireSession(ctx context.Context, s *models.UploadSession, now time.Time) (bool, error) {
	expired, err := svc.sessionStore.TransitionStatus(ctx, s.AssetID, store.StatusUpdate{
		From:   []models.UploadStatus{s.Status},
		To:     models.StatusExpired,
		Reason: fmt.Sprintf("session expired while %s", s.Status),
		Now:    now,
	})
	if errors.Is(err, cerr.ErrStatusConflict) || errors.Is(err, cerr.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("expire %s: %w", s.AssetID, err)
	}

	svc.releaseQuota(ctx, expired)
	if err := svc.assets.MarkFailed(ctx, expired.AssetID); err != nil {
		svc.logger.Error("catalog failure mark failed", "asset_id", expired.AssetID, "error", err)
	}
	svc.releaseStorage(ctx, expired)
	svc.publish(ctx, expired, models.StatusExpired, expired.FailureReason)
	svc.metrics.RecordOutcome("expired")
	svc.logger.Info("upload expired", "asset_id", expired.AssetID, "was", s.Status)
	return true, nil
}

// Sweeper is the part of UploadService the scheduler drives.
type Sweeper interface {
	ExpirySweep(ctx context.Context) (SweepResult, error)
}

// SweepScheduler runs the expiry sweep on a cron schedule. A run that is
// still going when the next one is due causes that tick to be skipped.
type SweepScheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	logger logger.Logger
}

func NewSweepScheduler(parent context.Context, sweeper Sweeper, schedule string, timeout time.Duration, l logger.Logger) (*SweepScheduler, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	ctx, cancel := context.WithCancel(parent)
	s := &SweepScheduler{
		cron:    c,
		sweeper: sweeper,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  l,
	}

	if _, err := c.AddFunc(schedule, s.run); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *SweepScheduler) Start() {
	s.logger.Info("expiry sweep scheduled")
	s.cron.Start()
}

func (s *SweepScheduler) run() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	if _, err := s.sweeper.ExpirySweep(ctx); err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
	}
}

// Shutdown stops scheduling and cancels a running sweep, waiting for it to
// return.
func (s *SweepScheduler) Shutdown(ctx context.Context) error {
	stopped := s.cron.Stop()
	s.cancel()

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
