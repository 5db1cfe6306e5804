package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	cerr "github.com/Yulian302/lfusys-services-media/internal/errors"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitiateUploadOpensSession(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "inst-1", models.AssetTypeVideo, 10*gib, 10*gib)

	resp := h.initiate(t, videoRequest(6*gib, 100*mib))

	assert.Equal(t, int32(62), resp.TotalParts)
	require.Len(t, resp.PresignedURLs, 62)
	assert.Equal(t, int32(1), resp.PresignedURLs[0].PartNumber)
	assert.Equal(t, int32(62), resp.PresignedURLs[61].PartNumber)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), resp.ExpiresAt)

	s := h.session(t, resp.AssetID)
	assert.Equal(t, models.StatusUploading, s.Status)
	assert.Equal(t, "assets/inst-1/"+resp.AssetID+"/lecture_01.mp4", s.ObjectKey)
	assert.Equal(t, resp.StorageUploadID, s.StorageUploadID)
	assert.Equal(t, models.AssetTypeVideo, s.AssetType)

	for _, at := range []models.AssetType{models.AssetTypeVideo, models.AssetTypeTotal} {
		rec := h.usage(t, "inst-1", at)
		assert.Equal(t, 6*gib, rec.ReservedBytes, at)
		assert.Zero(t, rec.UsedBytes, at)
	}

	asset, err := h.assets.Get(context.Background(), resp.AssetID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetUploading, asset.Status)
	assert.Equal(t, "lecture_01.mp4", asset.Filename)
}

func TestInitiateUploadRejectedWithoutGrant(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.InitiateUpload(context.Background(), videoRequest(10*mib, 5*mib))

	assert.ErrorIs(t, err, cerr.ErrQuotaExceeded)
	assert.Zero(t, h.storage.openUploads())
	list, err := h.sessions.ListByInstitution(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestInitiateUploadRejectsWhenTotalRowIsFull(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "inst-1", models.AssetTypeVideo, 10*gib, 1*gib)

	_, err := h.svc.InitiateUpload(context.Background(), videoRequest(2*gib, 100*mib))
	require.ErrorIs(t, err, cerr.ErrQuotaExceeded)

	assert.Zero(t, h.usage(t, "inst-1", models.AssetTypeVideo).ReservedBytes)
	assert.Zero(t, h.usage(t, "inst-1", models.AssetTypeTotal).ReservedBytes)
}

func TestInitiateUploadValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.InitiateUploadRequest)
	}{
		{"missing filename", func(r *models.InitiateUploadRequest) { r.Filename = " " }},
		{"slash in institution", func(r *models.InitiateUploadRequest) { r.InstitutionID = "a/b" }},
		{"zero size", func(r *models.InitiateUploadRequest) { r.DeclaredSize = 0 }},
		{"negative chunk", func(r *models.InitiateUploadRequest) { r.ChunkSize = -1 }},
		{"unsupported type", func(r *models.InitiateUploadRequest) { r.ContentType = "application/x-msdownload" }},
		{"chunk below minimum", func(r *models.InitiateUploadRequest) { r.ChunkSize = 1 * mib }},
		{"too many parts", func(r *models.InitiateUploadRequest) { r.DeclaredSize = 49 * gib; r.ChunkSize = 5 * mib }},
		{"above max file size", func(r *models.InitiateUploadRequest) { r.DeclaredSize = 51 * gib }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.grant(t, "inst-1", models.AssetTypeVideo, 100*gib, 100*gib)

			req := videoRequest(20*mib, 5*mib)
			tt.mutate(&req)
			_, err := h.svc.InitiateUpload(context.Background(), req)

			assert.ErrorIs(t, err, cerr.ErrInvalidRequest)
			assert.Zero(t, h.usage(t, "inst-1", models.AssetTypeVideo).ReservedBytes)
		})
	}
}

func TestInitiateUploadSinglePartMaySkipMinimum(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "inst-1", models.AssetTypeDocument, gib, gib)

	req := models.InitiateUploadRequest{
		InstitutionID: "inst-1",
		UploaderID:    "lecturer-7",
		Filename:      "syllabus.pdf",
		ContentType:   "application/pdf",
		DeclaredSize:  200 * 1024,
		ChunkSize:     1024 * 1024,
	}
	resp := h.initiate(t, req)

	assert.Equal(t, int32(1), resp.TotalParts)
	assert.Equal(t, models.AssetTypeDocument, h.session(t, resp.AssetID).AssetType)
}

func TestInitiateUploadRollsBackWhenPresignFails(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "inst-1", models.AssetTypeVideo, 10*gib, 10*gib)
	h.storage.presignErr = &cerr.StoreError{Op: "presign_upload_part", Kind: cerr.StoreUnavailable, Err: errors.New("no signer")}

	_, err := h.svc.InitiateUpload(context.Background(), videoRequest(50*mib, 10*mib))
	require.Error(t, err)
	assert.True(t, cerr.IsStoreKind(err, cerr.StoreUnavailable))

	assert.Zero(t, h.usage(t, "inst-1", models.AssetTypeVideo).ReservedBytes)
	assert.Zero(t, h.usage(t, "inst-1", models.AssetTypeTotal).ReservedBytes)
	assert.Zero(t, h.storage.openUploads())

	list, err := h.sessions.ListByInstitution(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusFailed, list[0].Status)
	assert.True(t, list[0].StorageReleased)

	asset, err := h.assets.Get(context.Background(), list[0].AssetID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetFailed, asset.Status)
}

func TestInitiateUploadRollsBackWhenStorageRejects(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "inst-1", models.AssetTypeVideo, 10*gib, 10*gib)
	h.storage.createErr = &cerr.StoreError{Op: "create_multipart_upload", Kind: cerr.StoreAccessDenied, Err: errors.New("AccessDenied")}

	_, err := h.svc.InitiateUpload(context.Background(), videoRequest(50*mib, 10*mib))
	require.True(t, cerr.IsStoreKind(err, cerr.StoreAccessDenied))

	assert.Zero(t, h.usage(t, "inst-1", models.AssetTypeVideo).ReservedBytes)
	list, err := h.sessions.ListByInstitution(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

// ackLostSessionStore writes the session and then reports a failure, as a
// PutItem whose response never arrived.
type ackLostSessionStore struct {
	*store.MemorySessionStore
}

func (s ackLostSessionStore) CreateSession(ctx context.Context, session models.UploadSession) error {
	if err := s.MemorySessionStore.CreateSession(ctx, session); err != nil {
		return err
	}
	return fmt.Errorf("session %s: %w", session.AssetID, cerr.ErrAlreadyExists)
}

func TestFailedInitiateLeavesAbortedReservationAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.grant(t, "inst-1", models.AssetTypeVideo, 10*gib, 10*gib)
	h.initiate(t, videoRequest(6*gib, 100*mib))

	var abortErr error
	h.storage.beforePresign = func(objectKey string) {
		id, ok := h.svc.assetIDFromKey(objectKey)
		require.True(t, ok)
		_, abortErr = h.svc.AbortUpload(ctx, id)
	}

	_, err := h.svc.InitiateUpload(ctx, videoRequest(4*gib, 100*mib))
	require.ErrorIs(t, err, cerr.ErrStatusConflict)
	require.NoError(t, abortErr)

	assert.Equal(t, 6*gib, h.usage(t, "inst-1", models.AssetTypeVideo).ReservedBytes)
	assert.Equal(t, 6*gib, h.usage(t, "inst-1", models.AssetTypeTotal).ReservedBytes)
}

func TestFailedInitiateReleasesOnceWhenSessionWriteIsUnacknowledged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.grant(t, "inst-1", models.AssetTypeVideo, 10*gib, 10*gib)
	first := h.initiate(t, videoRequest(6*gib, 100*mib))

	h.svc.sessionStore = ackLostSessionStore{h.sessions}
	_, err := h.svc.InitiateUpload(ctx, videoRequest(4*gib, 100*mib))
	require.ErrorIs(t, err, cerr.ErrAlreadyExists)

	assert.Equal(t, 6*gib, h.usage(t, "inst-1", models.AssetTypeVideo).ReservedBytes)

	list, err := h.sessions.ListByInstitution(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, s := range list {
		if s.AssetID != first.AssetID {
			assert.Equal(t, models.StatusFailed, s.Status)
		}
	}

	h.clock.Advance(25 * time.Hour)
	res, err := h.svc.ExpirySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	assert.Zero(t, h.usage(t, "inst-1", models.AssetTypeVideo).ReservedBytes)
	assert.Zero(t, h.usage(t, "inst-1", models.AssetTypeTotal).ReservedBytes)
	assert.Equal(t, models.StatusExpired, h.session(t, first.AssetID).Status)
}

func TestConcurrentInitiatesNeverOverReserve(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "inst-1", models.AssetTypeVideo, 10*gib, 10*gib)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.InitiateUpload(context.Background(), videoRequest(3*gib, 100*mib))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, cerr.ErrQuotaExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)
	assert.Equal(t, 2, rejected)
	assert.Equal(t, 9*gib, h.usage(t, "inst-1", models.AssetTypeVideo).ReservedBytes)
	assert.Equal(t, 9*gib, h.usage(t, "inst-1", models.AssetTypeTotal).ReservedBytes)
}

func TestNotifyPartCompletedIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "inst-1", models.AssetTypeVideo, gib, gib)
	resp := h.initiate(t, videoRequest(50*mib, 10*mib))
	ctx := context.Background()

	first, err := h.svc.NotifyPartCompleted(ctx, resp.AssetID, 2, "etag-a")
	require.NoError(t, err)
	again, err := h.svc.NotifyPartCompleted(ctx, resp.AssetID, 2, "etag-b")
	require.NoError(t, err)

	assert.Equal(t, int32(1), first.CompletedCount)
	assert.Equal(t, int32(1), again.CompletedCount)
	assert.Equal(t, 20.0, again.ProgressPercentage)
	assert.Equal(t, "etag-b", h.session(t, resp.AssetID).Parts["2"])
}

func TestNotifyPartCompletedRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "inst-1", models.AssetTypeVideo, gib, gib)
	resp := h.initiate(t, videoRequest(50*mib, 10*mib))
	ctx := context.Background()

	_, err := h.svc.NotifyPartCompleted(ctx, resp.AssetID, 0, "etag")
	assert.ErrorIs(t, err, cerr.ErrInvalidPartNumber)

	_, err = h.svc.NotifyPartCompleted(ctx, resp.AssetID, 6, "etag")
	assert.ErrorIs(t, err, cerr.ErrInvalidPartNumber)

	_, err = h.svc.NotifyPartCompleted(ctx, resp.AssetID, 1, "  ")
	assert.ErrorIs(t, err, cerr.ErrInvalidRequest)

	_, err = h.svc.NotifyPartCompleted(ctx, "missing", 1, "etag")
	assert.ErrorIs(t, err, cerr.ErrSessionNotFound)

	_, err = h.svc.AbortUpload(ctx, resp.AssetID)
	require.NoError(t, err)
	_, err = h.svc.NotifyPartCompleted(ctx, resp.AssetID, 1, "etag")
	assert.ErrorIs(t, err, cerr.ErrInvalidState)
}

func TestResumeUploadReturnsMissingParts(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "inst-1", models.AssetTypeVideo, gib, gib)
	resp := h.initiate(t, videoRequest(50*mib, 10*mib))
	h.notifyAll(t, resp.AssetID, 1, 3)

	h.clock.Advance(23*time.Hour + 30*time.Minute)
	resumed, err := h.svc.ResumeUpload(context.Background(), resp.AssetID)
	require.NoError(t, err)

	var numbers []int32
	for _, u := range resumed.PresignedURLs {
		numbers = append(numbers, u.PartNumber)
		assert.True(t, strings.HasSuffix(u.URL, "ttl=1800"), "part URL must not outlive the session: %s", u.URL)
	}
	assert.Equal(t, []int32{2, 4, 5}, numbers)
	assert.Equal(t, int32(5), resumed.TotalParts)
}

func TestResumeUploadRejectsEndedSessions(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "inst-1", models.AssetTypeVideo, gib, gib)
	ctx := context.Background()

	expired := h.initiate(t, videoRequest(50*mib, 10*mib))
	h.clock.Advance(25 * time.Hour)
	_, err := h.svc.ResumeUpload(ctx, expired.AssetID)
	assert.ErrorIs(t, err, cerr.ErrInvalidState)

	aborted := h.initiate(t, videoRequest(50*mib, 10*mib))
	_, err = h.svc.AbortUpload(ctx, aborted.AssetID)
	require.NoError(t, err)
	_, err = h.svc.ResumeUpload(ctx, aborted.AssetID)
	assert.ErrorIs(t, err, cerr.ErrInvalidState)
}

func TestGetUploadStatusAndListing(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "inst-1", models.AssetTypeVideo, gib, gib)
	resp := h.initiate(t, videoRequest(40*mib, 10*mib))
	h.notifyAll(t, resp.AssetID, 1)
	ctx := context.Background()

	status, err := h.svc.GetUploadStatus(ctx, resp.AssetID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploading, status.Status)
	assert.Equal(t, int32(1), status.CompletedCount)
	assert.Equal(t, 25.0, status.ProgressPercentage)

	_, err = h.svc.GetUploadStatus(ctx, "nope")
	assert.ErrorIs(t, err, cerr.ErrSessionNotFound)

	list, err := h.svc.ListInstitutionUploads(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, resp.AssetID, list[0].AssetID)

	other, err := h.svc.ListInstitutionUploads(ctx, "inst-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"lecture 01.mp4":        "lecture_01.mp4",
		"../../etc/passwd":      "passwd",
		`C:\Users\me\notes.pdf`: "notes.pdf",
		"..":                    "file",
		".hidden":               "hidden",
		"résumé.pdf":            "r_sum_.pdf",
		"":                      "file",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeFilename(in), in)
	}

	long := strings.Repeat("a", 300) + ".mp4"
	got := sanitizeFilename(long)
	assert.Len(t, got, 200)
	assert.True(t, strings.HasSuffix(got, ".mp4"))
}
