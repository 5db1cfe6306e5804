package services

import (
	"context"
	"strings"
	"testing"
	"time"

	cerr "github.com/Yulian302/lfusys-services-media/internal/errors"
	logger "github.com/Yulian302/lfusys-services-media/internal/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedAsset(t *testing.T, h *harness) *models.Asset {
	t.Helper()
	h.grant(t, "inst-1", models.AssetTypeVideo, gib, gib)
	resp := h.initiate(t, videoRequest(10*mib, 10*mib))
	h.notifyAll(t, resp.AssetID, 1)
	asset, err := h.svc.CompleteUpload(context.Background(), resp.AssetID)
	require.NoError(t, err)
	return asset
}

func TestGetAccessURLClampsExpiry(t *testing.T) {
	h := newHarness(t)
	asset := completedAsset(t, h)
	ctx := context.Background()

	tests := []struct {
		seconds int64
		want    time.Duration
	}{
		{0, 15 * time.Minute},
		{10, time.Minute},
		{3600, time.Hour},
		{30 * 24 * 3600, 7 * 24 * time.Hour},
	}
	for _, tt := range tests {
		got, err := h.assetSvc.GetAccessURL(ctx, asset.AssetID, tt.seconds)
		require.NoError(t, err)
		assert.Equal(t, h.clock.Now().Add(tt.want), got.ExpiresAt, tt.seconds)
		assert.True(t, strings.Contains(got.URL, asset.ObjectKey))
	}

	touched, err := h.assets.Get(ctx, asset.AssetID)
	require.NoError(t, err)
	require.NotNil(t, touched.LastAccessedAt)

	_, err = h.assetSvc.GetAccessURL(ctx, asset.AssetID, -1)
	assert.ErrorIs(t, err, cerr.ErrInvalidRequest)
}

func TestGetAccessURLRequiresCompletedAsset(t *testing.T) {
	h := newHarness(t)
	h.grant(t, "inst-1", models.AssetTypeVideo, gib, gib)
	resp := h.initiate(t, videoRequest(10*mib, 10*mib))
	ctx := context.Background()

	_, err := h.assetSvc.GetAccessURL(ctx, resp.AssetID, 0)
	assert.ErrorIs(t, err, cerr.ErrAssetNotReady)

	_, err = h.assetSvc.GetAccessURL(ctx, "missing", 0)
	assert.ErrorIs(t, err, cerr.ErrAssetNotFound)
}

func TestListInstitutionAssetsIsCachedAndInvalidated(t *testing.T) {
	h := newHarness(t)
	first := completedAsset(t, h)
	ctx := context.Background()

	list, err := h.assetSvc.ListInstitutionAssets(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = h.assetSvc.ListInstitutionAssets(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.cache.hits)

	resp := h.initiate(t, videoRequest(10*mib, 10*mib))
	h.notifyAll(t, resp.AssetID, 1)
	_, err = h.svc.CompleteUpload(ctx, resp.AssetID)
	require.NoError(t, err)

	list, err = h.assetSvc.ListInstitutionAssets(ctx, "inst-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, 1, h.cache.hits)

	title := "Week 1"
	updated, err := h.assetSvc.UpdateDetails(ctx, first.AssetID, models.UpdateAssetRequest{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Week 1", updated.Title)
	_, ok := h.cache.items[assetsCacheKey("inst-1")]
	assert.False(t, ok)
}

func TestUpdateDetailsValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.assetSvc.UpdateDetails(ctx, "a1", models.UpdateAssetRequest{})
	assert.ErrorIs(t, err, cerr.ErrInvalidRequest)

	long := strings.Repeat("x", 256)
	_, err = h.assetSvc.UpdateDetails(ctx, "a1", models.UpdateAssetRequest{Title: &long})
	assert.ErrorIs(t, err, cerr.ErrInvalidRequest)

	title := "ok"
	_, err = h.assetSvc.UpdateDetails(ctx, "a1", models.UpdateAssetRequest{Title: &title})
	assert.ErrorIs(t, err, cerr.ErrAssetNotFound)
}

func TestQuotaServiceSetLimit(t *testing.T) {
	h := newHarness(t)
	svc := NewQuotaServiceImpl(h.ledger, logger.NewNopLogger())
	ctx := context.Background()

	rec, err := svc.SetLimit(ctx, "inst-1", "VIDEO", models.SetQuotaRequest{TotalBytes: 10 * gib})
	require.NoError(t, err)
	assert.Equal(t, models.AssetTypeVideo, rec.AssetType)
	assert.Equal(t, 10*gib, rec.TotalBytes)

	past := time.Now().Add(-time.Hour)
	tests := []struct {
		name      string
		inst      string
		assetType string
		req       models.SetQuotaRequest
	}{
		{"unknown type", "inst-1", "hologram", models.SetQuotaRequest{TotalBytes: 1}},
		{"negative", "inst-1", "video", models.SetQuotaRequest{TotalBytes: -1}},
		{"expired grant", "inst-1", "video", models.SetQuotaRequest{TotalBytes: 1, ExpiresAt: &past}},
		{"no institution", "", "video", models.SetQuotaRequest{TotalBytes: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SetLimit(ctx, tt.inst, tt.assetType, tt.req)
			assert.ErrorIs(t, err, cerr.ErrInvalidRequest)
		})
	}

	usage, err := svc.Usage(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, 10*gib, usage[0].Available())
}
