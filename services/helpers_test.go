package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-media/internal/caching"
	"github.com/Yulian302/lfusys-services-media/internal/config"
	cerr "github.com/Yulian302/lfusys-services-media/internal/errors"
	logger "github.com/Yulian302/lfusys-services-media/internal/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/store"
	"github.com/stretchr/testify/require"
)

const (
	mib = int64(1024 * 1024)
	gib = 1024 * mib
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeStorage mimics S3 multipart semantics closely enough for the
// coordinator: finished or aborted uploads are forgotten, so a second abort
// reports not found.
type fakeStorage struct {
	mu        sync.Mutex
	next      int
	uploads   map[string]string
	objects   map[string]bool
	completed map[string][]models.CompletedPart

	completeCalls int
	abortCalls    int
	abortFailures int

	createErr     error
	presignErr    error
	completeErr   error
	afterComplete func()
	beforePresign func(objectKey string)
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		uploads:   map[string]string{},
		objects:   map[string]bool{},
		completed: map[string][]models.CompletedPart{},
	}
}

func (f *fakeStorage) IsReady(context.Context) error { return nil }

func (f *fakeStorage) Name() string { return "ObjectStorage[fake]" }

func (f *fakeStorage) CreateMultipartUpload(_ context.Context, objectKey, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.next++
	id := fmt.Sprintf("upload-%d", f.next)
	f.uploads[id] = objectKey
	return id, nil
}

func (f *fakeStorage) PresignPartURLs(ctx context.Context, objectKey, uploadID string, partNumbers []int32, ttl time.Duration) ([]models.PresignedURL, error) {
	if hook := f.beforePresign; hook != nil {
		hook(objectKey)
	}
	urls := make([]models.PresignedURL, 0, len(partNumbers))
	for _, n := range partNumbers {
		u, err := f.PresignPartURL(ctx, objectKey, uploadID, n, ttl)
		if err != nil {
			return nil, err
		}
		urls = append(urls, models.PresignedURL{PartNumber: n, URL: u})
	}
	return urls, nil
}

func (f *fakeStorage) PresignPartURL(_ context.Context, objectKey, uploadID string, partNumber int32, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return fmt.Sprintf("https://storage.test/%s?partNumber=%d&uploadId=%s&ttl=%d", objectKey, partNumber, uploadID, int(ttl.Seconds())), nil
}

func (f *fakeStorage) CompleteMultipartUpload(_ context.Context, objectKey, uploadID string, parts []models.CompletedPart) error {
	f.mu.Lock()
	f.completeCalls++
	if f.completeErr != nil {
		f.mu.Unlock()
		return f.completeErr
	}
	if err := store.ValidatePartList(parts); err != nil {
		f.mu.Unlock()
		return err
	}
	if _, ok := f.uploads[uploadID]; !ok {
		f.mu.Unlock()
		return &cerr.StoreError{Op: "complete_multipart_upload", Kind: cerr.StoreNotFound, Err: errors.New("NoSuchUpload")}
	}
	delete(f.uploads, uploadID)
	f.objects[objectKey] = true
	f.completed[objectKey] = parts
	hook := f.afterComplete
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeStorage) AbortMultipartUpload(_ context.Context, _, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	if f.abortFailures > 0 {
		f.abortFailures--
		return &cerr.StoreError{Op: "abort_multipart_upload", Kind: cerr.StoreUnavailable, Err: errors.New("connection reset")}
	}
	if _, ok := f.uploads[uploadID]; !ok {
		return &cerr.StoreError{Op: "abort_multipart_upload", Kind: cerr.StoreNotFound, Err: errors.New("NoSuchUpload")}
	}
	delete(f.uploads, uploadID)
	return nil
}

func (f *fakeStorage) PresignGetURL(_ context.Context, objectKey string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://storage.test/%s?ttl=%d", objectKey, int(ttl.Seconds())), nil
}

func (f *fakeStorage) DeleteObject(_ context.Context, objectKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, objectKey)
	return nil
}

func (f *fakeStorage) hasObject(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

func (f *fakeStorage) openUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *fakeStorage) completions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completeCalls
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.AssetLifecycleEvent
}

func (p *fakePublisher) Publish(_ context.Context, evt models.AssetLifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *fakePublisher) statuses() []models.UploadStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.UploadStatus, len(p.events))
	for i, e := range p.events {
		out[i] = e.Status
	}
	return out
}

// mapCache is a CachingService backed by a map, storing JSON like redis.
type mapCache struct {
	mu    sync.Mutex
	items map[string][]byte
	hits  int
}

func newMapCache() *mapCache {
	return &mapCache{items: map[string][]byte{}}
}

func (c *mapCache) Get(_ context.Context, key string, dest any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.items[key]
	if !ok {
		return caching.ErrCacheMiss
	}
	c.hits++
	return json.Unmarshal(raw, dest)
}

func (c *mapCache) Set(_ context.Context, key string, val any, _ time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = raw
	return nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.items, k)
	}
	return nil
}

func testUploadsConfig() config.UploadsConfig {
	return config.UploadsConfig{
		SessionTTL:      24 * time.Hour,
		PartURLTTL:      time.Hour,
		AccessURLTTL:    15 * time.Minute,
		MinPartSize:     5 * mib,
		MaxFileSize:     50 * gib,
		CompleteTimeout: 5 * time.Second,
		StuckAfter:      10 * time.Minute,
		SweepSchedule:   "@every 1m",
		SweepBatchSize:  100,
		AssetListingTTL: time.Minute,
	}
}

type harness struct {
	svc       *UploadServiceImpl
	assetSvc  *AssetServiceImpl
	sessions  *store.MemorySessionStore
	ledger    *store.MemoryQuotaLedger
	assets    *store.MemoryAssetStore
	storage   *fakeStorage
	publisher *fakePublisher
	cache     *mapCache
	clock     *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		sessions:  store.NewMemorySessionStore(),
		ledger:    store.NewMemoryQuotaLedger(),
		assets:    store.NewMemoryAssetStore(),
		storage:   newFakeStorage(),
		publisher: &fakePublisher{},
		cache:     newMapCache(),
		clock:     newTestClock(),
	}
	cfg := testUploadsConfig()
	l := logger.NewNopLogger()

	h.assetSvc = NewAssetServiceImpl(h.assets, h.storage, h.cache, cfg.AccessURLTTL, cfg.AssetListingTTL, l)
	h.assetSvc.now = h.clock.Now
	h.svc = NewUploadServiceImpl(h.sessions, h.ledger, h.storage, h.assetSvc, h.publisher, cfg, "assets", nil, l)
	h.svc.now = h.clock.Now
	return h
}

func (h *harness) grant(t *testing.T, institutionID string, assetType models.AssetType, typeBytes, totalBytes int64) {
	t.Helper()
	ctx := context.Background()
	_, err := h.ledger.SetLimit(ctx, institutionID, assetType, typeBytes, nil)
	require.NoError(t, err)
	_, err = h.ledger.SetLimit(ctx, institutionID, models.AssetTypeTotal, totalBytes, nil)
	require.NoError(t, err)
}

func (h *harness) usage(t *testing.T, institutionID string, assetType models.AssetType) models.QuotaRecord {
	t.Helper()
	records, err := h.ledger.Usage(context.Background(), institutionID)
	require.NoError(t, err)
	for _, r := range records {
		if r.AssetType == assetType {
			return r
		}
	}
	t.Fatalf("no quota row for %s/%s", institutionID, assetType)
	return models.QuotaRecord{}
}

func videoRequest(size, chunk int64) models.InitiateUploadRequest {
	return models.InitiateUploadRequest{
		InstitutionID: "inst-1",
		UploaderID:    "lecturer-7",
		Filename:      "lecture 01.mp4",
		ContentType:   "video/mp4",
		DeclaredSize:  size,
		ChunkSize:     chunk,
	}
}

func (h *harness) initiate(t *testing.T, req models.InitiateUploadRequest) *models.InitiateUploadResponse {
	t.Helper()
	resp, err := h.svc.InitiateUpload(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func (h *harness) notifyAll(t *testing.T, assetID string, parts ...int32) {
	t.Helper()
	for _, n := range parts {
		_, err := h.svc.NotifyPartCompleted(context.Background(), assetID, n, fmt.Sprintf("etag-%d", n))
		require.NoError(t, err)
	}
}

func partRange(from, to int32) []int32 {
	out := make([]int32, 0, to-from+1)
	for n := from; n <= to; n++ {
		out = append(out, n)
	}
	return out
}

func (h *harness) session(t *testing.T, assetID string) *models.UploadSession {
	t.Helper()
	s, err := h.sessions.GetSession(context.Background(), assetID)
	require.NoError(t, err)
	return s
}
