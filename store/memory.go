package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	cerr "github.com/Yulian302/lfusys-services-media/internal/errors"
	"github.com/Yulian302/lfusys-services-media/models"
)

type sessionEntry struct {
	mu      sync.Mutex
	session models.UploadSession
}

// MemorySessionStore keeps sessions in process. Each session has its own
// lock; the index lock only guards insertion and lookup.
type MemorySessionStore struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{entries: map[string]*sessionEntry{}}
}

func (m *MemorySessionStore) IsReady(context.Context) error { return nil }

func (m *MemorySessionStore) Name() string {
	return "UploadsStore[memory]"
}

func (m *MemorySessionStore) entry(assetID string) (*sessionEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[assetID]
	return e, ok
}

func (m *MemorySessionStore) CreateSession(_ context.Context, session models.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[session.AssetID]; ok {
		return fmt.Errorf("session %s: %w", session.AssetID, cerr.ErrAlreadyExists)
	}
	session = cloneSession(session)
	if session.Parts == nil {
		session.Parts = map[string]string{}
	}
	m.entries[session.AssetID] = &sessionEntry{session: session}
	return nil
}

func (m *MemorySessionStore) GetSession(_ context.Context, assetID string) (*models.UploadSession, error) {
	e, ok := m.entry(assetID)
	if !ok {
		return nil, cerr.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := cloneSession(e.session)
	return &s, nil
}

// mutate runs fn under the session lock. fn reports whether its condition
// held; when it did not the current session is returned with
// ErrStatusConflict.
func (m *MemorySessionStore) mutate(assetID string, fn func(s *models.UploadSession) bool) (*models.UploadSession, error) {
	e, ok := m.entry(assetID)
	if !ok {
		return nil, cerr.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := cloneSession(e.session)
	if !fn(&next) {
		current := cloneSession(e.session)
		return &current, fmt.Errorf("%w: status is %s", cerr.ErrStatusConflict, current.Status)
	}
	e.session = next

	out := cloneSession(next)
	return &out, nil
}

func (m *MemorySessionStore) MergePart(_ context.Context, assetID string, partNumber int32, etag string, now time.Time) (*models.UploadSession, error) {
	return m.mutate(assetID, func(s *models.UploadSession) bool {
		if s.Status != models.StatusUploading {
			return false
		}
		s.Parts[models.PartKey(partNumber)] = etag
		s.LastUpdatedAt = now
		return true
	})
}

func (m *MemorySessionStore) TransitionStatus(_ context.Context, assetID string, upd StatusUpdate) (*models.UploadSession, error) {
	if err := upd.validate(); err != nil {
		return nil, err
	}
	return m.mutate(assetID, func(s *models.UploadSession) bool {
		if !slices.Contains(upd.From, s.Status) {
			return false
		}
		s.Status = upd.To
		s.LastUpdatedAt = upd.Now
		if upd.Reason != "" {
			s.FailureReason = upd.Reason
		}
		if upd.StorageReleased {
			s.StorageReleased = true
		}
		return true
	})
}

func (m *MemorySessionStore) BeginCompletion(_ context.Context, assetID string, now time.Time) (*models.UploadSession, error) {
	return m.mutate(assetID, func(s *models.UploadSession) bool {
		if s.Status != models.StatusUploading || int32(len(s.Parts)) != s.TotalParts {
			return false
		}
		s.Status = models.StatusCompleting
		s.LastUpdatedAt = now
		return true
	})
}

func (m *MemorySessionStore) MarkStorageReleased(_ context.Context, assetID string) error {
	_, err := m.mutate(assetID, func(s *models.UploadSession) bool {
		s.StorageReleased = true
		return true
	})
	return err
}

func (m *MemorySessionStore) ListExpired(_ context.Context, status models.UploadStatus, before time.Time, limit int32) ([]models.UploadSession, error) {
	return m.filter(limit, func(s *models.UploadSession) bool {
		return s.Status == status && s.ExpiresAt.Before(before)
	}), nil
}

func (m *MemorySessionStore) ListUnreleased(_ context.Context, status models.UploadStatus, limit int32) ([]models.UploadSession, error) {
	return m.filter(limit, func(s *models.UploadSession) bool {
		return s.Status == status && !s.StorageReleased
	}), nil
}

func (m *MemorySessionStore) ListByInstitution(_ context.Context, institutionID string) ([]models.UploadSession, error) {
	return m.filter(0, func(s *models.UploadSession) bool {
		return s.InstitutionID == institutionID
	}), nil
}

// filter returns matching sessions ordered by expiry.
func (m *MemorySessionStore) filter(limit int32, match func(s *models.UploadSession) bool) []models.UploadSession {
	m.mu.RLock()
	entries := slices.Collect(maps.Values(m.entries))
	m.mu.RUnlock()

	var out []models.UploadSession
	for _, e := range entries {
		e.mu.Lock()
		if match(&e.session) {
			out = append(out, cloneSession(e.session))
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && int32(len(out)) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemorySessionStore) Delete(_ context.Context, assetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[assetID]; !ok {
		return cerr.ErrSessionNotFound
	}
	delete(m.entries, assetID)
	return nil
}

func cloneSession(s models.UploadSession) models.UploadSession {
	s.Parts = maps.Clone(s.Parts)
	return s
}

type institutionQuota struct {
	mu      sync.Mutex
	records map[models.AssetType]*models.QuotaRecord
}

// MemoryQuotaLedger serializes ledger operations per institution.
type MemoryQuotaLedger struct {
	mu           sync.Mutex
	institutions map[string]*institutionQuota
	now          func() time.Time
}

func NewMemoryQuotaLedger() *MemoryQuotaLedger {
	return &MemoryQuotaLedger{
		institutions: map[string]*institutionQuota{},
		now:          time.Now,
	}
}

func (l *MemoryQuotaLedger) IsReady(context.Context) error { return nil }

func (l *MemoryQuotaLedger) Name() string {
	return "QuotaLedger[memory]"
}

func (l *MemoryQuotaLedger) institution(id string) *institutionQuota {
	l.mu.Lock()
	defer l.mu.Unlock()

	iq, ok := l.institutions[id]
	if !ok {
		iq = &institutionQuota{records: map[models.AssetType]*models.QuotaRecord{}}
		l.institutions[id] = iq
	}
	return iq
}

func (l *MemoryQuotaLedger) Reserve(_ context.Context, institutionID string, assetType models.AssetType, bytes int64) error {
	iq := l.institution(institutionID)
	iq.mu.Lock()
	defer iq.mu.Unlock()

	now := l.now()
	pair := []models.AssetType{assetType, models.AssetTypeTotal}
	for _, t := range pair {
		rec, ok := iq.records[t]
		if !ok || !rec.Active(now) || rec.Available() < bytes {
			return fmt.Errorf("%w: %s/%s", cerr.ErrQuotaExceeded, institutionID, t)
		}
	}
	for _, t := range pair {
		iq.records[t].ReservedBytes += bytes
		iq.records[t].UpdatedAt = now
	}
	return nil
}

func (l *MemoryQuotaLedger) Commit(_ context.Context, institutionID string, assetType models.AssetType, bytes int64) error {
	return l.settle(institutionID, assetType, bytes, func(rec *models.QuotaRecord) {
		rec.ReservedBytes -= bytes
		rec.UsedBytes += bytes
	})
}

func (l *MemoryQuotaLedger) Release(_ context.Context, institutionID string, assetType models.AssetType, bytes int64) error {
	return l.settle(institutionID, assetType, bytes, func(rec *models.QuotaRecord) {
		rec.ReservedBytes -= bytes
	})
}

// settle applies fn to both rows of the pair once both hold at least bytes
// reserved.
func (l *MemoryQuotaLedger) settle(institutionID string, assetType models.AssetType, bytes int64, fn func(rec *models.QuotaRecord)) error {
	iq := l.institution(institutionID)
	iq.mu.Lock()
	defer iq.mu.Unlock()

	pair := []models.AssetType{assetType, models.AssetTypeTotal}
	for _, t := range pair {
		rec, ok := iq.records[t]
		if !ok || rec.ReservedBytes < bytes {
			return fmt.Errorf("%w: %s/%s", cerr.ErrQuotaAccounting, institutionID, t)
		}
	}
	now := l.now()
	for _, t := range pair {
		fn(iq.records[t])
		iq.records[t].UpdatedAt = now
	}
	return nil
}

func (l *MemoryQuotaLedger) Usage(_ context.Context, institutionID string) ([]models.QuotaRecord, error) {
	iq := l.institution(institutionID)
	iq.mu.Lock()
	defer iq.mu.Unlock()

	out := make([]models.QuotaRecord, 0, len(iq.records))
	for _, rec := range iq.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetType < out[j].AssetType })
	return out, nil
}

func (l *MemoryQuotaLedger) SetLimit(_ context.Context, institutionID string, assetType models.AssetType, totalBytes int64, expiresAt *time.Time) (*models.QuotaRecord, error) {
	iq := l.institution(institutionID)
	iq.mu.Lock()
	defer iq.mu.Unlock()

	rec, ok := iq.records[assetType]
	if !ok {
		rec = &models.QuotaRecord{InstitutionID: institutionID, AssetType: assetType}
		iq.records[assetType] = rec
	}
	rec.TotalBytes = totalBytes
	rec.ExpiresAt = expiresAt
	rec.UpdatedAt = l.now()

	out := *rec
	return &out, nil
}

// MemoryAssetStore is the in-process catalog used with the memory driver.
type MemoryAssetStore struct {
	mu     sync.RWMutex
	assets map[string]models.Asset
}

func NewMemoryAssetStore() *MemoryAssetStore {
	return &MemoryAssetStore{assets: map[string]models.Asset{}}
}

func (m *MemoryAssetStore) IsReady(context.Context) error { return nil }

func (m *MemoryAssetStore) Name() string {
	return "AssetStore[memory]"
}

func (m *MemoryAssetStore) CreatePlaceholder(_ context.Context, asset models.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assets[asset.AssetID]; ok {
		return fmt.Errorf("asset %s: %w", asset.AssetID, cerr.ErrAlreadyExists)
	}
	now := time.Now().UTC()
	asset.Status = models.AssetUploading
	asset.CreatedAt, asset.UpdatedAt = now, now
	m.assets[asset.AssetID] = asset
	return nil
}

func (m *MemoryAssetStore) MarkCompleted(_ context.Context, assetID, objectKey string, size int64, at time.Time) (*models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[assetID]
	if !ok {
		return nil, cerr.ErrAssetNotFound
	}
	if a.Status == models.AssetFailed {
		return nil, &cerr.InvalidStateError{Status: string(a.Status), Op: "complete"}
	}
	a.Status = models.AssetCompleted
	a.ObjectKey = objectKey
	a.Size = size
	if a.CompletedAt == nil {
		a.CompletedAt = &at
	}
	a.UpdatedAt = at
	m.assets[assetID] = a
	return &a, nil
}

func (m *MemoryAssetStore) MarkFailed(_ context.Context, assetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[assetID]
	if !ok || a.Status != models.AssetUploading {
		return nil
	}
	a.Status = models.AssetFailed
	a.UpdatedAt = time.Now().UTC()
	m.assets[assetID] = a
	return nil
}

func (m *MemoryAssetStore) Get(_ context.Context, assetID string) (*models.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assets[assetID]
	if !ok {
		return nil, cerr.ErrAssetNotFound
	}
	return &a, nil
}

func (m *MemoryAssetStore) ListByInstitution(_ context.Context, institutionID string, status models.AssetStatus) ([]models.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Asset
	for _, a := range m.assets {
		if a.InstitutionID == institutionID && a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryAssetStore) TouchAccessed(_ context.Context, assetID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[assetID]
	if !ok {
		return cerr.ErrAssetNotFound
	}
	a.LastAccessedAt = &at
	m.assets[assetID] = a
	return nil
}

func (m *MemoryAssetStore) UpdateDetails(_ context.Context, assetID string, title, description *string) (*models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[assetID]
	if !ok {
		return nil, cerr.ErrAssetNotFound
	}
	if title != nil {
		a.Title = *title
	}
	if description != nil {
		a.Description = *description
	}
	a.UpdatedAt = time.Now().UTC()
	m.assets[assetID] = a
	return &a, nil
}
