package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"clippress/api/internal/config"
	"clippress/api/internal/geometry"
	"clippress/api/internal/store"
	"clippress/api/internal/token"
	"clippress/api/internal/util"
)

// Audit carries request-derived audit fields. Stored on sessions and history
// rows, never used to deny a request.
type Audit struct {
	Fingerprint string
	UserAgent   string
}

type UpdateRegionInput struct {
	X      *int    `json:"x"`
	Y      *int    `json:"y"`
	Width  *int    `json:"width"`
	Height *int    `json:"height"`
	Label  *string `json:"label"`
	Title  *string `json:"title"`
}

type CreateRegionInput struct {
	PageNumber int     `json:"pageNumber"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Label      *string `json:"label"`
}

type dataStore interface {
	GetTenantByHost(ctx context.Context, host string) (store.Tenant, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	GetPageBounds(ctx context.Context, documentID string, pageNumber int) (store.PageBounds, error)
	GetRegion(ctx context.Context, regionID string) (store.Region, error)
	InsertCropSession(ctx context.Context, session store.CropSession) error
	GetCropSession(ctx context.Context, keyHash string) (store.CropSession, error)
	ApplyRegionUpdate(ctx context.Context, params store.RegionUpdate) (store.RegionMutationResult, error)
	CreateSuggestedRegion(ctx context.Context, params store.RegionCreate) (store.RegionMutationResult, error)
	DeleteExpiredCropSessions(ctx context.Context, now time.Time) (int64, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg   config.Config
	store dataStore
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{cfg: cfg, store: dataStore}
}

func newService(cfg config.Config, dataStore dataStore) *Service {
	return &Service{cfg: cfg, store: dataStore}
}

// ResolveTenant maps a request host to its tenant, falling back to the
// configured default tenant for single-tenant deployments.
func (s *Service) ResolveTenant(ctx context.Context, host string) (store.Tenant, error) {
	tenant, err := s.store.GetTenantByHost(ctx, host)
	if err == nil {
		return tenant, nil
	}
	if errors.Is(err, sql.ErrNoRows) && s.cfg.DefaultTenantID != "" {
		return store.Tenant{ID: s.cfg.DefaultTenantID}, nil
	}
	return store.Tenant{}, err
}

// IssueCropSession mints a new session over a document, optionally scoped to
// one existing region. Issuance itself is not rate limited; network-level
// throttling sits upstream.
func (s *Service) IssueCropSession(ctx context.Context, tenantID, documentID, regionID string, audit Audit) (map[string]any, error) {
	document, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errDocumentNotFound()
	}
	if err != nil {
		return nil, err
	}
	// A document outside the caller's tenant reads as absent so issuance
	// does not leak other tenants' catalogs.
	if document.TenantID != tenantID {
		return nil, errDocumentNotFound()
	}

	if regionID != "" {
		region, err := s.store.GetRegion(ctx, regionID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errRegionNotFound()
		}
		if err != nil {
			return nil, err
		}
		if region.DocumentID != documentID {
			return nil, errRegionNotFound()
		}
	}

	sessionKey, err := token.MintSessionKey()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.SessionTTL)
	session := store.CropSession{
		ID:             util.NewID("cs"),
		KeyHash:        token.HashKey(sessionKey),
		DocumentID:     documentID,
		ScopedRegionID: regionID,
		ExpiresAt:      expiresAt,
		Fingerprint:    audit.Fingerprint,
		UserAgent:      audit.UserAgent,
	}
	if err := s.store.InsertCropSession(ctx, session); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"sessionKey": sessionKey,
		"expiresAt":  expiresAt.UTC().Format(time.RFC3339),
		"ttlSeconds": int(s.cfg.SessionTTL.Seconds()),
		"documentId": documentID,
	}
	if regionID != "" {
		payload["regionId"] = regionID
	} else {
		payload["regionId"] = nil
	}
	return payload, nil
}

// UpdateRegion applies a partial geometry/metadata change to a region under
// an authorized session. Quota reservation, history, the write itself and
// cache invalidation are one store transaction.
func (s *Service) UpdateRegion(ctx context.Context, tenantID, sessionKey, regionID string, input UpdateRegionInput, audit Audit) (map[string]any, error) {
	session, err := s.authorize(ctx, tenantID, sessionKey)
	if err != nil {
		return nil, err
	}
	if session.ScopedRegionID != "" && session.ScopedRegionID != regionID {
		return nil, errScopeMismatch()
	}

	region, err := s.store.GetRegion(ctx, regionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errRegionNotFound()
	}
	if err != nil {
		return nil, err
	}
	if region.DocumentID != session.DocumentID {
		return nil, errRegionDocumentMismatch()
	}

	merged := geometry.Merge(region.Rect, input.X, input.Y, input.Width, input.Height)

	bounds, err := s.store.GetPageBounds(ctx, region.DocumentID, region.PageNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errInvalidPageNumber(region.PageNumber, 0)
	}
	if err != nil {
		return nil, err
	}
	if err := geometry.Validate(merged, geometry.Bounds{Width: bounds.Width, Height: bounds.Height}); err != nil {
		return nil, errInvalidCoordinates(err.Error())
	}

	result, err := s.store.ApplyRegionUpdate(ctx, store.RegionUpdate{
		SessionID:      session.ID,
		SessionKeyHash: session.KeyHash,
		MaxOperations:  s.cfg.MaxSessionOps,
		RegionID:       regionID,
		Rect:           merged,
		Label:          input.Label,
		Title:          input.Title,
		Fingerprint:    audit.Fingerprint,
	})
	if errors.Is(err, store.ErrQuotaExhausted) {
		return nil, errQuotaExhausted(s.cfg.MaxSessionOps, s.cfg.MaxSessionOps)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errRegionNotFound()
	}
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"region":           regionPayload(result.Region),
		"updatesRemaining": result.UpdatesRemaining,
	}, nil
}

// CreateRegion records a public clip suggestion. The region is created
// inactive and only privileged review can activate it.
func (s *Service) CreateRegion(ctx context.Context, tenantID, sessionKey string, input CreateRegionInput, audit Audit) (map[string]any, error) {
	session, err := s.authorize(ctx, tenantID, sessionKey)
	if err != nil {
		return nil, err
	}
	if session.ScopedRegionID != "" {
		return nil, errScopedSessionCannotCreate()
	}

	document, err := s.store.GetDocument(ctx, session.DocumentID)
	if err != nil {
		return nil, err
	}
	if input.PageNumber < 1 || input.PageNumber > document.PageCount {
		return nil, errInvalidPageNumber(input.PageNumber, document.PageCount)
	}

	rect := geometry.Rect{X: input.X, Y: input.Y, Width: input.Width, Height: input.Height}
	bounds, err := s.store.GetPageBounds(ctx, session.DocumentID, input.PageNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errInvalidPageNumber(input.PageNumber, document.PageCount)
	}
	if err != nil {
		return nil, err
	}
	if err := geometry.Validate(rect, geometry.Bounds{Width: bounds.Width, Height: bounds.Height}); err != nil {
		return nil, errInvalidCoordinates(err.Error())
	}

	result, err := s.store.CreateSuggestedRegion(ctx, store.RegionCreate{
		SessionID:      session.ID,
		SessionKeyHash: session.KeyHash,
		MaxOperations:  s.cfg.MaxSessionOps,
		DocumentID:     session.DocumentID,
		PageNumber:     input.PageNumber,
		Rect:           rect,
		Label:          input.Label,
		Fingerprint:    audit.Fingerprint,
	})
	if errors.Is(err, store.ErrQuotaExhausted) {
		return nil, errQuotaExhausted(s.cfg.MaxSessionOps, s.cfg.MaxSessionOps)
	}
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"region":           regionPayload(result.Region),
		"pendingReview":    true,
		"updatesRemaining": result.UpdatesRemaining,
	}, nil
}

// authorize runs the ordered credential checks. Quota is only pre-screened
// here for the distinct failure signal; the binding reservation is the
// conditional increment inside the mutation transaction.
func (s *Service) authorize(ctx context.Context, tenantID, sessionKey string) (store.CropSession, error) {
	if sessionKey == "" {
		return store.CropSession{}, errCredentialRequired()
	}

	session, err := s.store.GetCropSession(ctx, token.HashKey(sessionKey))
	if errors.Is(err, sql.ErrNoRows) {
		return store.CropSession{}, errInvalidCredential()
	}
	if err != nil {
		return store.CropSession{}, err
	}

	document, err := s.store.GetDocument(ctx, session.DocumentID)
	if err != nil {
		return store.CropSession{}, err
	}
	if document.TenantID != tenantID {
		log.Printf("audit: cross-tenant crop session use session=%s tenant=%s caller=%s", session.ID, document.TenantID, tenantID)
		return store.CropSession{}, errTenantMismatch()
	}

	if session.Expired(time.Now()) {
		return store.CropSession{}, errCredentialExpired()
	}

	if session.UpdateCount >= s.cfg.MaxSessionOps {
		return store.CropSession{}, errQuotaExhausted(s.cfg.MaxSessionOps, session.UpdateCount)
	}

	return session, nil
}

// SweepExpiredSessions deletes sessions past their expiry. Safe to run
// concurrently with live traffic; the authorizer never trusts sweep timing.
func (s *Service) SweepExpiredSessions(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredCropSessions(ctx, time.Now())
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func regionPayload(region store.Region) map[string]any {
	var confidence any
	if region.Confidence != nil {
		confidence = *region.Confidence
	}
	return map[string]any{
		"id":         region.ID,
		"documentId": region.DocumentID,
		"pageNumber": region.PageNumber,
		"x":          region.Rect.X,
		"y":          region.Rect.Y,
		"width":      region.Rect.Width,
		"height":     region.Rect.Height,
		"label":      region.Label,
		"title":      region.Title,
		"source":     region.Source,
		"isActive":   region.IsActive,
		"confidence": confidence,
		"updatedAt":  region.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
