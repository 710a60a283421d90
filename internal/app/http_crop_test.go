package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"clippress/api/internal/geometry"
	"clippress/api/internal/store"
)

// memStore is an in-memory dataStore with real conditional-increment quota
// semantics, enough to exercise the HTTP surface end to end.
type memStore struct {
	mu        sync.Mutex
	tenants   map[string]store.Tenant // keyed by host
	documents map[string]store.Document
	pages     map[string]store.PageBounds // documentID/pageNumber
	regions   map[string]store.Region
	sessions  map[string]store.CropSession // keyed by key hash
	history   []store.RegionHistoryEntry
	nextID    int
}

func newMemStore() *memStore {
	return &memStore{
		tenants:   map[string]store.Tenant{},
		documents: map[string]store.Document{},
		pages:     map[string]store.PageBounds{},
		regions:   map[string]store.Region{},
		sessions:  map[string]store.CropSession{},
	}
}

func pageKey(documentID string, pageNumber int) string {
	return fmt.Sprintf("%s/%d", documentID, pageNumber)
}

func (m *memStore) GetTenantByHost(_ context.Context, host string) (store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, ok := m.tenants[host]
	if !ok {
		return store.Tenant{}, sql.ErrNoRows
	}
	return tenant, nil
}

func (m *memStore) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	document, ok := m.documents[documentID]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return document, nil
}

func (m *memStore) GetPageBounds(_ context.Context, documentID string, pageNumber int) (store.PageBounds, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bounds, ok := m.pages[pageKey(documentID, pageNumber)]
	if !ok {
		return store.PageBounds{}, sql.ErrNoRows
	}
	return bounds, nil
}

func (m *memStore) GetRegion(_ context.Context, regionID string) (store.Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	region, ok := m.regions[regionID]
	if !ok {
		return store.Region{}, sql.ErrNoRows
	}
	return region, nil
}

func (m *memStore) InsertCropSession(_ context.Context, session store.CropSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.KeyHash] = session
	return nil
}

func (m *memStore) GetCropSession(_ context.Context, keyHash string) (store.CropSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[keyHash]
	if !ok {
		return store.CropSession{}, sql.ErrNoRows
	}
	return session, nil
}

// consume mirrors the conditional increment in the SQL store: at most
// MaxOperations successes per session, everything past that is exhausted.
func (m *memStore) consume(keyHash string, maxOperations int) (int, error) {
	session, ok := m.sessions[keyHash]
	if !ok || session.UpdateCount >= maxOperations || session.Expired(time.Now()) {
		return 0, store.ErrQuotaExhausted
	}
	session.UpdateCount++
	m.sessions[keyHash] = session
	return maxOperations - session.UpdateCount, nil
}

func (m *memStore) ApplyRegionUpdate(_ context.Context, params store.RegionUpdate) (store.RegionMutationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining, err := m.consume(params.SessionKeyHash, params.MaxOperations)
	if err != nil {
		return store.RegionMutationResult{}, err
	}

	region, ok := m.regions[params.RegionID]
	if !ok {
		return store.RegionMutationResult{}, sql.ErrNoRows
	}
	if region.Rect != params.Rect {
		m.history = append(m.history, store.RegionHistoryEntry{
			RegionID:   region.ID,
			DocumentID: region.DocumentID,
			Previous:   region.Rect,
			New:        params.Rect,
			SessionID:  params.SessionID,
		})
	}
	region.Rect = params.Rect
	if params.Label != nil {
		region.Label = *params.Label
	}
	if params.Title != nil {
		region.Title = *params.Title
	}
	region.UpdatedBy = store.SourcePublic
	region.Confidence = nil
	region.UpdatedAt = time.Now()
	m.regions[region.ID] = region

	return store.RegionMutationResult{Region: region, UpdatesRemaining: remaining}, nil
}

func (m *memStore) CreateSuggestedRegion(_ context.Context, params store.RegionCreate) (store.RegionMutationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining, err := m.consume(params.SessionKeyHash, params.MaxOperations)
	if err != nil {
		return store.RegionMutationResult{}, err
	}

	m.nextID++
	region := store.Region{
		ID:         fmt.Sprintf("reg_new_%d", m.nextID),
		DocumentID: params.DocumentID,
		PageNumber: params.PageNumber,
		Rect:       params.Rect,
		Source:     store.SourcePublic,
		IsActive:   false,
		UpdatedBy:  store.SourcePublic,
		UpdatedAt:  time.Now(),
	}
	if params.Label != nil {
		region.Label = *params.Label
	}
	m.regions[region.ID] = region
	return store.RegionMutationResult{Region: region, UpdatesRemaining: remaining}, nil
}

func (m *memStore) DeleteExpiredCropSessions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for keyHash, session := range m.sessions {
		if session.Expired(now) {
			delete(m.sessions, keyHash)
			purged++
		}
	}
	return purged, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *memStore) {
	t.Helper()

	mem := newMemStore()
	mem.tenants["gazette.test"] = store.Tenant{ID: "ten_1", Host: "gazette.test"}
	confidence := 0.92
	mem.documents["doc_1"] = store.Document{ID: "doc_1", TenantID: "ten_1", Title: "Evening Gazette", PageCount: 8}
	mem.pages[pageKey("doc_1", 2)] = store.PageBounds{DocumentID: "doc_1", PageNumber: 2, Width: 800, Height: 1200}
	mem.regions["reg_1"] = store.Region{
		ID: "reg_1", DocumentID: "doc_1", PageNumber: 2,
		Rect:   geometry.Rect{X: 10, Y: 10, Width: 100, Height: 50},
		Source: store.SourceAutomatic, IsActive: true, Confidence: &confidence,
		UpdatedBy: "ocr-pipeline", UpdatedAt: time.Now(),
	}

	service := newService(testConfig(), mem)
	server := httptest.NewServer(NewHTTPServer(service, "*").Handler())
	t.Cleanup(server.Close)
	return server, mem
}

func doJSON(t *testing.T, method, url, sessionKey string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Host = "gazette.test"
	req.Header.Set("Content-Type", "application/json")
	if sessionKey != "" {
		req.Header.Set("X-Crop-Session", sessionKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, payload
}

func issueSession(t *testing.T, server *httptest.Server, regionID string) string {
	t.Helper()
	body := map[string]any{"documentId": "doc_1"}
	if regionID != "" {
		body["regionId"] = regionID
	}
	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/crop-session", "", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 from issuance, got %d: %v", resp.StatusCode, payload)
	}
	key, _ := payload["sessionKey"].(string)
	if key == "" {
		t.Fatalf("issuance returned no session key: %v", payload)
	}
	return key
}

func TestHTTPIssueCropSession(t *testing.T) {
	server, _ := newTestServer(t)
	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/crop-session", "", map[string]any{"documentId": "doc_1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, payload)
	}
	if payload["ttlSeconds"] != float64(300) {
		t.Fatalf("expected ttlSeconds 300, got %v", payload["ttlSeconds"])
	}
	if _, err := time.Parse(time.RFC3339, payload["expiresAt"].(string)); err != nil {
		t.Fatalf("expiresAt is not RFC3339: %v", payload["expiresAt"])
	}
}

func TestHTTPUpdateRequiresSessionKey(t *testing.T) {
	server, _ := newTestServer(t)
	resp, payload := doJSON(t, http.MethodPut, server.URL+"/api/regions/reg_1/update", "", map[string]any{"x": 20})
	if resp.StatusCode != http.StatusUnauthorized || payload["code"] != "CREDENTIAL_REQUIRED" {
		t.Fatalf("expected 401 CREDENTIAL_REQUIRED, got %d %v", resp.StatusCode, payload)
	}
}

func TestHTTPUpdateRejectsUnknownKey(t *testing.T) {
	server, _ := newTestServer(t)
	resp, payload := doJSON(t, http.MethodPut, server.URL+"/api/regions/reg_1/update", "not-a-real-key", map[string]any{"x": 20})
	if resp.StatusCode != http.StatusUnauthorized || payload["code"] != "INVALID_CREDENTIAL" {
		t.Fatalf("expected 401 INVALID_CREDENTIAL, got %d %v", resp.StatusCode, payload)
	}
}

func TestHTTPUpdateRejectsNegativeCoordinates(t *testing.T) {
	server, _ := newTestServer(t)
	key := issueSession(t, server, "")
	resp, payload := doJSON(t, http.MethodPut, server.URL+"/api/regions/reg_1/update", key, map[string]any{"x": -5})
	if resp.StatusCode != http.StatusBadRequest || payload["code"] != "INVALID_COORDINATES" {
		t.Fatalf("expected 400 INVALID_COORDINATES, got %d %v", resp.StatusCode, payload)
	}
}

func TestHTTPUpdateClearsConfidenceAndMarksPublic(t *testing.T) {
	server, mem := newTestServer(t)
	key := issueSession(t, server, "")

	resp, payload := doJSON(t, http.MethodPut, server.URL+"/api/regions/reg_1/update", key, map[string]any{"x": 20})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, payload)
	}
	region := payload["region"].(map[string]any)
	if region["x"] != float64(20) || region["y"] != float64(10) {
		t.Fatalf("expected merged geometry x=20 y=10, got %v", region)
	}
	if region["confidence"] != nil {
		t.Fatalf("public edit must clear the automatic confidence, got %v", region["confidence"])
	}

	stored := mem.regions["reg_1"]
	if stored.UpdatedBy != "public" || stored.Confidence != nil {
		t.Fatalf("stored region not marked as publicly edited: %+v", stored)
	}
	if len(mem.history) != 1 {
		t.Fatalf("geometry change must append exactly one history row, got %d", len(mem.history))
	}
}

func TestHTTPSessionLifecycleExhaustsAfterThreeMutations(t *testing.T) {
	server, mem := newTestServer(t)
	key := issueSession(t, server, "")

	// First mutation: create a suggestion.
	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/regions/create", key, map[string]any{
		"pageNumber": 2, "x": 50, "y": 60, "width": 200, "height": 120, "label": "reader clip",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, payload)
	}
	if payload["pendingReview"] != true {
		t.Fatalf("expected pendingReview true, got %v", payload)
	}
	created := payload["region"].(map[string]any)
	if created["source"] != "public" || created["isActive"] != false {
		t.Fatalf("suggestion must be inactive public, got %v", created)
	}
	if payload["updatesRemaining"] != float64(2) {
		t.Fatalf("expected 2 remaining, got %v", payload["updatesRemaining"])
	}

	// Second and third mutations: geometry updates.
	resp, payload = doJSON(t, http.MethodPut, server.URL+"/api/regions/reg_1/update", key, map[string]any{"x": 20})
	if resp.StatusCode != http.StatusOK || payload["updatesRemaining"] != float64(1) {
		t.Fatalf("expected 200 with 1 remaining, got %d %v", resp.StatusCode, payload)
	}
	resp, payload = doJSON(t, http.MethodPut, server.URL+"/api/regions/reg_1/update", key, map[string]any{"y": 30})
	if resp.StatusCode != http.StatusOK || payload["updatesRemaining"] != float64(0) {
		t.Fatalf("expected 200 with 0 remaining, got %d %v", resp.StatusCode, payload)
	}

	// Fourth mutation: exhausted.
	resp, payload = doJSON(t, http.MethodPut, server.URL+"/api/regions/reg_1/update", key, map[string]any{"x": 25})
	if resp.StatusCode != http.StatusTooManyRequests || payload["code"] != "QUOTA_EXHAUSTED" {
		t.Fatalf("expected 429 QUOTA_EXHAUSTED, got %d %v", resp.StatusCode, payload)
	}
	details := payload["details"].(map[string]any)
	if details["limit"] != float64(3) {
		t.Fatalf("expected limit 3 in details, got %v", details)
	}

	// Two geometry changes happened, the create does not write history.
	if len(mem.history) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(mem.history))
	}
}

func TestHTTPScopedSessionCannotCreate(t *testing.T) {
	server, _ := newTestServer(t)
	key := issueSession(t, server, "reg_1")

	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/regions/create", key, map[string]any{
		"pageNumber": 2, "x": 0, "y": 0, "width": 10, "height": 10,
	})
	if resp.StatusCode != http.StatusForbidden || payload["code"] != "SCOPED_SESSION_CANNOT_CREATE" {
		t.Fatalf("expected 403 SCOPED_SESSION_CANNOT_CREATE, got %d %v", resp.StatusCode, payload)
	}
}

func TestHTTPUnknownHostWithoutDefaultTenant(t *testing.T) {
	server, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/crop-session", bytes.NewBufferString(`{"documentId":"doc_1"}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Host = "stranger.test"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown host, got %d", resp.StatusCode)
	}
}

func TestHTTPHealth(t *testing.T) {
	server, _ := newTestServer(t)
	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}
}
