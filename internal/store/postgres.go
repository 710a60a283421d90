package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clippress/api/internal/geometry"
	"clippress/api/internal/util"
)

// ErrQuotaExhausted is returned when the conditional quota increment matches
// zero rows: the session has no operations left (or expired between the
// authorizer's read and the transaction).
var ErrQuotaExhausted = errors.New("crop session quota exhausted")

// RegionInvalidator drops derived artifacts for a region (render cache,
// object store, search index). Implementations must be idempotent: they run
// inside the mutation transaction boundary and may fire for transactions that
// subsequently roll back.
type RegionInvalidator interface {
	InvalidateRegion(ctx context.Context, documentID, regionID string) error
}

type PostgresStore struct {
	db           *sql.DB
	invalidators []RegionInvalidator
}

func NewPostgresStore(db *sql.DB, invalidators ...RegionInvalidator) *PostgresStore {
	return &PostgresStore{db: db, invalidators: invalidators}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetTenantByHost(ctx context.Context, host string) (Tenant, error) {
	var item Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, host FROM tenants WHERE host=$1
	`, host).Scan(&item.ID, &item.Name, &item.Host)
	if err != nil {
		return Tenant{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, title, page_count, published_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.TenantID, &item.Title, &item.PageCount, &item.PublishedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetPageBounds(ctx context.Context, documentID string, pageNumber int) (PageBounds, error) {
	var item PageBounds
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, page_number, width, height
		FROM document_pages
		WHERE document_id=$1 AND page_number=$2
	`, documentID, pageNumber).Scan(&item.DocumentID, &item.PageNumber, &item.Width, &item.Height)
	if err != nil {
		return PageBounds{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetRegion(ctx context.Context, regionID string) (Region, error) {
	var item Region
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, page_number, x, y, width, height,
		       COALESCE(label, ''), COALESCE(title, ''), source, is_active, confidence,
		       updated_by, updated_at
		FROM regions
		WHERE id=$1
	`, regionID).Scan(
		&item.ID,
		&item.DocumentID,
		&item.PageNumber,
		&item.Rect.X,
		&item.Rect.Y,
		&item.Rect.Width,
		&item.Rect.Height,
		&item.Label,
		&item.Title,
		&item.Source,
		&item.IsActive,
		&item.Confidence,
		&item.UpdatedBy,
		&item.UpdatedAt,
	)
	if err != nil {
		return Region{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertCropSession(ctx context.Context, session CropSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crop_sessions (id, session_key_hash, document_id, scoped_region_id, expires_at, update_count, requester_fingerprint, user_agent)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, 0, $6, $7)
	`, session.ID, session.KeyHash, session.DocumentID, session.ScopedRegionID, session.ExpiresAt, session.Fingerprint, session.UserAgent)
	if err != nil {
		return fmt.Errorf("insert crop session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCropSession(ctx context.Context, keyHash string) (CropSession, error) {
	var item CropSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_key_hash, document_id, COALESCE(scoped_region_id, ''), expires_at, created_at, update_count, requester_fingerprint, user_agent
		FROM crop_sessions
		WHERE session_key_hash=$1
	`, keyHash).Scan(
		&item.ID,
		&item.KeyHash,
		&item.DocumentID,
		&item.ScopedRegionID,
		&item.ExpiresAt,
		&item.CreatedAt,
		&item.UpdateCount,
		&item.Fingerprint,
		&item.UserAgent,
	)
	if err != nil {
		return CropSession{}, err
	}
	return item, nil
}

// ApplyRegionUpdate runs one region update as a single transaction: reserve a
// quota unit with a conditional increment, lock the region row, append a
// history record when the geometry actually changed, persist the merged
// rectangle, and invalidate derived caches. Any failure leaves no effect.
func (s *PostgresStore) ApplyRegionUpdate(ctx context.Context, params RegionUpdate) (RegionMutationResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RegionMutationResult{}, fmt.Errorf("begin region update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	used, err := consumeQuota(ctx, tx, params.SessionKeyHash, params.MaxOperations)
	if err != nil {
		return RegionMutationResult{}, err
	}

	var prev geometry.Rect
	err = tx.QueryRowContext(ctx, `
		SELECT x, y, width, height
		FROM regions
		WHERE id=$1
		FOR UPDATE
	`, params.RegionID).Scan(&prev.X, &prev.Y, &prev.Width, &prev.Height)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RegionMutationResult{}, err
		}
		return RegionMutationResult{}, fmt.Errorf("lock region: %w", err)
	}

	if prev != params.Rect {
		if err := insertHistory(ctx, tx, RegionHistoryEntry{
			ID:          util.NewID("rh"),
			RegionID:    params.RegionID,
			Previous:    prev,
			New:         params.Rect,
			ChangedBy:   "public",
			SessionID:   params.SessionID,
			Fingerprint: params.Fingerprint,
		}); err != nil {
			return RegionMutationResult{}, err
		}
	}

	var item Region
	err = tx.QueryRowContext(ctx, `
		UPDATE regions
		SET x=$2, y=$3, width=$4, height=$5,
		    label=COALESCE($6, label),
		    title=COALESCE($7, title),
		    updated_by='public',
		    confidence=NULL,
		    updated_at=NOW()
		WHERE id=$1
		RETURNING id, document_id, page_number, x, y, width, height,
		          COALESCE(label, ''), COALESCE(title, ''), source, is_active, confidence,
		          updated_by, updated_at
	`, params.RegionID, params.Rect.X, params.Rect.Y, params.Rect.Width, params.Rect.Height,
		nullable(params.Label), nullable(params.Title)).Scan(
		&item.ID,
		&item.DocumentID,
		&item.PageNumber,
		&item.Rect.X,
		&item.Rect.Y,
		&item.Rect.Width,
		&item.Rect.Height,
		&item.Label,
		&item.Title,
		&item.Source,
		&item.IsActive,
		&item.Confidence,
		&item.UpdatedBy,
		&item.UpdatedAt,
	)
	if err != nil {
		return RegionMutationResult{}, fmt.Errorf("update region: %w", err)
	}

	for _, invalidator := range s.invalidators {
		if err := invalidator.InvalidateRegion(ctx, item.DocumentID, item.ID); err != nil {
			return RegionMutationResult{}, fmt.Errorf("invalidate region %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return RegionMutationResult{}, fmt.Errorf("commit region update: %w", err)
	}
	return RegionMutationResult{Region: item, UpdatesRemaining: params.MaxOperations - used}, nil
}

// CreateSuggestedRegion inserts a public suggestion inside the same
// quota-reservation transaction shape as updates. The new region is created
// inactive and stays so until privileged review.
func (s *PostgresStore) CreateSuggestedRegion(ctx context.Context, params RegionCreate) (RegionMutationResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RegionMutationResult{}, fmt.Errorf("begin region create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	used, err := consumeQuota(ctx, tx, params.SessionKeyHash, params.MaxOperations)
	if err != nil {
		return RegionMutationResult{}, err
	}

	var item Region
	err = tx.QueryRowContext(ctx, `
		INSERT INTO regions (id, document_id, page_number, x, y, width, height, label, source, is_active, confidence, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'public', FALSE, NULL, 'public')
		RETURNING id, document_id, page_number, x, y, width, height,
		          COALESCE(label, ''), COALESCE(title, ''), source, is_active, confidence,
		          updated_by, updated_at
	`, util.NewID("reg"), params.DocumentID, params.PageNumber,
		params.Rect.X, params.Rect.Y, params.Rect.Width, params.Rect.Height,
		nullable(params.Label)).Scan(
		&item.ID,
		&item.DocumentID,
		&item.PageNumber,
		&item.Rect.X,
		&item.Rect.Y,
		&item.Rect.Width,
		&item.Rect.Height,
		&item.Label,
		&item.Title,
		&item.Source,
		&item.IsActive,
		&item.Confidence,
		&item.UpdatedBy,
		&item.UpdatedAt,
	)
	if err != nil {
		return RegionMutationResult{}, fmt.Errorf("insert suggested region: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return RegionMutationResult{}, fmt.Errorf("commit region create: %w", err)
	}
	return RegionMutationResult{Region: item, UpdatesRemaining: params.MaxOperations - used}, nil
}

// DeleteExpiredCropSessions purges sessions past their validity window.
// Housekeeping only: the authorizer re-checks expiry on every use.
func (s *PostgresStore) DeleteExpiredCropSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM crop_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired crop sessions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired crop sessions rows: %w", err)
	}
	return affected, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// consumeQuota reserves one operation with a single conditional update so two
// concurrent requests can never both pass a read-then-write check. Zero rows
// means the bound was already reached (or the session expired mid-flight).
func consumeQuota(ctx context.Context, tx *sql.Tx, keyHash string, maxOperations int) (int, error) {
	var used int
	err := tx.QueryRowContext(ctx, `
		UPDATE crop_sessions
		SET update_count = update_count + 1, last_used_at = NOW()
		WHERE session_key_hash=$1 AND update_count < $2 AND expires_at > NOW()
		RETURNING update_count
	`, keyHash, maxOperations).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrQuotaExhausted
	}
	if err != nil {
		return 0, fmt.Errorf("consume session quota: %w", err)
	}
	return used, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, entry RegionHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO region_history (id, region_id, document_id, prev_x, prev_y, prev_width, prev_height, new_x, new_y, new_width, new_height, changed_by, session_id, requester_fingerprint)
		SELECT $1, r.id, r.document_id, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		FROM regions r WHERE r.id=$2
	`, entry.ID, entry.RegionID,
		entry.Previous.X, entry.Previous.Y, entry.Previous.Width, entry.Previous.Height,
		entry.New.X, entry.New.Y, entry.New.Width, entry.New.Height,
		entry.ChangedBy, entry.SessionID, entry.Fingerprint)
	if err != nil {
		return fmt.Errorf("insert region history: %w", err)
	}
	return nil
}

// ListRegionHistory supports privileged audit reads. There is no public
// surface over this table.
func (s *PostgresStore) ListRegionHistory(ctx context.Context, regionID string, limit int) ([]RegionHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, region_id, document_id, prev_x, prev_y, prev_width, prev_height, new_x, new_y, new_width, new_height, changed_by, session_id, requester_fingerprint, created_at
		FROM region_history
		WHERE region_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, regionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list region history: %w", err)
	}
	defer rows.Close()

	items := make([]RegionHistoryEntry, 0)
	for rows.Next() {
		var item RegionHistoryEntry
		if err := rows.Scan(
			&item.ID,
			&item.RegionID,
			&item.DocumentID,
			&item.Previous.X,
			&item.Previous.Y,
			&item.Previous.Width,
			&item.Previous.Height,
			&item.New.X,
			&item.New.Y,
			&item.New.Width,
			&item.New.Height,
			&item.ChangedBy,
			&item.SessionID,
			&item.Fingerprint,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan region history: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate region history: %w", err)
	}
	return items, nil
}

func nullable(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}
