package store

import (
	"time"

	"clippress/api/internal/geometry"
)

// Region provenance tags. Public suggestions stay invisible to readers until
// privileged review activates them.
const (
	SourceManual    = "manual"
	SourceAutomatic = "automatic"
	SourcePublic    = "public"
)

type Tenant struct {
	ID   string
	Name string
	Host string
}

// Document is one paginated digitized issue.
type Document struct {
	ID          string
	TenantID    string
	Title       string
	PageCount   int
	PublishedAt time.Time
}

// PageBounds holds the real scanned dimensions of one page, in document units.
type PageBounds struct {
	DocumentID string
	PageNumber int
	Width      int
	Height     int
}

// Region is a rectangle on one page identifying an article's extent.
type Region struct {
	ID         string        `json:"id"`
	DocumentID string        `json:"documentId"`
	PageNumber int           `json:"pageNumber"`
	Rect       geometry.Rect `json:"-"`
	Label      string        `json:"label"`
	Title      string        `json:"title"`
	Source     string        `json:"source"`
	IsActive   bool          `json:"isActive"`
	Confidence *float64      `json:"confidence"`
	UpdatedBy  string        `json:"updatedBy"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// CropSession is a single-use-bounded capability grant over one document,
// optionally narrowed to one region. Only the key hash is stored.
type CropSession struct {
	ID             string
	KeyHash        string
	DocumentID     string
	ScopedRegionID string // empty means unscoped
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdateCount    int
	Fingerprint    string
	UserAgent      string
}

// Expired reports whether the session's validity window has passed.
func (s CropSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// RegionHistoryEntry records one accepted geometry change. Rows are immutable,
// enforced by database triggers.
type RegionHistoryEntry struct {
	ID          string
	RegionID    string
	DocumentID  string
	Previous    geometry.Rect
	New         geometry.Rect
	ChangedBy   string
	SessionID   string
	Fingerprint string
	CreatedAt   time.Time
}

// RegionUpdate carries one pre-authorized, pre-validated geometry/metadata
// update into the mutation transaction.
type RegionUpdate struct {
	SessionID      string
	SessionKeyHash string
	MaxOperations  int
	RegionID       string
	Rect           geometry.Rect // fully merged and validated by the caller
	Label          *string
	Title          *string
	Fingerprint    string
}

// RegionCreate carries one pre-authorized, pre-validated public suggestion.
type RegionCreate struct {
	SessionID      string
	SessionKeyHash string
	MaxOperations  int
	DocumentID     string
	PageNumber     int
	Rect           geometry.Rect
	Label          *string
	Fingerprint    string
}

// RegionMutationResult is the committed outcome of one mutation: the region
// as persisted plus the quota left on the session.
type RegionMutationResult struct {
	Region           Region
	UpdatesRemaining int
}
